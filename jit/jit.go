// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package jit coordinates dynamic binary translation: it walks guest control
flow into compile units, drives a frontend to emit IR, runs the optimization
pipeline, hands the result to a backend, and maintains the code cache with
its cross-block edges.

One JIT serves one guest CPU and runs on that CPU's loop; the package has no
internal synchronization.  AddEdge and the fastmem exception path may be
entered re-entrantly from executing compiled code, which is why invalidation
never removes cache entries from the lookup maps (see InvalidateCache).
*/
package jit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/btree"
	"golang.org/x/xerrors"

	"github.com/driftvm/drift/exc"
	"github.com/driftvm/drift/ir"
	"github.com/driftvm/drift/passes"
)

// InvalidAddr is the reserved guest address sentinel.
const InvalidAddr uint32 = 0xffffffff

// BranchType classifies the instruction terminating a guest block.
type BranchType int

const (
	BranchFallThrough BranchType = iota
	BranchStatic
	BranchStaticTrue
	BranchStaticFalse
	BranchDynamic
	BranchDynamicTrue
	BranchDynamicFalse
)

// Meta is cached analysis of the guest block at one address.  Meta may
// outlive the code compiled from it; it is freed only once no compile unit
// references it.
type Meta struct {
	// address of block in guest memory
	GuestAddr uint32

	// terminating branch classification and targets; either address may
	// be InvalidAddr
	BranchType BranchType
	BranchAddr uint32
	NextAddr   uint32

	// number of guest instructions in block
	NumInstrs int

	// estimated number of cycles to execute block
	NumCycles int

	// size of block in bytes
	Size int

	// compile units which use this meta data
	refs []*CompileUnit

	// visit token stamped while traversing the block graph
	visited uint
}

// CompileRefs returns the compile units currently referencing the meta.
func (m *Meta) CompileRefs() []*CompileUnit {
	return m.refs
}

// CompileUnit ties one meta into one compilation.  Units form a finite tree:
// the analysis walk cuts off paths that rejoin.
type CompileUnit struct {
	// code being compiled from this unit
	Parent *Code

	// meta data to be compiled
	Meta *Meta

	Branch *CompileUnit
	Next   *CompileUnit

	// filled in by the frontend during translation
	BranchCond *ir.Value
	BranchDest *ir.Value
}

// Edge is a direct branch patched between two compiled code entries.
type Edge struct {
	Src *Code
	Dst *Code

	// host address of the branch instruction
	Branch ir.HostAddr

	Patched bool
}

// Code is one compiled native artifact for one guest entry point.
type Code struct {
	// address of entry point in guest memory
	GuestAddr uint32

	// use fastmem optimizations; never turned back on short of a full
	// cache reset
	Fastmem bool

	// guest code to be compiled
	RootUnit *CompileUnit

	// entry point in host memory
	HostAddr ir.HostAddr
	HostSize int

	// edges to other compiled code
	InEdges  []*Edge
	OutEdges []*Edge
}

// Guest is the emulated CPU being translated for.
type Guest interface {
	// memory interface
	R8(addr uint32) uint8
	R16(addr uint32) uint16
	R32(addr uint32) uint32
	R64(addr uint32) uint64
	W8(addr uint32, v uint8)
	W16(addr uint32, v uint16)
	W32(addr uint32, v uint32)
	W64(addr uint32, v uint64)

	// dispatch interface
	LookupCode(guestAddr uint32) ir.HostAddr
	CacheCode(guestAddr uint32, host ir.HostAddr)
	InvalidateCode(guestAddr uint32)
	PatchEdge(branch, dst ir.HostAddr)
	RestoreEdge(branch ir.HostAddr, dstGuestAddr uint32)
}

// Frontend decodes and translates one guest ISA.
type Frontend interface {
	// AnalyzeCode populates meta for the block at meta.GuestAddr.
	// Returns false if analysis cannot be completed.
	AnalyzeCode(meta *Meta) bool

	// TranslateCode emits IR for the compile unit tree of code.
	TranslateCode(code *Code, x *ir.IR)

	// DumpCode disassembles guest code for debugging.
	DumpCode(w io.Writer, addr uint32, size int)
}

// Backend assembles finalized IR into host machine code.
type Backend interface {
	// Registers exposes the host register bank to register allocation.
	Registers() []ir.Register

	// Reset drops all emitted code.
	Reset()

	// AssembleCode emits code into the backend's buffer, filling in
	// code.HostAddr and code.HostSize.  Returns false on exhaustion.
	AssembleCode(code *Code, x *ir.IR) bool

	// DumpCode disassembles emitted host code for debugging.
	DumpCode(w io.Writer, addr ir.HostAddr, size int) error

	// HandleException patches a faulting fastmem access site to its slow
	// path.  Returns false if the site is not known to the backend.
	HandleException(ex *exc.Exception) bool
}

// Options is the configuration owned by a JIT instance.
type Options struct {
	// Perf enables the perf-compatible map of generated code.
	Perf bool

	// AppDir receives IR dumps when DumpCode is toggled on.
	AppDir string

	// NoFastmem disables fastmem optimizations outright.  Useful when
	// running under a debugger that wants SIGSEGV for itself.
	NoFastmem bool
}

// JIT is the compilation coordinator for one guest CPU.
type JIT struct {
	tag  string
	opts Options

	guest    Guest
	frontend Frontend
	backend  Backend

	excHandler *exc.Registration

	// passes
	cfa   *passes.CFA
	lse   *passes.LSE
	cprop *passes.CPROP
	esimp *passes.ESIMP
	dce   *passes.DCE
	ra    *passes.RA

	// scratch compilation arena
	arena *ir.IR

	// block lookup maps
	meta        *btree.BTreeG[*Meta]
	code        *btree.BTreeG[*Code]
	codeReverse *btree.BTreeG[*Code]

	visitToken uint

	// compiled block perf map
	perfMap *os.File

	// DumpCode writes each block's pre-optimization IR to AppDir.
	DumpCode bool
}

// New creates an uninitialized JIT; Init must be called before use.  The tag
// names the instance in perf maps.
func New(tag string) *JIT {
	return &JIT{
		tag: tag,
		meta: btree.NewG(8, func(a, b *Meta) bool {
			return a.GuestAddr < b.GuestAddr
		}),
		code: btree.NewG(8, func(a, b *Code) bool {
			return a.GuestAddr < b.GuestAddr
		}),
		codeReverse: btree.NewG(8, func(a, b *Code) bool {
			return a.HostAddr < b.HostAddr
		}),
	}
}

// Init wires the JIT to its collaborators and installs the fastmem fault
// handler.
func (j *JIT) Init(guest Guest, frontend Frontend, backend Backend, opts Options) error {
	j.guest = guest
	j.frontend = frontend
	j.backend = backend
	j.opts = opts
	j.excHandler = exc.Add(j.handleException)

	j.cfa = passes.NewCFA()
	j.lse = passes.NewLSE()
	j.cprop = passes.NewCPROP()
	j.esimp = passes.NewESIMP()
	j.dce = passes.NewDCE()
	j.ra = passes.NewRA(backend.Registers())

	j.arena = ir.New(ir.DefaultCapacity)

	if opts.Perf {
		path := fmt.Sprintf("/tmp/perf-%d.map", os.Getpid())
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return xerrors.Errorf("jit: open perf map: %w", err)
		}
		j.perfMap = f
	}

	return nil
}

// Destroy releases the cache, the backend buffers and the fault handler.
func (j *JIT) Destroy() {
	if j.perfMap != nil {
		j.perfMap.Close()
		j.perfMap = nil
	}

	if j.excHandler != nil {
		exc.Remove(j.excHandler)
		j.excHandler = nil
	}

	if j.backend != nil {
		j.FreeCache()
	}
}

// Guest returns the guest interface the JIT was initialized with.
// Frontends read guest memory through it.
func (j *JIT) Guest() Guest {
	return j.guest
}

func (j *JIT) lookupMeta(guestAddr uint32) *Meta {
	m, _ := j.meta.Get(&Meta{GuestAddr: guestAddr})
	return m
}

// LookupCode finds the code compiled for a guest entry point.
func (j *JIT) LookupCode(guestAddr uint32) *Code {
	c, _ := j.code.Get(&Code{GuestAddr: guestAddr})
	return c
}

// LookupCodeReverse finds the code containing a host address.  The address
// may point anywhere within a block, not only at its entry.
func (j *JIT) LookupCodeReverse(hostAddr ir.HostAddr) *Code {
	var code *Code
	j.codeReverse.DescendLessOrEqual(&Code{HostAddr: hostAddr}, func(c *Code) bool {
		code = c
		return false
	})

	if code == nil {
		return nil
	}
	if hostAddr < code.HostAddr || hostAddr >= code.HostAddr+ir.HostAddr(code.HostSize) {
		return nil
	}

	return code
}

func (j *JIT) isStale(code *Code) bool {
	return j.guest.LookupCode(code.GuestAddr) != code.HostAddr
}

// PatchEdges rewrites every unpatched edge touching code to branch directly
// to its destination instead of going through dispatch.  Idempotent.
func (j *JIT) PatchEdges(code *Code) {
	for _, edge := range code.InEdges {
		if !edge.Patched {
			edge.Patched = true
			j.guest.PatchEdge(edge.Branch, edge.Dst.HostAddr)
		}
	}

	for _, edge := range code.OutEdges {
		if !edge.Patched {
			edge.Patched = true
			j.guest.PatchEdge(edge.Branch, edge.Dst.HostAddr)
		}
	}
}

// restoreEdges sends patched incoming branches back through dispatch before
// code becomes unreachable.
func (j *JIT) restoreEdges(code *Code) {
	for _, edge := range code.InEdges {
		if edge.Patched {
			edge.Patched = false
			j.guest.RestoreEdge(edge.Branch, edge.Dst.GuestAddr)
		}
	}
}

func (j *JIT) finalizeCode(code *Code) {
	if len(code.InEdges) != 0 || len(code.OutEdges) != 0 {
		panic("jit: code shouldn't have any existing edges")
	}
	if j.inMaps(code) {
		panic("jit: code was already inserted in lookup maps")
	}

	j.guest.CacheCode(code.GuestAddr, code.HostAddr)

	j.code.ReplaceOrInsert(code)
	j.codeReverse.ReplaceOrInsert(code)

	// write out to perf map if enabled
	if j.perfMap != nil {
		fmt.Fprintf(j.perfMap, "%x %x %s_0x%08x\n", code.HostAddr, code.HostSize,
			j.tag, code.GuestAddr)
	}
}

func (j *JIT) inMaps(code *Code) bool {
	if c, ok := j.code.Get(code); ok && c == code {
		return true
	}
	if c, ok := j.codeReverse.Get(code); ok && c == code {
		return true
	}
	return false
}

func (j *JIT) freeCompileUnit(unit *CompileUnit) {
	if unit == nil {
		return
	}

	j.freeCompileUnit(unit.Branch)
	j.freeCompileUnit(unit.Next)
	unit.Branch = nil
	unit.Next = nil

	// remove edge to meta data
	meta := unit.Meta
	for i, ref := range meta.refs {
		if ref == unit {
			meta.refs = append(meta.refs[:i], meta.refs[i+1:]...)
			break
		}
	}
}

func unlinkEdge(list *[]*Edge, edge *Edge) {
	for i, e := range *list {
		if e == edge {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

// InvalidateCode detaches code from the guest dispatch cache and from its
// edges.  The lookup map entries stay; the code may still be executing and
// raise further exceptions before its frame unwinds.
func (j *JIT) InvalidateCode(code *Code) {
	j.freeCompileUnit(code.RootUnit)
	code.RootUnit = nil

	// drop from guest dispatch cache and remove any direct branches to
	// this code
	j.guest.InvalidateCode(code.GuestAddr)

	j.restoreEdges(code)

	for _, edge := range code.InEdges {
		unlinkEdge(&edge.Src.OutEdges, edge)
	}
	code.InEdges = nil

	for _, edge := range code.OutEdges {
		unlinkEdge(&edge.Dst.InEdges, edge)
	}
	code.OutEdges = nil
}

// FreeCode invalidates code and removes it from the lookup maps.
func (j *JIT) FreeCode(code *Code) {
	j.InvalidateCode(code)

	if c, ok := j.code.Get(code); ok && c == code {
		j.code.Delete(code)
	}
	if c, ok := j.codeReverse.Get(code); ok && c == code {
		j.codeReverse.Delete(code)
	}
}

func (j *JIT) allocMeta(guestAddr uint32) *Meta {
	meta := &Meta{
		GuestAddr:  guestAddr,
		BranchAddr: InvalidAddr,
		NextAddr:   InvalidAddr,
	}

	j.meta.ReplaceOrInsert(meta)

	return meta
}

func (j *JIT) freeMeta(meta *Meta) {
	if len(meta.refs) != 0 {
		panic("jit: code must be freed before meta data")
	}

	j.meta.Delete(meta)
}

// InvalidateCache invalidates all code without removing the lookup map
// entries.  Safe to call while compiled code is executing further up the
// host stack.
func (j *JIT) InvalidateCache() {
	for _, code := range j.allCode() {
		j.InvalidateCode(code)
	}

	// all compile units are gone, so every meta is unreferenced
	for _, meta := range j.allMeta() {
		j.freeMeta(meta)
	}
}

// FreeCache invalidates all code, empties both lookup maps and resets the
// backend.  Only safe when no compiled code is executing.
func (j *JIT) FreeCache() {
	for _, code := range j.allCode() {
		j.FreeCode(code)
	}
	if j.code.Len() != 0 || j.codeReverse.Len() != 0 {
		panic("jit: code map not empty after free")
	}

	for _, meta := range j.allMeta() {
		j.freeMeta(meta)
	}
	if j.meta.Len() != 0 {
		panic("jit: meta map not empty after free")
	}

	// have the backend reset its code buffers
	j.backend.Reset()
}

func (j *JIT) allCode() []*Code {
	codes := make([]*Code, 0, j.code.Len())
	j.code.Ascend(func(c *Code) bool {
		codes = append(codes, c)
		return true
	})
	return codes
}

func (j *JIT) allMeta() []*Meta {
	metas := make([]*Meta, 0, j.meta.Len())
	j.meta.Ascend(func(m *Meta) bool {
		metas = append(metas, m)
		return true
	})
	return metas
}

// AddEdge records a direct branch from the code containing branch to the
// code at addr, then patches it in.  Called from the runtime when compiled
// code discovers a compiled destination.  Stale or unknown endpoints are
// dropped silently.
func (j *JIT) AddEdge(branch ir.HostAddr, addr uint32) {
	src := j.LookupCodeReverse(branch)
	dst := j.LookupCode(addr)

	if src == nil || j.isStale(src) || dst == nil {
		return
	}

	edge := &Edge{Src: src, Dst: dst, Branch: branch}
	src.OutEdges = append(src.OutEdges, edge)
	dst.InEdges = append(dst.InEdges, edge)

	j.PatchEdges(src)
}

func (j *JIT) dumpCode(guestAddr uint32, x *ir.IR) error {
	irdir := filepath.Join(j.opts.AppDir, "ir")
	if err := os.MkdirAll(irdir, 0755); err != nil {
		return xerrors.Errorf("jit: create ir dir: %w", err)
	}

	path := filepath.Join(irdir, fmt.Sprintf("0x%08x.ir", guestAddr))
	f, err := os.Create(path)
	if err != nil {
		return xerrors.Errorf("jit: create ir dump: %w", err)
	}
	defer f.Close()

	return ir.Write(f, x)
}

func (j *JIT) analyzeCodeR(code *Code, guestAddr uint32) *CompileUnit {
	if guestAddr == InvalidAddr {
		return nil
	}

	meta := j.lookupMeta(guestAddr)

	// don't allow control flow to rejoin
	if meta != nil && meta.visited == j.visitToken {
		return nil
	}

	if meta == nil {
		meta = j.allocMeta(guestAddr)

		// analysis can fail during bootstrap when a branch target hasn't
		// been written out to guest memory just yet
		if !j.frontend.AnalyzeCode(meta) {
			j.freeMeta(meta)
			return nil
		}
	}

	meta.visited = j.visitToken

	unit := &CompileUnit{Parent: code, Meta: meta}
	meta.refs = append(meta.refs, unit)

	unit.Branch = j.analyzeCodeR(code, meta.BranchAddr)
	unit.Next = j.analyzeCodeR(code, meta.NextAddr)

	return unit
}

func (j *JIT) analyzeCode(code *Code) error {
	j.visitToken++
	code.RootUnit = j.analyzeCodeR(code, code.GuestAddr)
	if code.RootUnit == nil {
		return xerrors.Errorf("jit: analysis failed at 0x%08x", code.GuestAddr)
	}
	return nil
}

// CompileCode compiles the guest block graph reachable from guestAddr and
// registers the result with the guest dispatcher.  An existing code at the
// address is freed first: recompilation is invalidation, not append.
func (j *JIT) CompileCode(guestAddr uint32) error {
	fastmem := !j.opts.NoFastmem

	// if the address had previously been invalidated by a fastmem
	// exception, finish freeing it now and keep fastmem off for the new
	// code
	if existing := j.LookupCode(guestAddr); existing != nil {
		fastmem = existing.Fastmem
		j.FreeCode(existing)
	}

	code := &Code{GuestAddr: guestAddr, Fastmem: fastmem}

	if err := j.analyzeCode(code); err != nil {
		return err
	}

	j.arena.Reset()
	j.frontend.TranslateCode(code, j.arena)

	// dump unoptimized block
	if j.DumpCode {
		if err := j.dumpCode(guestAddr, j.arena); err != nil {
			return err
		}
	}

	j.cfa.Run(j.arena)
	j.lse.Run(j.arena)
	j.cprop.Run(j.arena)
	j.esimp.Run(j.arena)
	j.dce.Run(j.arena)
	j.ra.Run(j.arena)

	if !j.backend.AssembleCode(code, j.arena) {
		// the backend overflowed: completely free the cache and let
		// dispatch try to compile again
		j.FreeCode(code)
		j.FreeCache()
		return nil
	}

	j.finalizeCode(code)
	return nil
}

// handleException is installed on the process-wide exception chain.  It
// consumes fastmem faults raised from compiled code.
func (j *JIT) handleException(ex *exc.Exception) bool {
	// see if there is a cached block corresponding to the faulting pc
	code := j.LookupCodeReverse(ex.PC)
	if code == nil {
		return false
	}

	// let the backend attempt to handle the exception
	if !j.backend.HandleException(ex) {
		return false
	}

	// invalidate the block so it's recompiled without fastmem on the next
	// access.  it can't be removed from the lookup maps: it's still
	// executing and may raise more exceptions
	code.Fastmem = false
	j.InvalidateCode(code)

	return true
}
