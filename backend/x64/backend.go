// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package x64 assembles finalized IR into x86-64 machine code.

Register conventions: r14 holds the guest context pointer and r15 the base
of the host-mapped guest address space; rax, rcx and rdx are emitter
scratch.  Everything else general purpose plus xmm1-xmm7 forms the bank
handed to register allocation.

Fastmem accesses are emitted as naked moves through r15 with a slow-path
stub parked after the block code.  When such a move faults, HandleException
rewrites it into a jump to its stub.
*/
package x64

import (
	"unsafe"

	"golang.org/x/sys/cpu"

	"github.com/driftvm/drift/exc"
	"github.com/driftvm/drift/ir"
	"github.com/driftvm/drift/jit"
)

// DefaultCodeSize is the emit buffer capacity used by a JIT instance.
const DefaultCodeSize = 8 << 20

// Runtime holds the host addresses of the slow-path guest memory handlers,
// indexed by log2 of the access size.
type Runtime struct {
	LoadSlow  [4]ir.HostAddr
	StoreSlow [4]ir.HostAddr
}

var registers = []ir.Register{
	{Name: "rbx", Types: ir.IntMask},
	{Name: "rbp", Types: ir.IntMask},
	{Name: "rsi", Types: ir.IntMask},
	{Name: "rdi", Types: ir.IntMask},
	{Name: "r8", Types: ir.IntMask},
	{Name: "r9", Types: ir.IntMask},
	{Name: "r10", Types: ir.IntMask},
	{Name: "r11", Types: ir.IntMask},
	{Name: "r12", Types: ir.IntMask},
	{Name: "r13", Types: ir.IntMask},
	{Name: "xmm1", Types: ir.FloatMask | ir.VectorMask},
	{Name: "xmm2", Types: ir.FloatMask | ir.VectorMask},
	{Name: "xmm3", Types: ir.FloatMask | ir.VectorMask},
	{Name: "xmm4", Types: ir.FloatMask | ir.VectorMask},
	{Name: "xmm5", Types: ir.FloatMask | ir.VectorMask},
	{Name: "xmm6", Types: ir.FloatMask | ir.VectorMask},
	{Name: "xmm7", Types: ir.FloatMask | ir.VectorMask},
}

// machine encodings for the bank above
var regEnc = []byte{3, 5, 6, 7, 8, 9, 10, 11, 12, 13, 1, 2, 3, 4, 5, 6, 7}

type fastmemSite struct {
	addr ir.HostAddr
	size int
	stub ir.HostAddr
}

// Backend implements jit.Backend for x86-64 hosts.
type Backend struct {
	buf      []byte
	used     int
	base     ir.HostAddr
	overflow bool

	// locals are addressed relative to the context pointer, after the
	// context record itself
	localsOffset int

	rt Runtime

	sites map[ir.HostAddr]*fastmemSite

	enterThunk ir.HostAddr
	leaveThunk ir.HostAddr

	hasAVX   bool
	hasSSE41 bool
}

// New wraps a fixed-size code buffer.  localsOffset is where spill locals
// start relative to the guest context pointer.
func New(buf []byte, localsOffset int, rt Runtime) *Backend {
	b := &Backend{
		buf:          buf[:0],
		base:         ir.HostAddr(uintptr(unsafe.Pointer(&buf[0]))),
		localsOffset: localsOffset,
		rt:           rt,
		hasAVX:       cpu.X86.HasAVX,
		hasSSE41:     cpu.X86.HasSSE41,
	}
	b.Reset()
	return b
}

func (b *Backend) Registers() []ir.Register {
	return registers
}

// Reset drops all emitted code and re-installs the entry/exit glue.
func (b *Backend) Reset() {
	b.used = 0
	b.overflow = false
	b.sites = make(map[ir.HostAddr]*fastmemSite)
	b.emitGlue()
}

// EnterThunk is the host entry into compiled code: it saves callee-saved
// registers, pins the context and memory base and jumps to a block.
func (b *Backend) EnterThunk() ir.HostAddr {
	return b.enterThunk
}

// LeaveThunk is the matching exit back to the host.
func (b *Backend) LeaveThunk() ir.HostAddr {
	return b.leaveThunk
}

// emitGlue emits the enter/leave thunks at the buffer head.
func (b *Backend) emitGlue() {
	b.enterThunk = b.cur()
	// push rbx, rbp, r12..r15
	b.emit(0x53, 0x55)
	b.emit(0x41, 0x54, 0x41, 0x55, 0x41, 0x56, 0x41, 0x57)
	// mov r14, rdi (context), mov r15, rsi (memory base)
	b.emit(0x49, 0x89, 0xfe, 0x49, 0x89, 0xf7)
	// jmp rdx
	b.emit(0xff, 0xe2)

	b.leaveThunk = b.cur()
	b.emit(0x41, 0x5f, 0x41, 0x5e, 0x41, 0x5d, 0x41, 0x5c)
	b.emit(0x5d, 0x5b)
	b.emit(0xc3)

	b.align(16)
}

func (b *Backend) cur() ir.HostAddr {
	return b.base + ir.HostAddr(b.used)
}

func (b *Backend) emit(bytes ...byte) {
	if b.used+len(bytes) > cap(b.buf) {
		b.overflow = true
		return
	}
	b.buf = b.buf[:b.used+len(bytes)]
	copy(b.buf[b.used:], bytes)
	b.used += len(bytes)
}

func (b *Backend) emitU32(v uint32) {
	b.emit(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (b *Backend) emitU64(v uint64) {
	b.emitU32(uint32(v))
	b.emitU32(uint32(v >> 32))
}

func (b *Backend) align(n int) {
	for b.used%n != 0 && !b.overflow {
		b.emit(0x90)
	}
}

// patchU32 overwrites four bytes at a buffer offset.
func (b *Backend) patchU32(off int, v uint32) {
	if off+4 > len(b.buf) {
		return
	}
	b.buf[off] = byte(v)
	b.buf[off+1] = byte(v >> 8)
	b.buf[off+2] = byte(v >> 16)
	b.buf[off+3] = byte(v >> 24)
}

// AssembleCode emits every block of the IR and fills in the code's host
// location.  Returns false if the buffer ran out; the caller resets the
// whole cache and retries.
func (b *Backend) AssembleCode(code *jit.Code, x *ir.IR) bool {
	b.align(16)
	start := b.used

	a := &asm{
		b:        b,
		code:     code,
		blockOff: make(map[*ir.Block]int),
	}

	for block := x.Blocks(); block != nil; block = block.Next() {
		a.blockOff[block] = b.used
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			a.emitInstr(instr)
		}
	}

	a.emitStubs()

	for _, fix := range a.fixups {
		target, ok := a.blockOff[fix.block]
		if !ok {
			panic("x64: branch to unassembled block")
		}
		b.patchU32(fix.pos, uint32(int32(target-(fix.pos+4))))
	}

	if b.overflow {
		b.overflow = false
		return false
	}

	code.HostAddr = b.base + ir.HostAddr(start)
	code.HostSize = b.used - start

	for _, site := range a.sites {
		b.sites[site.addr] = site
	}

	return true
}

// HandleException rewrites a faulting fastmem access into a jump to its
// slow-path stub.  Returns false if the pc is not a known access site.
func (b *Backend) HandleException(ex *exc.Exception) bool {
	site, ok := b.sites[ex.PC]
	if !ok {
		return false
	}

	off := int(site.addr - b.base)
	rel := int32(int(site.stub-b.base) - (off + 5))

	b.buf[off] = 0xe9
	b.patchU32(off+1, uint32(rel))
	for i := off + 5; i < off+site.size; i++ {
		b.buf[i] = 0x90
	}

	delete(b.sites, ex.PC)
	return true
}

func sizeShift(t ir.Type) uint {
	switch t.Size() {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	default:
		return 3
	}
}
