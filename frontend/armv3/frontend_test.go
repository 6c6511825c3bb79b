// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package armv3

import (
	"io"
	"testing"

	"github.com/driftvm/drift/exc"
	"github.com/driftvm/drift/ir"
	"github.com/driftvm/drift/jit"
)

type testGuest struct {
	mem map[uint32]uint32
}

func (g *testGuest) R8(addr uint32) uint8   { return uint8(g.mem[addr&^3] >> ((addr & 3) * 8)) }
func (g *testGuest) R16(addr uint32) uint16 { return uint16(g.R32(addr)) }
func (g *testGuest) R32(addr uint32) uint32 { return g.mem[addr] }
func (g *testGuest) R64(addr uint32) uint64 {
	return uint64(g.mem[addr]) | uint64(g.mem[addr+4])<<32
}
func (g *testGuest) W8(addr uint32, v uint8)                    {}
func (g *testGuest) W16(addr uint32, v uint16)                  {}
func (g *testGuest) W32(addr uint32, v uint32)                  { g.mem[addr] = v }
func (g *testGuest) W64(addr uint32, v uint64)                  {}
func (g *testGuest) LookupCode(addr uint32) ir.HostAddr         { return 0 }
func (g *testGuest) CacheCode(addr uint32, h ir.HostAddr)       {}
func (g *testGuest) InvalidateCode(addr uint32)                 {}
func (g *testGuest) PatchEdge(branch, dst ir.HostAddr)          {}
func (g *testGuest) RestoreEdge(branch ir.HostAddr, dst uint32) {}

type nullBackend struct{}

func (nullBackend) Registers() []ir.Register                               { return []ir.Register{{Name: "a", Types: ir.AllMask}} }
func (nullBackend) Reset()                                                 {}
func (nullBackend) AssembleCode(code *jit.Code, x *ir.IR) bool             { return true }
func (nullBackend) DumpCode(w io.Writer, addr ir.HostAddr, size int) error { return nil }
func (nullBackend) HandleException(ex *exc.Exception) bool                 { return false }

func newTestFrontend(t *testing.T, guest *testGuest) *Frontend {
	t.Helper()

	j := jit.New("arm")
	f := New(j, Runtime{
		DispatchDynamic:   0xd0,
		DispatchLeave:     0xd2,
		DispatchInterrupt: 0xd3,
		Interp:            0xd7,
	})
	if err := j.Init(guest, f, nullBackend{}, jit.Options{}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(j.Destroy)
	return f
}

func TestAnalyzeEndsAtBranch(t *testing.T) {
	guest := &testGuest{mem: map[uint32]uint32{
		0x1000: 0xe0811002, // add r1, r1, r2
		0x1004: 0xe5912000, // ldr r2, [r1]
		0x1008: 0xeafffffe, // b .
	}}
	f := newTestFrontend(t, guest)

	meta := &jit.Meta{GuestAddr: 0x1000, BranchAddr: jit.InvalidAddr, NextAddr: jit.InvalidAddr}
	if !f.AnalyzeCode(meta) {
		t.Fatal("analysis failed")
	}

	if meta.NumInstrs != 3 || meta.Size != 12 {
		t.Errorf("instrs %d size %d", meta.NumInstrs, meta.Size)
	}
	if meta.BranchType != jit.BranchDynamic {
		t.Errorf("branch type = %d", meta.BranchType)
	}
	if meta.BranchAddr != jit.InvalidAddr || meta.NextAddr != jit.InvalidAddr {
		t.Error("dynamic block should have no static successors")
	}
}

func TestAnalyzeEndsAtPCWrite(t *testing.T) {
	guest := &testGuest{mem: map[uint32]uint32{
		0x1000: 0xe1a0f00e, // mov pc, lr
	}}
	f := newTestFrontend(t, guest)

	meta := &jit.Meta{GuestAddr: 0x1000}
	if !f.AnalyzeCode(meta) {
		t.Fatal("analysis failed")
	}
	if meta.NumInstrs != 1 {
		t.Errorf("instrs = %d, pc write must end the block", meta.NumInstrs)
	}
}

func TestTranslateFallsBack(t *testing.T) {
	guest := &testGuest{mem: map[uint32]uint32{
		0x1000: 0xe0811002,
		0x1004: 0xeafffffe,
	}}
	f := newTestFrontend(t, guest)

	j := f.jit
	if err := j.CompileCode(0x1000); err != nil {
		t.Fatal(err)
	}
	code := j.LookupCode(0x1000)

	x := ir.New(1 << 20)
	f.TranslateCode(code, x)

	fallbacks := 0
	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			if instr.Op == ir.OpCallFallback {
				fallbacks++
			}
		}
	}
	if fallbacks != 2 {
		t.Errorf("%d interpreter fallbacks, want one per instruction", fallbacks)
	}
}
