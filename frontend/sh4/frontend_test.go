// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sh4

import (
	"io"
	"strings"
	"testing"

	"github.com/driftvm/drift/exc"
	"github.com/driftvm/drift/ir"
	"github.com/driftvm/drift/jit"
)

type testGuest struct {
	mem map[uint32]byte

	cache map[uint32]ir.HostAddr
}

func newTestGuest() *testGuest {
	return &testGuest{mem: make(map[uint32]byte), cache: make(map[uint32]ir.HostAddr)}
}

func (g *testGuest) write16(addr uint32, v uint16) {
	g.mem[addr] = byte(v)
	g.mem[addr+1] = byte(v >> 8)
}

func (g *testGuest) R8(addr uint32) uint8 { return g.mem[addr] }
func (g *testGuest) R16(addr uint32) uint16 {
	return uint16(g.mem[addr]) | uint16(g.mem[addr+1])<<8
}
func (g *testGuest) R32(addr uint32) uint32 {
	return uint32(g.R16(addr)) | uint32(g.R16(addr+2))<<16
}
func (g *testGuest) R64(addr uint32) uint64 {
	return uint64(g.R32(addr)) | uint64(g.R32(addr+4))<<32
}
func (g *testGuest) W8(addr uint32, v uint8)                    {}
func (g *testGuest) W16(addr uint32, v uint16)                  {}
func (g *testGuest) W32(addr uint32, v uint32)                  {}
func (g *testGuest) W64(addr uint32, v uint64)                  {}
func (g *testGuest) LookupCode(addr uint32) ir.HostAddr         { return g.cache[addr] }
func (g *testGuest) CacheCode(addr uint32, h ir.HostAddr)       { g.cache[addr] = h }
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

	j := jit.New("test")
	f := New(j, Runtime{
		DispatchDynamic:   0xd0,
		DispatchStatic:    0xd1,
		DispatchLeave:     0xd2,
		DispatchInterrupt: 0xd3,
		SRUpdated:         0xd4,
		FPSCRUpdated:      0xd5,
		Trap:              0xd6,
	})
	if err := j.Init(guest, f, nullBackend{}, jit.Options{}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(j.Destroy)
	return f
}

func analyze(t *testing.T, f *Frontend, addr uint32) *jit.Meta {
	t.Helper()
	meta := &jit.Meta{GuestAddr: addr, BranchAddr: jit.InvalidAddr, NextAddr: jit.InvalidAddr}
	if !f.AnalyzeCode(meta) {
		t.Fatalf("analysis failed at %#08x", addr)
	}
	return meta
}

func TestAnalyzeBranchKinds(t *testing.T) {
	guest := newTestGuest()
	f := newTestFrontend(t, guest)

	tests := []struct {
		name   string
		opcode uint16
		delay  bool
		typ    jit.BranchType
		branch uint32
		next   uint32
	}{
		{"bt", 0x8902, false, jit.BranchStaticTrue, 0x1008, 0x1002},
		{"bf", 0x8b02, false, jit.BranchStaticFalse, 0x1008, 0x1002},
		{"bt/s", 0x8d02, true, jit.BranchStaticTrue, 0x1008, 0x1004},
		{"bf/s", 0x8f02, true, jit.BranchStaticFalse, 0x1008, 0x1004},
		{"bra", 0xa002, true, jit.BranchStatic, 0x1008, jit.InvalidAddr},
		{"bsr", 0xb002, true, jit.BranchStatic, 0x1008, jit.InvalidAddr},
		{"jmp", 0x432b, true, jit.BranchDynamic, jit.InvalidAddr, jit.InvalidAddr},
		{"rts", 0x000b, true, jit.BranchDynamic, jit.InvalidAddr, jit.InvalidAddr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guest.write16(0x1000, tt.opcode)
			guest.write16(0x1002, 0x0009) // nop, doubles as the delay slot

			meta := analyze(t, f, 0x1000)

			if meta.BranchType != tt.typ {
				t.Errorf("branch type = %d, want %d", meta.BranchType, tt.typ)
			}
			if meta.BranchAddr != tt.branch {
				t.Errorf("branch addr = %#x, want %#x", meta.BranchAddr, tt.branch)
			}
			if meta.NextAddr != tt.next {
				t.Errorf("next addr = %#x, want %#x", meta.NextAddr, tt.next)
			}

			wantSize := 2
			wantInstrs := 1
			if tt.delay {
				wantSize = 4
				wantInstrs = 2
			}
			if meta.Size != wantSize || meta.NumInstrs != wantInstrs {
				t.Errorf("size %d instrs %d", meta.Size, meta.NumInstrs)
			}
		})
	}
}

func TestAnalyzeStopsAtStateChange(t *testing.T) {
	guest := newTestGuest()
	f := newTestFrontend(t, guest)

	guest.write16(0x1000, 0x6123) // mov r2, r1
	guest.write16(0x1002, 0x410e) // ldc r1, sr
	guest.write16(0x1004, 0x0009) // unreachable

	meta := analyze(t, f, 0x1000)

	if meta.BranchType != jit.BranchFallThrough {
		t.Errorf("branch type = %d", meta.BranchType)
	}
	if meta.Size != 4 || meta.NumInstrs != 2 {
		t.Errorf("size %d instrs %d", meta.Size, meta.NumInstrs)
	}
}

func TestAnalyzeInvalid(t *testing.T) {
	guest := newTestGuest()
	f := newTestFrontend(t, guest)

	guest.write16(0x1000, 0xffff)

	meta := &jit.Meta{GuestAddr: 0x1000}
	if f.AnalyzeCode(meta) {
		t.Error("analysis succeeded on invalid opcode")
	}
}

func TestAnalyzeDelaySlotRules(t *testing.T) {
	guest := newTestGuest()
	f := newTestFrontend(t, guest)

	// delayed branch whose slot holds another delayed branch
	guest.write16(0x1000, 0xa002) // bra
	guest.write16(0x1002, 0x000b) // rts in the delay slot

	defer func() {
		if recover() == nil {
			t.Error("no panic for delayed branch in delay slot")
		}
	}()
	f.AnalyzeCode(&jit.Meta{GuestAddr: 0x1000})
}

func TestTranslateStaticTrue(t *testing.T) {
	guest := newTestGuest()
	f := newTestFrontend(t, guest)

	guest.write16(0x1000, 0x8902) // bt 0x1008
	guest.write16(0x1002, 0xffff) // prune fall-through
	guest.write16(0x1008, 0x000b) // rts
	guest.write16(0x100a, 0x0009) // nop

	// drive the analysis through the coordinator to build the unit tree
	j := f.jit
	if err := j.CompileCode(0x1000); err != nil {
		t.Fatal(err)
	}
	code := j.LookupCode(0x1000)

	x := ir.New(1 << 20)
	f.TranslateCode(code, x)

	// the branch target block carries its guest address as label
	var target *ir.Block
	for block := x.Blocks(); block != nil; block = block.Next() {
		if block.Label == "0x00001008" {
			target = block
		}
	}
	if target == nil {
		t.Fatal("no block for the branch target")
	}

	// the root block terminator is a conditional branch at the target
	var cond *ir.Instr
	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			if instr.Op == ir.OpBranchTrue && instr.Args[1].Type == ir.TypeBlock {
				cond = instr
			}
		}
	}
	if cond == nil {
		t.Fatal("no conditional branch to a block")
	}
	if cond.Args[1].Blk != target {
		t.Error("conditional branch at wrong block")
	}

	// the preamble must test the cycle counter first
	first := x.Blocks().Instrs()
	if first.Op != ir.OpLoadContext || int(first.Args[0].I32()) != offRemainingCycles {
		t.Error("preamble doesn't start with the cycle check")
	}
}

func TestTranslateDynamic(t *testing.T) {
	guest := newTestGuest()
	f := newTestFrontend(t, guest)

	guest.write16(0x1000, 0x432b) // jmp @r3
	guest.write16(0x1002, 0x0009) // nop

	j := f.jit
	if err := j.CompileCode(0x1000); err != nil {
		t.Fatal(err)
	}
	code := j.LookupCode(0x1000)

	x := ir.New(1 << 20)
	f.TranslateCode(code, x)

	// the pc store before dispatch must use the computed destination
	var lastStore *ir.Instr
	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			if instr.Op == ir.OpStoreContext && int(instr.Args[0].I32()) == offPC {
				lastStore = instr
			}
		}
	}
	if lastStore == nil {
		t.Fatal("no pc store")
	}
	if lastStore.Args[1] != code.RootUnit.BranchDest {
		t.Error("pc store doesn't use the dynamic destination")
	}
}

func TestDumpCode(t *testing.T) {
	guest := newTestGuest()
	f := newTestFrontend(t, guest)

	guest.write16(0x1000, 0x7201) // add #1, r2
	guest.write16(0x1002, 0x8902) // bt
	guest.write16(0x1004, 0x0009)

	var out strings.Builder
	f.DumpCode(&out, 0x1000, 6)

	text := out.String()
	for _, want := range []string{"add #1, r2", "bt 0x100a", "nop"} {
		if !strings.Contains(text, want) {
			t.Errorf("listing missing %q:\n%s", want, text)
		}
	}
}
