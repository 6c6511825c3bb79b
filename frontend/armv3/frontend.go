// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package armv3 is the frontend for the ARMv3 guest ISA: 32-bit fixed-width
// load/store instructions.  Translation leans on the interpreter; only block
// analysis and dispatch are compiled.
package armv3

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/driftvm/drift/ir"
	"github.com/driftvm/drift/jit"
)

// Ctx is the guest register context.
type Ctx struct {
	R    [16]uint32
	CPSR uint32

	RemainingCycles int32

	RanInstrs         int64
	PendingInterrupts uint64
}

var (
	offRemainingCycles   = int(unsafe.Offsetof(Ctx{}.RemainingCycles))
	offRanInstrs         = int(unsafe.Offsetof(Ctx{}.RanInstrs))
	offPendingInterrupts = int(unsafe.Offsetof(Ctx{}.PendingInterrupts))
)

const CtxSize = int(unsafe.Sizeof(Ctx{}))

const (
	flagBranch = 1 << iota
	flagData
	flagPSR
	flagXfr
	flagBlk
	flagSWI
)

type desc struct {
	name  string
	flags int
}

var invalid = &desc{name: "invalid"}

// disasm classifies one instruction word by its top-level encoding group.
func disasm(raw uint32) *desc {
	switch (raw >> 24) & 0xf {
	case 0xf:
		return &desc{name: "swi", flags: flagSWI}
	case 0xa, 0xb:
		return &desc{name: "b", flags: flagBranch}
	case 0x8, 0x9:
		return &desc{name: "ldm/stm", flags: flagBlk}
	case 0x4, 0x5, 0x6, 0x7:
		return &desc{name: "ldr/str", flags: flagXfr}
	case 0x0, 0x1, 0x2, 0x3:
		// psr transfers live in a hole of the data processing space
		if raw&0x0fbf0fff == 0x010f0000 || raw&0x0fbffff0 == 0x0129f000 {
			return &desc{name: "mrs/msr", flags: flagPSR}
		}
		if raw&0x0e000090 == 0x00000090 && raw&0x01900000 == 0x01000000 {
			return invalid
		}
		return &desc{name: "dp", flags: flagData}
	default:
		return invalid
	}
}

// Runtime holds the dispatch thunks and the interpreter entry.
type Runtime struct {
	DispatchDynamic   ir.HostAddr
	DispatchLeave     ir.HostAddr
	DispatchInterrupt ir.HostAddr

	Interp ir.HostAddr
}

// Frontend implements jit.Frontend for ARMv3 guests.
type Frontend struct {
	jit *jit.JIT
	rt  Runtime
}

func New(j *jit.JIT, rt Runtime) *Frontend {
	return &Frontend{jit: j, rt: rt}
}

// AnalyzeCode scans the block at meta.GuestAddr, ending at the first
// instruction that can write the pc.  Blocks always dispatch dynamically:
// the interpreter leaves the next pc in the context.
func (f *Frontend) AnalyzeCode(meta *jit.Meta) bool {
	guest := f.jit.Guest()

	meta.NumCycles = 0
	meta.NumInstrs = 0
	meta.Size = 0

	for {
		raw := guest.R32(meta.GuestAddr + uint32(meta.Size))
		d := disasm(raw)

		// end block on invalid instruction
		if d == invalid {
			if meta.NumInstrs == 0 {
				return false
			}
			break
		}

		meta.NumCycles += 12
		meta.NumInstrs++
		meta.Size += 4

		// stop emitting when the pc can change
		rd := (raw >> 12) & 0xf
		if d.flags&flagBranch != 0 ||
			(d.flags&flagData != 0 && rd == 15) ||
			d.flags&flagPSR != 0 ||
			(d.flags&flagXfr != 0 && rd == 15) ||
			(d.flags&flagBlk != 0 && raw&(1<<15) != 0) ||
			d.flags&flagSWI != 0 {
			break
		}
	}

	meta.BranchType = jit.BranchDynamic

	return true
}

// TranslateCode emits the preamble, then hands every instruction of every
// unit to the interpreter, which tracks the pc itself.
func (f *Frontend) TranslateCode(code *jit.Code, x *ir.IR) {
	remaining := x.LoadContext(offRemainingCycles, ir.TypeI32)
	done := x.CmpSLE(remaining, x.AllocI32(0))
	x.BranchTrue(done, x.AllocPtr(f.rt.DispatchLeave))

	skipYield := x.AppendBlock()
	x.SetCurrentBlock(skipYield)

	pending := x.LoadContext(offPendingInterrupts, ir.TypeI64)
	x.BranchTrue(pending, x.AllocPtr(f.rt.DispatchInterrupt))

	skipInterrupt := x.AppendBlock()
	x.SetCurrentBlock(skipInterrupt)

	f.translateUnit(code, x, code.RootUnit)
}

func (f *Frontend) translateUnit(code *jit.Code, x *ir.IR, unit *jit.CompileUnit) {
	guest := f.jit.Guest()
	meta := unit.Meta

	remaining := x.LoadContext(offRemainingCycles, ir.TypeI32)
	remaining = x.Sub(remaining, x.AllocI32(int32(meta.NumCycles)))
	x.StoreContext(offRemainingCycles, remaining)

	ran := x.LoadContext(offRanInstrs, ir.TypeI64)
	ran = x.Add(ran, x.AllocI64(int64(meta.NumInstrs)))
	x.StoreContext(offRanInstrs, ran)

	for i := 0; i < meta.Size; i += 4 {
		addr := meta.GuestAddr + uint32(i)
		x.CallFallback(f.rt.Interp, addr, guest.R32(addr))
	}

	// the interpreter left the next pc in the context
	x.Branch(x.AllocPtr(f.rt.DispatchDynamic))
}

// DumpCode writes a classification listing of guest code.
func (f *Frontend) DumpCode(w io.Writer, addr uint32, size int) {
	guest := f.jit.Guest()

	for i := 0; i < size; i += 4 {
		raw := guest.R32(addr + uint32(i))
		fmt.Fprintf(w, "0x%08x 0x%08x %s\n", addr+uint32(i), raw, disasm(raw).name)
	}
}
