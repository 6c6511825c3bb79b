// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sh4 is the frontend for the SH4 guest ISA: 16-bit opcodes with
// delayed branches.
package sh4

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/driftvm/drift/ir"
	"github.com/driftvm/drift/jit"
)

// Ctx is the guest register context.  Field offsets are the currency of the
// load_context/store_context IR; the backend keeps a pointer to the live
// context in a pinned host register.
type Ctx struct {
	PC    uint32
	PR    uint32
	SR    uint32
	SSR   uint32
	SPC   uint32
	FPSCR uint32

	// SR.T kept exploded for cheap access from compiled code
	SRT uint32

	R [16]uint32

	RemainingCycles int32
	_               uint32

	RanInstrs         int64
	PendingInterrupts uint64
}

var (
	offPC                = int(unsafe.Offsetof(Ctx{}.PC))
	offPR                = int(unsafe.Offsetof(Ctx{}.PR))
	offSR                = int(unsafe.Offsetof(Ctx{}.SR))
	offSSR               = int(unsafe.Offsetof(Ctx{}.SSR))
	offSPC               = int(unsafe.Offsetof(Ctx{}.SPC))
	offFPSCR             = int(unsafe.Offsetof(Ctx{}.FPSCR))
	offSRT               = int(unsafe.Offsetof(Ctx{}.SRT))
	offR                 = int(unsafe.Offsetof(Ctx{}.R))
	offRemainingCycles   = int(unsafe.Offsetof(Ctx{}.RemainingCycles))
	offRanInstrs         = int(unsafe.Offsetof(Ctx{}.RanInstrs))
	offPendingInterrupts = int(unsafe.Offsetof(Ctx{}.PendingInterrupts))
)

// CtxSize is the byte size of the guest context; spill locals are placed
// after it.
const CtxSize = int(unsafe.Sizeof(Ctx{}))

// Runtime holds the host addresses of the dispatch thunks and helpers that
// compiled code branches into.
type Runtime struct {
	DispatchDynamic   ir.HostAddr
	DispatchStatic    ir.HostAddr
	DispatchLeave     ir.HostAddr
	DispatchInterrupt ir.HostAddr

	// called after compiled code rewrites sr / fpscr
	SRUpdated    ir.HostAddr
	FPSCRUpdated ir.HostAddr

	// interpreter entry for instructions without an emitter
	Trap ir.HostAddr
}

// Frontend implements jit.Frontend for SH4 guests.
type Frontend struct {
	jit *jit.JIT
	rt  Runtime
}

func New(j *jit.JIT, rt Runtime) *Frontend {
	return &Frontend{jit: j, rt: rt}
}

// AnalyzeCode decodes the block at meta.GuestAddr until a branch, an
// interrupt-state change or an invalid opcode.  A delayed branch consumes an
// extra slot; the slot instruction must decode and must not itself be a
// delayed branch.
func (f *Frontend) AnalyzeCode(meta *jit.Meta) bool {
	guest := f.jit.Guest()

	meta.NumCycles = 0
	meta.NumInstrs = 0
	meta.Size = 0

	for {
		i := instr{addr: meta.GuestAddr + uint32(meta.Size)}
		i.opcode = guest.R16(i.addr)

		// end block on invalid instruction
		if !i.disasm() {
			if meta.NumInstrs == 0 {
				return false
			}
			meta.BranchType = jit.BranchFallThrough
			break
		}

		meta.NumCycles += i.cycles()
		meta.NumInstrs++
		meta.Size += 2

		if i.flags()&flagDelayed != 0 {
			delay := instr{addr: meta.GuestAddr + uint32(meta.Size)}
			delay.opcode = guest.R16(delay.addr)

			if !delay.disasm() {
				panic(fmt.Sprintf("sh4: invalid instruction in delay slot at 0x%08x", delay.addr))
			}
			if delay.flags()&flagDelayed != 0 {
				panic(fmt.Sprintf("sh4: delayed branch in delay slot at 0x%08x", delay.addr))
			}

			meta.NumCycles += delay.cycles()
			meta.NumInstrs++
			meta.Size += 2
		}

		// stop emitting once a branch is hit and save off branch
		// information
		if i.flags()&flagBranch != 0 {
			switch i.op() {
			case opBF:
				meta.BranchType = jit.BranchStaticFalse
				meta.BranchAddr = i.disp8Target()
				meta.NextAddr = i.addr + 2
			case opBFS:
				meta.BranchType = jit.BranchStaticFalse
				meta.BranchAddr = i.disp8Target()
				meta.NextAddr = i.addr + 4
			case opBT:
				meta.BranchType = jit.BranchStaticTrue
				meta.BranchAddr = i.disp8Target()
				meta.NextAddr = i.addr + 2
			case opBTS:
				meta.BranchType = jit.BranchStaticTrue
				meta.BranchAddr = i.disp8Target()
				meta.NextAddr = i.addr + 4
			case opBRA, opBSR:
				meta.BranchType = jit.BranchStatic
				meta.BranchAddr = i.disp12Target()
			case opBRAF, opBSRF, opJMP, opJSR, opRTS, opRTE, opTRAPA:
				meta.BranchType = jit.BranchDynamic
			default:
				panic("sh4: unexpected branch op")
			}

			break
		}

		// if fpscr has changed the fpu state is invalidated; if sr has
		// changed there may be interrupts to handle.  either way stop
		// emitting
		if i.flags()&(flagSetSR|flagSetFPSCR) != 0 {
			meta.BranchType = jit.BranchFallThrough
			break
		}
	}

	return true
}

// DumpCode writes a disassembly listing of guest code.
func (f *Frontend) DumpCode(w io.Writer, addr uint32, size int) {
	guest := f.jit.Guest()

	for i := 0; i < size; {
		ins := instr{addr: addr + uint32(i)}
		ins.opcode = guest.R16(ins.addr)
		ins.disasm()

		fmt.Fprintln(w, ins.format())
		i += 2

		if ins.desc != nil && ins.flags()&flagDelayed != 0 {
			delay := instr{addr: addr + uint32(i)}
			delay.opcode = guest.R16(delay.addr)
			delay.disasm()

			fmt.Fprintln(w, delay.format())
			i += 2
		}
	}
}
