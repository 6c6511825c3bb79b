// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sh4

import (
	"fmt"

	"github.com/driftvm/drift/ir"
	"github.com/driftvm/drift/jit"
)

// TranslateCode emits IR for the whole compile unit tree.  Each unit becomes
// a labeled block; fall-through paths rely on child blocks being laid out
// directly after their parent.
func (f *Frontend) TranslateCode(code *jit.Code, x *ir.IR) {
	// yield control once remaining cycles are executed
	remaining := x.LoadContext(offRemainingCycles, ir.TypeI32)
	done := x.CmpSLE(remaining, x.AllocI32(0))
	x.BranchTrue(done, x.AllocPtr(f.rt.DispatchLeave))

	skipYield := x.AppendBlock()
	x.SetCurrentBlock(skipYield)

	// handle pending interrupts
	pending := x.LoadContext(offPendingInterrupts, ir.TypeI64)
	x.BranchTrue(pending, x.AllocPtr(f.rt.DispatchInterrupt))

	skipInterrupt := x.AppendBlock()
	x.SetCurrentBlock(skipInterrupt)

	f.translateUnit(code, x, code.RootUnit)
}

func (f *Frontend) translateUnit(code *jit.Code, x *ir.IR, unit *jit.CompileUnit) {
	guest := f.jit.Guest()
	meta := unit.Meta

	// update remaining cycles
	remaining := x.LoadContext(offRemainingCycles, ir.TypeI32)
	remaining = x.Sub(remaining, x.AllocI32(int32(meta.NumCycles)))
	x.StoreContext(offRemainingCycles, remaining)

	// update instruction run count
	ran := x.LoadContext(offRanInstrs, ir.TypeI64)
	ran = x.Add(ran, x.AllocI64(int64(meta.NumInstrs)))
	x.StoreContext(offRanInstrs, ran)

	// translate the actual block
	for i := 0; i < meta.Size; {
		ins := instr{addr: meta.GuestAddr + uint32(i)}
		ins.opcode = guest.R16(ins.addr)
		ins.disasm()
		i += 2

		var delay instr
		if ins.flags()&flagDelayed != 0 {
			delay.addr = meta.GuestAddr + uint32(i)
			delay.opcode = guest.R16(delay.addr)
			delay.disasm()
			i += 2
		}

		f.emitInstr(unit, x, code.Fastmem, &ins, &delay)
	}

	// lay out the fall-through path first: conditional terminators reach
	// it by falling off the end of this block
	if unit.Next != nil {
		next := demandBlock(x, meta.NextAddr)
		point := x.GetInsertPoint()
		x.SetCurrentBlock(next)
		f.translateUnit(code, x, unit.Next)
		x.SetInsertPoint(point)
	} else if meta.NextAddr != jit.InvalidAddr {
		f.staticBranchThunk(x, meta.NextAddr)
	}

	if unit.Branch != nil {
		branch := demandBlock(x, meta.BranchAddr)
		point := x.GetInsertPoint()
		x.SetCurrentBlock(branch)
		f.translateUnit(code, x, unit.Branch)
		x.SetInsertPoint(point)
	}

	switch meta.BranchType {
	case jit.BranchFallThrough:
		x.StoreContext(offPC, x.AllocI32(int32(meta.GuestAddr+uint32(meta.Size))))
		x.Branch(x.AllocPtr(f.rt.DispatchDynamic))

	case jit.BranchStatic:
		if unit.Branch != nil {
			x.Branch(x.AllocBlock(demandBlock(x, meta.BranchAddr)))
		} else {
			x.StoreContext(offPC, x.AllocI32(int32(meta.BranchAddr)))
			x.CallNoreturn(x.AllocPtr(f.rt.DispatchStatic))
		}

	case jit.BranchStaticTrue:
		var target *ir.Value
		if unit.Branch != nil {
			target = x.AllocBlock(demandBlock(x, meta.BranchAddr))
		} else {
			target = f.staticBranchThunk(x, meta.BranchAddr)
		}
		x.BranchTrue(unit.BranchCond, target)

	case jit.BranchStaticFalse:
		var target *ir.Value
		if unit.Branch != nil {
			target = x.AllocBlock(demandBlock(x, meta.BranchAddr))
		} else {
			target = f.staticBranchThunk(x, meta.BranchAddr)
		}
		x.BranchFalse(unit.BranchCond, target)

	case jit.BranchDynamic:
		x.StoreContext(offPC, unit.BranchDest)
		x.Branch(x.AllocPtr(f.rt.DispatchDynamic))

	case jit.BranchDynamicTrue:
		if unit.Branch != nil || unit.BranchDest == nil {
			panic("sh4: dynamic branch with static child")
		}
		x.BranchTrue(unit.BranchCond, unit.BranchDest)

	case jit.BranchDynamicFalse:
		if unit.Branch != nil || unit.BranchDest == nil {
			panic("sh4: dynamic branch with static child")
		}
		x.BranchFalse(unit.BranchCond, unit.BranchDest)
	}
}

// demandBlock finds or creates the block labeled with a guest address.
func demandBlock(x *ir.IR, addr uint32) *ir.Block {
	label := fmt.Sprintf("0x%08x", addr)

	for block := x.Blocks(); block != nil; block = block.Next() {
		if block.Label == label {
			return block
		}
	}

	block := x.AppendBlock()
	x.SetBlockLabel(block, "%s", label)
	return block
}

// staticBranchThunk appends a block that leaves through the static dispatch
// thunk with pc set to addr, and returns a reference to it.  The cursor is
// left where it was.
func (f *Frontend) staticBranchThunk(x *ir.IR, addr uint32) *ir.Value {
	point := x.GetInsertPoint()

	thunk := x.AppendBlock()
	x.SetCurrentBlock(thunk)
	x.StoreContext(offPC, x.AllocI32(int32(addr)))
	x.CallNoreturn(x.AllocPtr(f.rt.DispatchStatic))

	x.SetInsertPoint(point)

	return x.AllocBlock(thunk)
}

// emitInstr translates one instruction, including its delay slot.  Branch
// state (condition, dynamic destination, link register) is computed before
// the delay slot executes, as the hardware does.
func (f *Frontend) emitInstr(unit *jit.CompileUnit, x *ir.IR, fastmem bool, ins, delay *instr) {
	if ins.flags()&flagBranch == 0 {
		f.emitOne(x, fastmem, ins)
		return
	}

	switch ins.op() {
	case opBF, opBFS, opBT, opBTS:
		unit.BranchCond = loadT(x)

	case opBRA:
		// target resolved statically

	case opBSR:
		x.StoreContext(offPR, x.AllocI32(int32(ins.addr+4)))

	case opBRAF:
		base := x.AllocI32(int32(ins.addr + 4))
		unit.BranchDest = x.Add(loadReg(x, ins.rn), base)

	case opBSRF:
		x.StoreContext(offPR, x.AllocI32(int32(ins.addr+4)))
		base := x.AllocI32(int32(ins.addr + 4))
		unit.BranchDest = x.Add(loadReg(x, ins.rn), base)

	case opJMP:
		unit.BranchDest = loadReg(x, ins.rn)

	case opJSR:
		x.StoreContext(offPR, x.AllocI32(int32(ins.addr+4)))
		unit.BranchDest = loadReg(x, ins.rn)

	case opRTS:
		unit.BranchDest = x.LoadContext(offPR, ir.TypeI32)

	case opRTE:
		sr := x.LoadContext(offSR, ir.TypeI32)
		x.StoreContext(offSR, x.LoadContext(offSSR, ir.TypeI32))
		x.Call1(x.AllocPtr(f.rt.SRUpdated), sr)
		unit.BranchDest = x.LoadContext(offSPC, ir.TypeI32)

	case opTRAPA:
		x.CallFallback(f.rt.Trap, ins.addr, uint32(ins.opcode))
		unit.BranchDest = x.LoadContext(offPC, ir.TypeI32)

	default:
		panic("sh4: unexpected branch op")
	}

	if delay.desc != nil {
		f.emitOne(x, fastmem, delay)
	}
}

func (f *Frontend) emitOne(x *ir.IR, fastmem bool, ins *instr) {
	switch ins.op() {
	case opNOP:

	case opMOV:
		storeReg(x, ins.rn, loadReg(x, ins.rm))

	case opMOVI:
		storeReg(x, ins.rn, x.AllocI32(ins.imm))

	case opMOVBL:
		v := loadGuest(x, fastmem, loadReg(x, ins.rm), ir.TypeI8)
		storeReg(x, ins.rn, x.SExt(v, ir.TypeI32))

	case opMOVWL:
		v := loadGuest(x, fastmem, loadReg(x, ins.rm), ir.TypeI16)
		storeReg(x, ins.rn, x.SExt(v, ir.TypeI32))

	case opMOVLL:
		storeReg(x, ins.rn, loadGuest(x, fastmem, loadReg(x, ins.rm), ir.TypeI32))

	case opMOVBS:
		storeGuest(x, fastmem, loadReg(x, ins.rn), x.Trunc(loadReg(x, ins.rm), ir.TypeI8))

	case opMOVWS:
		storeGuest(x, fastmem, loadReg(x, ins.rn), x.Trunc(loadReg(x, ins.rm), ir.TypeI16))

	case opMOVLS:
		storeGuest(x, fastmem, loadReg(x, ins.rn), loadReg(x, ins.rm))

	case opADD:
		storeReg(x, ins.rn, x.Add(loadReg(x, ins.rn), loadReg(x, ins.rm)))

	case opADDI:
		storeReg(x, ins.rn, x.Add(loadReg(x, ins.rn), x.AllocI32(ins.imm)))

	case opSUB:
		storeReg(x, ins.rn, x.Sub(loadReg(x, ins.rn), loadReg(x, ins.rm)))

	case opAND:
		storeReg(x, ins.rn, x.And(loadReg(x, ins.rn), loadReg(x, ins.rm)))

	case opOR:
		storeReg(x, ins.rn, x.Or(loadReg(x, ins.rn), loadReg(x, ins.rm)))

	case opXOR:
		storeReg(x, ins.rn, x.Xor(loadReg(x, ins.rn), loadReg(x, ins.rm)))

	case opNOT:
		storeReg(x, ins.rn, x.Not(loadReg(x, ins.rm)))

	case opTST:
		masked := x.And(loadReg(x, ins.rn), loadReg(x, ins.rm))
		storeT(x, x.CmpEQ(masked, x.AllocI32(0)))

	case opCMPEQ:
		storeT(x, x.CmpEQ(loadReg(x, ins.rn), loadReg(x, ins.rm)))

	case opCMPEQI:
		storeT(x, x.CmpEQ(loadReg(x, 0), x.AllocI32(ins.imm)))

	case opCMPGE:
		storeT(x, x.CmpSGE(loadReg(x, ins.rn), loadReg(x, ins.rm)))

	case opCMPGT:
		storeT(x, x.CmpSGT(loadReg(x, ins.rn), loadReg(x, ins.rm)))

	case opCMPHI:
		storeT(x, x.CmpUGT(loadReg(x, ins.rn), loadReg(x, ins.rm)))

	case opCMPHS:
		storeT(x, x.CmpUGE(loadReg(x, ins.rn), loadReg(x, ins.rm)))

	case opSHLL:
		v := loadReg(x, ins.rn)
		x.StoreContext(offSRT, x.LShri(v, 31))
		storeReg(x, ins.rn, x.Shli(v, 1))

	case opSHLR:
		v := loadReg(x, ins.rn)
		x.StoreContext(offSRT, x.And(v, x.AllocI32(1)))
		storeReg(x, ins.rn, x.LShri(v, 1))

	case opSHAR:
		v := loadReg(x, ins.rn)
		x.StoreContext(offSRT, x.And(v, x.AllocI32(1)))
		storeReg(x, ins.rn, x.AShri(v, 1))

	case opSHLL2:
		storeReg(x, ins.rn, x.Shli(loadReg(x, ins.rn), 2))

	case opSHLL8:
		storeReg(x, ins.rn, x.Shli(loadReg(x, ins.rn), 8))

	case opSHLL16:
		storeReg(x, ins.rn, x.Shli(loadReg(x, ins.rn), 16))

	case opSHLR2:
		storeReg(x, ins.rn, x.LShri(loadReg(x, ins.rn), 2))

	case opSHLR8:
		storeReg(x, ins.rn, x.LShri(loadReg(x, ins.rn), 8))

	case opSHLR16:
		storeReg(x, ins.rn, x.LShri(loadReg(x, ins.rn), 16))

	case opLDCSR:
		old := x.LoadContext(offSR, ir.TypeI32)
		x.StoreContext(offSR, loadReg(x, ins.rn))
		x.Call1(x.AllocPtr(f.rt.SRUpdated), old)

	case opLDSFPSCR:
		old := x.LoadContext(offFPSCR, ir.TypeI32)
		x.StoreContext(offFPSCR, loadReg(x, ins.rn))
		x.Call1(x.AllocPtr(f.rt.FPSCRUpdated), old)

	default:
		// no emitter yet: punt the single instruction to the interpreter
		x.CallFallback(f.rt.Trap, ins.addr, uint32(ins.opcode))
	}
}

func loadReg(x *ir.IR, n int) *ir.Value {
	return x.LoadContext(offR+4*n, ir.TypeI32)
}

func storeReg(x *ir.IR, n int, v *ir.Value) {
	x.StoreContext(offR+4*n, v)
}

func loadT(x *ir.IR) *ir.Value {
	return x.LoadContext(offSRT, ir.TypeI32)
}

func storeT(x *ir.IR, cond *ir.Value) {
	x.StoreContext(offSRT, x.ZExt(cond, ir.TypeI32))
}

func loadGuest(x *ir.IR, fastmem bool, addr *ir.Value, t ir.Type) *ir.Value {
	if fastmem {
		return x.LoadFast(addr, t)
	}
	return x.LoadSlow(addr, t)
}

func storeGuest(x *ir.IR, fastmem bool, addr, v *ir.Value) {
	if fastmem {
		x.StoreFast(addr, v)
	} else {
		x.StoreSlow(addr, v)
	}
}
