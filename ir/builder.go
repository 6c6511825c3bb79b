// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ir

import "fmt"

// Typed construction helpers.  Each emits one instruction at the cursor and
// returns its result value, if any.

func (ir *IR) instr0(op Op, result Type) *Instr {
	return ir.AppendInstr(op, result)
}

func (ir *IR) instr1(op Op, result Type, a *Value) *Instr {
	instr := ir.AppendInstr(op, result)
	ir.SetArg0(instr, a)
	return instr
}

func (ir *IR) instr2(op Op, result Type, a, b *Value) *Instr {
	instr := ir.AppendInstr(op, result)
	ir.SetArg0(instr, a)
	ir.SetArg1(instr, b)
	return instr
}

func (ir *IR) instr3(op Op, result Type, a, b, c *Value) *Instr {
	instr := ir.AppendInstr(op, result)
	ir.SetArg0(instr, a)
	ir.SetArg1(instr, b)
	ir.SetArg2(instr, c)
	return instr
}

func checkSameType(op Op, a, b *Value) {
	if a.Type != b.Type {
		panic(fmt.Sprintf("ir: %s operand types differ (%s, %s)", op, a.Type, b.Type))
	}
}

// Direct access to host memory.

func (ir *IR) Load(addr *Value, t Type) *Value {
	return ir.instr1(OpLoadHost, t, addr).Result
}

func (ir *IR) Store(addr, v *Value) {
	ir.instr2(OpStoreHost, TypeV, addr, v)
}

// Guest memory operations.  The fast variants trust the host-mapped guest
// address space; violations fault and get patched to the slow path.

func (ir *IR) LoadFast(addr *Value, t Type) *Value {
	return ir.instr1(OpLoadFast, t, addr).Result
}

func (ir *IR) StoreFast(addr, v *Value) {
	ir.instr2(OpStoreFast, TypeV, addr, v)
}

func (ir *IR) LoadSlow(addr *Value, t Type) *Value {
	return ir.instr1(OpLoadSlow, t, addr).Result
}

func (ir *IR) StoreSlow(addr, v *Value) {
	ir.instr2(OpStoreSlow, TypeV, addr, v)
}

// Context operations.  The offset is a field offset into the guest context
// record.

func (ir *IR) LoadContext(offset int, t Type) *Value {
	return ir.instr1(OpLoadContext, t, ir.AllocI32(int32(offset))).Result
}

func (ir *IR) StoreContext(offset int, v *Value) {
	ir.instr2(OpStoreContext, TypeV, ir.AllocI32(int32(offset)), v)
}

// Local operations.

func (ir *IR) LoadLocal(local *Local) *Value {
	return ir.instr1(OpLoadLocal, local.Type, local.Offset).Result
}

func (ir *IR) StoreLocal(local *Local, v *Value) {
	ir.instr2(OpStoreLocal, TypeV, local.Offset, v)
}

// Cast / conversion operations.

func (ir *IR) FToI(v *Value, t Type) *Value {
	return ir.instr1(OpFToI, t, v).Result
}

func (ir *IR) IToF(v *Value, t Type) *Value {
	return ir.instr1(OpIToF, t, v).Result
}

func (ir *IR) SExt(v *Value, t Type) *Value {
	return ir.instr1(OpSExt, t, v).Result
}

func (ir *IR) ZExt(v *Value, t Type) *Value {
	return ir.instr1(OpZExt, t, v).Result
}

func (ir *IR) Trunc(v *Value, t Type) *Value {
	return ir.instr1(OpTrunc, t, v).Result
}

func (ir *IR) FExt(v *Value, t Type) *Value {
	return ir.instr1(OpFExt, t, v).Result
}

func (ir *IR) FTrunc(v *Value, t Type) *Value {
	return ir.instr1(OpFTrunc, t, v).Result
}

// Conditionals.

func (ir *IR) Select(cond, t, f *Value) *Value {
	checkSameType(OpSelect, t, f)
	return ir.instr3(OpSelect, t.Type, cond, t, f).Result
}

func (ir *IR) cmp(op Op, a, b *Value) *Value {
	checkSameType(op, a, b)
	return ir.instr2(op, TypeI8, a, b).Result
}

func (ir *IR) CmpEQ(a, b *Value) *Value  { return ir.cmp(OpCmpEQ, a, b) }
func (ir *IR) CmpNE(a, b *Value) *Value  { return ir.cmp(OpCmpNE, a, b) }
func (ir *IR) CmpSGE(a, b *Value) *Value { return ir.cmp(OpCmpSGE, a, b) }
func (ir *IR) CmpSGT(a, b *Value) *Value { return ir.cmp(OpCmpSGT, a, b) }
func (ir *IR) CmpUGE(a, b *Value) *Value { return ir.cmp(OpCmpUGE, a, b) }
func (ir *IR) CmpUGT(a, b *Value) *Value { return ir.cmp(OpCmpUGT, a, b) }
func (ir *IR) CmpSLE(a, b *Value) *Value { return ir.cmp(OpCmpSLE, a, b) }
func (ir *IR) CmpSLT(a, b *Value) *Value { return ir.cmp(OpCmpSLT, a, b) }
func (ir *IR) CmpULE(a, b *Value) *Value { return ir.cmp(OpCmpULE, a, b) }
func (ir *IR) CmpULT(a, b *Value) *Value { return ir.cmp(OpCmpULT, a, b) }
func (ir *IR) FCmpEQ(a, b *Value) *Value { return ir.cmp(OpFCmpEQ, a, b) }
func (ir *IR) FCmpNE(a, b *Value) *Value { return ir.cmp(OpFCmpNE, a, b) }
func (ir *IR) FCmpGE(a, b *Value) *Value { return ir.cmp(OpFCmpGE, a, b) }
func (ir *IR) FCmpGT(a, b *Value) *Value { return ir.cmp(OpFCmpGT, a, b) }
func (ir *IR) FCmpLE(a, b *Value) *Value { return ir.cmp(OpFCmpLE, a, b) }
func (ir *IR) FCmpLT(a, b *Value) *Value { return ir.cmp(OpFCmpLT, a, b) }

// Integer math operators.

func (ir *IR) binop(op Op, a, b *Value) *Value {
	checkSameType(op, a, b)
	return ir.instr2(op, a.Type, a, b).Result
}

func (ir *IR) Add(a, b *Value) *Value  { return ir.binop(OpAdd, a, b) }
func (ir *IR) Sub(a, b *Value) *Value  { return ir.binop(OpSub, a, b) }
func (ir *IR) SMul(a, b *Value) *Value { return ir.binop(OpSMul, a, b) }
func (ir *IR) UMul(a, b *Value) *Value { return ir.binop(OpUMul, a, b) }
func (ir *IR) Div(a, b *Value) *Value  { return ir.binop(OpDiv, a, b) }

func (ir *IR) Neg(a *Value) *Value {
	return ir.instr1(OpNeg, a.Type, a).Result
}

func (ir *IR) Abs(a *Value) *Value {
	return ir.instr1(OpAbs, a.Type, a).Result
}

// Floating point math operators.

func (ir *IR) FAdd(a, b *Value) *Value { return ir.binop(OpFAdd, a, b) }
func (ir *IR) FSub(a, b *Value) *Value { return ir.binop(OpFSub, a, b) }
func (ir *IR) FMul(a, b *Value) *Value { return ir.binop(OpFMul, a, b) }
func (ir *IR) FDiv(a, b *Value) *Value { return ir.binop(OpFDiv, a, b) }

func (ir *IR) FNeg(a *Value) *Value {
	return ir.instr1(OpFNeg, a.Type, a).Result
}

func (ir *IR) FAbs(a *Value) *Value {
	return ir.instr1(OpFAbs, a.Type, a).Result
}

func (ir *IR) Sqrt(a *Value) *Value {
	return ir.instr1(OpSqrt, a.Type, a).Result
}

// Vector math operators.  The element type rides along as a constant so the
// backend can pick the right instruction width.

func (ir *IR) VBroadcast(a *Value) *Value {
	return ir.instr1(OpVBroadcast, TypeV128, a).Result
}

func (ir *IR) VAdd(a, b *Value, elType Type) *Value {
	return ir.instr3(OpVAdd, TypeV128, a, b, ir.AllocI32(int32(elType))).Result
}

func (ir *IR) VDot(a, b *Value, elType Type) *Value {
	return ir.instr3(OpVDot, TypeF32, a, b, ir.AllocI32(int32(elType))).Result
}

func (ir *IR) VMul(a, b *Value, elType Type) *Value {
	return ir.instr3(OpVMul, TypeV128, a, b, ir.AllocI32(int32(elType))).Result
}

// Bitwise operations.

func (ir *IR) And(a, b *Value) *Value { return ir.binop(OpAnd, a, b) }
func (ir *IR) Or(a, b *Value) *Value  { return ir.binop(OpOr, a, b) }
func (ir *IR) Xor(a, b *Value) *Value { return ir.binop(OpXor, a, b) }

func (ir *IR) Not(a *Value) *Value {
	return ir.instr1(OpNot, a.Type, a).Result
}

func (ir *IR) shift(op Op, a, n *Value) *Value {
	return ir.instr2(op, a.Type, a, n).Result
}

func (ir *IR) Shl(a, n *Value) *Value  { return ir.shift(OpShl, a, n) }
func (ir *IR) AShr(a, n *Value) *Value { return ir.shift(OpAShr, a, n) }
func (ir *IR) LShr(a, n *Value) *Value { return ir.shift(OpLShr, a, n) }
func (ir *IR) AShd(a, n *Value) *Value { return ir.shift(OpAShd, a, n) }
func (ir *IR) LShd(a, n *Value) *Value { return ir.shift(OpLShd, a, n) }

func (ir *IR) Shli(a *Value, n int) *Value  { return ir.Shl(a, ir.AllocI32(int32(n))) }
func (ir *IR) AShri(a *Value, n int) *Value { return ir.AShr(a, ir.AllocI32(int32(n))) }
func (ir *IR) LShri(a *Value, n int) *Value { return ir.LShr(a, ir.AllocI32(int32(n))) }

// Branches.

func (ir *IR) Label(lbl *Value) {
	ir.instr1(OpLabel, TypeV, lbl)
}

func (ir *IR) Branch(dst *Value) {
	ir.instr1(OpBranch, TypeV, dst)
}

func (ir *IR) BranchTrue(cond, dst *Value) {
	ir.instr2(OpBranchTrue, TypeV, cond, dst)
}

func (ir *IR) BranchFalse(cond, dst *Value) {
	ir.instr2(OpBranchFalse, TypeV, cond, dst)
}

// Calls.

func (ir *IR) Call(fn *Value) {
	ir.instr1(OpCall, TypeV, fn)
}

func (ir *IR) Call1(fn, arg0 *Value) {
	ir.instr2(OpCall, TypeV, fn, arg0)
}

func (ir *IR) Call2(fn, arg0, arg1 *Value) {
	ir.instr3(OpCall, TypeV, fn, arg0, arg1)
}

func (ir *IR) CallCond(cond, fn *Value) {
	ir.instr2(OpCallCond, TypeV, cond, fn)
}

func (ir *IR) CallCond1(cond, fn, arg0 *Value) {
	ir.instr3(OpCallCond, TypeV, cond, fn, arg0)
}

func (ir *IR) CallCond2(cond, fn, arg0, arg1 *Value) {
	instr := ir.AppendInstr(OpCallCond, TypeV)
	ir.SetArg0(instr, cond)
	ir.SetArg1(instr, fn)
	ir.SetArg2(instr, arg0)
	ir.SetArg3(instr, arg1)
}

func (ir *IR) CallNoreturn(fn *Value) {
	ir.instr1(OpCallNoreturn, TypeV, fn)
}

func (ir *IR) CallNoreturn1(fn, arg0 *Value) {
	ir.instr2(OpCallNoreturn, TypeV, fn, arg0)
}

func (ir *IR) CallNoreturn2(fn, arg0, arg1 *Value) {
	ir.instr3(OpCallNoreturn, TypeV, fn, arg0, arg1)
}

// CallFallback hands a single guest instruction to the interpreter.
func (ir *IR) CallFallback(fallback HostAddr, addr uint32, rawInstr uint32) {
	ir.instr3(OpCallFallback, TypeV, ir.AllocPtr(fallback),
		ir.AllocI32(int32(addr)), ir.AllocI32(int32(rawInstr)))
}

// Debug directives.

func (ir *IR) DebugInfo(desc string, addr uint32, rawInstr uint32) {
	ir.instr3(OpDebugInfo, TypeV, ir.AllocStr("%s", desc),
		ir.AllocI32(int32(addr)), ir.AllocI32(int32(rawInstr)))
}

func (ir *IR) DebugBreak() {
	ir.instr0(OpDebugBreak, TypeV)
}

func (ir *IR) AssertLt(a, b *Value) {
	ir.instr2(OpAssertLt, TypeV, a, b)
}
