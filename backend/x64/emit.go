// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package x64

import (
	"fmt"
	"math"

	"github.com/driftvm/drift/ir"
	"github.com/driftvm/drift/jit"
)

// scratch register encodings
const (
	regRAX = 0
	regRCX = 1
	regRDX = 2
	regR14 = 14
	regR15 = 15
)

type blockFixup struct {
	pos   int
	block *ir.Block
}

type stubKind int

const (
	stubLoad stubKind = iota
	stubStore
)

type pendingStub struct {
	site  *fastmemSite
	kind  stubKind
	shift uint

	// destination (load) or source (store) register
	reg      byte
	constant bool
	imm      uint32
}

type asm struct {
	b    *Backend
	code *jit.Code

	blockOff map[*ir.Block]int
	fixups   []blockFixup

	sites []*fastmemSite
	stubs []pendingStub
}

// enc returns the machine encoding of a value's allocated register.
func enc(v *ir.Value) byte {
	if v.Reg == ir.NoRegister {
		panic("x64: value has no register")
	}
	return regEnc[v.Reg]
}

func (a *asm) rex(w bool, reg, rm byte) {
	r := byte(0x40)
	if w {
		r |= 8
	}
	if reg > 7 {
		r |= 4
	}
	if rm > 7 {
		r |= 1
	}
	if r != 0x40 {
		a.b.emit(r)
	}
}

// rex8 forces a REX prefix for byte registers sil/dil/bpl/spl.
func (a *asm) rex8(reg, rm byte) {
	r := byte(0x40)
	if reg > 7 {
		r |= 4
	}
	if rm > 7 {
		r |= 1
	}
	if r != 0x40 || (reg >= 4 && reg <= 7) || (rm >= 4 && rm <= 7) {
		a.b.emit(r)
	}
}

func (a *asm) modRM(mod, reg, rm byte) {
	a.b.emit(mod<<6 | (reg&7)<<3 | rm&7)
}

// ctxMem emits op with a [r14+off] memory operand.
func (a *asm) ctxMem(w bool, op []byte, reg byte, off int32) {
	a.rex(w, reg, regR14)
	a.b.emit(op...)
	a.modRM(2, reg, 6)
	a.b.emitU32(uint32(off))
}

// guestMem emits op with a [r15+rax] memory operand.
func (a *asm) guestMem(w bool, op []byte, reg byte) {
	a.rex(w, reg, regR15)
	a.b.emit(op...)
	a.modRM(0, reg, 4)
	a.b.emit(0x07)
}

func (a *asm) movRR(w bool, dst, src byte) {
	a.rex(w, dst, src)
	a.b.emit(0x8b)
	a.modRM(3, dst, src)
}

func (a *asm) movRI(dst byte, v uint64) {
	if v <= math.MaxUint32 {
		a.rex(false, 0, dst)
		a.b.emit(0xb8 + dst&7)
		a.b.emitU32(uint32(v))
	} else {
		a.rex(true, 0, dst)
		a.b.emit(0xb8 + dst&7)
		a.b.emitU64(v)
	}
}

// loadInt brings an integer value (register or constant) into dst.
func (a *asm) loadInt(dst byte, v *ir.Value) {
	if v.IsConstant() {
		a.movRI(dst, v.ZExtConstant())
	} else if enc(v) != dst {
		a.movRR(v.Type == ir.TypeI64, dst, enc(v))
	}
}

func wide(t ir.Type) bool {
	return t == ir.TypeI64
}

// alu emits a reg-reg / reg-imm arithmetic op.  opRM is the "reg, r/m" form
// opcode, ext the /digit for the 0x81 immediate form.
func (a *asm) alu(w bool, opRM byte, ext byte, dst byte, src *ir.Value) {
	if src.IsConstant() {
		c := src.ZExtConstant()
		if !w && c <= math.MaxUint32 || int64(c) >= math.MinInt32 && int64(c) <= math.MaxInt32 {
			a.rex(w, 0, dst)
			a.b.emit(0x81)
			a.modRM(3, ext, dst)
			a.b.emitU32(uint32(c))
			return
		}
		a.movRI(regRCX, c)
		a.rex(w, dst, regRCX)
		a.b.emit(opRM)
		a.modRM(3, dst, regRCX)
		return
	}

	a.rex(w, dst, enc(src))
	a.b.emit(opRM)
	a.modRM(3, dst, enc(src))
}

// test emits a width-appropriate register self-test setting ZF.
func (a *asm) test(v *ir.Value) {
	if v.IsConstant() {
		// fold the condition into rax
		a.movRI(regRAX, v.ZExtConstant())
		a.rex(wide(v.Type), regRAX, regRAX)
		a.b.emit(0x85)
		a.modRM(3, regRAX, regRAX)
		return
	}

	r := enc(v)
	if v.Type == ir.TypeI8 {
		a.rex8(r, r)
		a.b.emit(0x84)
		a.modRM(3, r, r)
		return
	}
	a.rex(wide(v.Type), r, r)
	a.b.emit(0x85)
	a.modRM(3, r, r)
}

// jcc emits a relative jump (0xe9) or conditional jump (0x0f cc) with a zero
// rel32 and returns the position of that displacement for later patching.
func (a *asm) jcc(cc byte) int {
	if cc == 0xe9 {
		a.b.emit(0xe9)
	} else {
		a.b.emit(0x0f, cc)
	}
	pos := a.b.used
	a.b.emitU32(0)
	return pos
}

func (a *asm) patchHere(pos int) {
	a.b.patchU32(pos, uint32(int32(a.b.used-(pos+4))))
}

func (a *asm) jumpBlock(cc byte, block *ir.Block) {
	pos := a.jcc(cc)
	a.fixups = append(a.fixups, blockFixup{pos: pos, block: block})
}

// branchAbs jumps to a host address held in a value.
func (a *asm) branchAbs(target *ir.Value) {
	a.loadInt(regRAX, target)
	a.b.emit(0xff, 0xe0)
}

func (a *asm) callAbs(target *ir.Value) {
	a.loadInt(regRAX, target)
	a.b.emit(0xff, 0xd0)
}

// xmm returns the xmm encoding for a float/vector value, materializing
// constants into xmm0.
func (a *asm) xmm(v *ir.Value) byte {
	if !v.IsConstant() {
		return enc(v)
	}

	switch v.Type {
	case ir.TypeF32:
		a.movRI(regRAX, uint64(math.Float32bits(v.F32)))
		a.b.emit(0x66, 0x0f, 0x6e)
		a.modRM(3, 0, regRAX)
	case ir.TypeF64:
		a.movRI(regRAX, math.Float64bits(v.F64))
		a.b.emit(0x66, 0x48, 0x0f, 0x6e)
		a.modRM(3, 0, regRAX)
	default:
		panic(fmt.Sprintf("x64: %s constant in xmm operand", v.Type))
	}
	return 0
}

func (a *asm) movXmm(dst byte, src *ir.Value) {
	s := a.xmm(src)
	if s != dst {
		a.b.emit(0x0f, 0x28)
		a.modRM(3, dst, s)
	}
}

// fop emits a scalar SSE op with the width prefix chosen by type.  Constant
// operands are materialized first so the instruction bytes stay contiguous.
func (a *asm) fop(t ir.Type, op byte, dst byte, src *ir.Value) {
	s := a.xmm(src)
	if t == ir.TypeF64 {
		a.b.emit(0xf2)
	} else {
		a.b.emit(0xf3)
	}
	a.b.emit(0x0f, op)
	a.modRM(3, dst, s)
}

func (a *asm) emitInstr(instr *ir.Instr) {
	switch instr.Op {
	case ir.OpDebugInfo, ir.OpLabel:
		// metadata only

	case ir.OpDebugBreak:
		a.b.emit(0xcc)

	case ir.OpAssertLt:
		a.loadInt(regRAX, instr.Args[0])
		a.alu(wide(instr.Args[0].Type), 0x3b, 7, regRAX, instr.Args[1])
		pos := a.jcc(0x8c) // jl
		a.b.emit(0xcc)
		a.patchHere(pos)

	case ir.OpLoadContext:
		a.loadCtx(enc(instr.Result), instr.Result.Type, int32(instr.Args[0].I32()))

	case ir.OpStoreContext:
		a.storeCtx(int32(instr.Args[0].I32()), instr.Args[1])

	case ir.OpLoadLocal:
		a.loadCtx(enc(instr.Result), instr.Result.Type,
			int32(instr.Args[0].I32())+int32(a.b.localsOffset))

	case ir.OpStoreLocal:
		a.storeCtx(int32(instr.Args[0].I32())+int32(a.b.localsOffset), instr.Args[1])

	case ir.OpLoadHost:
		a.loadInt(regRAX, instr.Args[0])
		t := instr.Result.Type
		d := enc(instr.Result)
		switch t {
		case ir.TypeI8:
			a.rex(false, d, regRAX)
			a.b.emit(0x0f, 0xb6)
			a.modRM(0, d, regRAX)
		case ir.TypeI16:
			a.rex(false, d, regRAX)
			a.b.emit(0x0f, 0xb7)
			a.modRM(0, d, regRAX)
		default:
			a.rex(wide(t), d, regRAX)
			a.b.emit(0x8b)
			a.modRM(0, d, regRAX)
		}

	case ir.OpStoreHost:
		a.loadInt(regRAX, instr.Args[0])
		v := instr.Args[1]
		a.loadInt(regRCX, v)
		switch v.Type {
		case ir.TypeI8:
			a.rex8(regRCX, regRAX)
			a.b.emit(0x88)
			a.modRM(0, regRCX, regRAX)
		case ir.TypeI16:
			a.b.emit(0x66)
			a.b.emit(0x89)
			a.modRM(0, regRCX, regRAX)
		default:
			a.rex(wide(v.Type), regRCX, regRAX)
			a.b.emit(0x89)
			a.modRM(0, regRCX, regRAX)
		}

	case ir.OpLoadFast:
		a.emitLoadFast(instr)

	case ir.OpStoreFast:
		a.emitStoreFast(instr)

	case ir.OpLoadSlow:
		a.loadInt(7, instr.Args[0]) // edi
		a.movRI(regRAX, uint64(a.b.rt.LoadSlow[sizeShift(instr.Result.Type)]))
		a.b.emit(0xff, 0xd0)
		if enc(instr.Result) != regRAX {
			a.movRR(wide(instr.Result.Type), enc(instr.Result), regRAX)
		}

	case ir.OpStoreSlow:
		a.loadInt(6, instr.Args[1]) // esi
		a.loadInt(7, instr.Args[0]) // edi
		a.movRI(regRAX, uint64(a.b.rt.StoreSlow[sizeShift(instr.Args[1].Type)]))
		a.b.emit(0xff, 0xd0)

	case ir.OpSExt:
		a.emitExt(instr, true)

	case ir.OpZExt:
		a.emitExt(instr, false)

	case ir.OpTrunc:
		a.loadInt(enc(instr.Result), instr.Args[0])

	case ir.OpFToI:
		d := enc(instr.Result)
		s := a.xmm(instr.Args[0])
		if instr.Args[0].Type == ir.TypeF64 {
			a.b.emit(0xf2)
		} else {
			a.b.emit(0xf3)
		}
		a.rex(wide(instr.Result.Type), d, s)
		a.b.emit(0x0f, 0x2c)
		a.modRM(3, d, s)

	case ir.OpIToF:
		d := enc(instr.Result)
		a.loadInt(regRAX, instr.Args[0])
		if instr.Result.Type == ir.TypeF64 {
			a.b.emit(0xf2)
		} else {
			a.b.emit(0xf3)
		}
		a.rex(wide(instr.Args[0].Type), d, regRAX)
		a.b.emit(0x0f, 0x2a)
		a.modRM(3, d, regRAX)

	case ir.OpFExt:
		a.fop(ir.TypeF32, 0x5a, enc(instr.Result), instr.Args[0])

	case ir.OpFTrunc:
		a.fop(ir.TypeF64, 0x5a, enc(instr.Result), instr.Args[0])

	case ir.OpSelect:
		// test first: the moves below preserve flags, and the result may
		// alias the condition register
		a.test(instr.Args[0])
		d := enc(instr.Result)
		a.loadInt(d, instr.Args[2])
		a.loadInt(regRAX, instr.Args[1])
		a.rex(wide(instr.Result.Type), d, regRAX)
		a.b.emit(0x0f, 0x45) // cmovnz
		a.modRM(3, d, regRAX)

	case ir.OpCmpEQ, ir.OpCmpNE, ir.OpCmpSGE, ir.OpCmpSGT, ir.OpCmpUGE,
		ir.OpCmpUGT, ir.OpCmpSLE, ir.OpCmpSLT, ir.OpCmpULE, ir.OpCmpULT:
		a.emitCmp(instr, intSetcc[instr.Op])

	case ir.OpFCmpEQ, ir.OpFCmpNE, ir.OpFCmpGE, ir.OpFCmpGT, ir.OpFCmpLE,
		ir.OpFCmpLT:
		a.emitFCmp(instr)

	case ir.OpAdd:
		a.emitALU(instr, 0x03, 0)

	case ir.OpSub:
		a.emitALU(instr, 0x2b, 5)

	case ir.OpAnd:
		a.emitALU(instr, 0x23, 4)

	case ir.OpOr:
		a.emitALU(instr, 0x0b, 1)

	case ir.OpXor:
		a.emitALU(instr, 0x33, 6)

	case ir.OpSMul, ir.OpUMul:
		d := enc(instr.Result)
		w := wide(instr.Result.Type)
		a.loadInt(d, instr.Args[0])
		src := instr.Args[1]
		if src.IsConstant() {
			a.movRI(regRCX, src.ZExtConstant())
			a.rex(w, d, regRCX)
			a.b.emit(0x0f, 0xaf)
			a.modRM(3, d, regRCX)
		} else {
			a.rex(w, d, enc(src))
			a.b.emit(0x0f, 0xaf)
			a.modRM(3, d, enc(src))
		}

	case ir.OpDiv:
		a.emitDiv(instr)

	case ir.OpNeg:
		d := enc(instr.Result)
		a.loadInt(d, instr.Args[0])
		a.rex(wide(instr.Result.Type), 0, d)
		a.b.emit(0xf7)
		a.modRM(3, 3, d)

	case ir.OpNot:
		d := enc(instr.Result)
		a.loadInt(d, instr.Args[0])
		a.rex(wide(instr.Result.Type), 0, d)
		a.b.emit(0xf7)
		a.modRM(3, 2, d)

	case ir.OpAbs:
		d := enc(instr.Result)
		w := wide(instr.Result.Type)
		shift := byte(31)
		if w {
			shift = 63
		}
		a.loadInt(d, instr.Args[0])
		a.movRR(w, regRAX, d)
		// sar rax, width-1; xor d, rax; sub d, rax
		a.rex(w, 0, regRAX)
		a.b.emit(0xc1)
		a.modRM(3, 7, regRAX)
		a.b.emit(shift)
		a.rex(w, regRAX, d)
		a.b.emit(0x31)
		a.modRM(3, regRAX, d)
		a.rex(w, regRAX, d)
		a.b.emit(0x29)
		a.modRM(3, regRAX, d)

	case ir.OpShl:
		a.emitShift(instr, 4)

	case ir.OpLShr:
		a.emitShift(instr, 5)

	case ir.OpAShr:
		a.emitShift(instr, 7)

	case ir.OpLShd:
		a.emitShiftDir(instr, 4, 5)

	case ir.OpAShd:
		a.emitShiftDir(instr, 4, 7)

	case ir.OpFAdd:
		a.emitFop(instr, 0x58)

	case ir.OpFSub:
		a.emitFop(instr, 0x5c)

	case ir.OpFMul:
		a.emitFop(instr, 0x59)

	case ir.OpFDiv:
		a.emitFop(instr, 0x5e)

	case ir.OpSqrt:
		a.fop(instr.Result.Type, 0x51, enc(instr.Result), instr.Args[0])

	case ir.OpFNeg:
		a.emitFSign(instr, 0x57) // xorps

	case ir.OpFAbs:
		a.emitFSign(instr, 0x54) // andps

	case ir.OpVBroadcast:
		d := enc(instr.Result)
		a.movXmm(d, instr.Args[0])
		a.b.emit(0x0f, 0xc6) // shufps d, d, 0
		a.modRM(3, d, d)
		a.b.emit(0x00)

	case ir.OpVAdd:
		d := enc(instr.Result)
		a.movXmm(d, instr.Args[0])
		s := a.xmm(instr.Args[1])
		a.b.emit(0x0f, 0x58) // addps
		a.modRM(3, d, s)

	case ir.OpVMul:
		d := enc(instr.Result)
		a.movXmm(d, instr.Args[0])
		s := a.xmm(instr.Args[1])
		a.b.emit(0x0f, 0x59) // mulps
		a.modRM(3, d, s)

	case ir.OpVDot:
		a.emitVDot(instr)

	case ir.OpBranch:
		target := instr.Args[0]
		if target.Type == ir.TypeBlock {
			a.jumpBlock(0xe9, target.Blk)
		} else {
			a.branchAbs(target)
		}

	case ir.OpBranchTrue:
		a.emitBranchCond(instr, true)

	case ir.OpBranchFalse:
		a.emitBranchCond(instr, false)

	case ir.OpCall, ir.OpCallNoreturn:
		a.emitCallArgs(instr.Args[1], instr.Args[2])
		a.callAbs(instr.Args[0])

	case ir.OpCallCond:
		a.test(instr.Args[0])
		pos := a.jcc(0x84) // jz over
		a.emitCallArgs(instr.Args[2], instr.Args[3])
		a.callAbs(instr.Args[1])
		a.patchHere(pos)

	case ir.OpCallFallback:
		a.emitCallArgs(instr.Args[1], instr.Args[2])
		a.callAbs(instr.Args[0])

	default:
		panic(fmt.Sprintf("x64: no emitter for %s", instr.Op))
	}
}

var intSetcc = map[ir.Op]byte{
	ir.OpCmpEQ:  0x94,
	ir.OpCmpNE:  0x95,
	ir.OpCmpSGE: 0x9d,
	ir.OpCmpSGT: 0x9f,
	ir.OpCmpUGE: 0x93,
	ir.OpCmpUGT: 0x97,
	ir.OpCmpSLE: 0x9e,
	ir.OpCmpSLT: 0x9c,
	ir.OpCmpULE: 0x96,
	ir.OpCmpULT: 0x92,
}

var floatSetcc = map[ir.Op]byte{
	ir.OpFCmpEQ: 0x94,
	ir.OpFCmpNE: 0x95,
	ir.OpFCmpGE: 0x93,
	ir.OpFCmpGT: 0x97,
	ir.OpFCmpLE: 0x96,
	ir.OpFCmpLT: 0x92,
}

func (a *asm) setcc(cc byte, dst byte) {
	a.rex8(0, dst)
	a.b.emit(0x0f, cc)
	a.modRM(3, 0, dst)
	// zero the upper bits
	a.rex(false, dst, dst)
	a.b.emit(0x0f, 0xb6)
	a.modRM(3, dst, dst)
}

func (a *asm) emitCmp(instr *ir.Instr, cc byte) {
	w := wide(instr.Args[0].Type)
	a.loadInt(regRAX, instr.Args[0])
	a.alu(w, 0x3b, 7, regRAX, instr.Args[1])
	a.setcc(cc, enc(instr.Result))
}

func (a *asm) emitFCmp(instr *ir.Instr) {
	t := instr.Args[0].Type
	s := a.xmm(instr.Args[0])
	s2 := a.xmm(instr.Args[1])
	if t == ir.TypeF64 {
		a.b.emit(0x66)
	}
	a.b.emit(0x0f, 0x2e) // ucomiss / ucomisd
	a.modRM(3, s, s2)
	a.setcc(floatSetcc[instr.Op], enc(instr.Result))
}

func (a *asm) emitALU(instr *ir.Instr, opRM byte, ext byte) {
	d := enc(instr.Result)
	a.loadInt(d, instr.Args[0])
	a.alu(wide(instr.Result.Type), opRM, ext, d, instr.Args[1])
}

func (a *asm) emitShift(instr *ir.Instr, ext byte) {
	d := enc(instr.Result)
	w := wide(instr.Result.Type)
	a.loadInt(d, instr.Args[0])

	n := instr.Args[1]
	if n.IsConstant() {
		a.rex(w, 0, d)
		a.b.emit(0xc1)
		a.modRM(3, ext, d)
		a.b.emit(byte(n.I64))
		return
	}

	a.loadInt(regRCX, n)
	a.rex(w, 0, d)
	a.b.emit(0xd3)
	a.modRM(3, ext, d)
}

// emitShiftDir shifts left for a positive amount and right for a negative
// one.
func (a *asm) emitShiftDir(instr *ir.Instr, leftExt, rightExt byte) {
	d := enc(instr.Result)
	w := wide(instr.Result.Type)
	a.loadInt(d, instr.Args[0])
	a.loadInt(regRCX, instr.Args[1])

	a.b.emit(0x85) // test ecx, ecx
	a.modRM(3, regRCX, regRCX)
	neg := a.jcc(0x88) // js

	a.rex(w, 0, d)
	a.b.emit(0xd3)
	a.modRM(3, leftExt, d)
	done := a.jcc(0xe9)

	a.patchHere(neg)
	a.b.emit(0xf7) // neg ecx
	a.modRM(3, 3, regRCX)
	a.rex(w, 0, d)
	a.b.emit(0xd3)
	a.modRM(3, rightExt, d)

	a.patchHere(done)
}

func (a *asm) emitFop(instr *ir.Instr, op byte) {
	d := enc(instr.Result)
	a.movXmm(d, instr.Args[0])
	a.fop(instr.Result.Type, op, d, instr.Args[1])
}

// emitFSign applies a sign-bit mask with xorps/andps.
func (a *asm) emitFSign(instr *ir.Instr, op byte) {
	d := enc(instr.Result)
	a.movXmm(d, instr.Args[0])

	var mask uint64
	if instr.Result.Type == ir.TypeF64 {
		mask = 1 << 63
	} else {
		mask = 1 << 31
	}
	if op == 0x54 { // fabs keeps everything but the sign
		mask = ^mask
		if instr.Result.Type == ir.TypeF32 {
			mask &= math.MaxUint32
		}
	}

	a.movRI(regRAX, mask)
	if instr.Result.Type == ir.TypeF64 {
		a.b.emit(0x66, 0x48, 0x0f, 0x6e) // movq xmm0, rax
	} else {
		a.b.emit(0x66, 0x0f, 0x6e) // movd xmm0, eax
	}
	a.modRM(3, 0, regRAX)

	a.b.emit(0x0f, op)
	a.modRM(3, d, 0)
}

func (a *asm) emitVDot(instr *ir.Instr) {
	d := enc(instr.Result)
	a.movXmm(d, instr.Args[0])

	s := a.xmm(instr.Args[1])

	if a.b.hasSSE41 {
		a.b.emit(0x66, 0x0f, 0x3a, 0x40) // dpps
		a.modRM(3, d, s)
		a.b.emit(0xf1)
		return
	}

	a.b.emit(0x0f, 0x59) // mulps
	a.modRM(3, d, s)
	a.b.emit(0xf2, 0x0f, 0x7c) // haddps twice
	a.modRM(3, d, d)
	a.b.emit(0xf2, 0x0f, 0x7c)
	a.modRM(3, d, d)
}

func (a *asm) emitBranchCond(instr *ir.Instr, whenTrue bool) {
	cond := instr.Args[0]
	target := instr.Args[1]

	a.test(cond)

	jnz := byte(0x85)
	jz := byte(0x84)

	if target.Type == ir.TypeBlock {
		if whenTrue {
			a.jumpBlock(jnz, target.Blk)
		} else {
			a.jumpBlock(jz, target.Blk)
		}
		return
	}

	// jump over the absolute branch when the condition fails
	var pos int
	if whenTrue {
		pos = a.jcc(jz)
	} else {
		pos = a.jcc(jnz)
	}
	a.branchAbs(target)
	a.patchHere(pos)
}

// emitCallArgs loads up to two arguments into the SysV argument registers.
// Runtime helpers preserve everything but rax.
func (a *asm) emitCallArgs(arg0, arg1 *ir.Value) {
	if arg1 != nil {
		a.loadInt(6, arg1) // rsi
	}
	if arg0 != nil {
		a.loadInt(7, arg0) // rdi
	}
}

func (a *asm) loadCtx(dst byte, t ir.Type, off int32) {
	switch t {
	case ir.TypeI8:
		a.ctxMem(false, []byte{0x0f, 0xb6}, dst, off)
	case ir.TypeI16:
		a.ctxMem(false, []byte{0x0f, 0xb7}, dst, off)
	case ir.TypeI32:
		a.ctxMem(false, []byte{0x8b}, dst, off)
	case ir.TypeI64:
		a.ctxMem(true, []byte{0x8b}, dst, off)
	case ir.TypeF32:
		a.b.emit(0xf3)
		a.ctxMem(false, []byte{0x0f, 0x10}, dst, off)
	case ir.TypeF64:
		a.b.emit(0xf2)
		a.ctxMem(false, []byte{0x0f, 0x10}, dst, off)
	case ir.TypeV128:
		a.ctxMem(false, []byte{0x0f, 0x10}, dst, off)
	default:
		panic(fmt.Sprintf("x64: context load of %s", t))
	}
}

func (a *asm) storeCtx(off int32, v *ir.Value) {
	if v.IsConstant() && v.Type.IsInt() {
		switch v.Type {
		case ir.TypeI8:
			a.rex(false, 0, regR14)
			a.b.emit(0xc6)
			a.modRM(2, 0, 6)
			a.b.emitU32(uint32(off))
			a.b.emit(byte(v.I64))
		case ir.TypeI16:
			a.b.emit(0x66)
			a.rex(false, 0, regR14)
			a.b.emit(0xc7)
			a.modRM(2, 0, 6)
			a.b.emitU32(uint32(off))
			a.b.emit(byte(v.I64), byte(v.I64>>8))
		case ir.TypeI32:
			a.rex(false, 0, regR14)
			a.b.emit(0xc7)
			a.modRM(2, 0, 6)
			a.b.emitU32(uint32(off))
			a.b.emitU32(uint32(v.I64))
		default:
			a.movRI(regRAX, v.ZExtConstant())
			a.ctxMem(true, []byte{0x89}, regRAX, off)
		}
		return
	}

	switch v.Type {
	case ir.TypeI8:
		r := enc(v)
		// can't address every byte register cleanly; bounce through al
		if r >= 4 && r <= 7 {
			a.movRR(false, regRAX, r)
			r = regRAX
		}
		a.ctxMem(false, []byte{0x88}, r, off)
	case ir.TypeI16:
		a.b.emit(0x66)
		a.ctxMem(false, []byte{0x89}, enc(v), off)
	case ir.TypeI32:
		a.ctxMem(false, []byte{0x89}, enc(v), off)
	case ir.TypeI64:
		a.ctxMem(true, []byte{0x89}, enc(v), off)
	case ir.TypeF32:
		a.b.emit(0xf3)
		a.ctxMem(false, []byte{0x0f, 0x11}, a.xmm(v), off)
	case ir.TypeF64:
		a.b.emit(0xf2)
		a.ctxMem(false, []byte{0x0f, 0x11}, a.xmm(v), off)
	case ir.TypeV128:
		a.ctxMem(false, []byte{0x0f, 0x11}, a.xmm(v), off)
	default:
		panic(fmt.Sprintf("x64: context store of %s", v.Type))
	}
}

func (a *asm) emitExt(instr *ir.Instr, signed bool) {
	d := enc(instr.Result)
	src := instr.Args[0]
	w := wide(instr.Result.Type)

	if src.IsConstant() {
		a.loadInt(d, src)
		return
	}

	s := enc(src)
	switch src.Type {
	case ir.TypeI8:
		if signed {
			a.rex(w, d, s)
			a.b.emit(0x0f, 0xbe)
		} else {
			a.rex(w, d, s)
			a.b.emit(0x0f, 0xb6)
		}
		a.modRM(3, d, s)
	case ir.TypeI16:
		if signed {
			a.rex(w, d, s)
			a.b.emit(0x0f, 0xbf)
		} else {
			a.rex(w, d, s)
			a.b.emit(0x0f, 0xb7)
		}
		a.modRM(3, d, s)
	case ir.TypeI32:
		if signed {
			a.rex(true, d, s)
			a.b.emit(0x63) // movsxd
			a.modRM(3, d, s)
		} else {
			// 32-bit moves zero the upper half
			a.movRR(false, d, s)
		}
	default:
		a.movRR(w, d, s)
	}
}

func (a *asm) emitDiv(instr *ir.Instr) {
	d := enc(instr.Result)
	w := wide(instr.Result.Type)

	a.loadInt(regRAX, instr.Args[0])
	if w {
		a.b.emit(0x48, 0x99) // cqo
	} else {
		a.b.emit(0x99) // cdq
	}

	divisor := instr.Args[1]
	r := regRCX
	if divisor.IsConstant() {
		a.movRI(regRCX, divisor.ZExtConstant())
	} else {
		r = int(enc(divisor))
	}
	a.rex(w, 0, byte(r))
	a.b.emit(0xf7)
	a.modRM(3, 7, byte(r))

	if d != regRAX {
		a.movRR(w, d, regRAX)
	}
}

func (a *asm) emitLoadFast(instr *ir.Instr) {
	a.loadInt(regRAX, instr.Args[0])

	t := instr.Result.Type
	d := enc(instr.Result)

	start := a.b.used
	switch t {
	case ir.TypeI8:
		a.guestMem(false, []byte{0x0f, 0xb6}, d)
	case ir.TypeI16:
		a.guestMem(false, []byte{0x0f, 0xb7}, d)
	case ir.TypeI32:
		a.guestMem(false, []byte{0x8b}, d)
	default:
		a.guestMem(true, []byte{0x8b}, d)
	}
	a.finishSite(start, pendingStub{
		kind:  stubLoad,
		shift: sizeShift(t),
		reg:   d,
	})
}

func (a *asm) emitStoreFast(instr *ir.Instr) {
	a.loadInt(regRAX, instr.Args[0])
	v := instr.Args[1]

	stub := pendingStub{kind: stubStore, shift: sizeShift(v.Type)}

	start := a.b.used
	if v.IsConstant() {
		stub.constant = true
		stub.imm = uint32(v.ZExtConstant())
		switch v.Type {
		case ir.TypeI8:
			a.guestMem(false, []byte{0xc6}, 0)
			a.b.emit(byte(v.I64))
		case ir.TypeI16:
			a.b.emit(0x66)
			a.guestMem(false, []byte{0xc7}, 0)
			a.b.emit(byte(v.I64), byte(v.I64>>8))
		case ir.TypeI32:
			a.guestMem(false, []byte{0xc7}, 0)
			a.b.emitU32(uint32(v.I64))
		default:
			a.movRI(regRCX, v.ZExtConstant())
			stub.constant = false
			stub.reg = regRCX
			a.guestMem(true, []byte{0x89}, regRCX)
		}
	} else {
		stub.reg = enc(v)
		switch v.Type {
		case ir.TypeI8:
			r := enc(v)
			if r >= 4 && r <= 7 {
				a.movRR(false, regRCX, r)
				r = regRCX
				stub.reg = regRCX
			}
			a.guestMem(false, []byte{0x88}, r)
		case ir.TypeI16:
			a.b.emit(0x66)
			a.guestMem(false, []byte{0x89}, enc(v))
		case ir.TypeI32:
			a.guestMem(false, []byte{0x89}, enc(v))
		default:
			a.guestMem(true, []byte{0x89}, enc(v))
		}
	}
	a.finishSite(start, stub)
}

// finishSite pads the access to hold a 5-byte jump and records it for stub
// generation.
func (a *asm) finishSite(start int, stub pendingStub) {
	for a.b.used-start < 5 {
		a.b.emit(0x90)
	}

	site := &fastmemSite{
		addr: a.b.base + ir.HostAddr(start),
		size: a.b.used - start,
	}
	stub.site = site

	a.sites = append(a.sites, site)
	a.stubs = append(a.stubs, stub)
}

// emitStubs parks the slow-path fault pads after the block code.
func (a *asm) emitStubs() {
	for i := range a.stubs {
		stub := &a.stubs[i]
		stub.site.stub = a.b.cur()

		// save the caller-saved half of the bank
		a.b.emit(0x51, 0x52, 0x56, 0x57) // rcx rdx rsi rdi
		a.b.emit(0x41, 0x50, 0x41, 0x51, 0x41, 0x52, 0x41, 0x53)

		switch stub.kind {
		case stubLoad:
			a.movRR(false, 7, regRAX) // guest address
			a.movRI(regRAX, uint64(a.b.rt.LoadSlow[stub.shift]))
			a.b.emit(0xff, 0xd0)
		case stubStore:
			if stub.constant {
				a.movRI(6, uint64(stub.imm))
			} else {
				a.movRR(stub.shift == 3, 6, stub.reg)
			}
			a.movRR(false, 7, regRAX)
			a.movRI(regRAX, uint64(a.b.rt.StoreSlow[stub.shift]))
			a.b.emit(0xff, 0xd0)
		}

		a.b.emit(0x41, 0x5b, 0x41, 0x5a, 0x41, 0x59, 0x41, 0x58)
		a.b.emit(0x5f, 0x5e, 0x5a, 0x59)

		if stub.kind == stubLoad && stub.reg != regRAX {
			a.movRR(stub.shift == 3, stub.reg, regRAX)
		}

		// resume after the patched access
		back := stub.site.addr + ir.HostAddr(stub.site.size)
		pos := a.jcc(0xe9)
		a.b.patchU32(pos, uint32(int32(int64(back)-int64(a.b.base)-int64(pos+4))))
	}
}
