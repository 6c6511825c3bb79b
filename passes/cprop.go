// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package passes

import (
	"math"

	"github.com/driftvm/drift/ir"
)

// CPROP folds instructions whose arguments are all constants, splicing the
// computed constant through the IR with ReplaceUses.  Folded instructions
// are removed on the spot; one forward walk suffices because defs precede
// their uses in block order.
type CPROP struct{}

func NewCPROP() *CPROP {
	return &CPROP{}
}

func (*CPROP) Run(x *ir.IR) {
	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; {
			next := instr.Next()

			if instr.Result != nil && constantArgs(instr) {
				if folded := fold(x, instr); folded != nil {
					x.ReplaceUses(instr.Result, folded)
					x.RemoveInstr(instr)
				}
			}

			instr = next
		}
	}
}

func constantArgs(instr *ir.Instr) bool {
	n := 0
	for ; n < ir.MaxInstrArgs && instr.Args[n] != nil; n++ {
		if !instr.Args[n].IsConstant() {
			return false
		}
	}
	return n > 0
}

func fold(x *ir.IR, instr *ir.Instr) *ir.Value {
	t := instr.Result.Type
	a := instr.Args[0]
	b := instr.Args[1]

	if t.IsInt() {
		switch instr.Op {
		case ir.OpAdd:
			return x.AllocInt(a.I64+b.I64, t)
		case ir.OpSub:
			return x.AllocInt(a.I64-b.I64, t)
		case ir.OpSMul:
			return x.AllocInt(a.I64*b.I64, t)
		case ir.OpUMul:
			return x.AllocInt(int64(a.ZExtConstant()*b.ZExtConstant()), t)
		case ir.OpDiv:
			if b.I64 == 0 {
				return nil
			}
			return x.AllocInt(a.I64/b.I64, t)
		case ir.OpNeg:
			return x.AllocInt(-a.I64, t)
		case ir.OpAbs:
			if a.I64 < 0 {
				return x.AllocInt(-a.I64, t)
			}
			return x.AllocInt(a.I64, t)
		case ir.OpAnd:
			return x.AllocInt(a.I64&b.I64, t)
		case ir.OpOr:
			return x.AllocInt(a.I64|b.I64, t)
		case ir.OpXor:
			return x.AllocInt(a.I64^b.I64, t)
		case ir.OpNot:
			return x.AllocInt(^a.I64, t)
		case ir.OpShl:
			return x.AllocInt(int64(a.ZExtConstant()<<uint(b.I64)), t)
		case ir.OpLShr:
			return x.AllocInt(int64(a.ZExtConstant()>>uint(b.I64)), t)
		case ir.OpAShr:
			return x.AllocInt(a.I64>>uint(b.I64), t)
		case ir.OpSExt, ir.OpTrunc:
			return x.AllocInt(a.I64, t)
		case ir.OpZExt:
			return x.AllocInt(int64(a.ZExtConstant()), t)
		}
	}

	switch instr.Op {
	case ir.OpCmpEQ:
		return foldCmp(x, a.I64 == b.I64)
	case ir.OpCmpNE:
		return foldCmp(x, a.I64 != b.I64)
	case ir.OpCmpSGE:
		return foldCmp(x, a.I64 >= b.I64)
	case ir.OpCmpSGT:
		return foldCmp(x, a.I64 > b.I64)
	case ir.OpCmpSLE:
		return foldCmp(x, a.I64 <= b.I64)
	case ir.OpCmpSLT:
		return foldCmp(x, a.I64 < b.I64)
	case ir.OpCmpUGE:
		return foldCmp(x, a.ZExtConstant() >= b.ZExtConstant())
	case ir.OpCmpUGT:
		return foldCmp(x, a.ZExtConstant() > b.ZExtConstant())
	case ir.OpCmpULE:
		return foldCmp(x, a.ZExtConstant() <= b.ZExtConstant())
	case ir.OpCmpULT:
		return foldCmp(x, a.ZExtConstant() < b.ZExtConstant())
	}

	if t == ir.TypeF32 {
		fa := a.F32
		switch instr.Op {
		case ir.OpFAdd:
			return x.AllocF32(fa + b.F32)
		case ir.OpFSub:
			return x.AllocF32(fa - b.F32)
		case ir.OpFMul:
			return x.AllocF32(fa * b.F32)
		case ir.OpFDiv:
			return x.AllocF32(fa / b.F32)
		case ir.OpFNeg:
			return x.AllocF32(-fa)
		case ir.OpFAbs:
			return x.AllocF32(float32(math.Abs(float64(fa))))
		case ir.OpSqrt:
			return x.AllocF32(float32(math.Sqrt(float64(fa))))
		}
	}

	if t == ir.TypeF64 {
		fa := a.F64
		switch instr.Op {
		case ir.OpFAdd:
			return x.AllocF64(fa + b.F64)
		case ir.OpFSub:
			return x.AllocF64(fa - b.F64)
		case ir.OpFMul:
			return x.AllocF64(fa * b.F64)
		case ir.OpFDiv:
			return x.AllocF64(fa / b.F64)
		case ir.OpFNeg:
			return x.AllocF64(-fa)
		case ir.OpFAbs:
			return x.AllocF64(math.Abs(fa))
		case ir.OpSqrt:
			return x.AllocF64(math.Sqrt(fa))
		}
	}

	return nil
}

func foldCmp(x *ir.IR, cond bool) *ir.Value {
	if cond {
		return x.AllocI8(1)
	}
	return x.AllocI8(0)
}
