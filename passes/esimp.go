// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package passes

import (
	"math/bits"

	"github.com/driftvm/drift/ir"
)

// ESIMP rewrites expressions by algebraic identity: neutral and absorbing
// elements, self-cancellation, and multiply-by-power-of-two strength
// reduction.  Simplified instructions lose their uses and are left for DCE
// to collect.
type ESIMP struct{}

func NewESIMP() *ESIMP {
	return &ESIMP{}
}

func (*ESIMP) Run(x *ir.IR) {
	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			simplify(x, instr)
		}
	}
}

func simplify(x *ir.IR, instr *ir.Instr) {
	result := instr.Result
	if result == nil || !result.Type.IsInt() {
		return
	}

	a := instr.Args[0]
	b := instr.Args[1]

	switch instr.Op {
	case ir.OpAdd, ir.OpOr, ir.OpXor:
		// commutative with neutral 0
		if v, c := splitConstant(a, b); c != nil {
			if c.I64 == 0 {
				x.ReplaceUses(result, v)
				return
			}
		}
		if instr.Op == ir.OpXor && a == b {
			x.ReplaceUses(result, x.AllocInt(0, result.Type))
		}
		if (instr.Op == ir.OpOr || instr.Op == ir.OpAnd) && a == b {
			x.ReplaceUses(result, a)
		}

	case ir.OpSub:
		if b != nil && b.IsConstant() && b.I64 == 0 {
			x.ReplaceUses(result, a)
			return
		}
		if a == b {
			x.ReplaceUses(result, x.AllocInt(0, result.Type))
		}

	case ir.OpAnd:
		if v, c := splitConstant(a, b); c != nil {
			if c.I64 == 0 {
				x.ReplaceUses(result, x.AllocInt(0, result.Type))
				return
			}
			if c.I64 == -1 {
				x.ReplaceUses(result, v)
				return
			}
		}
		if a == b {
			x.ReplaceUses(result, a)
		}

	case ir.OpSMul, ir.OpUMul:
		v, c := splitConstant(a, b)
		if c == nil {
			return
		}
		switch {
		case c.I64 == 0:
			x.ReplaceUses(result, x.AllocInt(0, result.Type))
		case c.I64 == 1:
			x.ReplaceUses(result, v)
		case instr.Op == ir.OpUMul && isPow2(c.ZExtConstant()):
			// strength reduction to a shift
			instr.Op = ir.OpShl
			x.SetArg0(instr, v)
			x.SetArg1(instr, x.AllocI32(int32(bits.TrailingZeros64(c.ZExtConstant()))))
		}

	case ir.OpShl, ir.OpLShr, ir.OpAShr:
		if b != nil && b.IsConstant() && b.I64 == 0 {
			x.ReplaceUses(result, a)
		}
	}
}

// splitConstant picks the constant operand of a commutative instruction.
func splitConstant(a, b *ir.Value) (v, c *ir.Value) {
	if b != nil && b.IsConstant() {
		return a, b
	}
	if a != nil && a.IsConstant() && b != nil {
		return b, a
	}
	return nil, nil
}

func isPow2(c uint64) bool {
	return c != 0 && c&(c-1) == 0
}
