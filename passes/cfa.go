// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package passes contains the optimization pipeline run between translation
// and assembly: control flow analysis, load/store elimination, constant
// propagation, expression simplification, dead code elimination and register
// allocation.  Passes run in that order and each mutates the IR in place.
package passes

import (
	"github.com/driftvm/drift/ir"
)

// CFA derives explicit edges between blocks from their branch terminators.
type CFA struct{}

func NewCFA() *CFA {
	return &CFA{}
}

func (*CFA) Run(x *ir.IR) {
	for block := x.Blocks(); block != nil; block = block.Next() {
		nextBlock := block.Next()

		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			switch instr.Op {
			case ir.OpBranch:
				if instr.Args[0].Type == ir.TypeBlock {
					x.AddBlockEdge(block, instr.Args[0].Blk)
				}

			case ir.OpBranchTrue, ir.OpBranchFalse:
				if instr.Args[1].Type == ir.TypeBlock {
					x.AddBlockEdge(block, instr.Args[1].Blk)
				}

				// conditional branches fall through to the next block
				if nextBlock != nil {
					x.AddBlockEdge(block, nextBlock)
				}
			}
		}
	}
}
