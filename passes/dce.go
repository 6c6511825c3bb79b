// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package passes

import (
	"github.com/driftvm/drift/ir"
)

// DCE removes instructions whose result has no live uses and whose opcode
// has no observable side effects.  Walking backwards lets whole dependency
// chains collapse in one run.
type DCE struct{}

func NewDCE() *DCE {
	return &DCE{}
}

func (*DCE) Run(x *ir.IR) {
	var last *ir.Block
	for block := x.Blocks(); block != nil; block = block.Next() {
		last = block
	}

	for block := last; block != nil; block = block.Prev() {
		for instr := block.LastInstr(); instr != nil; {
			prev := instr.Prev()

			if instr.Result != nil && instr.Result.Uses() == nil && !instr.Op.HasSideEffects() {
				x.RemoveInstr(instr)
			}

			instr = prev
		}
	}
}
