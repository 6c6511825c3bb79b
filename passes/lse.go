// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package passes

import (
	"github.com/driftvm/drift/ir"
)

// LSE removes context loads whose value is already known from an earlier
// load or store in the same block, and stores made redundant by the value
// already being in the slot.  Calls and slow guest accesses reach code that
// may write the context, so they invalidate everything known.
type LSE struct{}

func NewLSE() *LSE {
	return &LSE{}
}

type ctxSlot struct {
	value *ir.Value
	typ   ir.Type
}

func (*LSE) Run(x *ir.IR) {
	avail := make(map[int]ctxSlot)

	for block := x.Blocks(); block != nil; block = block.Next() {
		for k := range avail {
			delete(avail, k)
		}

		for instr := block.Instrs(); instr != nil; {
			next := instr.Next()

			switch instr.Op {
			case ir.OpLoadContext:
				offset := int(instr.Args[0].I32())
				if slot, ok := avail[offset]; ok && slot.typ == instr.Result.Type {
					x.ReplaceUses(instr.Result, slot.value)
					x.RemoveInstr(instr)
					break
				}
				avail[offset] = ctxSlot{value: instr.Result, typ: instr.Result.Type}

			case ir.OpStoreContext:
				offset := int(instr.Args[0].I32())
				v := instr.Args[1]
				if slot, ok := avail[offset]; ok && slot.value == v && slot.typ == v.Type {
					x.RemoveInstr(instr)
					break
				}
				clobberSlots(avail, offset, v.Type.Size())
				avail[offset] = ctxSlot{value: v, typ: v.Type}

			case ir.OpCall, ir.OpCallCond, ir.OpCallNoreturn, ir.OpCallFallback,
				ir.OpLoadSlow, ir.OpStoreSlow:
				for k := range avail {
					delete(avail, k)
				}
			}

			instr = next
		}
	}
}

// clobberSlots drops knowledge of any slot overlapping [offset, offset+size).
func clobberSlots(avail map[int]ctxSlot, offset, size int) {
	for o, slot := range avail {
		if o < offset+size && offset < o+slot.typ.Size() {
			delete(avail, o)
		}
	}
}
