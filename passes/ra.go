// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package passes

import (
	"fmt"

	"github.com/driftvm/drift/ir"
)

// RA performs linear-scan register allocation over block layout order.
// Every defined value receives a register from the backend bank whose type
// mask admits it.  When the bank runs dry the live value whose live range
// ends furthest away is spilled to a context-frame local; its later uses reload
// through load_local instructions inserted on the spot.
type RA struct {
	registers []ir.Register
}

func NewRA(registers []ir.Register) *RA {
	return &RA{registers: registers}
}

type raHeld struct {
	value *ir.Value
	end   int
}

type raLocal struct {
	local *ir.Local
	end   int
}

type allocator struct {
	x         *ir.IR
	registers []ir.Register

	held    []raHeld
	end     map[*ir.Value]int
	spilled map[*ir.Value]*ir.Local

	busyLocals []raLocal
	freeLocals map[ir.Type][]*ir.Local
}

func (ra *RA) Run(x *ir.IR) {
	// number instructions in layout order; the ordinals double as interval
	// endpoints
	ord := 0
	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			instr.Tag = int64(ord)
			ord++
		}
	}

	s := &allocator{
		x:          x,
		registers:  ra.registers,
		held:       make([]raHeld, len(ra.registers)),
		end:        make(map[*ir.Value]int),
		spilled:    make(map[*ir.Value]*ir.Local),
		freeLocals: make(map[ir.Type][]*ir.Local),
	}

	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			if instr.Result != nil {
				s.end[instr.Result] = int(instr.Tag)
			}
			for n := 0; n < ir.MaxInstrArgs; n++ {
				arg := instr.Args[n]
				if arg != nil && arg.DefInstr() != nil {
					s.end[arg] = int(instr.Tag)
				}
			}
		}
	}

	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			s.visit(instr)
		}
	}
}

func (s *allocator) visit(instr *ir.Instr) {
	ord := int(instr.Tag)
	s.expire(ord)

	// registers read or written by this instruction must not be stolen
	protect := make(map[ir.Reg]bool)

	for n := 0; n < ir.MaxInstrArgs; n++ {
		arg := instr.Args[n]
		if arg == nil || arg.DefInstr() == nil {
			continue
		}

		if local, ok := s.spilled[arg]; ok {
			reload := s.insertReload(instr, local)
			reg := s.alloc(reload.Type, ord, protect, nil)
			reload.Reg = reg
			s.end[reload] = ord
			s.held[reg] = raHeld{value: reload, end: ord}
			s.x.SetArg(instr, n, reload)
			protect[reg] = true
		} else {
			protect[arg.Reg] = true
		}
	}

	if result := instr.Result; result != nil {
		reg := s.alloc(result.Type, ord, protect, instr)
		result.Reg = reg
		s.held[reg] = raHeld{value: result, end: s.end[result]}
	}
}

func (s *allocator) expire(ord int) {
	for r := range s.held {
		if s.held[r].value != nil && s.held[r].end < ord {
			s.held[r] = raHeld{}
		}
	}

	kept := s.busyLocals[:0]
	for _, bl := range s.busyLocals {
		if bl.end < ord {
			s.freeLocals[bl.local.Type] = append(s.freeLocals[bl.local.Type], bl.local)
		} else {
			kept = append(kept, bl)
		}
	}
	s.busyLocals = kept
}

func (s *allocator) alloc(t ir.Type, ord int, protect map[ir.Reg]bool, instr *ir.Instr) ir.Reg {
	mask := t.Mask()

	for r := range s.registers {
		if s.registers[r].Types&mask != 0 && s.held[r].value == nil {
			return ir.Reg(r)
		}
	}

	// bank exhausted: spill the matching value with the furthest use
	victim := ir.Reg(-1)
	for r := range s.registers {
		if s.registers[r].Types&mask == 0 || protect[ir.Reg(r)] || s.held[r].value == nil {
			continue
		}
		if victim < 0 || s.held[r].end > s.held[victim].end {
			victim = ir.Reg(r)
		}
	}

	if victim < 0 {
		// everything matching is an operand of this instruction.  A result
		// may still take over the first operand's register when that
		// operand dies here: the backends read operand zero before
		// writing the result.
		if instr != nil {
			if first := instr.Args[0]; first != nil && first.DefInstr() != nil &&
				first.Reg != ir.NoRegister && s.end[first] == ord &&
				s.registers[first.Reg].Types&mask != 0 {
				s.held[first.Reg] = raHeld{}
				return first.Reg
			}
		}
		panic(fmt.Sprintf("ra: no register for %s value", t))
	}

	s.spill(s.held[victim].value)
	s.held[victim] = raHeld{}
	return victim
}

func (s *allocator) spill(v *ir.Value) {
	local := s.localFor(v.Type)
	s.spilled[v] = local
	s.busyLocals = append(s.busyLocals, raLocal{local: local, end: s.end[v]})

	// store the register to the local right after the definition; later
	// uses reload from it
	point := s.x.GetInsertPoint()
	s.x.SetCurrentInstr(v.DefInstr())
	s.x.StoreLocal(local, v)
	s.x.SetInsertPoint(point)
}

func (s *allocator) localFor(t ir.Type) *ir.Local {
	if free := s.freeLocals[t]; len(free) > 0 {
		local := free[len(free)-1]
		s.freeLocals[t] = free[:len(free)-1]
		return s.x.ReuseLocal(local.Offset, t)
	}
	return s.x.AllocLocal(t)
}

func (s *allocator) insertReload(before *ir.Instr, local *ir.Local) *ir.Value {
	point := s.x.GetInsertPoint()
	s.x.SetInsertPoint(ir.InsertPoint{Block: before.Block, After: before.Prev()})
	v := s.x.LoadLocal(local)
	s.x.SetInsertPoint(point)
	return v
}
