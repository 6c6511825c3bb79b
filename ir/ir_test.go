// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ir

import (
	"testing"
)

func TestUseDefIntegrity(t *testing.T) {
	x := New(1 << 20)

	a := x.AllocI32(1)
	b := x.AllocI32(2)
	sum := x.Add(a, b)
	x.StoreContext(0x10, sum)

	if sum.DefInstr() == nil {
		t.Fatal("result has no defining instruction")
	}
	if sum.DefInstr().Op != OpAdd {
		t.Errorf("def op = %s", sum.DefInstr().Op)
	}

	checkUses(t, x)

	// every constant argument must be registered in its use list too
	n := 0
	for u := a.Uses(); u != nil; u = u.Next() {
		n++
	}
	if n != 1 {
		t.Errorf("constant has %d uses, want 1", n)
	}
}

// checkUses asserts the bidirectional use/def invariant over the whole IR.
func checkUses(t *testing.T, x *IR) {
	t.Helper()

	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			for n := 0; n < MaxInstrArgs; n++ {
				arg := instr.Args[n]
				if arg == nil {
					continue
				}

				found := false
				for u := arg.Uses(); u != nil; u = u.Next() {
					if u.Instr == instr && u.Arg == n {
						found = true
					}
				}
				if !found {
					t.Errorf("use record missing for %s arg %d", instr.Op, n)
				}
			}
		}
	}
}

func TestReplaceUses(t *testing.T) {
	x := New(1 << 20)

	a := x.AllocI32(1)
	b := x.AllocI32(2)
	sum := x.Add(a, b)
	x.StoreContext(0x10, sum)
	x.StoreContext(0x14, sum)

	c := x.AllocI32(3)
	x.ReplaceUses(sum, c)

	if sum.Uses() != nil {
		t.Error("replaced value still has uses")
	}

	n := 0
	for u := c.Uses(); u != nil; u = u.Next() {
		if u.Instr.Args[u.Arg] != c {
			t.Error("use slot doesn't point at replacement")
		}
		n++
	}
	if n != 2 {
		t.Errorf("replacement has %d uses, want 2", n)
	}

	checkUses(t, x)
}

func TestRemoveInstrWithLiveUsesPanics(t *testing.T) {
	x := New(1 << 20)

	v := x.Add(x.AllocI32(1), x.AllocI32(2))
	x.StoreContext(0x10, v)

	defer func() {
		if recover() == nil {
			t.Error("no panic removing instruction with live result uses")
		}
	}()
	x.RemoveInstr(v.DefInstr())
}

func TestInsertPoint(t *testing.T) {
	x := New(1 << 20)

	first := x.Add(x.AllocI32(1), x.AllocI32(2))
	second := x.Add(first, x.AllocI32(3))

	// emit into a fresh block without disturbing the cursor
	point := x.GetInsertPoint()
	thunk := x.AppendBlock()
	x.SetCurrentBlock(thunk)
	x.StoreContext(0x20, x.AllocI32(7))
	x.SetInsertPoint(point)

	third := x.Add(second, x.AllocI32(4))

	if third.DefInstr().Block != first.DefInstr().Block {
		t.Error("cursor restore lost the original block")
	}
	if second.DefInstr().Next() != third.DefInstr() {
		t.Error("instruction not inserted after cursor")
	}
}

func TestInsertBetween(t *testing.T) {
	x := New(1 << 20)

	first := x.Add(x.AllocI32(1), x.AllocI32(2))
	second := x.Add(first, x.AllocI32(3))

	x.SetCurrentInstr(first.DefInstr())
	mid := x.Sub(first, x.AllocI32(1))

	block := first.DefInstr().Block
	want := []*Instr{first.DefInstr(), mid.DefInstr(), second.DefInstr()}
	i := 0
	for instr := block.Instrs(); instr != nil; instr = instr.Next() {
		if instr != want[i] {
			t.Fatalf("instruction %d out of order", i)
		}
		i++
	}
}

func TestArenaReset(t *testing.T) {
	x := New(1 << 20)

	x.Add(x.AllocI32(1), x.AllocI32(2))
	x.AllocLocal(TypeI32)

	if x.Used() == 0 {
		t.Fatal("arena accounting not advancing")
	}

	x.Reset()

	if x.Used() != 0 || x.LocalsSize != 0 || x.Blocks() != nil {
		t.Error("reset left state behind")
	}
}

func TestArenaExhaustion(t *testing.T) {
	x := New(16)

	defer func() {
		if recover() == nil {
			t.Error("no panic on arena exhaustion")
		}
	}()
	for i := 0; i < 100; i++ {
		x.AllocI32(int32(i))
	}
}

func TestLocalAlignment(t *testing.T) {
	x := New(1 << 20)

	a := x.AllocLocal(TypeI8)
	b := x.AllocLocal(TypeI64)

	if a.Offset.I32() != 0 {
		t.Errorf("first local at %d", a.Offset.I32())
	}
	if b.Offset.I32()%8 != 0 {
		t.Errorf("i64 local misaligned at %d", b.Offset.I32())
	}
	if x.LocalsSize != int(b.Offset.I32())+8 {
		t.Errorf("locals size %d", x.LocalsSize)
	}

	reused := x.ReuseLocal(b.Offset, TypeI64)
	if x.LocalsSize != int(b.Offset.I32())+8 {
		t.Error("reuse grew the frame")
	}
	if reused.Offset != b.Offset {
		t.Error("reuse allocated a new offset")
	}
}

func TestConstantTruncation(t *testing.T) {
	x := New(1 << 20)

	v := x.AllocInt(0x1ff, TypeI8)
	if v.I8() != -1 {
		t.Errorf("i8 constant = %d", v.I8())
	}
	if v.ZExtConstant() != 0xff {
		t.Errorf("zext = %#x", v.ZExtConstant())
	}
}
