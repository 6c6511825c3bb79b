// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package passes

import (
	"testing"

	"github.com/driftvm/drift/ir"
)

func countInstrs(x *ir.IR) int {
	n := 0
	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			n++
		}
	}
	return n
}

func findOp(x *ir.IR, op ir.Op) *ir.Instr {
	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			if instr.Op == op {
				return instr
			}
		}
	}
	return nil
}

// checkUses asserts the bidirectional use/def invariant, which every pass
// must preserve.
func checkUses(t *testing.T, x *ir.IR) {
	t.Helper()

	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			for n := 0; n < ir.MaxInstrArgs; n++ {
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

func TestCFA(t *testing.T) {
	x := ir.New(1 << 20)

	entry := x.AppendBlock()
	fall := x.AppendBlock()
	taken := x.AppendBlock()

	x.SetCurrentBlock(entry)
	cond := x.CmpEQ(x.LoadContext(0, ir.TypeI32), x.AllocI32(1))
	x.BranchTrue(cond, x.AllocBlock(taken))

	x.SetCurrentBlock(fall)
	x.Branch(x.AllocBlock(taken))

	NewCFA().Run(x)

	if len(entry.Outgoing) != 2 {
		t.Fatalf("entry has %d outgoing edges, want 2 (taken + fall-through)", len(entry.Outgoing))
	}
	if entry.Outgoing[0] != taken || entry.Outgoing[1] != fall {
		t.Error("entry edges wrong")
	}
	if len(taken.Incoming) != 2 {
		t.Errorf("taken has %d incoming edges, want 2", len(taken.Incoming))
	}
	checkUses(t, x)
}

func TestLSEForwardsLoads(t *testing.T) {
	x := ir.New(1 << 20)

	a := x.LoadContext(0x10, ir.TypeI32)
	b := x.LoadContext(0x10, ir.TypeI32)
	x.StoreContext(0x20, x.Add(a, b))

	NewLSE().Run(x)

	loads := 0
	for instr := x.Blocks().Instrs(); instr != nil; instr = instr.Next() {
		if instr.Op == ir.OpLoadContext {
			loads++
		}
	}
	if loads != 1 {
		t.Errorf("%d context loads left, want 1", loads)
	}
	checkUses(t, x)
}

func TestLSEForwardsStoredValue(t *testing.T) {
	x := ir.New(1 << 20)

	v := x.Add(x.LoadContext(0x30, ir.TypeI32), x.AllocI32(1))
	x.StoreContext(0x10, v)
	reloaded := x.LoadContext(0x10, ir.TypeI32)
	x.StoreContext(0x20, reloaded)

	NewLSE().Run(x)

	// the reload is gone and the second store uses v directly
	store := x.Blocks().LastInstr()
	if store.Op != ir.OpStoreContext || store.Args[1] != v {
		t.Error("stored value not forwarded through the slot")
	}
	checkUses(t, x)
}

func TestLSECallClobbers(t *testing.T) {
	x := ir.New(1 << 20)

	x.LoadContext(0x10, ir.TypeI32)
	x.Call(x.AllocPtr(0x1000))
	x.LoadContext(0x10, ir.TypeI32)

	NewLSE().Run(x)

	loads := 0
	for instr := x.Blocks().Instrs(); instr != nil; instr = instr.Next() {
		if instr.Op == ir.OpLoadContext {
			loads++
		}
	}
	if loads != 2 {
		t.Errorf("%d loads left, want 2: calls invalidate known slots", loads)
	}
}

func TestCPROPFolds(t *testing.T) {
	x := ir.New(1 << 20)

	sum := x.Add(x.AllocI32(40), x.AllocI32(2))
	shifted := x.Shli(sum, 1)
	x.StoreContext(0x10, shifted)

	NewCPROP().Run(x)

	store := x.Blocks().LastInstr()
	if store.Op != ir.OpStoreContext {
		t.Fatal("store missing")
	}
	folded := store.Args[1]
	if !folded.IsConstant() || folded.I32() != 84 {
		t.Errorf("folded constant = %v", folded.I64)
	}
	if findOp(x, ir.OpAdd) != nil || findOp(x, ir.OpShl) != nil {
		t.Error("folded instructions not removed")
	}
	checkUses(t, x)
}

func TestCPROPComparisons(t *testing.T) {
	x := ir.New(1 << 20)

	// unsigned compare of values with the sign bit set
	c := x.CmpUGT(x.AllocI32(-1), x.AllocI32(1))
	x.StoreContext(0x10, x.ZExt(c, ir.TypeI32))

	NewCPROP().Run(x)

	store := x.Blocks().LastInstr()
	if v := store.Args[1]; !v.IsConstant() || v.I32() != 1 {
		t.Error("0xffffffff >u 1 should fold to 1")
	}
}

func TestESIMPIdentities(t *testing.T) {
	x := ir.New(1 << 20)

	v := x.LoadContext(0x10, ir.TypeI32)
	sum := x.Add(v, x.AllocI32(0))
	x.StoreContext(0x20, sum)

	NewESIMP().Run(x)

	store := x.Blocks().LastInstr()
	if store.Args[1] != v {
		t.Error("add x, 0 not simplified away")
	}
	checkUses(t, x)
}

func TestESIMPStrengthReduction(t *testing.T) {
	x := ir.New(1 << 20)

	v := x.LoadContext(0x10, ir.TypeI32)
	x.StoreContext(0x20, x.UMul(v, x.AllocI32(8)))

	NewESIMP().Run(x)

	if findOp(x, ir.OpUMul) != nil {
		t.Error("umul by power of two survived")
	}
	shl := findOp(x, ir.OpShl)
	if shl == nil {
		t.Fatal("no shift emitted")
	}
	if shl.Args[1].I32() != 3 {
		t.Errorf("shift amount = %d, want 3", shl.Args[1].I32())
	}
	checkUses(t, x)
}

func TestDCE(t *testing.T) {
	x := ir.New(1 << 20)

	v := x.LoadContext(0x10, ir.TypeI32)
	x.Add(v, x.AllocI32(1)) // dead chain
	live := x.Sub(v, x.AllocI32(2))
	x.StoreContext(0x20, live)
	x.LoadSlow(x.AllocI32(0x1000), ir.TypeI32) // side effect, must stay

	before := countInstrs(x)
	NewDCE().Run(x)
	after := countInstrs(x)

	if after != before-1 {
		t.Errorf("removed %d instructions, want 1", before-after)
	}
	if findOp(x, ir.OpAdd) != nil {
		t.Error("dead add survived")
	}
	if findOp(x, ir.OpLoadSlow) == nil {
		t.Error("slow load removed despite side effect")
	}
	checkUses(t, x)
}

func testBank(n int) []ir.Register {
	bank := make([]ir.Register, n)
	for i := range bank {
		bank[i] = ir.Register{Name: "r" + string(rune('0'+i)), Types: ir.IntMask}
	}
	return bank
}

func TestRAAssignsRegisters(t *testing.T) {
	x := ir.New(1 << 20)

	a := x.LoadContext(0x10, ir.TypeI32)
	b := x.LoadContext(0x14, ir.TypeI32)
	x.StoreContext(0x18, x.Add(a, b))

	NewRA(testBank(4)).Run(x)

	for instr := x.Blocks().Instrs(); instr != nil; instr = instr.Next() {
		if instr.Result != nil && instr.Result.Reg == ir.NoRegister {
			t.Errorf("%s result has no register", instr.Op)
		}
	}
	if a.Reg == b.Reg {
		t.Error("overlapping values share a register")
	}
}

func TestRASpills(t *testing.T) {
	x := ir.New(1 << 20)

	// more simultaneously-live values than registers
	var vals []*ir.Value
	for i := 0; i < 4; i++ {
		vals = append(vals, x.LoadContext(i*4, ir.TypeI32))
	}
	sum := vals[0]
	for _, v := range vals[1:] {
		sum = x.Add(sum, v)
	}
	x.StoreContext(0x40, sum)

	NewRA(testBank(2)).Run(x)

	if findOp(x, ir.OpStoreLocal) == nil || findOp(x, ir.OpLoadLocal) == nil {
		t.Fatal("no spill code inserted under register pressure")
	}
	if x.LocalsSize == 0 {
		t.Error("no locals allocated")
	}

	// every value, including reloads, must have a register
	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			for n := 0; n < ir.MaxInstrArgs; n++ {
				arg := instr.Args[n]
				if arg != nil && arg.DefInstr() != nil && arg.Reg == ir.NoRegister {
					t.Errorf("%s arg %d unallocated", instr.Op, n)
				}
			}
		}
	}
	checkUses(t, x)
}
