// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ir

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// buildSample covers every constant kind and branch form the serializer has
// to represent.
func buildSample(x *IR) {
	entry := x.AppendBlock()
	x.SetBlockLabel(entry, "0x%08x", 0x8c010000)
	x.SetCurrentBlock(entry)

	cycles := x.LoadContext(0x40, TypeI32)
	cycles = x.Sub(cycles, x.AllocI32(3))
	x.StoreContext(0x40, cycles)

	v := x.LoadContext(0x10, TypeI32)
	sum := x.Add(v, x.AllocI32(-2))
	x.StoreContext(0x10, sum)
	x.DebugInfo("add #-2, r0", 0x8c010000, 0x70fe)

	f := x.FAdd(x.AllocF32(1.5), x.AllocF32(0.25))
	x.StoreContext(0x50, f)
	x.StoreContext(0x58, x.AllocF64(2.75))

	wide := x.LoadContext(0x60, TypeI64)
	x.StoreContext(0x60, x.And(wide, x.AllocI64(0x7fffffff00ff00ff)))

	exit := x.AppendBlock()
	cond := x.CmpSGT(sum, x.AllocI32(0))
	x.BranchTrue(cond, x.AllocBlock(exit))
	x.Branch(x.AllocPtr(0x7f0012345678))

	x.SetCurrentBlock(exit)
	addrLow := uint32(0x8c010008)
	x.StoreContext(0x08, x.AllocI32(int32(addrLow)))
	x.CallNoreturn(x.AllocPtr(0x7f0012340000))
}

type instrShape struct {
	Op     string
	Label  string
	Result string
	Args   []string
}

type blockShape struct {
	Label  string
	Instrs []instrShape
}

// shape reduces an IR to a comparable structure: constants by payload,
// defined values by definition order, blocks by index.
func shape(t *testing.T, x *IR) []blockShape {
	t.Helper()

	blockIndex := make(map[*Block]int)
	n := 0
	for block := x.Blocks(); block != nil; block = block.Next() {
		blockIndex[block] = n
		n++
	}

	valueIndex := make(map[*Value]int)

	var blocks []blockShape
	for block := x.Blocks(); block != nil; block = block.Next() {
		bs := blockShape{Label: block.Label}

		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			is := instrShape{Op: instr.Op.String(), Label: instr.Label}

			if instr.Result != nil {
				valueIndex[instr.Result] = len(valueIndex)
				is.Result = instr.Result.Type.String()
			}

			for i := 0; i < MaxInstrArgs; i++ {
				arg := instr.Args[i]
				if arg == nil {
					break
				}
				is.Args = append(is.Args, valueShape(t, arg, valueIndex, blockIndex))
			}

			bs.Instrs = append(bs.Instrs, is)
		}

		blocks = append(blocks, bs)
	}

	return blocks
}

func valueShape(t *testing.T, v *Value, values map[*Value]int, blocks map[*Block]int) string {
	t.Helper()

	if !v.IsConstant() {
		idx, ok := values[v]
		if !ok {
			t.Fatal("argument defined after use")
		}
		return "%" + v.Type.String() + ":" + itoa(idx)
	}

	switch v.Type {
	case TypeI8, TypeI16, TypeI32, TypeI64:
		return v.Type.String() + ":" + itoa(int(v.I64))
	case TypeF32:
		return "f32:" + itoa(int(v.F32*1000))
	case TypeF64:
		return "f64:" + itoa(int(v.F64*1000))
	case TypeString:
		return "str:" + v.Str
	case TypeBlock:
		return "blk:" + itoa(blocks[v.Blk])
	default:
		t.Fatalf("unexpected constant type %s", v.Type)
		return ""
	}
}

func itoa(n int) string {
	if n < 0 {
		return "-" + itoa(-n)
	}
	if n < 10 {
		return string(rune('0' + n))
	}
	return itoa(n/10) + string(rune('0'+n%10))
}

func TestRoundTrip(t *testing.T) {
	src := New(1 << 20)
	buildSample(src)

	var text strings.Builder
	if err := Write(&text, src); err != nil {
		t.Fatal(err)
	}

	parsed := New(1 << 20)
	if err := Read(strings.NewReader(text.String()), parsed); err != nil {
		t.Fatalf("read: %v\n%s", err, text.String())
	}

	if diff := cmp.Diff(shape(t, src), shape(t, parsed)); diff != "" {
		t.Errorf("structure mismatch (-wrote +read):\n%s", diff)
	}

	// a second trip must be byte stable
	var text2 strings.Builder
	if err := Write(&text2, parsed); err != nil {
		t.Fatal(err)
	}
	if text.String() != text2.String() {
		t.Errorf("serialization not stable:\n--- first\n%s\n--- second\n%s", text.String(), text2.String())
	}
}

func TestReadErrors(t *testing.T) {
	for _, bad := range []string{
		"  add %0, %1",                   // instruction before any block
		"b:\n  bogus_op 0x1 i32",         // unknown opcode
		"b:\n  %0 i32 = add %9, 0x1 i32", // undefined value
		"b:\n  branch :nowhere",          // undefined block
		"b:\n  %0 i32 = add 0x1",         // constant missing type
	} {
		x := New(1 << 20)
		if err := Read(strings.NewReader(bad), x); err == nil {
			t.Errorf("no error for %q", bad)
		}
	}
}
