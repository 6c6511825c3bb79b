// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ir

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// Write serializes the IR in the textual form accepted by Read.  Value names
// are assigned in program order; blocks without a label get an automatic
// ".L<n>" name that Read will not persist.
func Write(w io.Writer, x *IR) error {
	bw := bufio.NewWriter(w)

	names := make(map[*Value]string)
	labels := make(map[*Block]string)

	n := 0
	for block := x.Blocks(); block != nil; block = block.Next() {
		if block.Label != "" {
			labels[block] = block.Label
		} else {
			labels[block] = fmt.Sprintf(".L%d", n)
		}
		n++
	}

	id := 0
	for block := x.Blocks(); block != nil; block = block.Next() {
		fmt.Fprintf(bw, "%s:\n", labels[block])

		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			bw.WriteString("  ")

			if result := instr.Result; result != nil {
				name := fmt.Sprintf("%%%d", id)
				id++
				names[result] = name
				fmt.Fprintf(bw, "%s %s = ", name, result.Type)
			}

			bw.WriteString(instr.Op.String())

			for n := 0; n < MaxInstrArgs; n++ {
				arg := instr.Args[n]
				if arg == nil {
					break
				}
				if n > 0 {
					bw.WriteString(",")
				}
				bw.WriteString(" ")
				writeValue(bw, arg, names, labels)
			}

			if instr.Label != "" {
				fmt.Fprintf(bw, " @%s", instr.Label)
			}

			bw.WriteString("\n")
		}
	}

	return bw.Flush()
}

func writeValue(bw *bufio.Writer, v *Value, names map[*Value]string, labels map[*Block]string) {
	if !v.IsConstant() {
		name, ok := names[v]
		if !ok {
			panic("ir: write: argument defined after use")
		}
		bw.WriteString(name)
		return
	}

	switch v.Type {
	case TypeI8, TypeI16, TypeI32, TypeI64:
		fmt.Fprintf(bw, "0x%x %s", v.ZExtConstant(), v.Type)
	case TypeF32:
		fmt.Fprintf(bw, "%s f32", strconv.FormatFloat(float64(v.F32), 'x', -1, 32))
	case TypeF64:
		fmt.Fprintf(bw, "%s f64", strconv.FormatFloat(v.F64, 'x', -1, 64))
	case TypeString:
		fmt.Fprintf(bw, "%s str", strconv.Quote(v.Str))
	case TypeBlock:
		label, ok := labels[v.Blk]
		if !ok {
			panic("ir: write: block reference outside the ir")
		}
		fmt.Fprintf(bw, ":%s", label)
	default:
		panic(fmt.Sprintf("ir: write: %s constant", v.Type))
	}
}
