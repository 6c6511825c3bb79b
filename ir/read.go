// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ir

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/driftvm/drift/internal/pan"
)

// Read parses the textual IR form produced by Write, appending blocks to x.
// The caller resets x beforehand.  Automatic ".L<n>" block names are not
// persisted as labels.
func Read(r io.Reader, x *IR) (err error) {
	defer func() {
		if e := pan.Error(recover()); e != nil {
			err = e
		}
	}()

	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 && !strings.Contains(line[:i], `"`) {
			line = line[:i]
		}
		lines = append(lines, strings.TrimSpace(line))
	}
	pan.Check(scanner.Err())

	p := reader{
		ir:     x,
		blocks: make(map[string]*Block),
		values: make(map[string]*Value),
	}

	// first pass: establish blocks so branches can reference ahead
	for n, line := range lines {
		if label, ok := blockLine(line); ok {
			if _, exists := p.blocks[label]; exists {
				pan.Panic(xerrors.Errorf("line %d: duplicate block %q", n+1, label))
			}
			block := x.AppendBlock()
			if !strings.HasPrefix(label, ".L") {
				x.SetBlockLabel(block, "%s", label)
			}
			p.blocks[label] = block
		}
	}

	for n, line := range lines {
		if line == "" {
			continue
		}
		if label, ok := blockLine(line); ok {
			x.SetCurrentBlock(p.blocks[label])
			continue
		}
		if x.cursor.Block == nil {
			pan.Panic(xerrors.Errorf("line %d: instruction outside a block", n+1))
		}
		p.instr(n+1, line)
	}

	return nil
}

func blockLine(line string) (label string, ok bool) {
	if strings.HasSuffix(line, ":") && !strings.ContainsAny(line, " \t") && len(line) > 1 {
		return line[:len(line)-1], true
	}
	return "", false
}

type reader struct {
	ir     *IR
	blocks map[string]*Block
	values map[string]*Value
}

type token struct {
	s      string
	quoted bool
	comma  bool
}

func lex(n int, line string) (toks []token) {
	for i := 0; i < len(line); {
		switch c := line[i]; {
		case c == ' ' || c == '\t':
			i++
		case c == ',':
			toks = append(toks, token{comma: true})
			i++
		case c == '"':
			j := i + 1
			for j < len(line) {
				if line[j] == '\\' {
					j += 2
					continue
				}
				if line[j] == '"' {
					break
				}
				j++
			}
			if j >= len(line) {
				pan.Panic(xerrors.Errorf("line %d: unterminated string", n))
			}
			s := pan.Must(strconv.Unquote(line[i : j+1]))
			toks = append(toks, token{s: s, quoted: true})
			i = j + 1
		default:
			j := i
			for j < len(line) && line[j] != ' ' && line[j] != '\t' && line[j] != ',' {
				j++
			}
			toks = append(toks, token{s: line[i:j]})
			i = j
		}
	}
	return
}

func typeByName(name string) (Type, bool) {
	for t := TypeV; t < numTypes; t++ {
		if t.String() == name {
			return t, true
		}
	}
	return TypeV, false
}

func (p *reader) instr(n int, line string) {
	toks := lex(n, line)

	var label string
	if last := len(toks) - 1; last >= 0 && !toks[last].quoted && strings.HasPrefix(toks[last].s, "@") {
		label = toks[last].s[1:]
		toks = toks[:last]
	}

	var resultName string
	resultType := TypeV
	if len(toks) >= 3 && strings.HasPrefix(toks[0].s, "%") && toks[2].s == "=" {
		t, ok := typeByName(toks[1].s)
		if !ok {
			pan.Panic(xerrors.Errorf("line %d: bad result type %q", n, toks[1].s))
		}
		resultName = toks[0].s
		resultType = t
		toks = toks[3:]
	}

	if len(toks) == 0 {
		pan.Panic(xerrors.Errorf("line %d: missing opcode", n))
	}
	op := OpByName(toks[0].s)
	if op == NumOps {
		pan.Panic(xerrors.Errorf("line %d: unknown opcode %q", n, toks[0].s))
	}
	toks = toks[1:]

	instr := p.ir.AppendInstr(op, resultType)
	if label != "" {
		p.ir.SetInstrLabel(instr, "%s", label)
	}
	if resultName != "" {
		p.values[resultName] = instr.Result
	}

	for arg := 0; len(toks) > 0; arg++ {
		if arg >= MaxInstrArgs {
			pan.Panic(xerrors.Errorf("line %d: too many arguments", n))
		}
		v, used := p.value(n, toks)
		p.ir.SetArg(instr, arg, v)
		toks = toks[used:]

		if len(toks) > 0 {
			if !toks[0].comma {
				pan.Panic(xerrors.Errorf("line %d: expected ','", n))
			}
			toks = toks[1:]
		}
	}
}

func (p *reader) value(n int, toks []token) (*Value, int) {
	t := toks[0]

	switch {
	case t.quoted:
		if len(toks) < 2 || toks[1].s != "str" {
			pan.Panic(xerrors.Errorf("line %d: string constant missing type", n))
		}
		return p.ir.AllocStr("%s", t.s), 2

	case strings.HasPrefix(t.s, "%"):
		v, ok := p.values[t.s]
		if !ok {
			pan.Panic(xerrors.Errorf("line %d: undefined value %s", n, t.s))
		}
		return v, 1

	case strings.HasPrefix(t.s, ":"):
		block, ok := p.blocks[t.s[1:]]
		if !ok {
			pan.Panic(xerrors.Errorf("line %d: undefined block %s", n, t.s))
		}
		return p.ir.AllocBlock(block), 1
	}

	if len(toks) < 2 {
		pan.Panic(xerrors.Errorf("line %d: constant missing type", n))
	}
	typ, ok := typeByName(toks[1].s)
	if !ok {
		pan.Panic(xerrors.Errorf("line %d: bad constant type %q", n, toks[1].s))
	}

	switch typ {
	case TypeI8, TypeI16, TypeI32, TypeI64:
		c := pan.Must(strconv.ParseUint(t.s, 0, 64))
		return p.ir.AllocInt(int64(c), typ), 2
	case TypeF32:
		c := pan.Must(strconv.ParseFloat(t.s, 32))
		return p.ir.AllocF32(float32(c)), 2
	case TypeF64:
		c := pan.Must(strconv.ParseFloat(t.s, 64))
		return p.ir.AllocF64(c), 2
	default:
		pan.Panic(xerrors.Errorf("line %d: bad constant type %q", n, toks[1].s))
		return nil, 0
	}
}
