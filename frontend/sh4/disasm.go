// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sh4

import (
	"fmt"
	"strings"
)

type op int

const (
	opInvalid op = iota
	opNOP
	opMOV
	opMOVI
	opMOVBL
	opMOVWL
	opMOVLL
	opMOVBS
	opMOVWS
	opMOVLS
	opADD
	opADDI
	opSUB
	opAND
	opOR
	opXOR
	opNOT
	opTST
	opCMPEQ
	opCMPEQI
	opCMPGE
	opCMPGT
	opCMPHI
	opCMPHS
	opSHLL
	opSHLR
	opSHAR
	opSHLL2
	opSHLL8
	opSHLL16
	opSHLR2
	opSHLR8
	opSHLR16
	opBF
	opBFS
	opBT
	opBTS
	opBRA
	opBRAF
	opBSR
	opBSRF
	opJMP
	opJSR
	opRTS
	opRTE
	opTRAPA
	opLDCSR
	opLDSFPSCR
)

const (
	flagDelayed = 1 << iota
	flagBranch
	flagSetSR
	flagSetFPSCR
)

type desc struct {
	op     op
	sig    string
	format string
	cycles int
	flags  int
}

// the signature strings use the manual's field conventions: n and m are
// register numbers, d a displacement, i an immediate
var descs = []desc{
	{opNOP, "0000000000001001", "nop", 1, 0},
	{opMOV, "0110nnnnmmmm0011", "mov r%[2]d, r%[1]d", 1, 0},
	{opMOVI, "1110nnnniiiiiiii", "mov #%[3]d, r%[1]d", 1, 0},
	{opMOVBL, "0110nnnnmmmm0000", "mov.b @r%[2]d, r%[1]d", 1, 0},
	{opMOVWL, "0110nnnnmmmm0001", "mov.w @r%[2]d, r%[1]d", 1, 0},
	{opMOVLL, "0110nnnnmmmm0010", "mov.l @r%[2]d, r%[1]d", 1, 0},
	{opMOVBS, "0010nnnnmmmm0000", "mov.b r%[2]d, @r%[1]d", 1, 0},
	{opMOVWS, "0010nnnnmmmm0001", "mov.w r%[2]d, @r%[1]d", 1, 0},
	{opMOVLS, "0010nnnnmmmm0010", "mov.l r%[2]d, @r%[1]d", 1, 0},
	{opADD, "0011nnnnmmmm1100", "add r%[2]d, r%[1]d", 1, 0},
	{opADDI, "0111nnnniiiiiiii", "add #%[3]d, r%[1]d", 1, 0},
	{opSUB, "0011nnnnmmmm1000", "sub r%[2]d, r%[1]d", 1, 0},
	{opAND, "0010nnnnmmmm1001", "and r%[2]d, r%[1]d", 1, 0},
	{opOR, "0010nnnnmmmm1011", "or r%[2]d, r%[1]d", 1, 0},
	{opXOR, "0010nnnnmmmm1010", "xor r%[2]d, r%[1]d", 1, 0},
	{opNOT, "0110nnnnmmmm0111", "not r%[2]d, r%[1]d", 1, 0},
	{opTST, "0010nnnnmmmm1000", "tst r%[2]d, r%[1]d", 1, 0},
	{opCMPEQ, "0011nnnnmmmm0000", "cmp/eq r%[2]d, r%[1]d", 1, 0},
	{opCMPEQI, "10001000iiiiiiii", "cmp/eq #%[3]d, r0", 1, 0},
	{opCMPGE, "0011nnnnmmmm0011", "cmp/ge r%[2]d, r%[1]d", 1, 0},
	{opCMPGT, "0011nnnnmmmm0111", "cmp/gt r%[2]d, r%[1]d", 1, 0},
	{opCMPHI, "0011nnnnmmmm0110", "cmp/hi r%[2]d, r%[1]d", 1, 0},
	{opCMPHS, "0011nnnnmmmm0010", "cmp/hs r%[2]d, r%[1]d", 1, 0},
	{opSHLL, "0100nnnn00000000", "shll r%[1]d", 1, 0},
	{opSHLR, "0100nnnn00000001", "shlr r%[1]d", 1, 0},
	{opSHAR, "0100nnnn00100001", "shar r%[1]d", 1, 0},
	{opSHLL2, "0100nnnn00001000", "shll2 r%[1]d", 1, 0},
	{opSHLL8, "0100nnnn00011000", "shll8 r%[1]d", 1, 0},
	{opSHLL16, "0100nnnn00101000", "shll16 r%[1]d", 1, 0},
	{opSHLR2, "0100nnnn00001001", "shlr2 r%[1]d", 1, 0},
	{opSHLR8, "0100nnnn00011001", "shlr8 r%[1]d", 1, 0},
	{opSHLR16, "0100nnnn00101001", "shlr16 r%[1]d", 1, 0},
	{opBF, "10001011dddddddd", "bf 0x%[4]x", 1, flagBranch},
	{opBFS, "10001111dddddddd", "bf/s 0x%[4]x", 1, flagBranch | flagDelayed},
	{opBT, "10001001dddddddd", "bt 0x%[4]x", 1, flagBranch},
	{opBTS, "10001101dddddddd", "bt/s 0x%[4]x", 1, flagBranch | flagDelayed},
	{opBRA, "1010dddddddddddd", "bra 0x%[4]x", 1, flagBranch | flagDelayed},
	{opBRAF, "0000nnnn00100011", "braf r%[1]d", 2, flagBranch | flagDelayed},
	{opBSR, "1011dddddddddddd", "bsr 0x%[4]x", 1, flagBranch | flagDelayed},
	{opBSRF, "0000nnnn00000011", "bsrf r%[1]d", 2, flagBranch | flagDelayed},
	{opJMP, "0100nnnn00101011", "jmp @r%[1]d", 2, flagBranch | flagDelayed},
	{opJSR, "0100nnnn00001011", "jsr @r%[1]d", 2, flagBranch | flagDelayed},
	{opRTS, "0000000000001011", "rts", 2, flagBranch | flagDelayed},
	{opRTE, "0000000000101011", "rte", 5, flagBranch | flagDelayed | flagSetSR},
	{opTRAPA, "11000011iiiiiiii", "trapa #%[3]d", 7, flagBranch},
	{opLDCSR, "0100nnnn00001110", "ldc r%[1]d, sr", 4, flagSetSR},
	{opLDSFPSCR, "0100nnnn01101010", "lds r%[1]d, fpscr", 1, flagSetFPSCR},
}

type entry struct {
	desc    *desc
	mask    uint16
	pattern uint16
}

var table []entry

func init() {
	for i := range descs {
		d := &descs[i]
		var mask, pattern uint16
		for _, c := range d.sig {
			mask <<= 1
			pattern <<= 1
			switch c {
			case '0':
				mask |= 1
			case '1':
				mask |= 1
				pattern |= 1
			}
		}
		table = append(table, entry{desc: d, mask: mask, pattern: pattern})
	}
}

type instr struct {
	addr   uint32
	opcode uint16

	desc *desc

	// fields extracted per the manual's conventions
	rn   int
	rm   int
	disp uint32
	imm  int32
}

// disasm decodes one opcode.  Returns false for invalid encodings.
func (i *instr) disasm() bool {
	for _, e := range table {
		if i.opcode&e.mask == e.pattern {
			i.desc = e.desc
			i.rn = int(i.opcode>>8) & 0xf
			i.rm = int(i.opcode>>4) & 0xf
			i.disp = uint32(i.opcode) & 0xfff
			i.imm = int32(int8(i.opcode))
			return true
		}
	}
	return false
}

func (i *instr) op() op {
	return i.desc.op
}

func (i *instr) flags() int {
	return i.desc.flags
}

func (i *instr) cycles() int {
	return i.desc.cycles
}

// disp8Target resolves an 8-bit branch displacement.
func (i *instr) disp8Target() uint32 {
	return uint32(int32(int8(i.opcode))*2) + i.addr + 4
}

// disp12Target resolves a sign-extended 12-bit branch displacement.
func (i *instr) disp12Target() uint32 {
	d := int32(i.disp<<20) >> 20
	return uint32(d*2) + i.addr + 4
}

func (i *instr) format() string {
	if i.desc == nil {
		return fmt.Sprintf("0x%08x .word 0x%04x", i.addr, i.opcode)
	}

	text := i.desc.format
	if strings.ContainsRune(text, '%') {
		text = fmt.Sprintf(text, i.rn, i.rm, i.imm, i.branchTarget())
	}
	return fmt.Sprintf("0x%08x %s", i.addr, text)
}

func (i *instr) branchTarget() uint32 {
	if i.desc == nil || i.desc.flags&flagBranch == 0 {
		return 0
	}
	switch i.desc.op {
	case opBRA, opBSR:
		return i.disp12Target()
	case opBF, opBFS, opBT, opBTS:
		return i.disp8Target()
	}
	return 0
}
