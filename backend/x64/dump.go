// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package x64

import (
	"fmt"
	"io"

	"github.com/bnagy/gapstone"
	"golang.org/x/xerrors"

	"github.com/driftvm/drift/ir"
)

// DumpCode disassembles emitted host code.
func (b *Backend) DumpCode(w io.Writer, addr ir.HostAddr, size int) error {
	off := int(addr - b.base)
	if off < 0 || off+size > len(b.buf) {
		return xerrors.Errorf("x64: dump range outside code buffer")
	}

	engine, err := gapstone.New(gapstone.CS_ARCH_X86, gapstone.CS_MODE_64)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.SetOption(gapstone.CS_OPT_SYNTAX, gapstone.CS_OPT_SYNTAX_ATT); err != nil {
		return err
	}

	insns, err := engine.Disasm(b.buf[off:off+size], uint64(addr), 0)
	if err != nil {
		return err
	}

	for i := range insns {
		insn := insns[i]
		fmt.Fprintf(w, "%#x\t%s\t%s\n", insn.Address, insn.Mnemonic, insn.OpStr)
	}

	return nil
}
