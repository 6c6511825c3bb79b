// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// recc is the standalone pass driver: it reads textual IR, runs a
// configurable pass pipeline over it, assembles the result with the x64
// backend and disassembles the output.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/driftvm/drift/backend/x64"
	"github.com/driftvm/drift/ir"
	"github.com/driftvm/drift/jit"
	"github.com/driftvm/drift/passes"
)

const defaultPasses = "cfa,lse,cprop,esimp,dce,ra"

type config struct {
	Passes string `yaml:"passes"`
	Quiet  bool   `yaml:"quiet"`
}

var (
	flagPasses string
	flagQuiet  bool
	flagConfig string

	instrsTotal   int
	instrsRemoved int
)

func main() {
	cmd := &cobra.Command{
		Use:   "recc <path>",
		Short: "run the optimization pipeline over dumped ir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&flagPasses, "pass", defaultPasses, "comma-separated list of passes to run")
	cmd.Flags().BoolVar(&flagQuiet, "quiet", false, "suppress per-pass ir listings")
	cmd.Flags().StringVar(&flagConfig, "config", "", "yaml config file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(path string) error {
	if flagConfig != "" {
		data, err := os.ReadFile(flagConfig)
		if err != nil {
			return errors.Wrap(err, "read config")
		}
		var cfg config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return errors.Wrap(err, "parse config")
		}
		if cfg.Passes != "" {
			flagPasses = cfg.Passes
		}
		if cfg.Quiet {
			flagQuiet = true
		}
	}

	backend := x64.New(make([]byte, x64.DefaultCodeSize), 4096, x64.Runtime{})

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		if err := processFile(backend, path, flagQuiet); err != nil {
			return err
		}
	} else {
		entries, err := os.ReadDir(path)
		if err != nil {
			return errors.Wrap(err, "read directory")
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := filepath.Join(path, e.Name())
			fmt.Printf("processing %s\n", name)
			if err := processFile(backend, name, true); err != nil {
				return errors.Wrapf(err, "process %s", name)
			}
		}
	}

	fmt.Printf("\n%d ir instructions, %d removed\n", instrsTotal, instrsRemoved)
	return nil
}

func processFile(backend *x64.Backend, path string, quiet bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	x := ir.New(ir.DefaultCapacity)
	err = ir.Read(f, x)
	f.Close()
	if err != nil {
		return errors.Wrap(err, "read ir")
	}

	sanitize(x, backend)

	before := numInstrs(x)

	for _, name := range strings.Split(flagPasses, ",") {
		switch name {
		case "cfa":
			passes.NewCFA().Run(x)
		case "lse":
			passes.NewLSE().Run(x)
		case "cprop":
			passes.NewCPROP().Run(x)
		case "esimp":
			passes.NewESIMP().Run(x)
		case "dce":
			passes.NewDCE().Run(x)
		case "ra":
			passes.NewRA(backend.Registers()).Run(x)
		default:
			fmt.Fprintf(os.Stderr, "unknown pass %s\n", name)
			continue
		}

		if !quiet {
			fmt.Printf("===-----------------------------------------------------===\n")
			fmt.Printf("IR after %s\n", name)
			fmt.Printf("===-----------------------------------------------------===\n")
			if err := ir.Write(os.Stdout, x); err != nil {
				return err
			}
			fmt.Println()
		}
	}

	after := numInstrs(x)

	backend.Reset()
	code := &jit.Code{}
	if !backend.AssembleCode(code, x) {
		return errors.New("backend overflow")
	}

	if !quiet {
		fmt.Printf("===-----------------------------------------------------===\n")
		fmt.Printf("x64 code\n")
		fmt.Printf("===-----------------------------------------------------===\n")
		if err := backend.DumpCode(os.Stdout, code.HostAddr, code.HostSize); err != nil {
			return err
		}
		fmt.Println()
	}

	instrsTotal += before
	instrsRemoved += before - after
	return nil
}

// sanitize clamps absolute branch and call targets in dumped ir to fall
// within reach of the code buffer.
func sanitize(x *ir.IR, backend *x64.Backend) {
	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			argIndex := -1

			switch instr.Op {
			case ir.OpBranch, ir.OpCall, ir.OpCallNoreturn, ir.OpCallFallback:
				argIndex = 0
			case ir.OpBranchFalse, ir.OpBranchTrue, ir.OpCallCond:
				argIndex = 1
			}

			if argIndex < 0 {
				continue
			}

			arg := instr.Args[argIndex]
			if arg != nil && arg.Type == ir.TypeI64 && arg.IsConstant() {
				addr := uint64(backend.EnterThunk()) | uint64(arg.I64)&0x7fffffff
				x.SetArg(instr, argIndex, x.AllocI64(int64(addr)))
			}
		}
	}
}

func numInstrs(x *ir.IR) int {
	n := 0
	for block := x.Blocks(); block != nil; block = block.Next() {
		for instr := block.Instrs(); instr != nil; instr = instr.Next() {
			n++
		}
	}
	return n
}
