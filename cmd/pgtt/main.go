// pgtt — AArch64 stage-1 translation table generator
// https://github.com/usbarmory/pgtt
//
// Copyright (c) The pgtt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// The pgtt command reads a memory-map document and generates a binary
// image of the populated AArch64 stage-1 translation tables plus an
// assembly source file that programs them at runtime.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/usbarmory/pgtt/arm64"
	"github.com/usbarmory/pgtt/emit"
	"github.com/usbarmory/pgtt/internal/config"
)

type logLevelFlag struct {
	logrus.Level
}

func (f *logLevelFlag) Type() string { return "loglevel" }
func (f *logLevelFlag) Set(s string) error {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return err
	}
	f.Level = lvl
	return nil
}

var _ pflag.Value = (*logLevelFlag)(nil)

func main() {
	var (
		configPath string
		binOut     string
		asmOut     string
		tableIdx   int
		all        bool
		descMode   string
		maxTables  int
	)
	level := logLevelFlag{Level: logrus.InfoLevel}

	root := &cobra.Command{
		Use:   "pgtt",
		Short: "Generate AArch64 stage-1 translation tables from a memory-map document",

		SilenceErrors: true,
		SilenceUsage:  true,

		RunE: func(cmd *cobra.Command, args []string) error {
			logrus.SetLevel(level.Level)
			return run(configPath, binOut, asmOut, tableIdx, all, descMode, maxTables)
		},
	}

	flags := root.Flags()
	flags.StringVar(&configPath, "config", "", "memory-map document (`required`)")
	flags.StringVar(&binOut, "bin-out", "pagetables.bin", "binary image output path")
	flags.StringVar(&asmOut, "asm-out", "pagetables.S", "assembly source output path")
	flags.IntVar(&tableIdx, "table", 0, "index into the document's \"pagetables\" array")
	flags.BoolVar(&all, "all", false, "generate every \"pagetables\" entry, suffixing outputs with its index")
	flags.StringVar(&descMode, "descriptor-mode", "architectural", "PXN/XN derivation: \"architectural\" or \"faithful\" (see DESIGN.md)")
	flags.IntVar(&maxTables, "max-tables", 0, "abort once more than this many tables are allocated (0: default limit)")
	root.PersistentFlags().Var(&level, "verbosity", "log level: error, warn, info, debug, trace")

	if err := root.MarkFlagRequired("config"); err != nil {
		panic(err)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pgtt: error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, binOut, asmOut string, tableIdx int, all bool, descModeStr string, maxTables int) error {
	mode, err := parseDescriptorMode(descModeStr)
	if err != nil {
		return err
	}

	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", configPath, err)
	}
	defer f.Close()

	pts, err := config.Load(f)
	if err != nil {
		return err
	}
	if len(pts) == 0 {
		return fmt.Errorf("%s: no \"pagetables\" entries", configPath)
	}

	indices := []int{tableIdx}
	if all {
		indices = make([]int, len(pts))
		for i := range pts {
			indices[i] = i
		}
	}

	for _, i := range indices {
		if i < 0 || i >= len(pts) {
			return fmt.Errorf("pagetables[%d]: out of range (document has %d entries)", i, len(pts))
		}
		bin, asm := binOut, asmOut
		if all && i > 0 {
			bin = fmt.Sprintf("%s.%d", binOut, i)
			asm = fmt.Sprintf("%s.%d", asmOut, i)
		}
		if err := generateOne(pts[i], mode, maxTables, bin, asm); err != nil {
			return fmt.Errorf("pagetables[%d]: %w", i, err)
		}
	}
	return nil
}

func generateOne(pt *config.PageTable, mode arm64.DescriptorMode, maxTables int, binOut, asmOut string) error {
	mmuConf, err := arm64.NewMMUConfig(pt.EL, pt.Granule, pt.TSZ, pt.LargePage, mode)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"el": pt.EL, "granule": pt.Granule, "tsz": pt.TSZ, "regions": len(pt.Regions),
	}).Info("generating translation tables")

	_, alloc, err := arm64.Generate(mmuConf, pt.TTBR, maxTables, pt.Regions)
	if err != nil {
		return err
	}

	logrus.WithField("tables", len(alloc.Allocated())).Info("allocation complete")

	binFile, err := os.Create(binOut)
	if err != nil {
		return err
	}
	defer binFile.Close()
	if err := emit.Binary(binFile, mmuConf, alloc); err != nil {
		return fmt.Errorf("writing %s: %w", binOut, err)
	}

	asmFile, err := os.Create(asmOut)
	if err != nil {
		return err
	}
	defer asmFile.Close()
	if err := emit.Assembly(asmFile, mmuConf, pt.TTBR, pt.GenTableRuntime, alloc); err != nil {
		return fmt.Errorf("writing %s: %w", asmOut, err)
	}

	return nil
}

func parseDescriptorMode(s string) (arm64.DescriptorMode, error) {
	switch s {
	case "architectural", "":
		return arm64.DescriptorModeArchitectural, nil
	case "faithful":
		return arm64.DescriptorModeFaithful, nil
	default:
		return 0, fmt.Errorf("invalid --descriptor-mode %q, want \"architectural\" or \"faithful\"", s)
	}
}
