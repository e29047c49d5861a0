// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzconfig loads and validates emf-fuzzer session configs.
package fuzzconfig

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/emufuzz/emufuzz/pkg/addrfilter"
	"github.com/emufuzz/emufuzz/pkg/config"
	"github.com/emufuzz/emufuzz/pkg/cover"
	"github.com/emufuzz/emufuzz/pkg/emu"
	"github.com/emufuzz/emufuzz/pkg/emu/tvm"
	"github.com/emufuzz/emufuzz/pkg/fuzzer"
	"github.com/emufuzz/emufuzz/pkg/ipc"
)

func LoadData(data []byte) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadData(data, cfg); err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFile(filename string) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadFile(filename, cfg); err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultValues() *Config {
	return &Config{
		Procs:           1,
		CoverSize:       cover.DefaultSize,
		Timeout:         Duration(ipc.DefaultTimeout),
		InsnLimit:       1e6,
		Seed:            -1,
		StageIterations: fuzzer.DefaultStageIterations,
		MaxInputSize:    fuzzer.DefaultMaxInputSize,
	}
}

func Complete(cfg *Config) error {
	if cfg.Workdir == "" {
		return fmt.Errorf("config param workdir is empty")
	}
	var err error
	if cfg.Workdir, err = filepath.Abs(cfg.Workdir); err != nil {
		return err
	}
	if cfg.Procs < 1 || cfg.Procs > 64 {
		return fmt.Errorf("bad config param procs: '%v', want [1, 64]", cfg.Procs)
	}
	if err := completeTarget(&cfg.Target); err != nil {
		return err
	}
	if cfg.CoverSize < cover.MinSize || cfg.CoverSize > cover.MaxSize || cfg.CoverSize&(cfg.CoverSize-1) != 0 {
		return fmt.Errorf("bad config param cover_size: %v, want a power of two in [%v, %v]",
			cfg.CoverSize, cover.MinSize, cover.MaxSize)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("bad config param timeout: %v", time.Duration(cfg.Timeout))
	}
	if cfg.Duration < 0 {
		return fmt.Errorf("bad config param duration: %v", time.Duration(cfg.Duration))
	}
	if len(cfg.Ranges) != 0 && len(cfg.InstrumentFuncs) != 0 {
		return fmt.Errorf("config params ranges and instrument_funcs can't be used together")
	}
	if _, err := addrfilter.Parse(cfg.Ranges); err != nil {
		return fmt.Errorf("bad config param ranges: %w", err)
	}
	if _, err := addrfilter.CompileRegexps(cfg.InstrumentFuncs); err != nil {
		return fmt.Errorf("bad config param instrument_funcs: %w", err)
	}
	if cfg.StageIterations < 1 {
		return fmt.Errorf("bad config param stage_iterations: %v", cfg.StageIterations)
	}
	if cfg.MaxInputSize < 1 {
		return fmt.Errorf("bad config param max_input_size: %v", cfg.MaxInputSize)
	}
	if cfg.Seeds != "" {
		if cfg.Seeds, err = filepath.Abs(cfg.Seeds); err != nil {
			return err
		}
	}
	return nil
}

func completeTarget(target *Target) error {
	if target.Path == "" {
		return fmt.Errorf("config param target.path is empty")
	}
	var err error
	if target.Path, err = filepath.Abs(target.Path); err != nil {
		return err
	}
	switch target.Type {
	case TargetTVM:
		if len(target.Args) != 0 || target.Input != "" {
			return fmt.Errorf("target.args and target.input are not supported for tvm targets")
		}
	case TargetExec:
		switch ipc.InputMode(target.Input) {
		case "":
			target.Input = string(ipc.InputStdin)
		case ipc.InputStdin, ipc.InputFile:
		default:
			return fmt.Errorf("config param target.input must be one of stdin/file")
		}
	default:
		return fmt.Errorf("config param target.type must be one of %v/%v", TargetTVM, TargetExec)
	}
	return nil
}

// ExecConfig prepares the execution environment config: loads the target and
// resolves the coverage address filter.
func (cfg *Config) ExecConfig() (*ipc.Config, error) {
	ret := &ipc.Config{
		CoverSize: cfg.CoverSize,
		Timeout:   time.Duration(cfg.Timeout),
	}
	var defaultRanges func() ([]addrfilter.Range, error)
	switch cfg.Target.Type {
	case TargetTVM:
		prog, err := tvm.LoadFile(cfg.Target.Path)
		if err != nil {
			return nil, err
		}
		ret.NewMachine = func() (emu.Machine, error) {
			return tvm.NewMachine(prog), nil
		}
		ret.InsnLimit = cfg.InsnLimit
		defaultRanges = func() ([]addrfilter.Range, error) {
			return tvmRanges(prog, cfg.InstrumentFuncs)
		}
	case TargetExec:
		ret.Bin = cfg.Target.Path
		ret.Args = cfg.Target.Args
		ret.Input = ipc.InputMode(cfg.Target.Input)
		defaultRanges = func() ([]addrfilter.Range, error) {
			return execRanges(cfg.Target.Path, cfg.InstrumentFuncs)
		}
	default:
		return nil, fmt.Errorf("unknown target type %q", cfg.Target.Type)
	}
	if len(cfg.Ranges) != 0 {
		filter, err := addrfilter.Parse(cfg.Ranges)
		if err != nil {
			return nil, err
		}
		ret.Filter = filter
		return ret, nil
	}
	ranges, err := defaultRanges()
	if err != nil {
		return nil, err
	}
	ret.Filter = addrfilter.New(ranges)
	return ret, nil
}

// execRanges returns link-time ranges. Process targets report their load bias in the trace
// header and ipc translates run-time addresses back, so the ranges hold for PIE binaries too.
func execRanges(bin string, instrumentFuncs []string) ([]addrfilter.Range, error) {
	if len(instrumentFuncs) == 0 {
		return addrfilter.ExecutableRanges(bin)
	}
	funcs, err := addrfilter.CompileRegexps(instrumentFuncs)
	if err != nil {
		return nil, err
	}
	return addrfilter.FuncRanges(bin, funcs)
}

func tvmRanges(prog *tvm.Program, instrumentFuncs []string) ([]addrfilter.Range, error) {
	if len(instrumentFuncs) == 0 {
		start, end := prog.Text()
		return []addrfilter.Range{{Start: start, End: end}}, nil
	}
	funcs, err := addrfilter.CompileRegexps(instrumentFuncs)
	if err != nil {
		return nil, err
	}
	used := make(map[int]bool)
	var ranges []addrfilter.Range
	for _, fn := range prog.Funcs() {
		for i, re := range funcs {
			if re.MatchString(fn.Name) {
				used[i] = true
				ranges = append(ranges, addrfilter.Range{Start: fn.Start, End: fn.End})
				break
			}
		}
	}
	for i, re := range funcs {
		if !used[i] {
			return nil, fmt.Errorf("function filter %q doesn't match anything", re)
		}
	}
	return ranges, nil
}

// FuzzerConfig fills in the parts of the fuzzer config that come from the session config.
func (cfg *Config) FuzzerConfig() *fuzzer.Config {
	return &fuzzer.Config{
		CoverSize:       cfg.CoverSize,
		Procs:           cfg.Procs,
		StageIterations: cfg.StageIterations,
		MaxInputSize:    cfg.MaxInputSize,
		MaxIterations:   cfg.MaxIterations,
		Duration:        time.Duration(cfg.Duration),
	}
}
