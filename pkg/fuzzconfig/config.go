// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzconfig

import (
	"encoding/json"
	"fmt"
	"time"
)

type Config struct {
	// Session name (used for identification in logs and on the status page).
	Name string `json:"name"`
	// Location of a working directory for the emf-fuzzer process. Outputs here include:
	// - <workdir>/crashes/*: crash archive
	// - <workdir>/corpus.db: corpus with interesting inputs
	// - <workdir>/checkpoint.xz: session checkpoint
	Workdir string `json:"workdir"`
	// Address to serve the status page on (e.g. "localhost:56741"), optional.
	HTTP string `json:"http,omitempty"`
	// Number of parallel executors, 1 by default.
	Procs int `json:"procs"`

	Target Target `json:"target"`

	// Number of coverage map slots, power of two.
	CoverSize int `json:"cover_size"`
	// Wall clock budget of a single execution.
	Timeout Duration `json:"timeout"`
	// Instruction budget of a single execution of an emulated target, 0 means unlimited.
	InsnLimit uint64 `json:"insn_limit"`
	// Address ranges to measure coverage in, e.g. "0x400000-0x401000" or "0x400000+0x1000".
	// By default all executable code of the target is measured.
	Ranges []string `json:"ranges,omitempty"`
	// Regexps over (demangled) function names to measure coverage in.
	// Can't be combined with ranges.
	InstrumentFuncs []string `json:"instrument_funcs,omitempty"`

	// Budgets, 0 means unlimited.
	MaxIterations uint64   `json:"max_iterations,omitempty"`
	Duration      Duration `json:"duration,omitempty"`

	// Random seed, -1 means time based.
	Seed int64 `json:"seed"`
	// Number of mutations derived from a corpus input once it's scheduled.
	StageIterations int `json:"stage_iterations"`
	MaxInputSize    int `json:"max_input_size"`
	// Directory with seed inputs, one input per file.
	Seeds string `json:"seeds,omitempty"`
	// Save the session checkpoint on pause and stop, and resume from it on start.
	Checkpoint bool `json:"checkpoint,omitempty"`
	// Number of inputs saved per crash title.
	MaxCrashLogs int `json:"max_crash_logs,omitempty"`
}

type Target struct {
	// "tvm" (emulated program in tvm assembly) or "exec" (native executable).
	Type string `json:"type"`
	// Program file.
	Path string `json:"path"`
	// Command line arguments of an exec target, "@@" is replaced with the input file name.
	Args []string `json:"args,omitempty"`
	// How an exec target receives the input: "stdin" (default) or "file".
	Input string `json:"input,omitempty"`
}

const (
	TargetTVM  = "tvm"
	TargetExec = "exec"
)

// Duration is a time.Duration that is written as "1m30s" in configs.
// A bare number is interpreted as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("bad duration %s", data)
	}
	v, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", str, err)
	}
	*d = Duration(v)
	return nil
}
