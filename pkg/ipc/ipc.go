// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package ipc runs single test inputs against a target and observes the outcome and edge coverage.
// An Env owns one target instance, one coverage map and one bridge; executions on an Env are serialized.
package ipc

import (
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/emufuzz/emufuzz/pkg/addrfilter"
	"github.com/emufuzz/emufuzz/pkg/cover"
	"github.com/emufuzz/emufuzz/pkg/emu"
)

type Outcome int

const (
	Normal Outcome = iota
	Crash
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case Normal:
		return "normal"
	case Crash:
		return "crash"
	case Timeout:
		return "timeout"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// ExecutorFailure describes a target that violated the execution protocol
// (e.g. wrote a malformed coverage trace). It is reported in Result.BadTrace.
type ExecutorFailure string

func (err ExecutorFailure) Error() string {
	return string(err)
}

// EnvFailure means the execution environment itself is unusable.
// The Env must not be used after Exec returns an EnvFailure.
type EnvFailure struct {
	Pid int
	Err error
}

func (err *EnvFailure) Error() string {
	return fmt.Sprintf("env %v: %v", err.Pid, err.Err)
}

func (err *EnvFailure) Unwrap() error {
	return err.Err
}

func IsEnvFailure(err error) bool {
	var failure *EnvFailure
	return errors.As(err, &failure)
}

type InputMode string

const (
	InputStdin InputMode = "stdin"
	// InputFile writes the input to a file and substitutes "@@" in the target arguments with its path.
	InputFile InputMode = "file"
)

// Config is the configuration for Env.
// Exactly one of NewMachine (emulated target) and Bin (native process target) must be set.
type Config struct {
	NewMachine func() (emu.Machine, error)

	Bin   string
	Args  []string
	Env   []string
	Input InputMode
	// TraceEntries is the capacity of the transfer trace buffer of a process target.
	TraceEntries int

	CoverSize int
	Filter    *addrfilter.Filter

	// Timeout is the wall-clock budget of a single execution.
	Timeout time.Duration
	// InsnLimit is the instruction budget of a single emulated execution (0 means unlimited).
	InsnLimit uint64
}

type Result struct {
	Outcome  Outcome
	Signal   syscall.Signal // for Crash
	Code     int            // exit code for Normal
	PC       uint64         // faulting address, if known
	Title    string         // one-line crash description
	Duration time.Duration
	Insns    uint64
	Obs      cover.Observation
	Output   []byte
	// FaultHash identifies the fault site of a Crash (see Env.FaultSite), 0 otherwise.
	FaultHash uint64
	// BadTrace is set if the target corrupted its coverage trace; Obs is empty then.
	BadTrace error
}

type backend interface {
	exec(input []byte, bridge *cover.Bridge) (*Result, error)
	close() error
}

type Env struct {
	config  *Config
	pid     int
	bridge  *cover.Bridge
	backend backend
	broken  error

	// FaultSite holds the fault address of the last crash: the faulting pc if the backend
	// knows it, otherwise the destination of the last in-scope transfer before the crash.
	FaultSite *ValueObserver

	StatExecs     atomic.Uint64
	StatRestarts  atomic.Uint64
	StatBadTraces atomic.Uint64
}

const (
	DefaultTimeout      = time.Second
	DefaultTraceEntries = 1 << 16
)

func MakeEnv(config *Config, pid int) (*Env, error) {
	if (config.NewMachine == nil) == (config.Bin == "") {
		return nil, fmt.Errorf("exactly one of emulated machine and target binary must be configured")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("no address filter")
	}
	if config.Timeout <= 0 {
		return nil, fmt.Errorf("bad timeout %v", config.Timeout)
	}
	m, err := cover.NewMap(config.CoverSize)
	if err != nil {
		return nil, err
	}
	env := &Env{
		config:    config,
		pid:       pid,
		bridge:    cover.NewBridge(m, config.Filter),
		FaultSite: NewValueObserver("fault site"),
	}
	if config.NewMachine != nil {
		env.backend, err = makeEmuBackend(env)
	} else {
		env.backend, err = makeProcBackend(env)
	}
	if err != nil {
		return nil, &EnvFailure{Pid: pid, Err: err}
	}
	return env, nil
}

func (env *Env) Pid() int {
	return env.pid
}

func (env *Env) Close() error {
	return env.backend.close()
}

// Exec runs one input and returns exactly one Result.
// Crashes and timeouts are reported in the Result; an error is always an *EnvFailure.
func (env *Env) Exec(input []byte) (*Result, error) {
	if env.broken != nil {
		return nil, env.broken
	}
	env.StatExecs.Add(1)
	env.bridge.Reset()
	start := time.Now()
	res, err := env.backend.exec(input, env.bridge)
	if err != nil {
		env.broken = &EnvFailure{Pid: env.pid, Err: err}
		return nil, env.broken
	}
	res.Duration = time.Since(start)
	res.Obs = env.bridge.Map().Snapshot()
	if res.Outcome == Crash {
		site := res.PC
		if site == 0 {
			site = env.bridge.Last
		}
		env.FaultSite.Set(site)
		res.FaultHash = env.FaultSite.Hash()
	}
	return res, nil
}
