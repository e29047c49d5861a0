// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package emu defines the capability an instruction-level execution backend provides to the fuzzer:
// running guest code on an input, reporting every control-flow transfer,
// and snapshotting state so that each execution starts from the same baseline.
package emu

import (
	"context"
	"fmt"
	"syscall"
)

type StopKind int

const (
	// Exited means the guest finished on its own, Stop.Code holds the exit code.
	Exited StopKind = iota
	// Faulted means the guest raised a fatal signal or trap.
	Faulted
	// LimitExceeded means the instruction budget of the run was exhausted.
	LimitExceeded
	// Interrupted means the run context was canceled.
	Interrupted
)

func (k StopKind) String() string {
	switch k {
	case Exited:
		return "exited"
	case Faulted:
		return "faulted"
	case LimitExceeded:
		return "limit exceeded"
	case Interrupted:
		return "interrupted"
	}
	return fmt.Sprintf("StopKind(%d)", int(k))
}

// Stop describes why Machine.Run returned.
type Stop struct {
	Kind   StopKind
	Code   int
	Signal syscall.Signal
	PC     uint64 // address of the instruction the machine stopped at
	Insns  uint64 // instructions executed during the run
	Reason string
}

func (s Stop) String() string {
	switch s.Kind {
	case Exited:
		return fmt.Sprintf("exited with code %v after %v insns", s.Code, s.Insns)
	case Faulted:
		return fmt.Sprintf("%v at 0x%x: %v", s.Signal, s.PC, s.Reason)
	}
	return fmt.Sprintf("%v at 0x%x after %v insns", s.Kind, s.PC, s.Insns)
}

// State is an opaque machine snapshot.
type State interface{}

type Machine interface {
	// SetInput makes data available to the guest on the next Run.
	SetInput(data []byte)
	// Run executes the guest until it stops. A limit of 0 means no instruction limit.
	// A non-nil error means the machine itself is broken and must not be used further.
	Run(ctx context.Context, limit uint64) (Stop, error)
	Snapshot() (State, error)
	Restore(State) error
	// OnTransfer installs a callback invoked for every executed control-flow transfer.
	OnTransfer(fn func(from, to uint64))
}

// Symbolizer is optionally implemented by machines that know guest symbols.
type Symbolizer interface {
	Symbol(pc uint64) (string, bool)
}
