// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipc

import (
	"context"
	"fmt"

	"github.com/emufuzz/emufuzz/pkg/cover"
	"github.com/emufuzz/emufuzz/pkg/emu"
	"github.com/emufuzz/emufuzz/pkg/osutil"
)

// emuBackend runs inputs in-process on an emulated machine.
// The machine is restored to the snapshot taken at creation before every execution,
// so a crash or timeout never leaks state into the next run.
type emuBackend struct {
	env   *Env
	m     emu.Machine
	base  emu.State
	dirty bool
}

func makeEmuBackend(env *Env) (*emuBackend, error) {
	m, err := env.config.NewMachine()
	if err != nil {
		return nil, fmt.Errorf("failed to create machine: %w", err)
	}
	base, err := m.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot machine: %w", err)
	}
	m.OnTransfer(env.bridge.Transfer)
	return &emuBackend{
		env:  env,
		m:    m,
		base: base,
	}, nil
}

func (b *emuBackend) exec(input []byte, bridge *cover.Bridge) (*Result, error) {
	if err := b.m.Restore(b.base); err != nil {
		return nil, fmt.Errorf("failed to restore machine: %w", err)
	}
	if b.dirty {
		b.env.StatRestarts.Add(1)
		b.dirty = false
	}
	b.m.SetInput(input)
	ctx, cancel := context.WithTimeout(context.Background(), b.env.config.Timeout)
	stop, err := b.m.Run(ctx, b.env.config.InsnLimit)
	cancel()
	if err != nil {
		return nil, err
	}
	res := &Result{
		PC:    stop.PC,
		Insns: stop.Insns,
	}
	switch stop.Kind {
	case emu.Exited:
		res.Outcome = Normal
		res.Code = stop.Code
	case emu.Faulted:
		res.Outcome = Crash
		res.Signal = stop.Signal
		res.Title = b.title(stop)
		res.Output = []byte(stop.String() + "\n")
		b.dirty = true
	case emu.LimitExceeded, emu.Interrupted:
		res.Outcome = Timeout
		res.Output = []byte(stop.String() + "\n")
		b.dirty = true
	default:
		return nil, fmt.Errorf("unknown machine stop %v", stop.Kind)
	}
	return res, nil
}

func (b *emuBackend) title(stop emu.Stop) string {
	if sym, ok := b.m.(emu.Symbolizer); ok {
		if name, ok := sym.Symbol(stop.PC); ok {
			return fmt.Sprintf("%v in %v", osutil.SignalName(stop.Signal), name)
		}
	}
	return fmt.Sprintf("%v at 0x%x", osutil.SignalName(stop.Signal), stop.PC)
}

func (b *emuBackend) close() error {
	return nil
}
