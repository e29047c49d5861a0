// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tvm implements a tiny deterministic register machine used as an emulated fuzzing target.
// Every branch (taken or not), call and return is reported as a control-flow transfer.
package tvm

import (
	"context"
	"fmt"
	"syscall"

	"github.com/emufuzz/emufuzz/pkg/emu"
)

const (
	maxCallDepth = 256
	// The run context is polled every ctxPollInsns instructions.
	ctxPollInsns = 1 << 12
)

type Machine struct {
	prog    *Program
	regs    [NumRegs]uint64
	eq, lt  bool
	pc      int
	stack   []int
	scratch []byte
	// global survives Restore, it models state the target persists itself.
	global     []byte
	input      []byte
	onTransfer func(from, to uint64)
}

var (
	_ emu.Machine    = (*Machine)(nil)
	_ emu.Symbolizer = (*Machine)(nil)
)

func NewMachine(prog *Program) *Machine {
	return &Machine{
		prog:       prog,
		pc:         prog.Entry,
		scratch:    make([]byte, prog.ScratchSize),
		global:     make([]byte, prog.GlobalSize),
		onTransfer: func(from, to uint64) {},
	}
}

func (m *Machine) Program() *Program {
	return m.prog
}

func (m *Machine) SetInput(data []byte) {
	m.input = data
}

func (m *Machine) OnTransfer(fn func(from, to uint64)) {
	if fn == nil {
		fn = func(from, to uint64) {}
	}
	m.onTransfer = fn
}

func (m *Machine) Symbol(pc uint64) (string, bool) {
	return m.prog.Symbol(pc)
}

// Reg returns the value of a register, for tests and tools.
func (m *Machine) Reg(r int) uint64 {
	return m.regs[r]
}

// Global returns the persistent global region.
func (m *Machine) Global() []byte {
	return m.global
}

type state struct {
	prog    *Program
	regs    [NumRegs]uint64
	eq, lt  bool
	pc      int
	stack   []int
	scratch []byte
}

func (m *Machine) Snapshot() (emu.State, error) {
	return &state{
		prog:    m.prog,
		regs:    m.regs,
		eq:      m.eq,
		lt:      m.lt,
		pc:      m.pc,
		stack:   append([]int(nil), m.stack...),
		scratch: append([]byte(nil), m.scratch...),
	}, nil
}

func (m *Machine) Restore(st emu.State) error {
	s, ok := st.(*state)
	if !ok || s.prog != m.prog {
		return fmt.Errorf("tvm: snapshot does not belong to this machine")
	}
	m.regs = s.regs
	m.eq, m.lt = s.eq, s.lt
	m.pc = s.pc
	m.stack = append(m.stack[:0], s.stack...)
	copy(m.scratch, s.scratch)
	return nil
}

func (m *Machine) Run(ctx context.Context, limit uint64) (emu.Stop, error) {
	var insns uint64
	fault := func(sig syscall.Signal, format string, args ...any) (emu.Stop, error) {
		return emu.Stop{
			Kind:   emu.Faulted,
			Signal: sig,
			PC:     m.prog.Addr(m.pc),
			Insns:  insns,
			Reason: fmt.Sprintf(format, args...),
		}, nil
	}
	for {
		if limit != 0 && insns >= limit {
			return emu.Stop{Kind: emu.LimitExceeded, PC: m.prog.Addr(m.pc), Insns: insns}, nil
		}
		if insns%ctxPollInsns == 0 && ctx.Err() != nil {
			return emu.Stop{Kind: emu.Interrupted, PC: m.prog.Addr(m.pc), Insns: insns}, nil
		}
		if m.pc < 0 || m.pc >= len(m.prog.insns) {
			return fault(syscall.SIGILL, "execution outside of program text")
		}
		in := &m.prog.insns[m.pc]
		insns++
		next := m.pc + 1
		switch in.op {
		case opNop:
		case opMov:
			m.regs[in.args[0].reg] = m.val(in.args[1])
		case opAdd:
			m.regs[in.args[0].reg] = m.regs[in.args[1].reg] + m.val(in.args[2])
		case opSub:
			m.regs[in.args[0].reg] = m.regs[in.args[1].reg] - m.val(in.args[2])
		case opDiv:
			d := m.val(in.args[2])
			if d == 0 {
				return fault(syscall.SIGFPE, "division by zero")
			}
			m.regs[in.args[0].reg] = m.regs[in.args[1].reg] / d
		case opLen:
			m.regs[in.args[0].reg] = uint64(len(m.input))
		case opLdb:
			idx := m.val(in.args[1])
			if idx >= uint64(len(m.input)) {
				return fault(syscall.SIGSEGV, "input read at %v out of bounds [0, %v)", idx, len(m.input))
			}
			m.regs[in.args[0].reg] = uint64(m.input[idx])
		case opLd:
			addr := m.val(in.args[1])
			p := m.mem(addr)
			if p == nil {
				return fault(syscall.SIGSEGV, "bad memory read at 0x%x", addr)
			}
			m.regs[in.args[0].reg] = uint64(*p)
		case opSt:
			addr := m.val(in.args[1])
			p := m.mem(addr)
			if p == nil {
				return fault(syscall.SIGSEGV, "bad memory write at 0x%x", addr)
			}
			*p = byte(m.val(in.args[0]))
		case opCmp:
			a, b := m.regs[in.args[0].reg], m.val(in.args[1])
			m.eq, m.lt = a == b, int64(a) < int64(b)
		case opJeq, opJne, opJlt, opJge:
			if m.cond(in.op) {
				next = in.target
			}
			m.transfer(next)
		case opJmp:
			next = in.target
			m.transfer(next)
		case opCall:
			if len(m.stack) >= maxCallDepth {
				return fault(syscall.SIGSEGV, "call stack overflow")
			}
			m.stack = append(m.stack, next)
			next = in.target
			m.transfer(next)
		case opRet:
			if len(m.stack) == 0 {
				return fault(syscall.SIGSEGV, "return with empty call stack")
			}
			next = m.stack[len(m.stack)-1]
			m.stack = m.stack[:len(m.stack)-1]
			m.transfer(next)
		case opTrap:
			return fault(syscall.SIGTRAP, "trap")
		case opExit:
			return emu.Stop{
				Kind:  emu.Exited,
				Code:  int(int64(m.val(in.args[0]))),
				PC:    m.prog.Addr(m.pc),
				Insns: insns,
			}, nil
		default:
			return emu.Stop{}, fmt.Errorf("tvm: corrupted instruction %v at line %v", in.op, in.line)
		}
		m.pc = next
	}
}

func (m *Machine) transfer(next int) {
	m.onTransfer(m.prog.Addr(m.pc), m.prog.Addr(next))
}

func (m *Machine) cond(op opcode) bool {
	switch op {
	case opJeq:
		return m.eq
	case opJne:
		return !m.eq
	case opJlt:
		return m.lt
	default:
		return !m.lt
	}
}

func (m *Machine) val(arg operand) uint64 {
	if arg.isImm {
		return uint64(arg.imm)
	}
	return m.regs[arg.reg]
}

// mem returns the byte at a guest data address, or nil for an unmapped address.
// Scratch memory is mapped at [0, ScratchSize), the global region at GlobalBase.
func (m *Machine) mem(addr uint64) *byte {
	switch {
	case addr < uint64(len(m.scratch)):
		return &m.scratch[addr]
	case addr >= GlobalBase && addr-GlobalBase < uint64(len(m.global)):
		return &m.global[addr-GlobalBase]
	}
	return nil
}
