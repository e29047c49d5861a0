// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/emufuzz/emufuzz/pkg/addrfilter"
	"github.com/emufuzz/emufuzz/pkg/emu"
	"github.com/emufuzz/emufuzz/pkg/emu/tvm"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProgram = `
; "AB" crashes, "HANG" loops forever, everything else exits with the first byte.
main:
	len r1
	cmpi r1, 0
	jeq empty
	ldb r2, 0
	cmpi r2, 'A'
	jne check_hang
	cmpi r1, 2
	jlt out
	ldb r3, 1
	cmpi r3, 'B'
	jne out
	trap
check_hang:
	cmpi r2, 'H'
	jne out
loop:
	jmp loop
out:
	exit r2
empty:
	exit 0
`

func tvmConfig(t *testing.T) *Config {
	prog, err := tvm.Assemble(testProgram)
	require.NoError(t, err)
	start, end := prog.Text()
	return &Config{
		NewMachine: func() (emu.Machine, error) { return tvm.NewMachine(prog), nil },
		CoverSize:  1 << 10,
		Filter:     addrfilter.New([]addrfilter.Range{{Start: start, End: end}}),
		Timeout:    10 * time.Second,
		InsnLimit:  10000,
	}
}

func makeEnv(t *testing.T, cfg *Config) *Env {
	env, err := MakeEnv(cfg, 0)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

func TestEmuOutcomes(t *testing.T) {
	env := makeEnv(t, tvmConfig(t))
	tests := []struct {
		input   string
		outcome Outcome
		code    int
		title   string
	}{
		{"", Normal, 0, ""},
		{"x", Normal, 'x', ""},
		{"AB", Crash, 0, "SIGTRAP in main+0x2c"},
		{"AC", Normal, 'A', ""},
		{"HANG", Timeout, 0, ""},
		{"A", Normal, 'A', ""},
	}
	for _, test := range tests {
		res, err := env.Exec([]byte(test.input))
		require.NoError(t, err)
		assert.Equal(t, test.outcome, res.Outcome, "input %q", test.input)
		assert.Equal(t, test.code, res.Code, "input %q", test.input)
		assert.Equal(t, test.title, res.Title, "input %q", test.input)
		assert.False(t, res.Obs.Empty(), "input %q", test.input)
	}
	assert.Equal(t, uint64(len(tests)), env.StatExecs.Load())
	// Restores after the crash and after the timeout.
	assert.Equal(t, uint64(2), env.StatRestarts.Load())
}

func TestEmuTimeoutThenNormal(t *testing.T) {
	env := makeEnv(t, tvmConfig(t))
	before, err := env.Exec([]byte("xyz"))
	require.NoError(t, err)
	res, err := env.Exec([]byte("HANG"))
	require.NoError(t, err)
	assert.Equal(t, Timeout, res.Outcome)
	after, err := env.Exec([]byte("xyz"))
	require.NoError(t, err)
	assert.Equal(t, Normal, after.Outcome)
	if diff := cmp.Diff(before.Obs, after.Obs); diff != "" {
		t.Fatalf("observation changed after a timeout (-before +after):\n%s", diff)
	}
}

func TestEmuWallClockTimeout(t *testing.T) {
	cfg := tvmConfig(t)
	cfg.InsnLimit = 0
	cfg.Timeout = 50 * time.Millisecond
	env := makeEnv(t, cfg)
	start := time.Now()
	res, err := env.Exec([]byte("HANG"))
	require.NoError(t, err)
	assert.Equal(t, Timeout, res.Outcome)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestEmuDeterministic(t *testing.T) {
	env := makeEnv(t, tvmConfig(t))
	for _, input := range []string{"", "A", "AB", "AC", "zzz"} {
		res1, err := env.Exec([]byte(input))
		require.NoError(t, err)
		res2, err := env.Exec([]byte(input))
		require.NoError(t, err)
		assert.Equal(t, res1.Obs, res2.Obs, "input %q", input)
		assert.Equal(t, res1.Obs.Hash(), res2.Obs.Hash())
	}
}

func TestEmuEmptyFilter(t *testing.T) {
	cfg := tvmConfig(t)
	cfg.Filter = addrfilter.New(nil)
	env := makeEnv(t, cfg)
	res, err := env.Exec([]byte("AC"))
	require.NoError(t, err)
	assert.Equal(t, Normal, res.Outcome)
	assert.True(t, res.Obs.Empty())
}

type brokenMachine struct {
	emu.Machine
	failRun     bool
	failRestore bool
}

func (m *brokenMachine) Run(ctx context.Context, limit uint64) (emu.Stop, error) {
	if m.failRun {
		return emu.Stop{}, errors.New("cpu on fire")
	}
	return m.Machine.Run(ctx, limit)
}

func (m *brokenMachine) Restore(st emu.State) error {
	if m.failRestore {
		return errors.New("lost snapshot")
	}
	return m.Machine.Restore(st)
}

func TestEnvFailure(t *testing.T) {
	for _, broken := range []brokenMachine{{failRun: true}, {failRestore: true}} {
		cfg := tvmConfig(t)
		newMachine := cfg.NewMachine
		cfg.NewMachine = func() (emu.Machine, error) {
			m, err := newMachine()
			return &brokenMachine{Machine: m, failRun: broken.failRun, failRestore: broken.failRestore}, err
		}
		env := makeEnv(t, cfg)
		_, err := env.Exec([]byte("x"))
		require.Error(t, err)
		assert.True(t, IsEnvFailure(err))
		// The env stays broken.
		_, err2 := env.Exec([]byte("x"))
		assert.Equal(t, err, err2)
	}

	cfg := tvmConfig(t)
	cfg.NewMachine = func() (emu.Machine, error) { return nil, errors.New("no machine") }
	_, err := MakeEnv(cfg, 3)
	require.Error(t, err)
	assert.True(t, IsEnvFailure(err))
	assert.Contains(t, err.Error(), "env 3")
}

func TestMakeEnvConfigErrors(t *testing.T) {
	for i, mutate := range []func(cfg *Config){
		func(cfg *Config) { cfg.CoverSize = 1000 },
		func(cfg *Config) { cfg.Filter = nil },
		func(cfg *Config) { cfg.Timeout = 0 },
		func(cfg *Config) { cfg.Bin = "/bin/true" },
		func(cfg *Config) { cfg.NewMachine = nil },
	} {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			cfg := tvmConfig(t)
			mutate(cfg)
			_, err := MakeEnv(cfg, 0)
			assert.Error(t, err)
			assert.False(t, IsEnvFailure(err))
		})
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "crash", Crash.String())
	assert.Equal(t, "timeout", Timeout.String())
	assert.Equal(t, "Outcome(7)", Outcome(7).String())
}

func TestLimitedBuffer(t *testing.T) {
	w := &limitedBuffer{max: 4}
	n, err := w.Write([]byte("abc"))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	w.Write([]byte("def"))
	assert.Equal(t, "abcd", string(w.Bytes()))
}

func TestValueObserver(t *testing.T) {
	obs := NewValueObserver("exit code")
	assert.Equal(t, "exit code", obs.Name())
	_, ok := obs.Value()
	assert.False(t, ok)
	assert.Zero(t, obs.Hash())

	obs.Set(0)
	v, ok := obs.Value()
	assert.True(t, ok)
	assert.Zero(t, v)
	zero := obs.Hash()
	assert.NotZero(t, zero)

	obs.Set(0x400080)
	h := obs.Hash()
	assert.NotEqual(t, zero, h)
	assert.Equal(t, h, obs.Hash())

	other := NewValueObserver("pc")
	other.Set(0x400080)
	assert.Equal(t, h, other.Hash())
}

func TestEmuFaultSite(t *testing.T) {
	env := makeEnv(t, tvmConfig(t))
	res, err := env.Exec([]byte("AB"))
	require.NoError(t, err)
	require.Equal(t, Crash, res.Outcome)
	site, ok := env.FaultSite.Value()
	require.True(t, ok)
	assert.Equal(t, res.PC, site)
	assert.NotZero(t, res.FaultHash)

	res1, err := env.Exec([]byte("x"))
	require.NoError(t, err)
	assert.Zero(t, res1.FaultHash)

	res2, err := env.Exec([]byte("AB"))
	require.NoError(t, err)
	assert.Equal(t, res.FaultHash, res2.FaultHash)
}
