// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/emufuzz/emufuzz/pkg/cover"
	"github.com/emufuzz/emufuzz/pkg/osutil"
)

// procBackend runs every input in a fresh process of the target binary.
// The target reports control-flow transfers into a shared memory trace buffer passed as fd 3:
//
//	u64 count
//	u64 load bias
//	count x {u64 from, u64 to}
//
// EMF_TRACE_FD and EMF_TRACE_SIZE tell the target where the buffer is and how large it is (in bytes).
// All integers are little-endian. Transfers beyond the capacity must be dropped by the target.
// The load bias is the difference between run-time and link-time addresses of the target's
// main module (non-zero for position-independent executables); the backend subtracts it
// from every reported address, so address filters are expressed in link-time addresses,
// the way they are read from the ELF file.
type procBackend struct {
	env       *Env
	bin       string
	dir       string
	inputFile string
	traceFile *os.File
	trace     []byte
}

const (
	traceFD      = 3
	traceHdrSize = 16
	traceEntSize = 16
	maxOutput    = 1 << 20
	// Output written by descendants that outlive the target is collected for at most this long.
	outputGrace = 100 * time.Millisecond
)

func makeProcBackend(env *Env) (*procBackend, error) {
	cfg := env.config
	bin, err := filepath.Abs(cfg.Bin)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(bin); err != nil {
		return nil, fmt.Errorf("bad target binary: %w", err)
	}
	entries := cfg.TraceEntries
	if entries <= 0 {
		entries = DefaultTraceEntries
	}
	dir, err := os.MkdirTemp("", fmt.Sprintf("emf-env%v-", env.pid))
	if err != nil {
		return nil, err
	}
	traceFile, trace, err := osutil.CreateMemMappedFile(traceHdrSize + entries*traceEntSize)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &procBackend{
		env:       env,
		bin:       bin,
		dir:       dir,
		inputFile: filepath.Join(dir, "input"),
		traceFile: traceFile,
		trace:     trace,
	}, nil
}

func (b *procBackend) close() error {
	err := osutil.CloseMemMappedFile(b.traceFile, b.trace)
	os.RemoveAll(b.dir)
	return err
}

func (b *procBackend) exec(input []byte, bridge *cover.Bridge) (*Result, error) {
	cfg := b.env.config
	clear(b.trace[:traceHdrSize])
	if err := osutil.WriteFile(b.inputFile, input); err != nil {
		return nil, fmt.Errorf("failed to write input file: %w", err)
	}
	args := cfg.Args
	if cfg.Input == InputFile {
		args = make([]string, len(cfg.Args))
		for i, arg := range cfg.Args {
			args[i] = strings.ReplaceAll(arg, "@@", b.inputFile)
		}
	}
	cmd := osutil.Command(b.bin, args...)
	cmd.Dir = b.dir
	cmd.Env = append(append(os.Environ(), cfg.Env...),
		fmt.Sprintf("EMF_TRACE_FD=%v", traceFD),
		fmt.Sprintf("EMF_TRACE_SIZE=%v", len(b.trace)),
	)
	cmd.ExtraFiles = []*os.File{b.traceFile}
	// All standard streams are real files, so Wait returns as soon as the target exits
	// even if a descendant that escaped the process group keeps them open.
	if cfg.Input != InputFile {
		stdin, err := os.Open(b.inputFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open input file: %w", err)
		}
		defer stdin.Close()
		cmd.Stdin = stdin
	}
	rp, wp, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	defer rp.Close()
	cmd.Stdout = wp
	cmd.Stderr = wp
	b.env.StatRestarts.Add(1)
	if err := cmd.Start(); err != nil {
		wp.Close()
		return nil, fmt.Errorf("failed to start %v: %w", b.bin, err)
	}
	wp.Close()
	output := &limitedBuffer{max: maxOutput}
	outputDone := make(chan struct{})
	go func() {
		io.Copy(output, rp)
		close(outputDone)
	}()
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	hanged := false
	timer := time.NewTimer(cfg.Timeout)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C:
		hanged = true
		osutil.KillPgroup(cmd)
		<-done
	}
	rp.SetReadDeadline(time.Now().Add(outputGrace))
	<-outputDone
	res := &Result{Output: output.Bytes()}
	status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	switch {
	case hanged:
		res.Outcome = Timeout
	case ok && status.Signaled():
		res.Outcome = Crash
		res.Signal = status.Signal()
		res.Title = fmt.Sprintf("%v in %v", osutil.SignalName(res.Signal), filepath.Base(b.bin))
	default:
		res.Outcome = Normal
		res.Code = cmd.ProcessState.ExitCode()
	}
	if err := b.replayTrace(bridge); err != nil {
		// The target owns the trace buffer and may corrupt it like any other memory.
		// That spoils the coverage of this run only.
		bridge.Reset()
		res.BadTrace = err
		b.env.StatBadTraces.Add(1)
	}
	return res, nil
}

func (b *procBackend) replayTrace(bridge *cover.Bridge) error {
	count := binary.LittleEndian.Uint64(b.trace)
	bias := binary.LittleEndian.Uint64(b.trace[8:])
	capacity := uint64(len(b.trace)-traceHdrSize) / traceEntSize
	if count > capacity {
		return ExecutorFailure(fmt.Sprintf("target %v: trace count %v exceeds capacity %v",
			filepath.Base(b.bin), count, capacity))
	}
	data := b.trace[traceHdrSize:]
	for i := uint64(0); i < count; i++ {
		ent := data[i*traceEntSize:]
		bridge.Transfer(binary.LittleEndian.Uint64(ent)-bias, binary.LittleEndian.Uint64(ent[8:])-bias)
	}
	return nil
}

// limitedBuffer keeps the first max bytes of output and drops the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (w *limitedBuffer) Write(data []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		w.buf.Write(data[:min(room, len(data))])
	}
	return len(data), nil
}

func (w *limitedBuffer) Bytes() []byte {
	return w.buf.Bytes()
}
