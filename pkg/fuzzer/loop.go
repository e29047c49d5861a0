// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emufuzz/emufuzz/pkg/fuzzer/queue"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	Idle State = iota
	Running
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type StopReason int

const (
	NotStopped StopReason = iota
	StopRequested
	StopContext
	StopIterations
	StopDuration
	StopEnvFailure
)

func (r StopReason) String() string {
	switch r {
	case NotStopped:
		return "not stopped"
	case StopRequested:
		return "stop requested"
	case StopContext:
		return "context canceled"
	case StopIterations:
		return "iteration budget exhausted"
	case StopDuration:
		return "time budget exhausted"
	case StopEnvFailure:
		return "execution environment failure"
	}
	return fmt.Sprintf("StopReason(%d)", int(r))
}

var ErrBadState = errors.New("bad fuzzer state")

// loop is the fuzzing loop state machine:
// Idle -> Running <-> Paused, Running/Paused -> Stopped.
type loop struct {
	stateMu   sync.Mutex
	stateCond *sync.Cond
	state     State
	reason    StopReason
	err       error
	// Number of workers that are between picking a request and finishing its evaluation.
	active int

	loopCtx    context.Context
	loopCancel context.CancelFunc
	iterations atomic.Uint64
	jobs       sync.WaitGroup
	done       chan struct{}
}

func (l *loop) init() {
	l.stateCond = sync.NewCond(&l.stateMu)
	l.loopCtx, l.loopCancel = context.WithCancel(context.Background())
	l.done = make(chan struct{})
}

func (fuzzer *Fuzzer) ctx() context.Context {
	return fuzzer.loopCtx
}

// Start creates the executors and starts the workers.
// Failure to create an executor is fatal, the fuzzer transitions to Stopped.
// Canceling ctx has the same effect as Stop.
func (fuzzer *Fuzzer) Start(ctx context.Context) error {
	fuzzer.stateMu.Lock()
	defer fuzzer.stateMu.Unlock()
	if fuzzer.state != Idle {
		return fmt.Errorf("%w: can't start a %v fuzzer", ErrBadState, fuzzer.state)
	}
	var executors []Executor
	for pid := 0; pid < fuzzer.Config.Procs; pid++ {
		executor, err := fuzzer.Config.NewExecutor(pid)
		if err != nil {
			for _, executor := range executors {
				executor.Close()
			}
			err = fmt.Errorf("failed to create executor %v: %w", pid, err)
			fuzzer.finishLocked(StopEnvFailure, err)
			return err
		}
		executors = append(executors, executor)
	}
	fuzzer.state = Running
	fuzzer.Logf(0, "session %v: starting %v workers", fuzzer.Session, len(executors))
	stopOnCancel := context.AfterFunc(ctx, func() {
		fuzzer.stop(StopContext)
	})
	g, gctx := errgroup.WithContext(fuzzer.loopCtx)
	for pid, executor := range executors {
		g.Go(func() error {
			defer executor.Close()
			return fuzzer.worker(gctx, pid, executor)
		})
	}
	if fuzzer.Config.Duration != 0 {
		g.Go(func() error {
			select {
			case <-time.After(fuzzer.Config.Duration):
				fuzzer.stop(StopDuration)
			case <-gctx.Done():
			}
			return nil
		})
	}
	if fuzzer.Config.Debug {
		go fuzzer.logCurrentStats(fuzzer.loopCtx)
	}
	go func() {
		err := g.Wait()
		stopOnCancel()
		fuzzer.loopCancel()
		fuzzer.jobs.Wait()
		fuzzer.stateMu.Lock()
		defer fuzzer.stateMu.Unlock()
		reason := StopEnvFailure
		if err == nil {
			reason = fuzzer.reason
		}
		fuzzer.finishLocked(reason, err)
	}()
	return nil
}

func (fuzzer *Fuzzer) finishLocked(reason StopReason, err error) {
	fuzzer.state = Stopped
	if fuzzer.reason == NotStopped || reason == StopEnvFailure {
		fuzzer.reason = reason
	}
	fuzzer.err = err
	fuzzer.loopCancel()
	fuzzer.stateCond.Broadcast()
	close(fuzzer.done)
	if err != nil {
		fuzzer.Logf(0, "fuzzing stopped: %v", err)
	} else {
		fuzzer.Logf(0, "fuzzing stopped: %v", fuzzer.reason)
	}
}

// Stop requests the loop to stop. In-flight executions complete first, use Wait to wait for that.
func (fuzzer *Fuzzer) Stop() {
	fuzzer.stop(StopRequested)
}

func (fuzzer *Fuzzer) stop(reason StopReason) {
	fuzzer.stateMu.Lock()
	defer fuzzer.stateMu.Unlock()
	switch fuzzer.state {
	case Idle:
		fuzzer.finishLocked(reason, nil)
	case Running, Paused:
		if fuzzer.reason == NotStopped {
			fuzzer.reason = reason
		}
		fuzzer.loopCancel()
		fuzzer.stateCond.Broadcast()
	}
}

// Pause blocks new executions and waits for the in-flight ones to be evaluated.
// Coverage and corpus stay unchanged until Resume.
func (fuzzer *Fuzzer) Pause() error {
	fuzzer.stateMu.Lock()
	defer fuzzer.stateMu.Unlock()
	if fuzzer.state != Running {
		return fmt.Errorf("%w: can't pause a %v fuzzer", ErrBadState, fuzzer.state)
	}
	fuzzer.state = Paused
	for fuzzer.active != 0 {
		fuzzer.stateCond.Wait()
	}
	fuzzer.Logf(0, "fuzzing paused")
	return nil
}

func (fuzzer *Fuzzer) Resume() error {
	fuzzer.stateMu.Lock()
	defer fuzzer.stateMu.Unlock()
	if fuzzer.state != Paused {
		return fmt.Errorf("%w: can't resume a %v fuzzer", ErrBadState, fuzzer.state)
	}
	fuzzer.state = Running
	fuzzer.stateCond.Broadcast()
	fuzzer.Logf(0, "fuzzing resumed")
	return nil
}

// Wait blocks until the fuzzer is stopped and returns the error that stopped it, if any.
func (fuzzer *Fuzzer) Wait() error {
	<-fuzzer.done
	return fuzzer.Err()
}

// Done is closed when the fuzzer transitions to Stopped.
func (fuzzer *Fuzzer) Done() <-chan struct{} {
	return fuzzer.done
}

func (fuzzer *Fuzzer) State() State {
	fuzzer.stateMu.Lock()
	defer fuzzer.stateMu.Unlock()
	return fuzzer.state
}

func (fuzzer *Fuzzer) StopReason() StopReason {
	fuzzer.stateMu.Lock()
	defer fuzzer.stateMu.Unlock()
	return fuzzer.reason
}

func (fuzzer *Fuzzer) Err() error {
	fuzzer.stateMu.Lock()
	defer fuzzer.stateMu.Unlock()
	return fuzzer.err
}

// Iterations returns the number of executions started by the workers.
func (fuzzer *Fuzzer) Iterations() uint64 {
	return fuzzer.iterations.Load()
}

// acquire blocks while the fuzzer is paused and reports whether the worker may run one more iteration.
func (fuzzer *Fuzzer) acquire(ctx context.Context) bool {
	fuzzer.stateMu.Lock()
	defer fuzzer.stateMu.Unlock()
	for fuzzer.state == Paused && ctx.Err() == nil {
		fuzzer.stateCond.Wait()
	}
	if fuzzer.state != Running || ctx.Err() != nil {
		return false
	}
	fuzzer.active++
	return true
}

func (fuzzer *Fuzzer) release() {
	fuzzer.stateMu.Lock()
	defer fuzzer.stateMu.Unlock()
	fuzzer.active--
	fuzzer.stateCond.Broadcast()
}

func (fuzzer *Fuzzer) worker(ctx context.Context, pid int, executor Executor) error {
	// Wake up paused workers when the context is canceled.
	stopWakeup := context.AfterFunc(ctx, func() {
		fuzzer.stateMu.Lock()
		fuzzer.stateCond.Broadcast()
		fuzzer.stateMu.Unlock()
	})
	defer stopWakeup()
	for fuzzer.acquire(ctx) {
		if err := fuzzer.iterate(pid, executor); err != nil {
			return err
		}
	}
	return nil
}

func (fuzzer *Fuzzer) iterate(pid int, executor Executor) error {
	defer fuzzer.release()
	if !fuzzer.takeIteration() {
		fuzzer.stop(StopIterations)
		return nil
	}
	req := fuzzer.Next()
	info, err := executor.Exec(req.Input)
	if err != nil {
		req.Done(&queue.Result{Status: queue.ExecFailure, Err: err})
		return fmt.Errorf("proc %v: %w", pid, err)
	}
	fuzzer.statExecTotal.Add(1)
	req.Done(&queue.Result{Info: info})
	return nil
}

func (fuzzer *Fuzzer) takeIteration() bool {
	limit := fuzzer.Config.MaxIterations
	for {
		n := fuzzer.iterations.Load()
		if limit != 0 && n >= limit {
			return false
		}
		if fuzzer.iterations.CompareAndSwap(n, n+1) {
			return true
		}
	}
}
