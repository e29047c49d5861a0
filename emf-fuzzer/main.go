// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// emf-fuzzer runs a coverage-guided fuzzing session against an emulated or native target.
package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/emufuzz/emufuzz/pkg/corpus"
	"github.com/emufuzz/emufuzz/pkg/fuzzconfig"
	"github.com/emufuzz/emufuzz/pkg/fuzzer"
	"github.com/emufuzz/emufuzz/pkg/ipc"
	"github.com/emufuzz/emufuzz/pkg/log"
	"github.com/emufuzz/emufuzz/pkg/osutil"
	"github.com/emufuzz/emufuzz/pkg/persist"
)

var (
	flagConfig = flag.String("config", "", "configuration file")
	flagDebug  = flag.Bool("debug", false, "dump all executor output and periodic memory stats")
)

type Manager struct {
	cfg       *fuzzconfig.Config
	fuzzer    *fuzzer.Fuzzer
	workdir   *persist.Workdir
	startTime time.Time

	// ckptMu serializes checkpoint writes from the status page and from the shutdown path.
	ckptMu sync.Mutex
}

func main() {
	flag.Parse()
	log.EnableLogCaching(1000, 1<<20)
	cfg, err := fuzzconfig.LoadFile(*flagConfig)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := RunManager(cfg); err != nil {
		log.Logf(0, "%v", err)
		os.Exit(1)
	}
}

func RunManager(cfg *fuzzconfig.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, updates, err := newManager(ctx, cfg)
	if err != nil {
		return err
	}
	savedInputs := make(chan struct{})
	go func() {
		mgr.saveCorpus(ctx, updates)
		close(savedInputs)
	}()
	if cfg.HTTP != "" {
		mgr.initHTTP()
	}

	shutdown := make(chan struct{})
	osutil.HandleInterrupts(shutdown)
	go func() {
		select {
		case <-shutdown:
			log.Logf(0, "shutting down...")
			mgr.fuzzer.Stop()
		case <-mgr.fuzzer.Done():
		}
	}()

	if err := mgr.fuzzer.Start(ctx); err != nil {
		return err
	}
	go mgr.heartbeat()
	runErr := mgr.fuzzer.Wait()

	cancel()
	<-savedInputs
	if err := mgr.workdir.Flush(); err != nil {
		log.Logf(0, "%v", err)
	}
	if cfg.Checkpoint {
		if err := mgr.saveCheckpoint(); err != nil {
			log.Logf(0, "failed to save checkpoint: %v", err)
		}
	}
	mgr.logSummary()
	if ipc.IsEnvFailure(runErr) {
		return runErr
	}
	return nil
}

func newManager(ctx context.Context, cfg *fuzzconfig.Config) (*Manager, <-chan corpus.NewItemEvent, error) {
	workdir, err := persist.OpenWorkdir(cfg.Workdir, cfg.MaxCrashLogs)
	if err != nil {
		return nil, nil, err
	}
	execCfg, err := cfg.ExecConfig()
	if err != nil {
		return nil, nil, err
	}
	log.Logf(0, "measuring coverage in %v", execCfg.Filter)
	seed := cfg.Seed
	if seed == -1 {
		seed = time.Now().UnixNano()
	}
	log.Logf(0, "random seed: %v", seed)

	mgr := &Manager{
		cfg:       cfg,
		workdir:   workdir,
		startTime: time.Now(),
	}
	updates := make(chan corpus.NewItemEvent, 128)
	fuzzerCfg := cfg.FuzzerConfig()
	fuzzerCfg.Debug = *flagDebug
	fuzzerCfg.Corpus = corpus.NewMonitoredCorpus(ctx, updates)
	fuzzerCfg.Logf = log.Logf
	fuzzerCfg.NewExecutor = func(pid int) (fuzzer.Executor, error) {
		return ipc.MakeEnv(execCfg, pid)
	}
	fuzzerCfg.Crash = mgr.saveCrash
	mgr.fuzzer, err = fuzzer.NewFuzzer(fuzzerCfg, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, nil, err
	}

	seeds, err := persist.LoadSeeds(cfg.Seeds)
	if err != nil {
		return nil, nil, err
	}
	restored, err := mgr.restoreCheckpoint()
	if err != nil {
		return nil, nil, err
	}
	var candidates []fuzzer.Candidate
	if restored {
		// The corpus is already in place, only new seeds need triage.
		for _, candidate := range workdir.Candidates(seeds) {
			if candidate.Flags&fuzzer.InputFromCorpus == 0 {
				candidates = append(candidates, candidate)
			}
		}
	} else {
		candidates = workdir.Candidates(seeds)
	}
	log.Logf(0, "loaded %v corpus inputs and %v seeds, %v candidates",
		workdir.CorpusLen(), len(seeds), len(candidates))
	mgr.fuzzer.AddCandidates(candidates)
	return mgr, updates, nil
}

func (mgr *Manager) restoreCheckpoint() (bool, error) {
	if !mgr.cfg.Checkpoint {
		return false, nil
	}
	cp, err := mgr.workdir.LoadCheckpoint()
	if errors.Is(err, persist.ErrNoCheckpoint) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := mgr.fuzzer.RestoreCheckpoint(cp); err != nil {
		return false, err
	}
	return true, nil
}

func (mgr *Manager) saveCheckpoint() error {
	mgr.ckptMu.Lock()
	defer mgr.ckptMu.Unlock()
	cp, err := mgr.fuzzer.Checkpoint()
	if err != nil {
		return err
	}
	if err := mgr.workdir.SaveCheckpoint(cp); err != nil {
		return err
	}
	log.Logf(0, "saved checkpoint: %v corpus inputs, %v iterations", len(cp.Corpus), cp.Iterations)
	return nil
}

func (mgr *Manager) saveCorpus(ctx context.Context, updates <-chan corpus.NewItemEvent) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Evaluation is over, save what's still buffered.
			for {
				select {
				case update := <-updates:
					mgr.saveInput(update)
				default:
					return
				}
			}
		case update := <-updates:
			mgr.saveInput(update)
		case <-ticker.C:
			if err := mgr.workdir.Flush(); err != nil {
				log.Logf(0, "%v", err)
			}
		}
	}
}

func (mgr *Manager) saveInput(update corpus.NewItemEvent) {
	if !update.Exists {
		mgr.workdir.SaveInput(update.Item)
	}
}

func (mgr *Manager) saveCrash(crash *fuzzer.Crash) {
	first, err := mgr.workdir.Crashes.SaveCrash(crash)
	if err != nil {
		log.Logf(0, "failed to save crash %q: %v", crash.Title, err)
		return
	}
	if first {
		log.Logf(0, "saved first crash %q, input %q", crash.Title, crash.Input)
	}
}

func (mgr *Manager) heartbeat() {
	for {
		select {
		case <-mgr.fuzzer.Done():
			return
		case <-time.After(10 * time.Second):
		}
		mgr.logSummary()
	}
}

func (mgr *Manager) logSummary() {
	s := mgr.fuzzer.Summary()
	log.Logf(0, "%v: execs %v, coverage %v/%v, corpus %v (favored %v, hanged %v), "+
		"candidates %v, crashes %v (%v types), timeouts %v",
		s.State, s.Execs, s.Coverage, s.CoverSize, s.Corpus.Items, s.Corpus.Favored,
		s.Corpus.Hanged, s.Candidates, s.Crashes, s.CrashTypes, s.Timeouts)
}
