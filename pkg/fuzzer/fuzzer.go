// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/emufuzz/emufuzz/pkg/corpus"
	"github.com/emufuzz/emufuzz/pkg/fuzzer/queue"
	"github.com/emufuzz/emufuzz/pkg/ipc"
	"github.com/emufuzz/emufuzz/pkg/mutator"
	"github.com/emufuzz/emufuzz/pkg/signal"
	"github.com/emufuzz/emufuzz/pkg/stat"
	"github.com/google/uuid"
)

type Fuzzer struct {
	Stats
	Config  *Config
	Cover   *Cover
	Session uuid.UUID

	mu          sync.Mutex
	rnd         *rand.Rand
	stage       fuzzStage
	crashTypes  map[string]int
	runningJobs map[*JobInfo]struct{}

	// evalMu serializes evaluation of execution results, so that two results
	// never race for the same new coverage bits.
	evalMu sync.Mutex

	loop
	execQueues
}

// Executor runs a single input. *ipc.Env implements it.
type Executor interface {
	Exec(input []byte) (*ipc.Result, error)
	Close() error
}

type Config struct {
	Debug  bool
	Corpus *corpus.Corpus
	Logf   func(level int, msg string, args ...any)
	// CoverSize is the size of the coverage map index space.
	CoverSize int
	// Procs is the number of parallel workers, each with its own Executor.
	Procs       int
	NewExecutor func(pid int) (Executor, error)
	// StageIterations is the number of mutations derived from a corpus entry once it's selected.
	StageIterations int
	MaxInputSize    int
	// Budgets, zero means unlimited.
	MaxIterations uint64
	Duration      time.Duration
	// Crash is called for every crashing execution.
	Crash func(crash *Crash)
}

const (
	DefaultStageIterations = 16
	DefaultMaxInputSize    = 4096
	smashIterations        = 25
	// Share of fuzzing requests that mutate a corpus entry rather than generate a fresh input.
	mutateRate = 0.95
)

type Crash struct {
	Title  string
	Input  []byte
	Result *ipc.Result
}

func NewFuzzer(cfg *Config, rnd *rand.Rand) (*Fuzzer, error) {
	if cfg.Corpus == nil {
		return nil, errors.New("no corpus")
	}
	if cfg.NewExecutor == nil {
		return nil, errors.New("no executor factory")
	}
	if cfg.CoverSize <= 0 {
		return nil, fmt.Errorf("bad coverage size %v", cfg.CoverSize)
	}
	if cfg.Procs <= 0 {
		cfg.Procs = 1
	}
	if cfg.StageIterations <= 0 {
		cfg.StageIterations = DefaultStageIterations
	}
	if cfg.MaxInputSize <= 0 {
		cfg.MaxInputSize = DefaultMaxInputSize
	}
	f := &Fuzzer{
		Stats:   newStats(),
		Config:  cfg,
		Cover:   newCover(cfg.CoverSize),
		Session: uuid.New(),

		rnd:         rnd,
		crashTypes:  make(map[string]int),
		runningJobs: make(map[*JobInfo]struct{}),
	}
	f.loop.init()
	f.execQueues = newExecQueues(f)
	stat.New("coverage", "Number of coverage map indices ever hit", stat.Console,
		f.Cover.Count, stat.Prometheus("emf_coverage"))
	return f, nil
}

type execQueues struct {
	candidateQueue *queue.SizeQueue
	smashQueue     *queue.DynamicOrderer
	source         queue.Source
}

func newExecQueues(fuzzer *Fuzzer) execQueues {
	ret := execQueues{
		candidateQueue: queue.SizeOrder(),
		smashQueue:     queue.DynamicOrder(),
	}
	// Sources are listed in the order, in which they will be polled.
	// Alternate smash jobs with fuzzing to spread attention to the wider area.
	ret.source = queue.Order(
		queue.Deduplicate(ret.candidateQueue),
		queue.Alternate(ret.smashQueue, 3),
		queue.Callback(fuzzer.genFuzz),
	)
	return ret
}

type InputFlags int

const (
	// The candidate was loaded from the persistent corpus rather than from seeds.
	InputFromCorpus InputFlags = 1 << iota
	// Don't start a smash job if the input is admitted.
	InputSmashed

	inputCandidate
)

type Candidate struct {
	Input []byte
	Flags InputFlags
}

// AddCandidates queues seeds and persisted corpus inputs.
// They are executed before any mutation, shortest first.
func (fuzzer *Fuzzer) AddCandidates(candidates []Candidate) {
	fuzzer.statCandidates.Add(len(candidates))
	for _, candidate := range candidates {
		input := candidate.Input
		if len(input) > fuzzer.Config.MaxInputSize {
			input = input[:fuzzer.Config.MaxInputSize]
		}
		req := &queue.Request{
			Input:     input,
			Stat:      fuzzer.statExecCandidate,
			Important: true,
		}
		fuzzer.enqueue(fuzzer.candidateQueue, req, candidate.Flags|inputCandidate)
	}
}

func (fuzzer *Fuzzer) CandidatesToTriage() int {
	return fuzzer.statCandidates.Val()
}

func (fuzzer *Fuzzer) execute(executor queue.Executor, req *queue.Request, flags InputFlags) *queue.Result {
	fuzzer.enqueue(executor, req, flags)
	return req.Wait(fuzzer.ctx())
}

func (fuzzer *Fuzzer) prepare(req *queue.Request, flags InputFlags) {
	req.OnDone(func(req *queue.Request, res *queue.Result) bool {
		return fuzzer.processResult(req, res, flags)
	})
}

func (fuzzer *Fuzzer) enqueue(executor queue.Executor, req *queue.Request, flags InputFlags) {
	fuzzer.prepare(req, flags)
	executor.Submit(req)
}

// Next returns the next request to execute.
func (fuzzer *Fuzzer) Next() *queue.Request {
	req := fuzzer.source.Next()
	if req == nil {
		// The fuzzer is not supposed to issue nil requests.
		panic("nil request from the fuzzer")
	}
	return req
}

func (fuzzer *Fuzzer) processResult(req *queue.Request, res *queue.Result, flags InputFlags) bool {
	if flags&inputCandidate != 0 {
		defer fuzzer.statCandidates.Add(-1)
	}
	if res.Stop() {
		return true
	}
	info := res.Info
	fuzzer.statExecTime.Add(int(info.Duration / time.Microsecond))
	if info.BadTrace != nil {
		fuzzer.statBadTraces.Add(1)
		fuzzer.Logf(1, "input %q: %v", preview(req.Input), info.BadTrace)
	}
	switch info.Outcome {
	case ipc.Crash:
		// Crashing inputs always go to the crash archive, but never to the corpus:
		// mutating them mostly rediscovers the same crash.
		fuzzer.handleCrash(req, info)
	case ipc.Timeout:
		fuzzer.statTimeouts.Add(1)
		// Coverage collected before the timeout still counts.
		fuzzer.evaluate(req, info, flags, true)
	default:
		fuzzer.evaluate(req, info, flags, false)
	}
	return true
}

// evaluate merges the observation into the global coverage and admits the input
// to the corpus if it hit at least one new index.
func (fuzzer *Fuzzer) evaluate(req *queue.Request, info *ipc.Result, flags InputFlags, hanged bool) {
	fuzzer.evalMu.Lock()
	defer fuzzer.evalMu.Unlock()
	newSignal := fuzzer.Cover.addRaw(info.Obs.Indices)
	if len(newSignal) == 0 {
		return
	}
	fuzzer.Logf(2, "input %q gave %v new coverage indices%v", preview(req.Input), len(newSignal),
		hangedSuffix(hanged))
	item, exists := fuzzer.Config.Corpus.Save(corpus.NewInput{
		Input:        req.Input,
		Signal:       signal.FromRaw(newSignal),
		Cover:        info.Obs.Indices,
		DiscoveredAt: fuzzer.iterations.Load(),
		ExecTime:     info.Duration,
		Hanged:       hanged,
	})
	if exists {
		return
	}
	fuzzer.statNewInputs.Add(1)
	if hanged {
		fuzzer.statHangedInputs.Add(1)
		// Hanged inputs are too expensive to smash.
		return
	}
	if flags&InputSmashed == 0 {
		fuzzer.startJob(fuzzer.statJobsSmash, &smashJob{
			exec:  fuzzer.smashQueue.Append(),
			input: item.Input,
			info: &JobInfo{
				Name: fmt.Sprintf("#%v", item.ID),
				Type: "smash",
			},
		})
	}
}

func (fuzzer *Fuzzer) handleCrash(req *queue.Request, info *ipc.Result) {
	fuzzer.statCrashes.Add(1)
	fuzzer.mu.Lock()
	fuzzer.crashTypes[info.Title]++
	first := fuzzer.crashTypes[info.Title] == 1
	fuzzer.mu.Unlock()
	if first {
		fuzzer.Logf(0, "new crash: %v", info.Title)
	} else {
		fuzzer.Logf(1, "crash: %v", info.Title)
	}
	if fuzzer.Config.Crash != nil {
		fuzzer.Config.Crash(&Crash{
			Title:  info.Title,
			Input:  append([]byte{}, req.Input...),
			Result: info,
		})
	}
}

// CrashTypes returns the number of crashing executions per crash title.
func (fuzzer *Fuzzer) CrashTypes() map[string]int {
	fuzzer.mu.Lock()
	defer fuzzer.mu.Unlock()
	ret := make(map[string]int, len(fuzzer.crashTypes))
	for title, n := range fuzzer.crashTypes {
		ret[title] = n
	}
	return ret
}

func (fuzzer *Fuzzer) genFuzz() *queue.Request {
	rnd := fuzzer.rand()
	var req *queue.Request
	if rnd.Float64() < mutateRate {
		req = fuzzer.mutateRequest(rnd)
	}
	if req == nil {
		req = &queue.Request{
			Input: mutator.Mutate(rnd, nil, fuzzer.Config.MaxInputSize, nil),
			Stat:  fuzzer.statExecGenerate,
		}
	}
	fuzzer.prepare(req, 0)
	return req
}

func (fuzzer *Fuzzer) mutateRequest(rnd *rand.Rand) *queue.Request {
	parent := fuzzer.stageInput(rnd)
	if parent == nil {
		return nil
	}
	return &queue.Request{
		Input: mutator.Mutate(rnd, parent, fuzzer.Config.MaxInputSize, fuzzer.spliceInputs(rnd)),
		Stat:  fuzzer.statExecFuzz,
	}
}

func (fuzzer *Fuzzer) spliceInputs(rnd *rand.Rand) [][]byte {
	if other := fuzzer.Config.Corpus.RandomInput(rnd); other != nil {
		return [][]byte{other}
	}
	return nil
}

func (fuzzer *Fuzzer) startJob(stat *stat.Val, newJob job) {
	info := newJob.getInfo()
	fuzzer.Logf(2, "started %v job %v", info.Type, info.Name)
	fuzzer.jobs.Add(1)
	go func() {
		defer fuzzer.jobs.Done()
		stat.Add(1)
		defer stat.Add(-1)

		fuzzer.statJobs.Add(1)
		defer fuzzer.statJobs.Add(-1)

		fuzzer.mu.Lock()
		fuzzer.runningJobs[info] = struct{}{}
		fuzzer.mu.Unlock()

		defer func() {
			fuzzer.mu.Lock()
			delete(fuzzer.runningJobs, info)
			fuzzer.mu.Unlock()
		}()

		newJob.run(fuzzer)
	}()
}

func (fuzzer *Fuzzer) RunningJobs() []*JobInfo {
	fuzzer.mu.Lock()
	defer fuzzer.mu.Unlock()

	var ret []*JobInfo
	for info := range fuzzer.runningJobs {
		ret = append(ret, info)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}

func (fuzzer *Fuzzer) Logf(level int, msg string, args ...any) {
	if fuzzer.Config.Logf == nil {
		return
	}
	fuzzer.Config.Logf(level, msg, args...)
}

func (fuzzer *Fuzzer) rand() *rand.Rand {
	fuzzer.mu.Lock()
	defer fuzzer.mu.Unlock()
	return rand.New(rand.NewSource(fuzzer.rnd.Int63()))
}

func (fuzzer *Fuzzer) logCurrentStats(ctx context.Context) {
	for {
		select {
		case <-time.After(time.Minute):
		case <-ctx.Done():
			return
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		str := fmt.Sprintf("running jobs: %d, heap (MB): %d",
			fuzzer.statJobs.Val(), m.Alloc/1000/1000)
		fuzzer.Logf(0, "%s", str)
	}
}

// Summary is a snapshot of the fuzzing session.
type Summary struct {
	Session    string
	State      State
	Execs      int
	Coverage   int
	CoverSize  int
	Corpus     corpus.Stats
	Candidates int
	Crashes    int
	CrashTypes int
	Timeouts   int
}

func (fuzzer *Fuzzer) Summary() Summary {
	fuzzer.mu.Lock()
	crashTypes := len(fuzzer.crashTypes)
	fuzzer.mu.Unlock()
	return Summary{
		Session:    fuzzer.Session.String(),
		State:      fuzzer.State(),
		Execs:      fuzzer.statExecTotal.Val(),
		Coverage:   fuzzer.Cover.Count(),
		CoverSize:  fuzzer.Cover.Size(),
		Corpus:     fuzzer.Config.Corpus.Stats(),
		Candidates: fuzzer.statCandidates.Val(),
		Crashes:    fuzzer.statCrashes.Val(),
		CrashTypes: crashTypes,
		Timeouts:   fuzzer.statTimeouts.Val(),
	}
}

func preview(input []byte) []byte {
	const max = 32
	if len(input) > max {
		return input[:max]
	}
	return input
}

func hangedSuffix(hanged bool) string {
	if hanged {
		return " before timing out"
	}
	return ""
}
