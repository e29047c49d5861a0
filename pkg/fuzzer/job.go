// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emufuzz/emufuzz/pkg/corpus"
	"github.com/emufuzz/emufuzz/pkg/fuzzer/queue"
	"github.com/emufuzz/emufuzz/pkg/mutator"
)

type job interface {
	run(fuzzer *Fuzzer)
	getInfo() *JobInfo
}

type JobInfo struct {
	Name  string
	Type  string
	Execs atomic.Int32

	syncBuffer
}

func (ji *JobInfo) ID() string {
	return fmt.Sprintf("%p", ji)
}

// fuzzStage is the corpus entry currently being mutated by genFuzz.
// Once an entry is selected, it's the parent of the next StageIterations mutations.
type fuzzStage struct {
	item      *corpus.Item
	remaining int
}

// stageInput returns the parent input for the next mutation, or nil if the corpus is empty.
func (fuzzer *Fuzzer) stageInput(rnd *rand.Rand) []byte {
	fuzzer.mu.Lock()
	defer fuzzer.mu.Unlock()
	if fuzzer.stage.remaining == 0 {
		item := fuzzer.Config.Corpus.ChooseNext(rnd)
		if item == nil {
			return nil
		}
		fuzzer.stage = fuzzStage{
			item:      item,
			remaining: fuzzer.Config.StageIterations,
		}
		fuzzer.statStages.Add(1)
	}
	fuzzer.stage.remaining--
	return fuzzer.stage.item.Input
}

// StageItem returns the corpus entry of the current mutational stage, or nil.
func (fuzzer *Fuzzer) StageItem() *corpus.Item {
	fuzzer.mu.Lock()
	defer fuzzer.mu.Unlock()
	return fuzzer.stage.item
}

// smashJob gives a freshly admitted input an immediate burst of mutations.
type smashJob struct {
	exec  queue.Executor
	input []byte
	info  *JobInfo
}

func (job *smashJob) run(fuzzer *Fuzzer) {
	fuzzer.Logf(2, "smashing the input %q", preview(job.input))
	job.info.Logf("%q", job.input)

	rnd := fuzzer.rand()
	for i := 0; i < smashIterations; i++ {
		input := mutator.Mutate(rnd, job.input, fuzzer.Config.MaxInputSize, fuzzer.spliceInputs(rnd))
		result := fuzzer.execute(job.exec, &queue.Request{
			Input: input,
			Stat:  fuzzer.statExecSmash,
		}, 0)
		if result.Stop() {
			return
		}
		job.info.Execs.Add(1)
	}
}

func (job *smashJob) getInfo() *JobInfo {
	return job.info
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (sb *syncBuffer) Logf(logFmt string, args ...any) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	fmt.Fprintf(&sb.buf, "%s: ", time.Now().Format(time.DateTime))
	fmt.Fprintf(&sb.buf, logFmt, args...)
	sb.buf.WriteByte('\n')
}

func (sb *syncBuffer) Bytes() []byte {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.buf.Bytes()
}
