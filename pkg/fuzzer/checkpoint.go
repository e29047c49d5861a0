// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"fmt"
	"time"

	"github.com/emufuzz/emufuzz/pkg/corpus"
	"github.com/emufuzz/emufuzz/pkg/hash"
	"github.com/emufuzz/emufuzz/pkg/signal"
	"github.com/google/uuid"
)

// Checkpoint is the resumable state of a fuzzing session:
// the global coverage and the corpus with its scheduler state.
type Checkpoint struct {
	Session    uuid.UUID
	Taken      time.Time
	CoverSize  int
	Cover      []uint64
	Iterations uint64
	Corpus     []CheckpointEntry
}

type CheckpointEntry struct {
	Input         []byte
	Signal        []uint32
	Cover         []uint32
	DiscoveredAt  uint64
	ExecTime      time.Duration
	Hanged        bool
	TimesSelected int
}

// Checkpoint captures the session state. The fuzzer must not be running.
func (fuzzer *Fuzzer) Checkpoint() (*Checkpoint, error) {
	fuzzer.stateMu.Lock()
	defer fuzzer.stateMu.Unlock()
	if fuzzer.state == Running {
		return nil, fmt.Errorf("%w: can't checkpoint a running fuzzer, pause it first", ErrBadState)
	}
	fuzzer.evalMu.Lock()
	defer fuzzer.evalMu.Unlock()
	cp := &Checkpoint{
		Session:    fuzzer.Session,
		Taken:      time.Now(),
		CoverSize:  fuzzer.Cover.Size(),
		Cover:      fuzzer.Cover.Copy().Words(),
		Iterations: fuzzer.iterations.Load(),
	}
	for _, entry := range fuzzer.Config.Corpus.Entries() {
		cp.Corpus = append(cp.Corpus, CheckpointEntry{
			Input:         entry.Input,
			Signal:        entry.Signal.ToRaw(),
			Cover:         entry.Cover,
			DiscoveredAt:  entry.DiscoveredAt,
			ExecTime:      entry.ExecTime,
			Hanged:        entry.Hanged,
			TimesSelected: entry.TimesSelected,
		})
	}
	return cp, nil
}

// RestoreCheckpoint continues a previous session. The fuzzer must be idle and its corpus empty.
func (fuzzer *Fuzzer) RestoreCheckpoint(cp *Checkpoint) error {
	fuzzer.stateMu.Lock()
	defer fuzzer.stateMu.Unlock()
	if fuzzer.state != Idle {
		return fmt.Errorf("%w: can't restore into a %v fuzzer", ErrBadState, fuzzer.state)
	}
	if cp.CoverSize != fuzzer.Cover.Size() {
		return fmt.Errorf("checkpoint coverage size %v does not match %v", cp.CoverSize, fuzzer.Cover.Size())
	}
	if fuzzer.Config.Corpus.Len() != 0 {
		return fmt.Errorf("can't restore a checkpoint into a non-empty corpus")
	}
	global, err := signal.GlobalFromWords(cp.CoverSize, cp.Cover)
	if err != nil {
		return fmt.Errorf("bad checkpoint: %w", err)
	}
	entries := make([]corpus.Entry, len(cp.Corpus))
	for i, ent := range cp.Corpus {
		for _, idx := range ent.Cover {
			if int(idx) >= cp.CoverSize || !global.Has(idx) {
				return fmt.Errorf("bad checkpoint: corpus entry %v covers unknown index %v", i, idx)
			}
		}
		entries[i] = corpus.Entry{
			Item: &corpus.Item{
				ID:           i,
				Sig:          hash.String(ent.Input),
				Input:        ent.Input,
				Signal:       signal.FromRaw(ent.Signal),
				Cover:        ent.Cover,
				DiscoveredAt: ent.DiscoveredAt,
				ExecTime:     ent.ExecTime,
				Hanged:       ent.Hanged,
			},
			TimesSelected: ent.TimesSelected,
		}
	}
	fuzzer.evalMu.Lock()
	defer fuzzer.evalMu.Unlock()
	fuzzer.Cover.restore(global)
	fuzzer.Config.Corpus.Restore(entries)
	fuzzer.iterations.Store(cp.Iterations)
	fuzzer.Session = cp.Session
	fuzzer.Logf(0, "restored session %v: %v corpus inputs, %v coverage indices",
		cp.Session, len(entries), global.Count())
	return nil
}
