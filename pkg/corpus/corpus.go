// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/emufuzz/emufuzz/pkg/hash"
	"github.com/emufuzz/emufuzz/pkg/signal"
	"github.com/emufuzz/emufuzz/pkg/stat"
)

// Corpus object represents an append-only set of inputs that
// cover the target up to the currently reached frontiers.
type Corpus struct {
	ctx     context.Context
	mu      sync.RWMutex
	items   []*Item
	state   []itemState // parallel to items
	bySig   map[string]*Item
	signal  signal.Signal // total coverage of all items
	updates chan<- NewItemEvent

	favored int
	// favored marks are stale after a new item was added.
	dirty bool
	// Scheduler cursor into items.
	pos int

	StatItems   *stat.Val
	StatSignal  *stat.Val
	StatFavored *stat.Val
}

func NewCorpus(ctx context.Context) *Corpus {
	return NewMonitoredCorpus(ctx, nil)
}

func NewMonitoredCorpus(ctx context.Context, updates chan<- NewItemEvent) *Corpus {
	corpus := &Corpus{
		ctx:     ctx,
		bySig:   make(map[string]*Item),
		updates: updates,
	}
	corpus.StatItems = stat.New("corpus", "Number of test inputs in the corpus", stat.Console,
		stat.LenOf(&corpus.items, &corpus.mu), stat.Prometheus("emf_corpus_items"))
	corpus.StatSignal = stat.New("signal", "Number of coverage map indices covered by the corpus", stat.Console,
		func() int {
			corpus.mu.RLock()
			defer corpus.mu.RUnlock()
			return len(corpus.signal)
		}, stat.Prometheus("emf_corpus_signal"))
	corpus.StatFavored = stat.New("favored", "Number of favored corpus inputs",
		func() int {
			corpus.mu.Lock()
			defer corpus.mu.Unlock()
			corpus.updateFavoredLocked()
			return corpus.favored
		})
	return corpus
}

// Item objects are to be treated as immutable, otherwise it's just
// too hard to synchonize accesses to them across the whole project.
// Scheduler state of an item is kept by the Corpus, see Entry.
type Item struct {
	ID    int
	Sig   string
	Input []byte
	// Signal holds the map indices this input was the first to hit.
	Signal signal.Signal
	// Cover holds all map indices the input hit, sorted.
	Cover []uint32
	// DiscoveredAt is the fuzzer execution counter at the moment of admission.
	DiscoveredAt uint64
	ExecTime     time.Duration
	// Hanged inputs timed out, but produced new coverage before that.
	Hanged bool
}

// Cost ranks items covering the same map index, the cheapest one becomes favored.
func (item *Item) Cost() float64 {
	return float64(len(item.Input)+1) * float64(item.ExecTime/time.Microsecond+1)
}

type itemState struct {
	timesSelected int
	favored       bool
}

type NewInput struct {
	Input        []byte
	Signal       signal.Signal
	Cover        []uint32
	DiscoveredAt uint64
	ExecTime     time.Duration
	Hanged       bool
}

type NewItemEvent struct {
	Item   *Item
	Exists bool
}

// Save admits the input to the corpus and returns the resulting item.
// If the same input is already present, the existing item is returned.
func (corpus *Corpus) Save(inp NewInput) (*Item, bool) {
	sig := hash.String(inp.Input)

	corpus.mu.Lock()
	item, exists := corpus.bySig[sig]
	if !exists {
		item = &Item{
			ID:           len(corpus.items),
			Sig:          sig,
			Input:        append([]byte{}, inp.Input...),
			Signal:       inp.Signal.Copy(),
			Cover:        append([]uint32{}, inp.Cover...),
			DiscoveredAt: inp.DiscoveredAt,
			ExecTime:     inp.ExecTime,
			Hanged:       inp.Hanged,
		}
		corpus.items = append(corpus.items, item)
		corpus.state = append(corpus.state, itemState{})
		corpus.bySig[sig] = item
		corpus.signal.Merge(signal.FromRaw(item.Cover))
		corpus.dirty = true
	}
	corpus.mu.Unlock()

	if corpus.updates != nil {
		select {
		case <-corpus.ctx.Done():
		case corpus.updates <- NewItemEvent{
			Item:   item,
			Exists: exists,
		}:
		}
	}
	return item, exists
}

// Items returns all items in the order of admission.
func (corpus *Corpus) Items() []*Item {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	return append([]*Item{}, corpus.items...)
}

func (corpus *Corpus) Item(sig string) *Item {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	return corpus.bySig[sig]
}

func (corpus *Corpus) Len() int {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	return len(corpus.items)
}

// Entry is a snapshot of an item together with its scheduler state.
type Entry struct {
	*Item
	TimesSelected int
	Favored       bool
}

// Entries returns a snapshot of all items with up-to-date favored marks.
func (corpus *Corpus) Entries() []Entry {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	corpus.updateFavoredLocked()
	ret := make([]Entry, len(corpus.items))
	for i, item := range corpus.items {
		ret[i] = Entry{
			Item:          item,
			TimesSelected: corpus.state[i].timesSelected,
			Favored:       corpus.state[i].favored,
		}
	}
	return ret
}

// Restore appends previously saved entries to an empty corpus preserving their IDs and scheduler state.
func (corpus *Corpus) Restore(entries []Entry) {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	if len(corpus.items) != 0 {
		panic("restoring into a non-empty corpus")
	}
	for i, entry := range entries {
		item := *entry.Item
		if item.ID != i {
			panic("corpus entries must be restored in ID order")
		}
		corpus.items = append(corpus.items, &item)
		corpus.state = append(corpus.state, itemState{timesSelected: entry.TimesSelected})
		corpus.bySig[item.Sig] = &item
		corpus.signal.Merge(signal.FromRaw(item.Cover))
	}
	corpus.dirty = true
}

// RandomInput returns the input of a random item, or nil if the corpus is empty.
// It's meant for splicing, the result must not be modified.
func (corpus *Corpus) RandomInput(r *rand.Rand) []byte {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	if len(corpus.items) == 0 {
		return nil
	}
	return corpus.items[r.Intn(len(corpus.items))].Input
}

// Stats is a snapshot of the relevant current state figures.
type Stats struct {
	Items   int
	Favored int
	Hanged  int
	Signal  int
}

func (corpus *Corpus) Stats() Stats {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	corpus.updateFavoredLocked()
	hanged := 0
	for _, item := range corpus.items {
		if item.Hanged {
			hanged++
		}
	}
	return Stats{
		Items:   len(corpus.items),
		Favored: corpus.favored,
		Hanged:  hanged,
		Signal:  len(corpus.signal),
	}
}
