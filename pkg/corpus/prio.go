// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"math/rand"
)

// Skip probabilities (in percent) for unfavored items.
const (
	skipWhilePendingFavored = 99
	skipNeverSelected       = 75
	skipSelected            = 95
)

// ChooseNext returns the next item to mutate, or nil if the corpus is empty.
// Items are visited round-robin. Favored items are never skipped,
// unfavored ones are skipped with a high probability.
func (corpus *Corpus) ChooseNext(r *rand.Rand) *Item {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	if len(corpus.items) == 0 {
		return nil
	}
	corpus.updateFavoredLocked()
	pendingFavored := false
	for _, st := range corpus.state {
		if st.favored && st.timesSelected == 0 {
			pendingFavored = true
			break
		}
	}
	for range corpus.items {
		idx := corpus.nextPosLocked()
		st := &corpus.state[idx]
		if !st.favored && r.Intn(100) < skipPercent(pendingFavored, st) {
			continue
		}
		st.timesSelected++
		return corpus.items[idx]
	}
	// Everything was skipped during a full pass, take whatever is next.
	idx := corpus.nextPosLocked()
	corpus.state[idx].timesSelected++
	return corpus.items[idx]
}

func (corpus *Corpus) nextPosLocked() int {
	if corpus.pos >= len(corpus.items) {
		corpus.pos = 0
	}
	idx := corpus.pos
	corpus.pos++
	return idx
}

func skipPercent(pendingFavored bool, st *itemState) int {
	switch {
	case pendingFavored:
		return skipWhilePendingFavored
	case st.timesSelected == 0:
		return skipNeverSelected
	default:
		return skipSelected
	}
}
