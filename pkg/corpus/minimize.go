// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"github.com/emufuzz/emufuzz/pkg/signal"
)

// updateFavoredLocked recomputes favored marks if new items were added since the last pass.
// An item is favored if it's the cheapest holder of at least one map index
// that is not covered by another picked item.
func (corpus *Corpus) updateFavoredLocked() {
	if !corpus.dirty {
		return
	}
	corpus.dirty = false
	inputs := make([]signal.Context, len(corpus.items))
	for i, item := range corpus.items {
		inputs[i] = signal.Context{
			Signal:  signal.FromRaw(item.Cover),
			Cost:    item.Cost(),
			Context: i,
		}
	}
	for i := range corpus.state {
		corpus.state[i].favored = false
	}
	corpus.favored = 0
	for _, ctx := range signal.Minimize(inputs) {
		corpus.state[ctx.(int)].favored = true
		corpus.favored++
	}
}

// Minimize returns a subset of the corpus that covers the whole corpus signal,
// preferring cheap items. The corpus itself is not modified.
func (corpus *Corpus) Minimize() []*Item {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	corpus.updateFavoredLocked()
	var ret []*Item
	for i, item := range corpus.items {
		if corpus.state[i].favored {
			ret = append(ret, item)
		}
	}
	return ret
}
