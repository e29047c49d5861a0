// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"sync"

	"github.com/emufuzz/emufuzz/pkg/signal"
)

// Cover keeps track of the coverage ever observed by the fuzzer.
// Bits are only ever added.
type Cover struct {
	mu     sync.RWMutex
	global *signal.Global
}

func newCover(size int) *Cover {
	return &Cover{
		global: signal.NewGlobal(size),
	}
}

// addRaw merges the observed indices and returns the ones that were not seen before.
func (cover *Cover) addRaw(indices []uint32) []uint32 {
	cover.mu.RLock()
	diff := cover.global.Diff(indices)
	cover.mu.RUnlock()
	if len(diff) == 0 {
		return nil
	}
	cover.mu.Lock()
	defer cover.mu.Unlock()
	return cover.global.Merge(diff)
}

func (cover *Cover) Has(idx uint32) bool {
	cover.mu.RLock()
	defer cover.mu.RUnlock()
	return cover.global.Has(idx)
}

func (cover *Cover) Count() int {
	cover.mu.RLock()
	defer cover.mu.RUnlock()
	return cover.global.Count()
}

func (cover *Cover) Size() int {
	return cover.global.Size()
}

// Copy returns a snapshot of the global coverage.
func (cover *Cover) Copy() *signal.Global {
	cover.mu.RLock()
	defer cover.mu.RUnlock()
	return cover.global.Copy()
}

// restore replaces the coverage with a previously saved snapshot.
// The snapshot must cover everything seen so far.
func (cover *Cover) restore(global *signal.Global) {
	cover.mu.Lock()
	defer cover.mu.Unlock()
	if !global.Covers(cover.global) {
		panic("restored coverage is missing known bits")
	}
	cover.global = global
}
