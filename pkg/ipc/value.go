// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipc

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// ValueObserver keeps a single named value observed during executions.
// Unlike the coverage map it is not cleared before an execution:
// the value stays until the next Set.
// A ValueObserver belongs to one Env and is not synchronized.
type ValueObserver struct {
	name  string
	value uint64
	set   bool
}

func NewValueObserver(name string) *ValueObserver {
	return &ValueObserver{name: name}
}

func (o *ValueObserver) Name() string {
	return o.name
}

func (o *ValueObserver) Set(v uint64) {
	o.value = v
	o.set = true
}

// Value returns the last value set and whether any value was set at all.
func (o *ValueObserver) Value() (uint64, bool) {
	return o.value, o.set
}

// Hash is a deterministic hash of the value that does not depend on the process or the run.
// It is 0 if no value was set.
func (o *ValueObserver) Hash() uint64 {
	if !o.set {
		return 0
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], o.value)
	h := xxhash.Sum64(buf[:])
	if h == 0 {
		h = 1
	}
	return h
}
