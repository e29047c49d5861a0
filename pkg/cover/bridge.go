// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cover

import (
	"github.com/emufuzz/emufuzz/pkg/addrfilter"
)

// Bridge receives control-flow transfer notifications from an execution backend
// and records in-scope edges in a Map.
//
// The previous location is tracked only while execution stays in scope.
// A transfer with either end out of scope records nothing and forgets the previous location,
// so no edge is ever synthesized across an instrumented/uninstrumented boundary.
// On re-entry the previous location is re-derived from the source of the next in-scope transfer.
type Bridge struct {
	m      *Map
	filter *addrfilter.Filter
	prev   uint64

	Transfers uint64 // all notifications since last Reset
	Edges     uint64 // recorded edges since last Reset
	Last      uint64 // destination of the last recorded edge, 0 if none
}

func NewBridge(m *Map, filter *addrfilter.Filter) *Bridge {
	return &Bridge{
		m:      m,
		filter: filter,
		prev:   noLocation,
	}
}

func (b *Bridge) Map() *Map {
	return b.m
}

func (b *Bridge) Filter() *addrfilter.Filter {
	return b.filter
}

// Configure replaces the address filter. It must not be called during an execution.
func (b *Bridge) Configure(filter *addrfilter.Filter) {
	b.filter = filter
	b.prev = noLocation
}

func (b *Bridge) Transfer(from, to uint64) {
	b.Transfers++
	if !b.filter.Contains(from) || !b.filter.Contains(to) {
		b.prev = noLocation
		return
	}
	if b.prev == noLocation {
		b.prev = from
	}
	b.m.Hit(EdgeID(b.prev, to))
	b.prev = to
	b.Last = to
	b.Edges++
}

// Reset prepares the bridge and the map for a new execution.
func (b *Bridge) Reset() {
	b.m.Reset()
	b.prev = noLocation
	b.Transfers = 0
	b.Edges = 0
	b.Last = 0
}
