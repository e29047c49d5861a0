// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cover implements the per-execution edge coverage map
// and the bridge that turns control-flow transfers into map hits.
package cover

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"

	"github.com/cespare/xxhash/v2"
)

const (
	MinSize     = 1 << 4
	MaxSize     = 1 << 24
	DefaultSize = 1 << 16

	maxCount = ^uint8(0)
)

// Map is a fixed-size array of saturating 8-bit hit counters.
// Size is a power of two and never changes after creation.
// Map is owned by a single execution environment and is not safe for concurrent use.
type Map struct {
	counters []uint8
	mask     uint64
	// touched holds indices of non-zero counters, so that Reset and Snapshot
	// cost is proportional to the coverage of one run rather than to the map size.
	touched []uint32
}

func NewMap(size int) (*Map, error) {
	if size < MinSize || size > MaxSize || size&(size-1) != 0 {
		return nil, fmt.Errorf("bad coverage map size %v: must be a power of two in [%v, %v]",
			size, MinSize, MaxSize)
	}
	return &Map{
		counters: make([]uint8, size),
		mask:     uint64(size - 1),
	}, nil
}

func (m *Map) Size() int {
	return len(m.counters)
}

// Index maps an edge identity to a map slot. Distinct edges may share a slot.
func (m *Map) Index(edge uint64) uint32 {
	return uint32(edge & m.mask)
}

// Hit increments the counter for the edge, saturating at 255.
func (m *Map) Hit(edge uint64) {
	m.HitIndex(m.Index(edge))
}

func (m *Map) HitIndex(idx uint32) {
	c := &m.counters[idx]
	switch *c {
	case 0:
		m.touched = append(m.touched, idx)
	case maxCount:
		return
	}
	*c++
}

func (m *Map) Count(idx uint32) uint8 {
	return m.counters[idx]
}

// Reset zeroes all counters.
func (m *Map) Reset() {
	for _, idx := range m.touched {
		m.counters[idx] = 0
	}
	m.touched = m.touched[:0]
}

// Snapshot copies the current hits into an Observation. The map can be reset afterwards.
func (m *Map) Snapshot() Observation {
	obs := Observation{
		Indices: make([]uint32, len(m.touched)),
		Counts:  make([]uint8, len(m.touched)),
	}
	copy(obs.Indices, m.touched)
	sort.Slice(obs.Indices, func(i, j int) bool { return obs.Indices[i] < obs.Indices[j] })
	for i, idx := range obs.Indices {
		obs.Counts[i] = m.counters[idx]
	}
	return obs
}

// Observation is the set of map slots hit during one execution, sorted by index.
type Observation struct {
	Indices []uint32
	Counts  []uint8
}

func (obs Observation) Len() int {
	return len(obs.Indices)
}

func (obs Observation) Empty() bool {
	return len(obs.Indices) == 0
}

// Hash returns a digest of hit indices and counts, used to compare runs.
func (obs Observation) Hash() uint64 {
	d := xxhash.New()
	var buf [5]byte
	for i, idx := range obs.Indices {
		binary.LittleEndian.PutUint32(buf[:], idx)
		buf[4] = obs.Counts[i]
		d.Write(buf[:])
	}
	return d.Sum64()
}

const noLocation = ^uint64(0)

// EdgeID combines the previous in-scope location with the current one.
// The combination is asymmetric so that A->B and B->A are distinct edges.
func EdgeID(prev, cur uint64) uint64 {
	return fmix64(bits.RotateLeft64(prev, 1) ^ cur*0x9e3779b97f4a7c15)
}

// fmix64 is the murmur3 finalizer; it spreads entropy into the low bits that Index uses.
func fmix64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}
