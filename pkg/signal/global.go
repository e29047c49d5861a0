// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package signal

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Global is the cumulative "ever seen" bitmap over the coverage map index space.
// Bits are only ever set; there is no way to clear one.
// Global is not synchronized, the owner serializes access.
type Global struct {
	size  int
	bits  *bitset.BitSet
	count int
}

func NewGlobal(size int) *Global {
	if size <= 0 {
		panic(fmt.Sprintf("bad global coverage size %v", size))
	}
	return &Global{
		size: size,
		bits: bitset.New(uint(size)),
	}
}

// GlobalFromWords restores a bitmap saved with Words.
func GlobalFromWords(size int, words []uint64) (*Global, error) {
	if size <= 0 || len(words) != (size+63)/64 {
		return nil, fmt.Errorf("global coverage: %v words do not fit size %v", len(words), size)
	}
	if tail := size % 64; tail != 0 && words[len(words)-1]>>tail != 0 {
		return nil, fmt.Errorf("global coverage: bits set beyond size %v", size)
	}
	bits := bitset.FromWithLength(uint(size), append([]uint64(nil), words...))
	return &Global{
		size:  size,
		bits:  bits,
		count: int(bits.Count()),
	}, nil
}

func (g *Global) Size() int {
	return g.size
}

// Count returns the number of set bits.
func (g *Global) Count() int {
	return g.count
}

func (g *Global) check(idx uint32) {
	if int(idx) >= g.size {
		panic(fmt.Sprintf("coverage index %v is out of range [0, %v)", idx, g.size))
	}
}

func (g *Global) Has(idx uint32) bool {
	g.check(idx)
	return g.bits.Test(uint(idx))
}

// Diff returns the indices that are not yet set, without modifying g.
func (g *Global) Diff(indices []uint32) []uint32 {
	var res []uint32
	for _, idx := range indices {
		if !g.Has(idx) {
			res = append(res, idx)
		}
	}
	return res
}

// Merge sets all indices and returns those that were not set before.
// Duplicates in indices are reported once.
func (g *Global) Merge(indices []uint32) []uint32 {
	var res []uint32
	for _, idx := range indices {
		if g.Has(idx) {
			continue
		}
		g.bits.Set(uint(idx))
		g.count++
		res = append(res, idx)
	}
	return res
}

// Covers reports whether every bit set in other is also set in g.
func (g *Global) Covers(other *Global) bool {
	return g.size == other.size && g.bits.IsSuperSet(other.bits)
}

func (g *Global) Copy() *Global {
	return &Global{
		size:  g.size,
		bits:  g.bits.Clone(),
		count: g.count,
	}
}

// Words returns the bitmap as little-endian ordered 64-bit words.
func (g *Global) Words() []uint64 {
	return append([]uint64(nil), g.bits.Bytes()...)
}
