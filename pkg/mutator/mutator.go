// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mutator implements byte-level mutation of fuzzer inputs.
package mutator

import (
	"encoding/binary"
	"math"
	"math/rand"
	"sort"
)

// Mutate returns a mutated copy of data no longer than maxLen.
// It applies a random stack of mutations; splice is a set of other inputs
// that can be cross-over'ed into the result. data and splice are never modified.
// The result depends only on the state of r and the arguments.
func Mutate(r *rand.Rand, data []byte, maxLen int, splice [][]byte) []byte {
	if maxLen <= 0 {
		return nil
	}
	g := &randGen{r}
	res := make([]byte, len(data), max(len(data), maxLen))
	copy(res, data)
	if len(res) > maxLen {
		res = res[:maxLen]
	}
	for stop := false; !stop; stop = stop && g.oneOf(3) {
		if len(splice) != 0 && g.oneOf(20) {
			res, stop = spliceData(g, res, maxLen, splice)
			continue
		}
		f := mutateDataFuncs[g.Intn(len(mutateDataFuncs))]
		res, stop = f(g, res, maxLen)
	}
	return res
}

type randGen struct {
	*rand.Rand
}

func (r *randGen) rand(n int) uint64 {
	return uint64(r.Intn(n))
}

func (r *randGen) oneOf(n int) bool {
	return r.Intn(n) == 0
}

func (r *randGen) nOutOf(n, outOf int) bool {
	return r.Intn(outOf) < n
}

// biasedRand returns a random int in range [0..n),
// probability of n-1 is k times higher than probability of 0.
func (r *randGen) biasedRand(n, k int) int {
	nf, kf := float64(n), float64(k)
	rf := nf * (kf/2 + 1) * r.Float64()
	bf := (-1 + math.Sqrt(1+2*kf*rf/nf)) * nf / kf
	return min(int(bf), n-1)
}

var (
	// Some potentially interesting integers.
	specialInts = []uint64{
		0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
		32, 64, 100, 127, 128, 129, 255, 256, 257, 511, 512,
		1000, 1023, 1024, 1025, 2047, 2048, 4095, 4096,
		(1 << 15) - 1, (1 << 15), (1 << 15) + 1,
		(1 << 16) - 1, (1 << 16), (1 << 16) + 1,
		(1 << 31) - 1, (1 << 31), (1 << 31) + 1,
		(1 << 32) - 1, (1 << 32), (1 << 32) + 1,
		(1 << 63) - 1, (1 << 63), (1 << 63) + 1,
		(1 << 64) - 1,
	}
	// The indexes (exclusive) for the maximum specialInts values that fit in 1, 2, ... 8 bytes.
	specialIntIndex [9]int
)

func init() {
	sort.Slice(specialInts, func(i, j int) bool {
		return specialInts[i] < specialInts[j]
	})
	for i := range specialIntIndex {
		bitSize := uint64(8 * i)
		specialIntIndex[i] = sort.Search(len(specialInts), func(i int) bool {
			return specialInts[i]>>bitSize != 0
		})
	}
}

// randInt returns an integer that fits into width bytes, biased towards small and boundary values.
func (r *randGen) randInt(width int) uint64 {
	var v uint64
	switch {
	case r.nOutOf(100, 182):
		v = r.rand(10)
	case r.nOutOf(50, 82):
		v = specialInts[r.Intn(specialIntIndex[width])]
	case r.nOutOf(10, 32):
		v = r.rand(256)
	default:
		v = r.Uint64()
	}
	if r.oneOf(20) {
		v = uint64(-int64(v))
	}
	return v
}

const maxInc = 35

var mutateDataFuncs = [...]func(r *randGen, data []byte, maxLen int) ([]byte, bool){
	// Flip bit in byte.
	func(r *randGen, data []byte, maxLen int) ([]byte, bool) {
		if len(data) == 0 {
			return data, false
		}
		byt := r.Intn(len(data))
		bit := r.Intn(8)
		data[byt] ^= 1 << uint(bit)
		return data, true
	},
	// Insert random bytes.
	func(r *randGen, data []byte, maxLen int) ([]byte, bool) {
		if len(data) == 0 || len(data) >= maxLen {
			return data, false
		}
		n := min(r.Intn(16)+1, maxLen-len(data))
		pos := r.Intn(len(data))
		data = append(data, make([]byte, n)...)
		copy(data[pos+n:], data[pos:])
		for i := 0; i < n; i++ {
			data[pos+i] = byte(r.Int31())
		}
		return data, true
	},
	// Remove bytes.
	func(r *randGen, data []byte, maxLen int) ([]byte, bool) {
		if len(data) == 0 {
			return data, false
		}
		n := min(r.Intn(16)+1, len(data))
		pos := 0
		if n < len(data) {
			pos = r.Intn(len(data) - n)
		}
		copy(data[pos:], data[pos+n:])
		return data[:len(data)-n], true
	},
	// Append a bunch of bytes.
	func(r *randGen, data []byte, maxLen int) ([]byte, bool) {
		if len(data) >= maxLen {
			return data, false
		}
		const max = 256
		n := min(max-r.biasedRand(max, 10), maxLen-len(data))
		for i := 0; i < n; i++ {
			data = append(data, byte(r.rand(256)))
		}
		return data, true
	},
	// Duplicate a range of bytes into another position.
	func(r *randGen, data []byte, maxLen int) ([]byte, bool) {
		if len(data) < 2 {
			return data, false
		}
		n := r.Intn(min(len(data), 16)) + 1
		src := r.Intn(len(data) - n + 1)
		dst := r.Intn(len(data) - n + 1)
		copy(data[dst:dst+n], data[src:src+n])
		return data, true
	},
	// Replace int8/int16/int32/int64 with a random value.
	func(r *randGen, data []byte, maxLen int) ([]byte, bool) {
		width := 1 << uint(r.Intn(4))
		if len(data) < width {
			return data, false
		}
		i := r.Intn(len(data) - width + 1)
		storeInt(data[i:], r.Uint64(), width, r.oneOf(10))
		return data, true
	},
	// Add/subtract from an int8/int16/int32/int64.
	func(r *randGen, data []byte, maxLen int) ([]byte, bool) {
		width := 1 << uint(r.Intn(4))
		if len(data) < width {
			return data, false
		}
		i := r.Intn(len(data) - width + 1)
		bigEndian := r.oneOf(10)
		v := loadInt(data[i:], width, bigEndian)
		delta := r.rand(2*maxInc+1) - maxInc
		if delta == 0 {
			delta = 1
		}
		storeInt(data[i:], v+delta, width, bigEndian)
		return data, true
	},
	// Set int8/int16/int32/int64 to an interesting value.
	func(r *randGen, data []byte, maxLen int) ([]byte, bool) {
		width := 1 << uint(r.Intn(4))
		if len(data) < width {
			return data, false
		}
		i := r.Intn(len(data) - width + 1)
		storeInt(data[i:], r.randInt(width), width, r.oneOf(10))
		return data, true
	},
}

// spliceData replaces the tail of data starting at a random position with a tail of another input.
func spliceData(r *randGen, data []byte, maxLen int, splice [][]byte) ([]byte, bool) {
	other := splice[r.Intn(len(splice))]
	if len(other) == 0 {
		return data, false
	}
	pos := 0
	if len(data) != 0 {
		pos = r.Intn(len(data))
	}
	from := r.Intn(len(other))
	data = append(data[:pos], other[from:]...)
	if len(data) > maxLen {
		data = data[:maxLen]
	}
	return data, true
}

func loadInt(data []byte, width int, bigEndian bool) uint64 {
	var order binary.ByteOrder = binary.LittleEndian
	if bigEndian {
		order = binary.BigEndian
	}
	switch width {
	case 1:
		return uint64(data[0])
	case 2:
		return uint64(order.Uint16(data))
	case 4:
		return uint64(order.Uint32(data))
	default:
		return order.Uint64(data)
	}
}

func storeInt(data []byte, v uint64, width int, bigEndian bool) {
	var order binary.ByteOrder = binary.LittleEndian
	if bigEndian {
		order = binary.BigEndian
	}
	switch width {
	case 1:
		data[0] = byte(v)
	case 2:
		order.PutUint16(data, uint16(v))
	case 4:
		order.PutUint32(data, uint32(v))
	default:
		order.PutUint64(data, v)
	}
}
