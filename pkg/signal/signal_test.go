// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package signal

import (
	"math/rand"
	"testing"

	"github.com/emufuzz/emufuzz/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalSetOps(t *testing.T) {
	var s Signal
	s.Merge(FromRaw([]uint32{7, 3}))
	s.Merge(FromRaw([]uint32{3, 9}))
	assert.Equal(t, []uint32{3, 7, 9}, s.ToRaw())
	assert.True(t, s.Has(9))
	assert.False(t, s.Has(4))

	c := s.Copy()
	c.Merge(FromRaw([]uint32{100}))
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []uint32{3, 7, 9}, s.ToRaw())
	assert.Nil(t, Signal(nil).ToRaw())
}

func TestMinimize(t *testing.T) {
	// Input 2 is the cheapest for 3 and 7 so it displaces input 0,
	// input 1 is kept for 12 which nobody else covers.
	corpus := []Context{
		{Signal: FromRaw([]uint32{3, 7}), Cost: 10, Context: 0},
		{Signal: FromRaw([]uint32{3, 7, 12}), Cost: 20, Context: 1},
		{Signal: FromRaw([]uint32{3, 7}), Cost: 5, Context: 2},
	}
	assert.Equal(t, []any{1, 2}, Minimize(corpus))

	// A cheaper superset displaces everything.
	corpus = append(corpus, Context{Signal: FromRaw([]uint32{3, 7, 12}), Cost: 1, Context: 3})
	assert.Equal(t, []any{3}, Minimize(corpus))

	// Ties go to the earlier input.
	tie := []Context{
		{Signal: FromRaw([]uint32{1}), Cost: 1, Context: "a"},
		{Signal: FromRaw([]uint32{1}), Cost: 1, Context: "b"},
	}
	assert.Equal(t, []any{"a"}, Minimize(tie))
	assert.Empty(t, Minimize(nil))
}

func TestMinimizeCoversEverything(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	for iter := 0; iter < testutil.IterCount()/10; iter++ {
		var corpus []Context
		var all Signal
		for i := r.Intn(20); i >= 0; i-- {
			var raw []uint32
			for j := r.Intn(10); j >= 0; j-- {
				raw = append(raw, uint32(r.Intn(50)))
			}
			s := FromRaw(raw)
			all.Merge(s)
			corpus = append(corpus, Context{Signal: s, Cost: float64(r.Intn(5)), Context: len(corpus)})
		}
		var covered Signal
		for _, idx := range Minimize(corpus) {
			covered.Merge(corpus[idx.(int)].Signal)
		}
		assert.Equal(t, all.ToRaw(), covered.ToRaw())
	}
}

func TestGlobal(t *testing.T) {
	g := NewGlobal(100)
	assert.Equal(t, []uint32{3, 7}, g.Diff([]uint32{3, 7}))
	assert.Zero(t, g.Count())
	assert.Equal(t, []uint32{3, 7}, g.Merge([]uint32{3, 7, 3}))
	assert.Equal(t, 2, g.Count())
	assert.Nil(t, g.Merge([]uint32{3}))
	assert.Equal(t, []uint32{12}, g.Diff([]uint32{3, 7, 12}))
	assert.True(t, g.Has(7))
	assert.False(t, g.Has(99))
	assert.Panics(t, func() { g.Has(100) })
	assert.Panics(t, func() { g.Merge([]uint32{1 << 20}) })
	assert.Panics(t, func() { NewGlobal(0) })
}

func TestGlobalMonotonic(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	g := NewGlobal(1 << 10)
	for iter := 0; iter < testutil.IterCount(); iter++ {
		before := g.Copy()
		var raw []uint32
		for i := r.Intn(20); i > 0; i-- {
			raw = append(raw, uint32(r.Intn(1<<10)))
		}
		newBits := g.Merge(raw)
		require.True(t, g.Covers(before), "bits were lost")
		assert.Equal(t, before.Count()+len(newBits), g.Count())
		for _, idx := range newBits {
			assert.False(t, before.Has(idx))
		}
	}
}

func TestGlobalWords(t *testing.T) {
	g := NewGlobal(70)
	g.Merge([]uint32{0, 63, 64, 69})
	words := g.Words()
	assert.Len(t, words, 2)

	g1, err := GlobalFromWords(70, words)
	require.NoError(t, err)
	assert.Equal(t, g, g1)
	assert.True(t, g1.Covers(g) && g.Covers(g1))

	_, err = GlobalFromWords(70, words[:1])
	assert.Error(t, err)
	_, err = GlobalFromWords(70, []uint64{0, 1 << 6})
	assert.Error(t, err)
	assert.False(t, g.Covers(NewGlobal(64)))
}
