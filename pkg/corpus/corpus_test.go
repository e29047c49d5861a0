// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/emufuzz/emufuzz/pkg/signal"
	"github.com/emufuzz/emufuzz/pkg/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInput(data string, cover ...uint32) NewInput {
	return NewInput{
		Input:  []byte(data),
		Signal: signal.FromRaw(cover),
		Cover:  cover,
	}
}

func TestCorpusOperation(t *testing.T) {
	ch := make(chan NewItemEvent)
	corpus := NewMonitoredCorpus(context.Background(), ch)

	// First input is saved.
	inp1 := newInput("first", 1, 2, 3)
	go corpus.Save(inp1)
	event := <-ch
	assert.Equal(t, inp1.Input, event.Item.Input)
	assert.False(t, event.Exists)
	assert.Equal(t, 0, event.Item.ID)

	inp2 := newInput("second", 3, 4)
	go corpus.Save(inp2)
	event = <-ch
	assert.False(t, event.Exists)
	assert.Equal(t, 1, event.Item.ID)

	// The same input again is not added.
	go corpus.Save(newInput("first", 5))
	event = <-ch
	assert.True(t, event.Exists)
	assert.Equal(t, 0, event.Item.ID)

	// Verify that we can query corpus items.
	items := corpus.Items()
	assert.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, item, corpus.Item(item.Sig))
	}

	// Verify the total signal.
	assert.Equal(t, 4, corpus.StatSignal.Val())
	assert.Equal(t, 2, corpus.StatItems.Val())
	assert.Equal(t, Stats{Items: 2, Favored: 2, Signal: 4}, corpus.Stats())
}

func TestItemImmutable(t *testing.T) {
	corpus := NewCorpus(context.Background())
	inp := newInput("abc", 1, 2)
	item, exists := corpus.Save(inp)
	require.False(t, exists)
	inp.Input[0] = 'x'
	inp.Cover[0] = 100
	inp.Signal[100] = struct{}{}
	assert.Equal(t, "abc", string(item.Input))
	assert.Equal(t, []uint32{1, 2}, item.Cover)
	assert.False(t, item.Signal.Has(100))
}

func favoredInputs(corpus *Corpus) []string {
	var ret []string
	for _, entry := range corpus.Entries() {
		if entry.Favored {
			ret = append(ret, string(entry.Input))
		}
	}
	return ret
}

func TestFavored(t *testing.T) {
	corpus := NewCorpus(context.Background())
	corpus.Save(newInput("aa", 3, 7))
	assert.Equal(t, []string{"aa"}, favoredInputs(corpus))

	// A larger input with one more index, both are needed.
	corpus.Save(newInput("bbbb", 3, 7, 12))
	assert.Equal(t, []string{"aa", "bbbb"}, favoredInputs(corpus))

	// A smaller input covering everything supersedes both.
	corpus.Save(newInput("c", 3, 7, 12, 20))
	assert.Equal(t, []string{"c"}, favoredInputs(corpus))
	assert.Equal(t, 1, corpus.StatFavored.Val())

	minimized := corpus.Minimize()
	require.Len(t, minimized, 1)
	assert.Equal(t, "c", string(minimized[0].Input))
	// Minimize does not remove anything.
	assert.Equal(t, 3, corpus.Len())
}

func TestFavoredExecTime(t *testing.T) {
	corpus := NewCorpus(context.Background())
	slow := newInput("a", 1, 2)
	slow.ExecTime = time.Second
	corpus.Save(slow)
	fast := newInput("bbbbbbbb", 1, 2, 3)
	fast.ExecTime = time.Millisecond
	corpus.Save(fast)
	assert.Equal(t, []string{"bbbbbbbb"}, favoredInputs(corpus))
}

func TestChooseNextEmpty(t *testing.T) {
	corpus := NewCorpus(context.Background())
	assert.Nil(t, corpus.ChooseNext(rand.New(testutil.RandSource(t))))
}

func TestChooseNextRoundRobin(t *testing.T) {
	corpus := NewCorpus(context.Background())
	// All items are favored, so they are visited in order.
	for i := 0; i < 5; i++ {
		corpus.Save(newInput(string(rune('a'+i)), uint32(i)))
	}
	r := rand.New(testutil.RandSource(t))
	var got []int
	for i := 0; i < 10; i++ {
		got = append(got, corpus.ChooseNext(r).ID)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 0, 1, 2, 3, 4}, got)
	for _, entry := range corpus.Entries() {
		assert.Equal(t, 2, entry.TimesSelected)
	}
}

func TestChooseNextFavoredBias(t *testing.T) {
	corpus := NewCorpus(context.Background())
	const n = 10
	// Item 0 covers everything cheaply, the rest are unfavored.
	all := make([]uint32, n)
	for i := range all {
		all[i] = uint32(i)
	}
	corpus.Save(newInput("f", all...))
	for i := 1; i < n; i++ {
		corpus.Save(newInput(string(make([]byte, 10+i)), uint32(i)))
	}
	require.Equal(t, []string{"f"}, favoredInputs(corpus))

	r := rand.New(testutil.RandSource(t))
	counts := make([]int, n)
	const iters = 10000
	for i := 0; i < iters; i++ {
		counts[corpus.ChooseNext(r).ID]++
	}
	// Uniform selection would give iters/n.
	assert.Greater(t, counts[0], 3*iters/n)
	for i := 1; i < n; i++ {
		assert.NotZero(t, counts[i], "item %v was never selected", i)
	}
}

func TestRestore(t *testing.T) {
	corpus := NewCorpus(context.Background())
	corpus.Save(newInput("aa", 3, 7))
	hanged := newInput("bbbb", 3, 7, 12)
	hanged.Hanged = true
	hanged.DiscoveredAt = 42
	corpus.Save(hanged)
	r := rand.New(testutil.RandSource(t))
	corpus.ChooseNext(r)
	corpus.ChooseNext(r)
	corpus.ChooseNext(r)
	entries := corpus.Entries()

	restored := NewCorpus(context.Background())
	restored.Restore(entries)
	if diff := cmp.Diff(entries, restored.Entries()); diff != "" {
		t.Fatal(diff)
	}
	assert.Equal(t, corpus.StatSignal.Val(), restored.StatSignal.Val())
	assert.Equal(t, 1, restored.Stats().Hanged)
	assert.Panics(t, func() { restored.Restore(entries) })
}

func TestRandomInput(t *testing.T) {
	corpus := NewCorpus(context.Background())
	r := rand.New(testutil.RandSource(t))
	assert.Nil(t, corpus.RandomInput(r))
	corpus.Save(newInput("abc", 1))
	assert.Equal(t, []byte("abc"), corpus.RandomInput(r))
}
