// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	a := assert.New(t)
	set := NewSet()
	a.Empty(set.Collect(All))
	v0 := set.New("v0", "desc0")
	a.Equal(v0.Val(), 0)
	v0.Add(1)
	a.Equal(v0.Val(), 1)
	v0.Add(1)
	a.Equal(v0.Val(), 2)

	vv1 := 0
	v1 := set.New("v1", "desc1", Simple, func() int { return vv1 })
	a.Equal(v1.Val(), 0)
	vv1 = 11
	a.Equal(v1.Val(), 11)
	a.Panics(func() { v1.Add(1) })

	v2 := set.New("v2", "desc2", Console, func(v int, period time.Duration) string {
		return "custom"
	})
	v2.Add(100)

	a.Equal(set.Collect(All), []UI{
		{Name: "v2", Desc: "desc2", Level: Console, Value: "custom", V: 100},
		{Name: "v1", Desc: "desc1", Level: Simple, Value: "11", V: 11},
		{Name: "v0", Desc: "desc0", Level: All, Value: "2", V: 2},
	})
	a.Equal(set.Collect(Console), []UI{
		{Name: "v2", Desc: "desc2", Level: Console, Value: "custom", V: 100},
	})
	a.Equal(v0, set.Get("v0"))
	a.Nil(set.Get("v3"))
	a.Panics(func() { set.New("v3", "desc3", 42) })
}

func TestSetRateFormat(t *testing.T) {
	a := assert.New(t)
	a.Equal("100 (10/sec)", formatRate(100, 10*time.Second))
	a.Equal("5 (30/min)", formatRate(5, 10*time.Second))
	a.Equal("1 (6/hour)", formatRate(1, 10*time.Minute))
	a.Equal("7 (420/min)", formatRate(7, 0))
}

func TestSetDistribution(t *testing.T) {
	a := assert.New(t)
	set := NewSet()
	v := set.New("exec time", "", Distribution{})
	a.Equal(0, v.Val())
	a.Equal(0.0, v.Quantile(0.5))
	for i := 1; i <= 9; i++ {
		v.Add(i * 10)
	}
	a.Equal(50, v.Val())
	a.InDelta(50, v.Quantile(0.5), 10)
	a.Panics(func() { set.New("plain", "").Quantile(0.5) })
}

func TestSetLenOf(t *testing.T) {
	var mu sync.RWMutex
	var items []int
	set := NewSet()
	v := set.New("items", "", LenOf(&items, &mu))
	assert.Equal(t, 0, v.Val())
	mu.Lock()
	items = append(items, 1, 2, 3)
	mu.Unlock()
	assert.Equal(t, 3, v.Val())
}

func TestSetPrometheusRebind(t *testing.T) {
	set1, set2 := NewSet(), NewSet()
	v1 := set1.New("p", "", Prometheus("emf_test_metric"))
	v2 := set2.New("p", "", Prometheus("emf_test_metric"))
	v1.Add(1)
	v2.Add(5)
	promMu.Lock()
	defer promMu.Unlock()
	assert.Equal(t, 5, promGauges["emf_test_metric"].Load().Val())
}

func TestSetConcurrent(t *testing.T) {
	set := NewSet()
	v := set.New("v", "")
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				v.Add(1)
				set.Collect(All)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 4000, v.Val())
}

func TestAverageValue(t *testing.T) {
	var av AverageValue[time.Duration]
	av.Save(time.Second)
	av.Save(3 * time.Second)
	assert.Equal(t, 2*time.Second, av.Value())
	assert.Equal(t, int64(2), av.Count())
}
