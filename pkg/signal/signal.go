// Copyright 2018 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package signal provides types for working with feedback signal.
// A signal element is a coverage map index.
package signal

import (
	"sort"
)

type elemType = uint32

// Signal is a sparse set of coverage map indices.
type Signal map[elemType]struct{}

func (s Signal) Len() int {
	return len(s)
}

func (s Signal) Empty() bool {
	return len(s) == 0
}

func (s Signal) Has(e uint32) bool {
	_, ok := s[e]
	return ok
}

func (s Signal) Copy() Signal {
	c := make(Signal, len(s))
	for e := range s {
		c[e] = struct{}{}
	}
	return c
}

func FromRaw(raw []uint32) Signal {
	if len(raw) == 0 {
		return nil
	}
	s := make(Signal, len(raw))
	for _, e := range raw {
		s[e] = struct{}{}
	}
	return s
}

// ToRaw returns the elements in increasing order.
func (s Signal) ToRaw() []uint32 {
	if s.Empty() {
		return nil
	}
	res := make([]uint32, 0, len(s))
	for e := range s {
		res = append(res, e)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func (s *Signal) Merge(s1 Signal) {
	if s1.Empty() {
		return
	}
	s0 := *s
	if s0 == nil {
		s0 = make(Signal, len(s1))
		*s = s0
	}
	for e := range s1 {
		s0[e] = struct{}{}
	}
}

type Context struct {
	Signal Signal
	// Cost ranks inputs covering the same element; the cheapest one is kept.
	// Ties are broken by position in the corpus slice.
	Cost    float64
	Context any
}

// Minimize returns a subset of the corpus that covers all of its signal.
// Every element is first assigned to its cheapest input, then inputs are picked greedily
// in element order, skipping elements already covered by a picked input.
// The result preserves the corpus order.
func Minimize(corpus []Context) []any {
	best := make(map[elemType]int)
	for i, inp := range corpus {
		for e := range inp.Signal {
			if prev, ok := best[e]; !ok || inp.Cost < corpus[prev].Cost {
				best[e] = i
			}
		}
	}
	elems := make([]elemType, 0, len(best))
	for e := range best {
		elems = append(elems, e)
	}
	sort.Slice(elems, func(i, j int) bool { return elems[i] < elems[j] })
	covered := make(Signal, len(best))
	picked := make([]bool, len(corpus))
	for _, e := range elems {
		if covered.Has(e) {
			continue
		}
		idx := best[e]
		picked[idx] = true
		covered.Merge(corpus[idx].Signal)
	}
	var result []any
	for i, ok := range picked {
		if ok {
			result = append(result, corpus[i].Context)
		}
	}
	return result
}
