// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package addrfilter decides which guest addresses are instrumented.
// A Filter is a sorted list of merged half-open [Start, End) ranges and is immutable once built.
package addrfilter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Range struct {
	Start uint64
	End   uint64
}

func (r Range) String() string {
	return fmt.Sprintf("0x%x-0x%x", r.Start, r.End)
}

type Filter struct {
	ranges []Range
}

// New builds a filter from arbitrary ranges: empty ranges are dropped,
// overlapping and adjacent ones are merged.
// A filter with no ranges contains nothing, which disables instrumentation.
func New(ranges []Range) *Filter {
	var sorted []Range
	for _, r := range ranges {
		if r.Start < r.End {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})
	var merged []Range
	for _, r := range sorted {
		if n := len(merged); n != 0 && r.Start <= merged[n-1].End {
			merged[n-1].End = max(merged[n-1].End, r.End)
			continue
		}
		merged = append(merged, r)
	}
	return &Filter{ranges: merged}
}

// Contains reports whether addr falls into one of the ranges. End is exclusive.
func (f *Filter) Contains(addr uint64) bool {
	i := sort.Search(len(f.ranges), func(i int) bool {
		return f.ranges[i].End > addr
	})
	return i < len(f.ranges) && f.ranges[i].Start <= addr
}

func (f *Filter) Ranges() []Range {
	return append([]Range(nil), f.ranges...)
}

func (f *Filter) Empty() bool {
	return len(f.ranges) == 0
}

// Size returns the total number of addresses in the filter.
func (f *Filter) Size() uint64 {
	var size uint64
	for _, r := range f.ranges {
		size += r.End - r.Start
	}
	return size
}

func (f *Filter) String() string {
	if f.Empty() {
		return "none"
	}
	var parts []string
	for _, r := range f.ranges {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}

// ParseRange parses "START-END" or "START+LEN". Numbers use Go syntax (0x prefix for hex).
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	sep, isLen := strings.IndexByte(s, '-'), false
	if sep < 0 {
		sep, isLen = strings.IndexByte(s, '+'), true
	}
	if sep <= 0 {
		return Range{}, fmt.Errorf("bad address range %q: want START-END or START+LEN", s)
	}
	start, err := strconv.ParseUint(strings.TrimSpace(s[:sep]), 0, 64)
	if err != nil {
		return Range{}, fmt.Errorf("bad address range %q: %w", s, err)
	}
	second, err := strconv.ParseUint(strings.TrimSpace(s[sep+1:]), 0, 64)
	if err != nil {
		return Range{}, fmt.Errorf("bad address range %q: %w", s, err)
	}
	end := second
	if isLen {
		end = start + second
		if end < start {
			return Range{}, fmt.Errorf("bad address range %q: overflows", s)
		}
	}
	if end <= start {
		return Range{}, fmt.Errorf("bad address range %q: end is not above start", s)
	}
	return Range{start, end}, nil
}

func Parse(specs []string) (*Filter, error) {
	var ranges []Range
	for _, spec := range specs {
		r, err := ParseRange(spec)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return New(ranges), nil
}
