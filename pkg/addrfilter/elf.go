// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package addrfilter

import (
	"debug/elf"
	"fmt"
	"regexp"

	"github.com/ianlancetaylor/demangle"
)

// ExecutableRanges returns link-time ranges of all executable PT_LOAD segments of an ELF file.
func ExecutableRanges(file string) ([]Range, error) {
	f, err := elf.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ranges []Range
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Flags&elf.PF_X == 0 {
			continue
		}
		ranges = append(ranges, Range{prog.Vaddr, prog.Vaddr + prog.Memsz})
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("%v: no executable segments", file)
	}
	return ranges, nil
}

// FuncRanges returns ranges of function symbols whose (demangled) name matches any of funcs.
// Every regexp must match at least one function.
func FuncRanges(file string, funcs []*regexp.Regexp) ([]Range, error) {
	f, err := elf.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	symbols, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("%v: failed to read symbols: %w", file, err)
	}
	used := make(map[*regexp.Regexp]int)
	var ranges []Range
	for _, sym := range symbols {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 || sym.Size == 0 {
			continue
		}
		name := sym.Name
		if d, err := demangle.ToString(name, demangle.NoParams); err == nil {
			name = d
		}
		for _, re := range funcs {
			if re.MatchString(name) {
				used[re]++
				ranges = append(ranges, Range{sym.Value, sym.Value + sym.Size})
				break
			}
		}
	}
	for _, re := range funcs {
		if used[re] == 0 {
			return nil, fmt.Errorf("function filter %q doesn't match anything", re)
		}
	}
	return ranges, nil
}

func CompileRegexps(exprs []string) ([]*regexp.Regexp, error) {
	var res []*regexp.Regexp
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile regexp %q: %w", expr, err)
		}
		res = append(res, re)
	}
	return res, nil
}
