// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tvm

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

type opcode uint8

const (
	opNop opcode = iota
	opMov
	opAdd
	opSub
	opDiv
	opLen
	opLdb
	opLd
	opSt
	opCmp
	opJeq
	opJne
	opJlt
	opJge
	opJmp
	opCall
	opRet
	opTrap
	opExit
)

type operandKind uint8

const (
	kindReg operandKind = 1 << iota
	kindImm
	kindLabel

	kindSrc = kindReg | kindImm
)

type operand struct {
	reg uint8
	imm int64
	// isImm is set for immediates; label operands are resolved into insn.target.
	isImm bool
}

type insn struct {
	op     opcode
	args   [3]operand
	target int
	line   int
}

type opInfo struct {
	op   opcode
	args []operandKind
}

var mnemonics = map[string]opInfo{
	"nop":  {opNop, nil},
	"mov":  {opMov, []operandKind{kindReg, kindSrc}},
	"movi": {opMov, []operandKind{kindReg, kindImm}},
	"add":  {opAdd, []operandKind{kindReg, kindReg, kindSrc}},
	"addi": {opAdd, []operandKind{kindReg, kindReg, kindImm}},
	"sub":  {opSub, []operandKind{kindReg, kindReg, kindSrc}},
	"div":  {opDiv, []operandKind{kindReg, kindReg, kindSrc}},
	"len":  {opLen, []operandKind{kindReg}},
	"ldb":  {opLdb, []operandKind{kindReg, kindSrc}},
	"ld":   {opLd, []operandKind{kindReg, kindSrc}},
	"st":   {opSt, []operandKind{kindSrc, kindSrc}},
	"cmp":  {opCmp, []operandKind{kindReg, kindSrc}},
	"cmpi": {opCmp, []operandKind{kindReg, kindImm}},
	"jeq":  {opJeq, []operandKind{kindLabel}},
	"jne":  {opJne, []operandKind{kindLabel}},
	"jlt":  {opJlt, []operandKind{kindLabel}},
	"jge":  {opJge, []operandKind{kindLabel}},
	"jmp":  {opJmp, []operandKind{kindLabel}},
	"call": {opCall, []operandKind{kindLabel}},
	"ret":  {opRet, nil},
	"trap": {opTrap, nil},
	"exit": {opExit, []operandKind{kindSrc}},
}

const (
	NumRegs            = 16
	InsnSize           = 4
	DefaultBase        = 0x10000
	DefaultScratchSize = 256
	// GlobalBase is the guest address of the persistent global region.
	GlobalBase = 0x80000000
	maxRegion  = 1 << 20
)

// Program is an assembled tvm program. It is immutable and can be shared by machines.
type Program struct {
	Base        uint64
	Entry       int
	ScratchSize int
	GlobalSize  int

	insns  []insn
	labels map[string]int
	// syms is sorted by instruction index for symbolization.
	syms []symbol
}

type symbol struct {
	name string
	idx  int
}

func (p *Program) Len() int {
	return len(p.insns)
}

// Addr returns the guest address of the i-th instruction.
func (p *Program) Addr(i int) uint64 {
	return p.Base + uint64(i)*InsnSize
}

// Text returns the half-open address range occupied by instructions.
func (p *Program) Text() (start, end uint64) {
	return p.Base, p.Addr(len(p.insns))
}

func (p *Program) Label(name string) (uint64, bool) {
	idx, ok := p.labels[name]
	return p.Addr(idx), ok
}

// Symbol returns "label" or "label+0xoff" for the closest label at or before pc.
func (p *Program) Symbol(pc uint64) (string, bool) {
	start, end := p.Text()
	if pc < start || pc >= end || len(p.syms) == 0 {
		return "", false
	}
	idx := int((pc - p.Base) / InsnSize)
	i := sort.Search(len(p.syms), func(i int) bool { return p.syms[i].idx > idx }) - 1
	if i < 0 {
		return "", false
	}
	sym := p.syms[i]
	if off := pc - p.Addr(sym.idx); off != 0 {
		return fmt.Sprintf("%v+0x%x", sym.name, off), true
	}
	return sym.name, true
}

// Func is the code between a label and the next label (or the end of the program).
type Func struct {
	Name       string
	Start, End uint64
}

func (p *Program) Funcs() []Func {
	var ret []Func
	for i, sym := range p.syms {
		end := len(p.insns)
		for _, next := range p.syms[i+1:] {
			if next.idx > sym.idx {
				end = next.idx
				break
			}
		}
		if end == sym.idx {
			continue
		}
		ret = append(ret, Func{Name: sym.name, Start: p.Addr(sym.idx), End: p.Addr(end)})
	}
	return ret
}

func LoadFile(file string) (*Program, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	p, err := Assemble(string(data))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", file, err)
	}
	return p, nil
}

// Assemble parses tvm assembly. Syntax is one instruction per line,
// "name:" defines a label, ';' and '#' start comments.
// Directives: .base ADDR, .entry LABEL, .scratch SIZE, .global SIZE.
// Registers are r0-r15, immediates use Go integer syntax or a quoted character ('A').
func Assemble(src string) (*Program, error) {
	p := &Program{
		Base:        DefaultBase,
		ScratchSize: DefaultScratchSize,
		labels:      make(map[string]int),
	}
	type fixup struct {
		insn  int
		label string
	}
	var fixups []fixup
	entry := ""
	s := bufio.NewScanner(strings.NewReader(src))
	for line := 1; s.Scan(); line++ {
		text := stripComment(s.Text())
		for {
			colon := strings.IndexByte(text, ':')
			if colon < 0 || strings.ContainsAny(text[:colon], " \t'") {
				break
			}
			name := text[:colon]
			if !validIdent(name) {
				return nil, fmt.Errorf("line %v: bad label %q", line, name)
			}
			if _, ok := p.labels[name]; ok {
				return nil, fmt.Errorf("line %v: duplicate label %q", line, name)
			}
			p.labels[name] = len(p.insns)
			p.syms = append(p.syms, symbol{name, len(p.insns)})
			text = strings.TrimSpace(text[colon+1:])
		}
		if text == "" {
			continue
		}
		mnemonic, rest := text, ""
		if sp := strings.IndexAny(text, " \t"); sp >= 0 {
			mnemonic, rest = text[:sp], text[sp+1:]
		}
		mnemonic = strings.ToLower(mnemonic)
		args := splitArgs(rest)
		if strings.HasPrefix(mnemonic, ".") {
			if err := p.directive(mnemonic, args, &entry); err != nil {
				return nil, fmt.Errorf("line %v: %w", line, err)
			}
			continue
		}
		info, ok := mnemonics[mnemonic]
		if !ok {
			return nil, fmt.Errorf("line %v: unknown instruction %q", line, mnemonic)
		}
		if len(args) != len(info.args) {
			return nil, fmt.Errorf("line %v: %v wants %v operands, got %v",
				line, mnemonic, len(info.args), len(args))
		}
		in := insn{op: info.op, line: line, target: -1}
		for i, kind := range info.args {
			if kind == kindLabel {
				fixups = append(fixups, fixup{len(p.insns), args[i]})
				continue
			}
			arg, err := parseOperand(args[i], kind)
			if err != nil {
				return nil, fmt.Errorf("line %v: %v: %w", line, mnemonic, err)
			}
			in.args[i] = arg
		}
		p.insns = append(p.insns, in)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(p.insns) == 0 {
		return nil, fmt.Errorf("program has no instructions")
	}
	for _, fix := range fixups {
		idx, ok := p.labels[fix.label]
		if !ok {
			return nil, fmt.Errorf("line %v: undefined label %q", p.insns[fix.insn].line, fix.label)
		}
		p.insns[fix.insn].target = idx
	}
	switch {
	case entry != "":
		idx, ok := p.labels[entry]
		if !ok {
			return nil, fmt.Errorf("undefined entry label %q", entry)
		}
		p.Entry = idx
	default:
		if idx, ok := p.labels["main"]; ok {
			p.Entry = idx
		}
	}
	sort.SliceStable(p.syms, func(i, j int) bool { return p.syms[i].idx < p.syms[j].idx })
	return p, nil
}

func (p *Program) directive(name string, args []string, entry *string) error {
	if len(args) != 1 {
		return fmt.Errorf("%v wants 1 argument", name)
	}
	if name == ".entry" {
		*entry = args[0]
		return nil
	}
	v, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("%v: %w", name, err)
	}
	switch name {
	case ".base":
		if v%InsnSize != 0 {
			return fmt.Errorf(".base 0x%x is not aligned", v)
		}
		p.Base = v
	case ".scratch", ".global":
		if v > maxRegion {
			return fmt.Errorf("%v %v is too large", name, v)
		}
		if name == ".scratch" {
			p.ScratchSize = int(v)
		} else {
			p.GlobalSize = int(v)
		}
	default:
		return fmt.Errorf("unknown directive %v", name)
	}
	return nil
}

func stripComment(line string) string {
	inQuote := false
	for i, c := range line {
		switch {
		case c == '\'':
			inQuote = !inQuote
		case (c == ';' || c == '#') && !inQuote:
			return strings.TrimSpace(line[:i])
		}
	}
	return strings.TrimSpace(line)
}

func splitArgs(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var args []string
	for _, arg := range strings.Split(s, ",") {
		args = append(args, strings.TrimSpace(arg))
	}
	// A quoted comma splits into two empty-ish parts, glue them back.
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "'" && args[i+1] == "'" {
			args[i] = "','"
			args = append(args[:i+1], args[i+2:]...)
		}
	}
	return args
}

func parseOperand(s string, kind operandKind) (operand, error) {
	if reg, ok := parseReg(s); ok {
		if kind&kindReg == 0 {
			return operand{}, fmt.Errorf("register %v is not allowed here", s)
		}
		return operand{reg: reg}, nil
	}
	if kind&kindImm == 0 {
		return operand{}, fmt.Errorf("want register, got %q", s)
	}
	if len(s) >= 3 && s[0] == '\'' {
		r, err := strconv.Unquote(s)
		if err != nil || len(r) != 1 {
			return operand{}, fmt.Errorf("bad character literal %v", s)
		}
		return operand{imm: int64(r[0]), isImm: true}, nil
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		u, uerr := strconv.ParseUint(s, 0, 64)
		if uerr != nil {
			return operand{}, fmt.Errorf("bad immediate %q", s)
		}
		v = int64(u)
	}
	return operand{imm: v, isImm: true}, nil
}

func parseReg(s string) (uint8, bool) {
	if len(s) < 2 || (s[0] != 'r' && s[0] != 'R') {
		return 0, false
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 || n >= NumRegs {
		return 0, false
	}
	return uint8(n), true
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if c == '_' || c == '.' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || i > 0 && c >= '0' && c <= '9' {
			continue
		}
		return false
	}
	return true
}
