// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// emf-execprog executes input files against the target of a fuzzer config
// and prints the outcome and the covered map indices of every execution.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/emufuzz/emufuzz/pkg/fuzzconfig"
	"github.com/emufuzz/emufuzz/pkg/ipc"
	"github.com/emufuzz/emufuzz/pkg/log"
	"github.com/emufuzz/emufuzz/pkg/stat"
)

var (
	flagConfig = flag.String("config", "", "fuzzer config file")
	flagRepeat = flag.Int("repeat", 1, "number of times to execute each input")
	flagCover  = flag.Bool("cover", false, "print covered map indices")
	flagOutput = flag.Bool("output", false, "print target output")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: emf-execprog -config fuzzer.cfg [flags] input-files...\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if len(flag.Args()) == 0 || *flagRepeat < 1 {
		flag.Usage()
		os.Exit(1)
	}
	cfg, err := fuzzconfig.LoadFile(*flagConfig)
	if err != nil {
		log.Fatalf("%v", err)
	}
	execCfg, err := cfg.ExecConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Logf(1, "coverage filter: %v", execCfg.Filter)
	env, err := ipc.MakeEnv(execCfg, 0)
	if err != nil {
		log.Fatalf("failed to create execution environment: %v", err)
	}
	defer env.Close()
	nondeterministic := 0
	for _, file := range flag.Args() {
		input, err := os.ReadFile(file)
		if err != nil {
			log.Fatalf("failed to read input: %v", err)
		}
		if !execute(env, file, input) {
			nondeterministic++
		}
	}
	if nondeterministic != 0 {
		log.Logf(0, "%v inputs produced different coverage on repeated executions", nondeterministic)
		os.Exit(2)
	}
}

// execute runs the input flagRepeat times and reports whether all runs observed the same coverage.
func execute(env *ipc.Env, file string, input []byte) bool {
	var first *ipc.Result
	var avg stat.AverageValue[time.Duration]
	stable := true
	for i := 0; i < *flagRepeat; i++ {
		res, err := env.Exec(input)
		if err != nil {
			log.Fatalf("%v: %v", file, err)
		}
		printResult(file, i, res)
		avg.Save(res.Duration)
		if first == nil {
			first = res
			continue
		}
		if res.Outcome != first.Outcome || res.Obs.Hash() != first.Obs.Hash() {
			log.Logf(0, "%v: run #%v differs from run #0", file, i)
			stable = false
		}
	}
	if *flagRepeat > 1 {
		fmt.Printf("%v: average duration %v over %v runs\n", file, avg.Value(), avg.Count())
	}
	return stable
}

func printResult(file string, run int, res *ipc.Result) {
	desc := res.Outcome.String()
	switch res.Outcome {
	case ipc.Normal:
		desc += fmt.Sprintf(" code=%v", res.Code)
	case ipc.Crash:
		desc += fmt.Sprintf(" %q pc=0x%x fault=%x", res.Title, res.PC, res.FaultHash)
	}
	if res.BadTrace != nil {
		desc += fmt.Sprintf(" (%v)", res.BadTrace)
	}
	fmt.Printf("%v #%v: %v duration=%v insns=%v coverage=%v\n",
		file, run, desc, res.Duration, res.Insns, res.Obs.Len())
	if *flagCover {
		var buf strings.Builder
		for i, idx := range res.Obs.Indices {
			fmt.Fprintf(&buf, " %v:%v", idx, res.Obs.Counts[i])
		}
		fmt.Printf("  indices:%v\n", buf.String())
	}
	if *flagOutput && len(res.Output) != 0 {
		fmt.Printf("%s\n", res.Output)
	}
}
