// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import "github.com/emufuzz/emufuzz/pkg/stat"

type Stats struct {
	statCandidates    *stat.Val
	statNewInputs     *stat.Val
	statHangedInputs  *stat.Val
	statCrashes       *stat.Val
	statTimeouts      *stat.Val
	statBadTraces     *stat.Val
	statStages        *stat.Val
	statJobs          *stat.Val
	statJobsSmash     *stat.Val
	statExecTime      *stat.Val
	statExecTotal     *stat.Val
	statExecGenerate  *stat.Val
	statExecFuzz      *stat.Val
	statExecCandidate *stat.Val
	statExecSmash     *stat.Val
}

func newStats() Stats {
	return Stats{
		statCandidates: stat.New("candidates", "Number of candidate inputs in the queue",
			stat.Console, stat.Prometheus("emf_fuzzer_candidates")),
		statNewInputs: stat.New("new inputs", "Number of inputs admitted to the corpus",
			stat.Rate{}, stat.Prometheus("emf_fuzzer_new_inputs")),
		statHangedInputs: stat.New("hanged inputs", "Number of admitted inputs that timed out"),
		statCrashes: stat.New("crashes", "Number of crashing executions",
			stat.Console, stat.Rate{}, stat.Prometheus("emf_fuzzer_crashes")),
		statTimeouts: stat.New("timeouts", "Number of executions that timed out",
			stat.Rate{}, stat.Prometheus("emf_fuzzer_timeouts")),
		statBadTraces: stat.New("bad traces", "Executions whose coverage trace was corrupted by the target"),
		statStages:    stat.New("stages", "Number of mutational stages started", stat.Rate{}),
		statJobs:      stat.New("fuzzer jobs", "Total running fuzzer jobs", stat.Prometheus("emf_fuzzer_jobs")),
		statJobsSmash: stat.New("smash jobs", "Running smash jobs"),
		statExecTime: stat.New("exec time", "Execution time of test inputs (us)",
			stat.Distribution{}, stat.Prometheus("emf_exec_time_us")),
		statExecTotal: stat.New("exec total", "Total test input executions",
			stat.Console, stat.Rate{}, stat.Prometheus("emf_exec_total")),
		statExecGenerate: stat.New("exec gen", "Executions of generated inputs", stat.Rate{}),
		statExecFuzz:     stat.New("exec fuzz", "Executions of mutated inputs", stat.Rate{}),
		statExecCandidate: stat.New("exec candidate", "Executions of seed and corpus candidates",
			stat.Rate{}),
		statExecSmash: stat.New("exec smash", "Executions of smashed inputs", stat.Rate{}),
	}
}
