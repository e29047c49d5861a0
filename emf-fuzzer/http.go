// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"strings"
	"time"

	"github.com/emufuzz/emufuzz/pkg/fuzzer"
	"github.com/emufuzz/emufuzz/pkg/log"
	"github.com/emufuzz/emufuzz/pkg/stat"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (mgr *Manager) initHTTP() {
	mux := mgr.httpHandler()
	log.Logf(0, "serving http on http://%v", mgr.cfg.HTTP)
	go func() {
		err := http.ListenAndServe(mgr.cfg.HTTP, mux)
		if err != nil {
			log.Fatalf("failed to listen on %v: %v", mgr.cfg.HTTP, err)
		}
	}()
}

func (mgr *Manager) httpHandler() *http.ServeMux {
	mux := http.NewServeMux()
	handle := func(pattern string, handler func(http.ResponseWriter, *http.Request)) {
		mux.Handle(pattern, handlers.CompressHandler(http.HandlerFunc(handler)))
	}
	handle("/", mgr.httpSummary)
	handle("/stats", mgr.httpStats)
	handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}).ServeHTTP)
	handle("/corpus", mgr.httpCorpus)
	handle("/input", mgr.httpInput)
	handle("/crashes", mgr.httpCrashes)
	handle("/log", mgr.httpLog)
	handle("/pause", mgr.httpPause)
	handle("/resume", mgr.httpResume)
	// Browsers like to request this, without special handler this goes to / handler.
	handle("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {})
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	return mux
}

func (mgr *Manager) httpSummary(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s := mgr.fuzzer.Summary()
	buf := new(strings.Builder)
	fmt.Fprintf(buf, "%v (session %v)\n", mgr.cfg.Name, s.Session)
	fmt.Fprintf(buf, "state: %v", s.State)
	if s.State == fuzzer.Stopped {
		fmt.Fprintf(buf, " (%v)", mgr.fuzzer.StopReason())
	}
	fmt.Fprintf(buf, "\nuptime: %v\n\n", time.Since(mgr.startTime).Truncate(time.Second))
	for _, v := range stat.Collect(stat.Simple) {
		fmt.Fprintf(buf, "%-20v %v\n", v.Name+":", v.Value)
	}
	if item := mgr.fuzzer.StageItem(); item != nil {
		fmt.Fprintf(buf, "\nstage input: #%v %q\n", item.ID, item.Input)
	}
	if jobs := mgr.fuzzer.RunningJobs(); len(jobs) != 0 {
		fmt.Fprintf(buf, "\nrunning jobs:\n")
		for _, job := range jobs {
			fmt.Fprintf(buf, "  %v %v: %v execs\n", job.Type, job.Name, job.Execs.Load())
		}
	}
	bugs, err := mgr.workdir.Crashes.BugList()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to collect crashes: %v", err), http.StatusInternalServerError)
		return
	}
	if len(bugs) != 0 {
		fmt.Fprintf(buf, "\ncrashes:\n")
		for _, bug := range bugs {
			fmt.Fprintf(buf, "  %-60v %v inputs  /crashes?id=%v\n", bug.Title, len(bug.Crashes), bug.ID)
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(buf.String()))
}

func (mgr *Manager) httpStats(w http.ResponseWriter, r *http.Request) {
	data, err := json.MarshalIndent(stat.Collect(stat.All), "", "\t")
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to encode json: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

type UIInput struct {
	ID            int
	Sig           string
	Size          int
	Signal        int
	Cover         int
	DiscoveredAt  uint64
	ExecTime      time.Duration
	Hanged        bool
	Favored       bool
	TimesSelected int
}

func (mgr *Manager) httpCorpus(w http.ResponseWriter, r *http.Request) {
	var inputs []UIInput
	for _, entry := range mgr.fuzzer.Config.Corpus.Entries() {
		inputs = append(inputs, UIInput{
			ID:            entry.ID,
			Sig:           entry.Sig,
			Size:          len(entry.Input),
			Signal:        entry.Signal.Len(),
			Cover:         len(entry.Cover),
			DiscoveredAt:  entry.DiscoveredAt,
			ExecTime:      entry.ExecTime,
			Hanged:        entry.Hanged,
			Favored:       entry.Favored,
			TimesSelected: entry.TimesSelected,
		})
	}
	data, err := json.MarshalIndent(inputs, "", "\t")
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to encode json: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (mgr *Manager) httpInput(w http.ResponseWriter, r *http.Request) {
	item := mgr.fuzzer.Config.Corpus.Item(r.FormValue("sig"))
	if item == nil {
		http.Error(w, "can't find the input", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(item.Input)
}

func (mgr *Manager) httpCrashes(w http.ResponseWriter, r *http.Request) {
	id := r.FormValue("id")
	if id == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	info, err := mgr.workdir.Crashes.BugInfo(id, true)
	if err != nil {
		http.Error(w, "can't find the crash", http.StatusNotFound)
		return
	}
	buf := new(strings.Builder)
	fmt.Fprintf(buf, "%v\n", info.Title)
	for _, crash := range info.Crashes {
		fmt.Fprintf(buf, "\n#%v %v\n%s", crash.Index, crash.Time.Format(time.DateTime), crash.Log)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(buf.String()))
}

func (mgr *Manager) httpLog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(log.CachedLogOutput()))
}

func (mgr *Manager) httpPause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	if err := mgr.fuzzer.Pause(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if mgr.cfg.Checkpoint {
		if err := mgr.saveCheckpoint(); err != nil {
			http.Error(w, fmt.Sprintf("paused, but failed to save checkpoint: %v", err),
				http.StatusInternalServerError)
			return
		}
	}
	fmt.Fprintf(w, "%v\n", mgr.fuzzer.State())
}

func (mgr *Manager) httpResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	if err := mgr.fuzzer.Resume(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	fmt.Fprintf(w, "%v\n", mgr.fuzzer.State())
}
