// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package persist

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emufuzz/emufuzz/pkg/fuzzer"
	"github.com/emufuzz/emufuzz/pkg/hash"
	"github.com/emufuzz/emufuzz/pkg/osutil"
)

// CrashStore is the crash archive: one directory per crash title holding
// the description and up to MaxCrashLogs distinct crashing inputs with their logs.
type CrashStore struct {
	BaseDir      string
	MaxCrashLogs int

	mu sync.Mutex
}

const DefaultMaxCrashLogs = 100

// SaveCrash archives the crash and returns whether it's the first crash with this title.
// A crash is not stored again if the same input, or another input that faulted
// at the same fault site, is already archived under the same title.
func (cs *CrashStore) SaveCrash(crash *fuzzer.Crash) (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	dir := filepath.Join(cs.BaseDir, crashHash(crash.Title))
	if err := osutil.MkdirAll(dir); err != nil {
		return false, fmt.Errorf("failed to create crash dir: %w", err)
	}
	descFile := filepath.Join(dir, "description")
	first := !osutil.IsExist(descFile)
	if first {
		if err := osutil.WriteFile(descFile, []byte(crash.Title+"\n")); err != nil {
			return false, fmt.Errorf("failed to write crash: %w", err)
		}
	}
	maxLogs := cs.MaxCrashLogs
	if maxLogs <= 0 {
		maxLogs = DefaultMaxCrashLogs
	}
	var fault string
	if crash.Result != nil && crash.Result.FaultHash != 0 {
		fault = strconv.FormatUint(crash.Result.FaultHash, 16)
	}
	// Save up to MaxCrashLogs inputs, overwrite the oldest once we've reached that number.
	oldestI := 0
	var oldestTime time.Time
	for i := 0; i < maxLogs; i++ {
		filename := filepath.Join(dir, fmt.Sprintf("input%v", i))
		info, err := os.Stat(filename)
		if err != nil {
			oldestI = i
			break
		}
		if data, err := os.ReadFile(filename); err == nil && bytes.Equal(data, crash.Input) {
			return first, nil
		}
		if fault != "" {
			data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("fault%v", i)))
			if err == nil && string(data) == fault {
				return first, nil
			}
		}
		if oldestTime.IsZero() || info.ModTime().Before(oldestTime) {
			oldestI = i
			oldestTime = info.ModTime()
		}
	}
	index := fmt.Sprint(oldestI)
	if err := osutil.WriteFile(filepath.Join(dir, "input"+index), crash.Input); err != nil {
		return first, fmt.Errorf("failed to write crash input: %w", err)
	}
	if err := osutil.WriteFile(filepath.Join(dir, "log"+index), crashLog(crash)); err != nil {
		return first, fmt.Errorf("failed to write crash log: %w", err)
	}
	faultFile := filepath.Join(dir, "fault"+index)
	if fault == "" {
		os.Remove(faultFile)
	} else if err := osutil.WriteFile(faultFile, []byte(fault)); err != nil {
		return first, fmt.Errorf("failed to write crash fault site: %w", err)
	}
	return first, nil
}

func crashLog(crash *fuzzer.Crash) []byte {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "title: %v\n", crash.Title)
	fmt.Fprintf(buf, "input: %q\n", crash.Input)
	if res := crash.Result; res != nil {
		fmt.Fprintf(buf, "signal: %v\npc: 0x%x\nfault site: %x\nduration: %v\ninstructions: %v\ncoverage: %v\n",
			osutil.SignalName(res.Signal), res.PC, res.FaultHash, res.Duration, res.Insns, res.Obs.Len())
		if len(res.Output) != 0 {
			fmt.Fprintf(buf, "\n%s", res.Output)
		}
	}
	return buf.Bytes()
}

type BugInfo struct {
	ID      string
	Title   string
	Crashes []*CrashInfo
}

type CrashInfo struct {
	Index int
	Input []byte
	Log   []byte
	Time  time.Time
}

// BugInfo reads the archived crashes for the title hash id.
// Inputs and logs are read only if full is set.
func (cs *CrashStore) BugInfo(id string, full bool) (*BugInfo, error) {
	dir := filepath.Join(cs.BaseDir, id)
	desc, err := os.ReadFile(filepath.Join(dir, "description"))
	if err != nil {
		return nil, err
	}
	ret := &BugInfo{
		ID:    id,
		Title: strings.TrimSpace(string(desc)),
	}
	files, err := osutil.ListDir(dir)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if !strings.HasPrefix(f, "input") {
			continue
		}
		index, err := strconv.ParseUint(f[len("input"):], 10, 64)
		if err != nil {
			continue
		}
		crash := &CrashInfo{Index: int(index)}
		if stat, err := os.Stat(filepath.Join(dir, f)); err == nil {
			crash.Time = stat.ModTime()
		}
		if full {
			crash.Input, _ = os.ReadFile(filepath.Join(dir, f))
			crash.Log, _ = os.ReadFile(filepath.Join(dir, fmt.Sprintf("log%v", index)))
		}
		ret.Crashes = append(ret.Crashes, crash)
	}
	sort.Slice(ret.Crashes, func(i, j int) bool {
		return ret.Crashes[i].Index < ret.Crashes[j].Index
	})
	return ret, nil
}

// BugList returns all archived crash titles sorted by title.
func (cs *CrashStore) BugList() ([]*BugInfo, error) {
	entries, err := os.ReadDir(cs.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ret []*BugInfo
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		info, err := cs.BugInfo(ent.Name(), false)
		if err != nil {
			continue
		}
		ret = append(ret, info)
	}
	sort.Slice(ret, func(i, j int) bool {
		return strings.ToLower(ret[i].Title) < strings.ToLower(ret[j].Title)
	})
	return ret, nil
}

func crashHash(title string) string {
	return hash.String([]byte(title))
}
