// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package persist keeps the state of a fuzzing session in its working directory:
// the corpus database, the crash archive and the session checkpoint.
package persist

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/emufuzz/emufuzz/pkg/corpus"
	"github.com/emufuzz/emufuzz/pkg/db"
	"github.com/emufuzz/emufuzz/pkg/fuzzer"
	"github.com/emufuzz/emufuzz/pkg/hash"
	"github.com/emufuzz/emufuzz/pkg/log"
	"github.com/emufuzz/emufuzz/pkg/osutil"
	"github.com/ulikunitz/xz"
)

const (
	corpusFile     = "corpus.db"
	checkpointFile = "checkpoint.xz"
	crashDir       = "crashes"
)

// Record kinds stored in the seq field of corpus.db.
const (
	recordNormal uint64 = iota
	recordHanged
)

type Workdir struct {
	Dir     string
	Crashes *CrashStore

	mu       sync.Mutex
	corpusDB *db.DB
}

// OpenWorkdir creates the directory if needed and opens the corpus database.
// A corrupted database is repaired, the inputs that could be read are kept.
func OpenWorkdir(dir string, maxCrashLogs int) (*Workdir, error) {
	if err := osutil.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("failed to create workdir: %w", err)
	}
	corpusDB, err := db.Open(filepath.Join(dir, corpusFile), true)
	if err != nil {
		if corpusDB == nil {
			return nil, fmt.Errorf("failed to open corpus database: %w", err)
		}
		log.Logf(0, "read %v inputs from corpus and got error: %v", len(corpusDB.Records), err)
	}
	return &Workdir{
		Dir: dir,
		Crashes: &CrashStore{
			BaseDir:      filepath.Join(dir, crashDir),
			MaxCrashLogs: maxCrashLogs,
		},
		corpusDB: corpusDB,
	}, nil
}

// SaveInput appends a corpus item to the corpus database.
// The write is buffered until Flush.
func (w *Workdir) SaveInput(item *corpus.Item) {
	kind := recordNormal
	if item.Hanged {
		kind = recordHanged
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.corpusDB.Save(item.Sig, item.Input, kind)
}

func (w *Workdir) CorpusLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.corpusDB.Records)
}

func (w *Workdir) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.corpusDB.Flush(); err != nil {
		return fmt.Errorf("failed to save corpus database: %w", err)
	}
	return nil
}

// Candidates returns the persisted corpus followed by the seeds that are not in it yet.
func (w *Workdir) Candidates(seeds [][]byte) []fuzzer.Candidate {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.corpusDB.Records))
	for key := range w.corpusDB.Records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var candidates []fuzzer.Candidate
	for _, key := range keys {
		candidates = append(candidates, fuzzer.Candidate{
			Input: w.corpusDB.Records[key].Val,
			Flags: fuzzer.InputFromCorpus,
		})
	}
	for _, seed := range seeds {
		if _, ok := w.corpusDB.Records[hash.String(seed)]; ok {
			continue
		}
		candidates = append(candidates, fuzzer.Candidate{Input: seed})
	}
	return candidates
}

// SaveCheckpoint atomically replaces the session checkpoint.
func (w *Workdir) SaveCheckpoint(cp *fuzzer.Checkpoint) error {
	buf := new(bytes.Buffer)
	xw, err := xz.NewWriter(buf)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(xw).Encode(cp); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := xw.Close(); err != nil {
		return err
	}
	return osutil.WriteFileAtomically(filepath.Join(w.Dir, checkpointFile), buf.Bytes())
}

// ErrNoCheckpoint is returned by LoadCheckpoint if the workdir has no checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint")

func (w *Workdir) LoadCheckpoint() (*fuzzer.Checkpoint, error) {
	f, err := os.Open(filepath.Join(w.Dir, checkpointFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, err
	}
	defer f.Close()
	return readCheckpoint(f)
}

func readCheckpoint(r io.Reader) (*fuzzer.Checkpoint, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("bad checkpoint: %w", err)
	}
	cp := new(fuzzer.Checkpoint)
	if err := gob.NewDecoder(xr).Decode(cp); err != nil {
		return nil, fmt.Errorf("bad checkpoint: %w", err)
	}
	return cp, nil
}

// LoadSeeds reads all regular files in dir as seed inputs, in file name order.
func LoadSeeds(dir string) ([][]byte, error) {
	if dir == "" {
		return nil, nil
	}
	files, err := osutil.ListDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read seeds: %w", err)
	}
	var seeds [][]byte
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read seeds: %w", err)
		}
		seeds = append(seeds, data)
	}
	return seeds, nil
}
