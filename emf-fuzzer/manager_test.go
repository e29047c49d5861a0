// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emufuzz/emufuzz/pkg/db"
	"github.com/emufuzz/emufuzz/pkg/fuzzconfig"
	"github.com/emufuzz/emufuzz/pkg/fuzzer"
	"github.com/emufuzz/emufuzz/pkg/persist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, workdir string, iterations int) *fuzzconfig.Config {
	seeds := filepath.Join(workdir, "seeds")
	require.NoError(t, os.MkdirAll(seeds, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(seeds, "bug"), []byte("BUGA"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(seeds, "div"), []byte("DIVA"), 0644))
	cfg, err := fuzzconfig.LoadData([]byte(fmt.Sprintf(`{
		"name": "test",
		"workdir": %q,
		"procs": 2,
		"target": {"type": "tvm", "path": "../pkg/emu/tvm/testdata/magic.tvm"},
		"cover_size": 4096,
		"insn_limit": 10000,
		"max_iterations": %v,
		"seed": 1,
		"max_input_size": 32,
		"seeds": %q,
		"checkpoint": true
	}`, workdir, iterations, seeds)))
	require.NoError(t, err)
	return cfg
}

func TestRunManagerResume(t *testing.T) {
	workdir := t.TempDir()
	require.NoError(t, RunManager(testConfig(t, workdir, 5000)))

	inputs, err := db.ReadInputs(filepath.Join(workdir, "corpus.db"))
	require.NoError(t, err)
	assert.NotEmpty(t, inputs)
	w, err := persist.OpenWorkdir(workdir, 0)
	require.NoError(t, err)
	cp, err := w.LoadCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), cp.Iterations)
	assert.Len(t, cp.Corpus, len(inputs))

	// The second run continues the session up to the new budget.
	require.NoError(t, RunManager(testConfig(t, workdir, 8000)))
	cp1, err := w.LoadCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, cp.Session, cp1.Session)
	assert.Equal(t, uint64(8000), cp1.Iterations)
	assert.GreaterOrEqual(t, len(cp1.Corpus), len(cp.Corpus))
}

func TestHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr, updates, err := newManager(ctx, testConfig(t, t.TempDir(), 0))
	require.NoError(t, err)
	go mgr.saveCorpus(ctx, updates)
	mux := mgr.httpHandler()
	get := func(method, url string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(method, url, nil))
		return rec
	}

	rec := get(http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "state: idle")
	assert.Equal(t, http.StatusConflict, get(http.MethodPost, "/pause").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, get(http.MethodGet, "/pause").Code)

	require.NoError(t, mgr.fuzzer.Start(ctx))
	defer func() {
		mgr.fuzzer.Stop()
		mgr.fuzzer.Wait()
	}()
	for mgr.fuzzer.Config.Corpus.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	rec = get(http.MethodPost, "/pause")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "paused\n", rec.Body.String())
	_, err = os.Stat(filepath.Join(mgr.cfg.Workdir, "checkpoint.xz"))
	assert.NoError(t, err)

	rec = get(http.MethodGet, "/corpus")
	require.Equal(t, http.StatusOK, rec.Code)
	var inputs []UIInput
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inputs))
	require.NotEmpty(t, inputs)
	assert.Equal(t, len(inputs), mgr.fuzzer.Config.Corpus.Len())

	rec = get(http.MethodGet, "/input?sig="+inputs[0].Sig)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, inputs[0].Size, rec.Body.Len())
	assert.Equal(t, http.StatusNotFound, get(http.MethodGet, "/input?sig=foo").Code)

	rec = get(http.MethodGet, "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"Name": "coverage"`))

	assert.Equal(t, http.StatusOK, get(http.MethodGet, "/metrics").Code)
	assert.Equal(t, http.StatusOK, get(http.MethodGet, "/log").Code)
	assert.Equal(t, http.StatusNotFound, get(http.MethodGet, "/nonexistent").Code)

	rec = get(http.MethodPost, "/resume")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fuzzer.Running, mgr.fuzzer.State())
}
