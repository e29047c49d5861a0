// Copyright 2016 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package config

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/emufuzz/emufuzz/pkg/osutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nested struct {
	Aaa int    `json:"aaa"`
	Bbb string `json:"bbb"`
}

type testConfig struct {
	Foo int           `json:"foo"`
	Bar string        `json:"bar"`
	Qux []string      `json:"qux"`
	Box nested        `json:"box"`
	Boq *nested       `json:"boq"`
	Dur time.Duration `json:"dur"`
}

func TestLoad(t *testing.T) {
	tests := []struct {
		input  string
		output testConfig
		err    bool
	}{
		{
			input:  `{"foo": 42}`,
			output: testConfig{Foo: 42},
		},
		{
			input: `
# comment line
{
	"bar": "Baz",
	# another one
	"foo": 42
}`,
			output: testConfig{Foo: 42, Bar: "Baz"},
		},
		{
			input: `{"foobar": 42}`,
			err:   true,
		},
		{
			input:  `{"foo": 1, "box": {"aaa": 12, "bbb": "bbb"}}`,
			output: testConfig{Foo: 1, Box: nested{Aaa: 12, Bbb: "bbb"}},
		},
		{
			input: `{"box": {"aaa": 12, "ccc": "bbb"}}`,
			err:   true,
		},
		{
			input:  `{"qux": ["aaa", "bbb"], "boq": {"aaa": 1}}`,
			output: testConfig{Qux: []string{"aaa", "bbb"}, Boq: &nested{Aaa: 1}},
		},
		{
			input:  `{"dur": 1000000000}`,
			output: testConfig{Dur: time.Second},
		},
	}
	for i, test := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			var cfg testConfig
			err := LoadData([]byte(test.input), &cfg)
			if test.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(test.output, cfg); diff != "" {
				t.Fatalf("bad output (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	var cfg testConfig
	err := LoadYAML([]byte("foo: 3\nqux: [a, b]\nbox:\n  aaa: 7\n"), &cfg)
	require.NoError(t, err)
	assert.Equal(t, testConfig{Foo: 3, Qux: []string{"a", "b"}, Box: nested{Aaa: 7}}, cfg)

	err = LoadYAML([]byte("unknown: 1\n"), &cfg)
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	jsonFile := filepath.Join(dir, "cfg.json")
	yamlFile := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, SaveFile(jsonFile, &testConfig{Foo: 5, Bar: "x"}))
	require.NoError(t, osutil.WriteFile(yamlFile, []byte("foo: 6\n")))

	var cfg testConfig
	require.NoError(t, LoadFile(jsonFile, &cfg))
	assert.Equal(t, testConfig{Foo: 5, Bar: "x"}, cfg)

	cfg = testConfig{}
	require.NoError(t, LoadFile(yamlFile, &cfg))
	assert.Equal(t, 6, cfg.Foo)

	assert.Error(t, LoadFile("", &cfg))
	assert.Error(t, LoadFile(filepath.Join(dir, "missing"), &cfg))
}

func TestLoadBadType(t *testing.T) {
	want := "config type is not pointer to struct"
	if err := LoadData([]byte("{}"), 1); err == nil || err.Error() != want {
		t.Fatalf("got '%v', want '%v'", err, want)
	}
	i := 0
	if err := LoadData([]byte("{}"), &i); err == nil || err.Error() != want {
		t.Fatalf("got '%v', want '%v'", err, want)
	}
	s := struct{}{}
	if err := LoadData([]byte("{}"), s); err == nil || err.Error() != want {
		t.Fatalf("got '%v', want '%v'", err, want)
	}
}
