// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemMappedFile(t *testing.T) {
	f, mem, err := CreateMemMappedFile(4 << 10)
	require.NoError(t, err)
	mem[0], mem[len(mem)-1] = 0xaa, 0xbb
	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, int64(len(mem)-1))
	require.NoError(t, err)
	assert.Equal(t, byte(0xbb), buf[0])
	require.NoError(t, CloseMemMappedFile(f, mem))
}

func TestReadDirFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteFile(filepath.Join(dir, "b"), []byte("2")))
	require.NoError(t, WriteFileAtomically(filepath.Join(dir, "a"), []byte("1")))
	require.NoError(t, MkdirAll(filepath.Join(dir, "sub")))
	files, err := ListDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, files)
	data, err := ReadDirFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, data)
	assert.False(t, IsExist(filepath.Join(dir, "a.tmp")))
	_, err = os.Stat(filepath.Join(dir, "sub"))
	assert.NoError(t, err)
}

func TestSignalName(t *testing.T) {
	assert.Equal(t, "SIGSEGV", SignalName(syscall.SIGSEGV))
}
