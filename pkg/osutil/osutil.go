// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

const (
	DefaultDirPerm  = 0755
	DefaultFilePerm = 0644
	DefaultExecPerm = 0755
)

// Command is similar to os/exec.Command, but places the child into its own
// process group (so that KillPgroup reaches its descendants) and sets PDEATHSIG on linux.
func Command(bin string, args ...string) *exec.Cmd {
	cmd := exec.Command(bin, args...)
	setPdeathsig(cmd)
	return cmd
}

// KillPgroup kills the whole process group of a command started with Command.
func KillPgroup(cmd *exec.Cmd) {
	killPgroup(cmd)
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

// IsExist returns true if the file name exists.
func IsExist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func MkdirAll(dir string) error {
	return os.MkdirAll(dir, DefaultDirPerm)
}

func WriteFile(filename string, data []byte) error {
	return os.WriteFile(filename, data, DefaultFilePerm)
}

// WriteFileAtomically writes data to a temp file next to filename and renames it in place,
// so that readers never observe a partially written file.
func WriteFileAtomically(filename string, data []byte) error {
	tmp := filename + ".tmp"
	if err := WriteFile(tmp, data); err != nil {
		return err
	}
	return Rename(tmp, filename)
}

func Rename(oldFile, newFile string) error {
	err := os.Rename(oldFile, newFile)
	if err != nil {
		os.Remove(oldFile)
		return fmt.Errorf("failed to rename %v -> %v: %w", oldFile, newFile, err)
	}
	return nil
}

// ListDir returns all regular file names in dir in sorted order.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, ent := range entries {
		if ent.Type().IsRegular() {
			files = append(files, ent.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// ReadDirFiles reads all regular files from dir, keyed by file name.
func ReadDirFiles(dir string) (map[string][]byte, error) {
	files, err := ListDir(dir)
	if err != nil {
		return nil, err
	}
	res := make(map[string][]byte, len(files))
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		res[name] = data
	}
	return res, nil
}
