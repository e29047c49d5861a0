// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// emf-db packs a directory of inputs into a corpus database and back.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/emufuzz/emufuzz/pkg/db"
	"github.com/emufuzz/emufuzz/pkg/hash"
	"github.com/emufuzz/emufuzz/pkg/osutil"
)

func main() {
	var (
		flagVersion = flag.Uint64("version", 0, "database version")
	)
	flag.Parse()
	args := flag.Args()
	if len(args) != 3 {
		usage()
	}
	switch args[0] {
	case "pack":
		pack(args[1], args[2], *flagVersion)
	case "unpack":
		unpack(args[1], args[2])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  emf-db pack dir corpus.db\n")
	fmt.Fprintf(os.Stderr, "  emf-db unpack corpus.db dir\n")
	os.Exit(1)
}

func pack(dir, file string, version uint64) {
	files, err := osutil.ListDir(dir)
	if err != nil {
		failf("failed to read dir: %v", err)
	}
	var records []db.Record
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			failf("failed to read file %v: %v", name, err)
		}
		var seq uint64
		key := name
		if parts := strings.Split(name, "-"); len(parts) == 2 {
			var err error
			if seq, err = strconv.ParseUint(parts[1], 10, 64); err == nil {
				key = parts[0]
			}
		}
		if sig := hash.String(data); key != sig {
			fmt.Fprintf(os.Stderr, "fixing hash %v -> %v\n", key, sig)
		}
		records = append(records, db.Record{
			Val: data,
			Seq: seq,
		})
	}
	if err := db.Create(file, version, records); err != nil {
		failf("%v", err)
	}
	fmt.Printf("packed %v inputs into %v\n", len(records), file)
}

func unpack(file, dir string) {
	corpusDB, err := db.Open(file, false)
	if err != nil {
		failf("failed to open database: %v", err)
	}
	if err := osutil.MkdirAll(dir); err != nil {
		failf("failed to create dir: %v", err)
	}
	for key, rec := range corpusDB.Records {
		fname := filepath.Join(dir, key)
		if rec.Seq != 0 {
			fname += fmt.Sprintf("-%v", rec.Seq)
		}
		if err := osutil.WriteFile(fname, rec.Val); err != nil {
			failf("failed to output file: %v", err)
		}
	}
	fmt.Printf("unpacked %v inputs into %v\n", len(corpusDB.Records), dir)
}

func failf(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
	os.Exit(1)
}
