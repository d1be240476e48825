// Package test carries helpers for suites that need a throwaway encrypted
// database in the working directory.
package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/kestrel-im/go-kestrel/config"
	db "github.com/kestrel-im/go-kestrel/internal/db"
)

var testKey = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func randomSuffix() string {
	var b [8]byte
	if _, err := io.ReadFull(crypto_rand.Reader, b[:]); err != nil {
		panic("short read from random source")
	}
	return fmt.Sprintf("%x", b[:])
}

// DeleteAll removes every file matching glob, descending into directories.
func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
		} else {
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		}
	}
}

// DBCleanup runs a test binary and sweeps leftover database files after it,
// returning the exit code for os.Exit.
func DBCleanup(run func() int) int {
	c := run()
	DeleteAll("*-journal")
	DeleteAll("test-*")
	return c
}

// NewTestDatabase opens a fresh database under a unique test- prefix,
// initialized with a fixed key.
func NewTestDatabase(c *config.Config) *db.Database {
	database, err := db.NewDatabase(c, fmt.Sprintf("test-%s", randomSuffix()))
	if err != nil {
		panic(err)
	}
	if err := database.Initialize(testKey); err != nil {
		panic(err)
	}
	if err := database.Open(testKey); err != nil {
		panic(err)
	}
	return database
}
