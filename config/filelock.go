package config

import (
	"os"
	"path/filepath"
	"strings"
)

// FileLock provides cross-process locking for a data file. A sibling ".lock"
// file is locked rather than the data file itself, so the data file can be
// atomically replaced or deleted while a lock is held.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock returns a FileLock guarding the given data file path.
func NewFileLock(path string) *FileLock {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &FileLock{
		path: filepath.Join(filepath.Dir(path), base+".lock"),
	}
}
