package wal

import "os"

// File is the minimal file handle the writer and reader need. Any
// concrete file that implements these methods (an *os.File, or
// storage's in-memory test file) satisfies it without this package
// importing storage.
type File interface {
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
	Stat() (os.FileInfo, error)
}
