// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package vfs abstracts the block devices the engine opens for its data,
// metadata and journal regions, so that tests can run against an in-memory
// backing store instead of real disks.
package vfs

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// File is the subset of device I/O the engine needs: positioned reads and
// writes plus fsync. Devices are opened once at format/open time and kept
// open for the engine's lifetime, so there is no separate Open-per-access
// path like a general-purpose filesystem would need.
type File interface {
	io.Closer
	io.ReaderAt
	io.WriterAt
	// Sync flushes any data buffered by the OS for this file to the
	// underlying device (fdatasync semantics are sufficient).
	Sync() error
	// Size returns the current size of the file in bytes.
	Size() (int64, error)
	// Truncate grows or shrinks the file.
	Truncate(size int64) error
}

// FS is a namespace for opening device files and exclusively locking them.
type FS interface {
	// OpenReadWrite opens name for positioned reads and writes, creating it
	// (but not truncating an existing file) if it does not exist.
	OpenReadWrite(name string) (File, error)

	// Lock acquires an exclusive advisory lock on name, creating it if
	// necessary. Returns a Closer that releases the lock; callers should
	// hold it for the engine's lifetime. Implementations may no-op when
	// locking is disabled by configuration.
	Lock(name string) (io.Closer, error)

	// Stat reports the size of the named file, or an error if it doesn't exist.
	Stat(name string) (int64, error)
}

// Default is the FS implementation backed by the operating system.
var Default FS = osFS{}

type osFS struct{}

func (osFS) OpenReadWrite(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "vfs: open %s", name)
	}
	return osFile{f}, nil
}

func (osFS) Stat(name string) (int64, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

type osFile struct {
	*os.File
}

func (f osFile) Sync() error {
	return f.File.Sync()
}

func (f osFile) Size() (int64, error) {
	fi, err := f.File.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (f osFile) Truncate(size int64) error {
	return f.File.Truncate(size)
}
