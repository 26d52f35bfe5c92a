// Copyright 2026 The Coral Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hostfile adapts a host file descriptor to the mm.File
// collaborator interface. It stands in for Coral's filesystem layer when
// the memory subsystem runs against real files.
package hostfile

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"coralos.dev/coral/pkg/mm"
)

// File is a refcounted handle to an open host file. All handles returned by
// Dup share one descriptor and one lock, the way dup'd kernel file handles
// share an inode.
type File struct {
	inner *inner
}

type inner struct {
	fd       int
	mu       sync.Mutex
	refs     atomic.Int64
	readable bool
	writable bool
}

var _ mm.File = (*File)(nil)

// Open opens path with the given readability and writability.
func Open(path string, readable, writable bool) (*File, error) {
	var flags int
	switch {
	case readable && writable:
		flags = unix.O_RDWR
	case writable:
		flags = unix.O_WRONLY
	case readable:
		flags = unix.O_RDONLY
	default:
		return nil, fmt.Errorf("hostfile: %s: neither readable nor writable", path)
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("hostfile: open %s: %w", path, err)
	}
	in := &inner{fd: fd, readable: readable, writable: writable}
	in.refs.Store(1)
	return &File{inner: in}, nil
}

// Readable implements mm.File.Readable.
func (f *File) Readable() bool { return f.inner.readable }

// Writable implements mm.File.Writable.
func (f *File) Writable() bool { return f.inner.writable }

// ReadAt implements mm.File.ReadAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(f.inner.fd, p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// WriteAt implements mm.File.WriteAt.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return unix.Pwrite(f.inner.fd, p, off)
}

// Lock implements mm.File.Lock.
func (f *File) Lock() { f.inner.mu.Lock() }

// Unlock implements mm.File.Unlock.
func (f *File) Unlock() { f.inner.mu.Unlock() }

// Dup implements mm.File.Dup.
func (f *File) Dup() mm.File {
	f.inner.refs.Add(1)
	return &File{inner: f.inner}
}

// Close implements mm.File.Close. The descriptor is closed when the last
// handle goes away.
func (f *File) Close() error {
	if f.inner.refs.Add(-1) > 0 {
		return nil
	}
	return unix.Close(f.inner.fd)
}
