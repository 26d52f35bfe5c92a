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

// Package mm manages Coral address spaces: a page-table tree plus an
// ordered list of file-backed memory-mapped regions (VMAs), populated
// lazily by page faults and torn down with write-back of dirty shared
// pages.
//
// An address space is mutated only by the core that owns it (or a core
// acting on the owner's behalf); VMA slot claiming is the one cross-space
// operation and is lock-free.
package mm

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"coralos.dev/coral/pkg/frame"
	"coralos.dev/coral/pkg/pagetable"
)

// PageSize is the virtual page size.
const PageSize = pagetable.PageSize

// mapTop is the fixed boundary mappings grow down from. The pages above it
// are reserved for kernel-owned mappings (trampoline and friends) and are
// never handed to a region.
const mapTop uint64 = pagetable.MaxVA - 4*PageSize

var (
	// ErrProtection means the requested protection exceeds what the file
	// handle allows.
	ErrProtection = errors.New("mm: protection incompatible with file")

	// ErrUnaligned means the file offset is not page-aligned.
	ErrUnaligned = errors.New("mm: offset not page-aligned")

	// ErrBadRequest covers the remaining map request validation failures.
	ErrBadRequest = errors.New("mm: invalid map request")

	// ErrNoVMA means no region covers the faulting address; the caller
	// treats the fault as an invalid access.
	ErrNoVMA = errors.New("mm: no vma covers address")

	// ErrAccess means the address is mapped but the access is not
	// permitted (a write to a read-only, non-copy-on-write page).
	ErrAccess = errors.New("mm: access not permitted")
)

var log = logrus.WithField("subsys", "mm")

// File is the handle the filesystem collaborator gives us for a mapped
// file. Lock and Unlock bracket every read and write of the backing bytes.
// Dup takes an additional handle reference for a split or inherited region.
type File interface {
	Readable() bool
	Writable() bool
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Lock()
	Unlock()
	Dup() File
	Close() error
}

// AddressSpace owns one page-table tree, a heap of size bytes eagerly
// mapped at the bottom of the space, and the VMA list.
type AddressSpace struct {
	pt    *pagetable.Table
	alloc *frame.Allocator
	arena *Arena
	core  int
	vmas  *VMA
	size  uint64 // heap bytes, mapped in [0, size)
}

// NewAddressSpace creates an empty address space owned by core, drawing
// frames from alloc and VMA slots from arena.
func NewAddressSpace(alloc *frame.Allocator, arena *Arena, core int) (*AddressSpace, error) {
	pt, err := pagetable.New(alloc, core)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{pt: pt, alloc: alloc, arena: arena, core: core}, nil
}

// Table exposes the page-table tree, e.g. for rendering.
func (as *AddressSpace) Table() *pagetable.Table { return as.pt }

// Size returns the current heap size in bytes.
func (as *AddressSpace) Size() uint64 { return as.size }

// Grow extends the heap to newsz bytes of zeroed, writable memory.
func (as *AddressSpace) Grow(newsz uint64) error {
	sz, err := as.pt.Grow(as.size, newsz, pagetable.Write)
	if err != nil {
		return err
	}
	as.size = sz
	return nil
}

// Mapping is a read-only snapshot of one VMA, for introspection and tests.
type Mapping struct {
	Start  uint64
	End    uint64
	Prot   Prot
	Flags  MapFlags
	Offset uint64
}

// Mappings returns the current regions in address order.
func (as *AddressSpace) Mappings() []Mapping {
	var ms []Mapping
	for v := as.vmas; v != nil; v = v.next {
		ms = append(ms, Mapping{Start: v.start, End: v.end, Prot: v.prot, Flags: v.flags, Offset: v.offset})
	}
	return ms
}

// MMap maps length bytes of f starting at offset. The region is placed
// immediately below the lowest existing region, or below the fixed top
// boundary if there is none, so regions never overlap by construction.
// Returns the chosen start address.
func (as *AddressSpace) MMap(length uint64, prot Prot, flags MapFlags, f File, offset uint64) (uint64, error) {
	if f == nil || length == 0 {
		return 0, ErrBadRequest
	}
	if prot&ProtWrite != 0 && flags&MapShared != 0 && !f.Writable() {
		return 0, ErrProtection
	}
	if prot&ProtRead != 0 && !f.Readable() {
		return 0, ErrProtection
	}
	if offset%PageSize != 0 {
		return 0, ErrUnaligned
	}
	top := mapTop
	if as.vmas != nil {
		top = as.vmas.start
	}
	if length > top {
		return 0, ErrBadRequest
	}
	v, err := as.arena.alloc()
	if err != nil {
		return 0, err
	}
	v.start = roundDown(top - length)
	v.end = v.start + length
	v.prot = prot
	v.flags = flags
	v.file = f.Dup()
	v.offset = offset
	v.next = as.vmas
	as.vmas = v
	log.WithFields(logrus.Fields{
		"start":  fmt.Sprintf("%#x", v.start),
		"length": length,
	}).Debug("mapped region")
	return v.start, nil
}

// MUnmap removes any mappings in [addr, addr+length), splitting regions the
// boundaries fall inside of and writing back dirty shared pages of the
// released spans. A range covering no mapping is a no-op, matching munmap.
func (as *AddressSpace) MUnmap(addr, length uint64) error {
	if length == 0 {
		return nil
	}
	start := roundDown(addr)
	end := roundUp(addr + length)

	var prev *VMA
	v := as.vmas
	for v != nil && v.end <= start {
		prev = v
		v = v.next
	}
	if v == nil || v.start >= end {
		return nil
	}

	// Claim the split slots up front: once regions start being released
	// a full arena must not leave the operation half applied.
	needHead := start > v.start
	last := v
	for last.next != nil && end > last.next.start {
		last = last.next
	}
	needTail := end < last.end
	var headSlot, tailSlot *VMA
	if needHead {
		var err error
		if headSlot, err = as.arena.alloc(); err != nil {
			return err
		}
	}
	if needTail {
		var err error
		if tailSlot, err = as.arena.alloc(); err != nil {
			if headSlot != nil {
				as.arena.free(headSlot)
			}
			return err
		}
	}

	if needHead {
		splitInto(v, headSlot, start)
		prev = v
		v = v.next
	}
	for v != nil && end > v.start {
		if end < v.end {
			splitInto(v, tailSlot, end)
		}
		v = as.release(prev, v)
	}
	return nil
}

// UnmapAll releases every region, with write-back, leaving the list empty.
func (as *AddressSpace) UnmapAll() {
	for v := as.vmas; v != nil; v = as.release(nil, v) {
	}
}

// Destroy tears the whole address space down: every region is released
// (writing back dirty shared pages), the heap is unmapped with its frames
// freed, and the table tree itself is destroyed.
func (as *AddressSpace) Destroy() {
	as.UnmapAll()
	as.size = as.pt.Shrink(as.size, 0)
	as.pt.Destroy()
}

// release writes back and unmaps one region, unlinks it after prev (nil
// means it is the list head) and returns its successor.
func (as *AddressSpace) release(prev, v *VMA) *VMA {
	offset := v.offset
	for page := v.start; page < v.end; page += PageSize {
		pte, err := as.pt.Walk(page, false)
		if err != nil || *pte&pagetable.Valid == 0 {
			// Never faulted in; nothing to write or free.
			offset += PageSize
			continue
		}
		if v.flags&MapShared != 0 && *pte&pagetable.Dirty != 0 {
			n := uint64(PageSize)
			if v.end-page < n {
				n = v.end - page
			}
			mem := as.alloc.Page(pte.Addr())
			v.file.Lock()
			_, werr := v.file.WriteAt(mem[:n], int64(offset))
			v.file.Unlock()
			if werr != nil {
				log.WithError(werr).WithField("offset", offset).Error("write-back failed")
			}
		}
		as.pt.UnmapRange(page, 1, true)
		offset += PageSize
	}
	v.file.Close()
	next := v.next
	if prev != nil {
		prev.next = next
	} else {
		as.vmas = next
	}
	as.arena.free(v)
	return next
}

func roundUp(v uint64) uint64   { return (v + PageSize - 1) &^ (PageSize - 1) }
func roundDown(v uint64) uint64 { return v &^ (PageSize - 1) }
