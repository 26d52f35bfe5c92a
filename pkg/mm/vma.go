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

package mm

import (
	"errors"
	"sync/atomic"
)

// Prot is the protection requested for a mapping.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// MapFlags selects the sharing mode of a mapping.
type MapFlags uint8

const (
	// MapShared propagates stores back to the file when the region is
	// released. MapPrivate keeps them local to the address space.
	MapShared  MapFlags = 0x1
	MapPrivate MapFlags = 0x2
)

// ErrNoSlots is returned when the global VMA arena is full.
var ErrNoSlots = errors.New("mm: out of vma slots")

// VMA describes one file-backed region of an address space. Regions of one
// address space form a singly linked list ordered by start address, with no
// overlaps.
type VMA struct {
	// used is the arena claim flag, flipped with a compare-and-swap so
	// that claiming a slot never takes a lock on the fault path.
	used atomic.Uint32

	start uint64 // page-aligned
	end   uint64 // may be interior to the last page
	prot  Prot
	flags MapFlags
	next  *VMA

	file   File
	offset uint64 // page-aligned byte offset of start within file
}

// Arena is the fixed-capacity pool all VMAs are claimed from. Capacity is a
// hard limit; exhaustion is reported to the requester, not fatal.
type Arena struct {
	slots []VMA
}

// NewArena returns an arena with the given number of slots.
func NewArena(capacity int) *Arena {
	return &Arena{slots: make([]VMA, capacity)}
}

func (a *Arena) alloc() (*VMA, error) {
	for i := range a.slots {
		if a.slots[i].used.CompareAndSwap(0, 1) {
			return &a.slots[i], nil
		}
	}
	return nil, ErrNoSlots
}

func (a *Arena) free(v *VMA) {
	v.start = 0
	v.end = 0
	v.prot = 0
	v.flags = 0
	v.next = nil
	v.file = nil
	v.offset = 0
	v.used.Store(0)
}

// find returns the VMA containing addr, and the VMA preceding it in the
// list if prev is non-nil.
func find(list *VMA, addr uint64, prev **VMA) *VMA {
	for v := list; v != nil; v = v.next {
		if addr >= v.start && addr < v.end {
			return v
		}
		if prev != nil {
			*prev = v
		}
	}
	return nil
}

// splitInto carves v at the page-aligned boundary at, moving the tail into
// nv (an already-claimed slot) with the file offset advanced. nv is linked
// immediately after v.
func splitInto(v, nv *VMA, at uint64) {
	nv.start = at
	nv.end = v.end
	nv.prot = v.prot
	nv.flags = v.flags
	nv.next = v.next
	nv.file = v.file.Dup()
	nv.offset = v.offset + (at - v.start)
	v.end = at
	v.next = nv
}
