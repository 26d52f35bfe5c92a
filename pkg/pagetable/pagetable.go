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

// Package pagetable implements Coral's three-level radix page tables.
//
// The layout follows the RISC-V Sv39 scheme: a virtual address is split into
// three 9-bit table indices and a 12-bit page offset, and each table is one
// frame holding 512 64-bit entries. Table frames come from the frame
// allocator, so the tree and the pages it maps draw from the same physical
// pool.
//
// A table is only ever mutated by the core owning its address space, or by a
// core acting on the owner's behalf; the package adds no locking of its own.
package pagetable

import (
	"fmt"
	"unsafe"

	"coralos.dev/coral/pkg/frame"
)

const (
	// PageSize is the size of one virtual page.
	PageSize = frame.PageSize

	// MaxVA is the lowest virtual address that cannot be mapped. One bit
	// short of the full 39-bit span to avoid addresses that would be
	// sign-extended by Sv39 hardware.
	MaxVA = 1 << (9 + 9 + 9 + PageShift - 1)

	PageShift = frame.PageShift

	levels          = 3
	indexBits       = 9
	entriesPerTable = 1 << indexBits
	indexMask       = entriesPerTable - 1
)

// PTE is a page-table entry: a physical frame number in bits 10..53 plus
// permission and status bits.
type PTE uint64

// Entry flag bits.
const (
	Valid    PTE = 1 << 0
	Read     PTE = 1 << 1
	Write    PTE = 1 << 2
	Exec     PTE = 1 << 3
	User     PTE = 1 << 4
	Global   PTE = 1 << 5
	Accessed PTE = 1 << 6
	Dirty    PTE = 1 << 7

	// CopyOnWrite marks a frame shared between address spaces; a write
	// must go through WalkCOW first. Mapped marks a page populated on
	// behalf of a memory-mapped region. Both occupy the bits Sv39
	// reserves for software.
	CopyOnWrite PTE = 1 << 8
	Mapped      PTE = 1 << 9
)

const flagsMask = PTE(1)<<10 - 1

// Addr returns the physical address the entry points at.
func (p PTE) Addr() frame.Addr { return frame.Addr(p >> 10 << PageShift) }

// Flags returns the flag bits of the entry.
func (p PTE) Flags() PTE { return p & flagsMask }

// Leaf returns true if the entry maps a frame rather than a lower table.
func (p PTE) Leaf() bool { return p&(Read|Write|Exec) != 0 }

func pteFor(pa frame.Addr, flags PTE) PTE {
	return PTE(uint64(pa)>>PageShift<<10) | flags
}

// index extracts the level'th 9-bit table index from va.
func index(level int, va uint64) uint64 {
	return (va >> (PageShift + indexBits*level)) & indexMask
}

// Table is one address space's page-table tree. The zero value is not
// usable; call New.
type Table struct {
	alloc *frame.Allocator
	core  int
	root  frame.Addr
}

// New allocates an empty top-level table owned by core.
func New(alloc *frame.Allocator, core int) (*Table, error) {
	root, err := alloc.Allocate(core)
	if err != nil {
		return nil, err
	}
	clear(alloc.Page(root))
	return &Table{alloc: alloc, core: core, root: root}, nil
}

// entries reinterprets the frame at pa as a table page.
func (t *Table) entries(pa frame.Addr) *[entriesPerTable]PTE {
	return (*[entriesPerTable]PTE)(unsafe.Pointer(&t.alloc.Page(pa)[0]))
}

// ErrNotMapped is returned when a lookup reaches a missing intermediate
// table and was not asked to create it.
var ErrNotMapped = fmt.Errorf("pagetable: address not mapped")

// Walk returns the leaf entry slot for va, descending the tree. With create
// set, missing intermediate tables are allocated (zero-filled) on the way
// down; without it, a missing level yields ErrNotMapped. The returned entry
// may still be invalid: Walk locates the slot, it does not interpret it.
//
// A virtual address at or above MaxVA is a caller bug and panics.
func (t *Table) Walk(va uint64, create bool) (*PTE, error) {
	if va >= MaxVA {
		panic(fmt.Sprintf("pagetable: walk of va %#x beyond MaxVA", va))
	}
	tbl := t.entries(t.root)
	for level := levels - 1; level > 0; level-- {
		pte := &tbl[index(level, va)]
		if *pte&Valid != 0 {
			tbl = t.entries(pte.Addr())
			continue
		}
		if !create {
			return nil, ErrNotMapped
		}
		pa, err := t.alloc.Allocate(t.core)
		if err != nil {
			return nil, err
		}
		clear(t.alloc.Page(pa))
		*pte = pteFor(pa, Valid)
		tbl = t.entries(pa)
	}
	return &tbl[index(0, va)], nil
}

// MapRange installs leaf entries mapping [va, va+size) to physical frames
// starting at pa with the given permission flags. va and size need not be
// page-aligned. Mapping over a valid entry is a fatal remap. On a mid-range
// allocation failure nothing is rolled back; the caller unmaps the partial
// range itself.
func (t *Table) MapRange(va uint64, size uint64, pa frame.Addr, flags PTE) error {
	if size == 0 {
		panic("pagetable: MapRange with zero size")
	}
	a := va &^ (PageSize - 1)
	last := (va + size - 1) &^ (PageSize - 1)
	for {
		pte, err := t.Walk(a, true)
		if err != nil {
			return err
		}
		if *pte&Valid != 0 {
			panic(fmt.Sprintf("pagetable: remap of va %#x", a))
		}
		*pte = pteFor(pa, flags|Valid)
		if a == last {
			return nil
		}
		a += PageSize
		pa += PageSize
	}
}

// UnmapRange clears npages of leaf entries starting at the page-aligned va,
// releasing the backing frames if free is set. Every page in the range must
// be mapped by a leaf; anything else means the caller's view of the address
// space has diverged from the tree, which is fatal.
func (t *Table) UnmapRange(va uint64, npages uint64, free bool) {
	if va%PageSize != 0 {
		panic(fmt.Sprintf("pagetable: unmap of unaligned va %#x", va))
	}
	for a := va; a < va+npages*PageSize; a += PageSize {
		pte, err := t.Walk(a, false)
		if err != nil {
			panic(fmt.Sprintf("pagetable: unmap of va %#x with no table", a))
		}
		if *pte&Valid == 0 {
			panic(fmt.Sprintf("pagetable: unmap of unmapped va %#x", a))
		}
		if !pte.Leaf() {
			panic(fmt.Sprintf("pagetable: unmap of non-leaf va %#x", a))
		}
		if free {
			t.alloc.Release(t.core, pte.Addr())
		}
		*pte = 0
	}
}

// Translate looks up the frame backing va, for user-accessible pages only.
func (t *Table) Translate(va uint64) (frame.Addr, bool) {
	if va >= MaxVA {
		return 0, false
	}
	pte, err := t.Walk(va, false)
	if err != nil || *pte&Valid == 0 || *pte&User == 0 {
		return 0, false
	}
	return pte.Addr(), true
}

// Grow allocates zeroed frames and maps them to extend the heap from oldsz
// to newsz bytes. xperm is OR'd into the Read|User permissions of each new
// page. Partial progress is undone before an exhaustion error is returned.
func (t *Table) Grow(oldsz, newsz uint64, xperm PTE) (uint64, error) {
	if newsz < oldsz {
		return oldsz, nil
	}
	oldsz = roundUp(oldsz)
	for a := oldsz; a < newsz; a += PageSize {
		pa, err := t.alloc.Allocate(t.core)
		if err != nil {
			t.Shrink(a, oldsz)
			return 0, err
		}
		clear(t.alloc.Page(pa))
		if err := t.MapRange(a, PageSize, pa, Read|User|xperm); err != nil {
			t.alloc.Release(t.core, pa)
			t.Shrink(a, oldsz)
			return 0, err
		}
	}
	return newsz, nil
}

// Shrink unmaps and frees the pages between newsz and oldsz, returning the
// new size.
func (t *Table) Shrink(oldsz, newsz uint64) uint64 {
	if newsz >= oldsz {
		return oldsz
	}
	if roundUp(newsz) < roundUp(oldsz) {
		t.UnmapRange(roundUp(newsz), (roundUp(oldsz)-roundUp(newsz))/PageSize, true)
	}
	return newsz
}

// Destroy recursively frees every table page. All leaf mappings must have
// been removed first; a surviving leaf means some frame would leak or be
// freed twice, so it is fatal.
func (t *Table) Destroy() {
	t.freewalk(t.root)
	t.root = 0
}

func (t *Table) freewalk(pa frame.Addr) {
	tbl := t.entries(pa)
	for i := range tbl {
		pte := tbl[i]
		if pte&Valid != 0 && !pte.Leaf() {
			t.freewalk(pte.Addr())
			tbl[i] = 0
		} else if pte&Valid != 0 {
			panic(fmt.Sprintf("pagetable: destroy found leaf %#x", uint64(pte)))
		}
	}
	t.alloc.Release(t.core, pa)
}

func roundUp(v uint64) uint64   { return (v + PageSize - 1) &^ (PageSize - 1) }
func roundDown(v uint64) uint64 { return v &^ (PageSize - 1) }
