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
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"coralos.dev/coral/pkg/pagetable"
)

// HandleFault services a page fault at va. A present entry with the
// copy-on-write bit takes the COW path; a missing entry covered by a region
// takes the lazy-population path. ErrNoVMA reports an address nothing
// covers, which the caller turns into an invalid-access signal for the
// faulting process. Frame exhaustion is likewise reported, not fatal.
func (as *AddressSpace) HandleFault(va uint64) error {
	if va >= pagetable.MaxVA {
		return ErrNoVMA
	}
	va0 := roundDown(va)
	if pte, err := as.pt.Walk(va0, false); err == nil && *pte&pagetable.Valid != 0 {
		if *pte&pagetable.CopyOnWrite != 0 {
			_, _, err := as.pt.WalkCOW(va0)
			return err
		}
		return ErrAccess
	}
	return as.populate(va0)
}

// populate allocates a zeroed frame for the page-aligned va0, reads the
// corresponding file bytes into it (clamped to the region end; the rest
// stays zero) and installs the mapping with permissions derived from the
// region's protection.
func (as *AddressSpace) populate(va0 uint64) error {
	v := find(as.vmas, va0, nil)
	if v == nil {
		return ErrNoVMA
	}
	pa, err := as.alloc.Allocate(as.core)
	if err != nil {
		return err
	}
	mem := as.alloc.Page(pa)
	clear(mem)

	off := v.offset + (va0 - v.start)
	n := uint64(PageSize)
	if v.end-va0 < n {
		n = v.end - va0
	}
	v.file.Lock()
	_, rerr := v.file.ReadAt(mem[:n], int64(off))
	v.file.Unlock()
	if rerr != nil && rerr != io.EOF && !errors.Is(rerr, io.ErrUnexpectedEOF) {
		as.alloc.Release(as.core, pa)
		return fmt.Errorf("mm: reading mapped file at offset %d: %w", off, rerr)
	}

	perm := pagetable.User | pagetable.Mapped
	if v.prot&ProtRead != 0 {
		perm |= pagetable.Read
	}
	if v.prot&ProtWrite != 0 {
		perm |= pagetable.Write
	}
	if v.prot&ProtExec != 0 {
		perm |= pagetable.Exec
	}
	if err := as.pt.MapRange(va0, PageSize, pa, perm); err != nil {
		as.alloc.Release(as.core, pa)
		return err
	}
	log.WithFields(logrus.Fields{
		"va":     fmt.Sprintf("%#x", va0),
		"offset": off,
	}).Debug("populated mapped page")
	return nil
}

// Fork duplicates the address space for a child owned by core: the regions
// are copied (taking new file handle references) and every heap page is
// shared copy-on-write. On failure the partially built child is fully torn
// down; the parent is untouched apart from its heap pages now being
// copy-on-write, which is safe.
func (as *AddressSpace) Fork(core int) (*AddressSpace, error) {
	child, err := NewAddressSpace(as.alloc, as.arena, core)
	if err != nil {
		return nil, err
	}
	tail := &child.vmas
	for v := as.vmas; v != nil; v = v.next {
		nv, err := as.arena.alloc()
		if err != nil {
			child.Destroy()
			return nil, err
		}
		nv.start = v.start
		nv.end = v.end
		nv.prot = v.prot
		nv.flags = v.flags
		nv.file = v.file.Dup()
		nv.offset = v.offset
		*tail = nv
		tail = &nv.next
	}
	if err := pagetable.Duplicate(as.pt, child.pt, as.size); err != nil {
		child.Destroy()
		return nil, err
	}
	child.size = as.size
	return child, nil
}

// CopyOut writes src into this address space at va, faulting unpopulated
// mapped pages in on the way and resolving copy-on-write through the page
// table's choke point.
func (as *AddressSpace) CopyOut(va uint64, src []byte) error {
	for len(src) > 0 {
		va0 := roundDown(va)
		if err := as.ensure(va0); err != nil {
			return err
		}
		n := int(PageSize - (va - va0))
		if n > len(src) {
			n = len(src)
		}
		if err := as.pt.CopyOut(va, src[:n]); err != nil {
			return err
		}
		src = src[n:]
		va = va0 + PageSize
	}
	return nil
}

// CopyIn reads len(dst) bytes from this address space at va, faulting
// unpopulated mapped pages in on the way.
func (as *AddressSpace) CopyIn(dst []byte, va uint64) error {
	for len(dst) > 0 {
		va0 := roundDown(va)
		if err := as.ensure(va0); err != nil {
			return err
		}
		n := int(PageSize - (va - va0))
		if n > len(dst) {
			n = len(dst)
		}
		if err := as.pt.CopyIn(dst[:n], va); err != nil {
			return err
		}
		dst = dst[n:]
		va = va0 + PageSize
	}
	return nil
}

// ensure makes the page at va0 present if a region covers it.
func (as *AddressSpace) ensure(va0 uint64) error {
	if va0 >= pagetable.MaxVA {
		return pagetable.ErrBadAddress
	}
	if pte, err := as.pt.Walk(va0, false); err == nil && *pte&pagetable.Valid != 0 {
		return nil
	}
	err := as.populate(va0)
	if errors.Is(err, ErrNoVMA) {
		return pagetable.ErrBadAddress
	}
	return err
}
