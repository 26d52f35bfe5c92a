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

package pagetable

import "fmt"

// WalkCOW returns the leaf entry for the page-aligned va, resolving
// copy-on-write first: if the entry carries the CopyOnWrite bit, the
// allocator either hands the frame over outright (last reference) or
// allocates a private copy, and the entry is rewritten writable with the
// CopyOnWrite bit cleared. Every privileged write into user memory funnels
// through here, so a write can never land on a frame still shared with
// another address space.
//
// The second result reports whether a copy-on-write resolution happened.
func (t *Table) WalkCOW(va uint64) (*PTE, bool, error) {
	if va%PageSize != 0 {
		panic(fmt.Sprintf("pagetable: WalkCOW of unaligned va %#x", va))
	}
	pte, err := t.Walk(va, false)
	if err != nil {
		return nil, false, err
	}
	flags := pte.Flags()
	if flags&CopyOnWrite == 0 {
		return pte, false, nil
	}
	pa, err := t.alloc.CopyOnWrite(t.core, pte.Addr())
	if err != nil {
		return nil, false, err
	}
	flags = flags&^CopyOnWrite | Write
	*pte = pteFor(pa, flags)
	return pte, true, nil
}

// Duplicate shares every mapped page below size from parent into child
// instead of copying it. Writable parent entries are downgraded to read-only
// with the CopyOnWrite bit set, in the parent too so that a later parent
// write also traps, and the child receives an identical entry while the
// frame's reference count is bumped. On failure everything installed in the
// child is unmapped with its references released; the parent's downgraded
// entries are left as-is, which is safe (they are merely copy-on-write now).
func Duplicate(parent, child *Table, size uint64) error {
	for va := uint64(0); va < size; va += PageSize {
		pte, err := parent.Walk(va, false)
		if err != nil {
			panic(fmt.Sprintf("pagetable: duplicate: va %#x has no table", va))
		}
		if *pte&Valid == 0 {
			panic(fmt.Sprintf("pagetable: duplicate: va %#x not mapped", va))
		}
		pa := pte.Addr()
		flags := pte.Flags()
		if flags&Write != 0 {
			flags = flags&^Write | CopyOnWrite
			*pte = pteFor(pa, flags)
		}
		if err := child.MapRange(va, PageSize, pa, flags); err != nil {
			child.UnmapRange(0, va/PageSize, true)
			return err
		}
		parent.alloc.IncRef(pa)
	}
	return nil
}
