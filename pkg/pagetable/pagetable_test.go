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

import (
	"errors"
	"strings"
	"testing"

	"coralos.dev/coral/pkg/frame"
)

func newTestTable(t *testing.T, frames uint64) (*frame.Allocator, *Table) {
	t.Helper()
	a, err := frame.New(frames*PageSize, 1)
	if err != nil {
		t.Fatalf("frame.New got err %v want nil", err)
	}
	t.Cleanup(func() { a.Destroy() })
	pt, err := New(a, 0)
	if err != nil {
		t.Fatalf("New got err %v want nil", err)
	}
	return a, pt
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	fn()
}

func TestWalkAllocation(t *testing.T) {
	a, pt := newTestTable(t, 32)
	base := a.FreeFrames()

	if _, err := pt.Walk(0x5000, false); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("Walk(create=false) got err %v want %v", err, ErrNotMapped)
	}
	if free := a.FreeFrames(); free != base {
		t.Fatalf("Walk(create=false) allocated: FreeFrames went %d -> %d", base, free)
	}

	// Both intermediate levels are missing for a fresh table.
	if _, err := pt.Walk(0x5000, true); err != nil {
		t.Fatalf("Walk(create=true) got err %v want nil", err)
	}
	if free := a.FreeFrames(); base-free != 2 {
		t.Fatalf("Walk(create=true) allocated %d frames want 2", base-free)
	}

	// A second walk in the same neighborhood finds everything in place.
	if _, err := pt.Walk(0x6000, true); err != nil {
		t.Fatalf("Walk(create=true) got err %v want nil", err)
	}
	if free := a.FreeFrames(); base-free != 2 {
		t.Fatalf("second Walk allocated %d more frames want 0", base-free-2)
	}

	// An address in a different top-level slot needs both levels again.
	far := uint64(1) << 31
	if _, err := pt.Walk(far, true); err != nil {
		t.Fatalf("Walk(create=true) got err %v want nil", err)
	}
	if free := a.FreeFrames(); base-free != 4 {
		t.Fatalf("far Walk allocated %d frames total want 4", base-free)
	}

	mustPanic(t, "walk beyond MaxVA", func() { pt.Walk(MaxVA, false) })
}

func TestMapUnmapRoundtrip(t *testing.T) {
	a, pt := newTestTable(t, 32)
	base := a.FreeFrames()

	sz, err := pt.Grow(0, 4*PageSize, Write)
	if err != nil {
		t.Fatalf("Grow got err %v want nil", err)
	}
	if sz != 4*PageSize {
		t.Fatalf("Grow got size %#x want %#x", sz, 4*PageSize)
	}
	// 4 data frames plus 2 table frames.
	if free := a.FreeFrames(); base-free != 6 {
		t.Fatalf("Grow consumed %d frames want 6", base-free)
	}
	for va := uint64(0); va < 4*PageSize; va += PageSize {
		if _, ok := pt.Translate(va); !ok {
			t.Fatalf("Translate(%#x) got unmapped want mapped", va)
		}
	}

	pt.UnmapRange(0, 4, true)
	if free := a.FreeFrames(); base-free != 2 {
		t.Fatalf("unmap returned %d frames, tables outstanding should be 2", base-free)
	}
	pt.Destroy()
	if free := a.FreeFrames(); free != a.TotalFrames() {
		t.Fatalf("Destroy leaked: FreeFrames got %d want %d", free, a.TotalFrames())
	}
}

func TestMapRangeUnaligned(t *testing.T) {
	a, pt := newTestTable(t, 32)
	pa, _ := a.Allocate(0)
	// A byte range interior to two pages maps both pages.
	if err := pt.MapRange(0x100, PageSize, pa, Read|User); err != nil {
		t.Fatalf("MapRange got err %v want nil", err)
	}
	for _, va := range []uint64{0, PageSize} {
		if _, ok := pt.Translate(va); !ok {
			t.Errorf("page at %#x not mapped", va)
		}
	}
	pt.UnmapRange(0, 2, false)
}

func TestFatalMapMisuse(t *testing.T) {
	a, pt := newTestTable(t, 32)
	pa, _ := a.Allocate(0)
	if err := pt.MapRange(0, PageSize, pa, Read|Write|User); err != nil {
		t.Fatalf("MapRange got err %v want nil", err)
	}
	pa2, _ := a.Allocate(0)
	mustPanic(t, "remap", func() { pt.MapRange(0, PageSize, pa2, Read|User) })
	mustPanic(t, "zero-size map", func() { pt.MapRange(PageSize, 0, pa2, Read|User) })
	mustPanic(t, "unaligned unmap", func() { pt.UnmapRange(0x10, 1, false) })
	mustPanic(t, "unmap of unmapped page", func() { pt.UnmapRange(4*PageSize, 1, false) })
	mustPanic(t, "destroy with live leaf", func() { pt.Destroy() })
}

func TestUnmapNonLeaf(t *testing.T) {
	_, pt := newTestTable(t, 32)
	// Forge a pointer entry where a leaf belongs.
	pte, err := pt.Walk(0, true)
	if err != nil {
		t.Fatalf("Walk got err %v want nil", err)
	}
	*pte = pteFor(pt.root, Valid)
	mustPanic(t, "unmap of non-leaf", func() { pt.UnmapRange(0, 1, false) })
	*pte = 0
}

func TestTranslateRequiresUser(t *testing.T) {
	a, pt := newTestTable(t, 32)
	pa, _ := a.Allocate(0)
	if err := pt.MapRange(0, PageSize, pa, Read|Write); err != nil {
		t.Fatalf("MapRange got err %v want nil", err)
	}
	if _, ok := pt.Translate(0); ok {
		t.Errorf("Translate resolved a kernel-only page")
	}
	if _, ok := pt.Translate(MaxVA + PageSize); ok {
		t.Errorf("Translate resolved an address beyond MaxVA")
	}
}

func TestGrowExhaustionRollsBack(t *testing.T) {
	// Room for the root, both intermediates and two data pages only.
	a, err := frame.New(5*PageSize, 1)
	if err != nil {
		t.Fatalf("frame.New got err %v want nil", err)
	}
	defer a.Destroy()
	pt, err := New(a, 0)
	if err != nil {
		t.Fatalf("New got err %v want nil", err)
	}
	if _, err := pt.Grow(0, 8*PageSize, Write); err == nil {
		t.Fatal("Grow got nil err want exhaustion")
	}
	// Everything but the tables the partial growth created must be back.
	pt.Destroy()
	if free := a.FreeFrames(); free != a.TotalFrames() {
		t.Errorf("rollback leaked: FreeFrames got %d want %d", free, a.TotalFrames())
	}
}

func TestCopyRoutines(t *testing.T) {
	_, pt := newTestTable(t, 64)
	if _, err := pt.Grow(0, 3*PageSize, Write); err != nil {
		t.Fatalf("Grow got err %v want nil", err)
	}

	msg := []byte("crossing a page boundary, one byte at a time")
	va := uint64(PageSize - 7) // straddles pages 0 and 1
	if err := pt.CopyOut(va, msg); err != nil {
		t.Fatalf("CopyOut got err %v want nil", err)
	}
	got := make([]byte, len(msg))
	if err := pt.CopyIn(got, va); err != nil {
		t.Fatalf("CopyIn got err %v want nil", err)
	}
	if string(got) != string(msg) {
		t.Errorf("CopyIn got %q want %q", got, msg)
	}

	pte, err := pt.Walk(0, false)
	if err != nil {
		t.Fatalf("Walk got err %v want nil", err)
	}
	if *pte&Dirty == 0 || *pte&Accessed == 0 {
		t.Errorf("store did not set accessed+dirty: flags %v", pte.Flags())
	}

	if err := pt.CopyOut(0, append(msg, 0)); err != nil {
		t.Fatalf("CopyOut got err %v want nil", err)
	}
	s, err := pt.CopyInString(0, 256)
	if err != nil {
		t.Fatalf("CopyInString got err %v want nil", err)
	}
	if s != string(msg) {
		t.Errorf("CopyInString got %q want %q", s, msg)
	}
	if _, err := pt.CopyInString(0, 4); !errors.Is(err, ErrBadAddress) {
		t.Errorf("CopyInString with tiny max got err %v want %v", err, ErrBadAddress)
	}

	if err := pt.CopyOut(100*PageSize, msg); !errors.Is(err, ErrBadAddress) {
		t.Errorf("CopyOut to unmapped got err %v want %v", err, ErrBadAddress)
	}
}

func TestCopyOutReadOnly(t *testing.T) {
	a, pt := newTestTable(t, 32)
	pa, _ := a.Allocate(0)
	if err := pt.MapRange(0, PageSize, pa, Read|User); err != nil {
		t.Fatalf("MapRange got err %v want nil", err)
	}
	if err := pt.CopyOut(0, []byte("x")); !errors.Is(err, ErrBadAddress) {
		t.Errorf("CopyOut to read-only page got err %v want %v", err, ErrBadAddress)
	}
}

func TestRender(t *testing.T) {
	_, pt := newTestTable(t, 32)
	if _, err := pt.Grow(0, PageSize, Write); err != nil {
		t.Fatalf("Grow got err %v want nil", err)
	}
	var sb strings.Builder
	if err := pt.Render(&sb); err != nil {
		t.Fatalf("Render got err %v want nil", err)
	}
	out := sb.String()
	if !strings.HasPrefix(out, "page table ") {
		t.Errorf("Render output missing header: %q", out)
	}
	// Root entry, intermediate entry, leaf: three lines plus header.
	if lines := strings.Count(out, "\n"); lines != 4 {
		t.Errorf("Render got %d lines want 4:\n%s", lines, out)
	}
	if !strings.Contains(out, "vrw-u") {
		t.Errorf("Render output missing leaf flags: %q", out)
	}
}
