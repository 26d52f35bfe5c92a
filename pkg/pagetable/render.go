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
	"fmt"
	"io"
	"strings"

	"coralos.dev/coral/pkg/frame"
)

// Render writes the whole table tree to w, one line per present entry, for
// diagnostics. Read-only; safe against any consistent tree.
func (t *Table) Render(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "page table %#x\n", uint64(t.root)); err != nil {
		return err
	}
	return t.render(w, t.root, 1)
}

func (t *Table) render(w io.Writer, pa frame.Addr, depth int) error {
	tbl := t.entries(pa)
	for i, pte := range tbl {
		if pte&Valid == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s%d: pte %#x pa %#x flags %s\n",
			strings.Repeat(" ..", depth), i, uint64(pte), uint64(pte.Addr()), pte.Flags()); err != nil {
			return err
		}
		if !pte.Leaf() {
			if err := t.render(w, pte.Addr(), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// String renders the flag bits in a compact rwxudagcm-style form.
func (p PTE) String() string {
	var sb strings.Builder
	for _, f := range []struct {
		bit PTE
		c   byte
	}{
		{Valid, 'v'},
		{Read, 'r'},
		{Write, 'w'},
		{Exec, 'x'},
		{User, 'u'},
		{Global, 'g'},
		{Accessed, 'a'},
		{Dirty, 'd'},
		{CopyOnWrite, 'c'},
		{Mapped, 'm'},
	} {
		if p&f.bit != 0 {
			sb.WriteByte(f.c)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}
