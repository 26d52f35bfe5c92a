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

import "errors"

// ErrBadAddress is returned by the copy routines when the user range is not
// mapped with the required permissions.
var ErrBadAddress = errors.New("pagetable: bad user address")

// CopyOut copies src into user memory at va. Each touched page goes through
// WalkCOW, so shared frames are privatized before being written, and must be
// valid, user-accessible and writable. The accessed and dirty bits are set
// the way the hardware would on a real store.
func (t *Table) CopyOut(va uint64, src []byte) error {
	for len(src) > 0 {
		va0 := roundDown(va)
		if va0 >= MaxVA {
			return ErrBadAddress
		}
		pte, _, err := t.WalkCOW(va0)
		if errors.Is(err, ErrNotMapped) {
			return ErrBadAddress
		}
		if err != nil {
			return err
		}
		if *pte&Valid == 0 || *pte&User == 0 || *pte&Write == 0 {
			return ErrBadAddress
		}
		*pte |= Accessed | Dirty
		page := t.alloc.Page(pte.Addr())
		n := copy(page[va-va0:], src)
		src = src[n:]
		va = va0 + PageSize
	}
	return nil
}

// CopyIn copies len(dst) bytes of user memory at va into dst.
func (t *Table) CopyIn(dst []byte, va uint64) error {
	for len(dst) > 0 {
		va0 := roundDown(va)
		pte, ok := t.userPTE(va0)
		if !ok {
			return ErrBadAddress
		}
		*pte |= Accessed
		page := t.alloc.Page(pte.Addr())
		n := copy(dst, page[va-va0:])
		dst = dst[n:]
		va = va0 + PageSize
	}
	return nil
}

// CopyInString copies a NUL-terminated string of at most max bytes from user
// memory at va. Running off the end of max or into unmapped memory without
// seeing a NUL is an error.
func (t *Table) CopyInString(va uint64, max int) (string, error) {
	buf := make([]byte, 0, max)
	for max > 0 {
		va0 := roundDown(va)
		pte, ok := t.userPTE(va0)
		if !ok {
			return "", ErrBadAddress
		}
		*pte |= Accessed
		page := t.alloc.Page(pte.Addr())
		for _, b := range page[va-va0:] {
			if max == 0 {
				break
			}
			if b == 0 {
				return string(buf), nil
			}
			buf = append(buf, b)
			max--
		}
		va = va0 + PageSize
	}
	return "", ErrBadAddress
}

// userPTE returns the leaf for the page-aligned va if it is mapped and
// user-accessible.
func (t *Table) userPTE(va0 uint64) (*PTE, bool) {
	if va0 >= MaxVA {
		return nil, false
	}
	pte, err := t.Walk(va0, false)
	if err != nil || *pte&Valid == 0 || *pte&User == 0 {
		return nil, false
	}
	return pte, true
}
