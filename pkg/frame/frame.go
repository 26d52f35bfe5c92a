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

// Package frame implements Coral's physical frame allocator.
//
// Physical memory is a single host-mmap'd region carved into 4 KiB frames.
// Free frames are kept on per-core freelists so that cores do not contend on
// a single lock; a core whose list is empty borrows from its neighbors under
// a coarser migration lock. Every frame carries a reference count, updated
// atomically, so that copy-on-write sharing can alias a frame across address
// spaces and free it exactly once.
package frame

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// PageSize is the size of a physical frame in bytes.
	PageSize = 4096

	// PageShift is log2(PageSize).
	PageShift = 12

	// allocPoison fills a frame when it is handed out, freePoison when it
	// returns to a freelist. Dangling readers see a recognizable pattern
	// instead of stale contents.
	allocPoison = 0x05
	freePoison  = 0x0d
)

// ErrExhausted is returned by Allocate when no core has a free frame. It is
// recoverable: the caller aborts the requesting operation, not the system.
var ErrExhausted = errors.New("frame: out of physical memory")

var log = logrus.WithField("subsys", "frame")

// Addr is a physical address within the managed region.
type Addr uint64

// Frame returns the frame number containing a.
func (a Addr) Frame() uint64 { return uint64(a) >> PageShift }

// IsAligned returns true if a is frame-aligned.
func (a Addr) IsAligned() bool { return a&(PageSize-1) == 0 }

// nilFrame terminates a freelist.
const nilFrame = ^uint32(0)

// pageMeta is the per-frame bookkeeping record.
type pageMeta struct {
	// refs is the number of distinct mappings referencing the frame. Zero
	// means the frame is on a freelist.
	refs atomic.Int32

	// next links the frame into a freelist. Guarded by the owning pool's
	// mutex; meaningless while the frame is allocated.
	next uint32
}

// pool is one core's freelist.
type pool struct {
	mu    sync.Mutex
	head  uint32
	count uint64
}

// Allocator owns all usable physical memory.
type Allocator struct {
	mem    []byte
	frames uint32
	pages  []pageMeta
	pools  []pool

	// stealMu serializes cross-pool migration. It is always acquired
	// before any pool mutex it shadows, so two cores stealing from each
	// other cannot deadlock.
	stealMu sync.Mutex
}

// New maps size bytes of anonymous memory and distributes the frames. All
// frames initially belong to core 0's pool; other cores populate their pools
// by stealing, the same way the first allocations on a fresh machine do.
func New(size uint64, cores int) (*Allocator, error) {
	if cores <= 0 {
		return nil, fmt.Errorf("frame: invalid core count %d", cores)
	}
	if size == 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("frame: size %#x is not a multiple of the frame size", size)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("frame: mmap of physical region failed: %w", err)
	}
	a := &Allocator{
		mem:    mem,
		frames: uint32(size / PageSize),
		pages:  make([]pageMeta, size/PageSize),
		pools:  make([]pool, cores),
	}
	p := &a.pools[0]
	p.head = nilFrame
	for i := 1; i < cores; i++ {
		a.pools[i].head = nilFrame
	}
	for fn := a.frames; fn > 0; fn-- {
		a.pages[fn-1].next = p.head
		p.head = fn - 1
		p.count++
	}
	log.WithFields(logrus.Fields{
		"frames": a.frames,
		"cores":  cores,
	}).Info("physical memory initialized")
	return a, nil
}

// Destroy unmaps the physical region. No frame may be referenced afterwards.
func (a *Allocator) Destroy() error {
	mem := a.mem
	a.mem = nil
	return unix.Munmap(mem)
}

// Page returns the memory of the frame at pa. pa must be frame-aligned and
// within the managed region.
func (a *Allocator) Page(pa Addr) []byte {
	a.check(pa, "Page")
	return a.mem[pa : pa+PageSize : pa+PageSize]
}

// check panics on a misaligned or out-of-range physical address. Such an
// address can only come from a corrupted page table or a logic bug, never
// from user input, so this is fatal.
func (a *Allocator) check(pa Addr, op string) {
	if !pa.IsAligned() || pa.Frame() >= uint64(a.frames) {
		panic(fmt.Sprintf("frame: %s of bad physical address %#x", op, uint64(pa)))
	}
}

func (p *pool) push(pages []pageMeta, fn uint32) {
	p.mu.Lock()
	pages[fn].next = p.head
	p.head = fn
	p.count++
	p.mu.Unlock()
}

func (p *pool) pop(pages []pageMeta) (uint32, bool) {
	p.mu.Lock()
	fn := p.head
	if fn == nilFrame {
		p.mu.Unlock()
		return 0, false
	}
	p.head = pages[fn].next
	p.count--
	p.mu.Unlock()
	return fn, true
}

// Allocate removes one frame from core's pool, sets its reference count to 1
// and fills it with the allocation poison. If the local pool is empty the
// remaining pools are scanned round-robin under the migration lock. Returns
// ErrExhausted when no pool has a free frame.
func (a *Allocator) Allocate(core int) (Addr, error) {
	fn, ok := a.pools[core].pop(a.pages)
	if !ok {
		fn, ok = a.steal(core)
	}
	if !ok {
		return 0, ErrExhausted
	}
	a.pages[fn].refs.Store(1)
	pa := Addr(uint64(fn) << PageShift)
	fill(a.mem[pa:pa+PageSize], allocPoison)
	return pa, nil
}

// steal borrows one frame from another core's pool. stealMu orders the scan
// ahead of every pool mutex it may take, so no cycle of pool locks can form.
func (a *Allocator) steal(core int) (uint32, bool) {
	a.stealMu.Lock()
	defer a.stealMu.Unlock()
	for i := 1; i < len(a.pools); i++ {
		victim := (core + i) % len(a.pools)
		if fn, ok := a.pools[victim].pop(a.pages); ok {
			return fn, true
		}
	}
	// One more look at our own pool: a frame may have been released while
	// we were scanning.
	return a.pools[core].pop(a.pages)
}

// Release drops one reference to the frame at pa. When the count reaches
// zero the frame is poisoned and returned to core's pool. Releasing a frame
// that is not allocator-owned is a fatal invariant violation.
func (a *Allocator) Release(core int, pa Addr) {
	a.check(pa, "Release")
	c := a.pages[pa.Frame()].refs.Add(-1)
	if c < 0 {
		panic(fmt.Sprintf("frame: refcount underflow at %#x", uint64(pa)))
	}
	if c > 0 {
		return
	}
	fill(a.mem[pa:pa+PageSize], freePoison)
	a.pools[core].push(a.pages, uint32(pa.Frame()))
}

// IncRef adds a reference to the frame at pa, typically because a second
// page table is about to map it.
func (a *Allocator) IncRef(pa Addr) {
	a.check(pa, "IncRef")
	if c := a.pages[pa.Frame()].refs.Add(1); c <= 1 {
		panic(fmt.Sprintf("frame: IncRef of free frame %#x", uint64(pa)))
	}
}

// CopyOnWrite resolves a write to the possibly-shared frame at pa. The
// caller's reference is dropped; if it was the last one the same frame is
// returned with its count reset to 1, otherwise a fresh frame is allocated,
// the contents copied, and the new frame returned. On exhaustion the
// caller's reference is restored so the original mapping stays consistent.
func (a *Allocator) CopyOnWrite(core int, pa Addr) (Addr, error) {
	a.check(pa, "CopyOnWrite")
	m := &a.pages[pa.Frame()]
	if m.refs.Add(-1) == 0 {
		// Sole owner now; no other table can reach the frame, so the
		// plain store does not race.
		m.refs.Store(1)
		return pa, nil
	}
	npa, err := a.Allocate(core)
	if err != nil {
		m.refs.Add(1)
		return 0, err
	}
	copy(a.mem[npa:npa+PageSize], a.mem[pa:pa+PageSize])
	return npa, nil
}

// RefCount returns the current reference count of the frame at pa.
func (a *Allocator) RefCount(pa Addr) int {
	a.check(pa, "RefCount")
	return int(a.pages[pa.Frame()].refs.Load())
}

// FreeFrames returns the number of frames currently on all freelists.
func (a *Allocator) FreeFrames() uint64 {
	var total uint64
	for i := range a.pools {
		p := &a.pools[i]
		p.mu.Lock()
		total += p.count
		p.mu.Unlock()
	}
	return total
}

// TotalFrames returns the number of frames in the managed region.
func (a *Allocator) TotalFrames() uint64 { return uint64(a.frames) }

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
