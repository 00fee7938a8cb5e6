// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpmalloc

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// Config configures a Heap. Its zero value is ready for use, matching
// the teacher's "Allocator's zero value is ready for use" convention
// (memory.go).
type Config struct {
	// MemoryMap overrides the OS memory collaborator (§4.2). Nil uses
	// the platform default (mmap/VirtualAlloc).
	MemoryMap MemoryMap

	// OnMapFail is consulted when a reservation fails; returning true
	// retries the same request (§6, MapFailCallback). Nil means never
	// retry.
	OnMapFail func(size uintptr) bool
}

// tierState is the per-tier carving and recycling state a Heap keeps
// for small/medium/large pages (§4.5.1, §4.5.3).
type tierState struct {
	tier        Tier
	currentSpan *spanHeader
	spans       *spanHeader // doubly linked list head of every span owned for this tier, via span.prevAddr/nextAddr
	freePages   []*pageHeader
	remoteHead  uintptr // atomic: address of a pageHeader linked through page.nextAddr, or 0
}

// Heap is a per-thread allocator handle (§3, §4.5). Nothing about Heap
// is safe for concurrent use from more than one goroutine at a time —
// exactly like the thread it stands in for — except that *other*
// heaps may free blocks it owns, which is handled through the
// cross-thread paths in page.go and the remote-return stacks below.
//
// Go has no stable per-goroutine thread-local storage, so unlike the
// source this module mirrors, a Heap is not looked up implicitly: the
// caller acquires one with AcquireHeap and threads it through its own
// calls, the same way a context.Context is threaded through blocking
// calls elsewhere in the ecosystem (§9, thread identity).
type Heap struct {
	id        uint64
	mm        MemoryMap
	onMapFail func(uintptr) bool

	available [NumClasses]*pageHeader
	tiers     [3]tierState // indexed by Tier: TierSmall, TierMedium, TierLarge

	allocCount  int64
	freeCount   int64
	mappedBytes int64
}

// Stats reports the plain counters the teacher keeps on its Allocator
// (allocs, mmaps, bytes), renamed to this module's three-tier vocabulary.
// Purely a debug accessor for asserting §8's accounting invariants in
// tests, not a monitoring subsystem (§1 Non-goals: no statistics beyond
// invariant needs).
type Stats struct {
	AllocCount  int64
	FreeCount   int64
	MappedBytes int64
}

// Stats reports h's current counters.
func (h *Heap) Stats() Stats {
	return Stats{AllocCount: h.allocCount, FreeCount: h.freeCount, MappedBytes: h.mappedBytes}
}

// trace mirrors the teacher's debug-build switch (memory.go): flipped
// on only when hacking on this package, never in a committed build.
const trace = false

// AcquireHeap returns a ready-to-use Heap, reusing a previously
// Released one when available (§4.6) so a long-running pool of
// goroutines doesn't mint a fresh id and registry entry per task.
func AcquireHeap(cfg Config) *Heap {
	if h := popFreeHeap(); h != nil {
		h.mm = cfg.MemoryMap
		h.onMapFail = cfg.OnMapFail
		if h.mm == nil {
			h.mm = newDefaultMemoryMap()
		}
		registerHeap(h)
		return h
	}

	h := &Heap{
		id:        allocHeapID(),
		mm:        cfg.MemoryMap,
		onMapFail: cfg.OnMapFail,
	}
	if h.mm == nil {
		h.mm = newDefaultMemoryMap()
	}
	for i := range h.tiers {
		h.tiers[i].tier = Tier(i)
	}
	registerHeap(h)
	return h
}

// Release gives up ownership of the heap's spans and returns the
// handle to the registry's free list for reuse (§4.6, §9 thread
// finalization). It is the caller's responsibility to ensure no
// further allocations route through h afterwards; outstanding blocks
// already handed out remain valid until freed, since Release does not
// unmap anything still referenced by a live page.
func (h *Heap) Release() {
	unregisterHeap(h.id)
	pushFreeHeap(h)
}

// Allocate returns size bytes, uninitialized (§4.5). Panics on a
// negative size, matching the teacher's "this is a caller bug"
// convention (memory.go's Malloc).
func (h *Heap) Allocate(size int) ([]byte, error) {
	return h.allocate(size, false)
}

// AllocateZeroed is like Allocate except the memory is zeroed.
func (h *Heap) AllocateZeroed(size int) ([]byte, error) {
	return h.allocate(size, true)
}

func (h *Heap) allocate(size int, zero bool) (r []byte, err error) {
	if trace {
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fatalTrace("Allocate", size, p, err)
		}()
	}
	if size < 0 {
		panic("rpmalloc: invalid allocation size")
	}
	if size == 0 {
		return nil, nil
	}

	class, ok := ClassOf(uintptr(size))
	if !ok {
		return h.allocateHuge(size, zero)
	}

	page, err := h.acquireAvailablePage(class)
	if err != nil {
		return nil, err
	}

	addr, becameFull := page.Allocate(zero)
	if becameFull {
		h.available[class] = nil
	}

	h.allocCount++
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(BlockSize(class)))[:size], nil
}

// acquireAvailablePage implements §4.5.1: reuse the cached available
// page for class, or fall back through the tier's cross-thread
// returns, then its recycled-Free pages, then carve a new one from the
// current span (opening a new span if the current one is saturated).
func (h *Heap) acquireAvailablePage(class int) (*pageHeader, error) {
	if p := h.available[class]; p != nil {
		return p, nil
	}

	tier := TierOf(class)
	ts := &h.tiers[tier]

	// A remotely returned page was reclaimed (and possibly decommitted)
	// by the freeing heap, so it goes through the recycled-page path
	// below, which re-commits it before reuse.
	if p := h.popRemoteReturn(ts); p != nil {
		h.pushFreePage(ts, p)
	}

	if p := h.popFreePage(ts); p != nil {
		if p.has(pageFlagDecommitted) {
			if addr, size := p.decommitRange(); size != 0 {
				if err := h.mm.Commit(addr, size); err != nil {
					return nil, outOfMemoryError("Allocate", err)
				}
			}
			p.clear(pageFlagDecommitted)
		}
		// p.flags&pageFlagZero was set by reclaimPage (in free()) only
		// when it proved the non-header range OS-zero again; initFor
		// deliberately leaves it untouched.
		p.initFor(class)
		h.available[class] = p
		return p, nil
	}

	p, err := h.carvePage(ts)
	if err != nil {
		return nil, err
	}
	p.initFor(class)
	h.available[class] = p
	return p, nil
}

// carvePage draws the next uninitialized page from the tier's current
// span, opening a fresh span when the current one is exhausted or
// absent (§4.5.3).
func (h *Heap) carvePage(ts *tierState) (*pageHeader, error) {
	if ts.currentSpan != nil {
		if p := ts.currentSpan.NextPage(h.id); p != nil {
			return p, nil
		}
	}

	span, err := newSpan(h.mm, ts.tier, 0, h.onMapFail)
	if err != nil {
		return nil, outOfMemoryError("Allocate", err)
	}
	h.mappedBytes += int64(span.mappedSize)
	h.linkSpan(ts, span)
	ts.currentSpan = span

	p := span.NextPage(h.id)
	if p == nil {
		return nil, &AllocError{Kind: ErrOutOfMemory, Op: "Allocate"}
	}
	return p, nil
}

func (h *Heap) linkSpan(ts *tierState, s *spanHeader) {
	s.nextAddr = 0
	s.prevAddr = 0
	if ts.spans != nil {
		s.nextAddr = ts.spans.addr()
		ts.spans.prevAddr = s.addr()
	}
	ts.spans = s
}

func (h *Heap) popFreePage(ts *tierState) *pageHeader {
	n := len(ts.freePages)
	if n == 0 {
		return nil
	}
	p := ts.freePages[n-1]
	ts.freePages = ts.freePages[:n-1]
	return p
}

func (h *Heap) pushFreePage(ts *tierState, p *pageHeader) {
	ts.freePages = append(ts.freePages, p)
}

// pushRemoteReturn is called by a *different* heap's Free path once it
// observes a page it drained to saturation (§4.4.1). It links p onto
// this heap's per-tier stack with a CAS loop, exactly like the page's
// own cross-thread free-list (page.go's pushCrossThread), reusing
// page.nextAddr as the link field since a page being returned this way
// is never simultaneously on the available/spans lists.
func (h *Heap) pushRemoteReturn(tier Tier, p *pageHeader) {
	ts := &h.tiers[tier]
	for {
		head := atomic.LoadUintptr(&ts.remoteHead)
		p.nextAddr = head
		if atomic.CompareAndSwapUintptr(&ts.remoteHead, head, p.addr()) {
			return
		}
		runtime.Gosched()
	}
}

// popRemoteReturn takes the tier's whole remote-return stack in one
// swap, returns its first page and moves the rest onto the tier's
// recycled free-page list. Only the owning heap calls this, so a
// simple atomic swap-to-zero followed by walking the local chain is
// race-free against other pushers (they always CAS against the current
// head, never assume it's unchanged across the swap).
func (h *Heap) popRemoteReturn(ts *tierState) *pageHeader {
	head := atomic.SwapUintptr(&ts.remoteHead, 0)
	if head == 0 {
		return nil
	}
	p := pageAt(head)
	rest := p.nextAddr
	for rest != 0 {
		n := pageAt(rest)
		next := n.nextAddr
		h.pushFreePage(ts, n)
		rest = next
	}
	return p
}

// Free releases a block previously returned by Allocate/AllocateZeroed
// on any heap (§4.4, §4.4.1). Only the address of b[0] is used to find
// the block, so b must still start inside it; an empty b is a no-op.
func (h *Heap) Free(b []byte) (err error) {
	if trace {
		defer func() {
			var p *byte
			if len(b) != 0 {
				p = &b[0]
			}
			fatalTrace("Free", len(b), p, err)
		}()
	}
	if len(b) == 0 {
		return nil
	}
	return h.free(uintptr(unsafe.Pointer(&b[0])))
}

func (h *Heap) free(addr uintptr) error {
	span := spanOf(addr)
	if span.tier == TierHuge {
		h.mappedBytes -= int64(span.mappedSize)
		h.freeCount++
		return span.release(h.mm)
	}

	page := pageOf(span, addr)
	origin := page.originOf(addr)
	class := int(page.class)

	if page.ownerHeapID == h.id {
		becameEmpty, becameAvailable := page.Deallocate(origin)
		ts := &h.tiers[page.tier]
		if becameAvailable && h.available[class] == nil {
			h.available[class] = page
		}
		if becameEmpty {
			if h.available[class] == page {
				h.available[class] = nil
			}
			reclaimPage(h.mm, page)
			h.pushFreePage(ts, page)
		}
		h.freeCount++
		return nil
	}

	saturated := page.DeallocateRemote(origin)
	if saturated {
		if owner := lookupHeap(page.ownerHeapID); owner != nil {
			reclaimPage(owner.mm, page)
			owner.pushRemoteReturn(page.tier, page)
		}
	}
	return nil
}

// reclaimPage prepares a page that just became empty (Available/Full ->
// Free, §4.4.2) to sit on the tier's recycled-page stack. The header's
// own OS page can never be decommitted — that would discard the header
// itself — so the block bytes sharing that page are zeroed explicitly
// instead; the remaining pages are handed to Decommit, which a later
// Commit (in acquireAvailablePage) must turn back into zero-filled
// pages (§4.2's MemoryMap contract).
//
// pageFlagZero is only set when both halves are provably zero again:
// the sliver was just memset, and Decommit reported success. A failed
// Decommit (observed on Linux when the range isn't OS-page-aligned,
// now impossible since decommitRange starts on a real boundary, but
// also possible if the OS simply refuses) leaves the flag clear, so
// the next Allocate(zero=true) on a bump-initialized block from this
// page zeroes it instead of trusting stale data.
func reclaimPage(mm MemoryMap, p *pageHeader) {
	p.clear(pageFlagZero)
	if addr, size := p.headerSliverRange(); size != 0 {
		zeroBlock(addr, size)
	}
	addr, size := p.decommitRange()
	if size == 0 {
		p.set(pageFlagZero)
		return
	}
	if err := mm.Decommit(addr, size); err != nil {
		p.clear(pageFlagDecommitted)
		return
	}
	p.set(pageFlagDecommitted)
	p.set(pageFlagZero)
}

// allocateHuge services a request larger than MaxAllocSize by mapping
// a dedicated span (§4.5.4).
func (h *Heap) allocateHuge(size int, zero bool) ([]byte, error) {
	span, dataAddr, err := newHugeSpan(h.mm, uintptr(size), h.onMapFail)
	if err != nil {
		return nil, outOfMemoryError("Allocate", err)
	}
	h.allocCount++
	h.mappedBytes += int64(span.mappedSize)
	b := unsafe.Slice((*byte)(unsafe.Pointer(dataAddr)), size)
	if zero {
		for i := range b {
			b[i] = 0
		}
	}
	return b, nil
}

// AllocateAligned returns size bytes aligned to align, which must be a
// power of two no larger than MaxAlign (§4.5.5). Alignments above
// Granularity are served by over-allocating size+align-1 bytes from
// the size class (or huge path) that fits and returning an interior
// pointer; Free/Reallocate
// still work on the result because page.originOf floors any interior
// address back to its block.
func (h *Heap) AllocateAligned(size, align int) ([]byte, error) {
	if size < 0 {
		panic("rpmalloc: invalid allocation size")
	}
	if align <= 0 || align&(align-1) != 0 || uintptr(align) > MaxAlign {
		return nil, invalidArgError("AllocateAligned")
	}
	if uintptr(align) <= Granularity {
		return h.Allocate(size)
	}
	if size == 0 {
		return nil, nil
	}

	needed := size + align - 1
	class, ok := ClassOf(uintptr(needed))
	if !ok {
		// Huge data starts SpanHeaderSize past the span base, so it
		// is aligned here like any other block; no page exists to
		// carry the has_aligned_block flag.
		raw, err := h.allocateHuge(needed, false)
		if err != nil {
			return nil, err
		}
		return alignSlice(raw, size, align), nil
	}

	page, err := h.acquireAvailablePage(class)
	if err != nil {
		return nil, err
	}
	addr, becameFull := page.Allocate(false)
	if becameFull {
		h.available[class] = nil
	}
	page.set(pageFlagAlignedBlock)
	h.allocCount++

	raw := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(BlockSize(class)))
	return alignSlice(raw, size, align), nil
}

// alignSlice carves the size-byte, align-aligned interior slice out of
// a raw over-allocated block (§4.5.5). Free/Reallocate still work on
// the result because page.originOf floors any interior address back
// to its block's origin.
func alignSlice(raw []byte, size, align int) []byte {
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(align) - 1) &^ (uintptr(align) - 1)
	off := int(aligned - base)
	return raw[off : off+size : off+size]
}

// ReallocFlags modifies the copy/grow behavior of Heap.ReallocateFlags
// (§4.5.6, §6's aligned_realloc contract).
type ReallocFlags uint8

const (
	// NoPreserve skips copying the old block's contents forward into
	// the new one; the caller asserts it doesn't need them (it is
	// about to overwrite the whole buffer anyway).
	NoPreserve ReallocFlags = 1 << iota
	// GrowOrFail disallows satisfying a grow by moving to a new block;
	// it either grows in place or fails with ErrOutOfMemory.
	GrowOrFail
)

// growthRoundUp implements §4.5.6's thrash-avoidance policy: a growing
// reallocation rounds up to at least 11/8 of the old size, so a
// caller appending in a loop doesn't reallocate on every single call.
func growthRoundUp(newSize, oldSize int) int {
	padded := oldSize * 11 / 8
	if padded > newSize {
		return padded
	}
	return newSize
}

// Reallocate changes the size of the backing block of b (§4.5.6),
// preserving contents and using cap(b) as the old-size hint. Equivalent
// to ReallocateFlags(b, size, 0, 0).
func (h *Heap) Reallocate(b []byte, size int) ([]byte, error) {
	return h.ReallocateFlags(b, size, 0, 0)
}

// ReallocateFlags is the full rpmalloc-style
// reallocate(block, new_size, old_size_hint, flags) contract (§4.5.6).
// oldSizeHint lets a caller that only holds a raw pointer (cap(b) == 0,
// e.g. a block recovered via unsafe.Pointer) inform the growth-rounding
// policy; when b itself carries a usable capacity, the larger of the
// two is used.
func (h *Heap) ReallocateFlags(b []byte, newSize, oldSizeHint int, flags ReallocFlags) ([]byte, error) {
	if newSize < 0 || oldSizeHint < 0 {
		panic("rpmalloc: invalid allocation size")
	}
	oldSize := cap(b)
	if oldSizeHint > oldSize {
		oldSize = oldSizeHint
	}

	switch {
	case oldSize == 0:
		return h.Allocate(newSize)
	case newSize == 0:
		return nil, h.Free(b)
	case newSize <= oldSize:
		return b[:newSize], nil
	}

	if flags&GrowOrFail != 0 {
		return nil, &AllocError{Kind: ErrOutOfMemory, Op: "Reallocate"}
	}

	grown := growthRoundUp(newSize, oldSize)
	r, err := h.Allocate(grown)
	if err != nil {
		return nil, err
	}
	if flags&NoPreserve == 0 {
		copy(r, b)
	}
	if err := h.Free(b); err != nil {
		return nil, err
	}
	return r[:newSize], nil
}

// UsableSize reports the capacity of the block addr points into,
// mirroring the teacher's package-level UsableSize/UnsafeUsableSize.
func UsableSize(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	addr := uintptr(unsafe.Pointer(&b[0]))
	span := spanOf(addr)
	if span.tier == TierHuge {
		return int(span.hugeUserSize)
	}
	page := pageOf(span, addr)
	return int(page.blockSize)
}

// UsableSize is the unsafe.Pointer-facing counterpart to the
// package-level UsableSize, matching §6's usable_size facade
// signature for callers that only hold a raw pointer (e.g. one
// recovered through AllocateAligned's interior slicing, before it was
// resliced back down).
func (h *Heap) UsableSize(ptr unsafe.Pointer) uintptr {
	if ptr == nil {
		return 0
	}
	addr := uintptr(ptr)
	span := spanOf(addr)
	if span.tier == TierHuge {
		return span.hugeUserSize
	}
	page := pageOf(span, addr)
	return uintptr(page.blockSize)
}

// BlockInfo reports the size class, tier, and full block size backing
// b, the debug introspection §3 promises alongside UsableSize. class
// is -1 for a huge (span-per-allocation) block, which has no size
// class.
func (h *Heap) BlockInfo(b []byte) (class int, tier Tier, size uintptr) {
	if len(b) == 0 {
		return -1, 0, 0
	}
	addr := uintptr(unsafe.Pointer(&b[0]))
	span := spanOf(addr)
	if span.tier == TierHuge {
		return -1, TierHuge, span.hugeUserSize
	}
	page := pageOf(span, addr)
	return int(page.class), page.tier, uintptr(page.blockSize)
}

func fatalTrace(op string, size int, p *byte, err error) {
	traceLogf("%s(%#x) %p, %v\n", op, size, p, err)
}
