// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpmalloc

import (
	"math/bits"
	"unsafe"
)

// spanHeader occupies the first SpanHeaderSize bytes of every span.
// Spans are always SpanSize-aligned, so masking any interior pointer
// recovers this header with a single AND (§9, design notes).
//
// Unlike pageHeader, spanHeader carries no owner-heap reference: spans
// are only ever touched by the heap that created them (§3, "a heap
// exclusively owns its ... spans"), so there is no cross-thread path
// that needs to resolve a span back to a live *Heap.
type spanHeader struct {
	tier            Tier
	pageSizeLog2    uint8
	flags           uint8
	_               [5]byte
	pageCount       uint32
	pageInitialized uint32
	mapOffset       uintptr
	mappedSize      uintptr
	prevAddr        uintptr
	nextAddr        uintptr
	hugeUserSize    uintptr // valid only when tier == TierHuge
}

var spanHeaderRuntimeSize = unsafe.Sizeof(spanHeader{})

func init() {
	if spanHeaderRuntimeSize > SpanHeaderSize {
		panic("rpmalloc: spanHeader exceeds SpanHeaderSize budget")
	}
}

func spanAt(addr uintptr) *spanHeader { return (*spanHeader)(unsafe.Pointer(addr)) }

func (s *spanHeader) addr() uintptr { return uintptr(unsafe.Pointer(s)) }

// spanOf recovers the owning span's header from any interior pointer.
func spanOf(ptr uintptr) *spanHeader { return spanAt(ptr &^ (SpanSize - 1)) }

func (s *spanHeader) pageSize() uintptr { return uintptr(1) << s.pageSizeLog2 }

// newSpan reserves and initializes a fresh SpanSize-aligned span for
// tier (§4.5.3, §4.5.4 for TierHuge). extra is added to SpanSize for
// huge allocations whose user size exceeds one span.
func newSpan(mm MemoryMap, tier Tier, extra uintptr, onFail func(uintptr) bool) (*spanHeader, error) {
	size := SpanSize + extra
	addr, offset, mapped, err := mapWithRetry(mm, size, SpanSize, onFail)
	if err != nil {
		return nil, err
	}

	if hinter, ok := mm.(LargePageHinter); ok && tier >= TierLarge {
		hinter.HintLargePages(addr, mapped)
	}

	s := spanAt(addr)
	*s = spanHeader{}
	s.tier = tier
	s.mapOffset = offset
	s.mappedSize = mapped

	if ps := tier.PageSize(); ps != 0 {
		s.pageSizeLog2 = uint8(bits.Len(uint(ps)) - 1)
		s.pageCount = uint32(SpanSize / ps)
	}

	return s, nil
}

// NextPage hands out the next uninitialized page within the span,
// zero-initializing its header and binding it to ownerHeapID. Returns
// nil once the span is saturated (§4.3).
func (s *spanHeader) NextPage(ownerHeapID uint64) *pageHeader {
	if s.pageInitialized >= s.pageCount {
		return nil
	}

	addr := s.addr() + uintptr(s.pageInitialized)*s.pageSize()
	p := pageAt(addr)
	*p = pageHeader{}
	p.tier = s.tier
	p.ownerHeapID = ownerHeapID
	p.spanAddr = s.addr()
	p.flags = pageFlagZero
	s.pageInitialized++
	return p
}

func (s *spanHeader) saturated() bool { return s.pageInitialized >= s.pageCount }

func (s *spanHeader) release(mm MemoryMap) error {
	return mm.Unmap(s.addr(), s.mapOffset, s.mappedSize)
}

// newHugeSpan maps a span-aligned region sized to hold a single huge
// allocation of userSize bytes, per §4.5.4. The returned pointer is
// just past the span header.
func newHugeSpan(mm MemoryMap, userSize uintptr, onFail func(uintptr) bool) (*spanHeader, uintptr, error) {
	need := roundupUintptr(userSize+SpanHeaderSize, SpanSize)
	extra := uintptr(0)
	if need > SpanSize {
		extra = need - SpanSize
	}

	s, err := newSpan(mm, TierHuge, extra, onFail)
	if err != nil {
		return nil, 0, err
	}

	s.hugeUserSize = userSize
	s.flags |= spanFlagFull
	return s, s.addr() + SpanHeaderSize, nil
}

const (
	spanFlagFull uint8 = 1 << iota
)

func roundupUintptr(n, m uintptr) uintptr { return (n + m - 1) &^ (m - 1) }
