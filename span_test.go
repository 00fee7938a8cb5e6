// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpmalloc

import "testing"

func TestNewSpanAlignment(t *testing.T) {
	mm := newDefaultMemoryMap()
	s, err := newSpan(mm, TierSmall, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.release(mm)

	if s.addr()%SpanSize != 0 {
		t.Fatalf("span address %#x not SpanSize-aligned", s.addr())
	}
	if got, want := s.pageSize(), uintptr(SmallPageSize); got != want {
		t.Fatalf("pageSize = %d, want %d", got, want)
	}
	if got, want := s.pageCount, uint32(SpanSize/SmallPageSize); got != want {
		t.Fatalf("pageCount = %d, want %d", got, want)
	}
}

func TestSpanOfRecoversHeader(t *testing.T) {
	mm := newDefaultMemoryMap()
	s, err := newSpan(mm, TierMedium, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.release(mm)

	interior := s.addr() + s.pageSize() + 17
	if got := spanOf(interior); got != s {
		t.Fatalf("spanOf(interior) = %p, want %p", got, s)
	}
}

func TestSpanNextPageSaturates(t *testing.T) {
	mm := newDefaultMemoryMap()
	s, err := newSpan(mm, TierLarge, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.release(mm)

	var last *pageHeader
	for i := uint32(0); i < s.pageCount; i++ {
		p := s.NextPage(7)
		if p == nil {
			t.Fatalf("NextPage returned nil before saturation at i=%d/%d", i, s.pageCount)
		}
		if p.ownerHeapID != 7 {
			t.Fatalf("ownerHeapID = %d, want 7", p.ownerHeapID)
		}
		last = p
	}
	if !s.saturated() {
		t.Fatal("span not saturated after handing out pageCount pages")
	}
	if p := s.NextPage(7); p != nil {
		t.Fatal("NextPage returned a page past saturation")
	}
	if last == nil {
		t.Fatal("never got a page")
	}
}

func TestNewHugeSpanHoldsUserSize(t *testing.T) {
	mm := newDefaultMemoryMap()
	userSize := uintptr(SpanSize) + 1024 // forces extra beyond one span
	s, dataAddr, err := newHugeSpan(mm, userSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.release(mm)

	if s.hugeUserSize != userSize {
		t.Fatalf("hugeUserSize = %d, want %d", s.hugeUserSize, userSize)
	}
	if dataAddr != s.addr()+SpanHeaderSize {
		t.Fatalf("dataAddr = %#x, want %#x", dataAddr, s.addr()+SpanHeaderSize)
	}
}
