// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpmalloc

import "github.com/cznic/mathutil"

// Structural constants. These pin the in-memory layout of spans and
// pages.
const (
	// Granularity is G, the smallest allocation granularity and the
	// smallest block size any class can have.
	Granularity = 32

	// PageHeaderSize and SpanHeaderSize are the byte budgets reserved
	// at the front of every page and every span for their headers.
	PageHeaderSize = 128
	SpanHeaderSize = 128

	// Per-tier page sizes.
	SmallPageSize  = 64 * 1024
	MediumPageSize = 4 * 1024 * 1024
	LargePageSize  = 64 * 1024 * 1024

	// SpanSize is the size of a single span reservation; spans are
	// aligned to their own size, which is what lets Free recover the
	// span header from any interior pointer with a single mask.
	SpanSize = 256 * 1024 * 1024

	// MaxAlign is the largest alignment AllocateAligned accepts.
	MaxAlign = 256 * 1024

	NumSmallClasses  = 29
	NumMediumClasses = 24
	NumLargeClasses  = 20
	NumClasses       = NumSmallClasses + NumMediumClasses + NumLargeClasses

	// linearClasses is the number of classes covered by the exact
	// ceil(size/G) rule before the quasi-logarithmic scheme takes over.
	linearClasses = 16
)

// Tier partitions the size-class table into the three servable tiers,
// plus Huge for anything larger than the table's top class.
type Tier uint8

const (
	TierSmall Tier = iota
	TierMedium
	TierLarge
	TierHuge
)

func (t Tier) String() string {
	switch t {
	case TierSmall:
		return "small"
	case TierMedium:
		return "medium"
	case TierLarge:
		return "large"
	case TierHuge:
		return "huge"
	default:
		return "unknown"
	}
}

// PageSize returns the memory-page size for t, or 0 for TierHuge (huge
// allocations are not carved into pages; the span header doubles as the
// whole allocation's header).
func (t Tier) PageSize() uintptr {
	switch t {
	case TierSmall:
		return SmallPageSize
	case TierMedium:
		return MediumPageSize
	case TierLarge:
		return LargePageSize
	default:
		return 0
	}
}

type sizeClassInfo struct {
	blockSize  uint32
	blockCount uint32
}

var sizeClassTable [NumClasses]sizeClassInfo

// smallClassEnd and mediumClassEnd are the exclusive upper bounds (in
// class-index space) of the small and medium tiers; everything from
// mediumClassEnd to NumClasses is the large tier.
var smallClassEnd, mediumClassEnd int

// MaxAllocSize is the largest request servable by the size-class table;
// anything bigger takes the huge path (§4.5.4).
var MaxAllocSize uintptr

func init() {
	buildSizeClassTable()
}

// buildSizeClassTable implements §4.1: class 0 is a degenerate guard
// equal to class 1; classes 1..16 are the exact linear region (class =
// ceil(size/G)); beyond that each doubling range is split into four
// subclasses indexed by the two bits below the MSB of (n-1), where n =
// ceil(size/G).
func buildSizeClassTable() {
	idx := 0
	sizeClassTable[0] = sizeClassInfo{blockSize: Granularity}
	idx++

	for n := 1; n <= linearClasses; n++ {
		sizeClassTable[idx] = sizeClassInfo{blockSize: uint32(n * Granularity)}
		idx++
	}

	mediumStart := NumSmallClasses
	largeStart := mediumStart + NumMediumClasses
	total := largeStart + NumLargeClasses

	// idx == linearClasses+1 == 17 here; (n-1) == 16 has its MSB at
	// bit position 4, so p starts at 4.
	for p := uint(4); idx < total; p++ {
		chunk := uint(1) << (p - 2)
		base := uint(1) << p
		for s := uint(0); s < 4 && idx < total; s++ {
			boundaryN := base + (s+1)*chunk
			sizeClassTable[idx] = sizeClassInfo{blockSize: uint32(boundaryN * Granularity)}
			idx++
		}
	}

	smallClassEnd = mediumStart
	mediumClassEnd = largeStart
	MaxAllocSize = uintptr(sizeClassTable[total-1].blockSize)

	for i := 0; i < NumClasses; i++ {
		pageSize := tierOfIndex(i).PageSize()
		bs := uintptr(sizeClassTable[i].blockSize)
		count := (pageSize - PageHeaderSize) / bs
		if count < 1 {
			count = 1
		}
		sizeClassTable[i].blockCount = uint32(count)
	}
}

func tierOfIndex(class int) Tier {
	switch {
	case class < smallClassEnd:
		return TierSmall
	case class < mediumClassEnd:
		return TierMedium
	default:
		return TierLarge
	}
}

// TierOf reports which tier a (valid, non-huge) class index belongs to.
func TierOf(class int) Tier { return tierOfIndex(class) }

// BlockSize returns the block size servable by class.
func BlockSize(class int) uintptr { return uintptr(sizeClassTable[class].blockSize) }

// BlockCount returns the number of blocks a page of class's tier holds.
func BlockCount(class int) uint32 { return sizeClassTable[class].blockCount }

// ClassOf maps a request size to a size class. ok is false when size
// exceeds MaxAllocSize, meaning the request must take the huge path.
func ClassOf(size uintptr) (class int, ok bool) {
	if size == 0 {
		return 1, true
	}

	n := (size + Granularity - 1) / Granularity
	if n <= linearClasses {
		return int(n), true
	}

	x := int(n - 1)
	p := uint(mathutil.BitLen(x)) - 1
	s := (uint(x) >> (p - 2)) & 3
	class = int(p)<<2 + int(s) + 1
	if class >= NumClasses {
		return 0, false
	}
	return class, true
}
