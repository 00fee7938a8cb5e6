// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpmalloc

import (
	"bytes"
	"math"
	"sync"
	"testing"
	"unsafe"

	"github.com/cznic/mathutil"
)

const quota = 16 << 20

var (
	smallMax = 4096
	bigMax   = int(MaxAllocSize) * 2
)

// stress mirrors the teacher's test1/test2 shape (all_test.go): fill a
// quota of randomly sized blocks, verify their contents survived, then
// free everything in shuffled order.
func stress(t *testing.T, max int, freeAsYouGo bool) {
	h := AcquireHeap(Config{})
	defer h.Release()

	rem := quota
	var a [][]byte
	rng, err := mathutil.NewFC32(0, math.MaxInt32, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(42)
	pos := rng.Pos()

	for rem > 0 {
		size := rng.Next()%max + 1
		rem -= size
		b, err := h.Allocate(size)
		if err != nil {
			t.Fatal(err)
		}
		a = append(a, b)
		for i := range b {
			b[i] = byte(rng.Next())
		}
		if freeAsYouGo && len(a) > 64 {
			// keep memory pressure bounded for the huge-heavy case
			victim := a[0]
			a = a[1:]
			for i := range victim {
				victim[i] = 0
			}
			if err := h.Free(victim); err != nil {
				t.Fatal(err)
			}
		}
	}

	if !freeAsYouGo {
		rng.Seek(pos)
		for _, b := range a {
			if g, e := len(b), rng.Next()%max+1; g != e {
				t.Fatalf("length mismatch: got %d want %d", g, e)
			}
			for i, g := range b {
				if e := byte(rng.Next()); g != e {
					t.Fatalf("corrupted byte %d: got %#02x want %#02x", i, g, e)
				}
				b[i] = 0
			}
		}
	}

	for i := range a {
		j := rng.Next() % len(a)
		a[i], a[j] = a[j], a[i]
	}
	for _, b := range a {
		if err := h.Free(b); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStressSmall(t *testing.T) { stress(t, smallMax, false) }
func TestStressBig(t *testing.T)   { stress(t, bigMax, true) }

func TestHeapFreeEmptySlice(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	b, err := h.Allocate(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Free(b[:0]); err != nil {
		t.Fatal(err)
	}
}

func TestHeapAllocateZeroSize(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	b, err := h.Allocate(0)
	if err != nil || b != nil {
		t.Fatalf("Allocate(0) = %v, %v, want nil, nil", b, err)
	}
}

func TestHeapAllocateNegativeSizePanics(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("Allocate(-1) did not panic")
		}
	}()
	h.Allocate(-1)
}

func TestHeapAllocateZeroedIsZero(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	b, err := h.AllocateZeroed(256)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, v)
		}
	}
}

func TestHeapReallocateGrowsAndPreserves(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	b, err := h.Allocate(32)
	if err != nil {
		t.Fatal(err)
	}
	for i := range b {
		b[i] = byte(i)
	}

	grown, err := h.Reallocate(b, 4096)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 32; i++ {
		if grown[i] != byte(i) {
			t.Fatalf("byte %d = %#x after grow, want %#x", i, grown[i], byte(i))
		}
	}
	if err := h.Free(grown); err != nil {
		t.Fatal(err)
	}
}

func TestHeapReallocateToZeroFrees(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	b, err := h.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	r, err := h.Reallocate(b, 0)
	if err != nil || r != nil {
		t.Fatalf("Reallocate(b, 0) = %v, %v, want nil, nil", r, err)
	}
}

func TestHeapAllocateAligned(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	for _, align := range []int{64, 128, 4096} {
		b, err := h.AllocateAligned(100, align)
		if err != nil {
			t.Fatal(err)
		}
		if len(b) != 100 {
			t.Fatalf("len = %d, want 100", len(b))
		}
		addr := addrOf(b)
		if addr%uintptr(align) != 0 {
			t.Fatalf("align %d: addr %#x not aligned", align, addr)
		}

		span := spanOf(addr)
		page := pageOf(span, addr)
		if !page.has(pageFlagAlignedBlock) {
			t.Fatalf("align %d: containing page did not get has_aligned_block set", align)
		}

		if err := h.Free(b); err != nil {
			t.Fatal(err)
		}
	}
}

// TestHeapRecyclePageIsZeroed proves a page that cycles through
// Free -> recycle -> Allocate(zero=true) never surfaces the previous
// occupant's bytes, even though the page's header claims pageFlagZero
// across the cycle.
func TestHeapRecyclePageIsZeroed(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	const size = 128
	class, ok := ClassOf(size)
	if !ok {
		t.Fatal("size has no class")
	}

	// Fill one page's worth of blocks with non-zero data, then free
	// every block so the page cycles Full -> Free and is handed to
	// reclaimPage.
	count := int(BlockCount(class))
	var blocks [][]byte
	for i := 0; i < count; i++ {
		b, err := h.Allocate(size)
		if err != nil {
			t.Fatal(err)
		}
		for j := range b {
			b[j] = 0xFF
		}
		blocks = append(blocks, b)
	}
	for _, b := range blocks {
		if err := h.Free(b); err != nil {
			t.Fatal(err)
		}
	}

	// Recycle the same class: acquireAvailablePage must pull the Free
	// page back in, and AllocateZeroed must not trust a stale
	// pageFlagZero that was never actually re-proven.
	for i := 0; i < count; i++ {
		b, err := h.AllocateZeroed(size)
		if err != nil {
			t.Fatal(err)
		}
		for j, v := range b {
			if v != 0 {
				t.Fatalf("recycled block %d byte %d = %#x, want 0", i, j, v)
			}
		}
	}
}

func TestHeapReallocateFlagsNoPreserve(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	b, err := h.Allocate(32)
	if err != nil {
		t.Fatal(err)
	}
	for i := range b {
		b[i] = 0xAB
	}

	grown, err := h.ReallocateFlags(b, 4096, 0, NoPreserve)
	if err != nil {
		t.Fatal(err)
	}
	if len(grown) != 4096 {
		t.Fatalf("len = %d, want 4096", len(grown))
	}
	if err := h.Free(grown); err != nil {
		t.Fatal(err)
	}
}

func TestHeapReallocateFlagsGrowOrFail(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	b, err := h.Allocate(32)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Free(b)

	_, err = h.ReallocateFlags(b, 4096, 0, GrowOrFail)
	if err == nil {
		t.Fatal("ReallocateFlags with GrowOrFail over capacity did not fail")
	}
	var allocErr *AllocError
	if !asAllocError(err, &allocErr) || allocErr.Kind != ErrOutOfMemory {
		t.Fatalf("err = %v, want an ErrOutOfMemory AllocError", err)
	}
}

func TestHeapReallocateGrowthRoundsUp(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	oldSize := 256
	b, err := h.Allocate(oldSize)
	if err != nil {
		t.Fatal(err)
	}
	oldCap := cap(b)

	requested := oldSize + 1
	grown, err := h.Reallocate(b, requested)
	if err != nil {
		t.Fatal(err)
	}
	_, _, size := h.BlockInfo(grown[:cap(grown)])
	if want := uintptr(growthRoundUp(requested, oldCap)); size < want {
		t.Fatalf("grown backing size %d smaller than the 11/8 growth policy floor %d", size, want)
	}
	if err := h.Free(grown); err != nil {
		t.Fatal(err)
	}
}

func TestHeapBlockInfoAndStats(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	before := h.Stats()

	b, err := h.Allocate(100)
	if err != nil {
		t.Fatal(err)
	}
	wantClass, _ := ClassOf(100)
	class, tier, size := h.BlockInfo(b[:cap(b)])
	if class != wantClass || tier != TierSmall || size != uintptr(BlockSize(wantClass)) {
		t.Fatalf("BlockInfo = (%d, %v, %d), want (%d, %v, %d)", class, tier, size, wantClass, TierSmall, BlockSize(wantClass))
	}

	huge, err := h.Allocate(int(MaxAllocSize) + 1)
	if err != nil {
		t.Fatal(err)
	}
	hClass, hTier, hSize := h.BlockInfo(huge)
	if hClass != -1 || hTier != TierHuge || hSize != uintptr(len(huge)) {
		t.Fatalf("BlockInfo(huge) = (%d, %v, %d), want (-1, %v, %d)", hClass, hTier, hSize, TierHuge, len(huge))
	}

	after := h.Stats()
	if after.AllocCount != before.AllocCount+2 {
		t.Fatalf("AllocCount = %d, want %d", after.AllocCount, before.AllocCount+2)
	}
	if after.MappedBytes <= before.MappedBytes {
		t.Fatalf("MappedBytes did not grow: before %d after %d", before.MappedBytes, after.MappedBytes)
	}

	if err := h.Free(b); err != nil {
		t.Fatal(err)
	}
	if err := h.Free(huge); err != nil {
		t.Fatal(err)
	}
	final := h.Stats()
	if final.FreeCount != before.FreeCount+2 {
		t.Fatalf("FreeCount = %d, want %d", final.FreeCount, before.FreeCount+2)
	}
}

func asAllocError(err error, target **AllocError) bool {
	ae, ok := err.(*AllocError)
	if !ok {
		return false
	}
	*target = ae
	return true
}

func TestCrossHeapFree(t *testing.T) {
	producer := AcquireHeap(Config{})
	defer producer.Release()
	consumer := AcquireHeap(Config{})
	defer consumer.Release()

	const n = 256
	blocks := make([][]byte, n)
	for i := range blocks {
		b, err := producer.Allocate(48)
		if err != nil {
			t.Fatal(err)
		}
		blocks[i] = b
	}

	var wg sync.WaitGroup
	for _, b := range blocks {
		wg.Add(1)
		go func(b []byte) {
			defer wg.Done()
			if err := consumer.Free(b); err != nil {
				t.Error(err)
			}
		}(b)
	}
	wg.Wait()
}

func TestUsableSizeMatchesClass(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	b, err := h.Allocate(100)
	if err != nil {
		t.Fatal(err)
	}
	class, _ := ClassOf(100)
	if got, want := UsableSize(b[:cap(b)]), int(BlockSize(class)); got != want {
		t.Fatalf("UsableSize = %d, want %d", got, want)
	}
	h.Free(b)
}

func TestHugeAllocationRoundTrips(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	size := int(MaxAllocSize) + 1024
	b, err := h.Allocate(size)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != size {
		t.Fatalf("len = %d, want %d", len(b), size)
	}
	b[0] = 0xAB
	b[size-1] = 0xCD
	if err := h.Free(b); err != nil {
		t.Fatal(err)
	}
}

func TestPackageLevelFacade(t *testing.T) {
	b, err := Malloc(128)
	if err != nil {
		t.Fatal(err)
	}
	z, err := Calloc(128)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(z, make([]byte, 128)) {
		t.Fatal("Calloc did not zero the block")
	}
	if err := Free(b); err != nil {
		t.Fatal(err)
	}
	if err := Free(z); err != nil {
		t.Fatal(err)
	}
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
