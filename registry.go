// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpmalloc

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// The global heap registry (§4.6) hands out monotonic heap ids and maps
// them back to a live *Heap for the one path that needs it: a remote
// free that saturates a page must hand that page back to its owner,
// and the only thing a page header may hold is an ownerHeapID, never
// a *Heap (see page.go's doc comment on GC safety). The registry is
// also where released heaps queue themselves up for reuse by a future
// Acquire, mirroring the C original's freelist of per-thread heaps
// without needing any OS thread-local storage (§9, thread identity).

var (
	nextHeapID  uint64
	heapsByID   sync.Map // uint64 -> *Heap
	freeHeapsMu uint32   // spinlock: 0 unlocked, 1 held
	freeHeaps   []*Heap
)

func allocHeapID() uint64 { return atomic.AddUint64(&nextHeapID, 1) }

func registerHeap(h *Heap) { heapsByID.Store(h.id, h) }

func unregisterHeap(id uint64) { heapsByID.Delete(id) }

func lookupHeap(id uint64) *Heap {
	v, ok := heapsByID.Load(id)
	if !ok {
		return nil
	}
	return v.(*Heap)
}

func lockFreeHeaps() {
	for !atomic.CompareAndSwapUint32(&freeHeapsMu, 0, 1) {
		runtime.Gosched()
	}
}

func unlockFreeHeaps() { atomic.StoreUint32(&freeHeapsMu, 0) }

// pushFreeHeap makes a released heap available to a future Acquire.
func pushFreeHeap(h *Heap) {
	lockFreeHeaps()
	freeHeaps = append(freeHeaps, h)
	unlockFreeHeaps()
}

// popFreeHeap returns a previously released heap, or nil if none is
// waiting.
func popFreeHeap() *Heap {
	lockFreeHeaps()
	defer unlockFreeHeaps()
	n := len(freeHeaps)
	if n == 0 {
		return nil
	}
	h := freeHeaps[n-1]
	freeHeaps = freeHeaps[:n-1]
	return h
}
