// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rpmalloc implements a three-level span/page/heap memory
// allocator core in the style of rpmalloc: large SpanSize-aligned
// reservations are carved into fixed-size pages, each page serves
// blocks of a single size class, and a per-caller Heap coordinates
// page acquisition and a lock-free cross-thread free path so a block
// allocated on one Heap can be freed from any goroutine.
//
// A Heap is the unit of ownership this package exposes in place of
// the thread-local lookup the algorithm is traditionally built around
// (see AcquireHeap). Everything else — size classes, spans, pages — is
// an implementation detail reached only through a Heap.
package rpmalloc

import (
	"fmt"
	"os"
)

func traceLogf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
}

// defaultHeap is a process-wide Heap for callers that don't need
// per-goroutine isolation and are fine sharing one coordinator (and
// its lock contention on the cross-thread paths) across the whole
// process, the same tradeoff the teacher's package-level Malloc/Free
// wrappers would have made.
var defaultHeap = AcquireHeap(Config{})

// Malloc allocates size bytes on the process-wide default heap. The
// memory is not initialized. Malloc panics for size < 0 and returns
// (nil, nil) for zero size, matching the teacher's Malloc contract.
func Malloc(size int) ([]byte, error) { return defaultHeap.Allocate(size) }

// Calloc is like Malloc except the allocated memory is zeroed.
func Calloc(size int) ([]byte, error) { return defaultHeap.AllocateZeroed(size) }

// Realloc changes the size of the backing array of b to size bytes,
// preserving the shared prefix (§4.5.6).
func Realloc(b []byte, size int) ([]byte, error) { return defaultHeap.Reallocate(b, size) }

// Free deallocates memory acquired from Malloc, Calloc or Realloc on
// the process-wide default heap, or from any other Heap's Allocate
// family — Free always resolves to the correct owning heap.
func Free(b []byte) error { return defaultHeap.Free(b) }
