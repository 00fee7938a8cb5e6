// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpmalloc

import "testing"

func TestHeapIDsAreUnique(t *testing.T) {
	h1 := AcquireHeap(Config{})
	h2 := AcquireHeap(Config{})
	defer h1.Release()
	defer h2.Release()

	if h1.id == h2.id {
		t.Fatalf("two live heaps share id %d", h1.id)
	}
}

func TestLookupHeapResolvesRegistered(t *testing.T) {
	h := AcquireHeap(Config{})
	defer h.Release()

	got := lookupHeap(h.id)
	if got != h {
		t.Fatalf("lookupHeap(%d) = %p, want %p", h.id, got, h)
	}
}

func TestReleaseUnregistersAndRecycles(t *testing.T) {
	h := AcquireHeap(Config{})
	id := h.id
	h.Release()

	if got := lookupHeap(id); got != nil {
		t.Fatalf("lookupHeap(%d) after Release = %p, want nil", id, got)
	}

	h2 := AcquireHeap(Config{})
	defer h2.Release()
	if h2 != h {
		t.Fatal("AcquireHeap after a Release should recycle the released heap")
	}
	if lookupHeap(id) != h2 {
		t.Fatal("recycled heap was not re-registered under its id")
	}
}
