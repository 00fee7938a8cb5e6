// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpmalloc

import "os"

// osPageSize is the platform's real OS page size, used to find the
// boundary between the OS page a page header shares with its first
// few blocks (which can never be decommitted without losing the
// header) and the rest of the page's blocks (which can). Computed
// once via os.Getpagesize(), the same call the teacher's mmap_windows.go
// uses for its own page-size bookkeeping.
var osPageSize = uintptr(os.Getpagesize())

// MemoryMap is the OS-interface collaborator described in §4.2 and §6.
// The core depends on nothing beyond this contract:
//
//   - Map reserves (and, where the platform requires it, commits) a
//     region at least size bytes long and returns the usable base
//     address already aligned to alignment, plus the bookkeeping
//     (offset, mapped) needed to invert the alignment padding on Unmap.
//   - Commit/Decommit toggle backing storage for an already-mapped
//     range; Decommit is a hint only — addresses stay valid, and a
//     following Commit must yield zero-filled pages.
//   - Unmap releases a region previously returned by Map, given back
//     exactly the (base, offset, mapped) triple Map produced.
type MemoryMap interface {
	Map(size, alignment uintptr) (addr, offset, mapped uintptr, err error)
	Commit(addr, size uintptr) error
	Decommit(addr, size uintptr) error
	Unmap(base, offset, mapped uintptr) error
}

// LargePageHinter is an optional capability a MemoryMap may implement to
// opt into huge-page backing for the large/huge tiers. Orthogonal to the
// core per the design notes: nothing here depends on it being present.
type LargePageHinter interface {
	HintLargePages(addr, size uintptr)
}

// maxMapAttempts bounds the map-fail-callback retry loop so a
// misbehaving callback (always returning true) cannot spin forever.
const maxMapAttempts = 8

// mapWithRetry calls mm.Map, consulting onFail (the configured
// MapFailCallback) on failure. onFail may be nil, in which case the
// first failure is returned immediately.
func mapWithRetry(mm MemoryMap, size, alignment uintptr, onFail func(uintptr) bool) (addr, offset, mapped uintptr, err error) {
	for attempt := 0; ; attempt++ {
		addr, offset, mapped, err = mm.Map(size, alignment)
		if err == nil {
			return addr, offset, mapped, nil
		}
		if onFail == nil || attempt >= maxMapAttempts || !onFail(size) {
			return 0, 0, 0, err
		}
	}
}
