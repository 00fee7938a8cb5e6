// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2017 The Memory Authors.

//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd

package rpmalloc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// osMemoryMap is the default unix MemoryMap: plain anonymous mmap, with
// an over-allocate-then-trim-by-masking strategy for alignment (mmap
// itself has no alignment parameter), and MADV_DONTNEED for Decommit —
// the standard "hint, not an unmap" idiom on Linux/BSD.
type osMemoryMap struct{}

func newDefaultMemoryMap() MemoryMap { return osMemoryMap{} }

func (osMemoryMap) Map(size, alignment uintptr) (addr, offset, mapped uintptr, err error) {
	if alignment == 0 {
		alignment = 1
	}

	raw := size + alignment
	b, err := unix.Mmap(-1, 0, int(raw), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("mmap %d bytes: %w", raw, err)
	}

	base := uintptr(unsafe.Pointer(&b[0]))
	aligned := (base + alignment - 1) &^ (alignment - 1)
	return aligned, aligned - base, uintptr(raw), nil
}

func (osMemoryMap) Commit(addr, size uintptr) error {
	// Anonymous mmap pages are already read/write; nothing to do unless
	// a prior Decommit dropped protection, which this implementation
	// never does (MADV_DONTNEED keeps the mapping RW, only discards the
	// backing pages, so they fault back in zeroed on next touch).
	return nil
}

func (osMemoryMap) Decommit(addr, size uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

func (osMemoryMap) Unmap(base, offset, mapped uintptr) error {
	raw := base - offset
	b := unsafe.Slice((*byte)(unsafe.Pointer(raw)), int(mapped))
	return unix.Munmap(b)
}
