// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package rpmalloc

import (
	"fmt"
	"syscall"
)

// The teacher's mmap_windows.go maps anonymous memory through
// CreateFileMapping/MapViewOfFile. That approach cannot support our
// Decommit/Commit contract (a mapped file view has no partial
// decommit-then-recommit-as-zero operation), so this implementation
// uses syscall.VirtualAlloc/VirtualFree directly, which expose exactly
// MEM_COMMIT/MEM_DECOMMIT/MEM_RELEASE — the same primitives the host
// OS's own allocators are built on.
type osMemoryMap struct{}

func newDefaultMemoryMap() MemoryMap { return osMemoryMap{} }

const (
	memCommit    = 0x00001000
	memReserve   = 0x00002000
	memDecommit  = 0x00004000
	memRelease   = 0x00008000
	pageReadWrite = 0x04
)

func (osMemoryMap) Map(size, alignment uintptr) (addr, offset, mapped uintptr, err error) {
	if alignment == 0 {
		alignment = 1
	}

	raw := size + alignment
	base, err := syscall.VirtualAlloc(0, raw, memReserve|memCommit, pageReadWrite)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("VirtualAlloc %d bytes: %w", raw, err)
	}

	aligned := (base + alignment - 1) &^ (alignment - 1)
	return aligned, aligned - base, raw, nil
}

func (osMemoryMap) Commit(addr, size uintptr) error {
	_, err := syscall.VirtualAlloc(addr, size, memCommit, pageReadWrite)
	return err
}

func (osMemoryMap) Decommit(addr, size uintptr) error {
	return syscall.VirtualFree(addr, size, memDecommit)
}

func (osMemoryMap) Unmap(base, offset, mapped uintptr) error {
	raw := base - offset
	return syscall.VirtualFree(raw, 0, memRelease)
}
