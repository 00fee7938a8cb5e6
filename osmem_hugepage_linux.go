// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package rpmalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// HintLargePages implements LargePageHinter on Linux via
// madvise(MADV_HUGEPAGE). Purely advisory, matching the design note
// that huge-page hinting is orthogonal to the core.
func (osMemoryMap) HintLargePages(addr, size uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	_ = unix.Madvise(b, unix.MADV_HUGEPAGE)
}
