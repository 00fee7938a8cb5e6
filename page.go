// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpmalloc

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// pageFlag bits, packed into pageHeader.flags (§3).
const (
	pageFlagFull pageFlag = 1 << iota
	pageFlagFree
	pageFlagZero
	pageFlagDecommitted
	pageFlagAlignedBlock
)

type pageFlag uint8

// noBlock is the local-free-list sentinel meaning "list empty".
const noBlock uintptr = 0

// noIndex is the cross-thread free-list sentinel meaning "no next
// block in the chain", distinct from "list empty" (encoded by count
// == 0 in the packed token; see §4.4.1).
const noIndex uint32 = ^uint32(0)

// pageHeader occupies the first PageHeaderSize bytes of every page.
// Everything here except crossToken is mutated only by the owning
// heap's thread while the owner can reach the page; crossToken is the
// one field any thread may CAS (§5, Shared-resource policy). The one
// exception is a Full page saturated by remote frees: the freeing
// thread then runs reclaimPage (flags) and pushRemoteReturn (nextAddr)
// on it before the owner picks it up again.
//
// ownerHeapID stands in for both the "owning-thread identifier" and
// "owning-heap pointer" fields §3 lists separately: this module treats
// one Heap as exactly one logical thread (see DESIGN.md, Thread
// identity), so the two collapse into a single id. It is deliberately
// an id rather than a *Heap: a page lives in memory the Go garbage
// collector never scans, so it must never be the only thing holding a
// live *Heap — a remote free resolves the id through the package-level
// heap registry instead (see registry.go).
type pageHeader struct {
	class            uint32
	blockSize        uint32
	blockCount       uint32
	blockInitialized uint32
	blockUsed        uint32
	tier             Tier
	flags            pageFlag
	_                [2]byte
	localFreeCount   uint32
	localFreeHead    uintptr
	ownerHeapID      uint64
	prevAddr         uintptr
	nextAddr         uintptr
	spanAddr         uintptr
	crossToken       uint64
}

var pageHeaderRuntimeSize = unsafe.Sizeof(pageHeader{})

func init() {
	if pageHeaderRuntimeSize > PageHeaderSize {
		panic("rpmalloc: pageHeader exceeds PageHeaderSize budget")
	}
}

func pageAt(addr uintptr) *pageHeader { return (*pageHeader)(unsafe.Pointer(addr)) }
func (p *pageHeader) addr() uintptr   { return uintptr(unsafe.Pointer(p)) }

// pageOf recovers a page header from any interior block pointer, given
// the span it belongs to (§9: span mask, then a shift within it).
func pageOf(span *spanHeader, blockAddr uintptr) *pageHeader {
	index := (blockAddr - span.addr()) >> span.pageSizeLog2
	return pageAt(span.addr() + index<<span.pageSizeLog2)
}

func (p *pageHeader) has(f pageFlag) bool { return p.flags&f != 0 }
func (p *pageHeader) set(f pageFlag)      { p.flags |= f }
func (p *pageHeader) clear(f pageFlag)    { p.flags &^= f }

func (p *pageHeader) blocksStart() uintptr { return p.addr() + PageHeaderSize }

func (p *pageHeader) blockAt(index uint32) uintptr {
	return p.blocksStart() + uintptr(index)*uintptr(p.blockSize)
}

// indexOf recovers the index of the block containing addr. Works for
// aligned sub-block pointers too: integer division floors to the
// block's origin regardless of where addr falls inside it (§8.4).
func (p *pageHeader) indexOf(addr uintptr) uint32 {
	return uint32((addr - p.blocksStart()) / uintptr(p.blockSize))
}

func (p *pageHeader) originOf(addr uintptr) uintptr { return p.blockAt(p.indexOf(addr)) }

// initFor (re)configures a page for class, used when the heap recycles
// a Free page for a (possibly different) class (§4.4.2: Free ->
// Available). The header's OS page is the caller's responsibility to
// re-zero; the non-header OS pages are the caller's responsibility to
// re-commit if the page had been decommitted.
func (p *pageHeader) initFor(class int) {
	p.class = uint32(class)
	p.blockSize = uint32(BlockSize(class))
	p.blockCount = BlockCount(class)
	p.blockInitialized = 0
	p.blockUsed = 0
	p.localFreeCount = 0
	p.localFreeHead = noBlock
	atomic.StoreUint64(&p.crossToken, 0)
	p.flags &^= pageFlagFull | pageFlagFree | pageFlagAlignedBlock | pageFlagDecommitted
}

func packToken(index, count uint32) uint64 { return uint64(count)<<32 | uint64(index) }

func unpackToken(tok uint64) (index, count uint32) {
	return uint32(tok), uint32(tok >> 32)
}

// pushLocal prepends addr to the local, same-thread-only free list.
func (p *pageHeader) pushLocal(addr uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = p.localFreeHead
	p.localFreeHead = addr
	p.localFreeCount++
}

func (p *pageHeader) popLocal() uintptr {
	addr := p.localFreeHead
	if addr == noBlock {
		return noBlock
	}
	p.localFreeHead = *(*uintptr)(unsafe.Pointer(addr))
	p.localFreeCount--
	return addr
}

// adoptCrossThread drains the cross-thread free list onto the local
// free list, in one atomic swap-to-zero (§4.4.1). Only the owning
// thread may call this.
func (p *pageHeader) adoptCrossThread() {
	tok := atomic.SwapUint64(&p.crossToken, 0)
	index, count := unpackToken(tok)
	if count == 0 {
		return
	}
	for i := uint32(0); i < count; i++ {
		addr := p.blockAt(index)
		next := *(*uint32)(unsafe.Pointer(addr))
		p.pushLocal(addr)
		index = next
	}
	p.blockUsed -= count
}

// pushCrossThread adds addr to the cross-thread free list and returns
// the list length just after the push. Any thread may call this; it
// never blocks, retrying the CAS with a Gosched back-off (§5).
func (p *pageHeader) pushCrossThread(addr uintptr) uint32 {
	index := p.indexOf(addr)
	for {
		old := atomic.LoadUint64(&p.crossToken)
		oldIndex, oldCount := unpackToken(old)
		if oldCount == 0 {
			*(*uint32)(unsafe.Pointer(addr)) = noIndex
		} else {
			*(*uint32)(unsafe.Pointer(addr)) = oldIndex
		}
		if atomic.CompareAndSwapUint64(&p.crossToken, old, packToken(index, oldCount+1)) {
			return oldCount + 1
		}
		runtime.Gosched()
	}
}

// bumpInitialize serves an uninitialized block (§4.4, step 3). On the
// small tier, when blocks are less than half a page, it also pre-links
// any further uninitialized blocks sharing the same OS page onto the
// local free list, amortizing the per-block initialization cost across
// a whole OS page at once.
func (p *pageHeader) bumpInitialize() uintptr {
	addr := p.blockAt(p.blockInitialized)
	p.blockInitialized++

	if p.tier == TierSmall && uintptr(p.blockSize) < SmallPageSize/2 {
		osPageEnd := (addr/osPageSize + 1) * osPageSize
		for p.blockInitialized < p.blockCount {
			next := p.blockAt(p.blockInitialized)
			if next >= osPageEnd {
				break
			}
			p.pushLocal(next)
			p.blockInitialized++
		}
	}

	return addr
}

// decommitRange reports the [addr, addr+size) range of p's blocks that
// can safely be handed to MemoryMap.Decommit/Commit: everything from
// the first OS page boundary strictly after p's header onward. The OS
// page p's header lives in can never be decommitted on its own — that
// would discard the header along with whatever block data shares the
// page — so callers that need that sliver provably zero again must
// zero it explicitly (see headerSliverRange).
func (p *pageHeader) decommitRange() (addr, size uintptr) {
	headerEnd := p.addr() + osPageSize
	blocksEnd := p.addr() + p.tier.PageSize()
	if headerEnd >= blocksEnd {
		return 0, 0
	}
	return headerEnd, blocksEnd - headerEnd
}

// headerSliverRange reports the block-data bytes that share the
// header's own OS page — the portion decommitRange cannot cover.
func (p *pageHeader) headerSliverRange() (addr, size uintptr) {
	start := p.blocksStart()
	end := p.addr() + osPageSize
	blocksEnd := p.addr() + p.tier.PageSize()
	if end > blocksEnd {
		end = blocksEnd
	}
	if end <= start {
		return 0, 0
	}
	return start, end - start
}

// Allocate implements the page contract's priority order: local
// free-list, then adopt-cross-thread, then initialize a new block
// (§4.4). becameFull reports the Available -> Full transition, which
// the heap must act on by unlinking this page from its per-class
// available list.
func (p *pageHeader) Allocate(zero bool) (addr uintptr, becameFull bool) {
	fresh := false
	if addr = p.popLocal(); addr == noBlock {
		p.adoptCrossThread()
		if addr = p.popLocal(); addr == noBlock {
			if p.blockInitialized >= p.blockCount {
				return 0, false
			}
			addr = p.bumpInitialize()
			fresh = true
		}
	}

	if zero && !(fresh && p.has(pageFlagZero)) {
		zeroBlock(addr, uintptr(p.blockSize))
	}

	p.blockUsed++
	p.clear(pageFlagFree)
	becameFull = p.blockUsed == p.blockCount
	if becameFull {
		p.set(pageFlagFull)
	}
	return addr, becameFull
}

// Deallocate services a free from the owning thread (a "local free",
// §4.4). becameEmpty/becameAvailable report the Available -> Free and
// Full -> Available transitions the heap must act on.
func (p *pageHeader) Deallocate(addr uintptr) (becameEmpty, becameAvailable bool) {
	wasFull := p.has(pageFlagFull)
	p.pushLocal(addr)
	p.blockUsed--

	if p.blockUsed == 0 {
		p.set(pageFlagFree)
		becameEmpty = true
	}
	if wasFull {
		p.clear(pageFlagFull)
		becameAvailable = true
	}
	return becameEmpty, becameAvailable
}

// DeallocateRemote services a free from a thread other than the
// owner (§4.4.1). saturated reports that the page was Full and has now
// accumulated cross-thread frees for every block — the caller (the
// freeing thread, per §4.4.1) must decommit the page's non-header OS
// pages and push it onto the owning heap's cross-thread free-page
// stack.
//
// has(pageFlagFull) is read here without synchronization against the
// owner's own flag writes. That is intentional and matches §5's
// relaxed-ordering model for this path: the only consequence of a
// stale read is a missed or slightly-late saturation detection, never
// a lost free or a double free, since pushCrossThread's CAS loop is
// what actually owns correctness here.
func (p *pageHeader) DeallocateRemote(addr uintptr) (saturated bool) {
	count := p.pushCrossThread(addr)
	return p.has(pageFlagFull) && count == p.blockCount
}

func zeroBlock(addr, size uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	for i := range b {
		b[i] = 0
	}
}
