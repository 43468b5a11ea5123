// Package kheap implements the kernel heap: a first-fit allocator over a
// fixed byte arena that backs all kernel-internal dynamic structures.
//
// Free ranges carry their own bookkeeping: a small header with the block size
// and a link to the next free block is written in-place into each reclaimed
// range, forming an address-ordered chain. Allocated blocks carry no header;
// callers pass the block size back on Free, so a full free cycle restores the
// arena to a single free block spanning its original capacity.
package kheap

import (
	"unsafe"

	"github.com/schani/ralph-os/kernel"
	"github.com/schani/ralph-os/kernel/kfmt"
	"github.com/schani/ralph-os/kernel/mem"
	"github.com/schani/ralph-os/kernel/sync"
)

// blockGranularity is the minimum allocation unit. It must be large enough to
// fit a freeBlock header so that any reclaimed range can join the free chain.
const blockGranularity = 16

// freeBlock is the header written in-place at the start of every free range.
type freeBlock struct {
	size uintptr
	next *freeBlock
}

type heapState struct {
	start, end uintptr
	head       *freeBlock
	used       mem.Size
}

var (
	heapMu sync.Mutex
	heap   heapState

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errOutOfMemory        = &kernel.Error{Module: "kheap", Message: "out of memory"}
	errBadFreeRange       = &kernel.Error{Module: "kheap", Message: "freed range is not an allocated range of this arena"}
	errArenaTooSmall      = &kernel.Error{Module: "kheap", Message: "arena cannot fit a single block"}
	errAlreadyInitialized = &kernel.Error{Module: "kheap", Message: "allocator already initialized"}
	errNotInitialized     = &kernel.Error{Module: "kheap", Message: "allocator used before initialization"}
)

// Init sets up the kernel heap over the arena described by start and size.
// The arena must be identity-mapped and reserved for the exclusive use of
// this allocator. Init must be called exactly once before any allocation.
func Init(start uintptr, size mem.Size) *kernel.Error {
	heapMu.Lock()
	defer heapMu.Unlock()

	if heap.start != 0 {
		return errAlreadyInitialized
	}

	// Round the arena extents inwards so every block address and size is a
	// granularity multiple.
	alignedStart := (start + blockGranularity - 1) &^ uintptr(blockGranularity-1)
	if mem.Size(alignedStart-start) >= size {
		return errArenaTooSmall
	}
	usable := (uintptr(size) - (alignedStart - start)) &^ uintptr(blockGranularity-1)
	if usable < blockGranularity {
		return errArenaTooSmall
	}

	blk := (*freeBlock)(unsafe.Pointer(alignedStart))
	blk.size = usable
	blk.next = nil

	heap.start = alignedStart
	heap.end = alignedStart + usable
	heap.head = blk
	heap.used = 0

	return nil
}

// Alloc reserves size bytes from the arena and returns the start address of
// the reserved block. The request is rounded up to the allocator granularity
// and satisfied by the first free block large enough to hold it; when that
// block is larger than the request, the remainder is split off and kept on
// the free chain. Alloc returns an error if no free block can satisfy the
// request; it never hands out a smaller block than asked for.
func Alloc(size mem.Size) (uintptr, *kernel.Error) {
	want := uintptr(size.RoundUp(blockGranularity))
	if want == 0 {
		want = blockGranularity
	}

	heapMu.Lock()
	defer heapMu.Unlock()

	if heap.start == 0 {
		panicFn(errNotInitialized)
		return 0, errNotInitialized
	}

	var prev *freeBlock
	for blk := heap.head; blk != nil; prev, blk = blk, blk.next {
		if blk.size < want {
			continue
		}

		addr := uintptr(unsafe.Pointer(blk))

		// Block sizes and requests are granularity multiples, so any
		// remainder can hold a header and be split off.
		if rem := blk.size - want; rem > 0 {
			split := (*freeBlock)(unsafe.Pointer(addr + want))
			split.size = rem
			split.next = blk.next
			if prev == nil {
				heap.head = split
			} else {
				prev.next = split
			}
		} else {
			if prev == nil {
				heap.head = blk.next
			} else {
				prev.next = blk.next
			}
		}

		heap.used += mem.Size(want)
		return addr, nil
	}

	return 0, errOutOfMemory
}

// Free returns the block at addr to the free chain. size must match the size
// requested when the block was allocated. The block is inserted in address
// order and eagerly merged with a free neighbor on either side so two
// adjacent free blocks never coexist. Freeing a range that lies outside the
// arena, was never handed out, or is already free leaves the allocator state
// unchanged and returns an error.
func Free(addr uintptr, size mem.Size) *kernel.Error {
	want := uintptr(size.RoundUp(blockGranularity))
	if want == 0 {
		want = blockGranularity
	}

	heapMu.Lock()
	defer heapMu.Unlock()

	if heap.start == 0 {
		panicFn(errNotInitialized)
		return errNotInitialized
	}

	if addr < heap.start || addr+want > heap.end || addr&(blockGranularity-1) != 0 {
		return errBadFreeRange
	}
	if mem.Size(want) > heap.used {
		return errBadFreeRange
	}

	// Locate the insertion point that keeps the chain address-ordered.
	var prev *freeBlock
	cur := heap.head
	for cur != nil && uintptr(unsafe.Pointer(cur)) < addr {
		prev, cur = cur, cur.next
	}

	// An overlap with either neighbor means the range (or part of it) is
	// already free.
	if prev != nil && uintptr(unsafe.Pointer(prev))+prev.size > addr {
		return errBadFreeRange
	}
	if cur != nil && addr+want > uintptr(unsafe.Pointer(cur)) {
		return errBadFreeRange
	}

	blk := (*freeBlock)(unsafe.Pointer(addr))
	blk.size = want
	blk.next = cur
	if prev == nil {
		heap.head = blk
	} else {
		prev.next = blk
	}

	// Eagerly merge with the successor, then the predecessor.
	if blk.next != nil && addr+blk.size == uintptr(unsafe.Pointer(blk.next)) {
		blk.size += blk.next.size
		blk.next = blk.next.next
	}
	if prev != nil && uintptr(unsafe.Pointer(prev))+prev.size == addr {
		prev.size += blk.size
		prev.next = blk.next
	}

	heap.used -= mem.Size(want)
	return nil
}

// Stats returns the number of allocated and free bytes in the arena.
func Stats() (used, free mem.Size) {
	heapMu.Lock()
	defer heapMu.Unlock()

	for blk := heap.head; blk != nil; blk = blk.next {
		free += mem.Size(blk.size)
	}

	return heap.used, free
}
