// Package progmem implements the allocator for the program memory
// region. The region hands out page-granular blocks for task stacks,
// loaded program images and task-local heaps, and it keeps a ledger of
// which task owns each block so that everything a task acquired can be
// reclaimed when the task is reaped.
//
// New blocks are carved off a bump cursor that only ever moves forward;
// freed blocks enter a reuse list that is searched before the cursor is
// advanced so the region does not leak under spawn/exit churn.
package progmem

import (
	"github.com/schani/ralph-os/kernel"
	"github.com/schani/ralph-os/kernel/kfmt"
	"github.com/schani/ralph-os/kernel/mem"
	"github.com/schani/ralph-os/kernel/sync"
	"github.com/schani/ralph-os/kernel/task"
)

var (
	errAlreadyInitialized = &kernel.Error{Module: "progmem", Message: "allocator already initialized"}
	errRegionTooSmall     = &kernel.Error{Module: "progmem", Message: "program region cannot fit a single page"}
	errOutOfMemory        = &kernel.Error{Module: "progmem", Message: "program region exhausted"}
	errNotOwner           = &kernel.Error{Module: "progmem", Message: "block not owned by requesting task"}
	errNotInitialized     = &kernel.Error{Module: "progmem", Message: "allocator not initialized"}

	// Mocked by tests.
	panicFn  = kfmt.Panic
	memsetFn = kernel.Memset
)

// Kind describes what an allocated block is used for. The kind is kept
// in the ledger purely for accounting and diagnostics; the allocator
// treats all kinds the same way.
type Kind uint8

const (
	KindStack Kind = iota
	KindImage
	KindHeap
)

// String returns a human-readable version of a block kind.
func (k Kind) String() string {
	switch k {
	case KindStack:
		return "stack"
	case KindImage:
		return "image"
	case KindHeap:
		return "heap"
	}
	return "unknown"
}

// Range describes a block of program memory granted to a task.
type Range struct {
	Start uintptr
	Size  mem.Size
	Kind  Kind
}

// span describes a reclaimed block on the reuse list. Spans are kept
// sorted by start address and adjacent spans are always merged.
type span struct {
	start uintptr
	size  mem.Size
}

type regionAllocator struct {
	mutex sync.Mutex

	// Region bounds (page-aligned) and the bump cursor. Addresses in
	// [regionStart, cursor) have been handed out at least once.
	regionStart uintptr
	regionEnd   uintptr
	cursor      uintptr

	// Reclaimed blocks available for reuse, sorted by start address.
	freeList []span

	// Per-task ownership ledger. Task 0 is the kernel itself.
	ledger map[task.ID][]Range
}

var progAllocator regionAllocator

// Init sets the bounds of the program memory region. Both start and
// size are rounded inwards to page boundaries. Calling Init a second
// time is a bug in the caller and returns an error without touching
// the allocator state.
func Init(start uintptr, size mem.Size) *kernel.Error {
	return progAllocator.init(start, size)
}

// Alloc reserves size bytes of program memory for owner, rounding the
// request up to a page multiple. The reuse list is scanned first using
// a best-fit policy; only when no reclaimed block fits is the bump
// cursor advanced. The returned block is zeroed so that no data leaks
// between tasks, and it is recorded in the owner's ledger.
func Alloc(owner task.ID, size mem.Size, kind Kind) (uintptr, *kernel.Error) {
	return progAllocator.alloc(owner, size, kind)
}

// Free returns the block starting at addr to the reuse list. The block
// must appear in owner's ledger; attempts to free a foreign block or
// to free the same block twice fail with errNotOwner and leave the
// allocator state untouched.
func Free(owner task.ID, addr uintptr) *kernel.Error {
	return progAllocator.free(owner, addr)
}

// ReleaseAll returns every block in owner's ledger to the reuse list
// and removes the ledger entry. It is invoked by the scheduler when a
// finished task is reaped.
func ReleaseAll(owner task.ID) {
	progAllocator.releaseAll(owner)
}

// OwnedBy returns a copy of the ledger entries for owner. A task that
// owns nothing yields a nil slice.
func OwnedBy(owner task.ID) []Range {
	return progAllocator.ownedBy(owner)
}

// Stats returns the number of bytes currently granted to tasks and the
// number of bytes available for allocation.
func Stats() (used, free mem.Size) {
	return progAllocator.stats()
}

func (alloc *regionAllocator) init(start uintptr, size mem.Size) *kernel.Error {
	alloc.mutex.Lock()
	defer alloc.mutex.Unlock()

	if alloc.regionEnd != 0 {
		return errAlreadyInitialized
	}

	pageMask := uintptr(mem.PageSize - 1)
	regionStart := (start + pageMask) &^ pageMask
	regionEnd := (start + uintptr(size)) &^ pageMask
	if regionEnd <= regionStart || mem.Size(regionEnd-regionStart) < mem.PageSize {
		return errRegionTooSmall
	}

	alloc.regionStart = regionStart
	alloc.regionEnd = regionEnd
	alloc.cursor = regionStart
	alloc.freeList = nil
	alloc.ledger = make(map[task.ID][]Range)
	return nil
}

func (alloc *regionAllocator) alloc(owner task.ID, size mem.Size, kind Kind) (uintptr, *kernel.Error) {
	alloc.mutex.Lock()
	defer alloc.mutex.Unlock()

	if alloc.regionEnd == 0 {
		panicFn(errNotInitialized)
		return 0, errNotInitialized
	}

	if size == 0 {
		size = mem.PageSize
	}
	size = size.RoundUp(mem.PageSize)

	addr, ok := alloc.takeFromFreeList(size)
	if !ok {
		if uintptr(size) > alloc.regionEnd-alloc.cursor {
			return 0, errOutOfMemory
		}
		addr = alloc.cursor
		alloc.cursor += uintptr(size)
	}

	// Scrub the block; it may carry data from a previous owner.
	memsetFn(addr, 0, uintptr(size))

	alloc.ledger[owner] = append(alloc.ledger[owner], Range{Start: addr, Size: size, Kind: kind})
	return addr, nil
}

// takeFromFreeList scans the reuse list for the smallest span that can
// satisfy size. Oversized spans are split with the remainder staying on
// the list.
func (alloc *regionAllocator) takeFromFreeList(size mem.Size) (uintptr, bool) {
	bestIndex := -1
	for listIndex, candidate := range alloc.freeList {
		if candidate.size < size {
			continue
		}
		if bestIndex == -1 || candidate.size < alloc.freeList[bestIndex].size {
			bestIndex = listIndex
		}
	}

	if bestIndex == -1 {
		return 0, false
	}

	best := alloc.freeList[bestIndex]
	if best.size == size {
		alloc.freeList = append(alloc.freeList[:bestIndex], alloc.freeList[bestIndex+1:]...)
	} else {
		alloc.freeList[bestIndex].start += uintptr(size)
		alloc.freeList[bestIndex].size -= size
	}
	return best.start, true
}

func (alloc *regionAllocator) free(owner task.ID, addr uintptr) *kernel.Error {
	alloc.mutex.Lock()
	defer alloc.mutex.Unlock()

	if alloc.regionEnd == 0 {
		panicFn(errNotInitialized)
		return errNotInitialized
	}

	owned := alloc.ledger[owner]
	for rangeIndex, grant := range owned {
		if grant.Start != addr {
			continue
		}

		alloc.ledger[owner] = append(owned[:rangeIndex], owned[rangeIndex+1:]...)
		if len(alloc.ledger[owner]) == 0 {
			delete(alloc.ledger, owner)
		}
		alloc.insertFree(span{start: grant.Start, size: grant.Size})
		return nil
	}

	return errNotOwner
}

func (alloc *regionAllocator) releaseAll(owner task.ID) {
	alloc.mutex.Lock()
	defer alloc.mutex.Unlock()

	if alloc.regionEnd == 0 {
		panicFn(errNotInitialized)
		return
	}

	for _, grant := range alloc.ledger[owner] {
		alloc.insertFree(span{start: grant.Start, size: grant.Size})
	}
	delete(alloc.ledger, owner)
}

// insertFree places a reclaimed span on the reuse list keeping the list
// sorted by address and merging with adjacent spans. Spans freed by
// different owners coalesce the same way; ownership ends at free time.
func (alloc *regionAllocator) insertFree(freed span) {
	insertAt := len(alloc.freeList)
	for listIndex, existing := range alloc.freeList {
		if existing.start > freed.start {
			insertAt = listIndex
			break
		}
	}

	alloc.freeList = append(alloc.freeList, span{})
	copy(alloc.freeList[insertAt+1:], alloc.freeList[insertAt:])
	alloc.freeList[insertAt] = freed

	// Merge with the next span.
	if next := insertAt + 1; next < len(alloc.freeList) &&
		alloc.freeList[insertAt].start+uintptr(alloc.freeList[insertAt].size) == alloc.freeList[next].start {
		alloc.freeList[insertAt].size += alloc.freeList[next].size
		alloc.freeList = append(alloc.freeList[:next], alloc.freeList[next+1:]...)
	}

	// Merge with the previous span.
	if prev := insertAt - 1; prev >= 0 &&
		alloc.freeList[prev].start+uintptr(alloc.freeList[prev].size) == alloc.freeList[insertAt].start {
		alloc.freeList[prev].size += alloc.freeList[insertAt].size
		alloc.freeList = append(alloc.freeList[:insertAt], alloc.freeList[insertAt+1:]...)
	}
}

func (alloc *regionAllocator) ownedBy(owner task.ID) []Range {
	alloc.mutex.Lock()
	defer alloc.mutex.Unlock()

	if alloc.regionEnd == 0 {
		panicFn(errNotInitialized)
		return nil
	}

	owned := alloc.ledger[owner]
	if owned == nil {
		return nil
	}

	out := make([]Range, len(owned))
	copy(out, owned)
	return out
}

func (alloc *regionAllocator) stats() (used, free mem.Size) {
	alloc.mutex.Lock()
	defer alloc.mutex.Unlock()

	if alloc.regionEnd == 0 {
		panicFn(errNotInitialized)
		return 0, 0
	}

	for _, owned := range alloc.ledger {
		for _, grant := range owned {
			used += grant.Size
		}
	}

	free = mem.Size(alloc.regionEnd - alloc.cursor)
	for _, reclaimed := range alloc.freeList {
		free += reclaimed.size
	}
	return used, free
}
