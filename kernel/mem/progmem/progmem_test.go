package progmem

import (
	"testing"
	"unsafe"

	"github.com/schani/ralph-os/kernel"
	"github.com/schani/ralph-os/kernel/kfmt"
	"github.com/schani/ralph-os/kernel/mem"
	"github.com/schani/ralph-os/kernel/task"
)

// regionBufs keeps test regions reachable so the GC does not reclaim
// memory the allocator still points into.
var regionBufs [][]byte

// newRegion allocates a page-aligned buffer and returns its start
// address together with the usable size.
func newRegion(t *testing.T, size mem.Size) (uintptr, mem.Size) {
	t.Helper()

	buf := make([]byte, uintptr(size+mem.PageSize))
	regionBufs = append(regionBufs, buf)

	pageMask := uintptr(mem.PageSize - 1)
	start := uintptr(unsafe.Pointer(&buf[0]))
	return (start + pageMask) &^ pageMask, size
}

func resetAllocator(t *testing.T, size mem.Size) {
	t.Helper()

	progAllocator = regionAllocator{}
	start, regionSize := newRegion(t, size)
	if err := Init(start, regionSize); err != nil {
		t.Fatalf("unexpected error initializing region: %v", err)
	}
}

func TestInit(t *testing.T) {
	defer func() { progAllocator = regionAllocator{} }()

	t.Run("double init", func(t *testing.T) {
		resetAllocator(t, 16*mem.PageSize)

		start, size := newRegion(t, 16*mem.PageSize)
		if err := Init(start, size); err != errAlreadyInitialized {
			t.Fatalf("expected errAlreadyInitialized; got %v", err)
		}
	})

	t.Run("region too small", func(t *testing.T) {
		progAllocator = regionAllocator{}

		start, _ := newRegion(t, 4*mem.PageSize)
		if err := Init(start, mem.PageSize-1); err != errRegionTooSmall {
			t.Fatalf("expected errRegionTooSmall; got %v", err)
		}
	})

	t.Run("use before init", func(t *testing.T) {
		progAllocator = regionAllocator{}

		var got *kernel.Error
		panicFn = func(e interface{}) { got = e.(*kernel.Error) }
		defer func() { panicFn = kfmt.Panic }()

		if _, err := Alloc(1, mem.PageSize, KindStack); err != errNotInitialized {
			t.Fatalf("expected errNotInitialized; got %v", err)
		}
		if got != errNotInitialized {
			t.Fatalf("expected a kernel panic with errNotInitialized; got %v", got)
		}

		// Every other entry point hits the same guard.
		got = nil
		if err := Free(1, 0); err != errNotInitialized {
			t.Fatalf("expected errNotInitialized; got %v", err)
		}
		if got != errNotInitialized {
			t.Fatalf("expected a kernel panic with errNotInitialized; got %v", got)
		}

		got = nil
		ReleaseAll(1)
		if got != errNotInitialized {
			t.Fatalf("expected a kernel panic with errNotInitialized; got %v", got)
		}

		got = nil
		if owned := OwnedBy(1); owned != nil {
			t.Fatalf("expected a nil ledger; got %v", owned)
		}
		if got != errNotInitialized {
			t.Fatalf("expected a kernel panic with errNotInitialized; got %v", got)
		}

		got = nil
		if used, free := Stats(); used != 0 || free != 0 {
			t.Fatalf("expected zeroed stats; got used=%d free=%d", used, free)
		}
		if got != errNotInitialized {
			t.Fatalf("expected a kernel panic with errNotInitialized; got %v", got)
		}
	})
}

func TestAllocBumpAndRounding(t *testing.T) {
	defer func() { progAllocator = regionAllocator{} }()
	resetAllocator(t, 16*mem.PageSize)

	first, err := Alloc(1, 100, KindHeap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A 100 byte request consumes a full page; the next block starts
	// one page further along.
	second, err := Alloc(1, mem.PageSize, KindHeap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != first+uintptr(mem.PageSize) {
		t.Fatalf("expected the cursor to advance by one page; got 0x%x after 0x%x", second, first)
	}

	// Zero-sized requests still get a page.
	third, err := Alloc(1, 0, KindHeap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third != second+uintptr(mem.PageSize) {
		t.Fatalf("expected the cursor to advance by one page; got 0x%x after 0x%x", third, second)
	}

	if used, _ := Stats(); used != 3*mem.PageSize {
		t.Fatalf("expected 3 pages in use; got %d bytes", used)
	}
}

func TestAllocExhaustion(t *testing.T) {
	defer func() { progAllocator = regionAllocator{} }()
	resetAllocator(t, 4*mem.PageSize)

	if _, err := Alloc(1, 4*mem.PageSize, KindImage); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Alloc(1, mem.PageSize, KindStack); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory; got %v", err)
	}
}

func TestFreeReuseBeforeBump(t *testing.T) {
	defer func() { progAllocator = regionAllocator{} }()
	resetAllocator(t, 64*mem.PageSize)

	stack, err := Alloc(1, 4*mem.PageSize, KindStack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err = Alloc(2, 2*mem.PageSize, KindImage); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err = Free(1, stack); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A new stack of the same size must come out of the reuse list,
	// not off the bump cursor.
	reused, err := Alloc(3, 4*mem.PageSize, KindStack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reused != stack {
		t.Fatalf("expected the freed block at 0x%x to be reused; got 0x%x", stack, reused)
	}
}

func TestFreeBestFitAndSplit(t *testing.T) {
	defer func() { progAllocator = regionAllocator{} }()
	resetAllocator(t, 64*mem.PageSize)

	small, _ := Alloc(1, 2*mem.PageSize, KindHeap)
	if _, err := Alloc(2, mem.PageSize, KindHeap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	large, _ := Alloc(1, 8*mem.PageSize, KindHeap)
	if _, err := Alloc(2, mem.PageSize, KindHeap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := Free(1, small); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Free(1, large); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Best fit picks the 2-page span over the 8-page one.
	got, err := Alloc(3, 2*mem.PageSize, KindStack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != small {
		t.Fatalf("expected best-fit to reuse the block at 0x%x; got 0x%x", small, got)
	}

	// A smaller request splits the 8-page span; the remainder stays
	// reusable.
	head, err := Alloc(3, 3*mem.PageSize, KindHeap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if head != large {
		t.Fatalf("expected the split to start at 0x%x; got 0x%x", large, head)
	}
	tail, err := Alloc(3, 5*mem.PageSize, KindHeap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := large + uintptr(3*mem.PageSize); tail != want {
		t.Fatalf("expected the split remainder at 0x%x; got 0x%x", want, tail)
	}
}

func TestFreeOwnership(t *testing.T) {
	defer func() { progAllocator = regionAllocator{} }()
	resetAllocator(t, 16*mem.PageSize)

	block, err := Alloc(1, mem.PageSize, KindHeap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	usedBefore, freeBefore := Stats()

	t.Run("foreign free", func(t *testing.T) {
		if err := Free(2, block); err != errNotOwner {
			t.Fatalf("expected errNotOwner; got %v", err)
		}
		if used, free := Stats(); used != usedBefore || free != freeBefore {
			t.Fatal("expected a rejected free to leave the allocator state unchanged")
		}
		if owned := OwnedBy(1); len(owned) != 1 || owned[0].Start != block {
			t.Fatalf("expected the ledger entry to survive; got %v", owned)
		}
	})

	t.Run("double free", func(t *testing.T) {
		if err := Free(1, block); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := Free(1, block); err != errNotOwner {
			t.Fatalf("expected errNotOwner; got %v", err)
		}
	})
}

func TestReleaseAll(t *testing.T) {
	defer func() { progAllocator = regionAllocator{} }()
	resetAllocator(t, 64*mem.PageSize)

	for _, spec := range []struct {
		size mem.Size
		kind Kind
	}{
		{4 * mem.PageSize, KindStack},
		{8 * mem.PageSize, KindImage},
		{2 * mem.PageSize, KindHeap},
	} {
		if _, err := Alloc(7, spec.size, spec.kind); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	survivor, err := Alloc(8, mem.PageSize, KindHeap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, freeBefore := Stats()
	ReleaseAll(7)

	if owned := OwnedBy(7); owned != nil {
		t.Fatalf("expected an empty ledger after reaping; got %v", owned)
	}
	if owned := OwnedBy(8); len(owned) != 1 || owned[0].Start != survivor {
		t.Fatalf("expected other ledgers to be untouched; got %v", owned)
	}

	used, free := Stats()
	if used != mem.PageSize {
		t.Fatalf("expected only the survivor block in use; got %d bytes", used)
	}
	if want := freeBefore + 14*mem.PageSize; free != want {
		t.Fatalf("expected %d free bytes after reaping; got %d", want, free)
	}

	// Reaping a task with no ledger entries is a no-op.
	ReleaseAll(9)
}

func TestAllocScrubsBlocks(t *testing.T) {
	defer func() { progAllocator = regionAllocator{} }()
	resetAllocator(t, 16*mem.PageSize)

	block, err := Alloc(1, mem.PageSize, KindHeap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Dirty the block, hand it back and reallocate it.
	dirty := unsafe.Slice((*byte)(unsafe.Pointer(block)), mem.PageSize)
	for byteIndex := range dirty {
		dirty[byteIndex] = 0xBA
	}
	if err = Free(1, block); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reused, err := Alloc(2, mem.PageSize, KindHeap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reused != block {
		t.Fatalf("expected the freed block to be reused; got 0x%x", reused)
	}

	clean := unsafe.Slice((*byte)(unsafe.Pointer(reused)), mem.PageSize)
	for byteIndex, val := range clean {
		if val != 0 {
			t.Fatalf("expected a scrubbed block; found 0x%x at offset %d", val, byteIndex)
		}
	}
}

func TestFreeListCoalescing(t *testing.T) {
	defer func() { progAllocator = regionAllocator{} }()
	resetAllocator(t, 64*mem.PageSize)

	var blocks []uintptr
	for blockIndex := 0; blockIndex < 4; blockIndex++ {
		block, err := Alloc(task.ID(blockIndex+1), 2*mem.PageSize, KindHeap)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		blocks = append(blocks, block)
	}

	// Free in an order that exercises merge-with-next, merge-with-prev
	// and merge-both. Blocks from different owners coalesce too.
	for _, blockIndex := range []int{2, 0, 1, 3} {
		if err := Free(task.ID(blockIndex+1), blocks[blockIndex]); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if spans := len(progAllocator.freeList); spans != 1 {
		t.Fatalf("expected the reuse list to coalesce into a single span; got %d", spans)
	}
	if got := progAllocator.freeList[0]; got.start != blocks[0] || got.size != 8*mem.PageSize {
		t.Fatalf("expected a single 8-page span at 0x%x; got %+v", blocks[0], got)
	}
}
