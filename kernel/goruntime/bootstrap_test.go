package goruntime

import (
	"testing"
	"unsafe"

	"github.com/schani/ralph-os/kernel"
	"github.com/schani/ralph-os/kernel/mem"
	"github.com/schani/ralph-os/kernel/mem/kheap"
)

func restoreHeapFns() {
	heapAllocFn = kheap.Alloc
	heapFreeFn = kheap.Free
	memsetFn = kernel.Memset
	memStatFn = statAdd
}

// regionBufs keeps heap-backed test regions reachable for the test binary.
var regionBufs [][]byte

// newBackedRegion returns a page-aligned address backed by real memory with
// every byte dirtied.
func newBackedRegion(pages int) uintptr {
	buf := make([]byte, uintptr(mem.PageSize)*uintptr(pages+1))
	regionBufs = append(regionBufs, buf)
	for byteIndex := range buf {
		buf[byteIndex] = 0xBA
	}

	pageMask := uintptr(mem.PageSize - 1)
	return (uintptr(unsafe.Pointer(&buf[0])) + pageMask) &^ pageMask
}

func TestSysReserve(t *testing.T) {
	defer restoreHeapFns()

	var gotSize mem.Size
	heapAllocFn = func(size mem.Size) (uintptr, *kernel.Error) {
		gotSize = size
		return 0xa000, nil
	}

	if got := sysReserve(nil, 100); uintptr(got) != 0xa000 {
		t.Fatalf("expected the heap grant address; got %v", got)
	}
	if gotSize != mem.PageSize {
		t.Fatalf("expected the request to round up to a page; got %d", gotSize)
	}

	t.Run("exhausted heap", func(t *testing.T) {
		heapAllocFn = func(_ mem.Size) (uintptr, *kernel.Error) {
			return 0, &kernel.Error{Module: "kheap", Message: "out of memory"}
		}

		if got := sysReserve(nil, 100); got != unsafe.Pointer(uintptr(0)) {
			t.Fatalf("expected a nil pointer on failure; got %v", got)
		}
	})
}

func TestSysMap(t *testing.T) {
	defer restoreHeapFns()

	var statBump int64
	memStatFn = func(_ *sysMemStat, delta int64) { statBump = delta }

	var stat sysMemStat
	region := newBackedRegion(1)
	sysMap(unsafe.Pointer(region), 100, &stat)

	if statBump != int64(mem.PageSize) {
		t.Fatalf("expected a page-rounded stat bump; got %d", statBump)
	}

	// Mapped memory must read as zero even when the backing range was
	// dirty.
	mapped := unsafe.Slice((*byte)(unsafe.Pointer(region)), mem.PageSize)
	for byteIndex, val := range mapped {
		if val != 0 {
			t.Fatalf("expected mapped memory to be scrubbed; found 0x%x at offset %d", val, byteIndex)
		}
	}
}

func TestSysAllocScrubsGrants(t *testing.T) {
	defer restoreHeapFns()

	region := newBackedRegion(4)
	var allocSize mem.Size
	heapAllocFn = func(size mem.Size) (uintptr, *kernel.Error) {
		allocSize = size
		return region, nil
	}
	memStatFn = func(_ *sysMemStat, _ int64) {}

	var stat sysMemStat
	got := sysAlloc(3*uintptr(mem.PageSize)+1, &stat)
	if uintptr(got) != region {
		t.Fatalf("expected the heap grant address; got %v", got)
	}
	if allocSize != 4*mem.PageSize {
		t.Fatalf("expected the request to round up to 4 pages; got %d", allocSize)
	}

	granted := unsafe.Slice((*byte)(got), allocSize)
	for byteIndex, val := range granted {
		if val != 0 {
			t.Fatalf("expected a zeroed grant; found 0x%x at offset %d", val, byteIndex)
		}
	}
}

func TestSysFree(t *testing.T) {
	defer restoreHeapFns()

	var (
		freedAddr uintptr
		freedSize mem.Size
		statBump  int64
	)
	heapFreeFn = func(addr uintptr, size mem.Size) *kernel.Error {
		freedAddr, freedSize = addr, size
		return nil
	}
	memStatFn = func(_ *sysMemStat, delta int64) { statBump = delta }

	var stat sysMemStat
	sysFree(unsafe.Pointer(uintptr(0xb000)), uintptr(4*mem.PageSize), &stat)

	if freedAddr != 0xb000 || freedSize != 4*mem.PageSize {
		t.Fatalf("expected the grant to return to the heap; got addr=0x%x size=%d", freedAddr, freedSize)
	}
	if statBump != -int64(4*mem.PageSize) {
		t.Fatalf("expected a negative stat adjustment; got %d", statBump)
	}
}

func TestStatAdd(t *testing.T) {
	var stat sysMemStat
	statAdd(&stat, int64(mem.PageSize))
	statAdd(&stat, int64(mem.PageSize))
	statAdd(&stat, -int64(mem.PageSize))

	if uint64(stat) != uint64(mem.PageSize) {
		t.Fatalf("expected the stat cell to track adjustments; got %d", stat)
	}
}
