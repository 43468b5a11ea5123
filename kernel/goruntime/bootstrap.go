// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"sync/atomic"
	"unsafe"

	"github.com/schani/ralph-os/kernel"
	"github.com/schani/ralph-os/kernel/mem"
	"github.com/schani/ralph-os/kernel/mem/kheap"
)

var (
	heapAllocFn = kheap.Alloc
	heapFreeFn  = kheap.Free
	memsetFn    = kernel.Memset
	memStatFn   = statAdd
)

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

// sysMemStat mirrors the runtime's memory statistic cells. The redirect
// tool maps the shim signatures below onto their runtime counterparts, so
// the layout must stay a bare uint64.
type sysMemStat uint64

// statAdd adjusts a runtime memory statistic the way runtime.sysMemStat.add
// does.
//
//go:nosplit
func statAdd(stat *sysMemStat, delta int64) {
	atomic.AddUint64((*uint64)(stat), uint64(delta))
}

// Init bootstraps the parts of the Go runtime the rest of the kernel
// depends on. It must run after the kernel heap is initialized and
// before the first dynamic memory allocation.
func Init() {
	mallocInit()
	algInit()
	modulesInit()
	typeLinksInit()
	itabsInit()
}

// sysReserve reserves address space without establishing any page mappings.
// The kernel runs on a flat identity-mapped address space, so a reservation
// is simply a grant off the kernel heap.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr) unsafe.Pointer {
	if size == 0 {
		return unsafe.Pointer(uintptr(0))
	}

	regionStartAddr, err := heapAllocFn(mem.Size(size).RoundUp(mem.PageSize))
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	return unsafe.Pointer(regionStartAddr)
}

// sysMap backs a region previously reserved via sysReserve with usable
// memory. Reservations already carry their memory here, so sysMap scrubs
// the region and updates the runtime's memory statistics. The scrub is
// required: the runtime expects mapped memory to read as zero, and a heap
// grant may reuse a range that still carries stale data.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, sysStat *sysMemStat) {
	if size == 0 {
		return
	}

	regionSize := mem.Size(size).RoundUp(mem.PageSize)
	memsetFn(uintptr(virtAddr), 0, uintptr(regionSize))
	memStatFn(sysStat, int64(regionSize))
}

// sysAlloc hands the Go allocator a zeroed, page-multiple region off the
// kernel heap. Reused heap blocks carry stale contents and the free-chain
// header bytes, so the region is scrubbed before it is handed over.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *sysMemStat) unsafe.Pointer {
	if size == 0 {
		return unsafe.Pointer(uintptr(0))
	}

	regionSize := mem.Size(size).RoundUp(mem.PageSize)
	regionStartAddr, err := heapAllocFn(regionSize)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	memsetFn(regionStartAddr, 0, uintptr(regionSize))
	memStatFn(sysStat, int64(regionSize))
	return unsafe.Pointer(regionStartAddr)
}

// sysFree returns a region obtained via sysAlloc back to the kernel heap.
//
// This function replaces runtime.sysFree.
//
//go:redirect-from runtime.sysFree
//go:nosplit
func sysFree(virtAddr unsafe.Pointer, size uintptr, sysStat *sysMemStat) {
	if size == 0 {
		return
	}

	regionSize := mem.Size(size).RoundUp(mem.PageSize)
	heapFreeFn(uintptr(virtAddr), regionSize)
	memStatFn(sysStat, -int64(regionSize))
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		stat    sysMemStat
		zeroPtr = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0)
	sysMap(zeroPtr, 0, &stat)
	sysAlloc(0, &stat)
	sysFree(zeroPtr, 0, &stat)
}
