// Package api assembles the call table the kernel hands to programs.
// Programs never import kernel packages directly; they receive a Table
// of function pointers at load time and reach every kernel service
// through it. Keeping the surface to plain function pointers means a
// program only depends on the table layout, not on kernel internals.
package api

import (
	"github.com/schani/ralph-os/kernel"
	"github.com/schani/ralph-os/kernel/kfmt"
	"github.com/schani/ralph-os/kernel/mem"
	"github.com/schani/ralph-os/kernel/mem/progmem"
	"github.com/schani/ralph-os/kernel/sched"
	"github.com/schani/ralph-os/kernel/task"
)

// Version identifies the call table revision. Programs check it before
// using any entry; additions bump the version, existing slots never
// move.
const Version = 1

var (
	// Mocked by tests.
	yieldFn     = sched.Yield
	sleepFn     = sched.Sleep
	exitFn      = sched.Exit
	spawnFn     = sched.Spawn
	currentIDFn = sched.CurrentID
	memAllocFn  = progmem.Alloc
	memFreeFn   = progmem.Free
)

// Table is the set of kernel entry points exposed to programs.
type Table struct {
	Version uint32

	// Print writes a string to the active console.
	Print func(s string)

	// Yield hands the CPU to the next ready task.
	Yield func()

	// Sleep blocks the calling task for at least ms milliseconds.
	Sleep func(ms uint64)

	// Exit terminates the calling task; it does not return.
	Exit func()

	// Alloc grants the calling task a block of program memory. The
	// block is owned by the caller and reclaimed when it exits.
	Alloc func(size mem.Size) (uintptr, *kernel.Error)

	// Free returns a block previously granted to the calling task.
	Free func(addr uintptr) *kernel.Error

	// Spawn starts a new task running entry and returns its ID.
	Spawn func(name string, entry func(), stackSize mem.Size) (task.ID, *kernel.Error)
}

// NewTable builds the call table wired to the live kernel services.
func NewTable() *Table {
	return &Table{
		Version: Version,
		Print:   Print,
		Yield:   func() { yieldFn() },
		Sleep:   func(ms uint64) { sleepFn(ms) },
		Exit:    func() { exitFn() },
		Alloc:   Alloc,
		Free:    Free,
		Spawn: func(name string, entry func(), stackSize mem.Size) (task.ID, *kernel.Error) {
			return spawnFn(name, entry, stackSize)
		},
	}
}

// Print writes s to the active console.
func Print(s string) {
	kfmt.Printf("%s", s)
}

// Alloc grants the calling task size bytes of program memory from its
// own ledger.
func Alloc(size mem.Size) (uintptr, *kernel.Error) {
	return memAllocFn(currentIDFn(), size, progmem.KindHeap)
}

// Free returns a block owned by the calling task.
func Free(addr uintptr) *kernel.Error {
	return memFreeFn(currentIDFn(), addr)
}

// LoadImage reserves program memory for a task image on behalf of
// owner. The loader uses this before copying the image into place; the
// pages count against the owner's ledger like any other grant.
func LoadImage(owner task.ID, size mem.Size) (uintptr, *kernel.Error) {
	return memAllocFn(owner, size, progmem.KindImage)
}
