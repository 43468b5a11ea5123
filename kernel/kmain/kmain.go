// Package kmain hosts the kernel entry point. It wires the subsystems
// together in dependency order and then hands the CPU to the scheduler.
package kmain

import (
	"github.com/schani/ralph-os/kernel"
	"github.com/schani/ralph-os/kernel/api"
	"github.com/schani/ralph-os/kernel/cpu"
	"github.com/schani/ralph-os/kernel/goruntime"
	"github.com/schani/ralph-os/kernel/irq"
	"github.com/schani/ralph-os/kernel/kfmt"
	"github.com/schani/ralph-os/kernel/mem"
	"github.com/schani/ralph-os/kernel/mem/kheap"
	"github.com/schani/ralph-os/kernel/mem/progmem"
	"github.com/schani/ralph-os/kernel/sched"
	"github.com/schani/ralph-os/kernel/timer"
)

var (
	errBadMemoryLayout = &kernel.Error{Module: "kmain", Message: "heap or program regions overlap or are empty"}

	// CallTable is the function table handed to loaded programs. It is
	// assembled once the kernel services are up.
	CallTable *api.Table
)

// bootTask describes a task that should be on the run queue before the
// scheduler takes over.
type bootTask struct {
	name      string
	entry     func()
	stackSize mem.Size
}

var bootTasks []bootTask

// RegisterBootTask queues a task to be spawned right before the
// scheduler starts. Drivers and built-in services register themselves
// from their package init functions; registration after Kmain has
// started the scheduler has no effect.
func RegisterBootTask(name string, entry func(), stackSize mem.Size) {
	bootTasks = append(bootTasks, bootTask{name: name, entry: entry, stackSize: stackSize})
}

// timerIRQ is the top half of the hardware timer interrupt.
func timerIRQ() {
	timer.InterruptTick()
	irq.AckIRQ(0)
}

// keyboardIRQ acknowledges the scancode interrupt. Draining the
// controller belongs to an input collaborator; without the ack the PIC
// would never raise the line again.
func keyboardIRQ() {
	irq.AckIRQ(1)
}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and setting up a minimal g0 struct that allows
// Go code using the 4K stack allocated by the assembly code.
//
// The rt0 code passes the bounds of the two memory regions the kernel
// may manage: the kernel heap and the program region.
//
// Kmain is not expected to return. If it does, the rt0 code will halt
// the CPU.
//
//go:noinline
func Kmain(heapStart, heapEnd, progStart, progEnd uintptr) {
	kfmt.Printf("starting ralph-os\n")

	if heapEnd <= heapStart || progEnd <= progStart {
		kfmt.Panic(errBadMemoryLayout)
	}

	var err *kernel.Error
	if err = kheap.Init(heapStart, mem.Size(heapEnd-heapStart)); err != nil {
		kfmt.Panic(err)
	}

	// The runtime allocator must sit on the kernel heap before anything
	// touches maps or slices, progmem's ledger included.
	goruntime.Init()

	if err = progmem.Init(progStart, mem.Size(progEnd-progStart)); err != nil {
		kfmt.Panic(err)
	}

	irq.InitPIC(uint8(irq.Timer), uint8(irq.Timer)+8)
	timer.Init()
	irq.HandleIRQ(irq.Timer, timerIRQ)
	irq.HandleIRQ(irq.Keyboard, keyboardIRQ)
	irq.HandleIRQ(irq.Spurious, irq.SpuriousHandler(7))

	if err = sched.Init(); err != nil {
		kfmt.Panic(err)
	}
	CallTable = api.NewTable()

	for _, boot := range bootTasks {
		if _, err = sched.Spawn(boot.name, boot.entry, boot.stackSize); err != nil {
			kfmt.Panic(err)
		}
	}

	cpu.EnableInterrupts()

	if err = sched.Run(); err != nil {
		kfmt.Panic(err)
	}

	// Every task has exited; nothing left to schedule.
	kfmt.Printf("all tasks finished; halting\n")
	cpu.DisableInterrupts()
	cpu.Halt()
}
