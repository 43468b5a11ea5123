// Package irq provides the plumbing between hardware interrupt vectors and
// the Go handlers that service them.
package irq

import (
	"io"

	"github.com/schani/ralph-os/kernel/kfmt"
)

// Regs contains a snapshot of the register values when an interrupt occurred.
type Regs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// DumpTo outputs a dump of the register values to w.
func (r *Regs) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
}

// Frame describes an interrupt frame that is automatically pushed by the CPU
// to the stack when an interrupt occurs.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs a dump of the interrupt frame to w.
func (f *Frame) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", f.RSP, f.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", f.RFlags)
}

// Vector describes an interrupt vector number that can be passed to the
// HandleIRQ function.
type Vector uint8

const (
	// Timer is raised once per PIT period (IRQ0 remapped past the CPU
	// exception range).
	Timer = Vector(32)

	// Keyboard is raised when a scancode becomes available (IRQ1). The
	// core only acknowledges it; input handling belongs to a collaborator.
	Keyboard = Vector(33)

	// Spurious is reported by the master PIC when an IRQ line is
	// deasserted before the CPU acknowledges it (IRQ7).
	Spurious = Vector(39)
)

// Handler is a function invoked to service a hardware interrupt. Handlers run
// with interrupts disabled and may fire while kernel data structures are
// mid-mutation; they must restrict themselves to interrupt-safe work (see the
// timer package top-half) and must not call into the scheduler or either
// allocator.
type Handler func()

// HandleIRQ registers a handler for the given interrupt vector. The gate
// assembly saves the caller-saved register set before invoking the handler
// and restores it afterwards.
func HandleIRQ(vector Vector, handler Handler)
