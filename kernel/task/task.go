// Package task defines the schedulable unit of the kernel together with the
// context-switch protocol used to suspend and resume it.
package task

import "github.com/schani/ralph-os/kernel/mem"

// ID uniquely identifies a task for its entire lifetime. ID 0 is reserved for
// the kernel itself and is used to account for pre-scheduler allocations.
type ID uint32

// State describes the lifecycle state of a task.
type State uint8

const (
	// StateReady marks a task that can be selected by the scheduler.
	StateReady State = iota

	// StateRunning marks the task that currently owns the CPU. At most
	// one task is in this state at any instant.
	StateRunning

	// StateSleeping marks a task that must not run before its wake tick.
	StateSleeping

	// StateFinished marks a task whose body returned or that called exit.
	// The state is terminal; the task is removed at the next reap pass.
	StateFinished
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Task describes one schedulable unit. Its state, context and wake tick are
// mutated only by the scheduler; its stack descriptor is fixed at spawn time
// and released by the reaper together with the rest of the task's allocation
// ledger.
type Task struct {
	ID    ID
	Name  string
	State State

	// Ctx holds the saved register context while the task is suspended.
	// Its contents are opaque outside the context-switch protocol.
	Ctx Context

	// StackBase and StackSize describe the stack range granted to this
	// task from the program region.
	StackBase uintptr
	StackSize mem.Size

	// WakeAt is the tick at which a sleeping task becomes eligible again.
	// It is only meaningful while State is StateSleeping.
	WakeAt uint64
}
