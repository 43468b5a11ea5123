package task

import "unsafe"

// Context contains the register state saved when a task is suspended. Only
// the stack pointer and the registers that the SysV calling convention marks
// callee-saved are kept; everything else is caller-saved and therefore
// already preserved by the function call that initiates the switch.
//
// Extended register state (x87/SSE/AVX) is not preserved. Those register
// classes stay disabled for the code this kernel runs; a task that enables
// and uses them across a switch observes corruption.
//
// The field order mirrors the save/restore sequence in the rt0 switch
// assembly and must not change.
type Context struct {
	R15 uint64
	R14 uint64
	R13 uint64
	R12 uint64
	RBX uint64
	RBP uint64
	RSP uint64
}

// Switch suspends the execution context described by old and resumes the one
// described by next. From the caller's point of view the switch is a single
// atomic handover: the call returns only when another task switches back to
// the old context, as if the call itself took that long.
//
// The implementation lives in the rt0 assembly; it stores the callee-saved
// register set into old and reloads it from next.
func Switch(old *Context, next *Context)

// trampoline is the first code every spawned task executes. It calls the
// entry point parked in R12 by SetupContext and, when the entry returns,
// funnels the task into Exiting so that a task body returning normally is
// equivalent to calling exit. Implemented in the rt0 assembly.
func trampoline()

var exitHook func()

// SetExitHook registers the function the trampoline invokes when a task
// entry point returns. The scheduler installs its exit operation here during
// initialization.
func SetExitHook(fn func()) {
	exitHook = fn
}

// Exiting is invoked by the trampoline after a task entry point returns.
//
//go:nosplit
func Exiting() {
	if exitHook != nil {
		exitHook()
	}
}

// SetupContext prepares the saved context of a freshly spawned task so that
// the first switch into it starts executing entry on the task's own stack.
// The stack top is aligned per the amd64 ABI (16 bytes before a call pushes
// the return address) and seeded with the trampoline's address; the entry
// point's PC is parked in R12 where the trampoline expects it.
//
// entry must be a top-level function: closures carry a context pointer that
// the trampoline does not preserve.
func SetupContext(t *Task, entry func()) {
	stackTop := t.StackBase + uintptr(t.StackSize)
	sp := (stackTop &^ 0xf) - 8

	// The switch restores RSP and returns; the planted word is the
	// address the final ret pops.
	*(*uintptr)(unsafe.Pointer(sp)) = funcPC(trampoline)

	t.Ctx = Context{
		RSP: uint64(sp),
		R12: uint64(funcPC(entry)),
	}
}

// funcPC extracts the code entry point of fn.
func funcPC(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}
