// Package sched implements the kernel's cooperative scheduler. Tasks
// run until they voluntarily give up the CPU by yielding, sleeping or
// exiting; the scheduler then picks the next ready task in round-robin
// order and switches to it.
//
// The scheduler owns the task table. Finished tasks are reaped lazily
// on the next scheduling pass: their program memory ledger is released
// and their table slot removed. The currently running task is never
// reaped since its stack is still in use; it becomes reapable once
// another task is on the CPU.
package sched

import (
	"github.com/schani/ralph-os/kernel"
	"github.com/schani/ralph-os/kernel/cpu"
	"github.com/schani/ralph-os/kernel/kfmt"
	"github.com/schani/ralph-os/kernel/mem"
	"github.com/schani/ralph-os/kernel/mem/progmem"
	"github.com/schani/ralph-os/kernel/sync"
	"github.com/schani/ralph-os/kernel/task"
	"github.com/schani/ralph-os/kernel/timer"
)

// DefaultStackSize is the stack allocated to a spawned task when the
// caller does not request a size.
const DefaultStackSize = 16 * mem.Kb

var (
	errAlreadyInitialized = &kernel.Error{Module: "sched", Message: "scheduler already initialized"}
	errNotInitialized     = &kernel.Error{Module: "sched", Message: "scheduler not initialized"}
	errNoTasks            = &kernel.Error{Module: "sched", Message: "nothing to run; spawn a task before calling Run"}
	errNoRunnableTasks    = &kernel.Error{Module: "sched", Message: "no runnable or sleeping tasks left"}
	errExitNoTask         = &kernel.Error{Module: "sched", Message: "exit invoked outside a task"}
	errExitReturned       = &kernel.Error{Module: "sched", Message: "switched back into an exited task"}

	// Mocked by tests.
	switchFn        = task.Switch
	setupContextFn  = task.SetupContext
	stackAllocFn    = progmem.Alloc
	releaseLedgerFn = progmem.ReleaseAll
	ticksFn         = timer.Ticks
	waitFn          = cpu.Wait
	panicFn         = kfmt.Panic
)

// Scheduler keeps the task table and tracks which task owns the CPU.
type Scheduler struct {
	mutex sync.Mutex

	// tasks holds every known task. The slot order defines the
	// round-robin order.
	tasks []*task.Task

	// current indexes the running task, or is -1 while the boot
	// context owns the CPU.
	current int

	nextID task.ID

	// bootCtx captures the context that called Run so the kernel can
	// resume it when the last task exits.
	bootCtx task.Context
}

var kernelSched *Scheduler

// Init sets up the scheduler singleton and hooks task termination so
// that a task entry point running to completion exits cleanly.
func Init() *kernel.Error {
	if kernelSched != nil {
		return errAlreadyInitialized
	}

	kernelSched = &Scheduler{current: -1, nextID: 1}
	task.SetExitHook(Exit)
	return nil
}

func scheduler() *Scheduler {
	if kernelSched == nil {
		panicFn(errNotInitialized)
	}
	return kernelSched
}

// Spawn creates a new task executing entry on its own stack and places
// it at the back of the round-robin order. A zero stackSize requests
// DefaultStackSize. The stack is carved out of program memory and
// recorded in the new task's ledger.
func Spawn(name string, entry func(), stackSize mem.Size) (task.ID, *kernel.Error) {
	return scheduler().spawn(name, entry, stackSize)
}

// Yield gives up the CPU voluntarily. The caller resumes after every
// other ready task has had a turn. A sole runnable task returns
// immediately.
func Yield() {
	scheduler().yield()
}

// Sleep blocks the calling task for at least ms milliseconds. The wait
// duration is rounded up to whole timer ticks; the task becomes ready
// again on the first scheduling pass at or after its wake time.
func Sleep(ms uint64) {
	scheduler().sleep(ms)
}

// Exit terminates the calling task. It never returns; the task's
// resources are reclaimed on a later scheduling pass.
func Exit() {
	scheduler().exit()
}

// Run hands the CPU to the task table and returns once every task has
// exited. It must be called exactly once after at least one Spawn.
func Run() *kernel.Error {
	return scheduler().run()
}

// CurrentID returns the ID of the running task, or 0 when the boot
// context owns the CPU.
func CurrentID() task.ID {
	return scheduler().currentID()
}

// Count returns the number of tasks in the table, finished tasks that
// still await reaping included.
func Count() int {
	return scheduler().count()
}

func (s *Scheduler) spawn(name string, entry func(), stackSize mem.Size) (task.ID, *kernel.Error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	stackSize = stackSize.RoundUp(mem.PageSize)

	id := s.nextID
	stackBase, err := stackAllocFn(id, stackSize, progmem.KindStack)
	if err != nil {
		return 0, err
	}
	s.nextID++

	newTask := &task.Task{
		ID:        id,
		Name:      name,
		State:     task.StateReady,
		StackBase: stackBase,
		StackSize: stackSize,
	}
	setupContextFn(newTask, entry)

	s.tasks = append(s.tasks, newTask)
	return id, nil
}

func (s *Scheduler) yield() {
	s.mutex.Lock()

	if s.current == -1 {
		s.mutex.Unlock()
		return
	}

	cur := s.tasks[s.current]
	cur.State = task.StateReady

	s.reapFinished()
	s.wakeSleepers(ticksFn())

	next := s.nextReady()
	if next == s.current {
		cur.State = task.StateRunning
		s.mutex.Unlock()
		return
	}
	s.switchTo(cur, next)
}

func (s *Scheduler) sleep(ms uint64) {
	if ms == 0 {
		s.yield()
		return
	}

	s.mutex.Lock()
	wakeAt := ticksFn() + timer.MillisToTicks(ms)

	if s.current == -1 {
		// The boot context has no task table entry; it waits in place.
		s.mutex.Unlock()
		for ticksFn() < wakeAt {
			waitFn()
		}
		return
	}

	cur := s.tasks[s.current]
	cur.State = task.StateSleeping
	cur.WakeAt = wakeAt

	s.reapFinished()
	next := s.waitForReady()
	if next == s.current {
		// The wait loop woke the sleeper itself.
		cur.State = task.StateRunning
		s.mutex.Unlock()
		return
	}
	s.switchTo(cur, next)
}

func (s *Scheduler) exit() {
	s.mutex.Lock()

	if s.current == -1 {
		s.mutex.Unlock()
		panicFn(errExitNoTask)
		return
	}

	cur := s.tasks[s.current]
	cur.State = task.StateFinished
	s.reapFinished()

	if !s.anyLiving() {
		// Last task gone; resume the boot context so Run returns.
		s.mutex.Unlock()
		switchFn(&cur.Ctx, &s.bootCtx)
	} else {
		next := s.waitForReady()
		s.switchTo(cur, next)
	}

	panicFn(errExitReturned)
}

func (s *Scheduler) run() *kernel.Error {
	s.mutex.Lock()

	if len(s.tasks) == 0 {
		s.mutex.Unlock()
		panicFn(errNoTasks)
		return errNoTasks
	}

	first := s.waitForReady()
	firstTask := s.tasks[first]
	firstTask.State = task.StateRunning
	s.current = first
	s.mutex.Unlock()

	switchFn(&s.bootCtx, &firstTask.Ctx)

	// Every task has exited; reap the straggler that switched us back.
	s.mutex.Lock()
	s.current = -1
	s.reapFinished()
	s.mutex.Unlock()
	return nil
}

func (s *Scheduler) currentID() task.ID {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.current == -1 {
		return 0
	}
	return s.tasks[s.current].ID
}

func (s *Scheduler) count() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.tasks)
}

// switchTo transfers the CPU from cur to the task at slot next. The
// table lock is dropped before the switch; the resumed task continues
// with its own call stack.
func (s *Scheduler) switchTo(cur *task.Task, next int) {
	nextTask := s.tasks[next]
	nextTask.State = task.StateRunning
	s.current = next
	s.mutex.Unlock()
	switchFn(&cur.Ctx, &nextTask.Ctx)
}

// nextReady returns the slot of the next ready task in round-robin
// order, scanning from the slot after current and wrapping so that the
// current task is considered last. Returns -1 when nothing is ready.
func (s *Scheduler) nextReady() int {
	numTasks := len(s.tasks)
	for offset := 1; offset <= numTasks; offset++ {
		slot := (s.current + offset) % numTasks
		if s.tasks[slot].State == task.StateReady {
			return slot
		}
	}
	return -1
}

// waitForReady blocks until some task is ready, idling the CPU between
// checks while only sleepers remain. A table with neither ready nor
// sleeping tasks is unrecoverable.
func (s *Scheduler) waitForReady() int {
	for {
		s.wakeSleepers(ticksFn())
		if next := s.nextReady(); next != -1 {
			return next
		}
		if !s.anySleeping() {
			s.mutex.Unlock()
			panicFn(errNoRunnableTasks)
			return -1
		}
		waitFn()
	}
}

func (s *Scheduler) wakeSleepers(now uint64) {
	for _, t := range s.tasks {
		if t.State == task.StateSleeping && t.WakeAt <= now {
			t.State = task.StateReady
		}
	}
}

// reapFinished releases the resources of finished tasks and drops them
// from the table. The current slot is skipped; its stack is live until
// another task is switched in.
func (s *Scheduler) reapFinished() {
	for slot := 0; slot < len(s.tasks); {
		t := s.tasks[slot]
		if slot == s.current || t.State != task.StateFinished {
			slot++
			continue
		}

		releaseLedgerFn(t.ID)
		s.tasks = append(s.tasks[:slot], s.tasks[slot+1:]...)
		if slot < s.current {
			s.current--
		}
	}
}

func (s *Scheduler) anyLiving() bool {
	for _, t := range s.tasks {
		if t.State != task.StateFinished {
			return true
		}
	}
	return false
}

func (s *Scheduler) anySleeping() bool {
	for _, t := range s.tasks {
		if t.State == task.StateSleeping {
			return true
		}
	}
	return false
}
