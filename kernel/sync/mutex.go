// Package sync provides the mutual-exclusion primitive that guards the
// kernel allocators.
package sync

import (
	"sync/atomic"

	"github.com/schani/ralph-os/kernel"
	"github.com/schani/ralph-os/kernel/kfmt"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errLockContention = &kernel.Error{Module: "sync", Message: "mutex acquired while already held; single-core invariant violated (reentrant caller or interrupt handler touching guarded state)"}
)

// Mutex implements a mutual-exclusion primitive that asserts instead of
// spinning on contention. On a single-core kernel with cooperative scheduling
// nothing can legitimately contend for a held lock: any contention observed
// at runtime is a reentrancy bug and spinning on it would deadlock silently.
// The zero value is an unlocked mutex.
type Mutex struct {
	state uint32
}

// Lock acquires the mutex. If the mutex is already held, Lock raises a fatal
// error instead of waiting.
func (m *Mutex) Lock() {
	if !atomic.CompareAndSwapUint32(&m.state, 0, 1) {
		panicFn(errLockContention)
	}
}

// TryLock attempts to acquire the mutex and returns true if it succeeded.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.state, 0, 1)
}

// Unlock releases a held mutex. Calling Unlock while the mutex is free has no
// effect.
func (m *Mutex) Unlock() {
	atomic.StoreUint32(&m.state, 0)
}
