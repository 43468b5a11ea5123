// Package timer maintains the kernel's monotonic time source. Time is
// counted in ticks of the hardware timer; the tick counter only ever
// moves forward and is safe to read from any context.
//
// The hardware interrupt handler feeds raw counter readings into an
// accumulator so that a late or coalesced interrupt still advances time
// by the number of periods that actually elapsed.
package timer

import "sync/atomic"

const (
	// Hz is the tick frequency the hardware timer is programmed to.
	Hz = 100

	// msPerTick is the wall-clock duration of a single tick.
	msPerTick = 1000 / Hz
)

var (
	// tickCount is the number of whole timer periods observed since
	// Init. Updated only by InterruptTick; read with atomics.
	tickCount uint64

	// accumulator collects raw counter units until a whole period has
	// elapsed. Only touched with interrupts off.
	accumulator uint64

	// lastCounter is the raw counter value observed by the previous
	// InterruptTick invocation.
	lastCounter uint64
)

// Ticks returns the number of timer ticks since Init.
func Ticks() uint64 {
	return atomic.LoadUint64(&tickCount)
}

// InterruptTick advances the time source. It runs as the top half of
// the hardware timer interrupt with interrupts disabled and must not
// allocate or block.
func InterruptTick() {
	// A freshly reloaded counter can briefly read as the reload value
	// itself; fold it onto zero so the delta below stays in range.
	cur := readCounterFn() % counterPeriod

	// The PIT raises the interrupt exactly once per reload, so every
	// firing stands for one whole period. The down-counter readings only
	// contribute the handler-latency drift between consecutive firings:
	// a lower reading than last time means the handler ran later into
	// the new period, a higher one means it ran earlier.
	elapsed := counterPeriod + lastCounter - cur
	lastCounter = cur

	accumulator += elapsed
	for accumulator >= counterPeriod {
		accumulator -= counterPeriod
		atomic.AddUint64(&tickCount, 1)
	}
}

// MillisToTicks converts a duration in milliseconds to ticks, rounding
// up so that a non-zero duration never maps to a zero-tick wait.
func MillisToTicks(ms uint64) uint64 {
	return (ms + msPerTick - 1) / msPerTick
}

// TicksToMillis converts a tick count to milliseconds.
func TicksToMillis(ticks uint64) uint64 {
	return ticks * msPerTick
}
