package timer

import (
	"sync/atomic"

	"github.com/schani/ralph-os/kernel/cpu"
)

const (
	// pitFrequency is the fixed input clock of the 8253/8254 PIT.
	pitFrequency = 1193182

	// counterPeriod is the reload value programmed into channel 0 so
	// that the counter wraps Hz times per second.
	counterPeriod = pitFrequency / Hz

	pitPortChannel0 = 0x40
	pitPortCommand  = 0x43

	// Channel 0, lobyte/hibyte access, rate generator (mode 2).
	pitCmdRateGenerator = 0x34

	// Channel 0 latch command; freezes the count for a consistent
	// two-byte read.
	pitCmdLatchChannel0 = 0x00
)

var (
	// Mocked by tests.
	readCounterFn   = readCounter
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Init programs PIT channel 0 as a rate generator firing Hz times per
// second and resets the tick accounting state.
func Init() {
	portWriteByteFn(pitPortCommand, pitCmdRateGenerator)
	portWriteByteFn(pitPortChannel0, uint8(counterPeriod&0xff))
	portWriteByteFn(pitPortChannel0, uint8(counterPeriod>>8))

	lastCounter = 0
	accumulator = 0
	atomic.StoreUint64(&tickCount, 0)
}

// readCounter latches and reads the current channel 0 count.
func readCounter() uint64 {
	portWriteByteFn(pitPortCommand, pitCmdLatchChannel0)
	lo := portReadByteFn(pitPortChannel0)
	hi := portReadByteFn(pitPortChannel0)
	return uint64(hi)<<8 | uint64(lo)
}
