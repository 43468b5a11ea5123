// Package cpu exports the architecture-specific primitives that the kernel
// core depends on. The function bodies live in the rt0 assembly and are wired
// up at link time.
package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt disables interrupts and stops instruction execution permanently.
// Calls to Halt never return.
func Halt()

// Wait suspends instruction execution until the next interrupt arrives. The
// scheduler's dispatch loop uses it as a low-power idle wait while every task
// is sleeping.
func Wait()

// PortWriteByte writes a uint8 value to the requested I/O port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested I/O port.
func PortReadByte(port uint16) uint8
