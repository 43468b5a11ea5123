package irq

import "github.com/schani/ralph-os/kernel/cpu"

// 8259A programmable interrupt controller ports.
const (
	picMasterCmd  = uint16(0x20)
	picMasterData = uint16(0x21)
	picSlaveCmd   = uint16(0xa0)
	picSlaveData  = uint16(0xa1)

	picCmdInit = uint8(0x11)
	picCmdEOI  = uint8(0x20)
	picReadISR = uint8(0x0b)
)

var (
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// InitPIC remaps the master and slave PICs so that hardware IRQs are
// delivered at the supplied vector offsets instead of overlapping the CPU
// exception range, and unmasks both controllers.
func InitPIC(masterOffset, slaveOffset uint8) {
	// Start the init sequence in cascade mode
	portWriteByteFn(picMasterCmd, picCmdInit)
	portWriteByteFn(picSlaveCmd, picCmdInit)

	// ICW2: vector offsets
	portWriteByteFn(picMasterData, masterOffset)
	portWriteByteFn(picSlaveData, slaveOffset)

	// ICW3: wire the slave to the master's IRQ2 line
	portWriteByteFn(picMasterData, 0x04)
	portWriteByteFn(picSlaveData, 0x02)

	// ICW4: 8086 mode
	portWriteByteFn(picMasterData, 0x01)
	portWriteByteFn(picSlaveData, 0x01)

	// Unmask all IRQ lines
	portWriteByteFn(picMasterData, 0x00)
	portWriteByteFn(picSlaveData, 0x00)
}

// AckIRQ signals end-of-interrupt for the given IRQ line to the controller(s)
// that routed it. Interrupt handlers must acknowledge before returning or the
// PIC will never deliver the line again.
func AckIRQ(line uint8) {
	if line >= 8 {
		portWriteByteFn(picSlaveCmd, picCmdEOI)
	}
	portWriteByteFn(picMasterCmd, picCmdEOI)
}

// SpuriousHandler returns an IRQ handler for the given line that drops
// spurious interrupts and acknowledges genuine ones. It is registered on
// the master PIC's line 7, where a deasserted IRQ shows up.
func SpuriousHandler(line uint8) Handler {
	return func() {
		if IsSpurious(line) {
			return
		}
		AckIRQ(line)
	}
}

// IsSpurious reports whether the in-flight interrupt on the given line is
// spurious, i.e. the corresponding in-service bit is not actually set. A
// spurious IRQ7 must not be acknowledged; a spurious IRQ15 still requires an
// EOI to the master which IsSpurious sends internally.
func IsSpurious(line uint8) bool {
	cmdPort := picMasterCmd
	if line >= 8 {
		cmdPort = picSlaveCmd
	}

	portWriteByteFn(cmdPort, picReadISR)
	inService := portReadByteFn(cmdPort)

	if inService&(1<<(line%8)) != 0 {
		return false
	}

	// For a spurious slave IRQ the master saw a real IRQ2 cascade and
	// still expects an EOI.
	if line >= 8 {
		portWriteByteFn(picMasterCmd, picCmdEOI)
	}
	return true
}
