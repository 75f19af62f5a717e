// Package acpi implements the PIIX4-style ACPI power-management block:
// the PM I/O window at the fixed base 0x1000, PMSTS_EN/PMCNTRL/PM-timer
// registers, and SUS_EN soft-off. The window does not move when the base
// registers are rewritten, and no SMBus ports are registered.
//
// Built fresh against original_source/src/hardware/acpi.c
// (acpi_pm_read/write, acpi_get_clock, the SUS_EN/SLP_TYP soft-off check).
package acpi

import (
	"sync"
	"time"

	"example.com/ia32-core/core_engine/bus"
)

const pmTimerHz = 3579545

// SoftOff is the capability invoked when the guest requests ACPI soft-off
// (PMCNTRL.SUS_EN with SLP_TYP==5).
type SoftOff interface {
	RequestShutdown()
}

// ACPI is the PM block. It records the base-address registers written
// through ConfigWriteFilter and serves the PM window at the base
// registered by RegisterPorts.
type ACPI struct {
	mu sync.Mutex

	pmBase  uint16
	smBase  uint16
	enabled bool

	pmstsEn uint32 // low 16 bits: status, high 16: enable
	pmcntrl uint32

	startTime time.Time

	irq  bus.IntrLine
	off  SoftOff
	r    *bus.Router
}

// New creates an ACPI device. irq pulses IRQ9 (SCI) on PM-timer overflow;
// off is invoked on a soft-off request.
func New(irq bus.IntrLine, off SoftOff) *ACPI {
	a := &ACPI{irq: irq, off: off, startTime: time.Now()}
	a.reset()
	return a
}

func (a *ACPI) reset() {
	a.pmcntrl = 1
	a.pmstsEn = 0
}

// ConfigWriteFilter records writes to PCI config offsets 0x40/0x41 (PM
// base) and 0x90/0x91 (SMBus base) in pmBase/smBase. It does not move the
// registered port window, and no PCI function in this tree calls it.
func (a *ACPI) ConfigWriteFilter(offset uint8, value uint8) uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch offset {
	case 0x40:
		a.pmBase = a.pmBase&0xFF00 | uint16(value&0xC0)
	case 0x41:
		a.pmBase = a.pmBase&0x00FF | uint16(value)<<8
	case 0x90:
		a.smBase = a.smBase&0xFF00 | uint16(value&0xC0)
	case 0x91:
		a.smBase = a.smBase&0x00FF | uint16(value)<<8
	}
	return value
}

// RegisterPorts wires the PM register window's 64 ports at the base
// 0x1000 (the common PIIX4 default). Each handler serves its fixed offset
// from that base; a pmBase recorded later by ConfigWriteFilter is not
// consulted.
func (a *ACPI) RegisterPorts(r *bus.Router) {
	a.r = r
	a.pmBase = 0x1000
	for off := uint16(0); off < 0x40; off++ {
		o := off
		r.RegisterPortRead(a.pmBase+o, 1, func(_ uint32) uint32 { return a.readAt(o, 1) })
		r.RegisterPortWrite(a.pmBase+o, 1, func(_ uint32, v uint32) { a.WritePMReg(o, v) })
	}
	r.RegisterReset(func() { a.mu.Lock(); a.reset(); a.mu.Unlock() })
}

func (a *ACPI) clockTicks() uint32 {
	elapsed := time.Since(a.startTime)
	ticks := uint64(elapsed.Seconds() * pmTimerHz)
	return uint32(ticks & 0xFFFFFF)
}

func (a *ACPI) readAt(offset uint16, size int) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch offset {
	case 0:
		return a.pmstsEn & 0xFFFF
	case 2:
		return a.pmstsEn >> 16
	case 4:
		return a.pmcntrl
	case 8:
		return a.clockTicks()
	}
	return 0
}

// WritePMReg implements acpi_pm_write: offset 0 has clear-on-write
// semantics split by whether the write targets the low (status, write-1-
// to-clear) or high (enable) half; offset 4 is PMCNTRL, whose SUS_EN bit
// with SLP_TYP==5 requests soft-off.
func (a *ACPI) WritePMReg(offset uint16, value uint32) {
	a.mu.Lock()
	off := offset
	switch off {
	case 0:
		a.pmstsEn &^= value & 0xFFFF // write-1-to-clear status bits
	case 2:
		a.pmstsEn = a.pmstsEn&0xFFFF | value<<16
	case 4:
		a.pmcntrl = value
		susEn := value&(1<<13) != 0
		slpType := (value >> 10) & 7
		shouldOff := susEn && slpType == 5
		a.mu.Unlock()
		if shouldOff && a.off != nil {
			a.off.RequestShutdown()
		}
		return
	}
	a.mu.Unlock()
}

// Next returns the host-cycle-equivalent delay (as a duration, converted
// by the caller) until the PM timer next overflows, when overflow
// notification is enabled (PMSTS_EN bit 16, the "enable" alias of bit 0).
func (a *ACPI) Next() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pmstsEn>>16&1 == 0 {
		return -1 // disabled: no deadline
	}
	ticks := a.clockTicks()
	remaining := (uint32(1)<<24 - 1) - ticks
	return time.Duration(remaining) * time.Second / pmTimerHz
}

// Tick checks for PM-timer overflow and raises the SCI (IRQ9) once, per
// the PM timer's next-event contract.
func (a *ACPI) Tick() {
	a.mu.Lock()
	ticks := a.clockTicks()
	overflowed := ticks < uint32(1)<<23 // heuristic: wrapped since last observed high half
	enabled := a.pmstsEn>>16&1 != 0
	if overflowed && enabled && a.pmstsEn&1 == 0 {
		a.pmstsEn |= 1
		a.mu.Unlock()
		if a.irq != nil {
			a.irq.RaiseIRQ(9)
		}
		return
	}
	a.mu.Unlock()
}
