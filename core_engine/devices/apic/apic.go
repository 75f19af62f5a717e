// Package apic implements the local APIC and IO APIC: the LAPIC's 4 KiB
// MMIO register window at 0xFEE00000 (ISR/IRR/TMR bitmaps, LVT table, ICR
// IPI dispatch, one-shot/periodic timer), and the IOAPIC's 24-entry
// redirection table at 0xFEC00000 that turns an external interrupt line
// into a bus message delivered to the LAPIC.
//
// Grounded on original_source/src/hardware/apic.c (apic_read/write,
// apic_receive_bus_message, apic_send_highest_priority_interrupt,
// apic_next, the LVT/ICR bit layouts). The reference source does not ship
// a standalone ioapic.c; the IOAPIC redirection-table model here follows
// the Intel 82093AA register layout referenced by apic.c's
// ioapic_remote_eoi/ioapic_raise_irq/ioapic_lower_irq calls.
package apic

import (
	"sync"

	"example.com/ia32-core/core_engine/bus"
)

const (
	lvtCMCI = iota
	lvtTimer
	lvtThermal
	lvtPerfCounter
	lvtLINT0
	lvtLINT1
	lvtError
	lvtCount
)

const lvtDisabled = 1 << 16

// Delivery modes, as packed into the low byte/word of the LVT entries and
// the ICR.
const (
	deliveryFixed         = 0
	deliverySMI           = 2
	deliveryLowestPrio    = 3
	deliveryNMI           = 4
	deliveryInit          = 5
	deliveryExtInt        = 7
)

func setBit(arr *[8]uint32, bit int, v bool) {
	idx, pos := bit>>5&7, uint(bit&0x1F)
	if v {
		arr[idx] |= 1 << pos
	} else {
		arr[idx] &^= 1 << pos
	}
}

func getBit(arr *[8]uint32, bit int) bool {
	return arr[bit>>5&7]&(1<<uint(bit&0x1F)) != 0
}

func highestSetBit(arr *[8]uint32) int {
	for i := 7; i >= 0; i-- {
		if arr[i] == 0 {
			continue
		}
		for b := 31; b >= 0; b-- {
			if arr[i]&(1<<uint(b)) != 0 {
				return i*32 + b
			}
		}
	}
	return -1
}

func vectorInvalid(v int) bool { return v&0xF0 == 0 || v >= 0xFF }

// LAPIC is the local APIC of a single virtual CPU.
type LAPIC struct {
	mu sync.Mutex

	base uint32
	id   uint32

	spuriousVector uint32
	lvt            [lvtCount]uint32

	isr, tmr, irr [8]uint32
	icr           [2]uint32

	errorFlags, cachedError uint32

	timerDivide       uint32
	timerInitialCount uint32
	timerReloadCycles int64
	timerNextCycles   int64

	destFormat   uint32
	destPhysical bool
	logicalDest  uint32

	taskPriority, processorPriority uint32

	intrLineRaised bool

	cpu   bus.CPUControl
	ioapi *IOAPIC // for remote EOI broadcast of level-triggered vectors

	enabled bool
}

// NewLAPIC creates a local APIC wired to cpu. enabled mirrors the platform
// setting that gates whether this CPU model exposes an APIC at all.
func NewLAPIC(cpu bus.CPUControl, enabled bool) *LAPIC {
	a := &LAPIC{cpu: cpu, enabled: enabled}
	a.reset()
	return a
}

// AttachIOAPIC lets the LAPIC broadcast remote EOIs for level-triggered
// vectors back to the IOAPIC that routed them.
func (a *LAPIC) AttachIOAPIC(io *IOAPIC) { a.ioapi = io }

func (a *LAPIC) reset() {
	a.spuriousVector = 0xFF
	a.base = 0xFEE00000
	a.id = 0
	a.errorFlags = 0
	a.destFormat = 0xFFFFFFFF
	a.destPhysical = true
	for i := range a.lvt {
		a.lvt[i] = lvtDisabled
	}
}

// RegisterMMIO maps the 4 KiB register window at the LAPIC's base address.
func (a *LAPIC) RegisterMMIO(r *bus.Router) {
	r.RegisterMMIO(a.base, 4096,
		func(addr uint32, size int) uint32 { return a.readAt(addr, size) },
		func(addr uint32, val uint32, size int) { a.writeAt(addr, val, size) })
	r.RegisterReset(func() { a.mu.Lock(); a.reset(); a.mu.Unlock() })
}

func (a *LAPIC) readAt(addr uint32, size int) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size != 4 {
		full := a.readReg((addr &^ 3) - a.base)
		return full >> (uint(addr&3) * 8) & (1<<(uint(size)*8) - 1)
	}
	return a.readReg(addr - a.base)
}

func (a *LAPIC) readReg(off uint32) uint32 {
	idx := off >> 4
	switch {
	case idx == 0x02:
		return a.id
	case idx == 0x03:
		return 0x14 | 5<<16
	case idx == 0x08:
		return a.taskPriority
	case idx == 0x0B:
		return 0
	case idx == 0x0D:
		return a.logicalDest
	case idx == 0x0E:
		return a.destFormat
	case idx == 0x0F:
		return a.spuriousVector
	case idx >= 0x10 && idx <= 0x17:
		return a.isr[idx&7]
	case idx >= 0x18 && idx <= 0x1F:
		return a.tmr[idx&7]
	case idx >= 0x20 && idx <= 0x27:
		return a.irr[idx&7]
	case idx == 0x28:
		return a.cachedError
	case idx == 0x2F:
		return a.lvt[lvtCMCI]
	case idx == 0x32:
		return a.lvt[lvtTimer]
	case idx == 0x33:
		return a.lvt[lvtThermal]
	case idx == 0x34:
		return a.lvt[lvtPerfCounter]
	case idx == 0x35:
		return a.lvt[lvtLINT0]
	case idx == 0x36:
		return a.lvt[lvtLINT1]
	case idx == 0x37:
		return a.lvt[lvtError]
	case idx == 0x30:
		return a.icr[0]
	case idx == 0x31:
		return a.icr[1]
	case idx == 0x38:
		return a.timerInitialCount
	case idx == 0x39:
		return a.currentCount()
	case idx == 0x3E:
		return a.timerDivide
	}
	return 0
}

func (a *LAPIC) writeAt(addr uint32, val uint32, size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size != 4 {
		// LAPIC registers are 32-bit and 16-byte aligned; narrow writes
		// are merged into the containing dword before being applied.
		base := addr &^ 3
		cur := a.readReg(base - a.base)
		shift := uint(addr&3) * 8
		mask := uint32(1<<(uint(size)*8)-1) << shift
		merged := cur&^mask | (val<<shift)&mask
		a.writeReg(base-a.base, merged)
		return
	}
	a.writeReg(addr-a.base, val)
}

func (a *LAPIC) writeReg(off uint32, data uint32) {
	idx := off >> 4
	switch {
	case idx == 0x02:
		a.id = data
	case idx == 0x08:
		a.taskPriority = data & 0xFF
		a.recomputeProcessorPriority()
		a.sendHighestPriority()
	case idx == 0x0B: // EOI
		cur := highestSetBit(&a.isr)
		if cur != -1 {
			setBit(&a.isr, cur, false)
			if getBit(&a.tmr, cur) && a.ioapi != nil {
				a.ioapi.RemoteEOI(cur)
			}
			a.sendHighestPriority()
		}
	case idx == 0x0D:
		a.logicalDest = data & 0xFF000000
	case idx == 0x0E:
		a.destFormat = a.destFormat&^0xF0000000 | data&0xF0000000
		a.destPhysical = a.destFormat == 0xFFFFFFFF
	case idx == 0x0F:
		a.spuriousVector = data
		if data&0x100 != 0 {
			for i := range a.lvt {
				a.lvt[i] |= lvtDisabled
			}
		}
	case idx >= 0x10 && idx <= 0x17:
		a.isr[idx&7] = data
	case idx >= 0x18 && idx <= 0x1F:
		a.tmr[idx&7] = data
	case idx >= 0x20 && idx <= 0x27:
		a.irr[idx&7] = data
	case idx == 0x28:
		a.cachedError = a.errorFlags
		a.errorFlags = 0
	case idx == 0x2F:
		a.lvt[lvtCMCI] = data
	case idx == 0x32:
		a.lvt[lvtTimer] = data
	case idx == 0x33:
		a.lvt[lvtThermal] = data
	case idx == 0x34:
		a.lvt[lvtPerfCounter] = data
	case idx == 0x35:
		a.lvt[lvtLINT0] = data
	case idx == 0x36:
		a.lvt[lvtLINT1] = data
	case idx == 0x37:
		a.lvt[lvtError] = data
	case idx == 0x30:
		a.writeICRLow(data)
	case idx == 0x31:
		a.icr[1] = data
	case idx == 0x38:
		a.timerInitialCount = data
		if a.cpu != nil {
			a.timerReloadCycles = a.cpu.GetCycles()
		}
		a.timerNextCycles = a.timerReloadCycles + a.timerPeriod()
		if a.cpu != nil {
			a.cpu.CancelExecutionCycle(bus.ExitNormal)
		}
	case idx == 0x39:
		// read-only current-count register
	case idx == 0x3E:
		a.timerDivide = data
		if a.cpu != nil {
			a.cpu.CancelExecutionCycle(bus.ExitNormal)
		}
	}
}

func (a *LAPIC) recomputeProcessorPriority() {
	highestISR := highestSetBit(&a.isr)
	if highestISR == -1 {
		a.processorPriority = a.taskPriority
		return
	}
	if int(a.taskPriority&0xF0)-(highestISR&0xF0) > 0 {
		a.processorPriority = a.taskPriority
	} else {
		a.processorPriority = uint32(highestISR & 0xF0)
	}
}

func (a *LAPIC) writeICRLow(data uint32) {
	a.icr[0] = data
	vector := int(data & 0xFF)
	deliveryMode := int(data >> 8 & 7)
	level := data >> 14 & 1
	trigger := data >> 15 & 1
	shorthand := data >> 18 & 3
	dest := a.icr[1] >> 24

	if deliveryMode == deliveryInit && level == 0 && trigger == 1 {
		return // INIT level de-assert: not a real INIT signal in this model
	}

	switch shorthand {
	case 0:
		a.sendIPITo(vector, deliveryMode, int(trigger), dest)
	case 1:
		a.receiveBusMessage(vector, deliveryFixed, int(trigger))
	case 2:
		a.receiveBusMessage(vector, deliveryMode, int(trigger))
	case 3:
		// all-but-self: no second virtual CPU to target in this model
	}
}

func (a *LAPIC) sendIPITo(vector, mode, trigger int, destination uint32) {
	if vectorInvalid(vector) {
		a.errorFlags |= 1 << 5
		return
	}
	if destination == a.id {
		a.receiveBusMessage(vector, mode, trigger)
	}
}

// ReceiveBusMessage delivers a vector from an external source (the IOAPIC,
// or another LAPIC's IPI) into this LAPIC's IRR/TMR, matching
// apic_receive_bus_message.
func (a *LAPIC) ReceiveBusMessage(vector, deliveryMode, triggerMode int) {
	a.mu.Lock()
	a.receiveBusMessage(vector, deliveryMode, triggerMode)
	a.mu.Unlock()
}

func (a *LAPIC) receiveBusMessage(vector, deliveryMode, triggerMode int) {
	switch deliveryMode {
	case deliveryExtInt:
		setBit(&a.irr, vector, true)
		a.sendHighestPriority()
	case deliveryFixed, deliveryLowestPrio:
		if vectorInvalid(vector) {
			a.errorFlags |= 1 << 6
			return
		}
		if getBit(&a.irr, vector) {
			return
		}
		setBit(&a.irr, vector, true)
		setBit(&a.tmr, vector, triggerMode != 0)
		a.sendHighestPriority()
	}
}

func (a *LAPIC) sendHighestPriority() {
	if a.intrLineRaised {
		return
	}
	requested := highestSetBit(&a.irr)
	if requested == -1 {
		return
	}
	inService := highestSetBit(&a.isr)
	if inService >= requested {
		return
	}
	if requested&0xF0 <= int(a.taskPriority&0xF0) {
		return
	}
	a.processorPriority = uint32(requested & 0xF0)
	a.intrLineRaised = true
	if a.cpu != nil {
		a.cpu.RaiseIntrLine()
		a.cpu.CancelExecutionCycle(bus.ExitIRQ)
	}
}

// GetInterrupt acknowledges the highest-priority requested vector,
// lowering INTR and moving it from IRR to ISR, matching apic_get_interrupt.
func (a *LAPIC) GetInterrupt() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	highest := highestSetBit(&a.irr)
	if highest == -1 {
		return -1
	}
	setBit(&a.irr, highest, false)
	setBit(&a.isr, highest, true)
	a.intrLineRaised = false
	if a.cpu != nil {
		a.cpu.LowerIntrLine()
	}
	return highest
}

// HasInterrupt reports whether INTR is currently asserted.
func (a *LAPIC) HasInterrupt() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.intrLineRaised
}

func (a *LAPIC) clockDivide() uint {
	return uint(((a.timerDivide>>1&4 | a.timerDivide&3) + 1) & 7)
}

func (a *LAPIC) timerPeriod() int64 {
	return int64(a.timerInitialCount) << a.clockDivide()
}

func (a *LAPIC) currentCount() uint32 {
	if a.timerInitialCount == 0 || a.cpu == nil {
		return 0
	}
	elapsed := uint32(a.cpu.GetCycles()-a.timerReloadCycles) >> a.clockDivide()
	return a.timerInitialCount - elapsed%a.timerInitialCount
}

// Next returns the cycle count until the timer's next deadline, or -1 if
// no deadline is pending, matching apic_next's scheduling contract.
func (a *LAPIC) Next(now int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled || a.timerInitialCount == 0 {
		return -1
	}
	lvtInfo := a.lvt[lvtTimer] >> 16
	if a.timerNextCycles <= now {
		if lvtInfo&1 == 0 {
			a.receiveBusMessage(int(a.lvt[lvtTimer]&0xFF), deliveryFixed, 0)
		}
		switch lvtInfo >> 1 & 3 {
		case 1: // periodic
			a.timerNextCycles += a.timerPeriod()
		case 0: // one-shot
			a.timerNextCycles = -1
			return -1
		default:
			return -1
		}
	}
	next := a.timerNextCycles - now
	if next > 0xFFFFFFFF {
		return -1
	}
	return next
}

// Enabled reports whether this LAPIC model is active for the platform.
func (a *LAPIC) Enabled() bool { return a.enabled }

// IOAPIC is the I/O APIC: a 24-entry redirection table mapping an external
// interrupt line to a vector/delivery-mode/trigger-mode tuple delivered to
// a LAPIC.
type IOAPIC struct {
	mu sync.Mutex

	ioregsel uint32
	redirTbl [24][2]uint32 // [entry][0]=low dword (vector/mode/mask) [1]=high dword (destination)
	irr      [24]bool

	lapic *LAPIC
	base  uint32
}

// NewIOAPIC creates an IOAPIC that delivers to lapic.
func NewIOAPIC(lapic *LAPIC) *IOAPIC {
	io := &IOAPIC{lapic: lapic, base: 0xFEC00000}
	io.reset()
	return io
}

func (io *IOAPIC) reset() {
	for i := range io.redirTbl {
		io.redirTbl[i][0] = 1 << 16 // masked
		io.redirTbl[i][1] = 0
	}
}

// RegisterMMIO maps the IOAPIC's register-select/window pair at its base.
func (io *IOAPIC) RegisterMMIO(r *bus.Router) {
	r.RegisterMMIO(io.base, 0x20,
		func(addr uint32, size int) uint32 { return io.readAt(addr - io.base) },
		func(addr uint32, val uint32, size int) { io.writeAt(addr-io.base, val) })
	r.RegisterReset(func() { io.mu.Lock(); io.reset(); io.mu.Unlock() })
}

func (io *IOAPIC) readAt(off uint32) uint32 {
	io.mu.Lock()
	defer io.mu.Unlock()
	switch off {
	case 0x00:
		return io.ioregsel
	case 0x10:
		return io.readRegister(io.ioregsel)
	}
	return 0xFFFFFFFF
}

func (io *IOAPIC) writeAt(off uint32, val uint32) {
	io.mu.Lock()
	switch off {
	case 0x00:
		io.ioregsel = val & 0xFF
		io.mu.Unlock()
	case 0x10:
		io.writeRegister(io.ioregsel, val)
		io.mu.Unlock()
	default:
		io.mu.Unlock()
	}
}

func (io *IOAPIC) readRegister(sel uint32) uint32 {
	switch {
	case sel == 0:
		return 0 // IOAPIC ID
	case sel == 1:
		return 0x11 | 23<<16 // version 0x11, 24 redirection entries
	case sel >= 0x10 && sel <= 0x3F:
		entry := (sel - 0x10) / 2
		half := (sel - 0x10) % 2
		return io.redirTbl[entry][half]
	}
	return 0
}

func (io *IOAPIC) writeRegister(sel uint32, val uint32) {
	if sel < 0x10 || sel > 0x3F {
		return
	}
	entry := (sel - 0x10) / 2
	half := (sel - 0x10) % 2
	io.redirTbl[entry][half] = val
}

// RaiseIRQ asserts external interrupt line `line`, delivering through the
// redirection table entry for that line unless it is masked, matching
// ioapic_raise_irq.
func (io *IOAPIC) RaiseIRQ(line uint8) {
	io.mu.Lock()
	if int(line) >= len(io.redirTbl) {
		io.mu.Unlock()
		return
	}
	entry := io.redirTbl[line]
	io.irr[line] = true
	io.mu.Unlock()
	if entry[0]&(1<<16) != 0 {
		return // masked
	}
	vector := int(entry[0] & 0xFF)
	deliveryMode := int(entry[0] >> 8 & 7)
	triggerMode := int(entry[0] >> 15 & 1)
	if io.lapic != nil {
		io.lapic.ReceiveBusMessage(vector, deliveryMode, triggerMode)
	}
}

// LowerIRQ deasserts line, clearing its pending marker for level-triggered
// re-delivery.
func (io *IOAPIC) LowerIRQ(line uint8) {
	io.mu.Lock()
	defer io.mu.Unlock()
	if int(line) < len(io.irr) {
		io.irr[line] = false
	}
}

// RemoteEOI is invoked by the LAPIC when a level-triggered vector is
// EOI'ed, so a still-asserted line can be redelivered, matching
// ioapic_remote_eoi.
func (io *IOAPIC) RemoteEOI(vector int) {
	io.mu.Lock()
	var line = -1
	for i, entry := range io.redirTbl {
		if int(entry[0]&0xFF) == vector {
			line = i
			break
		}
	}
	if line == -1 || !io.irr[line] {
		io.mu.Unlock()
		return
	}
	io.mu.Unlock()
	io.RaiseIRQ(uint8(line))
}
