// Package pit implements the 8253/8254 programmable interval timer: three
// counters, the counter-latch command at port 0x43 (the 8254 read-back
// command is ignored), and real
// countdown against the CPU cycle clock so that counter 0 actually drives
// IRQ0.
package pit

import (
	"sync"

	"example.com/ia32-core/core_engine/bus"
)

const (
	portCounter0 = 0x40
	portCounter1 = 0x41
	portCounter2 = 0x42
	portCommand  = 0x43

	rwLatch = 0
	rwLSB   = 1
	rwMSB   = 2
	rwLOHI  = 3
)

// Counter is one of the PIT's three 16-bit down-counters.
type Counter struct {
	mode     uint8
	rw       uint8
	bcd      bool
	reload   uint16
	count    uint16
	latch    uint16
	latched  bool
	latchHi  bool // for LOHI read protocol: false = next read returns LSB
	writeHi  bool // for LOHI write protocol
	gate     bool
	out      bool
}

// PIT is the three-counter timer. Only counter 0 is wired to an IRQ line
// in a standard PC; counters 1 (legacy DRAM refresh) and 2 (PC speaker)
// are modeled for register compatibility only.
type PIT struct {
	mu       sync.Mutex
	counters [3]Counter
	irq      bus.IntrLine

	cyclesPerTick int64 // host cycles per 1.193182 MHz PIT tick
	accumulated   int64
}

// New creates a PIT wired to raise IRQ0 through irq. cyclesPerTick scales
// the host cycle clock (as advanced by AddCycles in the CPU capability) to
// PIT ticks; the machine aggregate computes it from the configured CPU
// frequency.
func New(irq bus.IntrLine, cyclesPerTick int64) *PIT {
	p := &PIT{irq: irq, cyclesPerTick: cyclesPerTick}
	p.reset()
	return p
}

func (p *PIT) reset() {
	for i := range p.counters {
		p.counters[i] = Counter{reload: 0xFFFF, count: 0xFFFF, gate: true}
	}
	p.counters[2].gate = false // speaker gate starts low
}

// RegisterPorts wires the three counter ports and the command port.
func (p *PIT) RegisterPorts(r *bus.Router) {
	ports := [3]uint16{portCounter0, portCounter1, portCounter2}
	for i, port := range ports {
		idx := i
		r.RegisterPortWrite(port, 1, func(_ uint32, v uint32) { p.writeCounter(idx, uint8(v)) })
		r.RegisterPortRead(port, 1, func(_ uint32) uint32 { return uint32(p.readCounter(idx)) })
	}
	r.RegisterPortWrite(portCommand, 1, func(_ uint32, v uint32) { p.writeCommand(uint8(v)) })
	r.RegisterReset(func() { p.mu.Lock(); p.reset(); p.mu.Unlock() })
}

func (p *PIT) writeCommand(v uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sel := v >> 6 & 3
	if sel == 3 {
		return // read-back command (8254-only); not modeled
	}
	rw := v >> 4 & 3
	c := &p.counters[sel]
	if rw == rwLatch {
		c.latch = c.count
		c.latched = true
		c.latchHi = false
		return
	}
	c.mode = v >> 1 & 7
	c.bcd = v&1 != 0
	c.rw = rw
	c.writeHi = false
	c.latched = false
}

func (p *PIT) writeCounter(idx int, v uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &p.counters[idx]
	switch c.rw {
	case rwLSB:
		c.reload = c.reload&0xFF00 | uint16(v)
		p.reloadNow(c)
	case rwMSB:
		c.reload = c.reload&0x00FF | uint16(v)<<8
		p.reloadNow(c)
	case rwLOHI:
		if !c.writeHi {
			c.reload = c.reload&0xFF00 | uint16(v)
			c.writeHi = true
		} else {
			c.reload = c.reload&0x00FF | uint16(v)<<8
			c.writeHi = false
			p.reloadNow(c)
		}
	}
}

// reloadNow applies a freshly written reload value. A programmed value of
// 0 means the maximum count, 65536, which does not fit in uint16 so it is
// tracked as the largest representable count instead.
func (p *PIT) reloadNow(c *Counter) {
	if c.reload == 0 {
		c.count = 0xFFFF
		return
	}
	c.count = c.reload
}

func (p *PIT) readCounter(idx int) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &p.counters[idx]
	val := c.count
	if c.latched {
		val = c.latch
	}
	switch c.rw {
	case rwMSB:
		if c.latched {
			c.latched = false
		}
		return uint8(val >> 8)
	case rwLOHI:
		if !c.latchHi {
			c.latchHi = true
			return uint8(val)
		}
		c.latchHi = false
		c.latched = false
		return uint8(val >> 8)
	default: // rwLSB and rwLatch both read LSB first byte here
		if c.latched {
			c.latched = false
		}
		return uint8(val)
	}
}

// Next returns the number of host cycles until counter 0 next underflows,
// implementing the `next(now)` half of the device scheduler contract.
func (p *PIT) Next() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &p.counters[0]
	remaining := int64(c.count)*p.cyclesPerTick - p.accumulated
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Tick advances the PIT by elapsed host cycles and fires IRQ0 each time
// counter 0 underflows, reloading it per its configured mode (mode 2 and 3
// auto-reload; mode 0 stops at zero until reprogrammed).
func (p *PIT) Tick(elapsedCycles int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &p.counters[0]
	if c.mode == 0 && c.count == 0 {
		return
	}
	p.accumulated += elapsedCycles
	ticks := p.accumulated / p.cyclesPerTick
	p.accumulated -= ticks * p.cyclesPerTick
	for ticks > 0 {
		if int64(c.count) > ticks {
			c.count -= uint16(ticks)
			ticks = 0
			break
		}
		ticks -= int64(c.count)
		c.count = 0
		if p.irq != nil {
			p.irq.RaiseIRQ(0)
			p.irq.LowerIRQ(0)
		}
		switch c.mode {
		case 0: // interrupt on terminal count: stays at 0 until reprogrammed
			c.count = 0
			return
		default: // modes 2/3 (rate generator / square wave) auto-reload
			c.count = c.reload
			if c.count == 0 {
				c.count = 0xFFFF
			}
		}
	}
}
