// Package serial implements a 16550A-compatible UART at the COM1 port
// range (0x3F8-0x3FF): the DLAB-multiplexed THR/RHR/divisor-latch byte,
// IER, IIR/FCR, LCR, MCR, LSR, MSR, and scratch register, driving IRQ4
// on transmit-holding-register-empty and receive-data-ready.
//
// Adapted from the host repo's devices.SerialPortDevice, moved onto this
// tree's one-struct-per-device/RegisterPorts(*bus.Router) shape and given
// a real interrupt-enable check (IER bit 1 gates THRE, bit 0 gates RX
// data ready) instead of the commented-out placeholder it started from.
package serial

import (
	"io"
	"sync"

	"example.com/ia32-core/core_engine/bus"
)

const (
	basePort = 0x3F8
	irqLine  = 4
)

const (
	regRHRTHRDLL = 0
	regIERDLH    = 1
	regIIRFCR    = 2
	regLCR       = 3
	regMCR       = 4
	regLSR       = 5
	regMSR       = 6
	regSCR       = 7
)

const (
	lcrDLAB = 0x80

	lsrDR   = 0x01
	lsrTHRE = 0x20
	lsrTEMT = 0x40

	ierRXReady = 0x01
	ierTHRE    = 0x02

	iirNoIntPending = 0x01
	iirRXReady      = 0x04
	iirTHRE         = 0x02
)

// UART is the 16550A-compatible serial port.
type UART struct {
	mu sync.Mutex

	out io.Writer
	in  chan byte
	irq bus.IntrLine

	dll, dlh byte
	ier      byte
	iir      byte
	fcr      byte
	lcr      byte
	mcr      byte
	lsr      byte
	msr      byte
	scr      byte

	rxByte    byte
	rxPending bool
}

// New creates a UART that writes transmitted bytes to out and raises IRQ4
// through irq.
func New(out io.Writer, irq bus.IntrLine) *UART {
	u := &UART{out: out, irq: irq, in: make(chan byte, 256)}
	u.reset()
	return u
}

func (u *UART) reset() {
	u.lsr = lsrTHRE | lsrTEMT
	u.iir = iirNoIntPending
}

// RegisterPorts wires the 8-register COM1 I/O window.
func (u *UART) RegisterPorts(r *bus.Router) {
	r.RegisterPortRead(basePort, 1, func(_ uint32) uint32 { return uint32(u.read(regRHRTHRDLL)) })
	r.RegisterPortWrite(basePort, 1, func(_ uint32, v uint32) { u.write(regRHRTHRDLL, uint8(v)) })
	for off := uint16(1); off <= 7; off++ {
		o := off
		r.RegisterPortRead(basePort+o, 1, func(_ uint32) uint32 { return uint32(u.read(int(o))) })
		r.RegisterPortWrite(basePort+o, 1, func(_ uint32, v uint32) { u.write(int(o), uint8(v)) })
	}
	r.RegisterReset(func() { u.mu.Lock(); u.reset(); u.mu.Unlock() })
}

func (u *UART) dlabActive() bool { return u.lcr&lcrDLAB != 0 }

func (u *UART) write(reg int, val uint8) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch reg {
	case regRHRTHRDLL:
		if u.dlabActive() {
			u.dll = val
			return
		}
		if u.out != nil {
			u.out.Write([]byte{val})
		}
		u.lsr |= lsrTHRE | lsrTEMT
		u.updateInterrupt()
	case regIERDLH:
		if u.dlabActive() {
			u.dlh = val
		} else {
			u.ier = val
			u.updateInterrupt()
		}
	case regIIRFCR:
		u.fcr = val
	case regLCR:
		u.lcr = val
	case regMCR:
		u.mcr = val
	case regSCR:
		u.scr = val
	}
}

func (u *UART) read(reg int) uint8 {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch reg {
	case regRHRTHRDLL:
		if u.dlabActive() {
			return u.dll
		}
		if u.rxPending {
			v := u.rxByte
			u.rxPending = false
			u.lsr &^= lsrDR
			u.updateInterrupt()
			return v
		}
		return 0
	case regIERDLH:
		if u.dlabActive() {
			return u.dlh
		}
		return u.ier
	case regIIRFCR:
		v := u.iir
		u.iir = iirNoIntPending
		if u.irq != nil {
			u.irq.LowerIRQ(irqLine)
		}
		return v
	case regLCR:
		return u.lcr
	case regMCR:
		return u.mcr
	case regLSR:
		return u.lsr
	case regMSR:
		return u.msr
	case regSCR:
		return u.scr
	}
	return 0xFF
}

// PushByte delivers one byte from the (external, out-of-scope) host
// console input source into the receive register.
func (u *UART) PushByte(b byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rxPending {
		return
	}
	u.rxByte = b
	u.rxPending = true
	u.lsr |= lsrDR
	u.updateInterrupt()
}

func (u *UART) updateInterrupt() {
	fire := false
	if u.ier&ierRXReady != 0 && u.lsr&lsrDR != 0 {
		u.iir = iirRXReady
		fire = true
	} else if u.ier&ierTHRE != 0 && u.lsr&lsrTHRE != 0 {
		u.iir = iirTHRE
		fire = true
	} else {
		u.iir = iirNoIntPending
	}
	if u.irq == nil {
		return
	}
	if fire {
		u.irq.RaiseIRQ(irqLine)
	} else {
		u.irq.LowerIRQ(irqLine)
	}
}
