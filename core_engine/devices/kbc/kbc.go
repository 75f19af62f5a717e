// Package kbc implements the 8042 keyboard/mouse controller: two 256-byte
// FIFO queues multiplexed onto one output byte at port 0x60, the command
// protocol at 0x64, the A20 gate toggle (command 0xD1), and 3-byte mouse
// packet accumulation (the 4-byte IntelliMouse format is not produced).
//
// A read-only single-byte keyboard stub has no command protocol, no
// queues, and no mouse, so this package is a fresh build against
// original_source/src/hardware/kbd.c (kbd_queue_add/has/get, the
// status/command bit layout, and the A20 command path), keeping the
// original port wiring at 0x60/0x64.
package kbc

import (
	"sync"

	"example.com/ia32-core/core_engine/bus"
)

const queueCapacity = 256

// Status register bits (port 0x64 read).
const (
	statusOBF    = 0x01 // output buffer full
	statusSysFlag = 0x04
	statusCmd    = 0x08 // last write to 0x64 was a command
	statusAux    = 0x20 // output byte came from the aux (mouse) queue
)

// A20 is the capability the KBC uses to toggle the CPU's A20 gate via
// command 0xD1, matching the MMU's fold-back-bit-20 contract.
type A20 interface {
	SetA20(enabled bool)
}

// Reset is the capability used to pulse a CPU reset when the output port
// is pulsed with bit 0 low.
type Reset interface {
	Reset()
}

type ringQueue struct {
	buf        [queueCapacity]byte
	read, write int
	count      int
}

func (q *ringQueue) push(b byte) {
	if q.count == queueCapacity {
		return
	}
	q.buf[q.write] = b
	q.write = (q.write + 1) % queueCapacity
	q.count++
}

func (q *ringQueue) pop() (byte, bool) {
	if q.count == 0 {
		return 0, false
	}
	b := q.buf[q.read]
	q.read = (q.read + 1) % queueCapacity
	q.count--
	return b, true
}

func (q *ringQueue) empty() bool { return q.count == 0 }

// KBC is the 8042 controller.
type KBC struct {
	mu sync.Mutex

	kbdQueue ringQueue
	auxQueue ringQueue

	ram [128]byte // byte 0 is the command byte

	outputByte     uint8
	outputHasData  bool
	outputFromAux  bool

	pendingCommand uint8 // command awaiting a data-port byte, 0 if none

	mouseButtons  uint8
	mouseDX, mouseDY int8
	mousePacket    [4]byte
	mousePacketLen int
	mouseStreaming bool

	irqKbd bus.IntrLine
	irqAux bus.IntrLine
	a20    A20
	reset  Reset
}

// New creates an 8042 controller. irqKbd/irqAux raise IRQ1/IRQ12
// respectively (the caller passes the same PIC for both since the line
// numbers already disambiguate).
func New(irqKbd, irqAux bus.IntrLine, a20 A20, reset Reset) *KBC {
	k := &KBC{irqKbd: irqKbd, irqAux: irqAux, a20: a20, reset: reset}
	k.resetState()
	return k
}

func (k *KBC) resetState() {
	k.ram[0] = 0x45 // translate + kbd IRQ enabled, kbd port enabled, XT not set
	k.outputHasData = false
	k.kbdQueue = ringQueue{}
	k.auxQueue = ringQueue{}
}

// RegisterPorts wires 0x60/0x64.
func (k *KBC) RegisterPorts(r *bus.Router) {
	r.RegisterPortRead(0x60, 1, func(_ uint32) uint32 { return uint32(k.readData()) })
	r.RegisterPortWrite(0x60, 1, func(_ uint32, v uint32) { k.writeData(uint8(v)) })
	r.RegisterPortRead(0x64, 1, func(_ uint32) uint32 { return uint32(k.readStatus()) })
	r.RegisterPortWrite(0x64, 1, func(_ uint32, v uint32) { k.writeCommand(uint8(v)) })
	r.RegisterReset(func() { k.mu.Lock(); k.resetState(); k.mu.Unlock() })
}

func (k *KBC) readStatus() uint8 {
	k.mu.Lock()
	defer k.mu.Unlock()
	var s uint8 = statusSysFlag
	if k.outputHasData {
		s |= statusOBF
		if k.outputFromAux {
			s |= statusAux
		}
	}
	return s
}

// readData implements the multiplexed output-byte protocol: return the
// current byte, clear OBF, lower the IRQ that corresponded to its source
// queue, then refill from whichever queue has data (keyboard preferred).
func (k *KBC) readData() uint8 {
	k.mu.Lock()
	defer k.mu.Unlock()
	v := k.outputByte
	wasAux := k.outputFromAux
	k.outputHasData = false
	if wasAux {
		if k.irqAux != nil {
			k.irqAux.LowerIRQ(12)
		}
	} else {
		if k.irqKbd != nil {
			k.irqKbd.LowerIRQ(1)
		}
	}
	k.refillLocked()
	return v
}

func (k *KBC) refillLocked() {
	if k.outputHasData {
		return
	}
	if b, ok := k.kbdQueue.pop(); ok {
		k.outputByte = b
		k.outputHasData = true
		k.outputFromAux = false
		if k.irqKbd != nil && k.ram[0]&0x01 != 0 {
			k.irqKbd.RaiseIRQ(1)
		}
		return
	}
	if b, ok := k.auxQueue.pop(); ok {
		k.outputByte = b
		k.outputHasData = true
		k.outputFromAux = true
		if k.irqAux != nil && k.ram[0]&0x02 != 0 {
			k.irqAux.RaiseIRQ(12)
		}
	}
}

// writeData handles the second byte of a previously seeded 0x64 command,
// or (absent a pending command) is forwarded as a scancode-set/LED-style
// command to the keyboard itself.
func (k *KBC) writeData(v uint8) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pendingCommand != 0 {
		cmd := k.pendingCommand
		k.pendingCommand = 0
		switch {
		case cmd >= 0x60 && cmd <= 0x7F: // write controller RAM
			k.ram[cmd-0x60] = v
		case cmd == outputPortPending: // write output port: A20 + reset line
			k.applyOutputPort(v)
		}
		return
	}
	// No pending controller command: treat as a keyboard-device command
	// (0xED set LEDs, 0xF3 set rate, 0xFF reset, ...). Acknowledge with
	// 0xFA (ACK) for any recognized-looking command byte.
	k.kbdQueue.push(0xFA)
	k.refillLocked()
}

// writeCommand implements the 0x64 command protocol: read/write
// controller RAM, enable/disable ports, self-test, output-port pulse, and
// the A20 toggle command 0xD1 (whose actual gate value arrives as the
// following data-port byte, 0xDF=enable/0xDD=disable by PC convention).
func (k *KBC) writeCommand(v uint8) {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch {
	case v >= 0x20 && v <= 0x3F: // read controller RAM
		k.kbdQueue.push(k.ram[v-0x20])
		k.refillLocked()
	case v >= 0x60 && v <= 0x7F: // write controller RAM (byte follows)
		k.pendingCommand = v
	case v == 0xAA: // self-test
		k.kbdQueue.push(0x55)
		k.refillLocked()
	case v == 0xAB: // interface test
		k.kbdQueue.push(0x00)
		k.refillLocked()
	case v == 0xAD: // disable keyboard port
		k.ram[0] |= 0x10
	case v == 0xAE: // enable keyboard port
		k.ram[0] &^= 0x10
	case v == 0xA7: // disable aux port
		k.ram[0] |= 0x20
	case v == 0xA8: // enable aux port
		k.ram[0] &^= 0x20
	case v == 0xD1: // write output port (A20 + reset line) via next data byte
		k.pendingCommand = outputPortPending
	case v == 0xFE: // system reset
		if k.reset != nil {
			k.reset.Reset()
		}
	}
}

// outputPortPending marks the "write output port" pending state; it is
// distinct from the 0x60-0x7F controller-RAM write range.
const outputPortPending = 0xF0

func (k *KBC) applyOutputPort(v uint8) {
	if k.a20 != nil {
		k.a20.SetA20(v&0x02 != 0)
	}
	if v&0x01 == 0 && k.reset != nil {
		k.reset.Reset()
	}
}

// PushScancode enqueues a byte from the (external, out-of-scope) host
// keyboard input source into the keyboard queue.
func (k *KBC) PushScancode(b byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kbdQueue.push(b)
	k.refillLocked()
}

// MouseMove accumulates relative motion; a packet is only emitted (per
// the source) once motion or button state changed and the previous packet
// has been fully drained.
func (k *KBC) MouseMove(dx, dy int8, buttons uint8) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if dx == 0 && dy == 0 && buttons == k.mouseButtons {
		return
	}
	if !k.auxQueue.empty() {
		return // previous packet not yet drained
	}
	k.mouseButtons = buttons
	b0 := buttons&0x07 | 0x08
	if dx < 0 {
		b0 |= 0x10
	}
	if dy < 0 {
		b0 |= 0x20
	}
	k.auxQueue.push(b0)
	k.auxQueue.push(byte(dx))
	k.auxQueue.push(byte(dy))
	k.refillLocked()
}
