// Package dma implements the paired 8237 ISA DMA controllers: four
// channels each, page registers (the extended page registers at
// 0x480-0x48F are decoded but ignore writes and read 0), flip-flop 16-bit register
// programming, and a software-scheduled transfer loop that respects mode,
// direction, and auto-initialize.
//
// Built fresh against original_source/src/hardware/dma.c
// (dma_io_readb/writeb, page_register_offsets, dma_run_transfers), in the
// one-struct-per-device, ports-registered-in-constructor shape every
// other device package here uses.
package dma

import (
	"log"
	"sync"

	"example.com/ia32-core/core_engine/bus"
)

// Buffer is the abstract channel endpoint a peripheral implements:
// DMARead returns the peripheral's next byte, DMAWrite hands it one byte,
// and DMADone tells it the channel reached terminal count, mirroring
// dma_get_buf/dma_done in the reference source.
type Buffer interface {
	DMARead() uint8
	DMAWrite(v uint8)
	DMADone()
}

type channel struct {
	baseAddr, baseCount   uint16
	currentAddr, currentCount uint16
	page                  uint8
	mode                  uint8
	masked                bool
	requested             bool
	buf                   Buffer
}

// mode byte fields.
const (
	modeTransferMask = 0x0C // 00=verify 01=write 10=read 11=illegal(mem-to-mem)
	modeAutoInit     = 0x10
	modeDecrement    = 0x20
	modeModeMask     = 0xC0 // 00=demand 01=single 10=block 11=cascade
)

// Controller is one 8237 (four channels).
type Controller struct {
	channels  [4]channel
	flipflop  bool
	command   uint8
	status    uint8
	request   uint8
	softMask  uint8

	// pageOffsets maps channel index to the low-page-register port for
	// this controller, matching page_register_offsets in the source.
	pageOffsets [4]uint16
	highOffsets [4]uint16
	portBase    uint16 // 0x00 for controller 0, 0xC0 for controller 1
	addrShift   uint   // controller 1 addresses are word-granular (<<1)
}

// Pair is both ISA DMA controllers. Controller 0 handles 8-bit transfers
// on channels 0-3; controller 1 handles 16-bit transfers on channels 4-7
// (channel 4 is the cascade line used to chain controller 0).
type Pair struct {
	mu   sync.Mutex
	ctrl [2]Controller
}

// New creates both DMA controllers with their standard ISA port maps.
func New() *Pair {
	p := &Pair{}
	p.ctrl[0] = Controller{
		portBase:    0x00,
		pageOffsets: [4]uint16{0x87, 0x83, 0x81, 0x82},
		highOffsets: [4]uint16{0x487, 0x483, 0x481, 0x482},
	}
	p.ctrl[1] = Controller{
		portBase:    0xC0,
		addrShift:   1,
		pageOffsets: [4]uint16{0x8F, 0x8B, 0x89, 0x8A},
		highOffsets: [4]uint16{0x48F, 0x48B, 0x489, 0x48A},
	}
	return p
}

// RegisterPorts wires the 0x00-0x0F / 0xC0-0xDF channel register blocks,
// the 0x80-0x8F / 0x480-0x48F page registers, for both controllers.
func (p *Pair) RegisterPorts(r *bus.Router) {
	for ci := 0; ci < 2; ci++ {
		idx := ci
		c := &p.ctrl[idx]
		stride := uint16(1) << c.addrShift // controller 1 decodes even ports only
		for ch := 0; ch < 4; ch++ {
			chIdx := ch
			addrPort := c.portBase + uint16(ch)*2*stride
			countPort := addrPort + stride
			r.RegisterPortWrite(addrPort, 1, func(_ uint32, v uint32) { p.writeAddr(idx, chIdx, uint8(v)) })
			r.RegisterPortRead(addrPort, 1, func(_ uint32) uint32 { return uint32(p.readAddr(idx, chIdx)) })
			r.RegisterPortWrite(countPort, 1, func(_ uint32, v uint32) { p.writeCount(idx, chIdx, uint8(v)) })
			r.RegisterPortRead(countPort, 1, func(_ uint32) uint32 { return uint32(p.readCount(idx, chIdx)) })

			r.RegisterPortWrite(c.pageOffsets[ch], 1, func(_ uint32, v uint32) { p.mu.Lock(); c.channels[chIdx].page = uint8(v); p.mu.Unlock() })
			r.RegisterPortRead(c.pageOffsets[ch], 1, func(_ uint32) uint32 { p.mu.Lock(); defer p.mu.Unlock(); return uint32(c.channels[chIdx].page) })
			r.RegisterPortWrite(c.highOffsets[ch], 1, func(_ uint32, v uint32) {})
			r.RegisterPortRead(c.highOffsets[ch], 1, func(_ uint32) uint32 { return 0 })
		}
		cmdPort := c.portBase + 0x08*stride
		statusPort := cmdPort
		maskPort := c.portBase + 0x0F*stride
		singleMaskPort := c.portBase + 0x0A*stride
		flipflopResetPort := c.portBase + 0x0C*stride

		r.RegisterPortWrite(cmdPort, 1, func(_ uint32, v uint32) { p.mu.Lock(); c.command = uint8(v); p.mu.Unlock() })
		r.RegisterPortRead(statusPort, 1, func(_ uint32) uint32 { p.mu.Lock(); defer p.mu.Unlock(); s := c.status; c.status = 0; return uint32(s) })
		r.RegisterPortWrite(singleMaskPort, 1, func(_ uint32, v uint32) { p.writeSingleMask(idx, uint8(v)) })
		r.RegisterPortWrite(maskPort, 1, func(_ uint32, v uint32) { p.mu.Lock(); c.softMask = uint8(v) & 0x0F; p.mu.Unlock() })
		r.RegisterPortWrite(flipflopResetPort, 1, func(_ uint32, v uint32) { p.mu.Lock(); c.flipflop = false; p.mu.Unlock() })
	}
	r.RegisterReset(p.reset)
}

func (p *Pair) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.ctrl {
		p.ctrl[i].channels = [4]channel{}
		p.ctrl[i].flipflop = false
		p.ctrl[i].command = 0
		p.ctrl[i].status = 0
		p.ctrl[i].softMask = 0x0F
	}
}

func (p *Pair) writeSingleMask(idx int, v uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &p.ctrl[idx]
	ch := v & 3
	if v&4 != 0 {
		c.softMask |= 1 << ch
	} else {
		c.softMask &^= 1 << ch
	}
	c.channels[ch].masked = c.softMask&(1<<ch) != 0
}

// writeAddr/readAddr implement flip-flop 16-bit register programming:
// the first access transfers the low byte, the second the high byte.
func (p *Pair) writeAddr(idx, ch int, v uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &p.ctrl[idx]
	a := &c.channels[ch]
	if !c.flipflop {
		a.baseAddr = a.baseAddr&0xFF00 | uint16(v)
		a.currentAddr = a.baseAddr
	} else {
		a.baseAddr = a.baseAddr&0x00FF | uint16(v)<<8
		a.currentAddr = a.baseAddr
	}
	c.flipflop = !c.flipflop
}

func (p *Pair) readAddr(idx, ch int) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &p.ctrl[idx]
	a := &c.channels[ch]
	var v uint8
	if !c.flipflop {
		v = uint8(a.currentAddr)
	} else {
		v = uint8(a.currentAddr >> 8)
	}
	c.flipflop = !c.flipflop
	return v
}

func (p *Pair) writeCount(idx, ch int, v uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &p.ctrl[idx]
	a := &c.channels[ch]
	if !c.flipflop {
		a.baseCount = a.baseCount&0xFF00 | uint16(v)
		a.currentCount = a.baseCount
	} else {
		a.baseCount = a.baseCount&0x00FF | uint16(v)<<8
		a.currentCount = a.baseCount
	}
	c.flipflop = !c.flipflop
}

func (p *Pair) readCount(idx, ch int) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &p.ctrl[idx]
	a := &c.channels[ch]
	var v uint8
	if !c.flipflop {
		v = uint8(a.currentCount)
	} else {
		v = uint8(a.currentCount >> 8)
	}
	c.flipflop = !c.flipflop
	return v
}

// SetMode programs a channel's mode byte (normally written through a
// dedicated mode-register port at portBase+0x0B, kept as a direct call
// here since it is channel-indexed rather than per-channel-port).
func (p *Pair) SetMode(controllerIdx, ch int, mode uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctrl[controllerIdx].channels[ch].mode = mode
}

// AttachChannel binds a peripheral's Buffer to a channel so RaiseDREQ can
// run transfers against it.
func (p *Pair) AttachChannel(controllerIdx, ch int, buf Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctrl[controllerIdx].channels[ch].buf = buf
}

// RaiseDREQ services a channel's pending transfer synchronously: DMA
// transfers complete within the call, matching the cooperative
// single-threaded scheduler. mem is the guest physical memory backing store.
func (p *Pair) RaiseDREQ(controllerIdx, ch int, mem []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &p.ctrl[controllerIdx]
	a := &c.channels[ch]
	if a.masked || a.buf == nil {
		return
	}
	transferType := a.mode & modeTransferMask
	decrement := a.mode&modeDecrement != 0
	autoInit := a.mode&modeAutoInit != 0
	singleUnit := a.mode&modeModeMask == 0x40 // single mode: one unit per DREQ

	if transferType == modeTransferMask {
		log.Printf("dma: memory-to-memory transfer on controller %d channel %d is not supported", controllerIdx, ch)
	}

	unitShift := c.addrShift
	for {
		phys := uint32(a.page)<<16 | uint32(a.currentAddr)<<unitShift
		if int(phys) < len(mem) {
			switch transferType {
			case 0x04: // write: peripheral -> memory
				mem[phys] = a.buf.DMARead()
			case 0x08: // read: memory -> peripheral
				a.buf.DMAWrite(mem[phys])
			}
		}
		if decrement {
			a.currentAddr--
		} else {
			a.currentAddr++
		}
		if a.currentCount == 0 {
			c.status |= 1 << ch // terminal count
			a.buf.DMADone()
			if autoInit {
				a.currentAddr = a.baseAddr
				a.currentCount = a.baseCount
			} else {
				a.masked = true
			}
			return
		}
		a.currentCount--
		if singleUnit {
			return
		}
	}
}
