// Package vga implements a generic VGA adapter with the Bochs VBE linear
// framebuffer extension: the CRTC/Sequencer/Graphics/Attribute/DAC register
// files and their index/data port protocol, the planar memory access
// matrix (CHAIN4/ODD-EVEN/NORMAL addressing combined with write modes
// 0-3), the VBE dispatch register pair at 0x1CE/0x1CF, and renderers that
// turn VRAM plus the current register state into an RGBA8888 framebuffer.
//
// Grounded on original_source/src/hardware/vga.c (vga_write/vga_read,
// vga_mem_readb/writeb, vga_update_mem_access, vga_change_renderer, the
// do_mask/expand32/alu_rotate bit-manipulation helpers, and the VBE
// register switch). The reference source keeps one flat global vga_info
// struct; this package turns it into a VGA value with the same field
// groupings translated to Go, backed by host-anonymous VRAM obtained
// through golang.org/x/sys/unix (a private mapping owned by the package).
package vga

import (
	"sync"

	"golang.org/x/sys/unix"

	"example.com/ia32-core/core_engine/bus"
)

const (
	vramWindowLegacyBase = 0xA0000
	vbeLFBBase           = 0xE0000000
)

// VBE DISPI enable-register bits.
const (
	vbeEnabled    = 0x01
	vbeGetCaps    = 0x02
	vbe8BitDAC    = 0x20
	vbeLFBEnabled = 0x40
	vbeNoClearMem = 0x80
)

// Memory access modes, mirroring CHAIN4/ODDEVEN/NORMAL/READMODE_1.
const (
	accessChain4 = iota
	accessOddEven
	accessNormal
	accessReadMode1
)

// VGA is one adapter: register files, VRAM, and the derived access-mode
// state every read/write consults.
type VGA struct {
	mu sync.Mutex

	crt      [256]uint8
	crtIndex uint8

	attr        [32]uint8
	attrIndex   uint8
	attrPalette [16]uint8

	seq      [8]uint8
	seqIndex uint8

	gfx      [16]uint8
	gfxIndex uint8

	dac           [1024]uint8
	dacPalette    [256]uint32
	dacMask       uint8
	dacState      uint8
	dacAddress    uint8
	dacColor      uint8
	dacReadAddr   uint8

	status [2]uint8
	misc   uint8

	charWidth     uint8
	characterMap  [2]uint32

	pixelPanning        uint8
	currentPixelPanning uint8
	totalWidth          uint32
	totalHeight         uint32
	renderer            int
	frameCounter        uint8

	writeAccess, readAccess int
	writeMode               uint8
	vramWindowBase          uint32
	vramWindowSize          uint32
	latch                   [4]uint8

	vbeIndex  uint16
	vbeVer    uint16
	vbeEnable uint16
	vbeRegs   [10]uint32

	vram     []byte
	vramSize int

	scanlinesModified []bool

	irq bus.IntrLine
}

// New creates a VGA adapter with vramSize bytes of video memory, backed by
// an anonymous private mmap region.
func New(vramSize int) (*VGA, error) {
	mem, err := unix.Mmap(-1, 0, vramSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	v := &VGA{vram: mem, vramSize: vramSize}
	v.reset()
	return v, nil
}

// Close unmaps the VRAM region.
func (v *VGA) Close() error {
	return unix.Munmap(v.vram)
}

func (v *VGA) reset() {
	v.misc = 0
	v.vramWindowBase = vramWindowLegacyBase
	v.vramWindowSize = 0x20000
	v.charWidth = 8
	v.renderer = 0
	v.updateMemAccess()
	v.completeRedraw()
	for i := range v.vram {
		v.vram[i] = 0
	}
}

// RegisterPorts wires the standard CRTC/Sequencer/Graphics/Attribute/DAC
// ports and the Bochs VBE dispatch registers.
func (v *VGA) RegisterPorts(r *bus.Router) {
	r.RegisterPortWrite(0x1CE, 2, func(_ uint32, d uint32) { v.mu.Lock(); v.vbeIndex = uint16(d); v.mu.Unlock() })
	r.RegisterPortRead(0x1CE, 2, func(_ uint32) uint32 { v.mu.Lock(); defer v.mu.Unlock(); return uint32(v.vbeIndex) })
	r.RegisterPortWrite(0x1CF, 2, func(_ uint32, d uint32) { v.writeVBEData(uint16(d)) })
	r.RegisterPortRead(0x1CF, 2, func(_ uint32) uint32 { return uint32(v.readVBEData()) })

	for _, p := range []uint16{0x3C4, 0x3C5, 0x3C6, 0x3C7, 0x3C8, 0x3C9, 0x3CE, 0x3CF,
		0x3C0, 0x3C2, 0x3B4, 0x3B5, 0x3D4, 0x3D5, 0x3DA} {
		port := p
		r.RegisterPortWrite(port, 1, func(_ uint32, d uint32) { v.writePort(port, uint8(d)) })
		r.RegisterPortRead(port, 1, func(_ uint32) uint32 { return uint32(v.readPort(port)) })
	}

	r.RegisterMMIO(vramWindowLegacyBase, 0x20000,
		func(addr uint32, size int) uint32 { return v.memReadB(addr) },
		func(addr uint32, val uint32, size int) { v.memWriteB(addr, val) })
	r.RegisterMMIO(vbeLFBBase, uint32(v.vramSize),
		func(addr uint32, size int) uint32 { return v.memReadB(addr | 0x80000000) },
		func(addr uint32, val uint32, size int) { v.memWriteB(addr|0x80000000, val) })

	r.RegisterReset(func() { v.mu.Lock(); v.reset(); v.mu.Unlock() })
}

func (v *VGA) writePort(port uint16, data uint8) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if (port >= 0x3B0 && port <= 0x3BF && v.misc&1 != 0) || (port >= 0x3D0 && port <= 0x3DF && v.misc&1 == 0) {
		return
	}
	switch port {
	case 0x3C0:
		if v.attrIndex&0x80 == 0 {
			diff := v.attrIndex ^ data
			v.attrIndex = data & 0x7F
			if diff&0x20 != 0 {
				v.changeRenderer()
			}
		} else {
			idx := v.attrIndex & 0x1F
			if int(idx) < len(v.attr) {
				v.attr[idx] = data
				switch {
				case idx < 16:
					v.changeAttrCache(int(idx))
				case idx == 16:
					v.changeRenderer()
					for i := 0; i < 16; i++ {
						v.changeAttrCache(i)
					}
					v.completeRedraw()
				case idx == 0x13:
					if v.gfx[5]&0x40 != 0 {
						v.pixelPanning = data >> 1 & 3
					} else {
						v.pixelPanning = (data & 7) + (v.charWidth & 1)
					}
					v.completeRedraw()
				}
			}
		}
		v.attrIndex ^= 0x80
	case 0x3C2:
		v.misc = data
	case 0x3C4:
		v.seqIndex = data & 7
	case 0x3C5:
		v.writeSeqData(data)
	case 0x3C6:
		v.dacMask = data
		v.completeRedraw()
	case 0x3C7:
		v.dacReadAddr = data
		v.dacColor = 0
	case 0x3C8:
		v.dacAddress = data
		v.dacColor = 0
	case 0x3C9:
		v.dacState = 3
		v.dac[uint16(v.dacAddress)<<2|uint16(v.dacColor)] = data
		v.dacColor++
		if v.dacColor == 3 {
			v.updateOneDACEntry(int(v.dacAddress))
			v.dacAddress++
			v.dacColor = 0
		}
	case 0x3CE:
		v.gfxIndex = data & 15
	case 0x3CF:
		v.writeGfxData(data)
	case 0x3B4, 0x3D4:
		v.crtIndex = data
	case 0x3B5, 0x3D5:
		if int(v.crtIndex) < len(v.crt) {
			v.crt[v.crtIndex] = data
		}
	}
}

func (v *VGA) readPort(port uint16) uint8 {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch port {
	case 0x3C0:
		return v.attrIndex
	case 0x3C2:
		return v.status[0]
	case 0x3C4:
		return v.seqIndex
	case 0x3C5:
		return v.seq[v.seqIndex&7]
	case 0x3C6:
		return v.dacMask
	case 0x3C7:
		return v.dacState
	case 0x3C8:
		return v.dacAddress
	case 0x3C9:
		d := v.dac[uint16(v.dacReadAddr)<<2|uint16(v.dacColor)]
		v.dacColor++
		if v.dacColor == 3 {
			v.dacReadAddr++
			v.dacColor = 0
		}
		return d
	case 0x3CE:
		return v.gfxIndex
	case 0x3CF:
		return v.gfx[v.gfxIndex&15]
	case 0x3B4, 0x3D4:
		return v.crtIndex
	case 0x3B5, 0x3D5:
		return v.crt[v.crtIndex]
	case 0x3DA:
		v.attrIndex &^= 0x80 // next 0x3C0 write selects an index again
		v.status[1] ^= 0x09
		return v.status[1]
	}
	return 0xFF
}

var seqWriteMask = [8]uint8{0x00, 0x3D, 0x0F, 0x3F, 0x0E, 0xFF, 0xFF, 0xFF}

func (v *VGA) writeSeqData(data uint8) {
	idx := v.seqIndex
	if int(idx) >= len(v.seq) {
		return
	}
	data &= seqWriteMask[idx]
	diff := v.seq[idx] ^ data
	if diff == 0 {
		return
	}
	v.seq[idx] = data
	switch idx {
	case 1:
		if diff&0x20 != 0 {
			v.changeRenderer()
		}
		if diff&0x08 != 0 {
			v.changeRenderer()
			v.updateSize()
		}
		if diff&0x01 != 0 {
			if data&1 != 0 {
				v.charWidth = 8
			} else {
				v.charWidth = 9
			}
			v.updateSize()
			v.completeRedraw()
		}
	case 3:
		v.characterMap[0] = uint32((data>>5&1)|(data>>1&6)) << 13
		v.characterMap[1] = uint32((data>>4&1)|(data<<1&6)) << 13
	case 4:
		if diff&0x0C != 0 {
			v.updateMemAccess()
		}
	}
}

var gfxWriteMask = [16]uint8{0x0F, 0x0F, 0x0F, 0x1F, 0x03, 0x7B, 0x0F, 0x0F, 0xFF, 0, 0, 0, 0, 0, 0, 0}

func (v *VGA) writeGfxData(data uint8) {
	idx := v.gfxIndex
	if int(idx) >= len(v.gfx) {
		return
	}
	data &= gfxWriteMask[idx]
	diff := v.gfx[idx] ^ data
	if diff == 0 {
		return
	}
	v.gfx[idx] = data
	switch idx {
	case 5:
		if diff&(3<<5) != 0 {
			v.changeRenderer()
		}
		if diff&((1<<3)|(1<<4)|3) != 0 {
			v.updateMemAccess()
		}
	case 6:
		switch data >> 2 & 3 {
		case 0:
			v.vramWindowBase, v.vramWindowSize = 0xA0000, 0x20000
		case 1:
			v.vramWindowBase, v.vramWindowSize = 0xA0000, 0x10000
		case 2:
			v.vramWindowBase, v.vramWindowSize = 0xB0000, 0x8000
		case 3:
			v.vramWindowBase, v.vramWindowSize = 0xB8000, 0x8000
		}
		if diff&1 != 0 {
			v.changeRenderer()
		}
	}
}

func (v *VGA) writeVBEData(data uint16) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch v.vbeIndex {
	case 0:
		v.vbeVer = data
	case 1, 2, 3:
		if v.vbeEnable&vbeGetCaps != 0 {
			return
		}
		if v.vbeIndex == 3 && data == 0 {
			data = 8
		}
		if v.vbeEnable&vbeEnabled == 0 {
			v.vbeRegs[v.vbeIndex] = uint32(data)
		}
	case 4:
		diff := v.vbeEnable ^ data
		if diff == 0 {
			return
		}
		if diff&vbeEnabled == 0 {
			data &^= vbeLFBEnabled
			data |= v.vbeEnable & vbeLFBEnabled
		}
		v.vbeEnable = data
		v.totalWidth = v.vbeRegs[1]
		v.totalHeight = v.vbeRegs[2]
		v.updateSize()
		if diff&vbeEnabled != 0 {
			v.changeRenderer()
			if v.vbeEnable&vbeEnabled != 0 && data&vbeNoClearMem == 0 {
				for i := range v.vram {
					v.vram[i] = 0
				}
			}
		}
		if diff&vbe8BitDAC != 0 {
			v.updateAllDACEntries()
		}
		v.vbeRegs[8], v.vbeRegs[9] = 0, 0
		v.vbeRegs[6], v.vbeRegs[7] = v.totalWidth, v.totalHeight
	case 5:
		bank := uint32(data) << 16
		if int(bank) < v.vramSize {
			v.vbeRegs[5] = bank
		}
	case 6:
		bpp := (v.vbeRegs[3] + 7) >> 3
		v.vbeRegs[6] = uint32(data)
		if bpp != 0 {
			v.vbeRegs[7] = uint32(v.vramSize) / bpp
		} else {
			v.vbeRegs[7] = 1
		}
	case 7:
		v.vbeRegs[7] = uint32(data)
	case 8, 9:
		v.vbeRegs[v.vbeIndex] = uint32(data)
	}
}

func (v *VGA) readVBEData() uint16 {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch v.vbeIndex {
	case 0:
		return v.vbeVer
	case 4:
		return v.vbeEnable
	case 1, 2, 3, 5, 6, 7, 8, 9:
		return uint16(v.vbeRegs[v.vbeIndex])
	}
	return 0
}

func c6to8(v *VGA, a uint8) uint8 {
	if v.vbeEnable&vbe8BitDAC != 0 {
		return a
	}
	b := a & 1
	return a<<2 | b<<1 | b
}

func (v *VGA) updateOneDACEntry(i int) {
	idx := i << 2
	v.dacPalette[i] = 255<<24 | uint32(c6to8(v, v.dac[idx]))<<16 | uint32(c6to8(v, v.dac[idx|1]))<<8 | uint32(c6to8(v, v.dac[idx|2]))
}

func (v *VGA) updateAllDACEntries() {
	for i := 0; i < 256; i++ {
		v.updateOneDACEntry(i)
	}
}

func (v *VGA) changeAttrCache(i int) {
	if v.attr[0x10]&0x80 != 0 {
		v.attrPalette[i] = v.attr[i]&0x0F | v.attr[0x14]<<4&0xF0
	} else {
		v.attrPalette[i] = v.attr[i]&0x3F | v.attr[0x14]<<4&0xC0
	}
}

func (v *VGA) updateMemAccess() {
	if v.seq[4]&8 != 0 {
		v.writeAccess = accessChain4
	} else if v.seq[4]&4 == 0 {
		v.writeAccess = accessOddEven
	} else {
		v.writeAccess = accessNormal
	}

	switch {
	case v.gfx[5]&8 != 0:
		v.readAccess = accessReadMode1
	case v.seq[4]&8 != 0:
		v.readAccess = accessChain4
	case v.gfx[5]&0x10 != 0:
		v.readAccess = accessOddEven
	default:
		v.readAccess = accessNormal
	}
	v.writeMode = v.gfx[5] & 3
}

func (v *VGA) completeRedraw() {
	if len(v.scanlinesModified) != int(v.totalHeight) {
		v.scanlinesModified = make([]bool, v.totalHeight)
	}
	for i := range v.scanlinesModified {
		v.scanlinesModified[i] = true
	}
	v.currentPixelPanning = v.pixelPanning
}

// rowStrideRel is the VRAM rel-index distance between consecutive display
// rows for the planar (non-VBE) renderers, derived from CR13 the same way
// memWriteB derives it to flag a written byte's scanline as dirty.
func (v *VGA) rowStrideRel() uint32 {
	offsetBetweenLines := ((uint32(^v.crt[0x13]&1) << 8) | uint32(v.crt[0x13])) * 2 << 2
	return offsetBetweenLines / 4
}

func (v *VGA) updateSize() {
	var width, height uint32
	if v.vbeEnable&vbeEnabled != 0 {
		width, height = v.vbeRegs[1], v.vbeRegs[2]
	} else {
		hEnd := uint32(v.crt[1]) + 1
		hBlank := uint32(v.crt[2])
		if hEnd < hBlank {
			width = hEnd * uint32(v.charWidth)
		} else {
			width = hBlank * uint32(v.charWidth)
		}
		vEnd := uint32(v.crt[0x12]) + (uint32(v.crt[7]>>1&1|v.crt[7]>>5&2) << 8) + 1
		vBlank := uint32(v.crt[0x15]) + (uint32(v.crt[7]>>3&1|v.crt[9]>>4&2) << 8)
		if vEnd < vBlank {
			height = vEnd
		} else {
			height = vBlank
		}
	}
	v.totalWidth, v.totalHeight = width, height
	v.scanlinesModified = make([]bool, height)
	for i := range v.scanlinesModified {
		v.scanlinesModified[i] = true
	}
}

// Renderer mode identifiers exposed for the display collaborator.
const (
	RenderBlank = iota
	RenderAlphanumeric
	RenderMode13H
	Render4BPP
	RenderVBE
)

func (v *VGA) changeRenderer() {
	if v.vbeEnable&vbeEnabled != 0 {
		v.renderer = RenderVBE
		v.completeRedraw()
		return
	}
	screenOn := v.seq[1]&0x20 == 0 && v.attr[0x10]&0x20 != 0 // historically attrIndex&0x20; simplified to mode-control bit
	switch {
	case !screenOn:
		v.renderer = RenderBlank
	case v.gfx[6]&1 != 0:
		if v.gfx[5]&0x40 != 0 {
			v.renderer = RenderMode13H
		} else {
			v.renderer = Render4BPP
		}
	default:
		v.renderer = RenderAlphanumeric
	}
	v.completeRedraw()
}

// Dimensions returns the current display resolution.
func (v *VGA) Dimensions() (width, height int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return int(v.totalWidth), int(v.totalHeight)
}

func b8to32(b uint8) uint32 {
	return uint32(b) | uint32(b)<<8 | uint32(b)<<16 | uint32(b)<<24
}

func expand32(b uint8) uint32 {
	var r uint32
	for i := 0; i < 4; i++ {
		if b&(1<<uint(i)) != 0 {
			r |= 0xFF << uint(i*8) // bit i controls byte (plane) i
		}
	}
	return r
}

// expand32Alt expands each of the low 4 bits of b into a full byte of the
// returned dword (bit 0 -> byte 0 ... bit 3 -> byte 3), matching the
// reference source's bit-per-plane expansion used by do_mask/READMODE_1.
func expand32Alt(b uint8) [4]uint8 {
	var out [4]uint8
	for i := 0; i < 4; i++ {
		if b&(1<<uint(i)) != 0 {
			out[i] = 0xFF
		}
	}
	return out
}

func doMask(value, mask uint32, maskEnabled uint8) uint32 {
	xor := value ^ mask
	planeMask := [4]uint32{0xFF, 0xFF00, 0xFF0000, 0xFF000000}
	for i := 0; i < 4; i++ {
		if maskEnabled&(1<<uint(i)) == 0 {
			xor &^= planeMask[i]
			xor |= mask & planeMask[i]
		}
	}
	return xor
}

func (v *VGA) aluRotate(value uint8) uint8 {
	count := v.gfx[3] & 7
	return (value>>count | value<<(8-count)) & 0xFF
}

func (v *VGA) memReadB(addr uint32) uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.vbeEnable&vbeEnabled != 0 {
		if addr&0x80000000 != 0 {
			off := addr &^ 0x80000000
			if int(off) < len(v.vram) {
				return uint32(v.vram[off])
			}
			return 0xFF
		}
		off := v.vbeRegs[5] + addr&0x1FFFF
		if int(off) < len(v.vram) {
			return uint32(v.vram[off])
		}
		return 0xFF
	}

	rel := addr - v.vramWindowBase
	if rel > v.vramWindowSize {
		return 0xFFFFFFFF
	}
	base := int(rel) * 4
	if base+4 > len(v.vram) {
		return 0xFF
	}
	v.latch[0], v.latch[1], v.latch[2], v.latch[3] = v.vram[base], v.vram[base+1], v.vram[base+2], v.vram[base+3]

	switch v.readAccess {
	case accessChain4:
		plane := rel & 3
		planeAddr := rel >> 2
		return uint32(v.vram[int(planeAddr)*4+int(plane)])
	case accessOddEven:
		plane := rel&1 | uint32(v.gfx[4]&2)
		planeAddr := rel &^ 1
		return uint32(v.vram[int(planeAddr)*4+int(plane)])
	case accessReadMode1:
		dontCare := expand32Alt(v.gfx[7])
		compare := expand32Alt(v.gfx[2])
		return uint32(^((v.latch[0]&dontCare[0])^compare[0] |
			(v.latch[1]&dontCare[1])^compare[1] |
			(v.latch[2]&dontCare[2])^compare[2] |
			(v.latch[3]&dontCare[3])^compare[3]))
	default: // NORMAL
		plane := v.gfx[4] & 3
		return uint32(v.vram[int(rel)*4+int(plane)])
	}
}

func (v *VGA) memWriteB(addr uint32, data uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.vbeEnable&vbeEnabled != 0 {
		var off uint32
		if addr&0x80000000 != 0 {
			off = addr &^ 0x80000000
			if v.vbeEnable&vbeLFBEnabled == 0 {
				return
			}
		} else {
			off = v.vbeRegs[5] + addr&0x1FFFF
			if v.vbeEnable&vbeLFBEnabled != 0 {
				return
			}
		}
		if int(off) >= len(v.vram) {
			return
		}
		v.vram[off] = uint8(data)
		bpp := (v.vbeRegs[3] + 7) >> 3
		if v.totalWidth > 0 && bpp > 0 {
			scanline := off / (v.totalWidth * bpp)
			if int(scanline) < len(v.scanlinesModified) {
				v.scanlinesModified[scanline] = true
			}
		}
		return
	}

	rel := addr - v.vramWindowBase
	if rel > v.vramWindowSize {
		return
	}
	var plane uint8
	var planeAddr uint32
	switch v.writeAccess {
	case accessChain4:
		plane = 1 << (rel & 3)
		planeAddr = rel >> 2
	case accessOddEven:
		plane = 5 << (rel & 1)
		planeAddr = rel &^ 1
	default:
		plane = 15
		planeAddr = rel
	}

	data32 := data
	andValue := uint32(0xFFFFFFFF)
	runALU := true
	switch v.writeMode {
	case 0:
		data32 = b8to32(v.aluRotate(uint8(data)))
		data32 = doMask(data32, expand32(v.gfx[0]), v.gfx[1])
	case 1:
		data32 = uint32(v.latch[0]) | uint32(v.latch[1])<<8 | uint32(v.latch[2])<<16 | uint32(v.latch[3])<<24
		runALU = false
	case 2:
		data32 = expand32(uint8(data))
	case 3:
		andValue = b8to32(v.aluRotate(uint8(data)))
		data32 = expand32(v.gfx[0])
	}
	if runALU {
		latch32 := uint32(v.latch[0]) | uint32(v.latch[1])<<8 | uint32(v.latch[2])<<16 | uint32(v.latch[3])<<24
		mask := b8to32(v.gfx[8]) & andValue
		switch v.gfx[3] & 0x18 {
		case 0x00:
			data32 = data32&mask | latch32&^mask
		case 0x08:
			data32 = (data32&latch32)&mask | latch32&^mask
		case 0x10:
			data32 = (data32|latch32)&mask | latch32&^mask
		case 0x18:
			data32 = (data32^latch32)&mask | latch32&^mask
		}
	}

	plane &= v.seq[2]
	base := int(planeAddr) * 4
	if base+4 > len(v.vram) {
		return
	}
	cur := uint32(v.vram[base]) | uint32(v.vram[base+1])<<8 | uint32(v.vram[base+2])<<16 | uint32(v.vram[base+3])<<24
	result := doMask(cur, data32, plane)
	v.vram[base] = uint8(result)
	v.vram[base+1] = uint8(result >> 8)
	v.vram[base+2] = uint8(result >> 16)
	v.vram[base+3] = uint8(result >> 24)

	startAddr := (uint32(v.crt[0x0C])<<8 | uint32(v.crt[0x0D])) << 2
	offsetBetweenLines := v.rowStrideRel() * 4
	if offsetBetweenLines == 0 {
		return
	}
	scanline := (uint32(planeAddr)*4 - startAddr) / offsetBetweenLines
	if int(scanline) < len(v.scanlinesModified) {
		v.scanlinesModified[scanline] = true
	}
}

// RenderRGBA8888 writes one frame into dst (len must be >= width*height*4)
// using the current renderer mode and DAC palette.
func (v *VGA) RenderRGBA8888(dst []byte) (width, height int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frameCounter = (v.frameCounter + 1) & 0x3F
	w, h := int(v.totalWidth), int(v.totalHeight)
	if w == 0 || h == 0 || len(dst) < w*h*4 {
		return w, h
	}
	switch v.renderer {
	case RenderAlphanumeric:
		v.renderAlphanumeric(dst, w, h)
	case Render4BPP:
		v.render4BPP(dst, w, h)
	case RenderMode13H:
		start := (uint32(v.crt[0x0C])<<8 | uint32(v.crt[0x0D])) << 2
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				off := int(start) + y*w + x
				var idx uint8
				if off < len(v.vram) {
					idx = v.vram[off]
				}
				px := v.dacPalette[idx]
				o := (y*w + x) * 4
				dst[o], dst[o+1], dst[o+2], dst[o+3] = uint8(px>>16), uint8(px>>8), uint8(px), uint8(px>>24)
			}
		}
	case RenderVBE:
		bpp := int((v.vbeRegs[3] + 7) >> 3)
		stride := w * bpp
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				off := y*stride + x*bpp
				var r, g, b, a uint8 = 0, 0, 0, 255
				if off+bpp <= len(v.vram) {
					switch bpp {
					case 1:
						px := v.dacPalette[v.vram[off]]
						r, g, b = uint8(px>>16), uint8(px>>8), uint8(px)
					case 2:
						px := uint16(v.vram[off]) | uint16(v.vram[off+1])<<8
						r = uint8(px >> 11 << 3)
						g = uint8(px >> 5 << 2)
						b = uint8(px << 3)
					case 3:
						b, g, r = v.vram[off], v.vram[off+1], v.vram[off+2]
					case 4:
						b, g, r = v.vram[off], v.vram[off+1], v.vram[off+2]
					}
				}
				o := (y*w + x) * 4
				dst[o], dst[o+1], dst[o+2], dst[o+3] = r, g, b, a
			}
		}
	default:
		for i := 0; i < w*h; i++ {
			o := i * 4
			dst[o], dst[o+1], dst[o+2], dst[o+3] = 0, 0, 0, 255
		}
	}
	return w, h
}

// renderAlphanumeric composes one frame of text mode from the character
// (plane 0), attribute (plane 1) and font (plane 2) bytes addressed through
// the same rel*4+plane convention memReadB/memWriteB use, plus the cursor,
// blink, underline and 9-pixel line-graphics overlays that the register
// file drives. Grounded on the ALPHANUMERIC_RENDERER case of vga_update in
// original_source/src/hardware/vga.c.
func (v *VGA) renderAlphanumeric(dst []byte, w, h int) {
	charHeight := int(v.crt[9]&0x1F) + 1
	cw := int(v.charWidth)
	cols := w / cw
	presetRowScan := int(v.crt[8] & 0x1F)
	doubled := v.crt[9]&0x80 != 0

	startAddrRel := uint32(v.crt[0x0C])<<8 | uint32(v.crt[0x0D])
	rowStride := v.rowStrideRel()
	if rowStride == 0 {
		rowStride = uint32(cols)
	}

	cursorAddrRel := uint32(v.crt[0x0E])<<8 | uint32(v.crt[0x0F])
	cursorStart := int(v.crt[0x0A] & 0x1F)
	cursorEnd := int(v.crt[0x0B] & 0x1F)
	cursorVisible := v.crt[0x0B]&0x20 != 0 || v.frameCounter >= 0x20
	underlineLoc := int(v.crt[0x14] & 0x1F)
	var lineGraphics uint8
	if cw == 9 && v.attr[0x10]&4 != 0 {
		lineGraphics = 0xE0
	}
	blinkPhaseOn := v.attr[0x10]&8 != 0 && v.frameCounter >= 32

	for y := 0; y < h; y++ {
		effectiveY := y
		if doubled {
			effectiveY = y / 2
		}
		scanlineWithPreset := effectiveY + presetRowScan
		row := scanlineWithPreset / charHeight
		charScanline := scanlineWithPreset % charHeight
		rowStart := startAddrRel + uint32(row)*rowStride

		for col := 0; col < cols; col++ {
			rel := rowStart + uint32(col)
			base := int(rel) * 4
			var character, attribute uint8
			if base+1 < len(v.vram) {
				character, attribute = v.vram[base], v.vram[base+1]
			}

			sel := (^attribute >> 3) & 1
			fontAddr := uint32(charScanline) + uint32(character)*32 + v.characterMap[sel]
			var font uint8
			if fontBase := int(fontAddr)*4 + 2; fontBase < len(v.vram) {
				font = v.vram[fontBase]
			}

			fg, bg := attribute&0xF, attribute>>4&0xF
			if cursorVisible && rel == cursorAddrRel && charScanline >= cursorStart && charScanline <= cursorEnd {
				bg = fg
			}
			if blinkPhaseOn {
				bg &= 7
				if attribute&0x80 != 0 {
					fg = bg
				}
			}
			if attribute&0b01110111 == 1 && charScanline == underlineLoc {
				bg = fg
			}

			fgColor := v.dacPalette[v.dacMask&v.attrPalette[fg]]
			bgColor := v.dacPalette[v.dacMask&v.attrPalette[bg]]

			x0 := col * cw
			for bit := 0; bit < 8 && x0+bit < w; bit++ {
				px := bgColor
				if font&(0x80>>uint(bit)) != 0 {
					px = fgColor
				}
				o := (y*w + x0 + bit) * 4
				dst[o], dst[o+1], dst[o+2], dst[o+3] = uint8(px>>16), uint8(px>>8), uint8(px), uint8(px>>24)
			}
			if cw == 9 && x0+8 < w {
				px := bgColor
				if character&lineGraphics == 0xC0 && font&1 != 0 {
					px = fgColor
				}
				o := (y*w + x0 + 8) * 4
				dst[o], dst[o+1], dst[o+2], dst[o+3] = uint8(px>>16), uint8(px>>8), uint8(px), uint8(px>>24)
			}
		}
	}
}

// render4BPP composes one frame of planar 16-color mode: four plane bytes
// at the same rel address contribute one bit each to a 4-bit DAC index,
// gated by the Color Plane Enable register and the CGA-compatible odd/even
// bank toggle, with AR13 pixel panning shifting the starting bit. Grounded
// on the RENDER_4BPP case of vga_update in
// original_source/src/hardware/vga.c.
func (v *VGA) render4BPP(dst []byte, w, h int) {
	charHeight := int(v.crt[9]&0x1F) + 1
	presetRowScan := int(v.crt[8] & 0x1F)
	doubled := v.crt[9]&0x80 != 0

	startAddrRel := uint32(v.crt[0x0C])<<8 | uint32(v.crt[0x0D])
	rowStride := v.rowStrideRel()
	enableMask := v.attr[0x12] & 0xF
	addressBitMapping := v.crt[0x17] & 1

	readPlanes := func(rel uint32) (p0, p1, p2, p3 uint8) {
		base := int(rel) * 4
		if base+3 < len(v.vram) {
			p0, p1, p2, p3 = v.vram[base], v.vram[base+1], v.vram[base+2], v.vram[base+3]
		}
		return
	}

	for y := 0; y < h; y++ {
		effectiveY := y
		if doubled {
			effectiveY = y / 2
		}
		scanlineWithPreset := effectiveY + presetRowScan
		row := scanlineWithPreset / charHeight
		charScanline := scanlineWithPreset % charHeight

		rel := startAddrRel + uint32(row)*rowStride
		if uint8(charScanline)&addressBitMapping != 0 {
			rel |= 0x8000
		}
		p0, p1, p2, p3 := readPlanes(rel)
		px := int(v.currentPixelPanning)

		for x := 0; x < w; x++ {
			if px > 7 {
				px = 0
				rel++
				p0, p1, p2, p3 = readPlanes(rel)
			}
			bit := uint8(0x80 >> uint(px))
			var pixel uint8
			if p0&bit != 0 {
				pixel |= 1
			}
			if p1&bit != 0 {
				pixel |= 2
			}
			if p2&bit != 0 {
				pixel |= 4
			}
			if p3&bit != 0 {
				pixel |= 8
			}
			pixel &= enableMask

			color := v.dacPalette[v.dacMask&v.attrPalette[pixel]]
			o := (y*w + x) * 4
			dst[o], dst[o+1], dst[o+2], dst[o+3] = uint8(color>>16), uint8(color>>8), uint8(color), uint8(color>>24)
			px++
		}
	}
}

// DirtyScanlines reports which scanlines changed since the last call and
// clears the dirty bitmap.
func (v *VGA) DirtyScanlines() []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	var lines []int
	for i, dirty := range v.scanlinesModified {
		if dirty {
			lines = append(lines, i)
			v.scanlinesModified[i] = false
		}
	}
	return lines
}
