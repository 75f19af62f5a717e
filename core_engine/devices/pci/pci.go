// Package pci implements the i440FX/PIIX3 PCI host bridge: configuration
// mechanism #1 at 0xCF8/0xCFC, per-device 256-byte configuration space
// with a write filter, the i440FX's 16-window PAM shadow-RAM permission
// table, the PIIX3 IDE BAR4 remap, and PIRQ[A-D] IRQ routing.
//
// Built fresh against original_source/src/hardware/pci.c (pci_write/
// pci_read, pci_82441fx_write, pci_82371sb_ide_remap, pci_set_irq_line),
// using the same per-device-struct/ports-in-constructor shape the rest
// of this package tree uses.
package pci

import (
	"sync"

	"example.com/ia32-core/core_engine/bus"
)

const (
	configAddrPort = 0xCF8
	configDataPort = 0xCFC

	pamWindows = 16
	pamBase    = 0xC0000
	pamWindowSize = 0x4000 // 16 KiB
)

// pamPermission is the 2-bit {read, write} permission for one 16 KiB
// shadow-RAM window.
type pamPermission uint8

const (
	pamRead  pamPermission = 1
	pamWrite pamPermission = 2
)

// WriteFilter is invoked with (offset, newValue) before a configuration
// write is committed; it may veto or transform the write by returning the
// value actually stored.
type WriteFilter func(offset uint8, value uint8) uint8

// Device is one PCI function's 256-byte configuration space.
type Device struct {
	bus, slot, fn uint8
	config        [256]byte
	filter        WriteFilter
}

// Bridge is the host bridge aggregate: config-cycle dispatch, PAM table,
// and PIRQ routing. Only bus 0 is populated.
type Bridge struct {
	mu sync.Mutex

	addr uint32 // last value written to 0xCF8

	devices map[uint16]*Device // key: slot<<3|fn

	pam    [pamWindows]pamPermission
	shadow []byte // guest RAM window backing C0000-FFFFF when PAM permits

	irq      bus.IntrLine
	pirq     [4]uint8 // PIRQ[A-D] -> 8259 IRQ line
	ioRouter *bus.Router
}

func key(slot, fn uint8) uint16 { return uint16(slot)<<3 | uint16(fn) }

// New creates the host bridge. shadowRAM is the slice of guest physical
// memory spanning C0000-FFFFF that PAM windows read/write through.
func New(irq bus.IntrLine, shadowRAM []byte) *Bridge {
	b := &Bridge{
		devices: make(map[uint16]*Device),
		shadow:  shadowRAM,
		irq:     irq,
	}
	b.addHostBridge()
	b.addISABridge()
	b.addIDEController()
	return b
}

// RegisterPorts wires 0xCF8/0xCFC and the C0000-FFFFF shadow-RAM MMIO
// window.
func (b *Bridge) RegisterPorts(r *bus.Router) {
	b.ioRouter = r
	r.RegisterPortWrite(configAddrPort, 4, func(_ uint32, v uint32) { b.mu.Lock(); b.addr = v; b.mu.Unlock() })
	r.RegisterPortRead(configAddrPort, 4, func(_ uint32) uint32 { b.mu.Lock(); defer b.mu.Unlock(); return b.addr })

	for off := uint16(0); off < 4; off++ {
		o := off
		r.RegisterPortWrite(configDataPort+o, 1, func(_ uint32, v uint32) { b.writeConfig(o, 1, v) })
		r.RegisterPortRead(configDataPort+o, 1, func(_ uint32) uint32 { return b.readConfig(o, 1) })
	}

	r.RegisterMMIO(pamBase, pamWindows*pamWindowSize,
		func(addr uint32, size int) uint32 { return b.readShadow(addr, size) },
		func(addr uint32, val uint32, size int) { b.writeShadow(addr, val, size) })

	r.RegisterReset(b.reset)
}

func (b *Bridge) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.pam {
		b.pam[i] = 0
	}
}

func (b *Bridge) addHostBridge() {
	d := &Device{bus: 0, slot: 0, fn: 0}
	// Vendor 8086 (Intel), device 1237 (82441FX), class 060000 (host bridge).
	copy(d.config[0:4], []byte{0x86, 0x80, 0x37, 0x12})
	d.config[0x0A] = 0x00
	d.config[0x0B] = 0x06
	d.filter = b.hostBridgeFilter
	b.devices[key(0, 0)] = d
}

func (b *Bridge) addISABridge() {
	d := &Device{bus: 0, slot: 1, fn: 0}
	copy(d.config[0:4], []byte{0x86, 0x80, 0x00, 0x70}) // 82371SB ISA
	d.config[0x0A] = 0x01
	d.config[0x0B] = 0x06
	d.filter = b.isaBridgeFilter
	b.devices[key(1, 0)] = d
}

func (b *Bridge) addIDEController() {
	d := &Device{bus: 0, slot: 1, fn: 1}
	copy(d.config[0:4], []byte{0x86, 0x80, 0x10, 0x70}) // 82371SB IDE
	d.config[0x0A] = 0x01
	d.config[0x0B] = 0x01
	d.filter = b.ideBridgeFilter
	b.devices[key(1, 1)] = d
}

// writeConfig dispatches through the mechanism-#1 address register: bus,
// device, function, and register offset are packed in b.addr as the
// reference source's pci_write does.
func (b *Bridge) writeConfig(dataOffset uint16, size int, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.addr&0x80000000 == 0 {
		return // config cycles disabled
	}
	slot := uint8(b.addr >> 11 & 0x1F)
	fn := uint8(b.addr >> 8 & 0x7)
	reg := uint8(b.addr&0xFC) + uint8(dataOffset)
	d := b.devices[key(slot, fn)]
	if d == nil {
		return
	}
	for i := 0; i < size; i++ {
		off := reg + uint8(i)
		byteVal := uint8(v >> (8 * uint(i)))
		if d.filter != nil {
			byteVal = d.filter(off, byteVal)
		}
		d.config[off] = byteVal
	}
}

func (b *Bridge) readConfig(dataOffset uint16, size int) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.addr&0x80000000 == 0 {
		return 0xFFFFFFFF
	}
	slot := uint8(b.addr >> 11 & 0x1F)
	fn := uint8(b.addr >> 8 & 0x7)
	reg := uint8(b.addr&0xFC) + uint8(dataOffset)
	d := b.devices[key(slot, fn)]
	if d == nil {
		return 0xFFFFFFFF
	}
	var v uint32
	for i := 0; i < size; i++ {
		v |= uint32(d.config[reg+uint8(i)]) << (8 * uint(i))
	}
	return v
}

// hostBridgeFilter implements PAM permission programming: config offset
// 0x59's high nibble covers the BIOS area F0000-FFFFF (the last four
// 16 KiB windows); 0x5A-0x5F each hold two nibble-permissions covering two
// 16 KiB windows from C0000 up, following pci_82441fx_write.
func (b *Bridge) hostBridgeFilter(offset, value uint8) uint8 {
	if offset == 0x59 {
		hi := pamPermission(value >> 4 & 0x3)
		for i := 12; i < pamWindows; i++ {
			b.pam[i] = hi
		}
	} else if offset >= 0x5A && offset <= 0x5F {
		b.setPAMPair(2*(int(offset)-0x5A), value)
	}
	return value
}

func (b *Bridge) setPAMPair(winBase int, value uint8) {
	lowPerm := pamPermission(value & 0x3)
	highPerm := pamPermission(value >> 4 & 0x3)
	if winBase >= 0 && winBase < pamWindows {
		b.pam[winBase] = lowPerm
	}
	if winBase+1 >= 0 && winBase+1 < pamWindows {
		b.pam[winBase+1] = highPerm
	}
}

// isaBridgeFilter handles PIRQ[A-D] routing registers (0x60-0x63). Other
// offsets, including the IOAPIC-enable byte at 0x4F, are stored with no
// side effect; PIRQ routing always goes through the 8259 pair.
func (b *Bridge) isaBridgeFilter(offset, value uint8) uint8 {
	switch {
	case offset >= 0x60 && offset <= 0x63:
		b.pirq[offset-0x60] = value & 0x0F
	}
	return value
}

// ideBridgeFilter triggers a BAR4 I/O-window re-registration whenever byte
// 3 (bits 31:24, the low byte actually carrying the I/O base in a 16-byte
// aligned BAR) of BAR4 is written, per pci_82371sb_ide_remap.
func (b *Bridge) ideBridgeFilter(offset, value uint8) uint8 {
	if offset == 0x23 {
		newBase := uint16(value) << 8 &^ 0xF
		b.remapIDEBAR4(newBase)
	}
	return value
}

func (b *Bridge) remapIDEBAR4(base uint16) {
	// The actual 16-port bus-master IDE register block is out of this
	// core's scope (no block-device model, per this core's explicit
	// exclusion of block-device images); re-registration is a no-op hook
	// kept so the write-filter contract matches the reference source.
	_ = base
}

// SetIRQLine routes a device's INT# pin through its slot number to a
// PIRQ register and on to the 8259 pair, implementing pci_set_irq_line.
func (b *Bridge) SetIRQLine(slot uint8, intPin uint8, assert bool) {
	b.mu.Lock()
	pirqIdx := (slot + intPin) & 3
	line := b.pirq[pirqIdx]
	b.mu.Unlock()
	if line >= 0x10 || b.irq == nil {
		return
	}
	if assert {
		b.irq.RaiseIRQ(line)
	} else {
		b.irq.LowerIRQ(line)
	}
}

func (b *Bridge) windowIndex(addr uint32) int {
	return int((addr - pamBase) / pamWindowSize)
}

func (b *Bridge) readShadow(addr uint32, size int) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.windowIndex(addr)
	if idx < 0 || idx >= pamWindows || b.pam[idx]&pamRead == 0 {
		return 0xFFFFFFFF
	}
	off := int(addr - pamBase)
	var v uint32
	for i := 0; i < size && off+i < len(b.shadow); i++ {
		v |= uint32(b.shadow[off+i]) << (8 * uint(i))
	}
	return v
}

func (b *Bridge) writeShadow(addr uint32, val uint32, size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.windowIndex(addr)
	if idx < 0 || idx >= pamWindows || b.pam[idx]&pamWrite == 0 {
		return
	}
	off := int(addr - pamBase)
	for i := 0; i < size && off+i < len(b.shadow); i++ {
		b.shadow[off+i] = uint8(val >> (8 * uint(i)))
	}
}

// PAMPermission exposes the current permission of window i for savestate
// and test inspection.
func (b *Bridge) PAMPermission(i int) (read, write bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pam[i]
	return p&pamRead != 0, p&pamWrite != 0
}
