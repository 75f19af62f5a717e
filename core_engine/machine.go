// Package core_engine assembles the device packages, the MMU, and the
// software CPU into one runnable machine, replacing the KVM-backed
// VirtualMachine/VCPU pair with a self-contained interpreter: no /dev/kvm,
// no guest-physical identity mapping handed to hardware, and no ioctl exit
// loop. The device set, port map, and PCI/PAM wiring are unchanged from
// the KVM build; only the execution engine underneath them is new.
package core_engine

import (
	"fmt"
	"os"
	"time"

	"example.com/ia32-core/core_engine/bus"
	"example.com/ia32-core/core_engine/cpu"
	"example.com/ia32-core/core_engine/devices/acpi"
	"example.com/ia32-core/core_engine/devices/apic"
	"example.com/ia32-core/core_engine/devices/cmos"
	"example.com/ia32-core/core_engine/devices/dma"
	"example.com/ia32-core/core_engine/devices/kbc"
	"example.com/ia32-core/core_engine/devices/pci"
	"example.com/ia32-core/core_engine/devices/pic"
	"example.com/ia32-core/core_engine/devices/pit"
	"example.com/ia32-core/core_engine/devices/serial"
	"example.com/ia32-core/core_engine/devices/vga"
	"example.com/ia32-core/core_engine/mmu"
	"example.com/ia32-core/core_engine/savestate"
)

const (
	shadowRAMBase = 0xC0000
	shadowRAMEnd  = 0x100000
	pitHz         = 1193182
	cyclesPerHz   = 1_000_000_000 // treat one CPU "cycle" as one emulated nanosecond
)

// flatMemory adapts a plain byte slice to mmu.Memory.
type flatMemory []byte

func (m flatMemory) Bytes() []byte { return m }

// pitSchedule bridges pit.PIT's relative (Next()/Tick(elapsed)) contract to
// cpu.Scheduled's absolute-cycle one.
type pitSchedule struct {
	pit  *pit.PIT
	last int64
}

func (s *pitSchedule) Next(now int64) int64 { return s.pit.Next() }
func (s *pitSchedule) Tick(now int64) {
	elapsed := now - s.last
	s.last = now
	s.pit.Tick(elapsed)
}

// lapicSchedule adapts apic.LAPIC: Next already fires the timer LVT entry
// internally when its deadline passes, so Tick is a no-op.
type lapicSchedule struct{ lapic *apic.LAPIC }

func (s *lapicSchedule) Next(now int64) int64 { return s.lapic.Next(now) }
func (s *lapicSchedule) Tick(now int64)       {}

// shutdownRequest implements acpi.SoftOff.
type shutdownRequest struct{ m *Machine }

func (s shutdownRequest) RequestShutdown() { s.m.shutdownRequested = true }

// cpuReset implements kbc.Reset: the KBC pulses this when the guest writes
// the output port with the system-reset bit low.
type cpuReset struct{ m *Machine }

func (r cpuReset) Reset() { r.m.cpu.Reset() }

// Machine is the assembled IA-32 PC: flat guest memory, the IO router, the
// MMU, the CPU, and the device set wired onto both.
type Machine struct {
	mem  []byte
	bus  *bus.Router
	mmu  *mmu.MMU
	cpu  *cpu.CPU

	pic    *pic.Pair
	pitDev *pit.PIT
	cmos   *cmos.CMOS
	dma    *dma.Pair
	pciBr  *pci.Bridge
	kbc    *kbc.KBC
	acpi   *acpi.ACPI
	lapic  *apic.LAPIC
	ioapic *apic.IOAPIC
	vga    *vga.VGA
	uart   *serial.UART

	lastRealTick      time.Time
	shutdownRequested bool

	state *savestate.Registrar
}

// NewMachine builds a machine with memSize bytes of guest RAM and a
// vramSize-byte VGA framebuffer.
func NewMachine(memSize, vramSize int) (*Machine, error) {
	if memSize < shadowRAMEnd {
		return nil, fmt.Errorf("core_engine: memory size %d too small for the legacy shadow RAM window", memSize)
	}

	m := &Machine{mem: make([]byte, memSize), bus: bus.NewRouter()}
	m.lastRealTick = time.Now()

	m.mmu = mmu.New(flatMemory(m.mem), func() {
		if m.cpu != nil {
			m.cpu.InvalidateAllTraces()
		}
	})

	// The CPU needs an InterruptSource (the LAPIC) that in turn needs the
	// CPU as a bus.CPUControl handle; build the CPU first with no source,
	// then close the loop once the LAPIC exists. The invalidateTraces
	// closure above captures m, not m.cpu directly, so it stays valid once
	// m.cpu is assigned here.
	m.cpu = cpu.New(m.mem, m.mmu, m.bus, nil, nil)

	m.lapic = apic.NewLAPIC(m.cpu, true)
	m.cpu.SetInterruptSource(m.lapic)
	m.cpu.AddScheduled(&lapicSchedule{lapic: m.lapic})

	m.ioapic = apic.NewIOAPIC(m.lapic)
	m.lapic.AttachIOAPIC(m.ioapic)

	m.pic = pic.New(m.cpu, m.ioapic, true)
	m.pitDev = pit.New(m.pic, cyclesPerHz/pitHz)
	m.cpu.AddScheduled(&pitSchedule{pit: m.pitDev})

	m.cmos = cmos.New(time.Now(), m.pic)
	m.dma = dma.New()
	m.pciBr = pci.New(m.pic, m.mem[shadowRAMBase:shadowRAMEnd])
	m.kbc = kbc.New(m.pic, m.pic, a20Gate{m.mmu}, cpuReset{m})
	m.acpi = acpi.New(m.pic, shutdownRequest{m})

	var err error
	m.vga, err = vga.New(vramSize)
	if err != nil {
		return nil, fmt.Errorf("core_engine: vga init: %w", err)
	}
	m.uart = serial.New(os.Stdout, m.pic)

	m.state = savestate.NewRegistrar()
	m.state.Register("cpu", m.cpu)
	m.state.Register("mmu", m.mmu)

	m.pic.RegisterPorts(m.bus)
	m.pitDev.RegisterPorts(m.bus)
	m.cmos.RegisterPorts(m.bus)
	m.dma.RegisterPorts(m.bus)
	m.pciBr.RegisterPorts(m.bus)
	m.kbc.RegisterPorts(m.bus)
	m.acpi.RegisterPorts(m.bus)
	m.lapic.RegisterMMIO(m.bus)
	m.ioapic.RegisterMMIO(m.bus)
	m.vga.RegisterPorts(m.bus)
	m.uart.RegisterPorts(m.bus)

	m.cpu.Reset()
	return m, nil
}

// a20Gate implements kbc.A20 over the MMU's gate.
type a20Gate struct{ mmu *mmu.MMU }

func (g a20Gate) SetA20(enabled bool) { g.mmu.SetA20(enabled) }

// LoadImage copies image into guest memory at the given physical address.
func (m *Machine) LoadImage(image []byte, address uint32) error {
	if int(address)+len(image) > len(m.mem) {
		return fmt.Errorf("core_engine: image of %d bytes at 0x%x overruns %d-byte guest memory", len(image), address, len(m.mem))
	}
	copy(m.mem[address:], image)
	return nil
}

// Step runs the CPU for up to budget cycles, ticks the wall-clock-scheduled
// devices (CMOS RTC, ACPI PM timer), and returns the CPU exit reason.
func (m *Machine) Step(budget int64) int {
	reason := m.cpu.Run(budget)

	now := time.Now()
	if now.Sub(m.lastRealTick) > 0 {
		m.lastRealTick = now
		if m.cmos.Next() <= 0 {
			m.cmos.Tick()
		}
		if m.acpi.Next() <= 0 {
			m.acpi.Tick()
		}
	}
	return reason
}

// ShutdownRequested reports whether the guest issued an ACPI soft-off.
func (m *Machine) ShutdownRequested() bool { return m.shutdownRequested }

// Close releases the VGA device's mapped VRAM.
func (m *Machine) Close() {
	if m.vga != nil {
		m.vga.Close()
	}
}

// CPU exposes the execution engine for debug/savestate use.
func (m *Machine) CPU() *cpu.CPU { return m.cpu }

// VGA exposes the display adapter so a frontend can pull frames.
func (m *Machine) VGA() *vga.VGA { return m.vga }

// PushSerialByte feeds one byte into the UART's receive side, as if typed
// on a host-side console attached to COM1.
func (m *Machine) PushSerialByte(b byte) { m.uart.PushByte(b) }

// PushKeyScancode feeds one PS/2 scancode into the keyboard controller.
func (m *Machine) PushKeyScancode(b byte) { m.kbc.PushScancode(b) }

// SaveState snapshots every registered component (currently the CPU's
// architectural registers and the MMU's paging configuration) into one
// opaque blob a frontend can write to disk.
func (m *Machine) SaveState() ([]byte, error) { return m.state.Save() }

// LoadState restores a snapshot previously produced by SaveState.
func (m *Machine) LoadState(data []byte) error { return m.state.Load(data) }
