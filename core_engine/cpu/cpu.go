// Package cpu implements the IA-32 execution engine: the register file,
// lazy EFLAGS, segment descriptor caches, and a decoded-trace-cache
// dispatch loop keyed by (physical EIP, state hash), replacing the host
// repo's KVM-ioctl virtual CPU with a software interpreter.
//
// The loop shape (Run switching on an exit reason, interrupt injection,
// a per-iteration device poll) is kept from core_engine/vcpu.go's Run
// method; the KVM_RUN ioctl and kvm_run mmap window it drove are gone,
// replaced by the trace cache described in trace.go. Exit reasons and
// the state-id surface follow original_source/include/cpuapi.h
// (EXIT_STATUS_NORMAL/IRQ/ASYNC/HLT) and
// original_source/include/cpu/libcpu.h (CPU_EFLAGS/CPU_EIP/CPU_CR state
// IDs, the mmio/io read/write callback registration contract).
package cpu

import (
	"example.com/ia32-core/core_engine/bus"
	"example.com/ia32-core/core_engine/mmu"
)

// Exit reasons, matching EXIT_STATUS_* in cpuapi.h.
const (
	ExitNormal = iota
	ExitIRQ
	ExitAsync
	ExitHLT
)

type accessKind int

const (
	accessKindCode accessKind = iota
	accessKindData
	accessKindStack
)

// GeneralProtectionFault is raised on a segment/privilege violation.
type GeneralProtectionFault struct{ Selector uint16 }

func (e *GeneralProtectionFault) Error() string { return "general protection fault" }

// PageFault wraps mmu.Fault with the CR2 value the CPU must expose.
type PageFault struct {
	Addr uint32
	Code uint32
}

func (e *PageFault) Error() string { return "page fault" }

// InterruptSource is the capability the CPU polls each time it is about
// to commit to a run: does it have a vector ready, and (if delivered)
// what is it. apic.LAPIC implements this; the machine installs it through
// SetInterruptSource.
type InterruptSource interface {
	HasInterrupt() bool
	GetInterrupt() int
}

// Scheduled is any device whose next event time bounds how long the CPU
// may run uninterrupted (the PIT and the local APIC timer; the CMOS and
// ACPI PM timers are ticked by the machine's Step loop instead).
type Scheduled interface {
	Next(now int64) int64
	Tick(now int64)
}

// CPU is the guest execution engine.
type CPU struct {
	regs [8]uint32 // EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI
	segs [segCount]Segment

	eip       uint32 // virtual EIP (offset within CS)
	linearEIP uint32
	physEIP   uint32

	cr0, cr2, cr3, cr4 uint32
	dr                 [8]uint32

	flagsBase uint32
	lazy      lazyFlags

	gdtBase, gdtLimit uint32
	idtBase, idtLimit uint32
	ldtBase, ldtLimit uint32

	stateHash uint8

	cycles       int64
	fastReturn   bool
	cancelReason int
	intrLine     bool
	halted       bool

	mem  []byte
	mmu  *mmu.MMU
	bus  *bus.Router
	intr InterruptSource
	ack  func(vector int) // pic-ack callback fired once a vector is consumed

	scheduled []Scheduled

	traces map[traceKey]*trace

	fpu FPU
}

// New creates a CPU over the given flat guest memory, MMU, and IO router.
// intr is polled for a deliverable vector; ack is invoked (if non-nil)
// once a vector has been fetched, mirroring cpu_register_pic_ack.
func New(mem []byte, m *mmu.MMU, router *bus.Router, intr InterruptSource, ack func(int)) *CPU {
	c := &CPU{mem: mem, mmu: m, bus: router, intr: intr, ack: ack}
	c.traces = make(map[traceKey]*trace)
	c.Reset()
	return c
}

// AddScheduled registers a device whose Next()/Tick() bounds CPU runs.
func (c *CPU) AddScheduled(s Scheduled) { c.scheduled = append(c.scheduled, s) }

// SetInterruptSource wires the polled interrupt source after construction,
// resolving the CPU/LAPIC cyclic dependency: apic.NewLAPIC needs a
// bus.CPUControl handle (the CPU itself) before it exists, so callers
// build the CPU with a nil source, construct the LAPIC from it, then call
// this to close the loop.
func (c *CPU) SetInterruptSource(intr InterruptSource) { c.intr = intr }

// SetAck installs the callback fired once a polled vector has been
// consumed (mirroring cpu_register_pic_ack).
func (c *CPU) SetAck(ack func(vector int)) { c.ack = ack }

// Reset restores power-on state: real mode, CS:IP = F000:FFF0 (the
// standard BIOS entry point), flat data segments, paging disabled.
func (c *CPU) Reset() {
	c.regs = [8]uint32{}
	c.cr0, c.cr2, c.cr3, c.cr4 = 0x60000010, 0, 0, 0
	c.flagsBase = 0
	c.lazy = lazyFlags{}
	c.halted = false
	c.intrLine = false
	c.fastReturn = false

	c.segs[SegCS] = Segment{Selector: 0xF000, Base: 0xFFFF0000, Limit: 0xFFFF}
	flat := Segment{Selector: 0, Base: 0, Limit: 0xFFFF}
	c.segs[SegDS] = flat
	c.segs[SegES] = flat
	c.segs[SegSS] = flat
	c.segs[SegFS] = flat
	c.segs[SegGS] = flat

	c.eip = 0xFFF0
	c.syncEIP()
	c.traces = make(map[traceKey]*trace)
	c.fpu.Reset()
}

// FPU exposes the x87/MMX/SSE register file and MSR set for attaching a
// Softfloat collaborator and for RDMSR/WRMSR-equivalent host access.
func (c *CPU) FPU() *FPU { return &c.fpu }

// RaiseIntrLine implements bus.CPUControl.
func (c *CPU) RaiseIntrLine() { c.intrLine = true }

// LowerIntrLine implements bus.CPUControl.
func (c *CPU) LowerIntrLine() { c.intrLine = false }

// CancelExecutionCycle implements bus.CPUControl: request a break at the
// next instruction boundary, recording reason for the caller of Run.
func (c *CPU) CancelExecutionCycle(reason int) {
	c.fastReturn = true
	c.cancelReason = reason
}

// AddCycles implements bus.CPUControl.
func (c *CPU) AddCycles(n int64) { c.cycles += n }

// GetCycles implements bus.CPUControl.
func (c *CPU) GetCycles() int64 { return c.cycles }

func (c *CPU) syncEIP() {
	c.linearEIP = c.segs[SegCS].Base + c.eip
	if phys, err := c.mmu.Translate(c.linearEIP, mmu.AccessSystemRead, int(c.cpl())); err == nil {
		c.physEIP = phys
	} else {
		c.physEIP = c.linearEIP
	}
	c.computeStateHash()
}

func (c *CPU) computeStateHash() {
	var h uint8
	if c.segs[SegCS].DB {
		h |= 1
	}
	if c.segs[SegSS].DB {
		h |= 2
	}
	h |= uint8(c.cpl()) << 2
	if c.cr0&1 != 0 {
		h |= 1 << 4
	}
	if c.Flags()&flagVM != 0 {
		h |= 1 << 5
	}
	c.stateHash = h
}

// Run executes guest instructions until budget cycles have elapsed or an
// exit condition (HLT, device-requested break, deliverable interrupt) is
// reached. It returns the exit reason.
func (c *CPU) Run(budget int64) int {
	deadline := c.cycles + budget
	c.fastReturn = false

	for c.cycles < deadline {
		if c.scheduled != nil {
			c.pollScheduled()
		}

		if c.intrLine && c.intr != nil && c.intr.HasInterrupt() && c.Flags()&flagIF != 0 && !c.halted {
			vector := c.intr.GetInterrupt()
			if vector >= 0 {
				c.deliverInterrupt(uint8(vector), false, 0)
				if c.ack != nil {
					c.ack(vector)
				}
				return ExitIRQ
			}
		}

		if c.halted {
			if !c.intrLine {
				return ExitHLT
			}
			c.halted = false
		}

		if c.fastReturn {
			return ExitAsync
		}

		tr := c.lookupTrace()
		executed := c.execTrace(tr)
		c.cycles += executed
	}
	return ExitNormal
}

func (c *CPU) pollScheduled() {
	min := int64(1 << 62)
	for _, s := range c.scheduled {
		if n := s.Next(c.cycles); n < min {
			min = n
		}
	}
	if min <= 0 {
		for _, s := range c.scheduled {
			s.Tick(c.cycles)
		}
	}
}

// Halt marks the CPU halted after a HLT instruction; Run returns ExitHLT
// while it stays halted and the INTR line is low.
func (c *CPU) Halt() { c.halted = true }

// GetReg32/SetReg32 expose the general-purpose register file for debug
// and savestate use.
func (c *CPU) GetReg32(i int) uint32  { return c.regs[i] }
func (c *CPU) SetReg32(i int, v uint32) { c.regs[i] = v }

// EIP/SetEIP expose the virtual instruction pointer.
func (c *CPU) EIP() uint32 { c.syncEIP(); return c.eip }
func (c *CPU) SetEIP(v uint32) {
	c.eip = v
	c.syncEIP()
}

// Segment returns the descriptor cache for one of the Seg* constants.
func (c *CPU) Segment(seg int) Segment { return c.segs[seg] }

// CR returns one of the four control registers.
func (c *CPU) CR(n int) uint32 {
	switch n {
	case 0:
		return c.cr0
	case 2:
		return c.cr2
	case 3:
		return c.cr3
	case 4:
		return c.cr4
	}
	return 0
}

// SetCR writes one of the four control registers, propagating CR0/CR3/CR4
// changes into the MMU (which decides whether a TLB flush is needed).
func (c *CPU) SetCR(n int, v uint32) {
	switch n {
	case 0:
		c.cr0 = v
		c.mmu.SetCR0(v)
	case 2:
		c.cr2 = v
	case 3:
		c.cr3 = v
		c.mmu.SetCR3(v)
	case 4:
		c.cr4 = v
		c.mmu.SetCR4(v)
	}
	c.computeStateHash()
}
