package cpu

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// snapshot is the gob-encodable mirror of everything Reset doesn't already
// re-derive: the register file, segment caches, control/debug registers,
// the lazy EFLAGS record, and the halted/interrupt-line latches. The
// fields mirror the state IDs original_source/include/cpu/libcpu.h reads
// back individually (CPU_EIP, CPU_CR, CPU_EFLAGS, ...), collapsed into one
// struct since Go has no equivalent of that per-field query API.
type snapshot struct {
	Regs [8]uint32
	Segs [segCount]Segment

	EIP uint32

	CR0, CR2, CR3, CR4 uint32
	DR                 [8]uint32

	FlagsBase uint32

	// lazyFlags fields flattened out since gob only encodes exported
	// fields and lazyFlags keeps all of its state unexported.
	LazyKind        opKind
	LazyWidth       width
	LazyDst, LazySrc uint32
	LazyResult      uint32

	GDTBase, GDTLimit uint32
	IDTBase, IDTLimit uint32
	LDTBase, LDTLimit uint32

	Cycles   int64
	IntrLine bool
	Halted   bool

	// FPU fields flattened out the same way, since FPU also keeps its
	// register file unexported.
	FPUSt          [8]Float80
	FPUTagWord     uint16
	FPUStatusWord  uint16
	FPUControlWord uint16
	FPUXmm         [16][16]byte
	FPUMxcsr       uint32
	SysenterCS     uint32
	SysenterESP    uint32
	SysenterEIP    uint32
	APICBase       uint64
	MTRRFixed      [11]uint64
	MTRRVarBase    [8]uint64
	MTRRVarMask    [8]uint64
	MTRRDefType    uint64
	PAT            uint64
}

// SaveState captures the architectural register state for the savestate
// registrar; the trace cache and TLB are not part of it; they are rebuilt
// lazily from whatever SetCR/Reset calls follow a restore.
func (c *CPU) SaveState() ([]byte, error) {
	s := snapshot{
		Regs:      c.regs,
		Segs:      c.segs,
		EIP:       c.eip,
		CR0:       c.cr0,
		CR2:       c.cr2,
		CR3:       c.cr3,
		CR4:       c.cr4,
		DR:        c.dr,
		FlagsBase:  c.flagsBase,
		LazyKind:   c.lazy.kind,
		LazyWidth:  c.lazy.w,
		LazyDst:    c.lazy.dst,
		LazySrc:    c.lazy.src,
		LazyResult: c.lazy.result,
		GDTBase:    c.gdtBase,
		GDTLimit:  c.gdtLimit,
		IDTBase:   c.idtBase,
		IDTLimit:  c.idtLimit,
		LDTBase:   c.ldtBase,
		LDTLimit:  c.ldtLimit,
		Cycles:    c.cycles,
		IntrLine:  c.intrLine,
		Halted:    c.halted,

		FPUSt:          c.fpu.st,
		FPUTagWord:     c.fpu.tagWord,
		FPUStatusWord:  c.fpu.statusWord,
		FPUControlWord: c.fpu.controlWord,
		FPUXmm:         c.fpu.xmm,
		FPUMxcsr:       c.fpu.mxcsr,
		SysenterCS:     c.fpu.sysenterCS,
		SysenterESP:    c.fpu.sysenterESP,
		SysenterEIP:    c.fpu.sysenterEIP,
		APICBase:       c.fpu.apicBase,
		MTRRFixed:      c.fpu.mtrrFixed,
		MTRRVarBase:    c.fpu.mtrrVarBase,
		MTRRVarMask:    c.fpu.mtrrVarMask,
		MTRRDefType:    c.fpu.mtrrDefType,
		PAT:            c.fpu.pat,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&s); err != nil {
		return nil, fmt.Errorf("cpu: save state: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadState restores a snapshot produced by SaveState and drops every
// cached trace, since cached blocks may assume a different CR0/CR3 than
// the one being restored.
func (c *CPU) LoadState(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("cpu: load state: %w", err)
	}
	c.regs = s.Regs
	c.segs = s.Segs
	c.eip = s.EIP
	c.cr0, c.cr2, c.cr3, c.cr4 = s.CR0, s.CR2, s.CR3, s.CR4
	c.dr = s.DR
	c.flagsBase = s.FlagsBase
	c.lazy = lazyFlags{kind: s.LazyKind, w: s.LazyWidth, dst: s.LazyDst, src: s.LazySrc, result: s.LazyResult}
	c.gdtBase, c.gdtLimit = s.GDTBase, s.GDTLimit
	c.idtBase, c.idtLimit = s.IDTBase, s.IDTLimit
	c.ldtBase, c.ldtLimit = s.LDTBase, s.LDTLimit
	c.cycles = s.Cycles
	c.intrLine = s.IntrLine
	c.halted = s.Halted

	c.fpu.st = s.FPUSt
	c.fpu.tagWord = s.FPUTagWord
	c.fpu.statusWord = s.FPUStatusWord
	c.fpu.controlWord = s.FPUControlWord
	c.fpu.xmm = s.FPUXmm
	c.fpu.mxcsr = s.FPUMxcsr
	c.fpu.sysenterCS = s.SysenterCS
	c.fpu.sysenterESP = s.SysenterESP
	c.fpu.sysenterEIP = s.SysenterEIP
	c.fpu.apicBase = s.APICBase
	c.fpu.mtrrFixed = s.MTRRFixed
	c.fpu.mtrrVarBase = s.MTRRVarBase
	c.fpu.mtrrVarMask = s.MTRRVarMask
	c.fpu.mtrrDefType = s.MTRRDefType
	c.fpu.pat = s.PAT

	c.InvalidateAllTraces()
	c.syncEIP()
	return nil
}
