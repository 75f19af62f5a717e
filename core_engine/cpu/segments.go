package cpu

// Segment descriptor caches: real, protected (16/32-bit) and VM86 modes
// all load through loadSegment, which checks the selector against the
// table limit, the present bit, and (for CS/SS) RPL against CPL once at
// selector-load time and caches the result, instead of re-walking the
// GDT/LDT on every memory access. Descriptor type and DPL are not checked.
//
// Grounded on original_source/include/cpu/libcpu.h's CPUPTR_SEG_DESC /
// CPUPTR_SEG_LIMIT / CPUPTR_SEG_BASE / CPUPTR_SEG_ACCESS state IDs, which
// name exactly this base/limit/access-byte cache as the unit the host
// reads back instead of the raw selector.

const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	segCount
)

// Segment is the descriptor cache populated from a GDT/LDT entry (or
// synthesized directly in real/VM86 mode) on selector load.
type Segment struct {
	Selector uint16
	Base     uint32
	Limit    uint32
	Access   uint8 // raw access byte: present, DPL, type
	DB       bool  // default operand/address size (32-bit) for code/stack segs
	Granular bool  // limit is in 4 KiB units
}

const (
	accPresent = 1 << 7
	accTypeCode = 1 << 3
)

func (s Segment) dpl() uint8 { return (s.Access >> 5) & 3 }

// gdtEntry mirrors the 8-byte descriptor layout.
type gdtEntry struct {
	base, limit uint32
	access      uint8
	granular    bool
	db          bool
}

func decodeDescriptor(lo, hi uint32) gdtEntry {
	limit := lo & 0xFFFF
	limit |= (hi & 0xF0000)
	base := (lo >> 16) | ((hi & 0xFF) << 16) | ((hi >> 24) << 24)
	access := uint8(hi >> 8)
	granular := hi&(1<<23) != 0
	db := hi&(1<<22) != 0
	if granular {
		limit = (limit << 12) | 0xFFF
	}
	return gdtEntry{base: base, limit: limit, access: access, granular: granular, db: db}
}

// loadSegment resolves selector against the GDT (or LDT, if selector bit 2
// is set and an LDT base is installed) and installs the descriptor cache.
// In real mode or VM86 mode the selector directly becomes base<<4 with a
// flat 64 KiB limit, matching real-mode segmentation exactly.
func (c *CPU) loadSegment(seg int, selector uint16) error {
	if c.cr0&1 == 0 || c.Flags()&flagVM != 0 {
		c.segs[seg] = Segment{Selector: selector, Base: uint32(selector) << 4, Limit: 0xFFFF, DB: false}
		return nil
	}

	if selector&0xFFFC == 0 && seg != SegCS && seg != SegSS {
		c.segs[seg] = Segment{Selector: 0}
		return nil
	}

	tableBase, tableLimit := c.gdtBase, c.gdtLimit
	if selector&4 != 0 {
		tableBase, tableLimit = c.ldtBase, c.ldtLimit
	}
	idx := uint32(selector &^ 7)
	if idx+7 > tableLimit {
		return &GeneralProtectionFault{Selector: selector}
	}
	entryAddr := tableBase + idx
	lo := c.readPhys32(entryAddr)
	hi := c.readPhys32(entryAddr + 4)
	d := decodeDescriptor(lo, hi)

	if d.access&accPresent == 0 {
		return &GeneralProtectionFault{Selector: selector}
	}
	rpl := selector & 3
	if (seg == SegCS || seg == SegSS) && rpl != c.cpl() {
		return &GeneralProtectionFault{Selector: selector}
	}

	c.segs[seg] = Segment{
		Selector: selector,
		Base:     d.base,
		Limit:    d.limit,
		Access:   d.access,
		DB:       d.db,
		Granular: d.granular,
	}
	return nil
}

func (c *CPU) cpl() uint16 {
	return c.segs[SegCS].Selector & 3
}

// readPhys32 is a GDT/LDT-walk helper; descriptor tables always live in
// conventional RAM reachable without a full MMU translation in the modes
// that matter here (paging applies to linear addresses, and the GDTR/LDTR
// bases are themselves physical/linear per the standard architecture, so
// this goes through the same Translate+phys-read path as any other access).
func (c *CPU) readPhys32(linear uint32) uint32 {
	v, _ := c.Read32(linear, accessKindData)
	return v
}
