package cpu

// Lazy EFLAGS: arithmetic status flags are not computed at every ALU
// operation. Instead the operands, result, width and operation kind of
// the *last* flag-setting instruction are kept, and SF/ZF/AF/PF/CF/OF are
// derived on demand (PUSHF, interrupt entry, host queries) by lazyFlags.eval.
//
// Grounded on original_source/include/cpuapi.h's CPU_EFLAGS state-id
// (EFLAGS is read/written as a flat 32-bit value at the API boundary,
// which is exactly the "translate to flat EFLAGS on demand" contract this
// lazy representation implements).

type opKind int

const (
	opNone opKind = iota
	opAdd
	opSub
	opAnd
	opOr
	opXor
	opInc
	opDec
	opShl
	opShr
	opSar
	opRotate
	opLiteral // the six status bits are stored directly in src, not derived
)

type width int

const (
	width8 width = 1 << iota
	width16
	width32
)

// lazyFlags is the sum-of-cases record kept instead of eagerly computed
// status bits.
type lazyFlags struct {
	kind      opKind
	w         width
	dst, src  uint32 // operands as presented to the op (src meaning depends on kind)
	result    uint32 // the result after the op, truncated to w
}

const (
	flagCF = 1 << 0
	flagPF = 1 << 2
	flagAF = 1 << 4
	flagZF = 1 << 6
	flagSF = 1 << 7
	flagTF = 1 << 8
	flagIF = 1 << 9
	flagDF = 1 << 10
	flagOF = 1 << 11
	flagIOPL = 3 << 12
	flagNT = 1 << 14
	flagRF = 1 << 16
	flagVM = 1 << 17
	flagAC = 1 << 18
)

func signBit(w width) uint32 {
	switch w {
	case width8:
		return 0x80
	case width16:
		return 0x8000
	default:
		return 0x80000000
	}
}

func mask(w width) uint32 {
	switch w {
	case width8:
		return 0xFF
	case width16:
		return 0xFFFF
	default:
		return 0xFFFFFFFF
	}
}

func parity(b uint8) bool {
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1
	return b&1 == 0
}

// eval derives the six dynamic status flags from the recorded operation.
func (f lazyFlags) eval() (cf, pf, af, zf, sf, of bool) {
	if f.kind == opLiteral {
		return f.src&flagCF != 0, f.src&flagPF != 0, f.src&flagAF != 0,
			f.src&flagZF != 0, f.src&flagSF != 0, f.src&flagOF != 0
	}

	m := mask(f.w)
	res := f.result & m
	pf = parity(uint8(res))
	zf = res == 0
	sf = res&signBit(f.w) != 0

	switch f.kind {
	case opAdd, opInc:
		sum := uint64(f.dst) + uint64(f.src)
		cf = f.kind == opAdd && sum&^uint64(m) != 0
		af = (f.dst^f.src^res)&0x10 != 0
		of = (^(f.dst^f.src))&(f.dst^res)&signBit(f.w) != 0
	case opSub, opDec:
		cf = f.kind == opSub && f.dst < f.src
		af = (f.dst^f.src^res)&0x10 != 0
		of = (f.dst^f.src)&(f.dst^res)&signBit(f.w) != 0
	case opAnd, opOr, opXor:
		cf, of, af = false, false, false
	case opShl:
		if f.src != 0 {
			cf = (f.dst<<(f.src-1))&signBit(f.w) != 0
		}
		of = cf != (res&signBit(f.w) != 0)
	case opShr:
		if f.src != 0 {
			cf = (f.dst>>(f.src-1))&1 != 0
		}
		of = f.dst&signBit(f.w) != 0
	case opSar:
		if f.src != 0 {
			cf = (f.dst>>(f.src-1))&1 != 0
		}
		of = false
	}
	return
}

// Flags returns the six dynamic bits combined with the directly-stored
// control bits (IF/DF/TF/...) as a flat 32-bit EFLAGS value.
func (c *CPU) Flags() uint32 {
	cf, pf, af, zf, sf, of := c.lazy.eval()
	v := c.flagsBase | 0x2
	setBit := func(v uint32, bit uint32, on bool) uint32 {
		if on {
			return v | bit
		}
		return v &^ bit
	}
	v = setBit(v, flagCF, cf)
	v = setBit(v, flagPF, pf)
	v = setBit(v, flagAF, af)
	v = setBit(v, flagZF, zf)
	v = setBit(v, flagSF, sf)
	v = setBit(v, flagOF, of)
	return v
}

// SetFlags installs a flat EFLAGS value, collapsing the lazy record to a
// literal one so future Flags() calls reproduce exactly these six status
// bits until the next flag-setting instruction runs.
func (c *CPU) SetFlags(v uint32) {
	c.flagsBase = v &^ (flagCF | flagPF | flagAF | flagZF | flagSF | flagOF)
	c.lazy = lazyFlags{kind: opLiteral, src: v & (flagCF | flagPF | flagAF | flagZF | flagSF | flagOF)}
}

func (c *CPU) setLazy(kind opKind, w width, dst, src, result uint32) {
	c.lazy = lazyFlags{kind: kind, w: w, dst: dst, src: src, result: result}
}
