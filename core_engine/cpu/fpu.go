// FPU/MMX/SSE register storage and the handful of MSRs a protected-mode
// guest expects to find (SYSENTER, APIC base, MTRR, PAT). The actual
// extended-precision arithmetic is treated as an external collaborator
// (original_source/src/cpu/softfloat.c) per the arithmetic Non-goal: this
// file carries the register file, the tag/status/control
// word bookkeeping that decides which physical register ST(0) currently
// names, and MMX/x87 aliasing. Push/pop are done here on the raw register
// values; the arithmetic it does perform (add/sub/mul/div/sqrt, compare)
// is dispatched through the injected Softfloat interface.
package cpu

// Float80 is a raw 80-bit extended-precision value: 64-bit significand
// (bytes 0-7) followed by a 16-bit sign+biased-exponent (bytes 8-9), the
// x87 register format. Arithmetic on it is left to Softfloat.
type Float80 [10]byte

// Softfloat is the arithmetic primitive library the FPU state machine
// defers to; only the operand plumbing (stack addressing, tag/status word
// maintenance, exception flag latching) lives in this package. A nil
// Softfloat makes every arithmetic op a no-op returning a zero Float80,
// so the state machine stays usable in tests that only exercise stack
// bookkeeping and MSR storage.
type Softfloat interface {
	Add(a, b Float80) Float80
	Sub(a, b Float80) Float80
	Mul(a, b Float80) Float80
	Div(a, b Float80) Float80
	Sqrt(a Float80) Float80
	// Compare returns -1, 0, 1, or 2 for unordered (one operand is NaN).
	Compare(a, b Float80) int
	FromInt32(v int32) Float80
	ToInt32(a Float80) int32
	FromFloat64(v float64) Float80
	ToFloat64(a Float80) float64
}

// x87 tag word values, two bits per physical register.
const (
	tagValid uint8 = iota
	tagZero
	tagSpecial
	tagEmpty
)

// FPU status word bit layout.
const (
	swInvalidOp = 1 << 0
	swZeroDiv   = 1 << 2
	swStackFault = 1 << 6
	swCondC1    = 1 << 9
	swTopShift  = 11
	swTopMask   = 0x7 << swTopShift
	swBusy      = 1 << 15
)

// State IDs for the pointer-style fields original_source/include/cpu/libcpu.h
// exposes through cpu_get_state/cpu_set_state's CPUPTR_* enum (GPR/EFLAGS/EIP
// and the segment caches are covered by snapshot's own fields already, not
// duplicated here).
const (
	StateXMM = iota
	StateMXCSR
	StateMTRRFixed
	StateMTRRVariable
	StateMTRRDefType
	StatePAT
	StateAPICBase
	StateSysenterInfo
)

// FPU holds the x87/MMX/SSE register file and the MSR set that a
// protected-mode guest reads through RDMSR/WRMSR: SYSENTER, APIC base, and
// the MTRR/PAT caching-control registers. MMX registers MM0-7 physically
// alias the low 64 bits of ST0-7, matching real silicon; XMM0-15 and MXCSR
// are independent storage.
type FPU struct {
	st          [8]Float80
	tagWord     uint16
	statusWord  uint16
	controlWord uint16

	xmm   [16][16]byte
	mxcsr uint32

	sysenterCS, sysenterESP, sysenterEIP uint32
	apicBase                             uint64
	mtrrFixed                            [11]uint64
	mtrrVarBase, mtrrVarMask             [8]uint64
	mtrrDefType                          uint64
	pat                                  uint64

	sf Softfloat
}

// Reset restores the power-on FPU state: all eight ST registers empty,
// control word 0x037F (all exceptions masked, 64-bit precision, round to
// nearest), status word clear, MXCSR 0x1F80.
func (f *FPU) Reset() {
	f.st = [8]Float80{}
	f.tagWord = 0xFFFF // every register tagged Empty
	f.statusWord = 0
	f.controlWord = 0x037F
	f.xmm = [16][16]byte{}
	f.mxcsr = 0x1F80
	f.sysenterCS, f.sysenterESP, f.sysenterEIP = 0, 0, 0
	f.apicBase = 0xFEE00000 | (1 << 11) // base address, global enable bit
	f.mtrrFixed = [11]uint64{}
	f.mtrrVarBase, f.mtrrVarMask = [8]uint64{}, [8]uint64{}
	f.mtrrDefType = 0
	f.pat = 0x0007040600070406 // reset default per the IA-32 manual
}

// SetSoftfloat installs the arithmetic primitive collaborator.
func (f *FPU) SetSoftfloat(sf Softfloat) { f.sf = sf }

func (f *FPU) top() int  { return int(f.statusWord&swTopMask) >> swTopShift }
func (f *FPU) setTop(t int) {
	f.statusWord = f.statusWord&^uint16(swTopMask) | uint16(t&7)<<swTopShift
}

func (f *FPU) tag(i int) uint8  { return uint8(f.tagWord>>uint(i*2)) & 3 }
func (f *FPU) setTag(i int, t uint8) {
	shift := uint(i * 2)
	f.tagWord = f.tagWord&^(3<<shift) | uint16(t)<<shift
}

func classify(v Float80) uint8 {
	for _, b := range v {
		if b != 0 {
			return tagValid
		}
	}
	return tagZero
}

// physIndex maps a stack-relative ST(i) index to its physical register.
func (f *FPU) physIndex(i int) int { return (f.top() + i) & 7 }

// ST returns ST(i), the register i positions below the current top.
func (f *FPU) ST(i int) Float80 { return f.st[f.physIndex(i)] }

// SetST overwrites ST(i) in place without moving the stack pointer or
// touching its tag.
func (f *FPU) SetST(i int, v Float80) { f.st[f.physIndex(i)] = v }

// Push decrements the stack pointer and stores v into the new ST(0). If
// the target register is already tagged Valid/Zero/Special (stack
// overflow), it raises #IS/#IA via the status word and leaves the
// register untouched, matching the x87 stack-overflow contract.
func (f *FPU) Push(v Float80) {
	target := (f.top() - 1) & 7
	if f.tag(target) != tagEmpty {
		f.statusWord |= swInvalidOp | swStackFault | swCondC1
		return
	}
	f.setTop(target)
	f.st[target] = v
	f.setTag(target, classify(v))
}

// Pop returns ST(0) and marks its physical register Empty, advancing the
// stack pointer. Popping an Empty ST(0) (stack underflow) raises #IS/#IA
// and returns a zero value instead of advancing.
func (f *FPU) Pop() Float80 {
	phys := f.physIndex(0)
	if f.tag(phys) == tagEmpty {
		f.statusWord |= swInvalidOp | swStackFault
		f.statusWord &^= swCondC1
		return Float80{}
	}
	v := f.st[phys]
	f.setTag(phys, tagEmpty)
	f.setTop((f.top() + 1) & 7)
	return v
}

func (f *FPU) binOp(op func(a, b Float80) Float80) {
	b := f.Pop()
	a := f.Pop()
	if f.sf == nil {
		f.Push(Float80{})
		return
	}
	f.Push(op(a, b))
}

// FAdd/FSub/FMul/FDiv pop the top two stack entries, apply the injected
// Softfloat primitive, and push the result back onto ST(0).
func (f *FPU) FAdd() { f.binOp(f.sfAdd) }
func (f *FPU) FSub() { f.binOp(f.sfSub) }
func (f *FPU) FMul() { f.binOp(f.sfMul) }
func (f *FPU) FDiv() {
	b := f.Pop()
	a := f.Pop()
	if f.sf == nil {
		f.Push(Float80{})
		return
	}
	if classify(b) == tagZero {
		f.statusWord |= swZeroDiv
	}
	f.Push(f.sf.Div(a, b))
}

func (f *FPU) sfAdd(a, b Float80) Float80 { return f.sf.Add(a, b) }
func (f *FPU) sfSub(a, b Float80) Float80 { return f.sf.Sub(a, b) }
func (f *FPU) sfMul(a, b Float80) Float80 { return f.sf.Mul(a, b) }

// FSqrt replaces ST(0) with its square root.
func (f *FPU) FSqrt() {
	if f.sf == nil {
		return
	}
	f.SetST(0, f.sf.Sqrt(f.ST(0)))
}

// FCompare compares ST(0) against ST(i), latching the C0/C2/C3 condition
// bits in the status word the way FCOM/FUCOM do, and returns the raw
// Softfloat ordering.
func (f *FPU) FCompare(i int) int {
	if f.sf == nil {
		return 2
	}
	result := f.sf.Compare(f.ST(0), f.ST(i))
	const c0, c2, c3 = 1 << 8, 1 << 10, 1 << 14
	f.statusWord &^= c0 | c2 | c3
	switch result {
	case -1:
		f.statusWord |= c0
	case 0:
		f.statusWord |= c3
	case 2:
		f.statusWord |= c0 | c2 | c3
	}
	return result
}

// GetMM reads MMX register i as the low 64 bits of the aliased ST(i)
// physical storage (indexed by physical register, not stack-relative,
// matching how MMX bypasses the x87 stack entirely).
func (f *FPU) GetMM(i int) uint64 {
	var v uint64
	for b := 7; b >= 0; b-- {
		v = v<<8 | uint64(f.st[i&7][b])
	}
	return v
}

// SetMM writes MMX register i and tags its aliased ST(i) Valid, which is
// how entering MMX state marks the whole x87 stack usable again on real
// hardware (EMMS is the inverse, left to the caller).
func (f *FPU) SetMM(i int, v uint64) {
	for b := 0; b < 8; b++ {
		f.st[i&7][b] = byte(v)
		v >>= 8
	}
	f.setTag(i&7, tagValid)
}

// GetXMM/SetXMM address the 16 SSE registers directly (no stack
// indirection).
func (f *FPU) GetXMM(i int) [16]byte   { return f.xmm[i&15] }
func (f *FPU) SetXMM(i int, v [16]byte) { f.xmm[i&15] = v }

// MXCSR returns the current SSE control/status register, reserved bits
// forced to their documented values.
func (f *FPU) MXCSR() uint32 { return f.mxcsr }

// SetMXCSR masks off the reserved bits above bit 15 before storing, per
// the #GP-on-reserved-bit contract real hardware enforces.
func (f *FPU) SetMXCSR(v uint32) { f.mxcsr = v &^ 0xFFFF0000 }

// MSR addresses this FPU's ReadMSR/WriteMSR dispatch understands.
const (
	msrSysenterCS  = 0x174
	msrSysenterESP = 0x175
	msrSysenterEIP = 0x176
	msrAPICBase    = 0x1B
	msrMTRRDefType = 0x2FF
	msrPAT         = 0x277

	msrMTRRFix64K00000 = 0x250
	msrMTRRFix16K80000 = 0x258
	msrMTRRFix16KA0000 = 0x259
	msrMTRRFix4KC0000  = 0x268 // through 0x26F, 8 consecutive 4K-granularity regions
	msrMTRRVarBase0    = 0x200 // even: PHYSBASEn, odd: PHYSMASKn, through 0x20F
)

// ReadMSR implements the RDMSR-side of the FPU's state machine. ok is
// false for any address this model does not carry, which the caller
// should turn into a #GP.
func (f *FPU) ReadMSR(addr uint32) (val uint64, ok bool) {
	switch {
	case addr == msrSysenterCS:
		return uint64(f.sysenterCS), true
	case addr == msrSysenterESP:
		return uint64(f.sysenterESP), true
	case addr == msrSysenterEIP:
		return uint64(f.sysenterEIP), true
	case addr == msrAPICBase:
		return f.apicBase, true
	case addr == msrMTRRDefType:
		return f.mtrrDefType, true
	case addr == msrPAT:
		return f.pat, true
	case addr == msrMTRRFix64K00000:
		return f.mtrrFixed[0], true
	case addr == msrMTRRFix16K80000:
		return f.mtrrFixed[1], true
	case addr == msrMTRRFix16KA0000:
		return f.mtrrFixed[2], true
	case addr >= msrMTRRFix4KC0000 && addr <= msrMTRRFix4KC0000+7:
		return f.mtrrFixed[3+addr-msrMTRRFix4KC0000], true
	case addr >= msrMTRRVarBase0 && addr <= msrMTRRVarBase0+0xF:
		idx := (addr - msrMTRRVarBase0) / 2
		if (addr-msrMTRRVarBase0)%2 == 0 {
			return f.mtrrVarBase[idx], true
		}
		return f.mtrrVarMask[idx], true
	}
	return 0, false
}

// WriteMSR implements the WRMSR-side of the FPU's state machine.
func (f *FPU) WriteMSR(addr uint32, val uint64) bool {
	switch {
	case addr == msrSysenterCS:
		f.sysenterCS = uint32(val)
	case addr == msrSysenterESP:
		f.sysenterESP = uint32(val)
	case addr == msrSysenterEIP:
		f.sysenterEIP = uint32(val)
	case addr == msrAPICBase:
		f.apicBase = val
	case addr == msrMTRRDefType:
		f.mtrrDefType = val
	case addr == msrPAT:
		f.pat = val
	case addr == msrMTRRFix64K00000:
		f.mtrrFixed[0] = val
	case addr == msrMTRRFix16K80000:
		f.mtrrFixed[1] = val
	case addr == msrMTRRFix16KA0000:
		f.mtrrFixed[2] = val
	case addr >= msrMTRRFix4KC0000 && addr <= msrMTRRFix4KC0000+7:
		f.mtrrFixed[3+addr-msrMTRRFix4KC0000] = val
	case addr >= msrMTRRVarBase0 && addr <= msrMTRRVarBase0+0xF:
		idx := (addr - msrMTRRVarBase0) / 2
		if (addr-msrMTRRVarBase0)%2 == 0 {
			f.mtrrVarBase[idx] = val
		} else {
			f.mtrrVarMask[idx] = val
		}
	default:
		return false
	}
	return true
}
