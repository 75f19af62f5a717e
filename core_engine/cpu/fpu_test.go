package cpu

import "testing"

// stubSoftfloat is a minimal arithmetic collaborator for exercising the
// FPU state machine without a real extended-precision library: it only
// needs to be distinguishable, not numerically correct.
type stubSoftfloat struct{}

func (stubSoftfloat) Add(a, b Float80) Float80 { return b }
func (stubSoftfloat) Sub(a, b Float80) Float80 { return a }
func (stubSoftfloat) Mul(a, b Float80) Float80 { return b }
func (stubSoftfloat) Div(a, b Float80) Float80 { return a }
func (stubSoftfloat) Sqrt(a Float80) Float80   { return a }
func (stubSoftfloat) Compare(a, b Float80) int {
	if a == b {
		return 0
	}
	return -1
}
func (stubSoftfloat) FromInt32(v int32) Float80   { return Float80{} }
func (stubSoftfloat) ToInt32(a Float80) int32     { return 0 }
func (stubSoftfloat) FromFloat64(v float64) Float80 { return Float80{} }
func (stubSoftfloat) ToFloat64(a Float80) float64   { return 0 }

func TestFPUResetMasksAllExceptions(t *testing.T) {
	var f FPU
	f.Reset()
	if f.controlWord != 0x037F {
		t.Fatalf("control word = %#x, want 0x037F", f.controlWord)
	}
	for i := 0; i < 8; i++ {
		if f.tag(i) != tagEmpty {
			t.Fatalf("ST(%d) tag = %d, want Empty after reset", i, f.tag(i))
		}
	}
}

func TestFPUPushPopStackOrder(t *testing.T) {
	var f FPU
	f.Reset()

	var a, b Float80
	a[0] = 1
	b[0] = 2

	f.Push(a)
	f.Push(b)

	if got := f.ST(0); got != b {
		t.Fatalf("ST(0) = %v, want %v (last pushed)", got, b)
	}
	if got := f.ST(1); got != a {
		t.Fatalf("ST(1) = %v, want %v (first pushed)", got, a)
	}

	if got := f.Pop(); got != b {
		t.Fatalf("first pop = %v, want %v", got, b)
	}
	if got := f.Pop(); got != a {
		t.Fatalf("second pop = %v, want %v", got, a)
	}
	if f.statusWord&swStackFault != 0 {
		t.Fatalf("status word has stack fault set after a balanced push/pop sequence")
	}
}

func TestFPUStackUnderflowFault(t *testing.T) {
	var f FPU
	f.Reset()

	got := f.Pop()
	if got != (Float80{}) {
		t.Fatalf("pop from empty stack = %v, want zero value", got)
	}
	if f.statusWord&swInvalidOp == 0 || f.statusWord&swStackFault == 0 {
		t.Fatalf("status word = %#x, want invalid-op and stack-fault bits set", f.statusWord)
	}
}

func TestFPUStackOverflowFault(t *testing.T) {
	var f FPU
	f.Reset()

	for i := 0; i < 8; i++ {
		f.Push(Float80{byte(i)})
	}
	f.Push(Float80{0xFF}) // ninth push: every register already occupied
	if f.statusWord&swInvalidOp == 0 || f.statusWord&swStackFault == 0 {
		t.Fatalf("status word = %#x, want invalid-op and stack-fault bits set on overflow", f.statusWord)
	}
	if got := f.ST(7); got != (Float80{0}) {
		t.Fatalf("ST(7) = %v, want the first-pushed value unchanged (overflow must not clobber)", got)
	}
}

func TestFPUMMXAliasesX87Storage(t *testing.T) {
	var f FPU
	f.Reset()

	f.SetMM(3, 0x0102030405060708)
	if got := f.GetMM(3); got != 0x0102030405060708 {
		t.Fatalf("GetMM(3) = %#x, want 0x0102030405060708", got)
	}
	if f.tag(3) != tagValid {
		t.Fatalf("physical register 3 tag = %d, want Valid after SetMM", f.tag(3))
	}

	// The low 8 bytes of the aliased ST register must match byte for byte.
	st := f.st[3]
	if st[0] != 0x08 || st[7] != 0x01 {
		t.Fatalf("ST(3) raw bytes = %v, want little-endian 0x0102030405060708", st)
	}
}

func TestFPUArithmeticWithoutSoftfloatIsNoop(t *testing.T) {
	var f FPU
	f.Reset()
	f.Push(Float80{1})
	f.Push(Float80{2})
	f.FAdd()
	if got := f.ST(0); got != (Float80{}) {
		t.Fatalf("FAdd with nil Softfloat = %v, want zero value", got)
	}
}

func TestFPUArithmeticDelegatesToSoftfloat(t *testing.T) {
	var f FPU
	f.Reset()
	f.SetSoftfloat(stubSoftfloat{})

	a, b := Float80{1}, Float80{2}
	f.Push(a)
	f.Push(b)
	f.FAdd() // stub Add returns b
	if got := f.ST(0); got != b {
		t.Fatalf("FAdd result = %v, want %v", got, b)
	}
}

func TestFPUDivByZeroSetsStatusBit(t *testing.T) {
	var f FPU
	f.Reset()
	f.SetSoftfloat(stubSoftfloat{})

	f.Push(Float80{1})
	f.Push(Float80{}) // zero divisor
	f.FDiv()
	if f.statusWord&swZeroDiv == 0 {
		t.Fatalf("status word = %#x, want zero-divide bit set", f.statusWord)
	}
}

func TestFPUXMMAndMXCSR(t *testing.T) {
	var f FPU
	f.Reset()

	if f.MXCSR() != 0x1F80 {
		t.Fatalf("MXCSR after reset = %#x, want 0x1F80", f.MXCSR())
	}
	f.SetMXCSR(0xFFFFFFFF)
	if f.MXCSR() != 0x0000FFFF {
		t.Fatalf("MXCSR after reserved-bit write = %#x, want reserved bits masked", f.MXCSR())
	}

	var v [16]byte
	v[0] = 0xAB
	f.SetXMM(5, v)
	if got := f.GetXMM(5); got != v {
		t.Fatalf("GetXMM(5) = %v, want %v", got, v)
	}
}

func TestFPUMSRRoundTrip(t *testing.T) {
	var f FPU
	f.Reset()

	cases := []uint32{
		msrSysenterCS, msrSysenterESP, msrSysenterEIP,
		msrAPICBase, msrMTRRDefType, msrPAT,
		msrMTRRFix64K00000, msrMTRRFix16K80000, msrMTRRFix16KA0000,
		msrMTRRFix4KC0000, msrMTRRFix4KC0000 + 7,
		msrMTRRVarBase0, msrMTRRVarBase0 + 1, msrMTRRVarBase0 + 0xF,
	}
	for _, addr := range cases {
		if !f.WriteMSR(addr, 0x1234) {
			t.Fatalf("WriteMSR(%#x) rejected, want accepted", addr)
		}
		got, ok := f.ReadMSR(addr)
		if !ok {
			t.Fatalf("ReadMSR(%#x) rejected, want accepted", addr)
		}
		if got != 0x1234 {
			t.Fatalf("ReadMSR(%#x) = %#x, want 0x1234", addr, got)
		}
	}
}

func TestFPUUnknownMSRRejected(t *testing.T) {
	var f FPU
	f.Reset()
	if _, ok := f.ReadMSR(0xDEADBEEF); ok {
		t.Fatalf("ReadMSR of an unmodeled address succeeded, want rejection")
	}
	if f.WriteMSR(0xDEADBEEF, 0) {
		t.Fatalf("WriteMSR of an unmodeled address succeeded, want rejection")
	}
}
