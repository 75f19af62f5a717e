package cpu_test

import (
	"testing"

	"example.com/ia32-core/core_engine/bus"
	"example.com/ia32-core/core_engine/cpu"
	"example.com/ia32-core/core_engine/mmu"
)

type flatMem []byte

func (m flatMem) Bytes() []byte { return m }

func newTestCPU(t *testing.T) *cpu.CPU {
	t.Helper()
	mem := make([]byte, 1<<20)
	router := bus.NewRouter()
	m := mmu.New(flatMem(mem), func() {})
	c := cpu.New(mem, m, router, nil, nil)
	return c
}

func TestCPUSaveStateRoundTrip(t *testing.T) {
	c := newTestCPU(t)
	c.SetReg32(0, 0x12345678) // EAX
	c.SetEIP(0x1234)

	data, err := c.SaveState()
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	c2 := newTestCPU(t)
	if err := c2.LoadState(data); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	if got := c2.GetReg32(0); got != 0x12345678 {
		t.Errorf("EAX after restore = 0x%x, want 0x12345678", got)
	}
	if got := c2.EIP(); got != 0x1234 {
		t.Errorf("EIP after restore = 0x%x, want 0x1234", got)
	}
}
