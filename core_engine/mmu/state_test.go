package mmu_test

import (
	"testing"

	"example.com/ia32-core/core_engine/mmu"
)

type flatMem []byte

func (m flatMem) Bytes() []byte { return m }

func TestMMUSaveStateRoundTrip(t *testing.T) {
	mem := make([]byte, 1<<20)
	m := mmu.New(flatMem(mem), func() {})
	m.SetA20(false)
	m.SetCR3(0xABCD0000)

	data, err := m.SaveState()
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	m2 := mmu.New(flatMem(mem), func() {})
	if err := m2.LoadState(data); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	linear := uint32(0x100000) // bit 20 set
	phys, err := m2.Translate(linear, mmu.AccessSystemRead, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if phys&(1<<20) != 0 {
		t.Errorf("A20 mask not restored: phys = 0x%x, bit 20 should be clear", phys)
	}
}
