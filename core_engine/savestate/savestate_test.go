package savestate_test

import (
	"testing"

	"example.com/ia32-core/core_engine/savestate"
)

type counter struct {
	n int
}

func (c *counter) SaveState() ([]byte, error) { return []byte{byte(c.n)}, nil }
func (c *counter) LoadState(data []byte) error {
	c.n = int(data[0])
	return nil
}

func TestRegistrarSaveLoadRoundTrip(t *testing.T) {
	a := &counter{n: 5}
	b := &counter{n: 9}

	r := savestate.NewRegistrar()
	r.Register("a", a)
	r.Register("b", b)

	snap, err := r.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	a.n, b.n = 0, 0
	if err := r.Load(snap); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if a.n != 5 {
		t.Errorf("a.n = %d, want 5", a.n)
	}
	if b.n != 9 {
		t.Errorf("b.n = %d, want 9", b.n)
	}
}

func TestRegistrarLoadSkipsUnregisteredSections(t *testing.T) {
	r1 := savestate.NewRegistrar()
	r1.Register("a", &counter{n: 1})
	snap, err := r1.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	r2 := savestate.NewRegistrar()
	b := &counter{n: 42}
	r2.Register("b", b)
	if err := r2.Load(snap); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.n != 42 {
		t.Errorf("unregistered-in-snapshot device was modified: b.n = %d, want 42", b.n)
	}
}
