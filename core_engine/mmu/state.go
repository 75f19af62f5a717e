package mmu

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// snapshot is the CR0/CR3/CR4-derived paging state and the A20 gate; the
// TLB and SMC bitmap are caches and are rebuilt (via FlushTLB, already
// called by LoadState) rather than carried across a restore.
type snapshot struct {
	CR0, CR3, CR4 uint32
	A20Enabled    bool
}

// SaveState captures the paging configuration for the savestate registrar.
func (m *MMU) SaveState() ([]byte, error) {
	m.mu.Lock()
	s := snapshot{CR0: m.cr0, CR3: m.cr3, CR4: m.cr4, A20Enabled: m.a20Enabled}
	m.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&s); err != nil {
		return nil, fmt.Errorf("mmu: save state: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadState restores a snapshot produced by SaveState and flushes the TLB,
// since cached translations may no longer match the restored CR3.
func (m *MMU) LoadState(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("mmu: load state: %w", err)
	}
	m.mu.Lock()
	m.cr0, m.cr3, m.cr4 = s.CR0, s.CR3, s.CR4
	m.a20Enabled = s.A20Enabled
	m.mu.Unlock()
	m.FlushTLB()
	return nil
}
