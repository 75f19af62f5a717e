// Package savestate provides the registration surface devices use to
// participate in a save/restore cycle, without prescribing the on-disk
// container format: that's left to whatever frontend calls Registrar.Save
// or Registrar.Load, the way original_source/include/state.h separates
// state_register (the per-device participation hook) from the bjson
// object/array/string encoding underneath it.
package savestate

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// StateIO is the capability a device implements to participate in a
// savestate: Save returns its internal state as an opaque blob, Load
// restores from one previously produced by Save.
type StateIO interface {
	SaveState() ([]byte, error)
	LoadState([]byte) error
}

// Registrar collects named StateIO participants in registration order, the
// Go equivalent of repeated state_register calls building up the list
// state_store_to_file/state_read_from_file walk.
type Registrar struct {
	names []string
	devs  []StateIO
}

// NewRegistrar returns an empty Registrar.
func NewRegistrar() *Registrar { return &Registrar{} }

// Register adds a device under a unique name. Re-registering the same name
// replaces the earlier entry, matching a device re-attaching after reset.
func (r *Registrar) Register(name string, io StateIO) {
	for i, n := range r.names {
		if n == name {
			r.devs[i] = io
			return
		}
	}
	r.names = append(r.names, name)
	r.devs = append(r.devs, io)
}

// section is one device's named blob inside the encoded snapshot.
type section struct {
	Name string
	Data []byte
}

// Save walks every registered device in registration order and returns one
// combined snapshot.
func (r *Registrar) Save() ([]byte, error) {
	sections := make([]section, 0, len(r.devs))
	for i, dev := range r.devs {
		data, err := dev.SaveState()
		if err != nil {
			return nil, fmt.Errorf("savestate: %s: %w", r.names[i], err)
		}
		sections = append(sections, section{Name: r.names[i], Data: data})
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sections); err != nil {
		return nil, fmt.Errorf("savestate: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Load restores every registered device from a snapshot previously
// produced by Save. A device present in the snapshot but not currently
// registered (or vice versa) is skipped rather than treated as an error,
// since the registered device set can change across versions.
func (r *Registrar) Load(snapshot []byte) error {
	var sections []section
	if err := gob.NewDecoder(bytes.NewReader(snapshot)).Decode(&sections); err != nil {
		return fmt.Errorf("savestate: decode: %w", err)
	}
	byName := make(map[string][]byte, len(sections))
	for _, s := range sections {
		byName[s.Name] = s.Data
	}
	for i, name := range r.names {
		data, ok := byName[name]
		if !ok {
			continue
		}
		if err := r.devs[i].LoadState(data); err != nil {
			return fmt.Errorf("savestate: %s: %w", name, err)
		}
	}
	return nil
}
