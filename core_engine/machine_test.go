package core_engine_test

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"example.com/ia32-core/core_engine"
	"example.com/ia32-core/core_engine/cpu"
)

// TestMachineProtectedModeBootEchoesAndHalts loads a tiny real-mode-to-
// protected-mode bootloader, runs it on the software Machine, and checks
// that it writes 'P' to COM1 and then halts. The binary is the same one
// the KVM-backed VirtualMachine test exercised: a far JMP into a 32-bit
// code segment, loading flat data segments, then OUT 0x3F8 and HLT.
func TestMachineProtectedModeBootEchoesAndHalts(t *testing.T) {
	bootloader := []byte{
		0xEA, 0x05, 0x00, 0x08, 0x00, // JMP 0x08:0x0005
		0xB8, 0x10, 0x00, // MOV AX, 0x0010
		0x8E, 0xD8, // MOV DS, AX
		0x8E, 0xC0, // MOV ES, AX
		0x8E, 0xE0, // MOV FS, AX
		0x8E, 0xE8, // MOV GS, AX
		0x8E, 0xD0, // MOV SS, AX
		0xB0, 'P', // MOV AL, 'P'
		0xE6, 0xF8, // OUT 0xF8, AL
		0xF4, // HLT
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	oldStdout := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	m, err := core_engine.NewMachine(1*1024*1024, 64*1024)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()

	if err := m.LoadImage(bootloader, 0x0); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	reason := -1
	for i := 0; i < 1000 && reason != cpu.ExitHLT; i++ {
		reason = m.Step(10_000)
	}
	if reason != cpu.ExitHLT {
		t.Fatalf("machine did not reach HLT, last exit reason %d", reason)
	}

	w.Close()
	var buf bytes.Buffer
	buf.ReadFrom(r)
	if !strings.Contains(buf.String(), "P") {
		t.Errorf("expected serial output to contain %q, got %q", "P", buf.String())
	}
}
