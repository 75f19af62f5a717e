package vga

import "testing"

// newAlphaCell builds a single 8x1 text-mode cell: character 0, font byte 0
// (so every scanline renders as background unless overridden), attribute
// fg=1/bg=0, with identity attribute/DAC palettes so fg/bg indices map
// directly onto distinguishable colors.
func newAlphaCell(t *testing.T) *VGA {
	t.Helper()
	v, err := New(4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v.vram[0] = 0    // character
	v.vram[1] = 0x01 // attribute: fg=1, bg=0
	v.vram[2] = 0    // font byte for this scanline

	v.crt[9] = 0     // one scanline per character row, no doubling
	v.crt[8] = 0     // no preset row scan
	v.crt[0x0A] = 0  // cursor scanline start
	v.crt[0x0B] = 0  // cursor scanline end, cursor-disable bit clear
	v.crt[0x0C] = 0  // start address hi
	v.crt[0x0D] = 0  // start address lo
	v.crt[0x0E] = 0  // cursor address hi
	v.crt[0x0F] = 0  // cursor address lo
	v.crt[0x14] = 0x1F // underline location, kept off this single scanline

	v.dacMask = 0xFF
	v.attrPalette[0], v.attrPalette[1] = 0, 1
	v.dacPalette[0] = 0xFF101010 // bg color
	v.dacPalette[1] = 0xFFFEFEFE // fg color

	v.totalWidth, v.totalHeight = 8, 1
	v.charWidth = 8
	v.renderer = RenderAlphanumeric
	return v
}

func TestRenderAlphanumericCursorBlink(t *testing.T) {
	v := newAlphaCell(t)
	dst := make([]byte, 8*1*4)

	v.RenderRGBA8888(dst)
	if dst[0] != 0x10 {
		t.Fatalf("pre-blink pixel = %#x, want background 0x10 (cursor should not show yet)", dst[0])
	}

	// Cross the framectr >= 0x20 threshold that makes the cursor visible.
	for i := 0; i < 32; i++ {
		v.RenderRGBA8888(dst)
	}
	if dst[0] != 0xFE {
		t.Fatalf("cursor-phase pixel = %#x, want foreground 0xFE (cursor cell should swap bg=fg)", dst[0])
	}
}

func TestRender4BPPPlaneAssembly(t *testing.T) {
	v, err := New(4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// One byte-group (rel=0): plane bits chosen so pixel 0 assembles index 0b0101 = 5.
	v.vram[0] = 0x80 // plane 0, bit 0 -> contributes 1
	v.vram[1] = 0x00 // plane 1
	v.vram[2] = 0x80 // plane 2, bit 0 -> contributes 4
	v.vram[3] = 0x00 // plane 3

	v.attr[0x12] = 0x0F // enable all planes
	v.attrPalette[5] = 5
	v.dacMask = 0xFF
	v.dacPalette[5] = 0xFF00FF00

	v.totalWidth, v.totalHeight = 1, 1
	v.renderer = Render4BPP

	dst := make([]byte, 1*1*4)
	v.RenderRGBA8888(dst)
	if dst[0] != 0x00 || dst[1] != 0xFF || dst[2] != 0x00 {
		t.Fatalf("pixel = %02x%02x%02x, want 00ff00 (index 5)", dst[0], dst[1], dst[2])
	}
}
