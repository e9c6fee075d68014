package image

import "testing"

func TestContainsBlock(t *testing.T) {
	img := &Image{Name: "target", Start: 0x400000, End: 0x4fffff}

	tests := []struct {
		name  string
		first uint64
		last  uint64
		want  bool
	}{
		{"fully inside", 0x410000, 0x41000f, true},
		{"exactly the image", 0x400000, 0x4fffff, true},
		{"starts below", 0x3ffff0, 0x400010, false},
		{"ends above", 0x4ffff0, 0x500010, false},
		{"fully outside", 0x600000, 0x600010, false},
		{"single address at start", 0x400000, 0x400000, true},
		{"single address at end", 0x4fffff, 0x4fffff, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := img.ContainsBlock(tt.first, tt.last); got != tt.want {
				t.Errorf("ContainsBlock(%#x, %#x) = %v, want %v", tt.first, tt.last, got, tt.want)
			}
		})
	}
}

func TestRegistryOrderAndLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(true, "target", 0x400000, 0x4fffff)
	reg.Register(false, "libc.so.6", 0x7f0000000000, 0x7f0000ffffff)

	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reg.Len())
	}

	images := reg.Snapshot()
	if images[0].Name != "target" || images[1].Name != "libc.so.6" {
		t.Errorf("Snapshot() order = %q, %q, want registration order", images[0].Name, images[1].Name)
	}
	if !images[0].Interesting || images[1].Interesting {
		t.Error("Interesting flags were not preserved")
	}

	if img := reg.FindBlock(0x410000, 0x410010); img == nil || img.Name != "target" {
		t.Errorf("FindBlock() in target range = %v", img)
	}
	if img := reg.FindBlock(0x600000, 0x600010); img != nil {
		t.Errorf("FindBlock() outside every image = %v, want nil", img)
	}
	if img := reg.FindBlock(0x4ffff0, 0x500010); img != nil {
		t.Errorf("FindBlock() straddling an image end = %v, want nil", img)
	}
}
