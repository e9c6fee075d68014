package trace

import (
	"bytes"
	"testing"
)

func TestEncodeLayout(t *testing.T) {
	e := Entry{
		Type:   TypeBranch,
		Flag:   BranchTaken | BranchCall,
		Param0: 0xdeadbeef,
		Param1: 0x0000400000001122,
		Param2: 0x00007f0012345678,
	}

	dst := make([]byte, EntrySize)
	// Dirty the reserved region to verify Encode clears it.
	dst[5], dst[6], dst[7] = 0xff, 0xff, 0xff
	e.Encode(dst)

	want := []byte{
		0x08, 0x00, 0x00, 0x00,
		0x0a, 0x00, 0x00, 0x00,
		0xef, 0xbe, 0xad, 0xde,
		0x22, 0x11, 0x00, 0x00, 0x00, 0x40, 0x00, 0x00,
		0x78, 0x56, 0x34, 0x12, 0x00, 0x7f, 0x00, 0x00,
	}
	if !bytes.Equal(dst, want) {
		t.Errorf("Encode() = % x, want % x", dst, want)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	entries := []Entry{
		{Type: TypeMemoryRead, Param0: 8, Param1: 0x401000, Param2: 0x7ffe0000},
		{Type: TypeHeapAllocSizeParameter, Param1: 64},
		{Type: TypeStackPointerInfo, Param1: 0x7ffd0000, Param2: 0x7fff0000},
	}

	buf := make([]byte, len(entries)*EntrySize)
	for i := range entries {
		entries[i].Encode(buf[i*EntrySize:])
	}

	got, err := DecodeAll(buf)
	if err != nil {
		t.Fatalf("DecodeAll() error = %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("DecodeAll() returned %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], entries[i])
		}
	}
}

func TestDecodeAllRejectsPartialEntry(t *testing.T) {
	_, err := DecodeAll(make([]byte, EntrySize+5))
	if err == nil {
		t.Error("DecodeAll() accepted data with a partial trailing entry")
	}
}

func TestDecodeShortInput(t *testing.T) {
	_, err := Decode(make([]byte, EntrySize-1))
	if err == nil {
		t.Error("Decode() accepted a short buffer")
	}
}

func TestEntryTypeString(t *testing.T) {
	if got := TypeBranch.String(); got != "branch" {
		t.Errorf("TypeBranch.String() = %q, want %q", got, "branch")
	}
	if got := EntryType(99).String(); got != "unknown(99)" {
		t.Errorf("EntryType(99).String() = %q, want %q", got, "unknown(99)")
	}
}
