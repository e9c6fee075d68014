package trace

import (
	"encoding/binary"
	"fmt"
)

// EntrySize is the serialized size of one Entry in bytes.
const EntrySize = 28

// EntryType identifies the kind of payload an Entry carries. The numeric
// values are part of the on-disk format and must not be reordered.
type EntryType uint32

const (
	// TypeMemoryRead records a memory read access.
	// Param0 is the access size, Param1 the instruction address and
	// Param2 the read address.
	TypeMemoryRead EntryType = 1

	// TypeMemoryWrite records a memory write access with the same
	// parameter layout as TypeMemoryRead.
	TypeMemoryWrite EntryType = 2

	// TypeHeapAllocSizeParameter records the requested size of an
	// allocation call in Param1.
	TypeHeapAllocSizeParameter EntryType = 3

	// TypeHeapAllocAddressReturn records the address returned by an
	// allocation call in Param2.
	TypeHeapAllocAddressReturn EntryType = 4

	// TypeHeapFreeAddressParameter records the address passed to free
	// in Param2.
	TypeHeapFreeAddressParameter EntryType = 5

	// TypeStackPointerModification records an instruction changing the
	// stack pointer. Param1 is the instruction address, Param2 the new
	// stack pointer value and Flag describes the modifying instruction.
	TypeStackPointerModification EntryType = 6

	// TypeStackPointerInfo records the stack bounds of a thread.
	// Param1 is the minimum and Param2 the maximum stack address.
	TypeStackPointerInfo EntryType = 7

	// TypeBranch records a control flow transfer from Param1 to Param2.
	// Flag holds the branch subtype and whether it was taken.
	TypeBranch EntryType = 8
)

// String returns a short name for the entry type.
func (t EntryType) String() string {
	switch t {
	case TypeMemoryRead:
		return "memory_read"
	case TypeMemoryWrite:
		return "memory_write"
	case TypeHeapAllocSizeParameter:
		return "heap_alloc_size"
	case TypeHeapAllocAddressReturn:
		return "heap_alloc_return"
	case TypeHeapFreeAddressParameter:
		return "heap_free"
	case TypeStackPointerModification:
		return "stack_pointer_mod"
	case TypeStackPointerInfo:
		return "stack_pointer_info"
	case TypeBranch:
		return "branch"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Flag bits of TypeBranch entries. Exactly one of the taken bits and one
// of the subtype bits is set per entry.
const (
	BranchNotTaken uint8 = 1 << 0
	BranchTaken    uint8 = 1 << 1
	BranchJump     uint8 = 1 << 2
	BranchCall     uint8 = 1 << 3
	BranchReturn   uint8 = 1 << 4
)

// Entry is one record of a trace file. The parameter fields are a union;
// their meaning per type is documented on the EntryType constants.
type Entry struct {
	Type   EntryType
	Flag   uint8
	Param0 uint32
	Param1 uint64
	Param2 uint64
}

// Encode writes the 28-byte little-endian form of e into dst, which must
// hold at least EntrySize bytes. The reserved bytes are cleared so dst may
// be a reused scratch buffer.
func (e *Entry) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], uint32(e.Type))
	dst[4] = e.Flag
	dst[5], dst[6], dst[7] = 0, 0, 0
	binary.LittleEndian.PutUint32(dst[8:], e.Param0)
	binary.LittleEndian.PutUint64(dst[12:], e.Param1)
	binary.LittleEndian.PutUint64(dst[20:], e.Param2)
}

// Decode parses a single entry from the first EntrySize bytes of src.
func Decode(src []byte) (Entry, error) {
	if len(src) < EntrySize {
		return Entry{}, fmt.Errorf("trace entry needs %d bytes, got %d", EntrySize, len(src))
	}
	return Entry{
		Type:   EntryType(binary.LittleEndian.Uint32(src[0:])),
		Flag:   src[4],
		Param0: binary.LittleEndian.Uint32(src[8:]),
		Param1: binary.LittleEndian.Uint64(src[12:]),
		Param2: binary.LittleEndian.Uint64(src[20:]),
	}, nil
}

// DecodeAll parses a complete trace image into its entries.
func DecodeAll(data []byte) ([]Entry, error) {
	if len(data)%EntrySize != 0 {
		return nil, fmt.Errorf("trace data length %d is not a multiple of %d", len(data), EntrySize)
	}
	entries := make([]Entry, 0, len(data)/EntrySize)
	for off := 0; off < len(data); off += EntrySize {
		e, err := Decode(data[off:])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
