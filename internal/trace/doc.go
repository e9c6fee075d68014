// Package trace defines the binary trace entry format and the in-memory
// capture buffers entries pass through before reaching disk.
//
// A trace file is a flat sequence of fixed-size little-endian entries with
// no header or framing. Each entry occupies 28 bytes:
//
//	offset  size  field
//	     0     4  Type
//	     4     1  Flag
//	     5     3  reserved, always zero
//	     8     4  Param0
//	    12     8  Param1
//	    20     8  Param2
//
// The meaning of the parameter fields depends on the entry type; see the
// Entry documentation. The layout is consumed by external analysis tooling
// and must not change.
//
// Entries are staged in a Buffer, a fixed-capacity arena allocated once per
// producing thread. A Cursor tracks the next free slot; when the buffer
// fills, the owner serializes the pending entries to the active trace file
// and resets the cursor to the origin.
package trace
