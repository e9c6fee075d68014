// Package hostev defines the wire protocol between the instrumentation
// agent inside the target process and the tracer.
//
// The stream is a sequence of frames, each a little-endian uint32 payload
// length followed by the payload. The first payload byte is the event
// kind and selects the packet layout: kinds 1 through 12 use the fixed
// Event packet, image loads and their name continuations use dedicated
// packets. All packet fields are little-endian.
package hostev

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// SocketEnv is the environment variable carrying the tracer's listening
// socket path into the target process.
const SocketEnv = "INSTRACE_AGENT_SOCKET"

// Event kind values, the first byte of every frame payload.
const (
	KindMemoryRead       = 1
	KindMemoryWrite      = 2
	KindBranch           = 3
	KindReturn           = 4
	KindStackPointerMod  = 5
	KindStackPointerInfo = 6
	KindHeapAllocSize    = 7
	KindCallocSize       = 8
	KindHeapAllocReturn  = 9
	KindHeapFree         = 10
	KindTestcaseStart    = 11
	KindTestcaseEnd      = 12
	KindImageLoad        = 13
	KindImageNameChunk   = 14
)

// Flags bits of KindBranch events.
const (
	// BranchFlagTaken is set when the branch was taken.
	BranchFlagTaken = 1 << 0
	// BranchFlagCall marks a call; a branch without it is a jump.
	BranchFlagCall = 1 << 1
)

// Wire sizes of the packet layouts, in bytes.
const (
	EventWireSize          = 32
	ImageLoadWireSize      = 24 + ImageNameMax
	ImageNameChunkWireSize = 8 + ImageNameMax
)

// MaxFrameSize bounds the payload length a reader accepts before
// allocating.
const MaxFrameSize = 4096

// Event is the fixed packet for kinds 1 through 12. The address fields
// are a union; their meaning per kind:
//
//	memory read, write    AddrA=instruction  AddrB=address  Size=bytes
//	branch                AddrA=source       AddrB=target   Flags=Branch*
//	return                AddrA=source       AddrB=target
//	stack pointer mod     AddrA=instruction  AddrB=new SP   Flags=opaque
//	stack pointer info    AddrA=minimum      AddrB=maximum
//	heap alloc size       AddrA=size
//	calloc size           AddrA=count        AddrB=element size
//	alloc return, free    AddrA=address
//	testcase start        Size=testcase id
type Event struct {
	Kind  uint8
	Flags uint8
	Pad1  [2]byte
	Tid   uint32
	Size  uint32
	Pad2  [4]byte
	AddrA uint64
	AddrB uint64
}

// TestcaseID returns the testcase number of a KindTestcaseStart event.
func (e *Event) TestcaseID() int {
	return int(int32(e.Size))
}

// ImageNameMax is the image name capacity of a single packet. Longer
// names continue in KindImageNameChunk frames immediately following the
// load frame.
const ImageNameMax = 256

// ImageLoadEvent announces one executable image loaded into the target.
// NameLen is the full name length in bytes; Name carries the first
// ImageNameMax of them.
type ImageLoadEvent struct {
	Kind    uint8
	Pad     [3]byte
	NameLen uint32
	Start   uint64
	End     uint64
	Name    [ImageNameMax]byte
}

// ImageNameChunkEvent continues the name of the preceding image load.
type ImageNameChunkEvent struct {
	Kind    uint8
	Pad     [3]byte
	DataLen uint32
	Data    [ImageNameMax]byte
}

// NewImageLoad builds the load packet for an image plus the continuation
// chunks needed when the name exceeds ImageNameMax bytes.
func NewImageLoad(start, end uint64, name string) (ImageLoadEvent, []ImageNameChunkEvent) {
	load := ImageLoadEvent{
		Kind:    KindImageLoad,
		NameLen: uint32(len(name)),
		Start:   start,
		End:     end,
	}
	n := copy(load.Name[:], name)

	var chunks []ImageNameChunkEvent
	for rest := name[n:]; len(rest) > 0; {
		chunk := ImageNameChunkEvent{Kind: KindImageNameChunk}
		m := copy(chunk.Data[:], rest)
		chunk.DataLen = uint32(m)
		rest = rest[m:]
		chunks = append(chunks, chunk)
	}
	return load, chunks
}

// WriteFrame writes one length-prefixed frame containing the
// little-endian encoding of ev, which must be one of the packet structs.
func WriteFrame(w io.Writer, ev interface{}) error {
	var body bytes.Buffer
	if err := binary.Write(&body, binary.LittleEndian, ev); err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(body.Len()))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and returns its payload. A stream ending at a
// frame boundary returns io.EOF unwrapped; a stream ending inside a frame
// is an error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	length := binary.LittleEndian.Uint32(hdr[:])
	if length == 0 || length > MaxFrameSize {
		return nil, fmt.Errorf("frame length %d out of range", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading %d byte frame payload: %w", length, err)
	}
	return payload, nil
}

// DecodeEvent parses a fixed Event packet.
func DecodeEvent(payload []byte) (*Event, error) {
	if len(payload) != EventWireSize {
		return nil, fmt.Errorf("event frame is %d bytes, want %d", len(payload), EventWireSize)
	}
	var ev Event
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &ev); err != nil {
		return nil, fmt.Errorf("parsing event: %w", err)
	}
	return &ev, nil
}

// DecodeImageLoad parses an ImageLoadEvent packet.
func DecodeImageLoad(payload []byte) (*ImageLoadEvent, error) {
	if len(payload) != ImageLoadWireSize {
		return nil, fmt.Errorf("image load frame is %d bytes, want %d", len(payload), ImageLoadWireSize)
	}
	var ev ImageLoadEvent
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &ev); err != nil {
		return nil, fmt.Errorf("parsing image load: %w", err)
	}
	return &ev, nil
}

// DecodeImageNameChunk parses an ImageNameChunkEvent packet.
func DecodeImageNameChunk(payload []byte) (*ImageNameChunkEvent, error) {
	if len(payload) != ImageNameChunkWireSize {
		return nil, fmt.Errorf("image name chunk frame is %d bytes, want %d", len(payload), ImageNameChunkWireSize)
	}
	var ev ImageNameChunkEvent
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &ev); err != nil {
		return nil, fmt.Errorf("parsing image name chunk: %w", err)
	}
	return &ev, nil
}
