// Package heapprobe observes allocator calls in the target binary through
// eBPF uprobes, feeding heap lifecycle entries into the trace writer
// alongside the agent stream.
package heapprobe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"instrace/internal/trace"
	"instrace/internal/tracewriter"
)

// allocEvent mirrors struct alloc_event in heap_probe.bpf.c. SizeOrCount
// and AddrOrElem are a union: malloc carries the size, calloc carries
// count and element size, return and free events carry the heap address.
type allocEvent struct {
	Kind        uint8
	Pad         [3]byte
	Tid         uint32
	SizeOrCount uint64
	AddrOrElem  uint64
}

// Event kind values emitted by the probe programs.
const (
	eventMallocSize  = 1
	eventCallocSize  = 2
	eventAllocReturn = 3
	eventFree        = 4
)

// Probe holds the loaded programs and their attachments. The BPF object
// is compiled separately with clang and passed in by path.
type Probe struct {
	coll  *ebpf.Collection
	links []link.Link
	rd    *ringbuf.Reader
}

// Load reads and verifies the compiled probe object.
func Load(objPath string) (*Probe, error) {
	// Allow the current process to lock memory for eBPF resources
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("loading probe object %s: %w", objPath, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("loading probe programs: %w", err)
	}
	return &Probe{coll: coll}, nil
}

// closeErrorf closes everything attached so far and returns a formatted
// error.
func (p *Probe) closeErrorf(format string, args ...interface{}) error {
	for _, l := range p.links {
		_ = l.Close() //nolint:errcheck // Best-effort cleanup in the error path
	}
	p.links = nil
	return fmt.Errorf(format, args...)
}

// Attach opens the target binary and attaches the allocator probes to
// it. Attachments apply to processes started afterwards, so the target
// must not be running yet.
func (p *Probe) Attach(binPath string) error {
	ex, err := link.OpenExecutable(binPath)
	if err != nil {
		return fmt.Errorf("opening target %s: %w", binPath, err)
	}

	attachments := []struct {
		symbol  string
		program string
		ret     bool
	}{
		{"malloc", "malloc_enter", false},
		{"malloc", "malloc_return", true},
		{"calloc", "calloc_enter", false},
		{"calloc", "calloc_return", true},
		{"free", "free_enter", false},
	}
	for _, a := range attachments {
		prog := p.coll.Programs[a.program]
		if prog == nil {
			return p.closeErrorf("probe object has no program %q", a.program)
		}
		var l link.Link
		if a.ret {
			l, err = ex.Uretprobe(a.symbol, prog, nil)
		} else {
			l, err = ex.Uprobe(a.symbol, prog, nil)
		}
		if err != nil {
			return p.closeErrorf("attaching %s probe to %s: %w", a.program, a.symbol, err)
		}
		p.links = append(p.links, l)
	}
	return nil
}

// OpenRingBuffer opens the probe's event ring buffer.
func (p *Probe) OpenRingBuffer() (*ringbuf.Reader, error) {
	m := p.coll.Maps["events"]
	if m == nil {
		return nil, fmt.Errorf("probe object has no events map")
	}
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	p.rd = rd
	return rd, nil
}

// Drain records heap events from the ring buffer until it is closed. The
// cursor must be owned by the draining goroutine alone.
func (p *Probe) Drain(w *tracewriter.Writer, cur *trace.Cursor) {
	for {
		record, err := p.rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			log.Printf("reading from heap ring buffer: %v", err)
			continue
		}

		var ev allocEvent
		if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &ev); err != nil {
			log.Printf("parsing heap event: %v", err)
			continue
		}

		switch ev.Kind {
		case eventMallocSize:
			w.RecordHeapAllocSize(cur, ev.SizeOrCount)
		case eventCallocSize:
			w.RecordCallocSize(cur, ev.SizeOrCount, ev.AddrOrElem)
		case eventAllocReturn:
			w.RecordHeapAllocReturn(cur, ev.AddrOrElem)
		case eventFree:
			w.RecordHeapFree(cur, ev.AddrOrElem)
		}
	}
}

// Close detaches the probes and releases the kernel resources. The ring
// buffer close also stops a running Drain.
func (p *Probe) Close() error {
	var errs []error
	if p.rd != nil {
		if err := p.rd.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing ring buffer: %w", err))
		}
		p.rd = nil
	}
	for _, l := range p.links {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing probe link: %w", err))
		}
	}
	p.links = nil
	if p.coll != nil {
		p.coll.Close()
		p.coll = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}
	return nil
}
