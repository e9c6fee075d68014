package eventprocessor

import (
	"fmt"
	"log"

	"instrace/internal/hostev"
	"instrace/internal/image"
	"instrace/internal/trace"
	"instrace/internal/tracewriter"
)

// Processor coordinates event processing. It routes agent packets into
// the trace writer, owns one capture cursor per traced thread and
// reassembles chunked image names.
//
// All handler methods run on the event stream goroutine; the cursor map
// needs no locking.
type Processor struct {
	writer     *tracewriter.Writer
	registry   *image.Registry
	classifier *image.Classifier
	capacity   int

	cursors map[uint32]*trace.Cursor
	pending *imageName
}

// NewProcessor creates a new event processor writing through w. capacity
// sizes the per-thread capture buffers; zero selects the default.
func NewProcessor(w *tracewriter.Writer, registry *image.Registry, classifier *image.Classifier, capacity int) *Processor {
	return &Processor{
		writer:     w,
		registry:   registry,
		classifier: classifier,
		capacity:   capacity,
		cursors:    make(map[uint32]*trace.Cursor),
	}
}

// cursorFor returns the capture cursor of a thread, creating it on first
// use.
func (p *Processor) cursorFor(tid uint32) *trace.Cursor {
	if cur, ok := p.cursors[tid]; ok {
		return cur
	}
	cur := trace.NewCursor(trace.NewBuffer(p.capacity))
	p.cursors[tid] = cur
	return cur
}

// allCursors returns every live cursor for testcase transitions.
func (p *Processor) allCursors() []*trace.Cursor {
	curs := make([]*trace.Cursor, 0, len(p.cursors))
	for _, cur := range p.cursors {
		curs = append(curs, cur)
	}
	return curs
}

// HandleEvent routes fixed-size events by kind.
func (p *Processor) HandleEvent(event *hostev.Event) error {
	switch event.Kind {
	case hostev.KindMemoryRead:
		p.writer.RecordMemoryRead(p.cursorFor(event.Tid), event.AddrA, event.AddrB, event.Size)
	case hostev.KindMemoryWrite:
		p.writer.RecordMemoryWrite(p.cursorFor(event.Tid), event.AddrA, event.AddrB, event.Size)
	case hostev.KindBranch:
		kind := trace.BranchJump
		if event.Flags&hostev.BranchFlagCall != 0 {
			kind = trace.BranchCall
		}
		taken := event.Flags&hostev.BranchFlagTaken != 0
		p.writer.RecordBranch(p.cursorFor(event.Tid), event.AddrA, event.AddrB, taken, kind)
	case hostev.KindReturn:
		p.writer.RecordReturn(p.cursorFor(event.Tid), event.AddrA, event.AddrB)
	case hostev.KindStackPointerMod:
		p.writer.RecordStackPointerModification(p.cursorFor(event.Tid), event.AddrA, event.AddrB, event.Flags)
	case hostev.KindStackPointerInfo:
		p.writer.RecordStackPointerInfo(p.cursorFor(event.Tid), event.AddrA, event.AddrB)
	case hostev.KindHeapAllocSize:
		p.writer.RecordHeapAllocSize(p.cursorFor(event.Tid), event.AddrA)
	case hostev.KindCallocSize:
		p.writer.RecordCallocSize(p.cursorFor(event.Tid), event.AddrA, event.AddrB)
	case hostev.KindHeapAllocReturn:
		p.writer.RecordHeapAllocReturn(p.cursorFor(event.Tid), event.AddrA)
	case hostev.KindHeapFree:
		p.writer.RecordHeapFree(p.cursorFor(event.Tid), event.AddrA)
	case hostev.KindTestcaseStart:
		return p.writer.StartTestcase(event.TestcaseID(), p.allCursors()...)
	case hostev.KindTestcaseEnd:
		return p.writer.EndTestcase(p.allCursors()...)
	default:
		// Unknown event kind - ignore
	}
	return nil
}

// HandleImageLoad starts collecting an image announcement. Registration
// waits until the full name has arrived.
func (p *Processor) HandleImageLoad(load *hostev.ImageLoadEvent) error {
	if p.pending != nil {
		log.Printf("image load arrived before the previous name completed, dropping the incomplete one")
	}
	asm, done := newImageName(load)
	p.pending = asm
	if done {
		p.finishImage()
	}
	return nil
}

// HandleImageNameChunk continues the name of the pending image load.
func (p *Processor) HandleImageNameChunk(chunk *hostev.ImageNameChunkEvent) error {
	if p.pending == nil {
		return fmt.Errorf("image name chunk without a pending image load")
	}
	if p.pending.add(chunk) {
		p.finishImage()
	}
	return nil
}

// finishImage classifies and registers the completed image and records it
// in the prefix metadata.
func (p *Processor) finishImage() {
	name, start, end := p.pending.result()
	p.pending = nil

	interesting := false
	if p.classifier != nil {
		interesting = p.classifier.Interesting(name, start, end, p.registry.Len())
	}
	p.registry.Register(interesting, name, start, end)
	p.writer.WriteImageLoad(interesting, start, end, name)
}

// Close flushes every thread's remaining entries and ends any capture
// still active.
func (p *Processor) Close() error {
	return p.writer.EndTestcase(p.allCursors()...)
}
