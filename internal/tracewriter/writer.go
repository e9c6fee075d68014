package tracewriter

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"instrace/internal/filter"
	"instrace/internal/trace"
)

// inactiveTestcase marks the writer as having no numbered testcase open.
const inactiveTestcase = -1

// Completion describes one finished testcase trace file.
type Completion struct {
	TestcaseID int
	Filename   string
	Entries    uint64
	Bytes      uint64
	Started    time.Time
	Ended      time.Time
}

// CompletionFunc is called after every finished testcase trace file.
type CompletionFunc func(Completion)

// Writer owns the trace files of one tracing session. All state
// transitions and flushes are serialized internally, so cursors from
// several producing threads may feed it concurrently.
type Writer struct {
	mu         sync.Mutex
	prefix     string
	engine     *filter.Engine
	notify     io.Writer
	onComplete CompletionFunc

	out      *os.File
	meta     *os.File
	filename string

	testcaseID     int
	prefixMode     bool
	sawFirstReturn bool

	entriesWritten uint64
	bytesWritten   uint64
	openedAt       time.Time
	writeErr       error
	scratch        []byte
}

// New creates a writer. Every produced filename starts with prefix.
// Finished testcase files are announced on notify; nil discards the
// announcements. A nil engine records everything.
func New(prefix string, engine *filter.Engine, notify io.Writer) *Writer {
	if notify == nil {
		notify = io.Discard
	}
	return &Writer{
		prefix:     prefix,
		engine:     engine,
		notify:     notify,
		testcaseID: inactiveTestcase,
	}
}

// OnComplete registers f to run after every finished testcase file. It
// must be set before tracing starts.
func (w *Writer) OnComplete(f CompletionFunc) {
	w.onComplete = f
}

// FilterActive reports whether a non-empty rule table is installed.
func (w *Writer) FilterActive() bool {
	return w.engine.Active()
}

// StartPrefix opens <prefix>prefix.trace and the <prefix>prefix_data.txt
// metadata sidecar, truncating existing files, and enters prefix mode.
// Prefix captures record every return: the first-return suppression only
// applies to testcases.
func (w *Writer) StartPrefix() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.prefixMode || w.out != nil {
		return fmt.Errorf("capture already active")
	}

	meta, err := os.Create(w.prefix + "prefix_data.txt")
	if err != nil {
		return fmt.Errorf("opening trace metadata file: %w", err)
	}
	name := w.prefix + "prefix.trace"
	out, err := os.Create(name)
	if err != nil {
		meta.Close()
		return fmt.Errorf("opening prefix trace file: %w", err)
	}

	w.meta = meta
	w.out = out
	w.filename = name
	w.prefixMode = true
	w.sawFirstReturn = true
	w.entriesWritten, w.bytesWritten = 0, 0
	w.openedAt = time.Now()
	log.Printf("Trace prefix mode started")
	return nil
}

// StartTestcase switches capture to the numbered testcase, ending an
// active prefix capture first. Entries still buffered in curs from before
// the switch belong to the previous capture; the prefix end flushes them,
// otherwise they are stale and dropped.
func (w *Writer) StartTestcase(id int, curs ...*trace.Cursor) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.prefixMode {
		if err := w.endTestcaseLocked(curs); err != nil {
			return err
		}
	}
	if w.out != nil {
		return fmt.Errorf("testcase %d still active", w.testcaseID)
	}
	for _, cur := range curs {
		if cur != nil {
			cur.Reset()
		}
	}

	name := fmt.Sprintf("%st%d.trace", w.prefix, id)
	out, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("opening trace file for testcase %d: %w", id, err)
	}
	w.out = out
	w.filename = name
	w.testcaseID = id
	w.sawFirstReturn = false
	w.entriesWritten, w.bytesWritten = 0, 0
	w.openedAt = time.Now()
	log.Printf("Switched to testcase #%d", id)
	return nil
}

// EndTestcase flushes the given cursors, closes the active trace file and
// deactivates capture. Ending a prefix capture also closes the metadata
// sidecar; ending a numbered testcase announces the finished file on the
// notification writer. Ending while inactive only drains the cursors.
func (w *Writer) EndTestcase(curs ...*trace.Cursor) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.endTestcaseLocked(curs)
}

func (w *Writer) endTestcaseLocked(curs []*trace.Cursor) error {
	for _, cur := range curs {
		if cur == nil || cur.Len() == 0 {
			continue
		}
		w.flushLocked(cur)
		cur.Reset()
	}

	var errs []error
	if w.writeErr != nil {
		errs = append(errs, w.writeErr)
		w.writeErr = nil
	}

	ended := time.Now()
	if w.out != nil {
		if err := w.out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing trace file: %w", err))
		}
		w.out = nil
	}

	if w.prefixMode {
		if w.meta != nil {
			if err := w.meta.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing trace metadata file: %w", err))
			}
			w.meta = nil
		}
		w.prefixMode = false
		log.Printf("Trace prefix mode ended")
	} else if w.testcaseID != inactiveTestcase {
		fmt.Fprintf(w.notify, "t\t%s\n", w.filename)
		if w.onComplete != nil {
			w.onComplete(Completion{
				TestcaseID: w.testcaseID,
				Filename:   w.filename,
				Entries:    w.entriesWritten,
				Bytes:      w.bytesWritten,
				Started:    w.openedAt,
				Ended:      ended,
			})
		}
	}
	w.testcaseID = inactiveTestcase

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Flush serializes the cursor's pending entries to the active trace file
// and returns the cursor to the buffer origin. While no capture is active
// the entries are discarded.
func (w *Writer) Flush(cur *trace.Cursor) {
	if cur == nil {
		return
	}
	w.mu.Lock()
	w.flushLocked(cur)
	w.mu.Unlock()
	cur.Reset()
}

// flushLocked appends the cursor's pending entries to the open trace
// file. A failed write is remembered and surfaced by the next EndTestcase
// or Close; further flushes become no-ops until then.
func (w *Writer) flushLocked(cur *trace.Cursor) {
	pending := cur.Pending()
	if len(pending) == 0 {
		return
	}
	if !w.prefixMode && w.testcaseID == inactiveTestcase {
		return
	}
	if w.out == nil || w.writeErr != nil {
		return
	}

	need := len(pending) * trace.EntrySize
	if cap(w.scratch) < need {
		w.scratch = make([]byte, need)
	}
	buf := w.scratch[:need]
	for i := range pending {
		pending[i].Encode(buf[i*trace.EntrySize:])
	}

	n, err := w.out.Write(buf)
	if err != nil {
		w.writeErr = fmt.Errorf("writing %s: %w", w.filename, err)
		log.Printf("Trace write failed: %v", w.writeErr)
		return
	}
	w.entriesWritten += uint64(len(pending))
	w.bytesWritten += uint64(n)
}

// WriteImageLoad appends one image line to the prefix metadata sidecar:
//
//	i\t<0|1>\t<start hex>\t<end hex>\t<name>\n
//
// Loads reported outside prefix mode are logged and dropped.
func (w *Writer) WriteImageLoad(interesting bool, start, end uint64, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.prefixMode || w.meta == nil {
		log.Printf("Image load ignored: %s", name)
		return
	}
	flag := 0
	if interesting {
		flag = 1
	}
	fmt.Fprintf(w.meta, "i\t%d\t%x\t%x\t%s\n", flag, start, end, name)
}

// Close ends any active capture and releases the files. Buffered entries
// not handed to EndTestcase beforehand are lost. Safe to call more than
// once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.endTestcaseLocked(nil)
}
