package tracewriter

import "instrace/internal/trace"

// The Record methods append one entry to the calling thread's cursor and
// hand the buffer to Flush when it fills. Every method returns the cursor
// it was given; a nil cursor disables recording and passes through.

func (w *Writer) append(cur *trace.Cursor, e trace.Entry) *trace.Cursor {
	if cur.Put(e) {
		w.Flush(cur)
	}
	return cur
}

// RecordMemoryRead records a read of size bytes at addr by the
// instruction at ins.
func (w *Writer) RecordMemoryRead(cur *trace.Cursor, ins, addr uint64, size uint32) *trace.Cursor {
	if cur == nil {
		return nil
	}
	if ok, _ := w.engine.Match(trace.TypeMemoryRead, ins, addr, 0); !ok {
		return cur
	}
	return w.append(cur, trace.Entry{
		Type:   trace.TypeMemoryRead,
		Param0: size,
		Param1: ins,
		Param2: addr,
	})
}

// RecordMemoryWrite records a write of size bytes at addr by the
// instruction at ins.
func (w *Writer) RecordMemoryWrite(cur *trace.Cursor, ins, addr uint64, size uint32) *trace.Cursor {
	if cur == nil {
		return nil
	}
	if ok, _ := w.engine.Match(trace.TypeMemoryWrite, ins, addr, 0); !ok {
		return cur
	}
	return w.append(cur, trace.Entry{
		Type:   trace.TypeMemoryWrite,
		Param0: size,
		Param1: ins,
		Param2: addr,
	})
}

// RecordBranch records a control flow transfer from src to dst. kind is
// one of the trace.Branch* subtype bits; taken applies to conditional
// branches and is always true for calls and returns.
func (w *Writer) RecordBranch(cur *trace.Cursor, src, dst uint64, taken bool, kind uint8) *trace.Cursor {
	if cur == nil {
		return nil
	}
	flag := kind
	if taken {
		flag |= trace.BranchTaken
	} else {
		flag |= trace.BranchNotTaken
	}
	ok, flag := w.engine.Match(trace.TypeBranch, src, dst, flag)
	if !ok {
		return cur
	}
	return w.append(cur, trace.Entry{
		Type:   trace.TypeBranch,
		Flag:   flag,
		Param1: src,
		Param2: dst,
	})
}

// RecordReturn records the return branch from src to dst. The first
// return after a testcase starts is dropped: it is the return out of the
// controller's start notification, not traced code.
func (w *Writer) RecordReturn(cur *trace.Cursor, src, dst uint64) *trace.Cursor {
	if cur == nil {
		return nil
	}
	w.mu.Lock()
	seen := w.sawFirstReturn
	w.sawFirstReturn = true
	w.mu.Unlock()
	if !seen {
		return cur
	}
	return w.RecordBranch(cur, src, dst, true, trace.BranchReturn)
}

// RecordHeapAllocSize records the requested size of an allocation call.
// Heap lifecycle entries are suppressed while a filter is installed.
func (w *Writer) RecordHeapAllocSize(cur *trace.Cursor, size uint64) *trace.Cursor {
	if cur == nil || w.engine.Active() {
		return cur
	}
	return w.append(cur, trace.Entry{Type: trace.TypeHeapAllocSizeParameter, Param1: size})
}

// RecordCallocSize records a calloc request as its total size.
func (w *Writer) RecordCallocSize(cur *trace.Cursor, count, size uint64) *trace.Cursor {
	return w.RecordHeapAllocSize(cur, count*size)
}

// RecordHeapAllocReturn records the address an allocation call returned.
func (w *Writer) RecordHeapAllocReturn(cur *trace.Cursor, addr uint64) *trace.Cursor {
	if cur == nil || w.engine.Active() {
		return cur
	}
	return w.append(cur, trace.Entry{Type: trace.TypeHeapAllocAddressReturn, Param2: addr})
}

// RecordHeapFree records the address passed to free.
func (w *Writer) RecordHeapFree(cur *trace.Cursor, addr uint64) *trace.Cursor {
	if cur == nil || w.engine.Active() {
		return cur
	}
	return w.append(cur, trace.Entry{Type: trace.TypeHeapFreeAddressParameter, Param2: addr})
}

// RecordStackPointerModification records the instruction at ins setting
// the stack pointer to sp. flag describes the modifying instruction and
// passes through opaque. Suppressed while a filter is installed.
func (w *Writer) RecordStackPointerModification(cur *trace.Cursor, ins, sp uint64, flag uint8) *trace.Cursor {
	if cur == nil || w.engine.Active() {
		return cur
	}
	return w.append(cur, trace.Entry{
		Type:   trace.TypeStackPointerModification,
		Flag:   flag,
		Param1: ins,
		Param2: sp,
	})
}

// RecordStackPointerInfo records the stack bounds of a thread. These
// entries bypass the filter entirely.
func (w *Writer) RecordStackPointerInfo(cur *trace.Cursor, min, max uint64) *trace.Cursor {
	if cur == nil {
		return nil
	}
	return w.append(cur, trace.Entry{
		Type:   trace.TypeStackPointerInfo,
		Param1: min,
		Param2: max,
	})
}
