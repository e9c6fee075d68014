package tracewriter

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrace/internal/filter"
	"instrace/internal/trace"
)

func newTestWriter(t *testing.T, rules []filter.Rule) (*Writer, string, *bytes.Buffer) {
	t.Helper()
	prefix := filepath.Join(t.TempDir(), "run.")
	notify := &bytes.Buffer{}
	return New(prefix, filter.NewEngine(rules), notify), prefix, notify
}

func readEntries(t *testing.T, path string) []trace.Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	entries, err := trace.DecodeAll(data)
	require.NoError(t, err)
	return entries
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func TestFlushCadence(t *testing.T) {
	w, prefix, notify := newTestWriter(t, nil)
	require.NoError(t, w.StartTestcase(1))

	cur := trace.NewCursor(trace.NewBuffer(4))
	for i := 0; i < 4; i++ {
		w.RecordMemoryRead(cur, 0x401000+uint64(i), 0x7ffe0000+uint64(i), 8)
	}
	// The fourth entry filled the buffer and forced a flush.
	assert.Equal(t, int64(4*trace.EntrySize), fileSize(t, prefix+"t1.trace"))
	assert.Equal(t, 0, cur.Len())

	w.RecordMemoryRead(cur, 0x401004, 0x7ffe0004, 8)
	w.RecordMemoryRead(cur, 0x401005, 0x7ffe0005, 8)
	assert.Equal(t, int64(4*trace.EntrySize), fileSize(t, prefix+"t1.trace"))

	require.NoError(t, w.EndTestcase(cur))

	entries := readEntries(t, prefix+"t1.trace")
	require.Len(t, entries, 6)
	for i, e := range entries {
		assert.Equal(t, trace.TypeMemoryRead, e.Type)
		assert.Equal(t, uint32(8), e.Param0)
		assert.Equal(t, 0x401000+uint64(i), e.Param1)
		assert.Equal(t, 0x7ffe0000+uint64(i), e.Param2)
	}
	assert.Equal(t, fmt.Sprintf("t\t%st1.trace\n", prefix), notify.String())
}

func TestEndTestcaseWithEmptyBuffer(t *testing.T) {
	w, prefix, notify := newTestWriter(t, nil)
	require.NoError(t, w.StartTestcase(7))

	cur := trace.NewCursor(trace.NewBuffer(4))
	require.NoError(t, w.EndTestcase(cur))

	assert.Equal(t, int64(0), fileSize(t, prefix+"t7.trace"))
	assert.Equal(t, fmt.Sprintf("t\t%st7.trace\n", prefix), notify.String())
}

func TestNilCursorPassesThrough(t *testing.T) {
	w, prefix, _ := newTestWriter(t, nil)
	require.NoError(t, w.StartTestcase(1))

	assert.Nil(t, w.RecordMemoryRead(nil, 0x401000, 0x7ffe0000, 8))
	assert.Nil(t, w.RecordMemoryWrite(nil, 0x401000, 0x7ffe0000, 8))
	assert.Nil(t, w.RecordBranch(nil, 0x401000, 0x402000, true, trace.BranchJump))
	assert.Nil(t, w.RecordReturn(nil, 0x401000, 0x402000))
	assert.Nil(t, w.RecordHeapAllocSize(nil, 64))
	assert.Nil(t, w.RecordCallocSize(nil, 4, 16))
	assert.Nil(t, w.RecordHeapAllocReturn(nil, 0x7f0000000000))
	assert.Nil(t, w.RecordHeapFree(nil, 0x7f0000000000))
	assert.Nil(t, w.RecordStackPointerModification(nil, 0x401000, 0x7ffe0000, 1))
	assert.Nil(t, w.RecordStackPointerInfo(nil, 0x7ffd0000, 0x7fff0000))

	require.NoError(t, w.EndTestcase())
	assert.Equal(t, int64(0), fileSize(t, prefix+"t1.trace"))
}

func TestPrefixLifecycle(t *testing.T) {
	w, prefix, notify := newTestWriter(t, nil)
	require.NoError(t, w.StartPrefix())

	w.WriteImageLoad(true, 0x400000, 0x4fffff, "target")
	w.WriteImageLoad(false, 0x7f0000000000, 0x7f0000ffffff, "libc.so.6")

	cur := trace.NewCursor(trace.NewBuffer(8))
	w.RecordBranch(cur, 0x401000, 0x402000, true, trace.BranchCall)
	w.RecordMemoryWrite(cur, 0x402000, 0x7ffe0000, 4)

	// Switching to a testcase ends the prefix capture implicitly.
	require.NoError(t, w.StartTestcase(1, cur))

	prefixEntries := readEntries(t, prefix+"prefix.trace")
	require.Len(t, prefixEntries, 2)
	assert.Equal(t, trace.TypeBranch, prefixEntries[0].Type)
	assert.Equal(t, trace.TypeMemoryWrite, prefixEntries[1].Type)

	meta, err := os.ReadFile(prefix + "prefix_data.txt")
	require.NoError(t, err)
	want := "i\t1\t400000\t4fffff\ttarget\n" +
		"i\t0\t7f0000000000\t7f0000ffffff\tlibc.so.6\n"
	assert.Equal(t, want, string(meta))

	// The sidecar is closed now; further image loads are dropped.
	w.WriteImageLoad(true, 0x500000, 0x5fffff, "late.so")
	metaAfter, err := os.ReadFile(prefix + "prefix_data.txt")
	require.NoError(t, err)
	assert.Equal(t, want, string(metaAfter))

	// The prefix end produced no testcase announcement.
	assert.Empty(t, notify.String())

	require.NoError(t, w.EndTestcase(cur))
	assert.Equal(t, fmt.Sprintf("t\t%st1.trace\n", prefix), notify.String())
}

func TestFirstReturnSuppressedPerTestcase(t *testing.T) {
	w, prefix, _ := newTestWriter(t, nil)
	cur := trace.NewCursor(trace.NewBuffer(8))

	require.NoError(t, w.StartTestcase(1))
	w.RecordReturn(cur, 0x401000, 0x402000)
	w.RecordReturn(cur, 0x403000, 0x404000)
	require.NoError(t, w.EndTestcase(cur))

	entries := readEntries(t, prefix+"t1.trace")
	require.Len(t, entries, 1)
	assert.Equal(t, trace.TypeBranch, entries[0].Type)
	assert.Equal(t, trace.BranchTaken|trace.BranchReturn, entries[0].Flag)
	assert.Equal(t, uint64(0x403000), entries[0].Param1)

	// The suppression re-arms on every testcase start.
	require.NoError(t, w.StartTestcase(2))
	w.RecordReturn(cur, 0x405000, 0x406000)
	require.NoError(t, w.EndTestcase(cur))
	assert.Empty(t, readEntries(t, prefix+"t2.trace"))
}

func TestPrefixRecordsEveryReturn(t *testing.T) {
	w, prefix, _ := newTestWriter(t, nil)
	cur := trace.NewCursor(trace.NewBuffer(8))

	require.NoError(t, w.StartPrefix())
	w.RecordReturn(cur, 0x401000, 0x402000)
	require.NoError(t, w.EndTestcase(cur))

	entries := readEntries(t, prefix+"prefix.trace")
	require.Len(t, entries, 1)
	assert.Equal(t, trace.BranchTaken|trace.BranchReturn, entries[0].Flag)
}

func TestInstalledFilterSuppressesUnfilterableEntries(t *testing.T) {
	// A table holding only an inert rule matches nothing, but its
	// presence still disables the entry classes rules cannot express.
	w, prefix, _ := newTestWriter(t, []filter.Rule{{Type: filter.Whitelist | filter.DataAccess | filter.Read}})
	require.NoError(t, w.StartTestcase(1))

	cur := trace.NewCursor(trace.NewBuffer(8))
	w.RecordHeapAllocSize(cur, 64)
	w.RecordCallocSize(cur, 4, 16)
	w.RecordHeapAllocReturn(cur, 0x7f0000000000)
	w.RecordHeapFree(cur, 0x7f0000000000)
	w.RecordStackPointerModification(cur, 0x401000, 0x7ffe0000, 1)
	assert.Equal(t, 0, cur.Len())

	w.RecordStackPointerInfo(cur, 0x7ffd0000, 0x7fff0000)
	assert.Equal(t, 1, cur.Len())

	// Filterable entries go through Match and are rejected here.
	w.RecordMemoryRead(cur, 0x401000, 0x7ffe0000, 8)
	assert.Equal(t, 1, cur.Len())

	require.NoError(t, w.EndTestcase(cur))
	entries := readEntries(t, prefix+"t1.trace")
	require.Len(t, entries, 1)
	assert.Equal(t, trace.TypeStackPointerInfo, entries[0].Type)
}

func TestFilterMatchGatesRecording(t *testing.T) {
	rules := []filter.Rule{
		{Type: filter.Whitelist | filter.ControlFlow | filter.Call | filter.Linearize, OriginStart: 0x400000, OriginEnd: 0x4fffff},
	}
	w, prefix, _ := newTestWriter(t, rules)
	require.NoError(t, w.StartTestcase(1))

	cur := trace.NewCursor(trace.NewBuffer(8))
	w.RecordBranch(cur, 0x410000, 0x420000, true, trace.BranchCall)
	w.RecordBranch(cur, 0x600000, 0x610000, true, trace.BranchCall)
	require.NoError(t, w.EndTestcase(cur))

	entries := readEntries(t, prefix+"t1.trace")
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(0x410000), entries[0].Param1)
	// The linearize rule rewrote the recorded call into a jump.
	assert.Equal(t, trace.BranchTaken|trace.BranchJump, entries[0].Flag)
}

func TestBranchTakenBits(t *testing.T) {
	w, prefix, _ := newTestWriter(t, nil)
	require.NoError(t, w.StartTestcase(1))

	cur := trace.NewCursor(trace.NewBuffer(8))
	w.RecordBranch(cur, 0x401000, 0x402000, true, trace.BranchJump)
	w.RecordBranch(cur, 0x403000, 0x404000, false, trace.BranchJump)
	require.NoError(t, w.EndTestcase(cur))

	entries := readEntries(t, prefix+"t1.trace")
	require.Len(t, entries, 2)
	assert.Equal(t, trace.BranchTaken|trace.BranchJump, entries[0].Flag)
	assert.Equal(t, trace.BranchNotTaken|trace.BranchJump, entries[1].Flag)
}

func TestInactiveWriterDiscardsFlushes(t *testing.T) {
	w, prefix, notify := newTestWriter(t, nil)
	require.NoError(t, w.StartTestcase(1))
	require.NoError(t, w.EndTestcase())

	// Fill past capacity with no capture active: the overflow flush
	// discards and the cursor keeps working.
	cur := trace.NewCursor(trace.NewBuffer(4))
	for i := 0; i < 5; i++ {
		w.RecordMemoryRead(cur, 0x401000+uint64(i), 0x7ffe0000, 8)
	}
	assert.Equal(t, 1, cur.Len())

	// The stale entry is dropped when the next testcase starts.
	require.NoError(t, w.StartTestcase(2, cur))
	w.RecordMemoryWrite(cur, 0x409000, 0x7ffe0000, 4)
	require.NoError(t, w.EndTestcase(cur))

	entries := readEntries(t, prefix+"t2.trace")
	require.Len(t, entries, 1)
	assert.Equal(t, trace.TypeMemoryWrite, entries[0].Type)
	assert.Equal(t, fmt.Sprintf("t\t%st1.trace\nt\t%st2.trace\n", prefix, prefix), notify.String())
}

func TestCallocRecordsTotalSize(t *testing.T) {
	w, prefix, _ := newTestWriter(t, nil)
	require.NoError(t, w.StartTestcase(1))

	cur := trace.NewCursor(trace.NewBuffer(8))
	w.RecordCallocSize(cur, 3, 8)
	require.NoError(t, w.EndTestcase(cur))

	entries := readEntries(t, prefix+"t1.trace")
	require.Len(t, entries, 1)
	assert.Equal(t, trace.TypeHeapAllocSizeParameter, entries[0].Type)
	assert.Equal(t, uint64(24), entries[0].Param1)
}

func TestStartTestcaseWhileTestcaseActive(t *testing.T) {
	w, _, _ := newTestWriter(t, nil)
	require.NoError(t, w.StartTestcase(1))
	err := w.StartTestcase(2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still active")
}

func TestCompletionHook(t *testing.T) {
	w, prefix, _ := newTestWriter(t, nil)
	var got []Completion
	w.OnComplete(func(c Completion) { got = append(got, c) })

	require.NoError(t, w.StartPrefix())
	cur := trace.NewCursor(trace.NewBuffer(8))
	require.NoError(t, w.StartTestcase(3, cur))
	w.RecordMemoryRead(cur, 0x401000, 0x7ffe0000, 8)
	w.RecordMemoryRead(cur, 0x401008, 0x7ffe0008, 8)
	require.NoError(t, w.EndTestcase(cur))

	// The prefix end does not invoke the hook, only the testcase end.
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].TestcaseID)
	assert.Equal(t, prefix+"t3.trace", got[0].Filename)
	assert.Equal(t, uint64(2), got[0].Entries)
	assert.Equal(t, uint64(2*trace.EntrySize), got[0].Bytes)
	assert.False(t, got[0].Ended.Before(got[0].Started))
}

func TestCloseIsIdempotent(t *testing.T) {
	w, _, _ := newTestWriter(t, nil)
	require.NoError(t, w.StartTestcase(1))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestImageLoadIgnoredOutsidePrefix(t *testing.T) {
	w, prefix, _ := newTestWriter(t, nil)
	require.NoError(t, w.StartTestcase(1))
	w.WriteImageLoad(true, 0x400000, 0x4fffff, "target")
	require.NoError(t, w.EndTestcase())

	_, err := os.Stat(prefix + "prefix_data.txt")
	assert.True(t, os.IsNotExist(err))
}
