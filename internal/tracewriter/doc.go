// Package tracewriter turns recorded runtime events into binary trace
// files, one file per testcase plus an optional startup prefix.
//
// Capture lifecycle:
//
//	┌────────┐  StartPrefix   ┌────────┐
//	│ Closed │───────────────►│ Prefix │────────────┐
//	└────────┘                └───┬────┘            │ EndTestcase
//	     ▲                        │ StartTestcase   │
//	     │ Close                  ▼                 ▼
//	     │                   ┌──────────┐      ┌──────────┐
//	     └───────────────────┤ Testcase │─────►│ Inactive │
//	                         └──────────┘ End  └────┬─────┘
//	                              ▲                 │
//	                              └─────────────────┘
//	                                 StartTestcase
//
// StartTestcase while a prefix capture is active ends the prefix first, so
// a controller can drive the writer with start/end pairs alone.
//
// The prefix capture additionally owns a metadata sidecar file listing the
// executable images loaded during startup. Image loads reported at any
// other time are dropped.
//
// Entries reach the writer through the Record methods. Each method takes
// the calling thread's buffer cursor, consults the filter engine and
// appends the entry; when the buffer fills, the pending entries are
// serialized to the active trace file in one write. While no capture is
// active, flushed entries are discarded.
//
// Ending a numbered testcase publishes the finished filename as a
// tab-separated line on the notification writer:
//
//	t\t<filename>\n
//
// which a fuzzing controller consumes to pair trace files with the inputs
// that produced them. An optional completion hook receives the same
// information plus volume counters, for telemetry.
package tracewriter
