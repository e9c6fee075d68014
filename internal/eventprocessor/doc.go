// Package eventprocessor routes decoded agent packets into the trace
// writer and keeps the per-thread capture state.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│      Framed agent event stream          │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor                        │  ← Event routing
//	│   - Routes by event kind                │
//	│   - One capture cursor per thread       │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ memory/branch/   ──→ tracewriter.Record*
//	          │    heap/stack            - Filter check
//	          │    events                - Buffered append
//	          │
//	          ├──→ testcase start/  ──→ tracewriter lifecycle
//	          │    end                   - Flushes every cursor
//	          │                          - Opens/closes trace files
//	          │
//	          └──→ image load +     ──→ imageName assembly
//	               name chunks           - image.Classifier verdict
//	                                     - image.Registry entry
//	                                     - Prefix metadata line
//
// Image names longer than one packet arrive as a load followed by
// continuation chunks; the processor assembles them before classifying
// and registering the image.
//
// All handler methods run on the stream goroutine. The trace writer does
// its own locking, so heap probe cursors may feed it concurrently.
package eventprocessor
