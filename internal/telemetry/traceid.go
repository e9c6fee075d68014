package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

// SessionTraceID derives the trace id for a session name. A 32-character
// lowercase hex name is used verbatim so orchestrators can pin the id;
// anything else is hashed with SHA-256, which keeps the id stable across
// tracer runs of the same session.
func SessionTraceID(session string) (trace.TraceID, error) {
	if len(session) == 32 {
		if traceID, err := trace.TraceIDFromHex(session); err == nil {
			return traceID, nil
		}
	}

	hash := sha256.Sum256([]byte(session))
	traceID, err := trace.TraceIDFromHex(hex.EncodeToString(hash[:16]))
	if err != nil {
		return trace.TraceID{}, fmt.Errorf("failed to create trace ID from hash: %w", err)
	}
	return traceID, nil
}

// SessionSpanID derives the synthetic session root span id. File spans
// from separate tracer runs of one session hang off the same parent.
func SessionSpanID(session string) (trace.SpanID, error) {
	hash := sha256.Sum256([]byte("session-root:" + session))
	spanID, err := trace.SpanIDFromHex(hex.EncodeToString(hash[:8]))
	if err != nil {
		return trace.SpanID{}, fmt.Errorf("failed to create span ID from hash: %w", err)
	}
	return spanID, nil
}
