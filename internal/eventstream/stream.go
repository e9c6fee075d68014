package eventstream

import (
	"context"
	"errors"
	"io"
	"log"

	"instrace/internal/hostev"
)

// Handler receives decoded agent packets.
type Handler interface {
	HandleEvent(event *hostev.Event) error
	HandleImageLoad(load *hostev.ImageLoadEvent) error
	HandleImageNameChunk(chunk *hostev.ImageNameChunkEvent) error
}

// Stream reads framed agent packets from a byte stream and dispatches
// them to a handler.
type Stream struct {
	r       io.Reader
	handler Handler
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a new Stream reading from r.
func New(r io.Reader, handler Handler) *Stream {
	return &Stream{
		r:       r,
		handler: handler,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins reading frames in a goroutine. It returns immediately and
// processes events in the background until the stream ends, the context
// is cancelled or Stop is called.
func (s *Stream) Start(ctx context.Context) error {
	go s.processFrames(ctx)
	return nil
}

// Stop signals the frame processing goroutine to stop.
func (s *Stream) Stop() error {
	close(s.stopCh)
	return nil
}

// Done is closed once the processing goroutine has drained the stream.
func (s *Stream) Done() <-chan struct{} {
	return s.doneCh
}

// processFrames is the main loop that reads and dispatches frames.
func (s *Stream) processFrames(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
			payload, err := hostev.ReadFrame(s.r)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				// Framing is lost after a bad frame; the stream
				// cannot be resynchronized.
				log.Printf("reading event frame: %v", err)
				return
			}

			if err := s.dispatch(payload); err != nil {
				log.Printf("handling event: %v", err)
			}
		}
	}
}

// dispatch decodes one frame payload and routes it by kind.
func (s *Stream) dispatch(payload []byte) error {
	switch payload[0] {
	case hostev.KindImageLoad:
		load, err := hostev.DecodeImageLoad(payload)
		if err != nil {
			return err
		}
		return s.handler.HandleImageLoad(load)
	case hostev.KindImageNameChunk:
		chunk, err := hostev.DecodeImageNameChunk(payload)
		if err != nil {
			return err
		}
		return s.handler.HandleImageNameChunk(chunk)
	default:
		event, err := hostev.DecodeEvent(payload)
		if err != nil {
			return err
		}
		return s.handler.HandleEvent(event)
	}
}
