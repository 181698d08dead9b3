package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/streamsafe/gateway-go/stream"
)

// Bidi is a push transport for reconnect scenarios. It carries the same
// wire contract as SSE but additionally holds the cursor the replay store
// handed it, so missed tokens are replayed before live delivery resumes.
type Bidi struct {
	wf      *lockedWriteFlusher
	ctx     context.Context
	mu      sync.Mutex
	closed  bool
	fromSeq uint64
}

// NewBidi wraps an HTTP response writer for a resuming client. fromSeq is
// the first sequence the client has not yet observed.
func NewBidi(ctx context.Context, w http.ResponseWriter, fromSeq uint64) (*Bidi, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("bidi transport: %w: response writer does not support flushing", ErrNotConnected)
	}
	return &Bidi{wf: &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}, ctx: ctx, fromSeq: fromSeq}, nil
}

// ResumeCursor returns the cursor this transport was handed.
func (t *Bidi) ResumeCursor() uint64 { return t.fromSeq }

// Send drops tokens the client already observed and pushes the rest.
func (t *Bidi) Send(tok stream.Token) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if t.ctx.Err() != nil {
		return fmt.Errorf("bidi transport: %w: %v", ErrNotConnected, t.ctx.Err())
	}
	if tok.Sequence < t.fromSeq {
		return nil
	}
	if err := writeEvent(t.wf, tok); err != nil {
		return fmt.Errorf("bidi transport: %w: %v", ErrNotConnected, err)
	}
	return nil
}

func (t *Bidi) Flush() error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	t.wf.Flush()
	return t.ctx.Err()
}

func (t *Bidi) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Bidi) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.ctx.Err() == nil
}

func (t *Bidi) Type() string { return "bidi" }

var _ Transport = (*Bidi)(nil)
