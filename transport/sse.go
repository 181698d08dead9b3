package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/streamsafe/gateway-go/stream"
)

// lockedWriteFlusher serializes writes and flushes against an HTTP response
// and refuses both once the request context is canceled. The double check
// around the lock minimizes races with cancellation.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// ssePayload is the wire shape of one token event.
type ssePayload struct {
	Sequence uint64            `json:"sequence"`
	Kind     stream.TokenKind  `json:"kind"`
	Text     string            `json:"text,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// writeEvent emits one SSE frame: the token sequence as the event id, the
// kind as the event name, and the JSON payload as data.
func writeEvent(w io.Writer, tok stream.Token) error {
	b, err := json.Marshal(ssePayload{Sequence: tok.Sequence, Kind: tok.Kind, Text: tok.Text, Metadata: tok.Metadata})
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	if _, err := io.WriteString(w, "id: "+strconv.FormatUint(tok.Sequence, 10)+"\n"); err != nil {
		return fmt.Errorf("write sse event id: %w", err)
	}
	if _, err := io.WriteString(w, "event: "+string(tok.Kind)+"\n"); err != nil {
		return fmt.Errorf("write sse event name: %w", err)
	}
	if _, err := io.WriteString(w, "data: "); err != nil {
		return fmt.Errorf("write sse data prefix: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write sse payload: %w", err)
	}
	if _, err := io.WriteString(w, "\n\n"); err != nil {
		return fmt.Errorf("write sse frame terminator: %w", err)
	}
	return nil
}

// SSE delivers tokens live over a server-sent event stream. Sends after the
// client disconnects (request context canceled) or after Close surface as
// transport errors.
type SSE struct {
	wf     *lockedWriteFlusher
	ctx    context.Context
	mu     sync.Mutex
	closed bool
}

// NewSSE wraps an HTTP response writer that must support flushing. The
// context should be the request context so a client disconnect invalidates
// the transport.
func NewSSE(ctx context.Context, w http.ResponseWriter) (*SSE, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse transport: %w: response writer does not support flushing", ErrNotConnected)
	}
	return &SSE{wf: &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}, ctx: ctx}, nil
}

func (t *SSE) Send(tok stream.Token) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if t.ctx.Err() != nil {
		return fmt.Errorf("sse transport: %w: %v", ErrNotConnected, t.ctx.Err())
	}
	if err := writeEvent(t.wf, tok); err != nil {
		return fmt.Errorf("sse transport: %w: %v", ErrNotConnected, err)
	}
	return nil
}

func (t *SSE) Flush() error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	t.wf.Flush()
	return t.ctx.Err()
}

// Close marks the transport closed. The underlying connection belongs to
// the HTTP server and is released when the handler returns.
func (t *SSE) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *SSE) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.ctx.Err() == nil
}

func (t *SSE) Type() string { return "sse" }

var _ Transport = (*SSE)(nil)
