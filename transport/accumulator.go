package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/streamsafe/gateway-go/stream"
)

// ErrStreamFailed is returned by Accumulator.Wait when the stream ended
// with an error token instead of completing normally.
var ErrStreamFailed = errors.New("transport: stream failed")

// Accumulator concatenates text tokens in memory for synchronous delivery.
// The caller blocks on Wait until the owning session closes the transport.
type Accumulator struct {
	mu        sync.Mutex
	sb        strings.Builder
	failedMsg string
	failed    bool
	closed    bool
	done      chan struct{}
}

// NewAccumulator builds an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{done: make(chan struct{})}
}

func (t *Accumulator) Send(tok stream.Token) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	switch tok.Kind {
	case stream.KindText:
		t.sb.WriteString(tok.Text)
	case stream.KindError:
		t.failed = true
		t.failedMsg = tok.Text
	}
	return nil
}

func (t *Accumulator) Flush() error { return nil }

// Close seals the accumulator and releases waiters.
func (t *Accumulator) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

func (t *Accumulator) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *Accumulator) Type() string { return "sync" }

// Wait blocks until the transport is closed or ctx is canceled, then
// returns the accumulated text. A stream that ended with an error token
// yields ErrStreamFailed wrapping the recorded reason.
func (t *Accumulator) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.done:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed {
		return "", fmt.Errorf("%w: %s", ErrStreamFailed, t.failedMsg)
	}
	return t.sb.String(), nil
}

var _ Transport = (*Accumulator)(nil)
