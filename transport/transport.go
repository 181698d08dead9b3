// Package transport abstracts how sequenced stream tokens leave the
// process. The set of implementations is closed: a live SSE push, a
// deferred no-op sink for buffered jobs, a blocking in-memory accumulator
// for synchronous responses, and a bidirectional push used for replay after
// reconnect.
package transport

import (
	"errors"

	"github.com/streamsafe/gateway-go/stream"
)

var (
	// ErrClosed is returned by Send and Flush after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrNotConnected is returned when the underlying connection is gone.
	ErrNotConnected = errors.New("transport: not connected")
)

// Transport is a delivery sink for one session's tokens. Send buffers or
// writes a token; a send without a following Flush is not guaranteed to be
// delivered. Flush is a no-op for transports that are inherently
// unbuffered. Implementations are safe for use by a single sending
// goroutine; IsConnected may be called concurrently.
type Transport interface {
	Send(tok stream.Token) error
	Flush() error
	Close() error
	IsConnected() bool
	Type() string
}
