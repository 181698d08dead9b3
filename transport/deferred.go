package transport

import "github.com/streamsafe/gateway-go/stream"

// Deferred is the sink for async-job sessions. The owning session already
// buffers every token before handing it to the transport, and buffered
// tokens are the deliverable for this mode, so Send performs no external
// I/O. A deferred transport is always connected.
type Deferred struct{}

// NewDeferred builds a deferred sink.
func NewDeferred() *Deferred { return &Deferred{} }

func (*Deferred) Send(stream.Token) error { return nil }
func (*Deferred) Flush() error            { return nil }
func (*Deferred) Close() error            { return nil }
func (*Deferred) IsConnected() bool       { return true }
func (*Deferred) Type() string            { return "deferred" }

var _ Transport = (*Deferred)(nil)
