// Package upstream defines the contract with the content-generating
// service. The gateway consumes its output as a cancellable, lazily
// produced sequence of text chunks; ordering within one request is the
// producer's responsibility.
package upstream

import (
	"context"
	"encoding/json"
)

// Request identifies one generation job.
type Request struct {
	// RequestID correlates the job with the gateway session.
	RequestID string
	// Tool is the upstream tool or model being invoked.
	Tool string
	// Arguments is the opaque tool-call payload.
	Arguments json.RawMessage
}

// Chunk is one unit of generated output.
type Chunk struct {
	Text     string
	Metadata map[string]string
}

// TokenStream is a pull-based sequence of chunks for a single request.
// Next blocks until a chunk is available, returns io.EOF when the upstream
// finished normally, and any other error for abnormal termination. Streams
// are consumed by a single goroutine; Close releases producer resources and
// must be safe to call after Next returned an error.
type TokenStream interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// ContentSource produces token streams. Stream must respect ctx
// cancellation both when opening the stream and inside Next: once the
// session owning the request is torn down, the producer should stop
// promptly.
type ContentSource interface {
	Stream(ctx context.Context, req Request) (TokenStream, error)
}
