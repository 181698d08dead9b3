// Package upstreamtest provides scripted content sources for exercising the
// streaming pipeline without a real upstream.
package upstreamtest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/streamsafe/gateway-go/upstream"
)

// Script describes the behavior of one scripted stream.
type Script struct {
	// Chunks are emitted in order.
	Chunks []string
	// ChunkDelay is slept before each chunk.
	ChunkDelay time.Duration
	// InitialDelay is slept before the first chunk. Useful for forcing
	// first-byte timeouts.
	InitialDelay time.Duration
	// FailAfter aborts the stream with Err after this many chunks when Err
	// is set.
	FailAfter int
	// Err is the abnormal-termination error, if any.
	Err error
}

// Source replays a Script for every request.
type Source struct {
	mu      sync.Mutex
	script  Script
	openErr error
	opened  int
}

// NewSource builds a source that streams script.
func NewSource(script Script) *Source {
	return &Source{script: script}
}

// FailOpen makes subsequent Stream calls fail with err.
func (s *Source) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// Opened reports how many streams were started.
func (s *Source) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *Source) Stream(ctx context.Context, req upstream.Request) (upstream.TokenStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.opened++
	return &scriptedStream{script: s.script}, nil
}

type scriptedStream struct {
	script Script
	idx    int
}

func (st *scriptedStream) Next(ctx context.Context) (upstream.Chunk, error) {
	delay := st.script.ChunkDelay
	if st.idx == 0 && st.script.InitialDelay > 0 {
		delay = st.script.InitialDelay
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return upstream.Chunk{}, ctx.Err()
		case <-timer.C:
		}
	} else if ctx.Err() != nil {
		return upstream.Chunk{}, ctx.Err()
	}

	if st.script.Err != nil && st.idx >= st.script.FailAfter {
		return upstream.Chunk{}, st.script.Err
	}
	if st.idx >= len(st.script.Chunks) {
		return upstream.Chunk{}, io.EOF
	}
	chunk := upstream.Chunk{Text: st.script.Chunks[st.idx]}
	st.idx++
	return chunk, nil
}

func (st *scriptedStream) Close() error { return nil }

var _ upstream.ContentSource = (*Source)(nil)
