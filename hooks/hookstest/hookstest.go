// Package hookstest provides a recording Sink for assertions in tests.
package hookstest

import (
	"context"
	"sync"
	"time"

	"github.com/streamsafe/gateway-go/hooks"
)

// Recorder is a hooks.Sink that remembers every event it receives.
type Recorder struct {
	mu        sync.Mutex
	starts    []hooks.SessionStart
	firstByte []hooks.FirstByte
	ends      []hooks.SessionEnd
	fallbacks []hooks.Fallback
}

// NewRecorder builds an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) SessionStarted(ctx context.Context, ev hooks.SessionStart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, ev)
}

func (r *Recorder) FirstByteSent(ctx context.Context, ev hooks.FirstByte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.firstByte = append(r.firstByte, ev)
}

func (r *Recorder) SessionEnded(ctx context.Context, ev hooks.SessionEnd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, ev)
}

func (r *Recorder) FallbackTriggered(ctx context.Context, ev hooks.Fallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append(r.fallbacks, ev)
}

// Starts returns a copy of recorded session-start events.
func (r *Recorder) Starts() []hooks.SessionStart {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hooks.SessionStart(nil), r.starts...)
}

// FirstBytes returns a copy of recorded first-byte events.
func (r *Recorder) FirstBytes() []hooks.FirstByte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hooks.FirstByte(nil), r.firstByte...)
}

// Ends returns a copy of recorded session-end events.
func (r *Recorder) Ends() []hooks.SessionEnd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hooks.SessionEnd(nil), r.ends...)
}

// Fallbacks returns a copy of recorded fallback events.
func (r *Recorder) Fallbacks() []hooks.Fallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hooks.Fallback(nil), r.fallbacks...)
}

// WaitFallbacks polls until at least n fallback events were recorded or the
// timeout elapses.
func (r *Recorder) WaitFallbacks(n int, timeout time.Duration) []hooks.Fallback {
	deadline := time.Now().Add(timeout)
	for {
		got := r.Fallbacks()
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitEnds polls until at least n session-end events were recorded or the
// timeout elapses.
func (r *Recorder) WaitEnds(n int, timeout time.Duration) []hooks.SessionEnd {
	deadline := time.Now().Add(timeout)
	for {
		got := r.Ends()
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var _ hooks.Sink = (*Recorder)(nil)
