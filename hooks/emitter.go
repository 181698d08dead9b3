package hooks

import (
	"context"
	"log/slog"
)

// Emitter delivers events to a Sink without ever blocking the caller. Each
// event is dispatched on its own goroutine and sink panics are recovered
// and logged locally. A nil sink turns every emit into a no-op.
type Emitter struct {
	sink Sink
	log  *slog.Logger
}

// NewEmitter wraps sink. A nil logger discards recovery logs.
func NewEmitter(sink Sink, log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Emitter{sink: sink, log: log}
}

func (e *Emitter) dispatch(name string, fn func()) {
	if e.sink == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("hooks.sink.panic", slog.String("event", name), slog.Any("panic", r))
			}
		}()
		fn()
	}()
}

// detach strips cancellation so a sink still sees the event after the
// originating request finished.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (e *Emitter) SessionStarted(ctx context.Context, ev SessionStart) {
	ctx = detach(ctx)
	e.dispatch("session_started", func() { e.sink.SessionStarted(ctx, ev) })
}

func (e *Emitter) FirstByteSent(ctx context.Context, ev FirstByte) {
	ctx = detach(ctx)
	e.dispatch("first_byte", func() { e.sink.FirstByteSent(ctx, ev) })
}

func (e *Emitter) SessionEnded(ctx context.Context, ev SessionEnd) {
	ctx = detach(ctx)
	e.dispatch("session_ended", func() { e.sink.SessionEnded(ctx, ev) })
}

func (e *Emitter) FallbackTriggered(ctx context.Context, ev Fallback) {
	ctx = detach(ctx)
	e.dispatch("fallback", func() { e.sink.FallbackTriggered(ctx, ev) })
}
