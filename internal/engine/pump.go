package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/streamsafe/gateway-go/hooks"
	"github.com/streamsafe/gateway-go/session"
	"github.com/streamsafe/gateway-go/stream"
	"github.com/streamsafe/gateway-go/upstream"
)

type pumped struct {
	chunk upstream.Chunk
	err   error
}

// pump is the sole writer of its session. It consumes the upstream token
// stream chunk by chunk, delivering each through the session before reading
// the next, and interleaves heartbeats and the idle timeout. It always
// leaves the session terminal and runs finishSession exactly once.
func (e *Engine) pump(ctx context.Context, sess *session.Session, req upstream.Request) {
	defer e.finishSession(ctx, sess)

	ts, err := e.source.Stream(ctx, req)
	if err != nil {
		sess.Fail("upstream_error", err)
		return
	}
	defer func() { _ = ts.Close() }()

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	// Next may block arbitrarily long, so reads run on their own goroutine
	// and feed this channel; the select below keeps heartbeats and the idle
	// timeout live while a read is outstanding.
	ch := make(chan pumped)
	go func() {
		defer close(ch)
		for {
			c, err := ts.Next(readCtx)
			select {
			case ch <- pumped{chunk: c, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(e.idleTimeout)
	defer idle.Stop()

	var heartbeat <-chan time.Time
	if e.heartbeatInterval > 0 {
		tick := time.NewTicker(e.heartbeatInterval)
		defer tick.Stop()
		heartbeat = tick.C
	}

	sentFirst := false
	for {
		select {
		case p := <-ch:
			if p.err != nil {
				switch {
				case errors.Is(p.err, io.EOF):
					_ = sess.Complete()
				case errors.Is(p.err, context.Canceled):
					sess.Cancel()
				default:
					sess.Fail("upstream_error", p.err)
				}
				return
			}
			if e.deliver(ctx, sess, p.chunk, &sentFirst) {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.idleTimeout)
		case <-heartbeat:
			if err := sess.SendToken(stream.ControlToken(stream.KindHeartbeat)); err != nil {
				if terminalSendError(err) {
					return
				}
			}
		case <-idle.C:
			sess.Fail("idle_timeout", nil)
			return
		case <-sess.Done():
			return
		}
	}
}

// deliver forwards one upstream chunk through the session. It reports true
// when the pump must stop: the session hit a terminal state, or the text
// cap was reached and the stream was ended early.
func (e *Engine) deliver(ctx context.Context, sess *session.Session, c upstream.Chunk, sentFirst *bool) bool {
	if len(c.Metadata) > 0 {
		if err := sess.SendToken(stream.MetadataToken(c.Metadata)); err != nil {
			return terminalSendError(err)
		}
	}
	if c.Text == "" {
		return false
	}

	if err := sess.SendText(c.Text); err != nil {
		if errors.Is(err, stream.ErrBufferOverflow) {
			// The cap rejects only this token, not the session. Everything
			// buffered so far is still a valid result, so end the stream
			// early instead of failing it.
			e.log.WarnContext(ctx, "stream.buffer_overflow",
				slog.String("request_id", sess.RequestID()),
				slog.Int("text_tokens", sess.Buffer().TextCount()),
				slog.Int("text_bytes", sess.Buffer().TextBytes()),
			)
			_ = sess.Complete()
			return true
		}
		return terminalSendError(err)
	}

	if !*sentFirst {
		*sentFirst = true
		if ttfb, ok := sess.TTFB(); ok {
			e.emitter.FirstByteSent(ctx, hooks.FirstByte{
				RequestID: sess.RequestID(),
				SessionID: sess.ID(),
				Mode:      sess.Mode(),
				TTFB:      ttfb,
			})
		}
	}
	return false
}

// terminalSendError reports whether a send failure means the session is
// done. Transport failures already failed the session and an invalid-state
// send means another goroutine reached a terminal state first; only a
// buffer overflow leaves the session alive.
func terminalSendError(err error) bool {
	return err != nil && !errors.Is(err, stream.ErrBufferOverflow)
}
