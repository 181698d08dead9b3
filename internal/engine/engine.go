// Package engine is the stream orchestrator: it turns a request into a
// policy decision, a session, and a transport, schedules the upstream fetch
// on the worker pool, and arms the first-byte watchdog. It also fronts
// result, page, and replay queries with the active-session registry so a
// live session is always reported pending rather than not found.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamsafe/gateway-go/hooks"
	"github.com/streamsafe/gateway-go/internal/worker"
	"github.com/streamsafe/gateway-go/policy"
	"github.com/streamsafe/gateway-go/replay"
	"github.com/streamsafe/gateway-go/session"
	"github.com/streamsafe/gateway-go/stream"
	"github.com/streamsafe/gateway-go/transport"
	"github.com/streamsafe/gateway-go/upstream"
)

const (
	defaultFirstByteTimeout = 1000 * time.Millisecond
	defaultIdleTimeout      = 5 * time.Minute
	defaultWorkers          = 1024
)

var (
	// ErrPolicyViolation is returned when a client asks the generic entry
	// point for the bidirectional push mode.
	ErrPolicyViolation = errors.New("engine: ws_push is served by the dedicated bidirectional endpoint")
)

// PushFactory builds the live push transport for an SSE_DIRECT decision.
// It is invoked at most once, and only after the decision is final, so the
// HTTP layer can commit response headers from the decision it receives.
type PushFactory func(decision stream.Decision) (transport.Transport, error)

// StartResult is what the calling path gets back once a session and its
// transport are wired. For SYNC decisions, Sync carries the accumulator the
// caller must block on; it is nil for every other mode.
type StartResult struct {
	Session  *session.Session
	Decision stream.Decision
	Sync     *transport.Accumulator
}

// Engine coordinates sessions, delivery policy, and the replay store. It is
// transport-agnostic: the HTTP layer supplies push transports through a
// PushFactory and the engine owns everything else.
type Engine struct {
	source  upstream.ContentSource
	store   replay.Store
	reg     *session.Registry
	pool    *worker.Pool
	emitter *hooks.Emitter
	log     *slog.Logger

	firstByteTimeout  time.Duration
	idleTimeout       time.Duration
	heartbeatInterval time.Duration
	maxTextTokens     int
	maxTextBytes      int
	workers           int64

	fallbacks atomic.Int64

	demotedMu sync.Mutex
	demoted   map[string]stream.Decision
}

// NewEngine builds an orchestrator around the given content source and
// replay store. store may be nil, in which case finished deferred-job
// buffers are discarded and result queries only see live sessions.
func NewEngine(source upstream.ContentSource, store replay.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		source:           source,
		store:            store,
		reg:              session.NewRegistry(),
		log:              slog.Default(),
		firstByteTimeout: defaultFirstByteTimeout,
		idleTimeout:      defaultIdleTimeout,
		maxTextTokens:    stream.DefaultMaxTextTokens,
		maxTextBytes:     stream.DefaultMaxTextBytes,
		workers:          defaultWorkers,
		demoted:          make(map[string]stream.Decision),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.pool = worker.NewPool(e.workers)
	if e.emitter == nil {
		e.emitter = hooks.NewEmitter(nil, e.log)
	}
	return e
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithHooks installs an observability sink for lifecycle events.
func WithHooks(sink hooks.Sink) EngineOption {
	return func(e *Engine) { e.emitter = hooks.NewEmitter(sink, e.log) }
}

// WithFirstByteTimeout overrides the watchdog budget. Zero disables the
// watchdog entirely.
func WithFirstByteTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.firstByteTimeout = d }
}

// WithIdleTimeout overrides how long a pump may sit without an upstream
// chunk before the session is failed.
func WithIdleTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.idleTimeout = d
		}
	}
}

// WithHeartbeatInterval enables periodic heartbeat tokens on push
// transports. Zero (the default) disables them.
func WithHeartbeatInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.heartbeatInterval = d }
}

// WithBufferLimits overrides the per-session text token and byte caps.
func WithBufferLimits(maxTokens, maxBytes int) EngineOption {
	return func(e *Engine) {
		e.maxTextTokens = maxTokens
		e.maxTextBytes = maxBytes
	}
}

// WithWorkers bounds the number of concurrently running upstream pumps.
func WithWorkers(n int64) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// StartStream runs the policy engine for rc, allocates the session and the
// matching transport, registers the session, and schedules the upstream
// fetch. It returns as soon as the pair is wired; only a SYNC caller then
// blocks, on the returned accumulator.
func (e *Engine) StartStream(ctx context.Context, rc stream.RequestContext, req upstream.Request, push PushFactory) (*StartResult, error) {
	if rc.RequestedMode == stream.ModeWSPush {
		return nil, ErrPolicyViolation
	}

	decision := policy.Decide(rc)
	buf := stream.NewBuffer(e.maxTextTokens, e.maxTextBytes)
	sess := session.New(rc.RequestID, rc, decision, buf)
	if err := e.reg.Add(sess); err != nil {
		return nil, err
	}

	res := &StartResult{Session: sess, Decision: decision}

	var tr transport.Transport
	switch decision.Mode {
	case stream.ModeSSEDirect:
		if push == nil {
			e.reg.Remove(rc.RequestID)
			return nil, fmt.Errorf("engine: no push transport for %s", decision.Mode)
		}
		t, err := push(decision)
		if err != nil {
			e.reg.Remove(rc.RequestID)
			return nil, err
		}
		tr = t
	case stream.ModeAsyncJob:
		tr = transport.NewDeferred()
	case stream.ModeSync:
		res.Sync = transport.NewAccumulator()
		tr = res.Sync
	default:
		e.reg.Remove(rc.RequestID)
		return nil, fmt.Errorf("engine: unsupported mode %q", decision.Mode)
	}

	if err := sess.Start(tr); err != nil {
		e.reg.Remove(rc.RequestID)
		return nil, err
	}

	e.emitter.SessionStarted(ctx, hooks.SessionStart{
		RequestID:  rc.RequestID,
		SessionID:  sess.ID(),
		Mode:       decision.Mode,
		Reason:     decision.Reason,
		ClientType: rc.ClientType,
		Topology:   rc.Topology,
	})
	e.log.InfoContext(ctx, "stream.start",
		slog.String("request_id", rc.RequestID),
		slog.String("mode", string(decision.Mode)),
		slog.String("reason", decision.Reason),
	)

	if decision.Mode == stream.ModeSSEDirect && e.firstByteTimeout > 0 {
		budget := e.firstByteTimeout
		time.AfterFunc(budget, func() { e.checkFirstByte(sess, budget) })
	}

	// The pump must outlive the calling request for deferred jobs, so it
	// runs against a detached context. Slot acquisition still honors the
	// caller's deadline: a saturated pool pushes back on admission.
	runCtx := context.WithoutCancel(ctx)
	if err := e.pool.Go(ctx, func() { e.pump(runCtx, sess, req) }); err != nil {
		e.reg.Remove(rc.RequestID)
		sess.Cancel()
		return nil, fmt.Errorf("engine: schedule fetch: %w", err)
	}

	return res, nil
}

// checkFirstByte is the watchdog body. Fallback is bookkeeping, not retry:
// the initial response already committed to a mode, so the watchdog only
// cancels the stalled session, records the demotion, and reports it.
func (e *Engine) checkFirstByte(sess *session.Session, budget time.Duration) {
	if !sess.FirstByteTimedOut(budget) {
		return
	}

	fb := policy.Fallback(sess.Context(), sess.Decision(), "")

	// The demotion entry must be visible before Cancel closes the session,
	// because the pump consumes it immediately after. If the cancel loses
	// the race against normal termination, the demotion is withdrawn and
	// no fallback is recorded.
	if fb.Mode == stream.ModeAsyncJob {
		e.demotedMu.Lock()
		e.demoted[sess.RequestID()] = fb
		e.demotedMu.Unlock()
	}
	if !sess.Cancel() {
		e.demotedMu.Lock()
		delete(e.demoted, sess.RequestID())
		e.demotedMu.Unlock()
		return
	}
	e.fallbacks.Add(1)

	ctx := context.Background()
	e.emitter.FallbackTriggered(ctx, hooks.Fallback{
		RequestID: sess.RequestID(),
		SessionID: sess.ID(),
		From:      sess.Mode(),
		To:        fb.Mode,
		Reason:    fb.Reason,
	})
	e.log.WarnContext(ctx, "stream.fallback",
		slog.String("request_id", sess.RequestID()),
		slog.String("from", string(sess.Mode())),
		slog.String("to", string(fb.Mode)),
		slog.String("reason", fb.Reason),
	)
}

func (e *Engine) takeDemotion(requestID string) (stream.Decision, bool) {
	e.demotedMu.Lock()
	defer e.demotedMu.Unlock()
	d, ok := e.demoted[requestID]
	if ok {
		delete(e.demoted, requestID)
	}
	return d, ok
}

// finishSession runs terminal bookkeeping exactly once per session: removal
// from the registry, handoff of deferred-job buffers to the replay store,
// and the end-of-session event.
func (e *Engine) finishSession(ctx context.Context, sess *session.Session) {
	if !sess.State().Terminal() {
		sess.Cancel()
	}
	e.reg.Remove(sess.RequestID())

	retain := sess.Mode() == stream.ModeAsyncJob
	if _, ok := e.takeDemotion(sess.RequestID()); ok {
		// A demoted session's result stays pollable by request id even
		// though it began life as a push stream.
		retain = true
	}
	if retain && e.store != nil {
		if err := e.store.Store(ctx, sess); err != nil {
			e.log.ErrorContext(ctx, "stream.store.fail",
				slog.String("request_id", sess.RequestID()),
				slog.String("err", err.Error()),
			)
		}
	}

	state := sess.State()
	e.emitter.SessionEnded(ctx, hooks.SessionEnd{
		RequestID:       sess.RequestID(),
		SessionID:       sess.ID(),
		Mode:            sess.Mode(),
		State:           string(state),
		Duration:        sess.Duration(),
		DeliveredChunks: sess.DeliveredChunks(),
		DeliveredBytes:  sess.DeliveredBytes(),
		FailReason:      sess.FailReason(),
	})
	e.log.InfoContext(ctx, "stream.end",
		slog.String("request_id", sess.RequestID()),
		slog.String("mode", string(sess.Mode())),
		slog.String("state", string(state)),
		slog.Int64("dur_ms", sess.Duration().Milliseconds()),
		slog.Int64("chunks", sess.DeliveredChunks()),
	)
}

// Result reports the status of requestID: pending while the session is
// live, otherwise whatever the replay store retained. An unknown or
// expired id reports not_found with a nil error.
func (e *Engine) Result(ctx context.Context, requestID string) (replay.Result, error) {
	if s := e.reg.Get(requestID); s != nil {
		return replay.Result{RequestID: requestID, Status: replay.StatusPending}, nil
	}
	if e.store == nil {
		return replay.Result{RequestID: requestID, Status: replay.StatusNotFound}, nil
	}
	return e.store.GetResult(ctx, requestID)
}

// Page returns one cursor-bounded slice of text tokens for requestID,
// reading the live buffer when the session is still active.
func (e *Engine) Page(ctx context.Context, requestID string, cursor uint64, limit int) (replay.Page, error) {
	if s := e.reg.Get(requestID); s != nil {
		buf := s.Buffer()
		return replay.BuildPage(requestID, buf.FromSequence(cursor), cursor, limit, buf.IsCompleted()), nil
	}
	if e.store == nil {
		return replay.Page{RequestID: requestID}, nil
	}
	return e.store.GetFromCursor(ctx, requestID, cursor, limit)
}

// Replay pushes buffered tokens from fromSeq onward through tr, preferring
// the live buffer over the store. It returns the exact number delivered.
func (e *Engine) Replay(ctx context.Context, requestID string, fromSeq uint64, tr transport.Transport) (int, error) {
	if s := e.reg.Get(requestID); s != nil {
		return replay.ReplayTokens(s.Buffer().FromSequence(fromSeq), tr)
	}
	if e.store == nil {
		return 0, fmt.Errorf("replay %q: %w", requestID, replay.ErrNotFound)
	}
	return e.store.ReplayTo(ctx, requestID, fromSeq, tr)
}

// StatusReport is a point-in-time snapshot of the engine's live state.
type StatusReport struct {
	ActiveSessions int                 `json:"activeSessions"`
	SessionsByMode map[stream.Mode]int `json:"sessionsByMode"`
	Fallbacks      int64               `json:"fallbacks"`
}

// Status snapshots the active registry and the fallback counter.
func (e *Engine) Status() StatusReport {
	return StatusReport{
		ActiveSessions: e.reg.Len(),
		SessionsByMode: e.reg.CountByMode(),
		Fallbacks:      e.fallbacks.Load(),
	}
}

// Shutdown cancels every active session and waits for their pumps to drain,
// bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.reg.Each(func(s *session.Session) { s.Cancel() })

	done := make(chan struct{})
	go func() {
		e.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
