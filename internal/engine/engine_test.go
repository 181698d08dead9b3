package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/streamsafe/gateway-go/hooks/hookstest"
	"github.com/streamsafe/gateway-go/replay"
	"github.com/streamsafe/gateway-go/replay/memory"
	"github.com/streamsafe/gateway-go/session"
	"github.com/streamsafe/gateway-go/stream"
	"github.com/streamsafe/gateway-go/transport"
	"github.com/streamsafe/gateway-go/upstream"
	"github.com/streamsafe/gateway-go/upstream/upstreamtest"
)

// fakePush records everything sent through it.
type fakePush struct {
	mu     sync.Mutex
	sent   []stream.Token
	closed bool
}

func (f *fakePush) Send(tok stream.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, tok)
	return nil
}

func (f *fakePush) Flush() error { return nil }

func (f *fakePush) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePush) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakePush) Type() string { return "fake" }

func (f *fakePush) tokens() []stream.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stream.Token, len(f.sent))
	copy(out, f.sent)
	return out
}

func directContext(requestID string) stream.RequestContext {
	return stream.RequestContext{
		RequestID:    requestID,
		ClientType:   stream.ClientBrowser,
		Topology:     stream.TopologyDirect,
		SSESupported: true,
	}
}

func asyncContext(requestID string) stream.RequestContext {
	return stream.RequestContext{
		RequestID:    requestID,
		ClientType:   stream.ClientSDK,
		Topology:     stream.TopologyCDN,
		SSESupported: true,
	}
}

func syncContext(requestID string) stream.RequestContext {
	return stream.RequestContext{
		RequestID:  requestID,
		ClientType: stream.ClientCLI,
		Topology:   stream.TopologyDirect,
	}
}

func waitTerminal(t *testing.T, sess *session.Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session never reached a terminal state, state=%s", sess.State())
	}
}

func TestStartStreamDirectPush(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{Chunks: []string{"hel", "lo"}})
	rec := hookstest.NewRecorder()
	e := NewEngine(src, nil, WithHooks(rec))

	push := &fakePush{}
	res, err := e.StartStream(context.Background(), directContext("r1"), upstream.Request{RequestID: "r1"}, func(stream.Decision) (transport.Transport, error) {
		return push, nil
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if res.Decision.Mode != stream.ModeSSEDirect {
		t.Fatalf("mode = %s, want %s", res.Decision.Mode, stream.ModeSSEDirect)
	}
	if res.Sync != nil {
		t.Fatalf("push stream produced a sync accumulator")
	}

	waitTerminal(t, res.Session)
	if got := res.Session.State(); got != session.StateCompleted {
		t.Fatalf("state = %s, want %s", got, session.StateCompleted)
	}

	toks := push.tokens()
	if len(toks) != 3 {
		t.Fatalf("delivered %d tokens, want 3", len(toks))
	}
	for i, tok := range toks {
		if tok.Sequence != uint64(i) {
			t.Fatalf("token %d has sequence %d", i, tok.Sequence)
		}
	}
	if toks[2].Kind != stream.KindEnd {
		t.Fatalf("last token kind = %s, want %s", toks[2].Kind, stream.KindEnd)
	}

	ends := rec.WaitEnds(1, time.Second)
	if len(ends) != 1 {
		t.Fatalf("recorded %d end events, want 1", len(ends))
	}
	if ends[0].DeliveredChunks != 2 {
		t.Fatalf("end event chunks = %d, want 2", ends[0].DeliveredChunks)
	}
	if got := len(rec.FirstBytes()); got != 1 {
		t.Fatalf("recorded %d first-byte events, want 1", got)
	}

	if e.Status().ActiveSessions != 0 {
		t.Fatalf("registry not drained: %d active", e.Status().ActiveSessions)
	}
}

func TestStartStreamSyncBlocksForContent(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{Chunks: []string{"a", "b", "c"}})
	e := NewEngine(src, nil)

	res, err := e.StartStream(context.Background(), syncContext("r1"), upstream.Request{RequestID: "r1"}, nil)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if res.Decision.Mode != stream.ModeSync {
		t.Fatalf("mode = %s, want %s", res.Decision.Mode, stream.ModeSync)
	}
	if res.Sync == nil {
		t.Fatal("sync decision returned no accumulator")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	content, err := res.Sync.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if content != "abc" {
		t.Fatalf("content = %q, want %q", content, "abc")
	}
}

func TestStartStreamAsyncJobRoundTrip(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{Chunks: []string{"deferred ", "result"}})
	store, err := memory.New()
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer store.Close()
	e := NewEngine(src, store)

	res, err := e.StartStream(context.Background(), asyncContext("r1"), upstream.Request{RequestID: "r1"}, nil)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if res.Decision.Mode != stream.ModeAsyncJob {
		t.Fatalf("mode = %s, want %s", res.Decision.Mode, stream.ModeAsyncJob)
	}

	waitTerminal(t, res.Session)

	// Terminal bookkeeping runs after Done closes; poll like a client would.
	deadline := time.Now().Add(2 * time.Second)
	var result replay.Result
	for {
		result, err = e.Result(context.Background(), "r1")
		if err != nil {
			t.Fatalf("Result: %v", err)
		}
		if result.Status != replay.StatusPending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("result stuck pending")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if result.Status != replay.StatusCompleted {
		t.Fatalf("status = %s, want %s", result.Status, replay.StatusCompleted)
	}
	if result.Content != "deferred result" {
		t.Fatalf("content = %q", result.Content)
	}
	if result.TokenCount != 2 {
		t.Fatalf("token count = %d, want 2", result.TokenCount)
	}

	page, err := e.Page(context.Background(), "r1", 0, 0)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if len(page.Tokens) != 2 || !page.Completed || page.HasMore {
		t.Fatalf("page = %+v", page)
	}
}

func TestResultPendingWhileLive(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{
		Chunks:       []string{"late"},
		InitialDelay: 200 * time.Millisecond,
	})
	store, err := memory.New()
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer store.Close()
	e := NewEngine(src, store)

	res, err := e.StartStream(context.Background(), asyncContext("r1"), upstream.Request{RequestID: "r1"}, nil)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	result, err := e.Result(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result.Status != replay.StatusPending {
		t.Fatalf("status = %s, want %s", result.Status, replay.StatusPending)
	}

	waitTerminal(t, res.Session)
}

func TestWatchdogDemotesStalledPushStream(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{
		Chunks:       []string{"too late"},
		InitialDelay: 2 * time.Second,
	})
	store, err := memory.New()
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer store.Close()
	rec := hookstest.NewRecorder()
	e := NewEngine(src, store, WithHooks(rec), WithFirstByteTimeout(30*time.Millisecond))

	push := &fakePush{}
	res, err := e.StartStream(context.Background(), directContext("r1"), upstream.Request{RequestID: "r1"}, func(stream.Decision) (transport.Transport, error) {
		return push, nil
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	waitTerminal(t, res.Session)
	if got := res.Session.State(); got != session.StateCancelled {
		t.Fatalf("state = %s, want %s", got, session.StateCancelled)
	}

	fallbacks := rec.WaitFallbacks(1, time.Second)
	if len(fallbacks) != 1 {
		t.Fatalf("recorded %d fallbacks, want 1", len(fallbacks))
	}
	if fallbacks[0].From != stream.ModeSSEDirect || fallbacks[0].To != stream.ModeAsyncJob {
		t.Fatalf("fallback %s -> %s", fallbacks[0].From, fallbacks[0].To)
	}
	if got := e.Status().Fallbacks; got != 1 {
		t.Fatalf("fallback counter = %d, want 1", got)
	}

	// A demoted session's outcome stays pollable by request id.
	deadline := time.Now().Add(2 * time.Second)
	for {
		result, err := e.Result(context.Background(), "r1")
		if err != nil {
			t.Fatalf("Result: %v", err)
		}
		if result.Status == replay.StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("result never became failed, status=%s", result.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatchdogSparesFastStream(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{Chunks: []string{"quick"}})
	rec := hookstest.NewRecorder()
	e := NewEngine(src, nil, WithHooks(rec), WithFirstByteTimeout(250*time.Millisecond))

	push := &fakePush{}
	res, err := e.StartStream(context.Background(), directContext("r1"), upstream.Request{RequestID: "r1"}, func(stream.Decision) (transport.Transport, error) {
		return push, nil
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	waitTerminal(t, res.Session)
	if got := res.Session.State(); got != session.StateCompleted {
		t.Fatalf("state = %s, want %s", got, session.StateCompleted)
	}

	// Let the watchdog fire before asserting it stayed quiet.
	time.Sleep(300 * time.Millisecond)
	if got := len(rec.Fallbacks()); got != 0 {
		t.Fatalf("recorded %d fallbacks, want 0", got)
	}
	if got := e.Status().Fallbacks; got != 0 {
		t.Fatalf("fallback counter = %d, want 0", got)
	}
}

func TestWatchdogIgnoresAlreadyTerminalSession(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{})
	rec := hookstest.NewRecorder()
	e := NewEngine(src, nil, WithHooks(rec))

	sess := session.New("r-done", directContext("r-done"), stream.Decision{Mode: stream.ModeSSEDirect, Reason: "sse"}, stream.NewBuffer(0, 0))
	if err := sess.Start(&fakePush{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sess.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A watchdog firing after completion must not cancel, count, or demote.
	e.checkFirstByte(sess, time.Nanosecond)

	if got := sess.State(); got != session.StateCompleted {
		t.Fatalf("state = %s, want %s", got, session.StateCompleted)
	}
	if got := e.Status().Fallbacks; got != 0 {
		t.Fatalf("fallback counter = %d, want 0", got)
	}
	if got := len(rec.Fallbacks()); got != 0 {
		t.Fatalf("recorded %d fallbacks, want 0", got)
	}
	e.demotedMu.Lock()
	_, demoted := e.demoted["r-done"]
	e.demotedMu.Unlock()
	if demoted {
		t.Fatal("terminal session left a demotion entry")
	}
}

func TestWSPushRejectedBeforeSessionCreation(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{Chunks: []string{"x"}})
	e := NewEngine(src, nil)

	rc := directContext("r1")
	rc.RequestedMode = stream.ModeWSPush
	_, err := e.StartStream(context.Background(), rc, upstream.Request{RequestID: "r1"}, nil)
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("err = %v, want ErrPolicyViolation", err)
	}
	if src.Opened() != 0 {
		t.Fatal("upstream was opened for a rejected request")
	}
	if e.Status().ActiveSessions != 0 {
		t.Fatal("session registered for a rejected request")
	}
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{
		Chunks:       []string{"x"},
		InitialDelay: 200 * time.Millisecond,
	})
	e := NewEngine(src, nil)

	res, err := e.StartStream(context.Background(), syncContext("r1"), upstream.Request{RequestID: "r1"}, nil)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if _, err := e.StartStream(context.Background(), syncContext("r1"), upstream.Request{RequestID: "r1"}, nil); !errors.Is(err, session.ErrDuplicateRequest) {
		t.Fatalf("err = %v, want ErrDuplicateRequest", err)
	}

	waitTerminal(t, res.Session)
}

func TestUpstreamOpenFailureFailsSession(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{})
	src.FailOpen(errors.New("model unavailable"))
	rec := hookstest.NewRecorder()
	e := NewEngine(src, nil, WithHooks(rec))

	res, err := e.StartStream(context.Background(), syncContext("r1"), upstream.Request{RequestID: "r1"}, nil)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	waitTerminal(t, res.Session)
	if got := res.Session.State(); got != session.StateFailed {
		t.Fatalf("state = %s, want %s", got, session.StateFailed)
	}
	if got := res.Session.FailReason(); got != "upstream_error" {
		t.Fatalf("fail reason = %q", got)
	}

	ends := rec.WaitEnds(1, time.Second)
	if len(ends) != 1 || ends[0].FailReason != "upstream_error" {
		t.Fatalf("end events = %+v", ends)
	}

	if _, err := res.Sync.Wait(context.Background()); !errors.Is(err, transport.ErrStreamFailed) {
		t.Fatalf("Wait err = %v, want ErrStreamFailed", err)
	}
}

func TestUpstreamMidStreamErrorFailsSession(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{
		Chunks:    []string{"partial ", "output"},
		FailAfter: 1,
		Err:       errors.New("connection reset"),
	})
	e := NewEngine(src, nil)

	push := &fakePush{}
	res, err := e.StartStream(context.Background(), directContext("r1"), upstream.Request{RequestID: "r1"}, func(stream.Decision) (transport.Transport, error) {
		return push, nil
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	waitTerminal(t, res.Session)
	if got := res.Session.State(); got != session.StateFailed {
		t.Fatalf("state = %s, want %s", got, session.StateFailed)
	}

	toks := push.tokens()
	if len(toks) != 2 {
		t.Fatalf("delivered %d tokens, want text + error marker", len(toks))
	}
	if toks[1].Kind != stream.KindError {
		t.Fatalf("last token kind = %s, want %s", toks[1].Kind, stream.KindError)
	}
}

func TestIdleTimeoutFailsPushStream(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{
		Chunks:       []string{"never arrives"},
		InitialDelay: 2 * time.Second,
	})
	e := NewEngine(src, nil, WithFirstByteTimeout(0), WithIdleTimeout(40*time.Millisecond))

	push := &fakePush{}
	res, err := e.StartStream(context.Background(), directContext("r1"), upstream.Request{RequestID: "r1"}, func(stream.Decision) (transport.Transport, error) {
		return push, nil
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	waitTerminal(t, res.Session)
	if got := res.Session.State(); got != session.StateFailed {
		t.Fatalf("state = %s, want %s", got, session.StateFailed)
	}
	if got := res.Session.FailReason(); got != "idle_timeout" {
		t.Fatalf("fail reason = %q, want idle_timeout", got)
	}
}

func TestHeartbeatsInterleaveWithSlowChunks(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{
		Chunks:     []string{"slow", "drip"},
		ChunkDelay: 120 * time.Millisecond,
	})
	e := NewEngine(src, nil, WithFirstByteTimeout(0), WithHeartbeatInterval(25*time.Millisecond))

	push := &fakePush{}
	res, err := e.StartStream(context.Background(), directContext("r1"), upstream.Request{RequestID: "r1"}, func(stream.Decision) (transport.Transport, error) {
		return push, nil
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	waitTerminal(t, res.Session)
	if got := res.Session.State(); got != session.StateCompleted {
		t.Fatalf("state = %s, want %s", got, session.StateCompleted)
	}

	beats := 0
	prev := uint64(0)
	for i, tok := range push.tokens() {
		if tok.Kind == stream.KindHeartbeat {
			beats++
		}
		if i > 0 && tok.Sequence <= prev {
			t.Fatalf("sequence regressed at index %d: %d after %d", i, tok.Sequence, prev)
		}
		prev = tok.Sequence
	}
	if beats == 0 {
		t.Fatal("no heartbeat tokens delivered")
	}
}

func TestBufferOverflowEndsStreamEarly(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{
		Chunks: []string{"one", "two", "three", "four"},
	})
	e := NewEngine(src, nil, WithBufferLimits(2, 1<<20))

	push := &fakePush{}
	res, err := e.StartStream(context.Background(), directContext("r1"), upstream.Request{RequestID: "r1"}, func(stream.Decision) (transport.Transport, error) {
		return push, nil
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	waitTerminal(t, res.Session)
	if got := res.Session.State(); got != session.StateCompleted {
		t.Fatalf("state = %s, want %s", got, session.StateCompleted)
	}

	var text strings.Builder
	for _, tok := range push.tokens() {
		if tok.IsText() {
			text.WriteString(tok.Text)
		}
	}
	if got := text.String(); got != "onetwo" {
		t.Fatalf("delivered text = %q, want %q", got, "onetwo")
	}
}

func TestReplayUnknownRequestWithoutStore(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{Chunks: []string{"a", "b", "c"}})
	e := NewEngine(src, nil)

	push := &fakePush{}
	res, err := e.StartStream(context.Background(), directContext("r1"), upstream.Request{RequestID: "r1"}, func(stream.Decision) (transport.Transport, error) {
		return push, nil
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	waitTerminal(t, res.Session)

	// No store: once the registry drains, replay has nowhere to read from.
	replayTo := &fakePush{}
	if _, err := e.Replay(context.Background(), "r1", 0, replayTo); !errors.Is(err, replay.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestShutdownCancelsActiveSessions(t *testing.T) {
	src := upstreamtest.NewSource(upstreamtest.Script{
		Chunks:       []string{"x"},
		InitialDelay: 5 * time.Second,
	})
	e := NewEngine(src, nil, WithFirstByteTimeout(0))

	push := &fakePush{}
	res, err := e.StartStream(context.Background(), directContext("r1"), upstream.Request{RequestID: "r1"}, func(stream.Decision) (transport.Transport, error) {
		return push, nil
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := res.Session.State(); got != session.StateCancelled {
		t.Fatalf("state = %s, want %s", got, session.StateCancelled)
	}
	if e.Status().ActiveSessions != 0 {
		t.Fatalf("registry not drained: %d active", e.Status().ActiveSessions)
	}
}
