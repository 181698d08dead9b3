// Package hooks is the observability seam of the streaming core. The
// orchestrator reports session lifecycle events through a Sink; delivery is
// fire-and-forget and a misbehaving sink can never slow down or break the
// streaming path.
package hooks

import (
	"context"
	"time"

	"github.com/streamsafe/gateway-go/stream"
)

// SessionStart is emitted when a session is registered and its upstream
// fetch is scheduled.
type SessionStart struct {
	RequestID  string
	SessionID  string
	Mode       stream.Mode
	Reason     string
	ClientType stream.ClientType
	Topology   stream.Topology
}

// FirstByte is emitted once per session when the first content token is
// delivered.
type FirstByte struct {
	RequestID string
	SessionID string
	Mode      stream.Mode
	TTFB      time.Duration
}

// SessionEnd is emitted when a session reaches a terminal state.
type SessionEnd struct {
	RequestID       string
	SessionID       string
	Mode            stream.Mode
	State           string
	Duration        time.Duration
	DeliveredChunks int64
	DeliveredBytes  int64
	FailReason      string
}

// Fallback is emitted when the first-byte watchdog demotes a live push
// session.
type Fallback struct {
	RequestID string
	SessionID string
	From      stream.Mode
	To        stream.Mode
	Reason    string
}

// Sink receives lifecycle events. Implementations may block or fail; the
// emitter isolates the streaming path from both.
type Sink interface {
	SessionStarted(ctx context.Context, ev SessionStart)
	FirstByteSent(ctx context.Context, ev FirstByte)
	SessionEnded(ctx context.Context, ev SessionEnd)
	FallbackTriggered(ctx context.Context, ev Fallback)
}
