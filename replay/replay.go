// Package replay holds the buffers of finished deferred-delivery sessions
// for a bounded retention window and serves result, cursor, and reconnect
// queries against them. An expired request id is indistinguishable from one
// that never existed.
package replay

import (
	"context"
	"errors"
	"time"

	"github.com/streamsafe/gateway-go/session"
	"github.com/streamsafe/gateway-go/stream"
	"github.com/streamsafe/gateway-go/transport"
)

// ErrNotFound is returned by ReplayTo for an unknown or expired request id.
var ErrNotFound = errors.New("replay: not found")

// Status classifies the outcome of a result query.
type Status string

const (
	StatusNotFound  Status = "not_found"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the answer to a poll for a finished request.
type Result struct {
	RequestID  string        `json:"requestId"`
	Status     Status        `json:"status"`
	Content    string        `json:"content,omitempty"`
	TokenCount int           `json:"tokenCount,omitempty"`
	Duration   time.Duration `json:"-"`
	Error      string        `json:"error,omitempty"`
}

// Page is one cursor-bounded slice of a session's text tokens.
type Page struct {
	RequestID  string         `json:"requestId"`
	Found      bool           `json:"-"`
	Tokens     []stream.Token `json:"tokens"`
	Cursor     uint64         `json:"cursor"`
	NextCursor uint64         `json:"nextCursor"`
	HasMore    bool           `json:"hasMore"`
	Completed  bool           `json:"completed"`
}

// DefaultRetention is how long finished buffers stay queryable.
const DefaultRetention = time.Hour

// Store persists terminal sessions' buffers for the retention window.
//
// Store accepts only sessions in a terminal state and is a no-op otherwise.
// GetResult never reports pending: live sessions are the orchestrator's
// concern, not the store's. ReplayTo stops at the first transport error and
// reports the exact number of tokens delivered.
type Store interface {
	Store(ctx context.Context, sess *session.Session) error
	GetResult(ctx context.Context, requestID string) (Result, error)
	GetFromCursor(ctx context.Context, requestID string, cursor uint64, limit int) (Page, error)
	ReplayTo(ctx context.Context, requestID string, fromSeq uint64, tr transport.Transport) (int, error)
	Close() error
}

// BuildPage assembles a cursor page from an ordered token snapshot. tokens
// must already be restricted to sequence >= cursor. Only text tokens are
// returned; limit caps them when positive. NextCursor is the sequence
// following the last token returned, or the cursor itself for an empty
// page.
func BuildPage(requestID string, tokens []stream.Token, cursor uint64, limit int, completed bool) Page {
	p := Page{RequestID: requestID, Found: true, Cursor: cursor, NextCursor: cursor, Completed: completed, Tokens: []stream.Token{}}
	for _, tok := range tokens {
		if !tok.IsText() {
			continue
		}
		if limit > 0 && len(p.Tokens) == limit {
			p.HasMore = true
			break
		}
		p.Tokens = append(p.Tokens, tok)
		p.NextCursor = tok.Sequence + 1
	}
	return p
}

// ReplayTokens pushes tokens through tr in order with an explicit flush per
// token, stopping at the first transport error. The returned count is the
// exact number delivered before the error, never an overcount.
func ReplayTokens(tokens []stream.Token, tr transport.Transport) (int, error) {
	delivered := 0
	for _, tok := range tokens {
		if err := tr.Send(tok); err != nil {
			return delivered, err
		}
		if err := tr.Flush(); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}
