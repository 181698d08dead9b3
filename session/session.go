// Package session owns the per-request stream state machine. A session
// binds one buffer and one transport for the lifetime of a single request
// and enforces the forward-only lifecycle
// CREATED → STARTING → STREAMING → COMPLETING → {COMPLETED|FAILED|CANCELLED}.
//
// Exactly one goroutine (the upstream pump) writes through a session.
// Terminal transitions are idempotent so that watchdog cancellation racing
// normal completion resolves to whichever claimed the terminal state first.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streamsafe/gateway-go/stream"
	"github.com/streamsafe/gateway-go/transport"
)

// State is a session lifecycle phase.
type State string

const (
	StateCreated    State = "created"
	StateStarting   State = "starting"
	StateStreaming  State = "streaming"
	StateCompleting State = "completing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var (
	// ErrInvalidState is returned when an operation is attempted outside
	// the states that permit it.
	ErrInvalidState = errors.New("session: invalid state")
)

// Session is the mutable aggregate for one in-flight request.
type Session struct {
	requestID string
	id        string
	rc        stream.RequestContext
	decision  stream.Decision
	buf       *stream.Buffer

	mu          sync.Mutex
	state       State
	terminating bool
	tr          transport.Transport

	createdAt   time.Time
	startedAt   time.Time
	firstByteAt time.Time
	completedAt time.Time

	deliveredChunks int64
	deliveredBytes  int64

	failReason string
	failCause  error

	done chan struct{}
}

// New builds a session in state CREATED owning buf.
func New(requestID string, rc stream.RequestContext, decision stream.Decision, buf *stream.Buffer) *Session {
	return &Session{
		requestID: requestID,
		id:        uuid.NewString(),
		rc:        rc,
		decision:  decision,
		buf:       buf,
		state:     StateCreated,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start attaches the transport and moves CREATED → STARTING. Any other
// starting state is rejected.
func (s *Session) Start(tr transport.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return fmt.Errorf("%w: start in %s", ErrInvalidState, s.state)
	}
	s.tr = tr
	s.state = StateStarting
	s.startedAt = time.Now()
	return nil
}

// SendText buffers and delivers one content token.
func (s *Session) SendText(text string) error {
	return s.SendToken(stream.TextToken(text))
}

// SendToken buffers tok, assigns its sequence, and forwards it through the
// transport with an explicit flush. The first text token stamps the
// first-byte timestamp. A buffer overflow rejects only this send; a
// transport failure fails the whole session.
func (s *Session) SendToken(tok stream.Token) error {
	s.mu.Lock()
	switch s.state {
	case StateStarting, StateStreaming:
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: send in %s", ErrInvalidState, s.state)
	}
	if s.terminating {
		s.mu.Unlock()
		return fmt.Errorf("%w: send while terminating", ErrInvalidState)
	}
	if tok.IsText() {
		s.state = StateStreaming
	}
	tr := s.tr
	s.mu.Unlock()

	seqTok, err := s.buf.AppendToken(tok)
	if err != nil {
		return err
	}

	if seqTok.IsText() {
		s.mu.Lock()
		if s.firstByteAt.IsZero() {
			s.firstByteAt = time.Now()
		}
		s.mu.Unlock()
	}

	if err := tr.Send(seqTok); err != nil {
		s.Fail("transport_error", err)
		return err
	}
	if err := tr.Flush(); err != nil {
		s.Fail("transport_error", err)
		return err
	}

	s.mu.Lock()
	s.deliveredChunks++
	s.deliveredBytes += int64(seqTok.ByteSize())
	s.mu.Unlock()
	return nil
}

// claimTerminal marks the session as terminating and returns the transport
// to tear down, or false if another goroutine already claimed a terminal
// transition.
func (s *Session) claimTerminal(next State) (transport.Transport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminating || s.state.Terminal() {
		return nil, false
	}
	s.terminating = true
	if next == StateCompleted {
		s.state = StateCompleting
	}
	return s.tr, true
}

func (s *Session) finish(next State) {
	s.mu.Lock()
	s.state = next
	s.completedAt = time.Now()
	s.tr = nil
	s.mu.Unlock()
	close(s.done)
}

// Complete ends the stream normally: it appends the end marker, makes a
// best-effort delivery of it, closes the transport, and moves to COMPLETED.
// It is a no-op on a session that already reached a terminal state.
func (s *Session) Complete() error {
	tr, ok := s.claimTerminal(StateCompleted)
	if !ok {
		return nil
	}

	if endTok, err := s.buf.Complete(); err == nil && tr != nil {
		if err := tr.Send(endTok); err == nil {
			_ = tr.Flush()
		}
	}
	if tr != nil {
		_ = tr.Close()
	}
	s.finish(StateCompleted)
	return nil
}

// Fail terminates the stream abnormally. The error token is delivered
// best-effort; a client that already consumed the end marker never sees it
// because the sealed buffer rejects the append. No-op once terminal.
func (s *Session) Fail(reason string, cause error) {
	tr, ok := s.claimTerminal(StateFailed)
	if !ok {
		return
	}

	s.mu.Lock()
	s.failReason = reason
	s.failCause = cause
	s.mu.Unlock()

	if errTok, err := s.buf.Error(reason); err == nil && tr != nil {
		if err := tr.Send(errTok); err == nil {
			_ = tr.Flush()
		}
	}
	if tr != nil {
		_ = tr.Close()
	}
	s.finish(StateFailed)
}

// Cancel tears the session down without recording an error: cancellation is
// not a failure. Used for client disconnects and fallback preemption.
// It reports whether this call claimed the terminal transition; false means
// the session already reached a terminal state through another path.
func (s *Session) Cancel() bool {
	tr, ok := s.claimTerminal(StateCancelled)
	if !ok {
		return false
	}
	if tr != nil {
		_ = tr.Close()
	}
	s.finish(StateCancelled)
	return true
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// --- Derived queries ---

// TTFB returns the elapsed time from start to the first content token, or
// false while no byte has been sent.
func (s *Session) TTFB() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstByteAt.IsZero() {
		return 0, false
	}
	return s.firstByteAt.Sub(s.startedAt), true
}

// Duration returns elapsed time since start, frozen at completion once the
// session is terminal.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	if !s.completedAt.IsZero() {
		return s.completedAt.Sub(s.startedAt)
	}
	return time.Since(s.startedAt)
}

// FirstByteTimedOut reports whether the first-byte budget has elapsed with
// no content sent. It is false once any byte went out or the session left
// the live states.
func (s *Session) FirstByteTimedOut(budget time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminating || s.state.Terminal() {
		return false
	}
	if !s.firstByteAt.IsZero() {
		return false
	}
	if s.startedAt.IsZero() {
		return false
	}
	return time.Since(s.startedAt) > budget
}

func (s *Session) RequestID() string              { return s.requestID }
func (s *Session) ID() string                     { return s.id }
func (s *Session) Context() stream.RequestContext { return s.rc }
func (s *Session) Decision() stream.Decision      { return s.decision }
func (s *Session) Mode() stream.Mode              { return s.decision.Mode }
func (s *Session) Buffer() *stream.Buffer         { return s.buf }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeliveredChunks returns the count of tokens confirmed sent and flushed.
func (s *Session) DeliveredChunks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveredChunks
}

// DeliveredBytes returns the text bytes confirmed sent and flushed.
func (s *Session) DeliveredBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveredBytes
}

// FailReason returns the reason passed to Fail, or "".
func (s *Session) FailReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failReason
}

// FailCause returns the underlying error passed to Fail, or nil.
func (s *Session) FailCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failCause
}
