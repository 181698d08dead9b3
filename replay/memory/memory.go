// Package memory provides an in-process replay store backed by an LRU cache
// with per-entry retention expiry. Suitable for single-node deployments and
// tests; multi-node gateways should use the redis store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/streamsafe/gateway-go/replay"
	"github.com/streamsafe/gateway-go/session"
	"github.com/streamsafe/gateway-go/stream"
	"github.com/streamsafe/gateway-go/transport"
)

const defaultMaxEntries = 4096

// entry wraps a terminal session's identity and buffer.
type entry struct {
	sessionID  string
	mode       stream.Mode
	buf        *stream.Buffer
	failReason string
	duration   time.Duration
	expiresAt  time.Time
}

func (e *entry) expired() bool { return time.Now().After(e.expiresAt) }

// Store is an in-memory replay.Store.
type Store struct {
	mu        sync.RWMutex
	cache     *lru.Cache[string, *entry]
	retention time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures the store.
type Option func(*config)

type config struct {
	maxEntries int
	retention  time.Duration
}

// WithMaxEntries caps how many finished buffers are held before LRU
// eviction.
func WithMaxEntries(n int) Option {
	return func(c *config) { c.maxEntries = n }
}

// WithRetention overrides the retention window.
func WithRetention(d time.Duration) Option {
	return func(c *config) { c.retention = d }
}

// New builds an in-memory store and starts its expiry sweeper.
func New(opts ...Option) (*Store, error) {
	cfg := &config{maxEntries: defaultMaxEntries, retention: replay.DefaultRetention}
	for _, opt := range opts {
		opt(cfg)
	}
	cache, err := lru.New[string, *entry](cfg.maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	s := &Store{cache: cache, retention: cfg.retention, stopCh: make(chan struct{})}
	go s.sweepExpired()
	return s, nil
}

// Store captures the buffer of a terminal session. Non-terminal sessions
// are ignored.
func (s *Store) Store(ctx context.Context, sess *session.Session) error {
	if !sess.State().Terminal() {
		return nil
	}
	e := &entry{
		sessionID:  sess.ID(),
		mode:       sess.Mode(),
		buf:        sess.Buffer(),
		failReason: sess.FailReason(),
		duration:   sess.Duration(),
		expiresAt:  time.Now().Add(s.retention),
	}
	s.mu.Lock()
	s.cache.Add(sess.RequestID(), e)
	s.mu.Unlock()
	return nil
}

func (s *Store) get(requestID string) *entry {
	s.mu.RLock()
	e, ok := s.cache.Get(requestID)
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if e.expired() {
		s.mu.Lock()
		s.cache.Remove(requestID)
		s.mu.Unlock()
		return nil
	}
	return e
}

// GetResult reports the stored outcome for requestID.
func (s *Store) GetResult(ctx context.Context, requestID string) (replay.Result, error) {
	e := s.get(requestID)
	if e == nil {
		return replay.Result{RequestID: requestID, Status: replay.StatusNotFound}, nil
	}
	if e.buf.IsCompleted() {
		return replay.Result{
			RequestID:  requestID,
			Status:     replay.StatusCompleted,
			Content:    e.buf.Text(),
			TokenCount: e.buf.TextCount(),
			Duration:   e.duration,
		}, nil
	}
	reason := e.failReason
	if reason == "" {
		reason = e.buf.FailReason()
	}
	if reason == "" {
		reason = "cancelled"
	}
	return replay.Result{RequestID: requestID, Status: replay.StatusFailed, Error: reason, Duration: e.duration}, nil
}

// GetFromCursor pages text tokens with sequence >= cursor.
func (s *Store) GetFromCursor(ctx context.Context, requestID string, cursor uint64, limit int) (replay.Page, error) {
	e := s.get(requestID)
	if e == nil {
		return replay.Page{RequestID: requestID}, nil
	}
	return replay.BuildPage(requestID, e.buf.FromSequence(cursor), cursor, limit, e.buf.IsCompleted()), nil
}

// ReplayTo pushes buffered tokens from fromSeq onward through tr.
func (s *Store) ReplayTo(ctx context.Context, requestID string, fromSeq uint64, tr transport.Transport) (int, error) {
	e := s.get(requestID)
	if e == nil {
		return 0, fmt.Errorf("replay %q: %w", requestID, replay.ErrNotFound)
	}
	return replay.ReplayTokens(e.buf.FromSequence(fromSeq), tr)
}

// Close stops the expiry sweeper.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

func (s *Store) sweepExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			for _, key := range s.cache.Keys() {
				if e, ok := s.cache.Peek(key); ok && e.expired() {
					s.cache.Remove(key)
				}
			}
			s.mu.Unlock()
		}
	}
}

var _ replay.Store = (*Store)(nil)
