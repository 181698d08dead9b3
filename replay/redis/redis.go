// Package redis provides a Redis-backed replay store so that a deferred
// job's result can be polled or resumed from any gateway node. Tokens are
// stored as a Redis list whose index equals the token sequence (sequences
// are contiguous from zero), and retention maps directly onto key TTLs.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"github.com/streamsafe/gateway-go/replay"
	"github.com/streamsafe/gateway-go/session"
	"github.com/streamsafe/gateway-go/stream"
	"github.com/streamsafe/gateway-go/transport"
)

// Config for the Redis replay store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: REPLAY_KEY_PREFIX
	KeyPrefix string `env:"REPLAY_KEY_PREFIX,default=streamsafe:replay:"`
	// Retention window before entries expire. ENV: REPLAY_RETENTION
	Retention time.Duration `env:"REPLAY_RETENTION,default=1h"`

	// Client overrides RedisAddr when set.
	Client *redis.Client
}

// Store is a Redis-backed replay.Store.
type Store struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
	ownClient bool
}

// meta is the stored summary of a terminal session.
type meta struct {
	SessionID  string      `json:"session_id"`
	Mode       stream.Mode `json:"mode"`
	Completed  bool        `json:"completed"`
	FailReason string      `json:"fail_reason,omitempty"`
	Content    string      `json:"content,omitempty"`
	TokenCount int         `json:"token_count"`
	DurationMS int64       `json:"duration_ms"`
}

// New builds a Store from cfg, dialing Redis unless a client was supplied.
func New(cfg Config) (*Store, error) {
	client := cfg.Client
	own := false
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		own = true
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "streamsafe:replay:"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = replay.DefaultRetention
	}
	return &Store{client: client, keyPrefix: prefix, retention: retention, ownClient: own}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Store) metaKey(requestID string) string   { return s.keyPrefix + "meta:" + requestID }
func (s *Store) tokensKey(requestID string) string { return s.keyPrefix + "tokens:" + requestID }

// Store captures the buffer of a terminal session under the retention TTL.
// Non-terminal sessions are ignored.
func (s *Store) Store(ctx context.Context, sess *session.Session) error {
	if !sess.State().Terminal() {
		return nil
	}

	buf := sess.Buffer()
	m := meta{
		SessionID:  sess.ID(),
		Mode:       sess.Mode(),
		Completed:  buf.IsCompleted(),
		FailReason: sess.FailReason(),
		TokenCount: buf.TextCount(),
		DurationMS: sess.Duration().Milliseconds(),
	}
	if m.Completed {
		m.Content = buf.Text()
	}
	if !m.Completed && m.FailReason == "" {
		m.FailReason = buf.FailReason()
	}
	metaBytes, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal replay meta: %w", err)
	}

	tokens := buf.FromSequence(0)
	payloads := make([]interface{}, 0, len(tokens))
	for _, tok := range tokens {
		b, err := json.Marshal(tok)
		if err != nil {
			return fmt.Errorf("marshal token %d: %w", tok.Sequence, err)
		}
		payloads = append(payloads, b)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.tokensKey(sess.RequestID()))
	if len(payloads) > 0 {
		pipe.RPush(ctx, s.tokensKey(sess.RequestID()), payloads...)
		pipe.Expire(ctx, s.tokensKey(sess.RequestID()), s.retention)
	}
	pipe.Set(ctx, s.metaKey(sess.RequestID()), metaBytes, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store replay entry: %w", err)
	}
	return nil
}

func (s *Store) getMeta(ctx context.Context, requestID string) (*meta, error) {
	raw, err := s.client.Get(ctx, s.metaKey(requestID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get replay meta: %w", err)
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal replay meta: %w", err)
	}
	return &m, nil
}

// GetResult reports the stored outcome for requestID.
func (s *Store) GetResult(ctx context.Context, requestID string) (replay.Result, error) {
	m, err := s.getMeta(ctx, requestID)
	if err != nil {
		return replay.Result{}, err
	}
	if m == nil {
		return replay.Result{RequestID: requestID, Status: replay.StatusNotFound}, nil
	}
	if m.Completed {
		return replay.Result{
			RequestID:  requestID,
			Status:     replay.StatusCompleted,
			Content:    m.Content,
			TokenCount: m.TokenCount,
			Duration:   time.Duration(m.DurationMS) * time.Millisecond,
		}, nil
	}
	reason := m.FailReason
	if reason == "" {
		reason = "cancelled"
	}
	return replay.Result{RequestID: requestID, Status: replay.StatusFailed, Error: reason}, nil
}

func (s *Store) tokensFrom(ctx context.Context, requestID string, fromSeq uint64) ([]stream.Token, error) {
	raws, err := s.client.LRange(ctx, s.tokensKey(requestID), int64(fromSeq), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range replay tokens: %w", err)
	}
	tokens := make([]stream.Token, 0, len(raws))
	for _, raw := range raws {
		var tok stream.Token
		if err := json.Unmarshal([]byte(raw), &tok); err != nil {
			return nil, fmt.Errorf("unmarshal replay token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// GetFromCursor pages text tokens with sequence >= cursor.
func (s *Store) GetFromCursor(ctx context.Context, requestID string, cursor uint64, limit int) (replay.Page, error) {
	m, err := s.getMeta(ctx, requestID)
	if err != nil {
		return replay.Page{}, err
	}
	if m == nil {
		return replay.Page{RequestID: requestID}, nil
	}
	tokens, err := s.tokensFrom(ctx, requestID, cursor)
	if err != nil {
		return replay.Page{}, err
	}
	return replay.BuildPage(requestID, tokens, cursor, limit, m.Completed), nil
}

// ReplayTo pushes stored tokens from fromSeq onward through tr.
func (s *Store) ReplayTo(ctx context.Context, requestID string, fromSeq uint64, tr transport.Transport) (int, error) {
	m, err := s.getMeta(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if m == nil {
		return 0, fmt.Errorf("replay %q: %w", requestID, replay.ErrNotFound)
	}
	tokens, err := s.tokensFrom(ctx, requestID, fromSeq)
	if err != nil {
		return 0, err
	}
	return replay.ReplayTokens(tokens, tr)
}

// Close releases the Redis client if this store owns it.
func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

var _ replay.Store = (*Store)(nil)
