package stream

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrBufferOverflow is returned when appending a text token would exceed
	// the buffer's configured text-token or text-byte cap. The buffer itself
	// remains usable: control tokens are still accepted and the session may
	// still be completed.
	ErrBufferOverflow = errors.New("stream: buffer overflow")

	// ErrBufferClosed is returned when appending to a buffer that has
	// already been completed or failed.
	ErrBufferClosed = errors.New("stream: buffer closed")
)

const (
	// DefaultMaxTextTokens caps the number of text tokens a buffer holds.
	DefaultMaxTextTokens = 10000
	// DefaultMaxTextBytes caps the total text payload a buffer holds.
	DefaultMaxTextBytes = 4 << 20
)

// Buffer is the ordered, bounded token store owned by exactly one session.
// A single writer (the owning session) appends; any number of concurrent
// readers may snapshot suffixes for replay and status queries.
type Buffer struct {
	mu sync.RWMutex

	tokens    []Token
	next      uint64
	textCount int
	textBytes int

	maxTextTokens int
	maxTextBytes  int

	completed  bool
	failed     bool
	failReason string
}

// NewBuffer builds a buffer with the given text caps. Non-positive caps fall
// back to the package defaults.
func NewBuffer(maxTextTokens, maxTextBytes int) *Buffer {
	if maxTextTokens <= 0 {
		maxTextTokens = DefaultMaxTextTokens
	}
	if maxTextBytes <= 0 {
		maxTextBytes = DefaultMaxTextBytes
	}
	return &Buffer{maxTextTokens: maxTextTokens, maxTextBytes: maxTextBytes}
}

// Append allocates the next sequence number for a text token carrying text
// and stores it. It returns ErrBufferOverflow when either text cap is
// already exhausted and ErrBufferClosed after Complete or Error.
func (b *Buffer) Append(text string) (Token, error) {
	return b.AppendToken(TextToken(text))
}

// AppendToken sequences and stores a pre-built token. Text tokens are
// subject to the buffer caps; control tokens are always accepted while the
// buffer is open.
func (b *Buffer) AppendToken(tok Token) (Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.completed || b.failed {
		return Token{}, ErrBufferClosed
	}
	if tok.IsText() {
		if b.textCount >= b.maxTextTokens || b.textBytes+tok.ByteSize() > b.maxTextBytes {
			return Token{}, ErrBufferOverflow
		}
		b.textCount++
		b.textBytes += tok.ByteSize()
	}
	return b.appendLocked(tok), nil
}

// Complete appends the terminal end marker and seals the buffer. Calling it
// on an already sealed buffer returns ErrBufferClosed.
func (b *Buffer) Complete() (Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.completed || b.failed {
		return Token{}, ErrBufferClosed
	}
	tok := b.appendLocked(ControlToken(KindEnd))
	b.completed = true
	return tok, nil
}

// Error appends a terminal error marker carrying reason and seals the
// buffer as failed.
func (b *Buffer) Error(reason string) (Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.completed || b.failed {
		return Token{}, ErrBufferClosed
	}
	tok := Token{Kind: KindError, Text: reason}
	tok = b.appendLocked(tok)
	b.failed = true
	b.failReason = reason
	return tok, nil
}

func (b *Buffer) appendLocked(tok Token) Token {
	tok.Sequence = b.next
	tok.Timestamp = time.Now()
	b.next++
	b.tokens = append(b.tokens, tok)
	return tok
}

// FromSequence returns a copy of every token with sequence >= cursor, in
// order. The copy is a consistent snapshot: it never observes a partially
// appended token.
func (b *Buffer) FromSequence(cursor uint64) []Token {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if cursor >= uint64(len(b.tokens)) {
		return nil
	}
	out := make([]Token, len(b.tokens)-int(cursor))
	copy(out, b.tokens[cursor:])
	return out
}

// IsCompleted reports whether the buffer was sealed by Complete.
func (b *Buffer) IsCompleted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.completed
}

// IsFailed reports whether the buffer was sealed by Error.
func (b *Buffer) IsFailed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failed
}

// FailReason returns the reason recorded by Error, or "".
func (b *Buffer) FailReason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failReason
}

// CurrentSequence returns the sequence number the next appended token will
// receive. It equals the number of tokens buffered so far.
func (b *Buffer) CurrentSequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.next
}

// TextCount returns the number of buffered text tokens.
func (b *Buffer) TextCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.textCount
}

// TextBytes returns the total byte size of buffered text payloads.
func (b *Buffer) TextBytes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.textBytes
}

// Text concatenates all buffered text tokens in sequence order.
func (b *Buffer) Text() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var n int
	for _, tok := range b.tokens {
		if tok.IsText() {
			n += len(tok.Text)
		}
	}
	out := make([]byte, 0, n)
	for _, tok := range b.tokens {
		if tok.IsText() {
			out = append(out, tok.Text...)
		}
	}
	return string(out)
}

// Clear drops all buffered tokens and resets counters and flags. Sequence
// numbering restarts from zero; callers must not reuse a cleared buffer for
// a session whose tokens were already observed.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = nil
	b.next = 0
	b.textCount = 0
	b.textBytes = 0
	b.completed = false
	b.failed = false
	b.failReason = ""
}
