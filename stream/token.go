package stream

import "time"

// TokenKind discriminates the payload of a Token.
type TokenKind string

const (
	// KindText carries a chunk of generated content.
	KindText TokenKind = "text"
	// KindStart marks the beginning of a stream.
	KindStart TokenKind = "start"
	// KindEnd marks normal completion of a stream.
	KindEnd TokenKind = "end"
	// KindError marks abnormal termination; Text holds the failure reason.
	KindError TokenKind = "error"
	// KindHeartbeat keeps push transports warm while the upstream is silent.
	KindHeartbeat TokenKind = "heartbeat"
	// KindMetadata carries out-of-band key/value annotations.
	KindMetadata TokenKind = "metadata"
)

// Token is the atomic unit of stream content. Sequence numbers are assigned
// by the owning Buffer at append time and are never reused within a session.
type Token struct {
	Sequence  uint64            `json:"sequence"`
	Kind      TokenKind         `json:"kind"`
	Text      string            `json:"text,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ByteSize reports the encoded size of the token's text payload.
func (t Token) ByteSize() int { return len(t.Text) }

// IsText reports whether the token carries content that counts against
// buffer caps and contributes to the concatenated result.
func (t Token) IsText() bool { return t.Kind == KindText }

// TextToken builds an unsequenced content token. The sequence and timestamp
// are assigned when the token is appended to a Buffer.
func TextToken(text string) Token {
	return Token{Kind: KindText, Text: text}
}

// ControlToken builds an unsequenced control token of the given kind.
func ControlToken(kind TokenKind) Token {
	return Token{Kind: kind}
}

// MetadataToken builds an unsequenced metadata token.
func MetadataToken(meta map[string]string) Token {
	return Token{Kind: KindMetadata, Metadata: meta}
}
