package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/streamsafe/gateway-go/stream"
)

func seqToken(seq uint64, text string) stream.Token {
	return stream.Token{Sequence: seq, Kind: stream.KindText, Text: text, Timestamp: time.Now()}
}

func TestSSEWritesFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	tr, err := NewSSE(context.Background(), rec)
	if err != nil {
		t.Fatalf("NewSSE: %v", err)
	}

	if err := tr.Send(seqToken(0, "hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	body := rec.Body.String()
	for _, want := range []string{"id: 0\n", "event: text\n", `"text":"hello"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("frame missing %q in:\n%s", want, body)
		}
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Fatalf("frame not terminated: %q", body)
	}
}

func TestSSESendAfterDisconnect(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	tr, err := NewSSE(ctx, rec)
	if err != nil {
		t.Fatalf("NewSSE: %v", err)
	}

	cancel()
	if err := tr.Send(seqToken(0, "x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after disconnect: got %v, want ErrNotConnected", err)
	}
	if tr.IsConnected() {
		t.Fatal("transport still reports connected after disconnect")
	}
}

func TestSSESendAfterClose(t *testing.T) {
	rec := httptest.NewRecorder()
	tr, err := NewSSE(context.Background(), rec)
	if err != nil {
		t.Fatalf("NewSSE: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Send(seqToken(0, "x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: got %v, want ErrClosed", err)
	}
}

func TestDeferredIsAlwaysConnected(t *testing.T) {
	tr := NewDeferred()
	if err := tr.Send(seqToken(0, "x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !tr.IsConnected() {
		t.Fatal("deferred transport must always report connected")
	}
}

func TestAccumulatorWaitReturnsConcatenation(t *testing.T) {
	tr := NewAccumulator()

	go func() {
		_ = tr.Send(seqToken(0, "hello"))
		_ = tr.Send(seqToken(1, " "))
		_ = tr.Send(stream.Token{Sequence: 2, Kind: stream.KindHeartbeat})
		_ = tr.Send(seqToken(3, "world"))
		_ = tr.Send(stream.Token{Sequence: 4, Kind: stream.KindEnd})
		_ = tr.Close()
	}()

	got, err := tr.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("content = %q", got)
	}
}

func TestAccumulatorWaitSurfacesFailure(t *testing.T) {
	tr := NewAccumulator()
	_ = tr.Send(seqToken(0, "partial"))
	_ = tr.Send(stream.Token{Sequence: 1, Kind: stream.KindError, Text: "upstream broke"})
	_ = tr.Close()

	_, err := tr.Wait(context.Background())
	if !errors.Is(err, ErrStreamFailed) {
		t.Fatalf("wait: got %v, want ErrStreamFailed", err)
	}
	if !strings.Contains(err.Error(), "upstream broke") {
		t.Fatalf("failure reason lost: %v", err)
	}
}

func TestAccumulatorWaitHonorsContext(t *testing.T) {
	tr := NewAccumulator()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait: got %v, want deadline exceeded", err)
	}
}

func TestBidiSkipsAlreadyObservedSequences(t *testing.T) {
	rec := httptest.NewRecorder()
	tr, err := NewBidi(context.Background(), rec, 2)
	if err != nil {
		t.Fatalf("NewBidi: %v", err)
	}
	if tr.ResumeCursor() != 2 {
		t.Fatalf("resume cursor = %d", tr.ResumeCursor())
	}

	for i := uint64(0); i < 4; i++ {
		if err := tr.Send(seqToken(i, "x")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	body := rec.Body.String()
	if strings.Contains(body, "id: 0\n") || strings.Contains(body, "id: 1\n") {
		t.Fatalf("replayed sequences below cursor:\n%s", body)
	}
	for _, want := range []string{"id: 2\n", "id: 3\n"} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}
