package audio

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/voicebridge/voicebridge/internal/core"
	"github.com/voicebridge/voicebridge/internal/domain"
)

const conn = domain.ConnID("c1")

func TestFinalizeConcatenatesInOrder(t *testing.T) {
	a := NewAggregator(0)
	for _, f := range [][]byte{[]byte("one"), []byte("-two"), []byte("-three")} {
		if err := a.Append(conn, f); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	buf, err := a.Finalize(conn)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if want := []byte("one-two-three"); !bytes.Equal(buf, want) {
		t.Errorf("got %q, want %q", buf, want)
	}
}

func TestFinalizeEmptyYieldsNoAudioData(t *testing.T) {
	a := NewAggregator(0)
	if _, err := a.Finalize(conn); !errors.Is(err, core.ErrNoAudioData) {
		t.Fatalf("got %v, want ErrNoAudioData", err)
	}
}

func TestFinalizeClearsState(t *testing.T) {
	a := NewAggregator(0)
	if err := a.Append(conn, []byte("utterance")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := a.Finalize(conn); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	// Second finalize sees a fresh, empty list.
	if _, err := a.Finalize(conn); !errors.Is(err, core.ErrNoAudioData) {
		t.Fatalf("got %v, want ErrNoAudioData after clear", err)
	}
	if got := a.PendingBytes(conn); got != 0 {
		t.Errorf("pending %d bytes after finalize, want 0", got)
	}
}

func TestAppendCopiesFragment(t *testing.T) {
	a := NewAggregator(0)
	frag := []byte("abcd")
	if err := a.Append(conn, frag); err != nil {
		t.Fatalf("Append: %v", err)
	}
	copy(frag, "zzzz") // transport reuses its buffer

	buf, err := a.Finalize(conn)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !bytes.Equal(buf, []byte("abcd")) {
		t.Errorf("got %q, fragment was not copied", buf)
	}
}

func TestAppendEnforcesCap(t *testing.T) {
	a := NewAggregator(8)
	if err := a.Append(conn, []byte("12345678")); err != nil {
		t.Fatalf("Append within cap: %v", err)
	}
	err := a.Append(conn, []byte("x"))
	if !errors.Is(err, core.ErrAudioTooLarge) {
		t.Fatalf("got %v, want ErrAudioTooLarge", err)
	}
	// Already-buffered fragments survive the rejected append.
	buf, err := a.Finalize(conn)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(buf) != 8 {
		t.Errorf("got %d bytes, want 8", len(buf))
	}
}

func TestAppendBase64Normalizes(t *testing.T) {
	a := NewAggregator(0)
	if err := a.AppendBase64(conn, base64.StdEncoding.EncodeToString([]byte("pcm"))); err != nil {
		t.Fatalf("AppendBase64: %v", err)
	}
	if err := a.AppendBase64(conn, "!!!not-base64"); err == nil {
		t.Error("bad base64 accepted")
	}
	buf, err := a.Finalize(conn)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !bytes.Equal(buf, []byte("pcm")) {
		t.Errorf("got %q, want %q", buf, "pcm")
	}
}

func TestDiscardDropsPending(t *testing.T) {
	a := NewAggregator(0)
	if err := a.Append(conn, []byte("data")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	a.Discard(conn)
	if _, err := a.Finalize(conn); !errors.Is(err, core.ErrNoAudioData) {
		t.Fatalf("got %v, want ErrNoAudioData after discard", err)
	}
}
