package chunkio

import (
	"bytes"
	"errors"
	"testing"
)

func collect(t *testing.T, payload []byte, size int) (chunks [][]byte, ends int) {
	t.Helper()
	err := Send(payload, size,
		func(b []byte) error {
			cp := make([]byte, len(b))
			copy(cp, b)
			chunks = append(chunks, cp)
			return nil
		},
		func() error {
			ends++
			return nil
		})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return chunks, ends
}

func TestSendSplitsIntoBoundedChunks(t *testing.T) {
	payload := []byte("0123456789")
	chunks, ends := collect(t, payload, 4)

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, want := range []int{4, 4, 2} {
		if len(chunks[i]) != want {
			t.Errorf("chunk %d: got %d bytes, want %d", i, len(chunks[i]), want)
		}
	}
	if ends != 1 {
		t.Errorf("got %d end markers, want 1", ends)
	}
	if got := bytes.Join(chunks, nil); !bytes.Equal(got, payload) {
		t.Errorf("reassembled %q, want %q", got, payload)
	}
}

func TestSendEmptyPayload(t *testing.T) {
	chunks, ends := collect(t, nil, 16)
	if len(chunks) != 0 {
		t.Errorf("got %d chunks, want 0", len(chunks))
	}
	if ends != 1 {
		t.Errorf("got %d end markers, want 1", ends)
	}
}

func TestSendDefaultChunkSize(t *testing.T) {
	payload := make([]byte, DefaultChunkSize+1)
	chunks, _ := collect(t, payload, 0)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if len(chunks[0]) != DefaultChunkSize || len(chunks[1]) != 1 {
		t.Errorf("chunk sizes %d,%d, want %d,1", len(chunks[0]), len(chunks[1]), DefaultChunkSize)
	}
}

func TestSendAbortsOnEmitError(t *testing.T) {
	boom := errors.New("boom")
	ends := 0
	err := Send([]byte("abcdef"), 2,
		func([]byte) error { return boom },
		func() error { ends++; return nil })
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if ends != 0 {
		t.Errorf("end marker sent after failed chunk")
	}
}
