package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/voicebridge/voicebridge/internal/core"
	"github.com/voicebridge/voicebridge/internal/domain"
)

type fakeSink struct {
	path   domain.DeliveryPath
	peer   core.RelayPeer
	events []map[string]any
	binary [][]byte
}

func (s *fakeSink) Emit(id domain.ConnID, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	s.events = append(s.events, m)
	return nil
}

func (s *fakeSink) EmitBinary(id domain.ConnID, b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	s.binary = append(s.binary, cp)
	return nil
}

func (s *fakeSink) DeliveryPath(id domain.ConnID) domain.DeliveryPath { return s.path }

func (s *fakeSink) RelayPeer(id domain.ConnID) (core.RelayPeer, bool) {
	return s.peer, s.peer != nil
}

func (s *fakeSink) eventTypes() []string {
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		if t, ok := e["type"].(string); ok {
			out = append(out, t)
		}
	}
	return out
}

type fakeSTT struct {
	transcript string
	err        error
	calls      int
}

func (f *fakeSTT) Transcribe(ctx context.Context, audioPath, hintExt string) (string, error) {
	f.calls++
	if _, err := os.Stat(audioPath); err != nil {
		return "", err
	}
	return f.transcript, f.err
}

type fakeReplies struct {
	reply string
	err   error
	calls int
}

func (f *fakeReplies) GenerateReply(ctx context.Context, id domain.ConnID, text string) (string, error) {
	f.calls++
	return f.reply, f.err
}

func (f *fakeReplies) Forget(id domain.ConnID) {}

type fakeTTS struct {
	audio []byte
	err   error
	calls int
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.calls++
	return f.audio, f.err
}

type fakePeer struct {
	sent   [][]byte
	err    error
	open   bool
	closed bool
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription { return nil }
func (p *fakePeer) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (p *fakePeer) SendAudio(ctx context.Context, b []byte) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, b)
	return nil
}
func (p *fakePeer) ChannelOpen() bool { return p.open }
func (p *fakePeer) Close()            { p.closed = true }

func newPipeline(t *testing.T, sink *fakeSink, stt *fakeSTT, rep *fakeReplies, tts *fakeTTS) *Pipeline {
	t.Helper()
	return &Pipeline{
		STT:       stt,
		Replies:   rep,
		TTS:       tts,
		Sink:      sink,
		TempDir:   t.TempDir(),
		ChunkSize: 4,
	}
}

func TestRunHappyPathSocket(t *testing.T) {
	sink := &fakeSink{path: domain.PathSocket}
	stt := &fakeSTT{transcript: "hello there"}
	rep := &fakeReplies{reply: "general kenobi"}
	tts := &fakeTTS{audio: []byte("0123456789")}
	p := newPipeline(t, sink, stt, rep, tts)

	p.Run(context.Background(), "c1", []byte("utterance"))

	want := []string{"stream-audio-final", "assistant-message", "tts-chunk-end"}
	got := sink.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if sink.events[0]["transcript"] != "hello there" {
		t.Errorf("transcript = %v", sink.events[0]["transcript"])
	}
	if sink.events[1]["text"] != "general kenobi" {
		t.Errorf("assistant text = %v", sink.events[1]["text"])
	}
	if len(sink.binary) != 3 {
		t.Fatalf("binary frames = %d, want 3", len(sink.binary))
	}
	var joined []byte
	for _, b := range sink.binary {
		joined = append(joined, b...)
	}
	if string(joined) != "0123456789" {
		t.Errorf("reassembled audio = %q", joined)
	}
}

func TestRunNoSpeechShortCircuits(t *testing.T) {
	sink := &fakeSink{path: domain.PathSocket}
	stt := &fakeSTT{transcript: "   \n "}
	rep := &fakeReplies{reply: "unused"}
	tts := &fakeTTS{audio: []byte("unused")}
	p := newPipeline(t, sink, stt, rep, tts)

	p.Run(context.Background(), "c1", []byte("silence"))

	if len(sink.events) != 1 {
		t.Fatalf("events = %v, want one", sink.eventTypes())
	}
	if sink.events[0]["type"] != "stream-audio-error" {
		t.Errorf("type = %v", sink.events[0]["type"])
	}
	if sink.events[0]["error"] != "No speech detected" {
		t.Errorf("error = %q, want %q", sink.events[0]["error"], "No speech detected")
	}
	if rep.calls != 0 {
		t.Errorf("reply generator called %d times on empty transcript", rep.calls)
	}
	if tts.calls != 0 {
		t.Errorf("synthesizer called %d times on empty transcript", tts.calls)
	}
}

func TestRunTranscriptionFailure(t *testing.T) {
	sink := &fakeSink{path: domain.PathSocket}
	stt := &fakeSTT{err: core.ErrUpstreamFailed}
	rep := &fakeReplies{}
	tts := &fakeTTS{}
	p := newPipeline(t, sink, stt, rep, tts)

	p.Run(context.Background(), "c1", []byte("audio"))

	if len(sink.events) != 1 {
		t.Fatalf("events = %v", sink.eventTypes())
	}
	if sink.events[0]["type"] != "stream-audio-error" || sink.events[0]["error"] != "upstream-failed" {
		t.Errorf("event = %v", sink.events[0])
	}
	if rep.calls != 0 {
		t.Errorf("reply generator ran after transcription failure")
	}
}

func TestRunReplyFailure(t *testing.T) {
	sink := &fakeSink{path: domain.PathSocket}
	stt := &fakeSTT{transcript: "hi"}
	rep := &fakeReplies{err: errors.New("boom")}
	tts := &fakeTTS{}
	p := newPipeline(t, sink, stt, rep, tts)

	p.Run(context.Background(), "c1", []byte("audio"))

	got := sink.eventTypes()
	if len(got) != 2 || got[0] != "stream-audio-final" || got[1] != "stream-audio-error" {
		t.Fatalf("events = %v", got)
	}
	if sink.events[1]["error"] != "internal-error" {
		t.Errorf("error code = %v", sink.events[1]["error"])
	}
	if tts.calls != 0 {
		t.Errorf("synthesizer ran after reply failure")
	}
}

func TestRunSynthesisFailure(t *testing.T) {
	sink := &fakeSink{path: domain.PathSocket}
	stt := &fakeSTT{transcript: "hi"}
	rep := &fakeReplies{reply: "hello"}
	tts := &fakeTTS{err: core.ErrUpstreamFailed}
	p := newPipeline(t, sink, stt, rep, tts)

	p.Run(context.Background(), "c1", []byte("audio"))

	got := sink.eventTypes()
	if len(got) != 3 || got[2] != "tts-error" {
		t.Fatalf("events = %v", got)
	}
	if sink.events[2]["error"] != "upstream-failed" {
		t.Errorf("error code = %v", sink.events[2]["error"])
	}
	if len(sink.binary) != 0 {
		t.Errorf("binary frames sent despite synthesis failure")
	}
}

func TestRunDataChannelPathSkipsSocketFrames(t *testing.T) {
	peer := &fakePeer{open: true}
	sink := &fakeSink{path: domain.PathDataChannel, peer: peer}
	stt := &fakeSTT{transcript: "hi"}
	rep := &fakeReplies{reply: "hello"}
	tts := &fakeTTS{audio: []byte("audio-bytes")}
	p := newPipeline(t, sink, stt, rep, tts)

	p.Run(context.Background(), "c1", []byte("audio"))

	if len(peer.sent) != 1 || string(peer.sent[0]) != "audio-bytes" {
		t.Fatalf("peer sent = %v", peer.sent)
	}
	if len(sink.binary) != 0 {
		t.Errorf("socket binary frames sent alongside datachannel delivery")
	}
	for _, typ := range sink.eventTypes() {
		if typ == "tts-chunk-end" {
			t.Errorf("tts-chunk-end emitted on datachannel delivery")
		}
	}
}

func TestRunRemovesTempFile(t *testing.T) {
	sink := &fakeSink{path: domain.PathSocket}
	stt := &fakeSTT{err: core.ErrUpstreamFailed}
	p := newPipeline(t, sink, stt, &fakeReplies{}, &fakeTTS{})

	p.Run(context.Background(), "c1", []byte("audio"))

	entries, err := os.ReadDir(p.TempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, filepath.Join(p.TempDir, e.Name()))
		}
		t.Errorf("temp artifacts left behind: %v", names)
	}
	if stt.calls != 1 {
		t.Errorf("stt calls = %d", stt.calls)
	}
}

func TestRunNoConnectionDeliversNothing(t *testing.T) {
	sink := &fakeSink{path: domain.PathNone}
	stt := &fakeSTT{transcript: "hi"}
	rep := &fakeReplies{reply: "hello"}
	tts := &fakeTTS{audio: []byte("audio")}
	p := newPipeline(t, sink, stt, rep, tts)

	p.Run(context.Background(), "c1", []byte("audio"))

	if len(sink.binary) != 0 {
		t.Errorf("binary frames sent to vanished connection")
	}
	for _, typ := range sink.eventTypes() {
		if typ == "tts-chunk-end" {
			t.Errorf("tts-chunk-end emitted with no delivery path")
		}
	}
}
