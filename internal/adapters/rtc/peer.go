// Package rtc hosts the server-side relay peer: a pion PeerConnection
// negotiated against a browser offer, carrying synthesized audio out
// on a "tts" data channel and accepting commands in on a
// "client-commands" channel.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/chunkio"
	"github.com/voicebridge/voicebridge/internal/core"
	"github.com/voicebridge/voicebridge/internal/domain"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// Factory builds relay peers. A nil or disabled factory means the
// deployment runs signaling-only.
type Factory struct {
	Config webrtc.Configuration

	// TTS serves the in-band synthesize commands arriving on the
	// client-commands data channel. Nil disables those commands.
	TTS core.Synthesizer

	ChunkSize   int
	OpenTimeout time.Duration
}

func NewFactory(cfg webrtc.Configuration, tts core.Synthesizer) *Factory {
	if len(cfg.ICEServers) == 0 {
		cfg = DefaultWebRTCConfig()
	}
	return &Factory{Config: cfg, TTS: tts, OpenTimeout: 10 * time.Second}
}

// CreatePeer negotiates a relay peer against the client's offer and
// returns it with the answer already gathered. onClosed fires once,
// after the underlying connection reaches a terminal state.
func (f *Factory) CreatePeer(ctx context.Context, owner domain.ConnID, offer webrtc.SessionDescription, onClosed func()) (core.RelayPeer, error) {
	pc, err := webrtc.NewPeerConnection(f.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %v", core.ErrNegotiationFailed, err)
	}

	p := &Peer{
		pc:          pc,
		owner:       owner,
		tts:         f.TTS,
		chunkSize:   f.ChunkSize,
		openTimeout: f.OpenTimeout,
		opened:      make(chan struct{}),
		onClosed:    onClosed,
	}

	// The outbound channel is created before the answer so it rides the
	// same negotiation.
	dc, err := pc.CreateDataChannel("tts", nil)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: create data channel: %v", core.ErrNegotiationFailed, err)
	}
	p.dc = dc
	dc.OnOpen(func() {
		log.Info().Str("module", "rtc").Str("conn", string(owner)).Msg("tts channel open")
		p.openOnce.Do(func() { close(p.opened) })
	})

	p.wire(ctx)

	if err := p.applyOfferAndCreateAnswer(offer); err != nil {
		p.Close()
		return nil, err
	}
	log.Info().Str("module", "rtc").Str("conn", string(owner)).Msg("relay peer negotiated")
	return p, nil
}

// Peer is one relay PeerConnection bound to one signaling connection.
type Peer struct {
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	owner domain.ConnID
	tts   core.Synthesizer

	chunkSize   int
	openTimeout time.Duration

	opened    chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once
	closedCb  sync.Once
	onClosed  func()
}

type clientCommand struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (p *Peer) wire(ctx context.Context) {
	pc := p.pc

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("conn", string(p.owner)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			p.Close()
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("conn", string(p.owner)).Str("peer_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			p.Close()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "client-commands" {
			log.Warn().Str("module", "rtc").Str("conn", string(p.owner)).Str("label", dc.Label()).Msg("unexpected data channel")
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			p.handleCommand(ctx, msg.Data)
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("conn", string(p.owner)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		go p.drainTrack(track)
	})
}

// handleCommand serves one in-band command from the client-commands
// channel. Bad frames are logged and dropped; the channel stays up.
func (p *Peer) handleCommand(ctx context.Context, data []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("conn", string(p.owner)).Msg("bad command frame")
		return
	}
	switch cmd.Type {
	case "synthesize":
		if p.tts == nil {
			log.Warn().Str("module", "rtc").Str("conn", string(p.owner)).Msg("synthesize command without tts backend")
			return
		}
		audio, err := p.tts.Synthesize(ctx, cmd.Text)
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("conn", string(p.owner)).Msg("in-band synthesize failed")
			return
		}
		if err := p.SendAudio(ctx, audio); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("conn", string(p.owner)).Msg("in-band delivery failed")
		}
	default:
		log.Warn().Str("module", "rtc").Str("conn", string(p.owner)).Str("type", cmd.Type).Msg("unknown command")
	}
}

// drainTrack keeps the remote track's RTP flowing so the connection
// stays healthy. The packets themselves are not consumed further yet.
// TODO: feed inbound track audio into the utterance aggregator once
// clients send microphone tracks instead of socket fragments.
func (p *Peer) drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "rtc").Str("conn", string(p.owner)).Msg("track read ended")
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("conn", string(p.owner)).Msg("bad rtp packet")
		}
	}
}

func (p *Peer) applyOfferAndCreateAnswer(offer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("%w: set remote description: %v", core.ErrNegotiationFailed, err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", core.ErrNegotiationFailed, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local description: %v", core.ErrNegotiationFailed, err)
	}
	<-gatherComplete

	return nil
}

func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *Peer) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(ci)
}

// ChannelOpen reports whether the tts channel is ready to carry audio.
func (p *Peer) ChannelOpen() bool {
	return p.dc != nil && p.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// SendAudio streams audio over the tts channel in bounded binary
// frames followed by a JSON end marker. It waits for the channel to
// open, bounded by the factory's open timeout and ctx.
func (p *Peer) SendAudio(ctx context.Context, audio []byte) error {
	if err := p.waitOpen(ctx); err != nil {
		return err
	}
	err := chunkio.Send(audio, p.chunkSize,
		func(chunk []byte) error { return p.dc.Send(chunk) },
		func() error { return p.dc.SendText(chunkio.EndMarkerJSON) })
	if err != nil {
		return fmt.Errorf("tts channel send: %w", err)
	}
	return nil
}

func (p *Peer) waitOpen(ctx context.Context) error {
	if p.ChannelOpen() {
		return nil
	}
	timeout := p.openTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-p.opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("tts channel not open: %w", core.ErrTransportGone)
	}
}

// Close tears the connection down and fires onClosed. Safe to call
// from state-change callbacks and from registry cleanup concurrently.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		if err := p.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("conn", string(p.owner)).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("conn", string(p.owner)).Msg("relay peer closed")
		}
	})
	if p.onClosed != nil {
		p.closedCb.Do(p.onClosed)
	}
}
