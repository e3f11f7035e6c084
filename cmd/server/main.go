package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/voicebridge/voicebridge/internal/adapters/http"
	"github.com/voicebridge/voicebridge/internal/adapters/rtc"
	signalws "github.com/voicebridge/voicebridge/internal/adapters/signal"
	"github.com/voicebridge/voicebridge/internal/app"
	"github.com/voicebridge/voicebridge/internal/audio"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/core"
	"github.com/voicebridge/voicebridge/internal/pipeline"
	"github.com/voicebridge/voicebridge/internal/services"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	history := services.NewHistory(cfg.History.Limit)
	stt := services.NewSTTClient(services.STTConfig{
		Endpoint: cfg.STT.Endpoint,
		APIKey:   cfg.STT.APIKey,
		Model:    cfg.STT.Model,
		Timeout:  cfg.STT.Timeout,
	})
	chat := services.NewChatClient(services.ChatConfig{
		Endpoint:     cfg.Chat.Endpoint,
		APIKey:       cfg.Chat.APIKey,
		Model:        cfg.Chat.Model,
		SystemPrompt: cfg.Chat.SystemPrompt,
		Timeout:      cfg.Chat.Timeout,
	}, history)
	tts := services.NewTTSClient(services.TTSConfig{
		Endpoint: cfg.TTS.Endpoint,
		APIKey:   cfg.TTS.APIKey,
		Model:    cfg.TTS.Model,
		Voice:    cfg.TTS.Voice,
		Format:   cfg.TTS.Format,
		Timeout:  cfg.TTS.Timeout,
	})

	reg := app.NewRegistry()
	agg := audio.NewAggregator(cfg.Audio.MaxBytes)

	var peers core.PeerFactory
	if cfg.WebRTC.Enabled {
		rtcCfg := rtc.DefaultWebRTCConfig()
		if len(cfg.WebRTC.ICEServers) > 0 {
			rtcCfg = webrtc.Configuration{
				ICEServers: []webrtc.ICEServer{{URLs: cfg.WebRTC.ICEServers}},
			}
		}
		factory := rtc.NewFactory(rtcCfg, tts)
		factory.ChunkSize = cfg.ChunkSize
		peers = factory
	} else {
		log.Info().Msg("webrtc relay disabled, signaling only")
	}

	pipe := &pipeline.Pipeline{
		STT:         stt,
		Replies:     chat,
		TTS:         tts,
		Sink:        reg,
		TempDir:     cfg.Audio.TempDir,
		HintExt:     cfg.Audio.HintExt,
		ChunkSize:   cfg.ChunkSize,
		StepTimeout: cfg.Pipeline.StepTimeout,
	}

	rt := &app.Router{
		Registry:    reg,
		Audio:       agg,
		Peers:       peers,
		TTS:         tts,
		Replies:     chat,
		Pipeline:    pipe,
		ChunkSize:   cfg.ChunkSize,
		StepTimeout: cfg.Pipeline.StepTimeout,
	}

	ctrl := &signalws.Controller{
		Router:     rt,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		Limiter:    signalws.NewConnRateLimiter(cfg.Connect.RateLimit, cfg.Connect.RateWindow),
	}

	r := router.SetupRouter(ctx, cfg, ctrl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("VoiceBridge server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
