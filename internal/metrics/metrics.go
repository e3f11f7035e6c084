// Package metrics exposes Prometheus instrumentation for the signaling
// and pipeline layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_signal_messages_total",
		Help: "Signaling messages handled, by message type",
	}, []string{"type"})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicebridge_connections_active",
		Help: "Currently connected signaling clients",
	})

	RelayPeersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicebridge_relay_peers_active",
		Help: "Currently negotiated server-side relay peers",
	})

	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_pipeline_runs_total",
		Help: "Utterance pipeline runs, by result",
	}, []string{"result"})

	PipelineStageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_pipeline_stage_failures_total",
		Help: "Pipeline failures, by stage (stt, chat, tts, deliver)",
	}, []string{"stage"})

	AudioDeliveredBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_audio_delivered_bytes_total",
		Help: "Synthesized audio bytes delivered to clients, by path",
	}, []string{"path"})
)
