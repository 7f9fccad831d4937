// Package metrics holds the prometheus collectors of the transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay metrics
	EnvelopesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddk_envelopes_published_total",
			Help: "Envelopes acknowledged by at least one relay",
		},
		[]string{"kind"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddk_relay_publish_failures_total",
			Help: "Per-relay publish failures",
		},
		[]string{"relay"},
	)

	RelayReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddk_relay_reconnects_total",
			Help: "Successful reconnects after a dropped relay connection",
		},
		[]string{"relay"},
	)

	RelaysConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ddk_relays_connected",
			Help: "Relays with an open connection",
		},
	)

	// Dispatch metrics
	EnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddk_envelopes_received_total",
			Help: "Envelopes received from the subscription stream",
		},
		[]string{"class"},
	)

	EnvelopesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddk_envelopes_dropped_total",
			Help: "Envelopes dropped before reaching the contract engine",
		},
		[]string{"reason"}, // "decryption_failed", "malformed", "duplicate", ...
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ddk_messages_delivered_total",
			Help: "Negotiation messages handed to the contract engine",
		},
	)

	RepliesLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ddk_replies_lost_total",
			Help: "Engine replies that could not be published",
		},
	)

	// Segmentation metrics
	SegmentsReassembled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ddk_segments_reassembled_total",
			Help: "Segmented payloads reassembled",
		},
	)

	SegmentsStale = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ddk_segments_stale_total",
			Help: "Incomplete segment buffers discarded by the sweeper",
		},
	)

	// Chain metrics
	ChainTipHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ddk_chain_tip_height",
			Help: "Last observed chain tip height",
		},
	)
)

// Drop reasons used as EnvelopesDropped labels.
const (
	ReasonDecryptionFailed = "decryption_failed"
	ReasonMalformed        = "malformed"
	ReasonDuplicate        = "duplicate"
	ReasonUnknownKind      = "unknown_kind"
	ReasonInvalidOracle    = "invalid_oracle"
	ReasonClockSkew        = "clock_skew"
	ReasonEngineError      = "engine_error"
)
