// Package metrics provides Prometheus instrumentation for agentwire.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Framing metrics.
var (
	LinesParsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentwire_lines_parsed_total",
		Help: "Total number of NDJSON lines successfully decoded.",
	})

	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentwire_parse_errors_total",
		Help: "Total number of lines that failed framing or decoding.",
	}, []string{"kind"})
)

// Control protocol metrics.
var (
	ControlRequestsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentwire_control_requests_sent_total",
		Help: "Total number of outgoing control requests by subtype.",
	}, []string{"subtype"})

	ControlRequestsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentwire_control_requests_received_total",
		Help: "Total number of inbound control requests by subtype.",
	}, []string{"subtype"})

	ControlTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentwire_control_timeouts_total",
		Help: "Total number of control requests that timed out.",
	})

	PendingControlRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentwire_pending_control_requests",
		Help: "Number of control requests currently awaiting a response.",
	})
)

// Callback bridge metrics.
var (
	HookInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentwire_hook_invocations_total",
		Help: "Total number of hook callback invocations by outcome.",
	}, []string{"outcome"})

	PermissionChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentwire_permission_checks_total",
		Help: "Total number of can_use_tool checks by decision.",
	}, []string{"behavior"})
)

// Consumer stream metrics.
var (
	StreamDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentwire_stream_depth",
		Help: "Number of conversational messages buffered for the consumer.",
	})

	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentwire_messages_delivered_total",
		Help: "Total number of conversational messages delivered by type.",
	}, []string{"type"})
)
