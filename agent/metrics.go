// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/courier/lib/delivery"
)

// Outcomes recorded on courier_messages_received_total.
const (
	outcomeHandled    = "handled"
	outcomeFailed     = "handler_error"
	outcomeUnknown    = "unknown_schema"
	outcomeInvalid    = "invalid_payload"
	outcomeUnverified = "unverified"
	outcomeDropped    = "queue_full"
)

// Metrics holds the runtime's Prometheus collectors. One Metrics is
// shared by every agent in a process; the agent label separates them.
// A nil *Metrics records nothing.
type Metrics struct {
	receivedTotal   *prometheus.CounterVec
	sentTotal       *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with
// registerer. A nil registerer leaves them unregistered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		receivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_messages_received_total",
			Help: "Inbound messages taken off agent queues, by outcome.",
		}, []string{"agent", "outcome"}),
		sentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_messages_sent_total",
			Help: "Outbound messages, by delivery status.",
		}, []string{"agent", "status"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courier_handler_duration_seconds",
			Help:    "Time spent in message handlers.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent"}),
	}
	if registerer != nil {
		registerer.MustRegister(metrics.receivedTotal, metrics.sentTotal, metrics.handlerDuration)
	}
	return metrics
}

func (m *Metrics) received(agent, outcome string) {
	if m == nil {
		return
	}
	m.receivedTotal.WithLabelValues(agent, outcome).Inc()
}

func (m *Metrics) sent(agent string, status delivery.Status) {
	if m == nil {
		return
	}
	m.sentTotal.WithLabelValues(agent, string(status)).Inc()
}

func (m *Metrics) observeHandler(agent string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(agent).Observe(elapsed.Seconds())
}
