// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package metrics exposes the prometheus counters collected by the
// listener and channel packages. A single Metrics instance is created per
// process (or per test) and registered against whatever
// prometheus.Registerer the embedding application uses.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters securewire maintains. The zero value is not
// usable; construct one with New.
type Metrics struct {
	AcceptedTotal          prometheus.Counter
	DeniedTotal            prometheus.Counter
	HandshakeSuccessTotal  prometheus.Counter
	HandshakeFailureTotal  *prometheus.CounterVec
	HandshakeTimeoutTotal  prometheus.Counter
	BytesSentTotal         prometheus.Counter
	BytesReceivedTotal     prometheus.Counter
}

// New constructs a Metrics instance with the given namespace (e.g.
// "securewire") and registers its collectors with reg. Passing a nil
// Registerer is valid and simply skips registration, which is convenient
// in tests that construct many short-lived listeners.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "accepted_total",
			Help:      "Total number of raw connections accepted.",
		}),
		DeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "denied_total",
			Help:      "Total number of connections rejected by the deny-set.",
		}),
		HandshakeSuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "success_total",
			Help:      "Total number of handshakes that reached Established.",
		}),
		HandshakeFailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "failure_total",
			Help:      "Total number of failed handshakes, labeled by reason.",
		}, []string{"reason"}),
		HandshakeTimeoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "timeout_total",
			Help:      "Total number of handshakes aborted by the zombie-defense window.",
		}),
		BytesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "bytes_sent_total",
			Help:      "Total plaintext bytes sealed and sent across all channels.",
		}),
		BytesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "bytes_received_total",
			Help:      "Total plaintext bytes opened and received across all channels.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.AcceptedTotal,
			m.DeniedTotal,
			m.HandshakeSuccessTotal,
			m.HandshakeFailureTotal,
			m.HandshakeTimeoutTotal,
			m.BytesSentTotal,
			m.BytesReceivedTotal,
		)
	}
	return m
}
