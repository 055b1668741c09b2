// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes relay's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Total protocol messages recorded by sender and type",
		},
		[]string{"sender", "type"},
	)

	runErrorsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_run_errors_total",
			Help: "Total server run errors recorded by code",
		},
		[]string{"code"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of sessions currently in the active state",
		},
	)

	openConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_open_connections",
			Help: "Number of transport connections currently open",
		},
	)

	eventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Session events dropped because the append buffer was full",
		},
	)

	staleConnectionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_stale_connections_swept_total",
			Help: "Connections closed by the liveness sweep",
		},
	)
)

// RecordMessage increments the message counter.
func RecordMessage(sender, msgType string) {
	messagesRecorded.WithLabelValues(sender, msgType).Inc()
}

// RecordRunError increments the run error counter.
func RecordRunError(code string) {
	runErrorsRecorded.WithLabelValues(code).Inc()
}

// SessionOpened increments the active session gauge.
func SessionOpened() { activeSessions.Inc() }

// SessionDeleted decrements the active session gauge.
func SessionDeleted() { activeSessions.Dec() }

// ConnectionOpened increments the open connection gauge.
func ConnectionOpened() { openConnections.Inc() }

// ConnectionClosed decrements the open connection gauge by n.
func ConnectionClosed(n int64) { openConnections.Sub(float64(n)) }

// EventDropped increments the dropped event counter.
func EventDropped() { eventsDropped.Inc() }

// StaleConnectionsSwept adds to the sweep counter.
func StaleConnectionsSwept(n int64) { staleConnectionsSwept.Add(float64(n)) }
