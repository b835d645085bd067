// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides the gateway's Prometheus metrics: request
// outcomes, job lifecycle counts, and stream activity. Exposed on /metrics.
//
// Thread Safety: all metric operations are safe for concurrent use via
// Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "meridian"

// Metrics holds the gateway's Prometheus instruments. Initialize once at
// startup via NewMetrics.
type Metrics struct {
	// RequestsTotal counts API requests by endpoint and status class.
	RequestsTotal *prometheus.CounterVec

	// JobsTotal counts job lifecycle transitions by resulting status.
	JobsTotal *prometheus.CounterVec

	// ActiveStreams gauges currently connected SSE subscribers.
	ActiveStreams prometheus.Gauge

	// RequestDurationSeconds measures request latency by endpoint.
	RequestDurationSeconds *prometheus.HistogramVec
}

// NewMetrics registers the gateway metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production; a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "API requests by endpoint and status class.",
		}, []string{"endpoint", "status"}),
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "jobs_total",
			Help:      "Job lifecycle transitions by resulting status.",
		}, []string{"status"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "active_streams",
			Help:      "Currently connected SSE subscribers.",
		}),
		RequestDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Request latency by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}
