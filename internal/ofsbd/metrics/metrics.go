// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics holds the Prometheus collectors of the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ofsbd"

var (
	// Devices is the number of registered devices.
	Devices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices",
		Help:      "Number of registered block devices",
	})

	// Requests counts completed block requests by operation and status.
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "io",
			Name:      "requests_total",
			Help:      "Total number of completed block requests",
		},
		[]string{"op", "status"},
	)

	// Bytes counts bytes transferred by successful block requests.
	Bytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "io",
			Name:      "bytes_total",
			Help:      "Total bytes transferred by successful block requests",
		},
		[]string{"op"},
	)

	// Duration tracks latency of block requests from submission to
	// completion.
	Duration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "io",
			Name:      "request_duration_seconds",
			Help:      "Latency of block requests",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 100us to ~3s
		},
		[]string{"op"},
	)

	// StoreOps counts backing store operations by kind and outcome.
	StoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of backing store operations",
		},
		[]string{"op", "status"},
	)

	// StoreRetries counts retried backing store operations.
	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Total number of retried backing store operations",
		},
		[]string{"op"},
	)
)

// Status returns the label value for an outcome.
func Status(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}
