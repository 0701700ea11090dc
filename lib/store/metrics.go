// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	databaseOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kadcrawl",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Number of database operations.",
		}, []string{"operation", "result"})
	databaseOperationSeconds = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  "kadcrawl",
			Subsystem:  "store",
			Name:       "operation_seconds",
			Help:       "Latency of database operations.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"operation"})

	queueEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kadcrawl",
			Subsystem: "store",
			Name:      "queue_events",
			Help:      "Number of events waiting to be written.",
		})
	queueDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kadcrawl",
			Subsystem: "store",
			Name:      "queue_dropped_total",
			Help:      "Number of events dropped before reaching the database.",
		}, []string{"event", "reason"})
	queueOverflowTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kadcrawl",
			Subsystem: "store",
			Name:      "queue_overflow_total",
			Help:      "Number of events queued beyond the queue size because nothing could be evicted.",
		}, []string{"event"})
	writeRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kadcrawl",
			Subsystem: "store",
			Name:      "write_retries_total",
			Help:      "Number of batch writes retried after a transient failure.",
		})
)

const (
	dbOpPutPeer   = "put_peer"
	dbOpMarkSent  = "mark_sent"
	dbOpAddReport = "add_report"
	dbOpLoad      = "load"
	dbOpSummary   = "summary"
	dbOpCommit    = "commit"

	dbResSuccess     = "success"
	dbResUnavailable = "unavailable"
	dbResConflict    = "conflict"

	dropReasonEvicted  = "evicted"
	dropReasonClosed   = "closed"
	dropReasonConflict = "conflict"
)

func init() {
	prometheus.MustRegister(databaseOperations, databaseOperationSeconds,
		queueEvents, queueDroppedTotal, queueOverflowTotal, writeRetriesTotal)
}
