// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDatagramsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kadcrawl",
		Subsystem: "crawler",
		Name:      "datagrams_total",
		Help:      "Number of datagrams received, by outcome.",
	}, []string{"result"})
	metricDecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kadcrawl",
		Subsystem: "crawler",
		Name:      "decode_errors_total",
		Help:      "Number of datagrams that failed to decode, by kind.",
	}, []string{"kind"})
	metricMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kadcrawl",
		Subsystem: "crawler",
		Name:      "messages_total",
		Help:      "Number of decoded messages, by opcode and framing.",
	}, []string{"opcode", "framing"})
	metricContactsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kadcrawl",
		Subsystem: "crawler",
		Name:      "contacts_total",
		Help:      "Number of announced contacts, by outcome.",
	}, []string{"result"})
	metricReportsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kadcrawl",
		Subsystem: "crawler",
		Name:      "reports_total",
		Help:      "Number of reports recorded.",
	})
	metricProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kadcrawl",
		Subsystem: "crawler",
		Name:      "probes_total",
		Help:      "Number of probes sent, by kind.",
	}, []string{"kind"})
	metricSendErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kadcrawl",
		Subsystem: "crawler",
		Name:      "send_errors_total",
		Help:      "Number of probes that could not be sent.",
	})
	metricReceiveErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kadcrawl",
		Subsystem: "crawler",
		Name:      "receive_errors_total",
		Help:      "Number of socket receive errors.",
	})
	metricPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kadcrawl",
		Subsystem: "crawler",
		Name:      "probing_paused",
		Help:      "Whether probing is paused waiting for the store.",
	})
)

const (
	datagramOK       = "ok"
	datagramLimited  = "limited"
	datagramDecode   = "decode_error"
	contactAccepted  = "accepted"
	contactFiltered  = "filtered"
	contactDuplicate = "duplicate"
)
