// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/remule/kadcrawl/lib/crawler"
	"github.com/remule/kadcrawl/lib/registry"
	"github.com/remule/kadcrawl/lib/scheduler"
	"github.com/remule/kadcrawl/lib/store"
)

var (
	metricPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kadcrawl",
		Name:      "peers",
		Help:      "Number of known peer addresses.",
	})
	metricSharedNodeIDs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kadcrawl",
		Name:      "shared_node_ids",
		Help:      "Number of node IDs claimed at more than one address.",
	})
	metricSchedulerPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kadcrawl",
		Subsystem: "scheduler",
		Name:      "peers",
		Help:      "Number of peers by probe state.",
	}, []string{"state"})
)

type statsService struct {
	interval time.Duration
	reg      *registry.Registry
	sched    *scheduler.Scheduler
	crawl    *crawler.Crawler
	writer   *store.Writer

	lastPeers   int
	lastReports int64
}

func newStatsService(interval time.Duration, reg *registry.Registry, sched *scheduler.Scheduler, crawl *crawler.Crawler, writer *store.Writer) *statsService {
	return &statsService{
		interval:  interval,
		reg:       reg,
		sched:     sched,
		crawl:     crawl,
		writer:    writer,
		lastPeers: reg.Len(),
	}
}

func (s *statsService) String() string {
	return fmt.Sprintf("stats@%p", s)
}

func (s *statsService) Serve(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.Infoln(s.line())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *statsService) line() string {
	peers := s.reg.Len()
	shared := s.reg.Collisions()
	st := s.sched.Stats()
	cs := s.crawl.Stats()

	metricPeers.Set(float64(peers))
	metricSharedNodeIDs.Set(float64(shared))
	metricSchedulerPeers.WithLabelValues(scheduler.Discovered.String()).Set(float64(st.Discovered))
	metricSchedulerPeers.WithLabelValues(scheduler.Probed.String()).Set(float64(st.InFlight))
	metricSchedulerPeers.WithLabelValues(scheduler.Responded.String()).Set(float64(st.Responded))
	metricSchedulerPeers.WithLabelValues(scheduler.TimedOut.String()).Set(float64(st.TimedOut))

	line := fmt.Sprintf("%d peers (%d new, %d shared node IDs); %d waiting, %d in flight, %d responded, %d timed out; %d reports (%d new); %d queued",
		peers, peers-s.lastPeers, shared,
		st.Discovered, st.InFlight, st.Responded, st.TimedOut,
		cs.Reports, cs.Reports-s.lastReports, s.writer.Pending())
	s.lastPeers = peers
	s.lastReports = cs.Reports
	return line
}

// metricsService serves Prometheus metrics over HTTP.
type metricsService struct {
	addr string
}

func newMetricsService(addr string) *metricsService {
	return &metricsService{addr: addr}
}

func (s *metricsService) String() string {
	return fmt.Sprintf("metrics@%s", s.addr)
}

func (s *metricsService) Serve(ctx context.Context) error {
	lst, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK"))
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() { errs <- srv.Serve(lst) }()
	l.Infoln("Serving metrics on", lst.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
