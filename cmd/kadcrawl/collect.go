// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/remule/kadcrawl/lib/build"
	"github.com/remule/kadcrawl/lib/crawler"
	"github.com/remule/kadcrawl/lib/kadproto"
	"github.com/remule/kadcrawl/lib/nodesdat"
	"github.com/remule/kadcrawl/lib/registry"
	"github.com/remule/kadcrawl/lib/scheduler"
	"github.com/remule/kadcrawl/lib/store"
	"github.com/remule/kadcrawl/lib/svcutil"
)

type collectCmd struct {
	Listen       string            `help:"Local UDP address" default:":4672" env:"KADCRAWL_LISTEN"`
	Probe        crawler.ProbeKind `help:"Probe message: bootstrap, hello, req or ping" default:"bootstrap" env:"KADCRAWL_PROBE"`
	ProbeRate    float64           `help:"Probes per second (0 for no limit)" default:"50" env:"KADCRAWL_PROBE_RATE"`
	ProbeBurst   int               `help:"Probe burst size" default:"10" env:"KADCRAWL_PROBE_BURST"`
	SourceRate   float64           `help:"Datagrams per second accepted from one IP (0 for no limit)" default:"20" env:"KADCRAWL_SOURCE_RATE"`
	SourceBurst  int               `help:"Datagram burst accepted from one IP" default:"40" env:"KADCRAWL_SOURCE_BURST"`
	AllowPrivate bool              `help:"Record and probe private, loopback and link-local addresses" env:"KADCRAWL_ALLOW_PRIVATE"`
	NodeID       string            `help:"Our node ID in hex (random if unset)" env:"KADCRAWL_NODE_ID"`
	TCPPort      uint16            `name:"tcp-port" help:"TCP port announced in hello probes" default:"4662" env:"KADCRAWL_TCP_PORT"`
	MaxInFlight  int               `help:"Maximum outstanding probes" default:"64" env:"KADCRAWL_MAX_IN_FLIGHT"`
	Timeout      time.Duration     `help:"Probe timeout" default:"5s" env:"KADCRAWL_TIMEOUT"`
	BackoffBase  time.Duration     `help:"Retry delay after the first timeout" default:"30s" env:"KADCRAWL_BACKOFF_BASE"`
	BackoffMax   time.Duration     `help:"Maximum retry delay" default:"30m" env:"KADCRAWL_BACKOFF_MAX"`
	Revisit      time.Duration     `help:"Probe responding peers again after this long (0 to disable)" default:"1h" env:"KADCRAWL_REVISIT"`
	QueueSize    int               `help:"Database write queue size" default:"8192" env:"KADCRAWL_QUEUE_SIZE"`
	QueuePolicy  string            `help:"What to do when the write queue is full: block or drop-oldest" default:"block" enum:"block,drop-oldest" env:"KADCRAWL_QUEUE_POLICY"`
	QueueTimeout time.Duration     `help:"Longest an event waits for room in a full write queue" default:"2s" env:"KADCRAWL_QUEUE_TIMEOUT"`
	FlushTimeout time.Duration     `help:"Time allowed to write queued events on shutdown" default:"5s" env:"KADCRAWL_FLUSH_TIMEOUT"`
	Bootstrap    []string          `help:"Extra peers to start from, as host:port" placeholder:"HOST:PORT" env:"KADCRAWL_BOOTSTRAP"`
	NodesDat     string            `help:"Start from the contacts of a nodes.dat file" type:"existingfile" placeholder:"PATH" env:"KADCRAWL_NODES_DAT"`
	Metrics      string            `help:"Metrics listen address (empty to disable)" placeholder:"ADDR" env:"KADCRAWL_METRICS"`
	Stats        time.Duration     `help:"Interval between progress log lines (0 to disable)" default:"1m" env:"KADCRAWL_STATS"`
}

func (c *collectCmd) crawlerConfig() (crawler.Config, error) {
	cfg := crawler.DefaultConfig()
	cfg.Listen = c.Listen
	cfg.Probe = c.Probe
	cfg.ProbeRate = c.ProbeRate
	cfg.ProbeBurst = c.ProbeBurst
	cfg.SourceRate = c.SourceRate
	cfg.SourceBurst = c.SourceBurst
	cfg.AllowPrivate = c.AllowPrivate
	cfg.TCPPort = c.TCPPort
	if c.NodeID != "" {
		id, err := kadproto.NodeIDFromString(c.NodeID)
		if err != nil {
			return crawler.Config{}, fmt.Errorf("node ID: %w", err)
		}
		cfg.NodeID = id
	}
	return cfg, cfg.Validate()
}

func (c *collectCmd) schedulerConfig() (scheduler.Config, error) {
	cfg := scheduler.Config{
		MaxInFlight: c.MaxInFlight,
		Timeout:     c.Timeout,
		BackoffBase: c.BackoffBase,
		BackoffMax:  c.BackoffMax,
		Revisit:     c.Revisit,
	}
	return cfg, cfg.Validate()
}

func (c *collectCmd) writerConfig() (store.WriterConfig, error) {
	policy, err := store.ParseQueuePolicy(c.QueuePolicy)
	if err != nil {
		return store.WriterConfig{}, err
	}
	cfg := store.DefaultWriterConfig()
	cfg.QueueSize = c.QueueSize
	cfg.HighWater = c.QueueSize * 3 / 4
	cfg.Policy = policy
	cfg.BlockTimeout = c.QueueTimeout
	cfg.FlushTimeout = c.FlushTimeout
	return cfg, nil
}

func (c *collectCmd) Run(cli *CLI) error {
	crawlCfg, err := c.crawlerConfig()
	if err != nil {
		return svcutil.AsFatalErr(err, svcutil.ExitBadConfig)
	}
	schedCfg, err := c.schedulerConfig()
	if err != nil {
		return svcutil.AsFatalErr(err, svcutil.ExitBadConfig)
	}
	writerCfg, err := c.writerConfig()
	if err != nil {
		return svcutil.AsFatalErr(err, svcutil.ExitBadConfig)
	}

	db, err := cli.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	writer := store.NewWriter(db, writerCfg)
	reg := registry.New(writer)
	sched, err := scheduler.New(schedCfg)
	if err != nil {
		return svcutil.AsFatalErr(err, svcutil.ExitBadConfig)
	}
	crawl, err := crawler.New(crawlCfg, reg, sched, writer)
	if err != nil {
		return svcutil.AsFatalErr(err, svcutil.ExitBadConfig)
	}

	stopWriter, err := c.start(ctx, db, writer, reg, crawl)
	if err != nil {
		return err
	}

	mainSup := svcutil.NewSupervisor("main", l)
	mainSup.Add(crawl)
	if c.Stats > 0 {
		mainSup.Add(newStatsService(c.Stats, reg, sched, crawl, writer))
	}
	if c.Metrics != "" {
		mainSup.Add(newMetricsService(c.Metrics))
	}

	l.Infoln(build.LongVersion)
	l.Infof("Crawling from %d known peers as %v", reg.Len(), crawl.LocalID())
	err = mainSup.Serve(ctx)

	if werr := stopWriter(); werr != nil {
		l.Warnln("Store writer:", werr)
	}
	l.Infof("Wrote %d events, %d peers known", writer.Written(), reg.Len())
	return err
}

// start runs the writer and then fills the registry from the store and the
// configured seeds. Seeding emits an event per new peer, so the writer has
// to be draining before it begins. The returned function stops the writer.
func (c *collectCmd) start(ctx context.Context, db *store.Store, writer *store.Writer, reg *registry.Registry, crawl *crawler.Crawler) (func() error, error) {
	// The writer runs in its own tree so that it outlives the crawler and
	// writes what the crawler produced up to the very end.
	stopWriter := svcutil.Background("store", l, writer)

	fail := func(err error, status svcutil.ExitStatus) (func() error, error) {
		stopWriter()
		return nil, svcutil.AsFatalErr(err, status)
	}
	if err := restore(ctx, db, reg, crawl); err != nil {
		return fail(err, svcutil.ExitDatabase)
	}
	if err := c.seed(crawl); err != nil {
		return fail(err, svcutil.ExitBadConfig)
	}
	if reg.Len() == 0 {
		return fail(fmt.Errorf("no peers to start from; use --bootstrap, --nodes-dat or feed-nodes-dat"), svcutil.ExitBadConfig)
	}
	return stopWriter, nil
}

// restore loads what earlier runs found, least recently probed first.
func restore(ctx context.Context, db *store.Store, reg *registry.Registry, crawl *crawler.Crawler) error {
	peers, err := db.LoadPeers(ctx)
	if err != nil {
		return fmt.Errorf("load peers: %w", err)
	}
	last, err := db.LastReportID(ctx)
	if err != nil {
		return fmt.Errorf("load reports: %w", err)
	}
	reg.Restore(peers, last)
	n := crawl.Seed(peers)
	l.Infof("Restored %d peers", n)
	return nil
}

func (c *collectCmd) seed(crawl *crawler.Crawler) error {
	for _, hp := range c.Bootstrap {
		addr, err := resolveUDP(hp)
		if err != nil {
			return fmt.Errorf("bootstrap %q: %w", hp, err)
		}
		if _, ok := crawl.AddContact(addr, kadproto.EmptyNodeID); !ok {
			l.Warnf("Ignoring bootstrap address %v", addr)
		}
	}

	if c.NodesDat == "" {
		return nil
	}
	f, err := nodesdat.Load(c.NodesDat)
	if err != nil {
		return err
	}
	added := 0
	for _, ct := range f.Contacts() {
		if _, ok := crawl.AddContact(ct.AddrPort(), ct.NodeID); ok {
			added++
		}
	}
	l.Infof("Seeded %d of %d nodes.dat contacts", added, len(f.Entries))
	return nil
}

func resolveUDP(hostPort string) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp4", hostPort)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
