// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/d4l3k/messagediff"

	"github.com/remule/kadcrawl/lib/crawler"
	"github.com/remule/kadcrawl/lib/nodesdat"
	"github.com/remule/kadcrawl/lib/registry"
	"github.com/remule/kadcrawl/lib/scheduler"
	"github.com/remule/kadcrawl/lib/store"
)

func parse(t *testing.T, args ...string) (*CLI, string) {
	t.Helper()
	var cli CLI
	p, err := parser(&cli)
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := p.Parse(args)
	if err != nil {
		t.Fatal(err)
	}
	return &cli, ctx.Command()
}

func TestParseDefaults(t *testing.T) {
	cli, cmd := parse(t, "collect")
	if cmd != "collect" {
		t.Errorf("command %q, expected collect", cmd)
	}

	crawlCfg, err := cli.Collect.crawlerConfig()
	if err != nil {
		t.Fatal(err)
	}
	exp := crawler.DefaultConfig()
	exp.NodeID = crawlCfg.NodeID
	if diff, equal := messagediff.PrettyDiff(exp, crawlCfg); !equal {
		t.Error(diff)
	}
	if _, err := cli.Collect.schedulerConfig(); err != nil {
		t.Error(err)
	}
	wcfg, err := cli.Collect.writerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if wcfg.Policy != store.QueueBlock || wcfg.HighWater != 6144 {
		t.Errorf("unexpected writer config %+v", wcfg)
	}
}

func TestYAMLConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kadcrawl.yaml")
	yml := `db: /var/lib/kadcrawl/crawl.db
probe: hello
probe_rate: 5
queue_policy: drop-oldest
revisit: 10m
bootstrap:
  - 1.2.3.4:4672
  - 5.6.7.8:4672
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cli, _ := parse(t, "--config", path, "collect", "--probe-burst", "3")
	if cli.DB != "/var/lib/kadcrawl/crawl.db" {
		t.Errorf("db %q not from config", cli.DB)
	}
	c := cli.Collect
	if c.Probe != crawler.ProbeHello || c.ProbeRate != 5 || c.ProbeBurst != 3 {
		t.Errorf("unexpected probe settings %v %v %v", c.Probe, c.ProbeRate, c.ProbeBurst)
	}
	if c.QueuePolicy != "drop-oldest" || c.Revisit != 10*time.Minute {
		t.Errorf("unexpected settings %q %v", c.QueuePolicy, c.Revisit)
	}
	if diff, equal := messagediff.PrettyDiff([]string{"1.2.3.4:4672", "5.6.7.8:4672"}, c.Bootstrap); !equal {
		t.Error(diff)
	}
}

func TestBadNodeID(t *testing.T) {
	cli, _ := parse(t, "collect", "--node-id", "xyz")
	if _, err := cli.Collect.crawlerConfig(); err == nil {
		t.Error("unexpected nil error")
	}
}

// nodesDatV0 builds a version 0 nodes.dat with one contact per address.
func nodesDatV0(addrs ...[4]byte) []byte {
	bs := binary.LittleEndian.AppendUint32(nil, uint32(len(addrs)))
	for i, a := range addrs {
		id := make([]byte, 16)
		id[0] = byte(i + 1)
		bs = append(bs, id...)
		bs = binary.LittleEndian.AppendUint32(bs, binary.BigEndian.Uint32(a[:]))
		bs = binary.LittleEndian.AppendUint16(bs, 4672)
		bs = binary.LittleEndian.AppendUint16(bs, 4662)
		bs = append(bs, 3)
	}
	return bs
}

func TestFeed(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "crawl.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	f, err := nodesdat.Parse(nodesDatV0([4]byte{1, 2, 3, 4}, [4]byte{10, 0, 0, 1}, [4]byte{5, 6, 7, 8}))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	added, err := feed(ctx, db, f, false)
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 {
		t.Errorf("added %d peers, expected 2", added)
	}

	// Feeding again finds nothing new and keeps the IDs
	added, err = feed(ctx, db, f, false)
	if err != nil {
		t.Fatal(err)
	}
	if added != 0 {
		t.Errorf("added %d peers on second feed", added)
	}

	peers, err := db.LoadPeers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []registry.PeerID
	var addrs []string
	for _, p := range peers {
		ids = append(ids, p.ID)
		addrs = append(addrs, p.Addr.String())
	}
	if diff, equal := messagediff.PrettyDiff([]registry.PeerID{1, 2}, ids); !equal {
		t.Error(diff)
	}
	if diff, equal := messagediff.PrettyDiff([]string{"1.2.3.4:4672", "5.6.7.8:4672"}, addrs); !equal {
		t.Error(diff)
	}

	// Private addresses on request
	added, err = feed(ctx, db, f, true)
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("added %d private peers, expected 1", added)
	}
}

func TestSummaryOutput(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "crawl.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	f, err := nodesdat.Parse(nodesDatV0([4]byte{1, 2, 3, 4}, [4]byte{5, 6, 7, 8}))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := feed(ctx, db, f, false); err != nil {
		t.Fatal(err)
	}
	recv := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := db.AddReport(ctx, registry.Report{ID: 1, Source: 2, RecvTime: recv, Contacts: []registry.ReportedContact{{Peer: 1, Version: 8}}}); err != nil {
		t.Fatal(err)
	}

	cmd := summaryCmd{Peers: 5}
	out, err := cmd.collect(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if out.Peers != 2 || out.Responders != 1 || out.NeverReceived != 1 {
		t.Errorf("unexpected summary %+v", out.Summary)
	}
	if len(out.Recent) != 1 || out.Recent[0].Addr != "5.6.7.8:4672" || !out.Recent[0].LastRecv.Equal(recv) {
		t.Fatalf("unexpected recent peers %+v", out.Recent)
	}

	var buf bytes.Buffer
	if err := printSummary(&buf, out); err != nil {
		t.Fatal(err)
	}
	for _, exp := range []string{"Peers", "Never answered", "5.6.7.8:4672", "2026-01-02T03:04:05Z"} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("output lacks %q:\n%s", exp, buf.String())
		}
	}
}

func TestStartSeedsThroughRunningWriter(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "crawl.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var addrs [][4]byte
	for i := 0; i < 10; i++ {
		addrs = append(addrs, [4]byte{1, 2, 3, byte(i + 1)})
	}
	path := filepath.Join(t.TempDir(), "nodes.dat")
	if err := os.WriteFile(path, nodesDatV0(addrs...), 0o644); err != nil {
		t.Fatal(err)
	}

	// A queue much smaller than the seed list, and no giving up on a full
	// queue: seeding only completes if something writes meanwhile.
	wcfg := store.DefaultWriterConfig()
	wcfg.QueueSize = 4
	wcfg.BlockTimeout = time.Hour
	writer := store.NewWriter(db, wcfg)
	reg := registry.New(writer)
	sched, err := scheduler.New(scheduler.Config{MaxInFlight: 4, Timeout: time.Second, BackoffBase: time.Minute, BackoffMax: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	crawl, err := crawler.New(crawler.DefaultConfig(), reg, sched, writer)
	if err != nil {
		t.Fatal(err)
	}

	c := collectCmd{NodesDat: path}
	type started struct {
		stop func() error
		err  error
	}
	res := make(chan started, 1)
	go func() {
		stop, err := c.start(context.Background(), db, writer, reg, crawl)
		res <- started{stop, err}
	}()

	var st started
	select {
	case st = <-res:
	case <-time.After(10 * time.Second):
		t.Fatalf("seeding blocked with %d events queued", writer.Pending())
	}
	if st.err != nil {
		t.Fatal(st.err)
	}
	if err := st.stop(); err != nil {
		t.Fatal(err)
	}

	peers, err := db.LoadPeers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 10 {
		t.Errorf("stored %d peers, expected 10", len(peers))
	}
}
