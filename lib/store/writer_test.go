// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/d4l3k/messagediff"

	"github.com/remule/kadcrawl/lib/registry"
)

type fakeBatchWriter struct {
	mut       sync.Mutex
	failures  int // transient failures before the next success
	conflicts map[registry.ReportID]bool
	written   []string
	attempts  int
}

func (f *fakeBatchWriter) writeBatch(_ context.Context, batch []event) ([]conflict, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return nil, &PersistenceError{Kind: Unavailable, Op: "test", Err: errors.New("database is locked")}
	}
	var conflicts []conflict
	for _, ev := range batch {
		if ev.kind == eventReport && f.conflicts[ev.report.ID] {
			conflicts = append(conflicts, conflict{ev: ev, err: ErrConflict})
			continue
		}
		f.written = append(f.written, ev.String())
	}
	return conflicts, nil
}

func (f *fakeBatchWriter) result() ([]string, int) {
	f.mut.Lock()
	defer f.mut.Unlock()
	return append([]string(nil), f.written...), f.attempts
}

func testWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:    4,
		BatchSize:    2,
		RetryBase:    time.Millisecond,
		RetryMax:     4 * time.Millisecond,
		FlushTimeout: time.Second,
		BlockTimeout: time.Minute,
	}
}

func waitWritten(t *testing.T, w *Writer, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for w.Written() < n {
		if time.Now().After(deadline) {
			t.Fatalf("written %d events, expected %d", w.Written(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWriterOrderAndRetry(t *testing.T) {
	fake := &fakeBatchWriter{failures: 3}
	w := newWriter(fake, testWriterConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Serve(ctx)
		close(done)
	}()

	w.PeerObserved(testPeer(1, "1.2.3.4:4672", 1))
	w.PeerProbed(1, t0)
	w.ReportRecorded(registry.Report{ID: 1, Source: 1, RecvTime: t0})
	waitWritten(t, w, 3)
	cancel()
	<-done

	written, attempts := fake.result()
	expected := []string{
		"peer 1 at 1.2.3.4:4672",
		"probe of peer 1",
		"report 1 from peer 1",
	}
	if diff, equal := messagediff.PrettyDiff(expected, written); !equal {
		t.Error(diff)
	}
	if attempts < 4 {
		t.Errorf("only %d attempts for three failures", attempts)
	}
}

func TestWriterSkipsConflicts(t *testing.T) {
	fake := &fakeBatchWriter{conflicts: map[registry.ReportID]bool{1: true}}
	w := newWriter(fake, testWriterConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Serve(ctx)

	w.ReportRecorded(registry.Report{ID: 1, Source: 1})
	w.ReportRecorded(registry.Report{ID: 2, Source: 1})
	waitWritten(t, w, 2)

	written, _ := fake.result()
	if diff, equal := messagediff.PrettyDiff([]string{"report 2 from peer 1"}, written); !equal {
		t.Error(diff)
	}
}

func TestWriterDropOldest(t *testing.T) {
	cfg := testWriterConfig()
	cfg.QueueSize = 3
	cfg.Policy = QueueDropOldest
	w := newWriter(&fakeBatchWriter{}, cfg)

	w.PeerObserved(testPeer(1, "1.2.3.4:4672", 1))
	w.ReportRecorded(registry.Report{ID: 1, Source: 1})
	w.PeerProbed(1, t0)
	w.ReportRecorded(registry.Report{ID: 2, Source: 1})
	w.ReportRecorded(registry.Report{ID: 3, Source: 1})

	var queued []string
	for _, ev := range w.queue {
		queued = append(queued, ev.String())
	}
	expected := []string{
		"peer 1 at 1.2.3.4:4672",
		"report 2 from peer 1",
		"report 3 from peer 1",
	}
	if diff, equal := messagediff.PrettyDiff(expected, queued); !equal {
		t.Error(diff)
	}
}

func TestWriterDropOldestSkipsBusy(t *testing.T) {
	cfg := testWriterConfig()
	cfg.QueueSize = 2
	cfg.Policy = QueueDropOldest
	w := newWriter(&fakeBatchWriter{}, cfg)

	w.ReportRecorded(registry.Report{ID: 1, Source: 1})
	w.ReportRecorded(registry.Report{ID: 2, Source: 1})
	if n := len(w.peek()); n != 2 {
		t.Fatalf("peeked %d events", n)
	}

	// Both queued events are being written, so the new one has to wait.
	done := make(chan struct{})
	go func() {
		w.ReportRecorded(registry.Report{ID: 3, Source: 1})
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("enqueue should block while the queue is busy")
	case <-time.After(50 * time.Millisecond):
	}

	w.commit(2)
	<-done
	if w.Pending() != 1 || w.queue[0].report.ID != 3 {
		t.Errorf("unexpected queue %v", w.queue)
	}
}

func TestWriterBlocks(t *testing.T) {
	cfg := testWriterConfig()
	cfg.QueueSize = 2
	cfg.HighWater = 1
	fake := &fakeBatchWriter{}
	w := newWriter(fake, cfg)

	w.PeerObserved(testPeer(1, "1.2.3.4:4672", 1))
	if !w.Saturated() {
		t.Error("writer should be saturated at the high-water mark")
	}
	w.PeerObserved(testPeer(2, "1.2.3.5:4672", 2))

	done := make(chan struct{})
	go func() {
		w.PeerObserved(testPeer(3, "1.2.3.6:4672", 3))
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("enqueue should block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Serve(ctx)

	<-done
	waitWritten(t, w, 3)
	if w.Saturated() {
		t.Error("writer should not be saturated when drained")
	}
}

func TestWriterBlockTimeoutEvicts(t *testing.T) {
	cfg := testWriterConfig()
	cfg.QueueSize = 2
	cfg.BlockTimeout = 20 * time.Millisecond
	w := newWriter(&fakeBatchWriter{}, cfg)

	w.PeerObserved(testPeer(1, "1.2.3.4:4672", 1))
	w.ReportRecorded(registry.Report{ID: 1, Source: 1})

	// Nothing drains the queue; the enqueue gives up waiting and makes
	// room by evicting the report.
	done := make(chan struct{})
	go func() {
		w.ReportRecorded(registry.Report{ID: 2, Source: 1})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue blocked past its timeout")
	}

	var queued []string
	for _, ev := range w.queue {
		queued = append(queued, ev.String())
	}
	expected := []string{"peer 1 at 1.2.3.4:4672", "report 2 from peer 1"}
	if diff, equal := messagediff.PrettyDiff(expected, queued); !equal {
		t.Error(diff)
	}
}

func TestWriterBlockTimeoutOverflows(t *testing.T) {
	cfg := testWriterConfig()
	cfg.QueueSize = 4
	cfg.BlockTimeout = 20 * time.Millisecond
	w := newWriter(&fakeBatchWriter{}, cfg)
	reg := registry.New(w)

	// More new peers than the queue holds, before anything writes; this
	// is what seeding from a large nodes.dat does.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			reg.Observe(netip.AddrPortFrom(netip.AddrFrom4([4]byte{1, 2, 3, byte(i + 1)}), 4672), testNodeID(byte(i+1)), t0)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%d events queued, observing is still blocked", w.Pending())
	}
	if w.Pending() != 10 {
		t.Errorf("%d events queued, expected all 10 peers", w.Pending())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Serve(ctx)
	waitWritten(t, w, 10)
}

func TestWriterFlushOnShutdown(t *testing.T) {
	fake := &fakeBatchWriter{}
	w := newWriter(fake, testWriterConfig())

	w.PeerObserved(testPeer(1, "1.2.3.4:4672", 1))
	w.PeerObserved(testPeer(2, "1.2.3.5:4672", 2))
	w.PeerObserved(testPeer(3, "1.2.3.6:4672", 3))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error %v", err)
	}
	if w.Written() != 3 {
		t.Errorf("flushed %d events, expected 3", w.Written())
	}

	// Closed writers drop instead of blocking
	for i := 0; i < 10; i++ {
		w.PeerProbed(1, t0)
	}
	if w.Pending() != 0 {
		t.Errorf("closed writer queued %d events", w.Pending())
	}
}

func TestWriterFlushGivesUp(t *testing.T) {
	cfg := testWriterConfig()
	cfg.FlushTimeout = 20 * time.Millisecond
	fake := &fakeBatchWriter{failures: 1 << 30}
	w := newWriter(fake, cfg)

	w.PeerObserved(testPeer(1, "1.2.3.4:4672", 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Serve(ctx)

	if w.Pending() != 0 || w.Written() != 0 {
		t.Errorf("pending %d written %d after failed flush", w.Pending(), w.Written())
	}
}

func TestWriterStore(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, testWriterConfig())
	reg := registry.New(w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Serve(ctx)
		close(done)
	}()

	src := reg.Observe(netip.MustParseAddrPort("1.2.3.4:4672"), testNodeID(1), t0)
	reg.MarkProbed(src.ID, t0)
	c1 := reg.Observe(netip.MustParseAddrPort("5.6.7.8:4672"), testNodeID(2), t0)
	c2 := reg.Observe(netip.MustParseAddrPort("9.9.9.9:4672"), testNodeID(3), t0)
	contacts := []registry.ReportedContact{
		{Peer: c1.ID, TCPPort: 4662, Version: 8},
		{Peer: c2.ID, Version: 9, Self: true},
	}
	if _, ok := reg.RecordResponse(src.ID, t0.Add(time.Second), true, contacts); !ok {
		t.Fatal("report not recorded")
	}
	cancel()
	<-done

	sum, err := s.Summary(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Peers != 3 || sum.Reports != 1 || sum.Responders != 1 || sum.PackedReports != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
	peers, err := s.LoadPeers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	last := peers[len(peers)-1]
	if last.ID != src.ID || !last.LastProbe.Equal(t0) {
		t.Errorf("probed peer not last: %+v", last)
	}

	stored, err := s.ReportContacts(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff, equal := messagediff.PrettyDiff(contacts, stored); !equal {
		t.Error(diff)
	}
}

func TestParseQueuePolicy(t *testing.T) {
	for s, exp := range map[string]QueuePolicy{
		"":            QueueBlock,
		"block":       QueueBlock,
		"Drop-Oldest": QueueDropOldest,
	} {
		p, err := ParseQueuePolicy(s)
		if err != nil || p != exp {
			t.Errorf("%q: got %v, %v", s, p, err)
		}
	}
	if _, err := ParseQueuePolicy("yolo"); err == nil {
		t.Error("unexpected nil error")
	}
}
