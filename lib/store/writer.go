// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/remule/kadcrawl/lib/registry"
)

// QueuePolicy decides what an enqueue does when the write queue is full.
// Under either policy a caller waits at most BlockTimeout; after that the
// oldest report or probe event is evicted, and if only peer events are
// queued the new event is accepted over capacity. Callers hold registry
// locks, so waiting longer would stall the reader. The crawler keeps the
// queue from growing by pausing probes at the high-water mark.
type QueuePolicy int

const (
	// QueueBlock makes the caller wait for space.
	QueueBlock QueuePolicy = iota
	// QueueDropOldest evicts the oldest queued report or probe event
	// right away. Peer events are never evicted.
	QueueDropOldest
)

func (p QueuePolicy) String() string {
	switch p {
	case QueueBlock:
		return "block"
	case QueueDropOldest:
		return "drop-oldest"
	default:
		return fmt.Sprintf("QueuePolicy(%d)", int(p))
	}
}

func ParseQueuePolicy(s string) (QueuePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return QueueBlock, nil
	case "drop-oldest":
		return QueueDropOldest, nil
	default:
		return 0, fmt.Errorf("unknown queue policy %q", s)
	}
}

type WriterConfig struct {
	QueueSize    int
	HighWater    int
	BatchSize    int
	Policy       QueuePolicy
	RetryBase    time.Duration
	RetryMax     time.Duration
	FlushTimeout time.Duration
	BlockTimeout time.Duration
}

func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:    8192,
		HighWater:    6144,
		BatchSize:    256,
		Policy:       QueueBlock,
		RetryBase:    100 * time.Millisecond,
		RetryMax:     10 * time.Second,
		FlushTimeout: 5 * time.Second,
		BlockTimeout: 2 * time.Second,
	}
}

type eventKind int

const (
	eventPeer eventKind = iota
	eventProbe
	eventReport
)

func (k eventKind) String() string {
	switch k {
	case eventPeer:
		return "peer"
	case eventProbe:
		return "probe"
	case eventReport:
		return "report"
	default:
		return "unknown"
	}
}

type event struct {
	kind   eventKind
	peer   registry.Peer
	id     registry.PeerID
	t      time.Time
	report registry.Report
}

func (e event) String() string {
	switch e.kind {
	case eventPeer:
		return fmt.Sprintf("peer %d at %v", e.peer.ID, e.peer.Addr)
	case eventProbe:
		return fmt.Sprintf("probe of peer %d", e.id)
	default:
		return fmt.Sprintf("report %d from peer %d", e.report.ID, e.report.Source)
	}
}

// A conflict is an event the database refused.
type conflict struct {
	ev  event
	err error
}

type batchWriter interface {
	writeBatch(ctx context.Context, batch []event) (conflicts []conflict, err error)
}

// Writer is a registry.Sink that writes events to the store in the order
// they were received, from a single goroutine running Serve.
type Writer struct {
	bw  batchWriter
	cfg WriterConfig

	mut     sync.Mutex
	cond    *sync.Cond
	queue   []event
	busy    int // events at the head of the queue being written
	closed  bool
	wakeup  chan struct{}
	written int
}

func NewWriter(s *Store, cfg WriterConfig) *Writer {
	return newWriter(s, cfg)
}

func newWriter(bw batchWriter, cfg WriterConfig) *Writer {
	def := DefaultWriterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.HighWater <= 0 || cfg.HighWater > cfg.QueueSize {
		cfg.HighWater = cfg.QueueSize * 3 / 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = def.BlockTimeout
	}
	w := &Writer{
		bw:     bw,
		cfg:    cfg,
		wakeup: make(chan struct{}, 1),
	}
	w.cond = sync.NewCond(&w.mut)
	return w
}

func (w *Writer) String() string {
	return fmt.Sprintf("store.Writer@%p", w)
}

func (w *Writer) PeerObserved(p registry.Peer) {
	w.enqueue(event{kind: eventPeer, peer: p})
}

func (w *Writer) PeerProbed(id registry.PeerID, t time.Time) {
	w.enqueue(event{kind: eventProbe, id: id, t: t})
}

func (w *Writer) ReportRecorded(r registry.Report) {
	w.enqueue(event{kind: eventReport, report: r})
}

// Saturated returns true while the queue is at or above its high-water
// mark.
func (w *Writer) Saturated() bool {
	w.mut.Lock()
	defer w.mut.Unlock()
	return len(w.queue) >= w.cfg.HighWater
}

// Pending returns the number of queued events.
func (w *Writer) Pending() int {
	w.mut.Lock()
	defer w.mut.Unlock()
	return len(w.queue)
}

// Written returns the number of events written so far.
func (w *Writer) Written() int {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.written
}

func (w *Writer) enqueue(ev event) {
	w.mut.Lock()
	defer w.mut.Unlock()

	var deadline time.Time
	for !w.closed && len(w.queue) >= w.cfg.QueueSize {
		if w.cfg.Policy == QueueDropOldest && w.evictLocked() {
			break
		}
		if deadline.IsZero() {
			deadline = time.Now().Add(w.cfg.BlockTimeout)
			t := time.AfterFunc(w.cfg.BlockTimeout, w.broadcast)
			defer t.Stop()
		} else if !time.Now().Before(deadline) {
			if w.evictLocked() {
				break
			}
			l.Debugf("Queue full of peer events, accepting %v over capacity", ev)
			queueOverflowTotal.WithLabelValues(ev.kind.String()).Inc()
			break
		}
		w.cond.Wait()
	}
	if w.closed {
		l.Debugf("Dropping %v, writer closed", ev)
		queueDroppedTotal.WithLabelValues(ev.kind.String(), dropReasonClosed).Inc()
		return
	}

	w.queue = append(w.queue, ev)
	queueEvents.Set(float64(len(w.queue)))
	select {
	case w.wakeup <- struct{}{}:
	default:
	}
}

func (w *Writer) broadcast() {
	w.mut.Lock()
	w.cond.Broadcast()
	w.mut.Unlock()
}

// evictLocked removes the oldest event that is not a peer event.
func (w *Writer) evictLocked() bool {
	for i := w.busy; i < len(w.queue); i++ {
		ev := w.queue[i]
		if ev.kind == eventPeer {
			continue
		}
		w.queue = append(w.queue[:i], w.queue[i+1:]...)
		l.Debugf("Evicting %v", ev)
		queueDroppedTotal.WithLabelValues(ev.kind.String(), dropReasonEvicted).Inc()
		return true
	}
	return false
}

func (w *Writer) peek() []event {
	w.mut.Lock()
	defer w.mut.Unlock()
	n := len(w.queue)
	if n > w.cfg.BatchSize {
		n = w.cfg.BatchSize
	}
	w.busy = n
	return append([]event(nil), w.queue[:n]...)
}

// commit removes the first n events, which have been handled.
func (w *Writer) commit(n int) {
	w.mut.Lock()
	defer w.mut.Unlock()
	w.queue = append(w.queue[:0], w.queue[n:]...)
	w.busy = 0
	w.written += n
	queueEvents.Set(float64(len(w.queue)))
	w.cond.Broadcast()
}

func (w *Writer) close() {
	w.mut.Lock()
	defer w.mut.Unlock()
	w.closed = true
	w.cond.Broadcast()
}

// Serve writes queued events until the context is cancelled, then makes a
// final attempt to write what remains within the flush timeout.
func (w *Writer) Serve(ctx context.Context) error {
	for {
		select {
		case <-w.wakeup:
		case <-ctx.Done():
			w.flush()
			return ctx.Err()
		}
		for {
			batch := w.peek()
			if len(batch) == 0 {
				break
			}
			if err := w.write(ctx, batch); err != nil {
				w.flush()
				return ctx.Err()
			}
		}
	}
}

func (w *Writer) flush() {
	w.close()
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
	defer cancel()

	for {
		batch := w.peek()
		if len(batch) == 0 {
			return
		}
		if err := w.write(ctx, batch); err != nil {
			w.mut.Lock()
			for _, ev := range w.queue {
				queueDroppedTotal.WithLabelValues(ev.kind.String(), dropReasonClosed).Inc()
			}
			l.Warnf("Failed to write %d queued events on shutdown: %v", len(w.queue), err)
			w.queue = nil
			w.busy = 0
			queueEvents.Set(0)
			w.mut.Unlock()
			return
		}
	}
}

// write writes the batch, retrying transient failures with backoff until
// it succeeds or the context is done.
func (w *Writer) write(ctx context.Context, batch []event) error {
	delay := w.cfg.RetryBase
	for {
		conflicts, err := w.bw.writeBatch(ctx, batch)
		if err == nil {
			for _, c := range conflicts {
				l.Infof("Dropping %v: %v", c.ev, c.err)
				queueDroppedTotal.WithLabelValues(c.ev.kind.String(), dropReasonConflict).Inc()
			}
			w.commit(len(batch))
			return nil
		}
		if errors.Is(err, ErrConflict) {
			// The batch as a whole was refused; nothing in it can be
			// written by retrying.
			l.Warnf("Dropping %d events: %v", len(batch), err)
			for _, ev := range batch {
				queueDroppedTotal.WithLabelValues(ev.kind.String(), dropReasonConflict).Inc()
			}
			w.commit(len(batch))
			return nil
		}

		l.Infof("Writing %d events failed, retrying in %v: %v", len(batch), delay, err)
		writeRetriesTotal.Inc()
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		delay *= 2
		if delay > w.cfg.RetryMax {
			delay = w.cfg.RetryMax
		}
	}
}

// writeBatch writes the events in one transaction. Events the database
// refuses are skipped and returned as conflicts; any other failure rolls
// the whole batch back.
func (s *Store) writeBatch(ctx context.Context, batch []event) ([]conflict, error) {
	var conflicts []conflict
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		conflicts = conflicts[:0]
		for _, ev := range batch {
			var err error
			switch ev.kind {
			case eventPeer:
				err = s.putPeer(ctx, tx, ev.peer)
			case eventProbe:
				err = s.markSent(ctx, tx, ev.id, ev.t)
			case eventReport:
				err = s.addReport(ctx, tx, ev.report)
			}
			if errors.Is(err, ErrConflict) {
				conflicts = append(conflicts, conflict{ev: ev, err: err})
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conflicts, nil
}
