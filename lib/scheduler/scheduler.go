// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package scheduler decides which peer to probe next.
//
// Every peer moves through Discovered -> Probed -> Responded or TimedOut.
// Fresh peers are probed first, in discovery order; timed out peers come
// back after an exponential, capped backoff. The number of probes awaiting
// an answer is bounded and each probe has a fixed deadline.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/remule/kadcrawl/lib/registry"
)

type State int

const (
	Unknown State = iota
	Discovered
	Probed
	Responded
	TimedOut
	numStates
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Probed:
		return "probed"
	case Responded:
		return "responded"
	case TimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

var (
	// ErrCapacityExceeded means every probe slot is taken. It is a flow
	// control signal: try again once a probe is answered or times out.
	ErrCapacityExceeded = errors.New("in-flight probe limit reached")
	// ErrNothingDue means no peer is eligible for probing right now.
	ErrNothingDue = errors.New("no peer due for probing")
)

type Config struct {
	MaxInFlight int
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Revisit, when positive, makes responded peers eligible again after
	// that long. They rank with retries, behind fresh peers.
	Revisit time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxInFlight: 64,
		Timeout:     5 * time.Second,
		BackoffBase: 30 * time.Second,
		BackoffMax:  30 * time.Minute,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxInFlight < 1:
		return fmt.Errorf("max in-flight must be positive, not %d", c.MaxInFlight)
	case c.Timeout <= 0:
		return fmt.Errorf("probe timeout must be positive, not %v", c.Timeout)
	case c.BackoffBase <= 0:
		return fmt.Errorf("backoff base must be positive, not %v", c.BackoffBase)
	case c.BackoffMax < c.BackoffBase:
		return fmt.Errorf("backoff max %v is below backoff base %v", c.BackoffMax, c.BackoffBase)
	case c.Revisit < 0:
		return fmt.Errorf("revisit interval must not be negative, not %v", c.Revisit)
	}
	return nil
}

// Backoff returns the retry delay after the given number of consecutive
// timeouts.
func (c Config) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > 62 {
		return c.BackoffMax
	}
	d := c.BackoffBase << shift
	if d <= 0 || d > c.BackoffMax || d>>shift != c.BackoffBase {
		return c.BackoffMax
	}
	return d
}

type clock interface {
	Now() time.Time
}

type defaultClock struct{}

func (defaultClock) Now() time.Time {
	return time.Now()
}

type Stats struct {
	Known      int
	Discovered int
	InFlight   int
	Responded  int
	TimedOut   int
	Probes     int64
	Timeouts   int64
	Responses  int64
}

type peerState struct {
	state    State
	attempts int // consecutive timeouts
	probes   int
	gen      uint64
}

type Scheduler struct {
	cfg   Config
	clock clock

	mut      sync.Mutex
	peers    map[registry.PeerID]*peerState
	fresh    []registry.PeerID
	retry    timedHeap // by wake time
	inflight timedHeap // by deadline
	counts   [numStates]int
	slots    int // probes awaiting an answer
	probes   int64
	timeouts int64
	answers  int64
	changed  chan struct{}
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:     cfg,
		clock:   defaultClock{},
		peers:   make(map[registry.PeerID]*peerState),
		changed: make(chan struct{}),
	}, nil
}

// Add makes a peer known in the Discovered state. It returns false if the
// peer was already known.
func (s *Scheduler) Add(id registry.PeerID) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, ok := s.peers[id]; ok {
		return false
	}
	s.peers[id] = &peerState{state: Discovered}
	s.counts[Discovered]++
	s.fresh = append(s.fresh, id)
	s.signalLocked()
	return true
}

// Next blocks until a probe slot is free and a peer is due, marks the peer
// Probed and returns it. The caller owns the slot until Responded, Abandon
// or the timeout releases it.
func (s *Scheduler) Next(ctx context.Context) (registry.PeerID, error) {
	for {
		s.mut.Lock()
		now := s.clock.Now()
		s.expireLocked(now)
		if s.slots < s.cfg.MaxInFlight {
			if id, ok := s.pickLocked(now); ok {
				s.startLocked(id, now)
				s.mut.Unlock()
				return id, nil
			}
		}
		wake, haveWake := s.nextWakeLocked()
		changed := s.changed
		s.mut.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if haveWake {
			timer = time.NewTimer(wake.Sub(now))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return 0, ctx.Err()
		case <-changed:
		case <-timerC:
		}
		stopTimer(timer)
	}
}

// TryNext is the non blocking form of Next.
func (s *Scheduler) TryNext() (registry.PeerID, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	now := s.clock.Now()
	s.expireLocked(now)
	if s.slots >= s.cfg.MaxInFlight {
		return 0, ErrCapacityExceeded
	}
	id, ok := s.pickLocked(now)
	if !ok {
		return 0, ErrNothingDue
	}
	s.startLocked(id, now)
	return id, nil
}

// Responded records an answer from the peer. An answer counts even when
// the probe already timed out. It returns false if the peer was never
// probed.
func (s *Scheduler) Responded(id registry.PeerID) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	ps, ok := s.peers[id]
	if !ok || ps.probes == 0 {
		return false
	}
	s.answers++
	if ps.state == Responded {
		return true
	}

	if ps.state == Probed {
		s.releaseLocked()
	} else {
		l.Debugf("late response from peer %d after timeout", id)
	}
	s.setStateLocked(ps, Responded)
	ps.attempts = 0
	ps.gen++
	if s.cfg.Revisit > 0 {
		heap.Push(&s.retry, timed{id: id, at: s.clock.Now().Add(s.cfg.Revisit), gen: ps.gen})
	}
	s.signalLocked()
	return true
}

// Abandon gives up on an outstanding probe, for example when it could not
// be sent. The peer is treated as timed out.
func (s *Scheduler) Abandon(id registry.PeerID) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	ps, ok := s.peers[id]
	if !ok || ps.state != Probed {
		return false
	}
	s.timeoutLocked(id, ps, s.clock.Now())
	s.signalLocked()
	return true
}

// Expire times out every probe whose deadline has passed and returns how
// many did.
func (s *Scheduler) Expire() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	n := s.expireLocked(s.clock.Now())
	if n > 0 {
		s.signalLocked()
	}
	return n
}

func (s *Scheduler) State(id registry.PeerID) State {
	s.mut.Lock()
	defer s.mut.Unlock()
	if ps, ok := s.peers[id]; ok {
		return ps.state
	}
	return Unknown
}

// WasProbed returns true if at least one probe was ever sent to the peer.
func (s *Scheduler) WasProbed(id registry.PeerID) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	ps, ok := s.peers[id]
	return ok && ps.probes > 0
}

func (s *Scheduler) Stats() Stats {
	s.mut.Lock()
	defer s.mut.Unlock()
	return Stats{
		Known:      len(s.peers),
		Discovered: s.counts[Discovered],
		InFlight:   s.counts[Probed],
		Responded:  s.counts[Responded],
		TimedOut:   s.counts[TimedOut],
		Probes:     s.probes,
		Timeouts:   s.timeouts,
		Responses:  s.answers,
	}
}

func (s *Scheduler) pickLocked(now time.Time) (registry.PeerID, bool) {
	for len(s.fresh) > 0 {
		id := s.fresh[0]
		s.fresh[0] = 0
		s.fresh = s.fresh[1:]
		if s.peers[id].state == Discovered {
			return id, true
		}
	}
	for {
		top, ok := s.retry.peek()
		if !ok || top.at.After(now) {
			return 0, false
		}
		heap.Pop(&s.retry)
		ps := s.peers[top.id]
		if top.gen == ps.gen && (ps.state == TimedOut || ps.state == Responded) {
			return top.id, true
		}
	}
}

func (s *Scheduler) startLocked(id registry.PeerID, now time.Time) {
	ps := s.peers[id]
	s.setStateLocked(ps, Probed)
	ps.probes++
	ps.gen++
	s.probes++
	s.slots++
	heap.Push(&s.inflight, timed{id: id, at: now.Add(s.cfg.Timeout), gen: ps.gen})
}

func (s *Scheduler) expireLocked(now time.Time) int {
	n := 0
	for {
		top, ok := s.inflight.peek()
		if !ok || top.at.After(now) {
			return n
		}
		heap.Pop(&s.inflight)
		ps := s.peers[top.id]
		if top.gen != ps.gen || ps.state != Probed {
			continue
		}
		s.timeoutLocked(top.id, ps, now)
		n++
	}
}

func (s *Scheduler) timeoutLocked(id registry.PeerID, ps *peerState, now time.Time) {
	s.releaseLocked()
	s.setStateLocked(ps, TimedOut)
	ps.attempts++
	ps.gen++
	s.timeouts++
	wait := s.cfg.Backoff(ps.attempts)
	heap.Push(&s.retry, timed{id: id, at: now.Add(wait), gen: ps.gen})
	l.Debugf("peer %d timed out (attempt %d), retry in %v", id, ps.attempts, wait)
}

// releaseLocked frees the slot of a probe that has just been settled. Its
// deadline entry goes stale through the generation bump and is discarded
// when it surfaces.
func (s *Scheduler) releaseLocked() {
	s.slots--
}

func (s *Scheduler) nextWakeLocked() (time.Time, bool) {
	var wake time.Time
	have := false
	if top, ok := s.inflight.peek(); ok {
		wake, have = top.at, true
	}
	if s.slots < s.cfg.MaxInFlight {
		if top, ok := s.retry.peek(); ok && (!have || top.at.Before(wake)) {
			wake, have = top.at, true
		}
	}
	return wake, have
}

func (s *Scheduler) setStateLocked(ps *peerState, st State) {
	s.counts[ps.state]--
	s.counts[st]++
	ps.state = st
}

func (s *Scheduler) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
