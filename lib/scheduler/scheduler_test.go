// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/remule/kadcrawl/lib/registry"
)

func testConfig() Config {
	return Config{
		MaxInFlight: 2,
		Timeout:     5 * time.Second,
		BackoffBase: time.Minute,
		BackoffMax:  10 * time.Minute,
	}
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *testClock) {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	tc := &testClock{now: time.Unix(1000, 0)}
	s.clock = tc
	return s, tc
}

func mustNext(t *testing.T, s *Scheduler, want registry.PeerID) {
	t.Helper()
	id, err := s.TryNext()
	if err != nil {
		t.Fatalf("TryNext: %v (wanted peer %d)", err, want)
	}
	if id != want {
		t.Fatalf("TryNext returned peer %d, wanted %d", id, want)
	}
}

func TestFreshBeforeRetries(t *testing.T) {
	s, tc := newTestScheduler(t, testConfig())

	s.Add(1)
	s.Add(2)
	mustNext(t, s, 1)
	mustNext(t, s, 2)

	tc.wind(6 * time.Second)
	if n := s.Expire(); n != 2 {
		t.Fatalf("expired %d probes, expected 2", n)
	}
	if s.State(1) != TimedOut || s.State(2) != TimedOut {
		t.Fatal("peers should have timed out")
	}

	// Retries are not due before their backoff has passed.
	if _, err := s.TryNext(); !errors.Is(err, ErrNothingDue) {
		t.Fatalf("expected ErrNothingDue, got %v", err)
	}

	tc.wind(2 * time.Minute)
	s.Add(3)
	mustNext(t, s, 3)
	mustNext(t, s, 1)
}

func TestCapacity(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())

	for id := registry.PeerID(1); id <= 3; id++ {
		s.Add(id)
	}
	mustNext(t, s, 1)
	mustNext(t, s, 2)
	if _, err := s.TryNext(); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	if !s.Responded(1) {
		t.Fatal("response from probed peer rejected")
	}
	mustNext(t, s, 3)

	st := s.Stats()
	if st.InFlight != 2 || st.Responded != 1 || st.Known != 3 || st.Probes != 3 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestTimeoutThenLateResponse(t *testing.T) {
	s, tc := newTestScheduler(t, testConfig())

	s.Add(1)
	mustNext(t, s, 1)
	tc.wind(10 * time.Second)
	s.Expire()
	if s.State(1) != TimedOut {
		t.Fatal("expected timeout")
	}

	if !s.Responded(1) {
		t.Fatal("late response rejected")
	}
	if s.State(1) != Responded {
		t.Fatalf("state %v, response should win", s.State(1))
	}

	// The queued retry is void now.
	tc.wind(time.Hour)
	if _, err := s.TryNext(); !errors.Is(err, ErrNothingDue) {
		t.Errorf("responded peer was retried: %v", err)
	}
	if st := s.Stats(); st.InFlight != 0 || st.TimedOut != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestResponseThenDeadline(t *testing.T) {
	s, tc := newTestScheduler(t, testConfig())

	s.Add(1)
	mustNext(t, s, 1)
	s.Responded(1)
	tc.wind(time.Minute)
	if n := s.Expire(); n != 0 {
		t.Errorf("expired %d probes after a response", n)
	}
	if s.State(1) != Responded {
		t.Errorf("state regressed to %v", s.State(1))
	}
	if st := s.Stats(); st.InFlight != 0 {
		t.Errorf("slot not released: %+v", st)
	}
}

func TestRespondedRequiresProbe(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig())
	s.Add(1)
	if s.Responded(1) {
		t.Error("an unprobed peer cannot respond")
	}
	if s.Responded(2) {
		t.Error("an unknown peer cannot respond")
	}
	if s.WasProbed(1) {
		t.Error("peer was not probed")
	}
	if s.State(1) != Discovered || s.State(2) != Unknown {
		t.Errorf("states %v %v", s.State(1), s.State(2))
	}
	if s.Add(1) {
		t.Error("adding a known peer should report false")
	}
}

func TestAbandon(t *testing.T) {
	s, tc := newTestScheduler(t, testConfig())
	s.Add(1)
	mustNext(t, s, 1)
	if !s.Abandon(1) {
		t.Fatal("abandon failed")
	}
	if s.State(1) != TimedOut || s.Stats().InFlight != 0 {
		t.Fatal("abandoned probe should time out and free its slot")
	}
	if s.Abandon(1) {
		t.Error("abandoning twice should fail")
	}
	tc.wind(time.Minute + time.Second)
	mustNext(t, s, 1)
	if !s.WasProbed(1) || s.Stats().Probes != 2 {
		t.Error("peer should have been probed twice")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	s, tc := newTestScheduler(t, testConfig())
	s.Add(1)

	for attempt, wait := range []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 10 * time.Minute, 10 * time.Minute} {
		mustNext(t, s, 1)
		tc.wind(5*time.Second + time.Millisecond)
		s.Expire()

		tc.wind(wait - time.Second)
		if _, err := s.TryNext(); !errors.Is(err, ErrNothingDue) {
			t.Fatalf("attempt %d: retried before %v passed", attempt+1, wait)
		}
		tc.wind(time.Second)
	}
}

func TestBackoffFunction(t *testing.T) {
	cfg := testConfig()
	cases := map[int]time.Duration{
		0:    time.Minute,
		1:    time.Minute,
		2:    2 * time.Minute,
		4:    8 * time.Minute,
		5:    10 * time.Minute,
		70:   10 * time.Minute,
		1000: 10 * time.Minute,
	}
	for attempts, want := range cases {
		if got := cfg.Backoff(attempts); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempts, got, want)
		}
	}
}

func TestRevisit(t *testing.T) {
	cfg := testConfig()
	cfg.Revisit = time.Hour
	s, tc := newTestScheduler(t, cfg)

	s.Add(1)
	mustNext(t, s, 1)
	s.Responded(1)

	tc.wind(59 * time.Minute)
	if _, err := s.TryNext(); !errors.Is(err, ErrNothingDue) {
		t.Fatalf("revisited too early: %v", err)
	}
	tc.wind(2 * time.Minute)
	s.Add(2)
	mustNext(t, s, 2)
	mustNext(t, s, 1)
}

func TestNextBlocksUntilAdd(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var got registry.PeerID
	go func() {
		defer wg.Done()
		got, err = s.Next(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	s.Add(42)
	wg.Wait()

	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Errorf("got peer %d", got)
	}
}

func TestNextWaitsForSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInFlight = 1
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s.Add(1)
	s.Add(2)

	ctx := context.Background()
	if id, err := s.Next(ctx); err != nil || id != 1 {
		t.Fatalf("first Next: %d %v", id, err)
	}

	done := make(chan registry.PeerID)
	go func() {
		id, _ := s.Next(ctx)
		done <- id
	}()

	select {
	case id := <-done:
		t.Fatalf("Next returned %d while the only slot was taken", id)
	case <-time.After(20 * time.Millisecond):
	}

	s.Responded(1)
	select {
	case id := <-done:
		if id != 2 {
			t.Errorf("got peer %d", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not wake up when the slot was released")
	}
}

func TestNextTimeoutReleasesSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInFlight = 1
	cfg.Timeout = 20 * time.Millisecond
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Next(ctx); err != nil {
		t.Fatal(err)
	}
	// Nothing answers; the same peer comes back once its probe expired
	// and the backoff passed.
	id, err := s.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 || s.Stats().Timeouts != 1 {
		t.Errorf("got peer %d, stats %+v", id, s.Stats())
	}
}

func TestNextCancel(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
	bad := []func(*Config){
		func(c *Config) { c.MaxInFlight = 0 },
		func(c *Config) { c.Timeout = 0 },
		func(c *Config) { c.BackoffBase = 0 },
		func(c *Config) { c.BackoffMax = c.BackoffBase - 1 },
		func(c *Config) { c.Revisit = -1 },
	}
	for i, mod := range bad {
		cfg := DefaultConfig()
		mod(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected a validation error", i)
		}
		if _, err := New(cfg); err == nil {
			t.Errorf("case %d: New accepted an invalid config", i)
		}
	}
}

type testClock struct {
	mut sync.Mutex
	now time.Time
}

func (t *testClock) wind(d time.Duration) {
	t.mut.Lock()
	t.now = t.now.Add(d)
	t.mut.Unlock()
}

func (t *testClock) Now() time.Time {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.now = t.now.Add(time.Nanosecond)
	return t.now
}
