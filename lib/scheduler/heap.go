// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package scheduler

import (
	"time"

	"github.com/remule/kadcrawl/lib/registry"
)

// A timed entry is valid only while gen matches the peer's current
// generation; anything else is left behind by a later transition and is
// skipped when it surfaces.
type timed struct {
	id  registry.PeerID
	at  time.Time
	gen uint64
}

// timedHeap is a min-heap on at, for use with container/heap.
type timedHeap []timed

func (h timedHeap) Len() int { return len(h) }

func (h timedHeap) Less(a, b int) bool {
	if h[a].at.Equal(h[b].at) {
		return h[a].id < h[b].id
	}
	return h[a].at.Before(h[b].at)
}

func (h timedHeap) Swap(a, b int) { h[a], h[b] = h[b], h[a] }

func (h *timedHeap) Push(x any) { *h = append(*h, x.(timed)) }

func (h *timedHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h timedHeap) peek() (timed, bool) {
	if len(h) == 0 {
		return timed{}, false
	}
	return h[0], true
}
