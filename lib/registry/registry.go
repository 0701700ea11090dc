// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package registry keeps the in memory index of every peer the crawler has
// heard of. Peers are keyed by UDP address; the node ID a peer claims is an
// attribute that may change and that several addresses may share.
package registry

import (
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/remule/kadcrawl/lib/kadproto"
)

type (
	PeerID   int64
	ReportID int64
)

type Peer struct {
	ID        PeerID
	NodeID    kadproto.NodeID
	Addr      netip.AddrPort
	FirstSeen time.Time
	LastSeen  time.Time
	LastProbe time.Time
}

// A Report records one response datagram received from a known peer,
// together with the peers it announced.
type Report struct {
	ID        ReportID
	Source    PeerID
	RecvTime  time.Time
	WasPacked bool
	Contacts  []ReportedContact
}

// A ReportedContact is one peer named in a report, with the details the
// announcement carried about it. A zero TCPPort is unknown.
type ReportedContact struct {
	Peer    PeerID
	TCPPort uint16
	Version uint8
	// Self marks the sender's own contact, as it announced it.
	Self bool
}

// A Sink receives registry changes in the order they were applied. For a
// given peer, PeerObserved for its creation always precedes any other event
// referencing it. Sink methods are called with the peer's lock held.
type Sink interface {
	PeerObserved(p Peer)
	PeerProbed(id PeerID, t time.Time)
	ReportRecorded(r Report)
}

type noopSink struct{}

func (noopSink) PeerObserved(Peer)            {}
func (noopSink) PeerProbed(PeerID, time.Time) {}
func (noopSink) ReportRecorded(Report)        {}

// Observation is the outcome of Observe or Touch.
type Observation struct {
	ID PeerID
	// New is set when the address had not been seen before.
	New bool
	// Changed is set when an existing peer now claims a different node ID.
	Changed bool
}

type Registry struct {
	peers *xsync.MapOf[netip.AddrPort, *entry]
	byID  *xsync.MapOf[PeerID, *entry]

	nodeMut sync.Mutex
	byNode  map[kadproto.NodeID]map[netip.AddrPort]struct{}

	lastPeer   atomic.Int64
	lastReport atomic.Int64
	sink       Sink
}

type entry struct {
	mut  sync.Mutex
	peer Peer
}

func New(sink Sink) *Registry {
	if sink == nil {
		sink = noopSink{}
	}
	return &Registry{
		peers:  xsync.NewMapOf[netip.AddrPort, *entry](),
		byID:   xsync.NewMapOf[PeerID, *entry](),
		byNode: make(map[kadproto.NodeID]map[netip.AddrPort]struct{}),
		sink:   sink,
	}
}

// Restore loads previously persisted peers without emitting events, and
// makes new identities continue after the highest restored ones. It must
// be called before the registry is shared.
func (r *Registry) Restore(peers []Peer, lastReport ReportID) {
	for _, p := range peers {
		e := &entry{peer: p}
		r.peers.Store(p.Addr, e)
		r.byID.Store(p.ID, e)
		r.indexNode(p.NodeID, p.Addr)
		if int64(p.ID) > r.lastPeer.Load() {
			r.lastPeer.Store(int64(p.ID))
		}
	}
	if int64(lastReport) > r.lastReport.Load() {
		r.lastReport.Store(int64(lastReport))
	}
}

// Observe records that addr claims nodeID at time ts. A new address gets a
// fresh PeerID; a known one keeps its PeerID and takes the latest node ID.
// Repeating an observation changes nothing.
func (r *Registry) Observe(addr netip.AddrPort, nodeID kadproto.NodeID, ts time.Time) Observation {
	return r.observe(addr, nodeID, true, ts)
}

// Touch records that addr was seen at ts without making a claim about its
// node ID. New peers start out with the empty node ID.
func (r *Registry) Touch(addr netip.AddrPort, ts time.Time) Observation {
	return r.observe(addr, kadproto.EmptyNodeID, false, ts)
}

func (r *Registry) observe(addr netip.AddrPort, nodeID kadproto.NodeID, claim bool, ts time.Time) Observation {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

	created := false
	e, _ := r.peers.LoadOrCompute(addr, func() *entry {
		created = true
		e := &entry{peer: Peer{
			ID:        PeerID(r.lastPeer.Add(1)),
			NodeID:    nodeID,
			Addr:      addr,
			FirstSeen: ts,
			LastSeen:  ts,
		}}
		// Held until the creation event is out, so no one can act on the
		// peer before its row exists downstream.
		e.mut.Lock()
		return e
	})

	if created {
		r.byID.Store(e.peer.ID, e)
		r.indexNode(nodeID, addr)
		r.sink.PeerObserved(e.peer)
		e.mut.Unlock()
		return Observation{ID: e.peer.ID, New: true}
	}

	e.mut.Lock()
	defer e.mut.Unlock()

	if ts.After(e.peer.LastSeen) {
		e.peer.LastSeen = ts
	}
	if !claim || nodeID == e.peer.NodeID {
		return Observation{ID: e.peer.ID}
	}

	l.Debugf("%v changed node ID %v -> %v", addr, e.peer.NodeID, nodeID)
	r.unindexNode(e.peer.NodeID, addr)
	r.indexNode(nodeID, addr)
	e.peer.NodeID = nodeID
	r.sink.PeerObserved(e.peer)
	return Observation{ID: e.peer.ID, Changed: true}
}

// MarkProbed records that a probe was sent to the peer at ts. It returns
// false for an unknown PeerID.
func (r *Registry) MarkProbed(id PeerID, ts time.Time) bool {
	e, ok := r.byID.Load(id)
	if !ok {
		return false
	}
	e.mut.Lock()
	defer e.mut.Unlock()
	e.peer.LastProbe = ts
	r.sink.PeerProbed(id, ts)
	return true
}

// RecordResponse emits a Report for a datagram received from the peer. The
// peer's identity fields are not touched.
func (r *Registry) RecordResponse(id PeerID, recvTime time.Time, wasPacked bool, contacts []ReportedContact) (Report, bool) {
	e, ok := r.byID.Load(id)
	if !ok {
		return Report{}, false
	}
	e.mut.Lock()
	defer e.mut.Unlock()
	rep := Report{
		ID:        ReportID(r.lastReport.Add(1)),
		Source:    id,
		RecvTime:  recvTime,
		WasPacked: wasPacked,
		Contacts:  contacts,
	}
	r.sink.ReportRecorded(rep)
	return rep, true
}

func (r *Registry) Get(id PeerID) (Peer, bool) {
	e, ok := r.byID.Load(id)
	if !ok {
		return Peer{}, false
	}
	return e.snapshot(), true
}

func (r *Registry) Lookup(addr netip.AddrPort) (Peer, bool) {
	e, ok := r.peers.Load(netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()))
	if !ok {
		return Peer{}, false
	}
	return e.snapshot(), true
}

// ByNodeID returns the addresses currently claiming the node ID, sorted.
func (r *Registry) ByNodeID(id kadproto.NodeID) []netip.AddrPort {
	r.nodeMut.Lock()
	defer r.nodeMut.Unlock()
	addrs := make([]netip.AddrPort, 0, len(r.byNode[id]))
	for a := range r.byNode[id] {
		addrs = append(addrs, a)
	}
	slices.SortFunc(addrs, netip.AddrPort.Compare)
	return addrs
}

// Collisions returns the number of node IDs claimed by more than one
// address.
func (r *Registry) Collisions() int {
	r.nodeMut.Lock()
	defer r.nodeMut.Unlock()
	n := 0
	for _, addrs := range r.byNode {
		if len(addrs) > 1 {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	return r.peers.Size()
}

// Range calls fn with a snapshot of every peer until fn returns false.
func (r *Registry) Range(fn func(Peer) bool) {
	r.peers.Range(func(_ netip.AddrPort, e *entry) bool {
		return fn(e.snapshot())
	})
}

func (r *Registry) indexNode(id kadproto.NodeID, addr netip.AddrPort) {
	if id.IsEmpty() {
		return
	}
	r.nodeMut.Lock()
	defer r.nodeMut.Unlock()
	set, ok := r.byNode[id]
	if !ok {
		set = make(map[netip.AddrPort]struct{}, 1)
		r.byNode[id] = set
	}
	set[addr] = struct{}{}
}

func (r *Registry) unindexNode(id kadproto.NodeID, addr netip.AddrPort) {
	if id.IsEmpty() {
		return
	}
	r.nodeMut.Lock()
	defer r.nodeMut.Unlock()
	delete(r.byNode[id], addr)
	if len(r.byNode[id]) == 0 {
		delete(r.byNode, id)
	}
}

func (e *entry) snapshot() Peer {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.peer
}
