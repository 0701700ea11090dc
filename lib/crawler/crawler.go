// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package crawler walks the Kad network: it sends probes to the peers the
// scheduler hands out and turns the answers into registry observations
// and reports.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/remule/kadcrawl/lib/kadproto"
	"github.com/remule/kadcrawl/lib/registry"
	"github.com/remule/kadcrawl/lib/scheduler"
	"github.com/remule/kadcrawl/lib/svcutil"
)

const (
	maxDatagramSize = 64 << 10
	recvErrorDelay  = time.Second
	pausePoll       = 100 * time.Millisecond

	// Kad version we claim in hello probes.
	helloVersion = 8
	// Contacts asked for in req probes (KADEMLIA_FIND_NODE).
	reqFindNode = 0x0b
)

var broadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Saturation is implemented by the store writer; probing pauses while it
// reports true.
type Saturation interface {
	Saturated() bool
}

type clock interface {
	Now() time.Time
}

type defaultClock struct{}

func (defaultClock) Now() time.Time {
	return time.Now()
}

// Stats are running totals since the crawler was created.
type Stats struct {
	Datagrams int64
	Reports   int64
	Probes    int64
}

type Crawler struct {
	cfg   Config
	reg   *registry.Registry
	sched *scheduler.Scheduler
	sat   Saturation
	clock clock

	localID      kadproto.NodeID
	limiter      *lru.Cache[netip.Addr, *rate.Limiter]
	probeLimiter *rate.Limiter

	mut  sync.Mutex
	conn net.PacketConn

	datagrams atomic.Int64
	reports   atomic.Int64
	probes    atomic.Int64
}

// New returns a crawler that records into reg and probes the peers sched
// hands out. sat may be nil.
func New(cfg Config, reg *registry.Registry, sched *scheduler.Scheduler, sat Saturation) (*Crawler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Crawler{
		cfg:          cfg,
		reg:          reg,
		sched:        sched,
		sat:          sat,
		clock:        defaultClock{},
		localID:      cfg.NodeID,
		probeLimiter: rate.NewLimiter(rate.Inf, 1),
	}
	if c.localID.IsEmpty() {
		c.localID = kadproto.NewRandomNodeID()
	}
	if cfg.ProbeRate > 0 {
		c.probeLimiter = rate.NewLimiter(rate.Limit(cfg.ProbeRate), cfg.ProbeBurst)
	}
	if cfg.SourceRate > 0 {
		cache, err := lru.New[netip.Addr, *rate.Limiter](cfg.LimiterSize)
		if err != nil {
			return nil, err
		}
		c.limiter = cache
	}
	return c, nil
}

func (c *Crawler) String() string {
	return fmt.Sprintf("crawler@%s", c.cfg.Listen)
}

func (c *Crawler) LocalID() kadproto.NodeID {
	return c.localID
}

// Open binds the socket ahead of Serve. Serve calls it when needed.
func (c *Crawler) Open() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := net.ListenPacket("udp", c.cfg.Listen)
	if err != nil {
		return svcutil.AsFatalErr(fmt.Errorf("listen: %w", err), svcutil.ExitNetwork)
	}
	l.Infoln("Listening on", conn.LocalAddr())
	c.conn = conn
	return nil
}

// LocalAddr returns the bound address, or nil before Open.
func (c *Crawler) LocalAddr() net.Addr {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

func (c *Crawler) Stats() Stats {
	return Stats{
		Datagrams: c.datagrams.Load(),
		Reports:   c.reports.Load(),
		Probes:    c.probes.Load(),
	}
}

// Seed queues known peers for probing, typically those restored from the
// store, and returns how many were new to the scheduler.
func (c *Crawler) Seed(peers []registry.Peer) int {
	n := 0
	for _, p := range peers {
		if c.sched.Add(p.ID) {
			n++
		}
	}
	return n
}

// AddContact registers a contact learned outside the network, such as a
// nodes.dat entry or a configured bootstrap address, and queues it.
func (c *Crawler) AddContact(addr netip.AddrPort, nodeID kadproto.NodeID) (registry.PeerID, bool) {
	if !c.allowed(addr) {
		return 0, false
	}
	var obs registry.Observation
	if nodeID.IsEmpty() {
		obs = c.reg.Touch(addr, c.clock.Now())
	} else {
		obs = c.reg.Observe(addr, nodeID, c.clock.Now())
	}
	c.sched.Add(obs.ID)
	return obs.ID, true
}

// Serve runs until the context is cancelled. It owns the socket and
// closes it on return.
func (c *Crawler) Serve(ctx context.Context) error {
	if err := c.Open(); err != nil {
		return err
	}
	c.mut.Lock()
	conn := c.conn
	c.mut.Unlock()
	defer func() {
		c.mut.Lock()
		c.conn = nil
		c.mut.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error { return c.sendLoop(gctx, conn) })
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Crawler) readLoop(ctx context.Context, conn net.PacketConn) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return svcutil.AsFatalErr(fmt.Errorf("receive: %w", err), svcutil.ExitNetwork)
			}
			l.Warnln("Receive:", err)
			metricReceiveErrorsTotal.Inc()
			t := time.NewTimer(recvErrorDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil
			}
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		from := udpAddr.AddrPort()
		c.handle(netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), buf[:n], c.clock.Now())
	}
}

// handle processes one datagram. Nothing in it can stop the crawl.
func (c *Crawler) handle(from netip.AddrPort, data []byte, now time.Time) {
	c.datagrams.Add(1)
	if c.limit(from.Addr()) {
		metricDatagramsTotal.WithLabelValues(datagramLimited).Inc()
		return
	}

	pkt, err := kadproto.Decode(data)
	if err != nil {
		l.Debugf("%v: %v", from, err)
		metricDatagramsTotal.WithLabelValues(datagramDecode).Inc()
		metricDecodeErrorsTotal.WithLabelValues(kadproto.KindOf(err).String()).Inc()
		return
	}
	metricDatagramsTotal.WithLabelValues(datagramOK).Inc()
	msg := pkt.Message
	metricMessagesTotal.WithLabelValues(msg.Opcode().String(), pkt.Framing.String()).Inc()
	l.Debugf("%v: %v (%v)", from, msg.Opcode(), pkt.Framing)

	_, known := c.reg.Lookup(from)
	var sender registry.Observation
	if a, ok := msg.(kadproto.Announcer); ok {
		sender = c.reg.Observe(from, a.SenderID(), now)
	} else {
		sender = c.reg.Touch(from, now)
	}
	if sender.New {
		c.sched.Add(sender.ID)
	}
	if sender.Changed {
		l.Debugf("%v now claims a new node ID", from)
	}

	var contacts []registry.ReportedContact
	seen := make(map[registry.PeerID]struct{})
	if br, ok := msg.(*kadproto.BootstrapRes); ok {
		// The sender's own contact, at the UDP port it says it listens on.
		self := kadproto.Contact{NodeID: br.NodeID, IP: from.Addr(), UDPPort: br.UDPPort, Version: br.Version}
		if br.UDPPort != from.Port() {
			l.Debugf("%v: announces UDP port %d", from, br.UDPPort)
		}
		contacts = c.observeContacts(contacts, seen, []kadproto.Contact{self}, true, now)
	}
	if cr, ok := msg.(kadproto.ContactsResponse); ok {
		contacts = c.observeContacts(contacts, seen, cr.AnnouncedContacts(), false, now)
	}

	if kadproto.IsResponse(msg) {
		c.sched.Responded(sender.ID)
	}
	if !known || !reportable(msg) {
		return
	}
	if _, ok := c.reg.RecordResponse(sender.ID, now, pkt.Framing == kadproto.Packed, contacts); ok {
		c.reports.Add(1)
		metricReportsTotal.Inc()
	}
}

// observeContacts registers the announced contacts that pass the address
// filter and appends them to dst, once per peer.
func (c *Crawler) observeContacts(dst []registry.ReportedContact, seen map[registry.PeerID]struct{}, cs []kadproto.Contact, self bool, now time.Time) []registry.ReportedContact {
	for _, ct := range cs {
		addr := ct.AddrPort()
		if !c.allowed(addr) {
			metricContactsTotal.WithLabelValues(contactFiltered).Inc()
			continue
		}
		obs := c.reg.Observe(addr, ct.NodeID, now)
		if obs.New {
			c.sched.Add(obs.ID)
		}
		if _, ok := seen[obs.ID]; ok {
			metricContactsTotal.WithLabelValues(contactDuplicate).Inc()
			continue
		}
		seen[obs.ID] = struct{}{}
		dst = append(dst, registry.ReportedContact{
			Peer:    obs.ID,
			TCPPort: ct.TCPPort,
			Version: ct.Version,
			Self:    self,
		})
		metricContactsTotal.WithLabelValues(contactAccepted).Inc()
	}
	return dst
}

func reportable(m kadproto.Message) bool {
	switch m.(type) {
	case *kadproto.BootstrapRes, *kadproto.HelloReq, *kadproto.HelloRes, *kadproto.Res, *kadproto.Pong:
		return true
	}
	return false
}

// limit returns true if the datagram should be ignored because the source
// exceeded its rate.
func (c *Crawler) limit(ip netip.Addr) bool {
	if c.limiter == nil {
		return false
	}
	bkt, ok := c.limiter.Get(ip)
	if !ok {
		bkt = rate.NewLimiter(rate.Limit(c.cfg.SourceRate), c.cfg.SourceBurst)
		c.limiter.Add(ip, bkt)
	}
	return !bkt.Allow()
}

func (c *Crawler) allowed(ap netip.AddrPort) bool {
	return Routable(ap, c.cfg.AllowPrivate)
}

// Routable returns true for addresses worth recording and probing.
// Loopback, private and link-local addresses pass only when allowPrivate
// is set.
func Routable(ap netip.AddrPort, allowPrivate bool) bool {
	addr := ap.Addr().Unmap()
	switch {
	case !addr.IsValid(), addr.IsUnspecified(), ap.Port() == 0:
		return false
	case addr.IsMulticast(), addr == broadcastAddr:
		return false
	case allowPrivate:
		return true
	case addr.IsLoopback(), addr.IsPrivate(), addr.IsLinkLocalUnicast():
		return false
	}
	return true
}

func (c *Crawler) sendLoop(ctx context.Context, conn net.PacketConn) error {
	port := uint16(0)
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		port = uint16(ua.Port)
	}

	for {
		if err := c.waitUnsaturated(ctx); err != nil {
			return nil
		}
		if err := c.probeLimiter.Wait(ctx); err != nil {
			return nil
		}
		id, err := c.sched.Next(ctx)
		if err != nil {
			return nil
		}
		p, ok := c.reg.Get(id)
		if !ok {
			c.sched.Abandon(id)
			continue
		}

		kind := c.cfg.Probe
		if kind == ProbeReq && p.NodeID.IsEmpty() {
			// A req must name the receiver, so peers without a
			// known node ID get a bootstrap request instead.
			kind = ProbeBootstrap
		}
		bs, err := kadproto.Encode(c.probe(kind, p, port), kadproto.Unpacked)
		if err != nil {
			l.Warnf("Encoding %v probe: %v", kind, err)
			c.sched.Abandon(id)
			continue
		}
		if _, err := conn.WriteTo(bs, net.UDPAddrFromAddrPort(p.Addr)); err != nil {
			l.Debugf("Sending to %v: %v", p.Addr, err)
			metricSendErrorsTotal.Inc()
			c.sched.Abandon(id)
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}
		c.reg.MarkProbed(id, c.clock.Now())
		c.probes.Add(1)
		metricProbesTotal.WithLabelValues(kind.String()).Inc()
	}
}

func (c *Crawler) probe(kind ProbeKind, p registry.Peer, localPort uint16) kadproto.Message {
	switch kind {
	case ProbeHello:
		return &kadproto.HelloReq{Hello: kadproto.Hello{
			NodeID:  c.localID,
			TCPPort: c.cfg.TCPPort,
			Version: helloVersion,
			Tags:    []kadproto.Tag{kadproto.NewUint16Tag(kadproto.TagNameSourceUDPPort, localPort)},
		}}
	case ProbeReq:
		return &kadproto.Req{
			Type:   reqFindNode,
			Target: kadproto.NewRandomNodeID(),
			Check:  p.NodeID,
		}
	case ProbePing:
		return &kadproto.Ping{}
	default:
		return &kadproto.BootstrapReq{}
	}
}

// waitUnsaturated blocks while the store is behind.
func (c *Crawler) waitUnsaturated(ctx context.Context) error {
	if c.sat == nil || !c.sat.Saturated() {
		return nil
	}
	l.Debugln("Store is saturated, pausing probes")
	metricPaused.Set(1)
	defer metricPaused.Set(0)
	t := time.NewTicker(pausePoll)
	defer t.Stop()
	for c.sat.Saturated() {
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
