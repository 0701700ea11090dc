// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/remule/kadcrawl/lib/kadproto"
	"github.com/remule/kadcrawl/lib/registry"
)

// Summary is an overview of what a crawl has collected.
type Summary struct {
	Peers         int `json:"peers"`
	Reports       int `json:"reports"`
	PackedReports int `json:"packedReports"`
	// Peers that never answered.
	NeverReceived int `json:"neverReceived"`
	Responders    int `json:"responders"`
	ResponderIPs  int `json:"responderIPs"`
	// IPs with more than one port.
	SharedIPs int `json:"sharedIPs"`
	// Node IDs claimed at more than one address.
	SharedNodeIDs int `json:"sharedNodeIDs"`
}

var summaryQueries = []struct {
	query string
	args  []interface{}
	dst   func(*Summary) *int
}{
	{`SELECT COUNT(*) FROM peer`, nil, func(s *Summary) *int { return &s.Peers }},
	{`SELECT COUNT(*) FROM report`, nil, func(s *Summary) *int { return &s.Reports }},
	{`SELECT COUNT(*) FROM report WHERE was_packed`, nil, func(s *Summary) *int { return &s.PackedReports }},
	{`SELECT COUNT(*) FROM peer WHERE NOT EXISTS (SELECT 1 FROM report WHERE report.source_peer = peer.id)`, nil,
		func(s *Summary) *int { return &s.NeverReceived }},
	{`SELECT COUNT(DISTINCT source_peer) FROM report`, nil, func(s *Summary) *int { return &s.Responders }},
	{`SELECT COUNT(DISTINCT peer.ip) FROM peer JOIN report ON report.source_peer = peer.id`, nil,
		func(s *Summary) *int { return &s.ResponderIPs }},
	{`SELECT COUNT(*) FROM (SELECT ip FROM peer GROUP BY ip HAVING COUNT(*) > 1)`, nil,
		func(s *Summary) *int { return &s.SharedIPs }},
	{`SELECT COUNT(*) FROM (SELECT kad_id FROM peer WHERE kad_id != ? GROUP BY kad_id HAVING COUNT(*) > 1)`,
		[]interface{}{kadproto.EmptyNodeID[:]},
		func(s *Summary) *int { return &s.SharedNodeIDs }},
}

func (s *Store) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	for _, q := range summaryQueries {
		if err := s.db.QueryRowContext(ctx, q.query, q.args...).Scan(q.dst(&sum)); err != nil {
			return Summary{}, classify(dbOpSummary, err)
		}
	}
	return sum, nil
}

// PeerActivity is the most recent report received from a peer.
type PeerActivity struct {
	ID       registry.PeerID
	NodeID   kadproto.NodeID
	Addr     netip.AddrPort
	Reports  int
	LastRecv time.Time
}

// LastReceived returns, for every peer that has answered, the time of its
// most recent report, most recent first.
func (s *Store) LastReceived(ctx context.Context) ([]PeerActivity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer.id, peer.kad_id, peer.ip, peer.udp_port, COUNT(report.id), MAX(report.recv_time) AS last
		FROM peer JOIN report ON report.source_peer = peer.id
		GROUP BY peer.id ORDER BY last DESC, peer.id`)
	if err != nil {
		return nil, classify(dbOpSummary, err)
	}
	defer rows.Close()

	var res []PeerActivity
	for rows.Next() {
		var (
			act   PeerActivity
			kadID []byte
			ip    string
			port  int
			last  string
		)
		if err := rows.Scan(&act.ID, &kadID, &ip, &port, &act.Reports, &last); err != nil {
			return nil, classify(dbOpSummary, err)
		}
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return nil, fmt.Errorf("peer %d: %w", act.ID, err)
		}
		act.Addr = netip.AddrPortFrom(addr, uint16(port))
		if len(kadID) == kadproto.NodeIDLength {
			copy(act.NodeID[:], kadID)
		}
		if act.LastRecv, err = parseTimestamp(last); err != nil {
			return nil, classify(dbOpSummary, err)
		}
		res = append(res, act)
	}
	return res, classify(dbOpSummary, rows.Err())
}
