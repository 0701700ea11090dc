// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists crawl observations in SQLite.
//
// Peer rows are upserted by address, so writing the same peer twice is
// harmless and the latest node ID wins. Report rows carry the identity the
// registry assigned and are inserted or ignored, so a retried write never
// duplicates a report.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/remule/kadcrawl/lib/kadproto"
	"github.com/remule/kadcrawl/lib/registry"
)

// SchemaVersion is recorded in the version table of every database we
// create; opening a database with another version fails.
const SchemaVersion = "kadcrawl/2"

var ErrSchemaVersion = errors.New("unsupported schema version")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS version (
		version TEXT NOT NULL,
		ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS peer (
		id INTEGER PRIMARY KEY,
		kad_id BLOB NOT NULL,
		ip TEXT NOT NULL,
		udp_port INTEGER NOT NULL,
		first_seen TIMESTAMP NOT NULL,
		last_send_time TIMESTAMP,
		UNIQUE (ip, udp_port)
	)`,
	`CREATE TABLE IF NOT EXISTS report (
		id INTEGER PRIMARY KEY,
		source_peer INTEGER NOT NULL REFERENCES peer(id),
		recv_time TIMESTAMP NOT NULL,
		was_packed BOOLEAN NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS report_contact (
		report_id INTEGER NOT NULL REFERENCES report(id),
		reported_peer_id INTEGER NOT NULL REFERENCES peer(id),
		tcp_port INTEGER,
		contact_version INTEGER,
		self BOOLEAN NOT NULL DEFAULT 0,
		PRIMARY KEY (report_id, reported_peer_id)
	)`,
	`CREATE INDEX IF NOT EXISTS peer_kad_id ON peer (kad_id)`,
	`CREATE INDEX IF NOT EXISTS peer_last_send_time ON peer (last_send_time)`,
	`CREATE INDEX IF NOT EXISTS report_source_peer ON report (source_peer)`,
}

type Store struct {
	db   *sql.DB
	prep map[string]*sql.Stmt
}

// Open opens or creates the database at path. The special path ":memory:"
// gives a private in memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, classify("open", err)
	}
	// One connection: a single writer, and an in memory database stays
	// the same database.
	db.SetMaxOpenConns(1)

	if err := setup(db); err != nil {
		db.Close()
		return nil, err
	}
	prep, err := compile(db)
	if err != nil {
		db.Close()
		return nil, classify("compile", err)
	}
	return &Store{db: db, prep: prep}, nil
}

func dsn(path string) string {
	params := "_foreign_keys=1&_busy_timeout=5000"
	if path == ":memory:" {
		return "file::memory:?" + params
	}
	return "file:" + path + "?" + params + "&_journal_mode=WAL"
}

func setup(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return classify("setup", err)
		}
	}

	var version string
	err := db.QueryRow(`SELECT version FROM version ORDER BY ts DESC LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.Exec(`INSERT INTO version (version, ts) VALUES (?, ?)`, SchemaVersion, time.Now().Unix())
		return classify("setup", err)
	case err != nil:
		return classify("setup", err)
	case version != SchemaVersion:
		return fmt.Errorf("%w %q (expected %q)", ErrSchemaVersion, version, SchemaVersion)
	}
	return nil
}

func compile(db *sql.DB) (map[string]*sql.Stmt, error) {
	stmts := map[string]string{
		"putPeer": `INSERT INTO peer (id, kad_id, ip, udp_port, first_seen) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (ip, udp_port) DO UPDATE SET kad_id = excluded.kad_id`,
		"markSent":  `UPDATE peer SET last_send_time = ? WHERE id = ?`,
		"addReport": `INSERT OR IGNORE INTO report (id, source_peer, recv_time, was_packed) VALUES (?, ?, ?, ?)`,
		"addContact": `INSERT OR IGNORE INTO report_contact (report_id, reported_peer_id, tcp_port, contact_version, self)
			VALUES (?, ?, ?, ?, ?)`,
		"loadPeers":    `SELECT id, kad_id, ip, udp_port, first_seen, last_send_time FROM peer ORDER BY last_send_time IS NOT NULL, last_send_time, id`,
		"lastReportID": `SELECT COALESCE(MAX(id), 0) FROM report`,
		"reportContacts": `SELECT reported_peer_id, tcp_port, contact_version, self FROM report_contact
			WHERE report_id = ? ORDER BY reported_peer_id`,
	}

	res := make(map[string]*sql.Stmt, len(stmts))
	for key, stmt := range stmts {
		prep, err := db.Prepare(stmt)
		if err != nil {
			return nil, err
		}
		res[key] = prep
	}
	return res, nil
}

func (s *Store) Close() error {
	for _, stmt := range s.prep {
		stmt.Close()
	}
	return s.db.Close()
}

// PutPeer inserts the peer if its address is new and otherwise updates the
// node ID.
func (s *Store) PutPeer(ctx context.Context, p registry.Peer) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.putPeer(ctx, tx, p)
	})
}

// MarkSent records the time the last probe was sent to the peer.
func (s *Store) MarkSent(ctx context.Context, id registry.PeerID, t time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.markSent(ctx, tx, id, t)
	})
}

// AddReport appends a report and the peers it announced.
func (s *Store) AddReport(ctx context.Context, r registry.Report) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.addReport(ctx, tx, r)
	})
}

func (s *Store) putPeer(ctx context.Context, tx *sql.Tx, p registry.Peer) error {
	// The row keeps the registry's ID; reports refer to peers by it.
	return s.exec(ctx, tx, dbOpPutPeer, "putPeer",
		int64(p.ID), p.NodeID[:], p.Addr.Addr().String(), int(p.Addr.Port()), p.FirstSeen.UTC())
}

func (s *Store) markSent(ctx context.Context, tx *sql.Tx, id registry.PeerID, t time.Time) error {
	return s.exec(ctx, tx, dbOpMarkSent, "markSent", t.UTC(), int64(id))
}

func (s *Store) addReport(ctx context.Context, tx *sql.Tx, r registry.Report) error {
	// The savepoint keeps a report and its contacts together even when a
	// later statement in the surrounding batch fails.
	if _, err := tx.ExecContext(ctx, `SAVEPOINT report`); err != nil {
		return classify(dbOpAddReport, err)
	}
	err := s.exec(ctx, tx, dbOpAddReport, "addReport", int64(r.ID), int64(r.Source), r.RecvTime.UTC(), r.WasPacked)
	for _, c := range r.Contacts {
		if err != nil {
			break
		}
		tcpPort := sql.NullInt64{Int64: int64(c.TCPPort), Valid: c.TCPPort != 0}
		err = s.exec(ctx, tx, dbOpAddReport, "addContact", int64(r.ID), int64(c.Peer), tcpPort, int(c.Version), c.Self)
	}
	if err != nil {
		tx.ExecContext(ctx, `ROLLBACK TO report`)
	}
	if _, rerr := tx.ExecContext(ctx, `RELEASE report`); err == nil && rerr != nil {
		err = classify(dbOpAddReport, rerr)
	}
	return err
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, op, stmt string, args ...interface{}) error {
	t0 := time.Now()
	_, err := tx.StmtContext(ctx, s.prep[stmt]).ExecContext(ctx, args...)
	databaseOperationSeconds.WithLabelValues(op).Observe(time.Since(t0).Seconds())
	err = classify(op, err)
	databaseOperations.WithLabelValues(op, result(err)).Inc()
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	t0 := time.Now()
	err = classify(dbOpCommit, tx.Commit())
	databaseOperationSeconds.WithLabelValues(dbOpCommit).Observe(time.Since(t0).Seconds())
	databaseOperations.WithLabelValues(dbOpCommit, result(err)).Inc()
	return err
}

// LoadPeers returns every stored peer, those never probed first and the
// rest by the time they were last probed, oldest first.
func (s *Store) LoadPeers(ctx context.Context) ([]registry.Peer, error) {
	rows, err := s.prep["loadPeers"].QueryContext(ctx)
	if err != nil {
		return nil, classify(dbOpLoad, err)
	}
	defer rows.Close()

	var peers []registry.Peer
	for rows.Next() {
		var (
			p        registry.Peer
			kadID    []byte
			ip       string
			port     int
			lastSend sql.NullTime
		)
		if err := rows.Scan(&p.ID, &kadID, &ip, &port, &p.FirstSeen, &lastSend); err != nil {
			return nil, classify(dbOpLoad, err)
		}
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return nil, fmt.Errorf("peer %d: %w", p.ID, err)
		}
		if len(kadID) == kadproto.NodeIDLength {
			copy(p.NodeID[:], kadID)
		}
		p.Addr = netip.AddrPortFrom(addr, uint16(port))
		p.LastSeen = p.FirstSeen
		if lastSend.Valid {
			p.LastProbe = lastSend.Time
		}
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(dbOpLoad, err)
	}
	return peers, nil
}

// LastReportID returns the highest report ID in use, or zero.
func (s *Store) LastReportID(ctx context.Context) (registry.ReportID, error) {
	var id int64
	if err := s.prep["lastReportID"].QueryRowContext(ctx).Scan(&id); err != nil {
		return 0, classify(dbOpLoad, err)
	}
	return registry.ReportID(id), nil
}

// ReportContacts returns the contacts announced in the given report,
// ordered by peer.
func (s *Store) ReportContacts(ctx context.Context, id registry.ReportID) ([]registry.ReportedContact, error) {
	rows, err := s.prep["reportContacts"].QueryContext(ctx, int64(id))
	if err != nil {
		return nil, classify(dbOpLoad, err)
	}
	defer rows.Close()
	var cs []registry.ReportedContact
	for rows.Next() {
		var (
			c       registry.ReportedContact
			tcpPort sql.NullInt64
			version sql.NullInt64
		)
		if err := rows.Scan(&c.Peer, &tcpPort, &version, &c.Self); err != nil {
			return nil, classify(dbOpLoad, err)
		}
		c.TCPPort = uint16(tcpPort.Int64)
		c.Version = uint8(version.Int64)
		cs = append(cs, c)
	}
	return cs, classify(dbOpLoad, rows.Err())
}

func result(err error) string {
	var perr *PersistenceError
	if err == nil {
		return dbResSuccess
	}
	if errors.As(err, &perr) && perr.Kind == Conflict {
		return dbResConflict
	}
	return dbResUnavailable
}

// parseTimestamp reads a timestamp that SQLite returned as text, as it
// does for aggregates over TIMESTAMP columns.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSuffix(s, "Z")
	for _, format := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.ParseInLocation(format, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
