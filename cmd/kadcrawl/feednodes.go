// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/remule/kadcrawl/lib/crawler"
	"github.com/remule/kadcrawl/lib/nodesdat"
	"github.com/remule/kadcrawl/lib/registry"
	"github.com/remule/kadcrawl/lib/store"
	"github.com/remule/kadcrawl/lib/svcutil"
)

type feedNodesDatCmd struct {
	Path         string `arg:"" help:"nodes.dat file" type:"existingfile"`
	AllowPrivate bool   `help:"Import private, loopback and link-local addresses" env:"KADCRAWL_ALLOW_PRIVATE"`
}

func (c *feedNodesDatCmd) Run(cli *CLI) error {
	f, err := nodesdat.Load(c.Path)
	if err != nil {
		return svcutil.AsFatalErr(err, svcutil.ExitBadConfig)
	}
	l.Infof("%s: version %d, %d contacts", c.Path, f.Version, len(f.Entries))

	db, err := cli.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	added, err := feed(context.Background(), db, f, c.AllowPrivate)
	if err != nil {
		return svcutil.AsFatalErr(err, svcutil.ExitDatabase)
	}
	l.Infof("Inserted %d new peers", added)
	return nil
}

// feed records the file's contacts as peers and returns how many were new.
func feed(ctx context.Context, db *store.Store, f nodesdat.File, allowPrivate bool) (int, error) {
	peers, err := db.LoadPeers(ctx)
	if err != nil {
		return 0, fmt.Errorf("load peers: %w", err)
	}
	last, err := db.LastReportID(ctx)
	if err != nil {
		return 0, fmt.Errorf("load reports: %w", err)
	}

	writer := store.NewWriter(db, store.DefaultWriterConfig())
	reg := registry.New(writer)
	reg.Restore(peers, last)

	stopWriter := svcutil.Background("store", l, writer)

	now := time.Now()
	added, events := 0, 0
	for _, ct := range f.Contacts() {
		addr := ct.AddrPort()
		if !crawler.Routable(addr, allowPrivate) {
			l.Debugf("Skipping %v", addr)
			continue
		}
		obs := reg.Observe(addr, ct.NodeID, now)
		if obs.New {
			added++
		}
		if obs.New || obs.Changed {
			events++
		}
	}

	if err := stopWriter(); err != nil {
		return added, err
	}
	if written := writer.Written(); written < events {
		return added, fmt.Errorf("%d of %d peers not written", events-written, events)
	}
	return added, nil
}
