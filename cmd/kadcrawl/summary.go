// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/remule/kadcrawl/lib/store"
	"github.com/remule/kadcrawl/lib/svcutil"
)

type summaryCmd struct {
	JSON  bool `help:"Print JSON instead of text"`
	Peers int  `help:"Also list this many most recently heard peers" default:"0"`
}

type summaryOutput struct {
	store.Summary
	Recent []recentPeer `json:"recent,omitempty"`
}

type recentPeer struct {
	Addr     string    `json:"addr"`
	NodeID   string    `json:"nodeID"`
	Reports  int       `json:"reports"`
	LastRecv time.Time `json:"lastRecv"`
}

func (c *summaryCmd) Run(cli *CLI) error {
	db, err := cli.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	out, err := c.collect(context.Background(), db)
	if err != nil {
		return svcutil.AsFatalErr(err, svcutil.ExitDatabase)
	}
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	return printSummary(os.Stdout, out)
}

func (c *summaryCmd) collect(ctx context.Context, db *store.Store) (summaryOutput, error) {
	sum, err := db.Summary(ctx)
	if err != nil {
		return summaryOutput{}, err
	}
	out := summaryOutput{Summary: sum}
	if c.Peers <= 0 {
		return out, nil
	}

	act, err := db.LastReceived(ctx)
	if err != nil {
		return summaryOutput{}, err
	}
	if len(act) > c.Peers {
		act = act[:c.Peers]
	}
	for _, a := range act {
		out.Recent = append(out.Recent, recentPeer{
			Addr:     a.Addr.String(),
			NodeID:   a.NodeID.String(),
			Reports:  a.Reports,
			LastRecv: a.LastRecv,
		})
	}
	return out, nil
}

func printSummary(w io.Writer, out summaryOutput) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Peers\t%d\n", out.Peers)
	fmt.Fprintf(tw, "Never answered\t%d\n", out.NeverReceived)
	fmt.Fprintf(tw, "Answered\t%d\n", out.Responders)
	fmt.Fprintf(tw, "Answering IPs\t%d\n", out.ResponderIPs)
	fmt.Fprintf(tw, "IPs with several ports\t%d\n", out.SharedIPs)
	fmt.Fprintf(tw, "Node IDs at several addresses\t%d\n", out.SharedNodeIDs)
	fmt.Fprintf(tw, "Reports\t%d (%d packed)\n", out.Reports, out.PackedReports)
	if len(out.Recent) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "Address\tNode ID\tReports\tLast heard")
		for _, p := range out.Recent {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.Addr, p.NodeID, p.Reports, p.LastRecv.Format(time.RFC3339))
		}
	}
	return tw.Flush()
}
