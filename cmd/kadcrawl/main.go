// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command kadcrawl crawls the eMule Kad network and records which peers
// answer and whom they announce.
package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"sigs.k8s.io/yaml"

	_ "github.com/remule/kadcrawl/lib/automaxprocs"
	"github.com/remule/kadcrawl/lib/build"
	"github.com/remule/kadcrawl/lib/logger"
	"github.com/remule/kadcrawl/lib/store"
	"github.com/remule/kadcrawl/lib/svcutil"
)

var l = logger.DefaultLogger.NewFacility("main", "Main package")

type CLI struct {
	Config kong.ConfigFlag `help:"YAML configuration file" placeholder:"PATH" env:"KADCRAWL_CONFIG"`
	DB     string          `help:"SQLite database path" default:"kadcrawl.db" env:"KADCRAWL_DB"`
	Debug  []string        `help:"Enable debug output for the given facilities (\"all\" for everything)" placeholder:"FACILITY" env:"KADCRAWL_DEBUG"`

	Version kong.VersionFlag `help:"Show version and exit"`

	Collect      collectCmd      `cmd:"" help:"Use the peers in the database to collect more peers"`
	FeedNodesDat feedNodesDatCmd `cmd:"" name:"feed-nodes-dat" help:"Import the contacts of a nodes.dat file into the database"`
	Summary      summaryCmd      `cmd:"" help:"Show what the database knows"`
}

func (cli *CLI) AfterApply() error {
	return l.EnableDebug(cli.Debug)
}

func (cli *CLI) openStore() (*store.Store, error) {
	s, err := store.Open(cli.DB)
	if err != nil {
		return nil, svcutil.AsFatalErr(fmt.Errorf("open database: %w", err), svcutil.ExitDatabase)
	}
	return s, nil
}

// yamlConfig lets kong read its defaults from a YAML file.
func yamlConfig(r io.Reader) (kong.Resolver, error) {
	bs, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	js, err := yaml.YAMLToJSON(bs)
	if err != nil {
		return nil, err
	}
	return kong.JSON(bytes.NewReader(js))
}

func parser(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	options = append([]kong.Option{
		kong.Name("kadcrawl"),
		kong.Description("Crawl the eMule Kad network."),
		kong.Configuration(yamlConfig),
		kong.UsageOnError(),
		kong.Vars{"version": build.LongVersion},
	}, options...)
	return kong.New(cli, options...)
}

func main() {
	var cli CLI
	p, err := parser(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(svcutil.ExitError.AsInt())
	}
	ctx, err := p.Parse(os.Args[1:])
	if err != nil {
		p.Errorf("%s", err)
		os.Exit(svcutil.ExitBadConfig.AsInt())
	}

	err = ctx.Run(&cli)
	if status := svcutil.ExitStatusOf(err); status != svcutil.ExitSuccess {
		l.Warnln("Exiting:", err)
		os.Exit(status.AsInt())
	}
}
