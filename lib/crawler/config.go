// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package crawler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/remule/kadcrawl/lib/kadproto"
)

// ProbeKind is the message sent to ask a peer for contacts.
type ProbeKind int

const (
	ProbeBootstrap ProbeKind = iota
	ProbeHello
	ProbeReq
	ProbePing
)

func (k ProbeKind) String() string {
	switch k {
	case ProbeBootstrap:
		return "bootstrap"
	case ProbeHello:
		return "hello"
	case ProbeReq:
		return "req"
	case ProbePing:
		return "ping"
	default:
		return fmt.Sprintf("ProbeKind(%d)", int(k))
	}
}

func ParseProbeKind(s string) (ProbeKind, error) {
	for _, k := range []ProbeKind{ProbeBootstrap, ProbeHello, ProbeReq, ProbePing} {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown probe kind %q", s)
}

func (k ProbeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ProbeKind) UnmarshalText(bs []byte) error {
	v, err := ParseProbeKind(string(bs))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

type Config struct {
	// Listen is the local UDP address.
	Listen string
	Probe  ProbeKind
	// ProbeRate limits probes per second; zero means no limit.
	ProbeRate  float64
	ProbeBurst int
	// SourceRate limits datagrams per second accepted from one IP; zero
	// means no limit.
	SourceRate  float64
	SourceBurst int
	// LimiterSize is the number of source IPs tracked by the limiter.
	LimiterSize int
	// AllowPrivate accepts announced contacts on loopback, private and
	// link-local addresses.
	AllowPrivate bool
	// NodeID is our identity in hello and req probes; zero picks a random
	// one.
	NodeID kadproto.NodeID
	// TCPPort is advertised in hello probes.
	TCPPort uint16
}

func DefaultConfig() Config {
	return Config{
		Listen:      ":4672",
		Probe:       ProbeBootstrap,
		ProbeRate:   50,
		ProbeBurst:  10,
		SourceRate:  20,
		SourceBurst: 40,
		LimiterSize: 65536,
		TCPPort:     4662,
	}
}

var errEmptyListen = errors.New("listen address must be set")

func (c Config) Validate() error {
	switch {
	case c.Listen == "":
		return errEmptyListen
	case c.ProbeRate < 0:
		return fmt.Errorf("probe rate must not be negative, not %v", c.ProbeRate)
	case c.ProbeRate > 0 && c.ProbeBurst < 1:
		return fmt.Errorf("probe burst must be positive, not %d", c.ProbeBurst)
	case c.SourceRate < 0:
		return fmt.Errorf("source rate must not be negative, not %v", c.SourceRate)
	case c.SourceRate > 0 && c.SourceBurst < 1:
		return fmt.Errorf("source burst must be positive, not %d", c.SourceBurst)
	case c.SourceRate > 0 && c.LimiterSize < 1:
		return fmt.Errorf("limiter size must be positive, not %d", c.LimiterSize)
	case c.Probe < ProbeBootstrap || c.Probe > ProbePing:
		return fmt.Errorf("unknown probe kind %v", c.Probe)
	}
	return nil
}
