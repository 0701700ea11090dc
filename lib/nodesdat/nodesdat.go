// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package nodesdat reads the nodes.dat contact files written by eMule
// compatible clients, versions 0 through 3 including the version 3
// bootstrap edition.
package nodesdat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"os"

	"github.com/remule/kadcrawl/lib/kadproto"
)

const (
	MaxVersion = 3

	baseEntryLength = kadproto.ContactLength
	keyEntryLength  = baseEntryLength + 4 + 4 + 1
)

var ErrUnsupportedVersion = errors.New("unsupported nodes.dat version")

// An Entry is one contact from the file. Fields that the file version
// does not carry are left zero.
type Entry struct {
	NodeID  kadproto.NodeID
	IP      netip.Addr
	UDPPort uint16
	TCPPort uint16

	Type     uint8  // version 0 only
	Version  uint8  // version 1 and later, and bootstrap files
	UDPKey   uint32 // version 2 and later
	UDPKeyIP netip.Addr
	Verified bool
}

func (e Entry) Contact() kadproto.Contact {
	return kadproto.Contact{
		NodeID:  e.NodeID,
		IP:      e.IP,
		UDPPort: e.UDPPort,
		TCPPort: e.TCPPort,
		Version: e.Version,
	}
}

type File struct {
	Version   uint32
	Bootstrap bool
	Entries   []Entry
}

// Contacts returns the entries as announced contacts.
func (f File) Contacts() []kadproto.Contact {
	cs := make([]kadproto.Contact, len(f.Entries))
	for i, e := range f.Entries {
		cs[i] = e.Contact()
	}
	return cs
}

// Load reads and parses the named file.
func Load(path string) (File, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	f, err := Parse(bs)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes the contents of a nodes.dat file.
func Parse(bs []byte) (File, error) {
	p := &parser{bs: bs}

	// Version 0 files start directly with a non-zero count. Later versions
	// put a zero there followed by the version number.
	count := p.uint32("count")
	var f File
	if count == 0 {
		f.Version = p.uint32("version")
		if f.Version > MaxVersion {
			return File{}, fmt.Errorf("%w %d", ErrUnsupportedVersion, f.Version)
		}
		if f.Version == 3 {
			f.Bootstrap = p.uint32("bootstrap edition") == 1
		}
		count = p.uint32("count")
	}
	if p.err != nil {
		return File{}, p.err
	}

	entryLength := baseEntryLength
	if f.Version >= 2 && !f.Bootstrap {
		entryLength = keyEntryLength
	}
	if need := int(count) * entryLength; need != len(p.bs) {
		return File{}, fmt.Errorf("%d entries of %d bytes need %d bytes, have %d", count, entryLength, need, len(p.bs))
	}

	f.Entries = make([]Entry, count)
	for i := range f.Entries {
		e := &f.Entries[i]
		e.NodeID = kadproto.NodeIDFromWire(p.take(kadproto.NodeIDLength, "node id"))
		e.IP = p.ip("ip")
		e.UDPPort = p.uint16("udp port")
		e.TCPPort = p.uint16("tcp port")
		switch {
		case f.Bootstrap || f.Version >= 1:
			e.Version = p.uint8("contact version")
		default:
			e.Type = p.uint8("type")
		}
		if f.Version >= 2 && !f.Bootstrap {
			e.UDPKey = p.uint32("udp key")
			e.UDPKeyIP = p.ip("udp key ip")
			e.Verified = p.uint8("verified") != 0
		}
	}
	if p.err != nil {
		return File{}, p.err
	}
	return f, nil
}

type parser struct {
	bs  []byte
	err error
}

func (p *parser) take(n int, what string) []byte {
	if p.err != nil {
		return make([]byte, n)
	}
	if n > len(p.bs) {
		p.err = fmt.Errorf("%s: need %d bytes, have %d", what, n, len(p.bs))
		return make([]byte, n)
	}
	bs := p.bs[:n]
	p.bs = p.bs[n:]
	return bs
}

func (p *parser) uint8(what string) uint8 {
	return p.take(1, what)[0]
}

func (p *parser) uint16(what string) uint16 {
	return binary.LittleEndian.Uint16(p.take(2, what))
}

func (p *parser) uint32(what string) uint32 {
	return binary.LittleEndian.Uint32(p.take(4, what))
}

// ip reads an IPv4 address stored as a little endian integer.
func (p *parser) ip(what string) netip.Addr {
	var a [4]byte
	binary.BigEndian.PutUint32(a[:], p.uint32(what))
	return netip.AddrFrom4(a)
}
