// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package kadproto

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ContactLength is the encoded size of one Contact.
const ContactLength = NodeIDLength + 4 + 2 + 2 + 1

// Message is the closed set of Kad messages understood by the crawler.
// Opcodes without a dedicated type decode to *Unknown.
type Message interface {
	Opcode() Opcode
	appendBody(bs []byte) ([]byte, error)
}

// A ContactsResponse announces other nodes.
type ContactsResponse interface {
	Message
	AnnouncedContacts() []Contact
}

// An Announcer carries the node ID of its sender.
type Announcer interface {
	Message
	SenderID() NodeID
}

// IsResponse returns true for messages that answer one of our probes.
func IsResponse(m Message) bool {
	switch m.(type) {
	case *BootstrapRes, *HelloRes, *Res, *Pong:
		return true
	}
	return false
}

// A Contact is a single (node ID, address) pair as announced by a peer.
type Contact struct {
	NodeID  NodeID
	IP      netip.Addr
	UDPPort uint16
	TCPPort uint16
	Version uint8
}

func (c Contact) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(c.IP, c.UDPPort)
}

func (c Contact) String() string {
	return fmt.Sprintf("%s@%s", c.NodeID, c.AddrPort())
}

type BootstrapReq struct{}

func (*BootstrapReq) Opcode() Opcode { return OpBootstrapReq }

func (*BootstrapReq) appendBody(bs []byte) ([]byte, error) { return bs, nil }

// BootstrapRes is the answer to a BootstrapReq: the sender's own identity
// followed by a sample of its routing table.
type BootstrapRes struct {
	NodeID   NodeID
	UDPPort  uint16
	Version  uint8
	Contacts []Contact
}

func (*BootstrapRes) Opcode() Opcode { return OpBootstrapRes }

func (m *BootstrapRes) SenderID() NodeID { return m.NodeID }

func (m *BootstrapRes) AnnouncedContacts() []Contact { return m.Contacts }

func (m *BootstrapRes) appendBody(bs []byte) ([]byte, error) {
	if len(m.Contacts) > 0xffff {
		return nil, fmt.Errorf("%w: %d contacts", errUnencodable, len(m.Contacts))
	}
	bs = m.NodeID.AppendWire(bs)
	bs = binary.LittleEndian.AppendUint16(bs, m.UDPPort)
	bs = append(bs, m.Version)
	bs = binary.LittleEndian.AppendUint16(bs, uint16(len(m.Contacts)))
	return appendContacts(bs, m.Contacts)
}

// Hello is the body shared by HelloReq and HelloRes.
type Hello struct {
	NodeID  NodeID
	TCPPort uint16
	Version uint8
	Tags    []Tag
}

func (h *Hello) SenderID() NodeID { return h.NodeID }

func (h *Hello) appendHello(bs []byte) ([]byte, error) {
	if len(h.Tags) > 0xff {
		return nil, fmt.Errorf("%w: %d tags", errUnencodable, len(h.Tags))
	}
	bs = h.NodeID.AppendWire(bs)
	bs = binary.LittleEndian.AppendUint16(bs, h.TCPPort)
	bs = append(bs, h.Version, uint8(len(h.Tags)))
	var err error
	for _, t := range h.Tags {
		if bs, err = t.appendTo(bs); err != nil {
			return nil, err
		}
	}
	return bs, nil
}

type HelloReq struct {
	Hello
}

func (*HelloReq) Opcode() Opcode { return OpHelloReq }

func (m *HelloReq) appendBody(bs []byte) ([]byte, error) { return m.appendHello(bs) }

type HelloRes struct {
	Hello
}

func (*HelloRes) Opcode() Opcode { return OpHelloRes }

func (m *HelloRes) appendBody(bs []byte) ([]byte, error) { return m.appendHello(bs) }

// Req asks for the contacts closest to Target. Check must equal the
// receiver's node ID or the request is ignored.
type Req struct {
	Type   uint8
	Target NodeID
	Check  NodeID
}

func (*Req) Opcode() Opcode { return OpReq }

func (m *Req) appendBody(bs []byte) ([]byte, error) {
	bs = append(bs, m.Type)
	bs = m.Target.AppendWire(bs)
	return m.Check.AppendWire(bs), nil
}

type Res struct {
	Target   NodeID
	Contacts []Contact
}

func (*Res) Opcode() Opcode { return OpRes }

func (m *Res) AnnouncedContacts() []Contact { return m.Contacts }

func (m *Res) appendBody(bs []byte) ([]byte, error) {
	if len(m.Contacts) > 0xff {
		return nil, fmt.Errorf("%w: %d contacts", errUnencodable, len(m.Contacts))
	}
	bs = m.Target.AppendWire(bs)
	bs = append(bs, uint8(len(m.Contacts)))
	return appendContacts(bs, m.Contacts)
}

type Ping struct{}

func (*Ping) Opcode() Opcode { return OpPing }

func (*Ping) appendBody(bs []byte) ([]byte, error) { return bs, nil }

// Pong carries the UDP port the pinged node saw us on.
type Pong struct {
	UDPPort uint16
}

func (*Pong) Opcode() Opcode { return OpPong }

func (m *Pong) appendBody(bs []byte) ([]byte, error) {
	return binary.LittleEndian.AppendUint16(bs, m.UDPPort), nil
}

// Unknown passes through any opcode without a dedicated type.
type Unknown struct {
	Code    Opcode
	Payload []byte
}

func (m *Unknown) Opcode() Opcode { return m.Code }

func (m *Unknown) appendBody(bs []byte) ([]byte, error) {
	if m.Code.handled() {
		return nil, fmt.Errorf("%w: opcode %v has a dedicated message type", errUnencodable, m.Code)
	}
	return append(bs, m.Payload...), nil
}

func appendContacts(bs []byte, cs []Contact) ([]byte, error) {
	for _, c := range cs {
		ip := c.IP.Unmap()
		if !ip.Is4() {
			return nil, fmt.Errorf("%w: contact address %v is not IPv4", errUnencodable, c.IP)
		}
		bs = c.NodeID.AppendWire(bs)
		a := ip.As4()
		bs = binary.LittleEndian.AppendUint32(bs, binary.BigEndian.Uint32(a[:]))
		bs = binary.LittleEndian.AppendUint16(bs, c.UDPPort)
		bs = binary.LittleEndian.AppendUint16(bs, c.TCPPort)
		bs = append(bs, c.Version)
	}
	return bs, nil
}
