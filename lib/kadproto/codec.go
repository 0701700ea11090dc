// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package kadproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/klauspost/compress/zlib"
)

// MaxDecompressedSize bounds the inflated body of a packed datagram.
const MaxDecompressedSize = 64 << 10

// Framing tells whether a datagram body was sent as is or zlib compressed.
type Framing int

const (
	Unpacked Framing = iota
	Packed
)

func (f Framing) String() string {
	if f == Packed {
		return "packed"
	}
	return "unpacked"
}

// A Packet is a decoded datagram.
type Packet struct {
	Framing Framing
	Message Message
}

// Decode parses one datagram. The returned message does not reference bs.
// Empty contact lists, tag lists and payloads decode as nil, so a message
// encoded with empty non-nil slices comes back with nil ones.
func Decode(bs []byte) (Packet, error) {
	if len(bs) == 0 {
		return Packet{}, &CodecError{Kind: Truncated, Err: errors.New("empty datagram")}
	}

	var framing Framing
	switch bs[0] {
	case ProtoKademlia:
		framing = Unpacked
	case ProtoKademliaPacked:
		framing = Packed
	default:
		return Packet{}, &CodecError{Kind: Malformed, Err: fmt.Errorf("unsupported protocol byte 0x%02x", bs[0])}
	}

	if len(bs) < 2 {
		return Packet{}, &CodecError{Kind: Truncated, Err: errors.New("missing opcode")}
	}
	op := Opcode(bs[1])
	body := bs[2:]

	if framing == Packed {
		var err error
		body, err = inflate(op, body)
		if err != nil {
			return Packet{}, err
		}
	}

	msg, err := decodeBody(op, body)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Framing: framing, Message: msg}, nil
}

// Encode serializes m with the requested framing.
func Encode(m Message, framing Framing) ([]byte, error) {
	bs := []byte{ProtoKademlia, byte(m.Opcode())}
	bs, err := m.appendBody(bs)
	if err != nil {
		return nil, err
	}
	if framing == Packed {
		return Pack(bs)
	}
	return bs, nil
}

// Pack converts an unpacked datagram into its packed form.
func Pack(unpacked []byte) ([]byte, error) {
	if len(unpacked) < 2 || unpacked[0] != ProtoKademlia {
		return nil, errors.New("pack: not an unpacked kademlia datagram")
	}
	var buf bytes.Buffer
	buf.Write([]byte{ProtoKademliaPacked, unpacked[1]})
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(unpacked[2:]); err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}
	return buf.Bytes(), nil
}

func inflate(op Opcode, bs []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(bs))
	if err != nil {
		return nil, &CodecError{Kind: Decompress, Opcode: op, Err: err}
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, MaxDecompressedSize+1))
	if err != nil {
		return nil, &CodecError{Kind: Decompress, Opcode: op, Err: err}
	}
	if len(out) > MaxDecompressedSize {
		return nil, &CodecError{Kind: Decompress, Opcode: op, Err: fmt.Errorf("inflated body exceeds %d bytes", MaxDecompressedSize)}
	}
	return out, nil
}

func decodeBody(op Opcode, body []byte) (Message, error) {
	r := &reader{op: op, bs: body}
	var msg Message

	switch op {
	case OpBootstrapReq:
		msg = &BootstrapReq{}

	case OpBootstrapRes:
		m := &BootstrapRes{}
		m.NodeID = r.nodeID("node id")
		m.UDPPort = r.uint16("udp port")
		m.Version = r.uint8("version")
		m.Contacts = r.contacts(int(r.uint16("contact count")))
		msg = m

	case OpHelloReq:
		m := &HelloReq{}
		r.hello(&m.Hello)
		msg = m

	case OpHelloRes:
		m := &HelloRes{}
		r.hello(&m.Hello)
		msg = m

	case OpReq:
		m := &Req{}
		m.Type = r.uint8("type")
		m.Target = r.nodeID("target")
		m.Check = r.nodeID("check")
		msg = m

	case OpRes:
		m := &Res{}
		m.Target = r.nodeID("target")
		m.Contacts = r.contacts(int(r.uint8("contact count")))
		msg = m

	case OpPing:
		msg = &Ping{}

	case OpPong:
		msg = &Pong{UDPPort: r.uint16("udp port")}

	default:
		msg = &Unknown{Code: op, Payload: r.copyBytes(len(r.bs), "payload")}
	}

	if err := r.finish(); err != nil {
		return nil, err
	}
	return msg, nil
}

// reader consumes a message body. The first error sticks and turns every
// following read into a no-op returning zero values.
type reader struct {
	op  Opcode
	bs  []byte
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.bs) {
		r.fail(truncatedf(r.op, "%s: need %d bytes, have %d", what, n, len(r.bs)))
		return nil
	}
	bs := r.bs[:n]
	r.bs = r.bs[n:]
	return bs
}

func (r *reader) copyBytes(n int, what string) []byte {
	bs := r.take(n, what)
	if len(bs) == 0 {
		return nil
	}
	return append([]byte(nil), bs...)
}

func (r *reader) uint8(what string) uint8 {
	if bs := r.take(1, what); bs != nil {
		return bs[0]
	}
	return 0
}

func (r *reader) uint16(what string) uint16 {
	if bs := r.take(2, what); bs != nil {
		return binary.LittleEndian.Uint16(bs)
	}
	return 0
}

func (r *reader) uint32(what string) uint32 {
	if bs := r.take(4, what); bs != nil {
		return binary.LittleEndian.Uint32(bs)
	}
	return 0
}

func (r *reader) uint64(what string) uint64 {
	if bs := r.take(8, what); bs != nil {
		return binary.LittleEndian.Uint64(bs)
	}
	return 0
}

func (r *reader) nodeID(what string) NodeID {
	if bs := r.take(NodeIDLength, what); bs != nil {
		return NodeIDFromWire(bs)
	}
	return NodeID{}
}

func (r *reader) contacts(n int) []Contact {
	if r.err != nil || n == 0 {
		return nil
	}
	if n*ContactLength > len(r.bs) {
		r.fail(truncatedf(r.op, "%d contacts: need %d bytes, have %d", n, n*ContactLength, len(r.bs)))
		return nil
	}
	cs := make([]Contact, n)
	for i := range cs {
		cs[i].NodeID = r.nodeID("contact node id")
		var a [4]byte
		binary.BigEndian.PutUint32(a[:], r.uint32("contact ip"))
		cs[i].IP = netip.AddrFrom4(a)
		cs[i].UDPPort = r.uint16("contact udp port")
		cs[i].TCPPort = r.uint16("contact tcp port")
		cs[i].Version = r.uint8("contact version")
	}
	return cs
}

func (r *reader) hello(h *Hello) {
	h.NodeID = r.nodeID("node id")
	h.TCPPort = r.uint16("tcp port")
	h.Version = r.uint8("version")
	n := int(r.uint8("tag count"))
	for i := 0; i < n && r.err == nil; i++ {
		t := r.tag()
		if r.err == nil {
			h.Tags = append(h.Tags, t)
		}
	}
}

func (r *reader) finish() error {
	if r.err == nil && len(r.bs) > 0 {
		r.fail(malformedf(r.op, "%d trailing bytes", len(r.bs)))
	}
	return r.err
}
