// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package kadproto

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// NodeIDLength is the size of a Kad node ID in bytes.
const NodeIDLength = 16

// A NodeID is the 128 bit Kad identifier a node claims for itself. The bytes
// are held most significant first; on the wire the value is little endian.
// Several addresses may claim the same NodeID.
type NodeID [NodeIDLength]byte

var EmptyNodeID NodeID

// NewRandomNodeID returns a NodeID from the system random source.
func NewRandomNodeID() NodeID {
	var n NodeID
	if _, err := rand.Read(n[:]); err != nil {
		panic("random: " + err.Error())
	}
	return n
}

func NodeIDFromString(s string) (NodeID, error) {
	var n NodeID
	err := n.UnmarshalText([]byte(s))
	return n, err
}

// NodeIDFromWire interprets 16 little endian bytes as a NodeID.
func NodeIDFromWire(bs []byte) NodeID {
	var n NodeID
	if len(bs) != NodeIDLength {
		panic("incorrect length of byte slice representing node ID")
	}
	for i := range n {
		n[NodeIDLength-1-i] = bs[i]
	}
	return n
}

// AppendWire appends the little endian wire form of the ID to bs.
func (n NodeID) AppendWire(bs []byte) []byte {
	for i := NodeIDLength - 1; i >= 0; i-- {
		bs = append(bs, n[i])
	}
	return bs
}

// String returns the ID as 32 hex digits, most significant first.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

func (n NodeID) GoString() string {
	return n.String()
}

func (n NodeID) IsEmpty() bool {
	return n == EmptyNodeID
}

func (n NodeID) Compare(other NodeID) int {
	return bytes.Compare(n[:], other[:])
}

func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *NodeID) UnmarshalText(bs []byte) error {
	if len(bs) != 2*NodeIDLength {
		return errors.New("node ID invalid: incorrect length")
	}
	_, err := hex.Decode(n[:], bs)
	return err
}
