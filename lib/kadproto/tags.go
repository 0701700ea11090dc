// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package kadproto

import (
	"encoding/binary"
	"fmt"
	"math"
)

type TagType uint8

const (
	TagHash      TagType = 0x01
	TagString    TagType = 0x02
	TagUint32    TagType = 0x03
	TagFloat32   TagType = 0x04
	TagBool      TagType = 0x05
	TagBoolArray TagType = 0x06 // never decoded
	TagBlob      TagType = 0x07
	TagUint16    TagType = 0x08
	TagUint8     TagType = 0x09
	TagBsob      TagType = 0x0A
	TagUint64    TagType = 0x0B
)

// Single byte tag names used in hello messages.
const (
	TagNameSourceUDPPort  = 0xFC
	TagNameKadMiscOptions = 0xF3
)

// A Tag is one typed key/value pair from a tag list. Integer and bool
// values live in Num, TagFloat32 in Float, and the byte carrying types
// (hash, string, blob, bsob) in Bytes. Encoding fails when Num does not fit
// the width of the type.
type Tag struct {
	Type  TagType
	Name  []byte
	Num   uint64
	Float float32
	Bytes []byte
}

func NewUint16Tag(name byte, v uint16) Tag {
	return Tag{Type: TagUint16, Name: []byte{name}, Num: uint64(v)}
}

func NewUint8Tag(name byte, v uint8) Tag {
	return Tag{Type: TagUint8, Name: []byte{name}, Num: uint64(v)}
}

func (t Tag) String() string {
	switch t.Type {
	case TagFloat32:
		return fmt.Sprintf("%x=%v", t.Name, t.Float)
	case TagHash, TagBlob, TagBsob:
		return fmt.Sprintf("%x=%x", t.Name, t.Bytes)
	case TagString:
		return fmt.Sprintf("%x=%q", t.Name, t.Bytes)
	default:
		return fmt.Sprintf("%x=%d", t.Name, t.Num)
	}
}

func (t Tag) appendTo(bs []byte) ([]byte, error) {
	if len(t.Name) > 0xffff {
		return nil, fmt.Errorf("%w: tag name of %d bytes", errUnencodable, len(t.Name))
	}
	bs = append(bs, byte(t.Type))
	bs = binary.LittleEndian.AppendUint16(bs, uint16(len(t.Name)))
	bs = append(bs, t.Name...)

	switch t.Type {
	case TagHash:
		if len(t.Bytes) != 16 {
			return nil, fmt.Errorf("%w: hash tag of %d bytes", errUnencodable, len(t.Bytes))
		}
		bs = append(bs, t.Bytes...)
	case TagString:
		if len(t.Bytes) > 0xffff {
			return nil, fmt.Errorf("%w: string tag of %d bytes", errUnencodable, len(t.Bytes))
		}
		bs = binary.LittleEndian.AppendUint16(bs, uint16(len(t.Bytes)))
		bs = append(bs, t.Bytes...)
	case TagBlob:
		bs = binary.LittleEndian.AppendUint32(bs, uint32(len(t.Bytes)))
		bs = append(bs, t.Bytes...)
	case TagBsob:
		if len(t.Bytes) > 0xff {
			return nil, fmt.Errorf("%w: bsob tag of %d bytes", errUnencodable, len(t.Bytes))
		}
		bs = append(bs, uint8(len(t.Bytes)))
		bs = append(bs, t.Bytes...)
	case TagUint8, TagBool:
		if t.Num > math.MaxUint8 {
			return nil, fmt.Errorf("%w: value %d in 8 bit tag", errUnencodable, t.Num)
		}
		bs = append(bs, uint8(t.Num))
	case TagUint16:
		if t.Num > math.MaxUint16 {
			return nil, fmt.Errorf("%w: value %d in 16 bit tag", errUnencodable, t.Num)
		}
		bs = binary.LittleEndian.AppendUint16(bs, uint16(t.Num))
	case TagUint32:
		if t.Num > math.MaxUint32 {
			return nil, fmt.Errorf("%w: value %d in 32 bit tag", errUnencodable, t.Num)
		}
		bs = binary.LittleEndian.AppendUint32(bs, uint32(t.Num))
	case TagUint64:
		bs = binary.LittleEndian.AppendUint64(bs, t.Num)
	case TagFloat32:
		bs = binary.LittleEndian.AppendUint32(bs, math.Float32bits(t.Float))
	default:
		return nil, fmt.Errorf("%w: tag type 0x%02x", errUnencodable, uint8(t.Type))
	}
	return bs, nil
}

func (r *reader) tag() Tag {
	var t Tag
	t.Type = TagType(r.uint8("tag type"))
	t.Name = r.copyBytes(int(r.uint16("tag name length")), "tag name")

	switch t.Type {
	case TagHash:
		t.Bytes = r.copyBytes(16, "hash tag")
	case TagString:
		t.Bytes = r.copyBytes(int(r.uint16("string tag length")), "string tag")
	case TagBlob:
		t.Bytes = r.copyBytes(int(r.uint32("blob tag length")), "blob tag")
	case TagBsob:
		t.Bytes = r.copyBytes(int(r.uint8("bsob tag length")), "bsob tag")
	case TagUint8, TagBool:
		t.Num = uint64(r.uint8("uint8 tag"))
	case TagUint16:
		t.Num = uint64(r.uint16("uint16 tag"))
	case TagUint32:
		t.Num = uint64(r.uint32("uint32 tag"))
	case TagUint64:
		t.Num = r.uint64("uint64 tag")
	case TagFloat32:
		t.Float = math.Float32frombits(r.uint32("float tag"))
	default:
		r.fail(malformedf(r.op, "unsupported tag type 0x%02x", uint8(t.Type)))
	}
	return t
}
