// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package kadproto

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a datagram could not be decoded.
type ErrorKind int

const (
	// Truncated: the datagram is shorter than its declared fields.
	Truncated ErrorKind = iota + 1
	// Malformed: the bytes are present but structurally invalid.
	Malformed
	// Decompress: the packed payload could not be inflated.
	Decompress
)

func (k ErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case Malformed:
		return "malformed"
	case Decompress:
		return "decompress"
	default:
		return "unknown"
	}
}

var (
	ErrTruncated  = errors.New("truncated datagram")
	ErrMalformed  = errors.New("malformed datagram")
	ErrDecompress = errors.New("decompression failed")

	errUnencodable = errors.New("message cannot be encoded")
)

// A CodecError is returned for every datagram that fails to decode. It
// matches the sentinel of its kind with errors.Is.
type CodecError struct {
	Kind   ErrorKind
	Opcode Opcode
	Err    error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%v %v: %v", e.Kind, e.Opcode, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

func (e *CodecError) Is(target error) bool {
	switch target {
	case ErrTruncated:
		return e.Kind == Truncated
	case ErrMalformed:
		return e.Kind == Malformed
	case ErrDecompress:
		return e.Kind == Decompress
	}
	return false
}

// KindOf returns the ErrorKind of a codec error, or zero for anything else.
func KindOf(err error) ErrorKind {
	var cerr *CodecError
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return 0
}

func truncatedf(op Opcode, format string, args ...interface{}) error {
	return &CodecError{Kind: Truncated, Opcode: op, Err: fmt.Errorf(format, args...)}
}

func malformedf(op Opcode, format string, args ...interface{}) error {
	return &CodecError{Kind: Malformed, Opcode: op, Err: fmt.Errorf(format, args...)}
}
