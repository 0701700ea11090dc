// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

type ErrorKind int

const (
	// Unavailable: the write did not happen and may succeed if retried.
	Unavailable ErrorKind = iota + 1
	// Conflict: the store rejected the write; retrying will not help.
	Conflict
)

func (k ErrorKind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

var (
	ErrUnavailable = errors.New("store unavailable")
	ErrConflict    = errors.New("store conflict")
)

type PersistenceError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s (%v): %v", e.Op, e.Kind, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == Unavailable
	case ErrConflict:
		return e.Kind == Conflict
	}
	return false
}

// classify wraps err in a PersistenceError according to what SQLite says
// about it. Errors database/sql raises itself, such as argument count or
// conversion failures, are conflicts: the same statement fails the same way
// every time. Anything else is taken to be transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *PersistenceError
	if errors.As(err, &perr) {
		return err
	}

	kind := Unavailable
	var serr sqlite3.Error
	switch {
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, sql.ErrTxDone), errors.Is(err, driver.ErrBadConn):
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case errors.As(err, &serr):
		switch serr.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrError,
			sqlite3.ErrRange, sqlite3.ErrTooBig, sqlite3.ErrMisuse:
			kind = Conflict
		}
	case errors.Is(err, sql.ErrNoRows), strings.HasPrefix(err.Error(), "sql: "):
		kind = Conflict
	}
	return &PersistenceError{Kind: kind, Op: op, Err: err}
}
