// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package svcutil holds the glue between kadcrawl services and the suture
// supervisor tree: fatal errors carrying an exit status, and supervisor
// construction with the logging and timeouts every tree shares.
package svcutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/remule/kadcrawl/lib/logger"
)

// ServiceTimeout bounds how long a supervisor waits for a service to return
// after its context is cancelled.
const ServiceTimeout = 10 * time.Second

type ExitStatus int

const (
	ExitSuccess   ExitStatus = 0
	ExitError     ExitStatus = 1
	ExitNetwork   ExitStatus = 2
	ExitDatabase  ExitStatus = 3
	ExitBadConfig ExitStatus = 4
)

func (s ExitStatus) AsInt() int {
	return int(s)
}

func (s ExitStatus) String() string {
	switch s {
	case ExitSuccess:
		return "success"
	case ExitError:
		return "error"
	case ExitNetwork:
		return "network error"
	case ExitDatabase:
		return "database error"
	case ExitBadConfig:
		return "bad configuration"
	default:
		return fmt.Sprintf("exit status %d", int(s))
	}
}

// A FatalErr stops the supervisor tree it is returned into and carries the
// status the process should exit with.
type FatalErr struct {
	Err    error
	Status ExitStatus
}

// AsFatalErr wraps err with the given status. An error that already carries
// a FatalErr keeps its original status.
func AsFatalErr(err error, status ExitStatus) *FatalErr {
	var ferr *FatalErr
	if errors.As(err, &ferr) {
		return ferr
	}
	return &FatalErr{
		Err:    err,
		Status: status,
	}
}

func (e *FatalErr) Error() string {
	return e.Err.Error()
}

func (e *FatalErr) Unwrap() error {
	return e.Err
}

// Is makes a FatalErr terminate the suture tree when a service returns it.
func (e *FatalErr) Is(target error) bool {
	return target == suture.ErrTerminateSupervisorTree
}

// ExitStatusOf returns the exit status carried by err. A nil error or a
// cancelled context is a success, anything that is not a FatalErr is a plain
// error.
func ExitStatusOf(err error) ExitStatus {
	if err == nil || errors.Is(err, context.Canceled) {
		return ExitSuccess
	}
	var ferr *FatalErr
	if errors.As(err, &ferr) {
		return ferr.Status
	}
	return ExitError
}

// NewSupervisor returns a supervisor whose events are logged at info level.
func NewSupervisor(name string, l logger.Logger) *suture.Supervisor {
	return suture.New(name, spec(func(e suture.Event) { l.Infoln(e) }))
}

// Background runs svc in a supervisor tree of its own, detached from any
// caller context. The returned stop function cancels the tree and waits for
// it to wind down, returning what the tree returned. Services that must
// outlive the rest of the process, such as a queue that drains on shutdown,
// run this way.
func Background(name string, l logger.Logger, svc suture.Service) (stop func() error) {
	sup := suture.New(name, spec(func(e suture.Event) { l.Debugln(e) }))
	sup.Add(svc)
	ctx, cancel := context.WithCancel(context.Background())
	done := sup.ServeBackground(ctx)
	return func() error {
		cancel()
		err := <-done
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func spec(eventHook suture.EventHook) suture.Spec {
	return suture.Spec{
		EventHook:         eventHook,
		Timeout:           ServiceTimeout,
		PassThroughPanics: true,
	}
}
