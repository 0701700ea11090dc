// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package automaxprocs sets GOMAXPROCS to match the container CPU quota
// when imported.
package automaxprocs

import (
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/remule/kadcrawl/lib/logger"
)

var l = logger.DefaultLogger.NewFacility("procs", "GOMAXPROCS tuning")

func init() {
	if _, err := maxprocs.Set(maxprocs.Logger(l.Debugf)); err != nil {
		l.Warnln("Setting GOMAXPROCS:", err)
	}
}
