// Copyright (C) 2019 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package build carries the version information injected at link time.
package build

import (
	"fmt"
	"log"
	"regexp"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"
)

var (
	// Injected by build script
	Version = "unknown-dev"
	Host    = "unknown"
	User    = "unknown"
	Stamp   = "0"
	Commit  = ""

	// Set by init()
	Date        time.Time
	IsRelease   bool
	LongVersion string

	AllowedVersionExp = regexp.MustCompile(`^v\d+\.\d+\.\d+(-[a-z0-9]+)*(\.\d+)*(\+\d+-g[0-9a-f]+)?(-[^\s]+)?$`)
	releaseExp        = regexp.MustCompile(`^v\d+\.\d+\.\d+$`)
)

func init() {
	if Version != "unknown-dev" && !AllowedVersionExp.MatchString(Version) {
		log.Fatalf("Invalid version string %q;\n\tdoes not match regexp %v", Version, AllowedVersionExp)
	}
	setBuildData()
}

func setBuildData() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		fromBuildInfo(bi)
	}
	IsRelease = releaseExp.MatchString(Version)

	stamp, _ := strconv.Atoi(Stamp)
	Date = time.Unix(int64(stamp), 0)

	date := Date.UTC().Format("2006-01-02 15:04:05 MST")
	LongVersion = fmt.Sprintf(`kadcrawl %s (%s %s-%s) %s@%s %s`, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH, User, Host, date)
	if Commit != "" {
		LongVersion += " " + Commit
	}
}

// fromBuildInfo fills in what the linker flags left unset. go install
// builds carry the module version, source tree builds the VCS revision.
func fromBuildInfo(bi *debug.BuildInfo) {
	if Version == "unknown-dev" && AllowedVersionExp.MatchString(bi.Main.Version) {
		Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if Commit == "" && len(s.Value) >= 8 {
				Commit = s.Value[:8]
			}
		case "vcs.time":
			if Stamp == "0" {
				if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
					Stamp = strconv.FormatInt(t.Unix(), 10)
				}
			}
		}
	}
}
