// Copyright (C) 2019 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package build

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestAllowedVersions(t *testing.T) {
	testcases := []struct {
		ver     string
		allowed bool
	}{
		{"v0.1.0", true},
		{"v0.1.11+22-gabcdef0", true},
		{"v0.2.0-beta0", true},
		{"v0.2.0-beta.47+1-gabcdef0", true},
		{"v0.2.0-some-weird-but-allowed-tag", true},
		{"v0.2.0+not.allowed.to.do.this", false},
		{"0.2.0", false},
		{"(devel)", false},
	}

	for i, c := range testcases {
		if allowed := AllowedVersionExp.MatchString(c.ver); allowed != c.allowed {
			t.Errorf("%d: incorrect result %v != %v for %q", i, allowed, c.allowed, c.ver)
		}
	}
}

func TestLongVersion(t *testing.T) {
	oldVersion, oldStamp := Version, Stamp
	defer func() {
		Version, Stamp = oldVersion, oldStamp
		setBuildData()
	}()

	Version = "v1.2.3"
	Stamp = "1700000000"
	setBuildData()

	if !IsRelease {
		t.Error("v1.2.3 should be a release")
	}
	if !strings.HasPrefix(LongVersion, "kadcrawl v1.2.3 (go") {
		t.Errorf("unexpected long version %q", LongVersion)
	}
	if !strings.Contains(LongVersion, "2023-11-14 22:13:20 UTC") {
		t.Errorf("long version %q lacks the build date", LongVersion)
	}

	Version = "v1.2.3-rc.1"
	setBuildData()
	if IsRelease {
		t.Error("release candidate should not be a release")
	}
}

func TestFromBuildInfo(t *testing.T) {
	oldVersion, oldStamp, oldCommit := Version, Stamp, Commit
	defer func() {
		Version, Stamp, Commit = oldVersion, oldStamp, oldCommit
		setBuildData()
	}()

	Version, Stamp, Commit = "unknown-dev", "0", ""
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2023-11-14T22:13:20Z"},
		},
	}
	fromBuildInfo(bi)

	if Version != "v0.3.1" || Commit != "01234567" || Stamp != "1700000000" {
		t.Errorf("got version %q commit %q stamp %q", Version, Commit, Stamp)
	}

	Version = "v1.0.0"
	bi.Main.Version = "(devel)"
	fromBuildInfo(bi)
	if Version != "v1.0.0" {
		t.Error("linker supplied version should win")
	}
}
