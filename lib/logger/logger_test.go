// Copyright (C) 2014 Jakob Borg. All rights reserved. Use of this source code
// is governed by an MIT-style license that can be found in the LICENSE file.

package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "")
	l.SetFlags(0)
	f := l.NewFacility("store", "")

	l.Debugf("test %d", 0)
	l.Infoln("test", 1)
	f.Warnf("test %d", 2)
	f.Debugln("hidden")

	want := "DEBUG: test 0\nINFO: test 1\nWARNING: [store] test 2\n"
	if got := buf.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSetFlagsSurvivesFacilities(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "")
	l.SetFlags(0)
	l.NewFacility("crawler", "")
	l.SetDebug("store", false)

	l.Infoln("plain")
	if got := buf.String(); got != "INFO: plain\n" {
		t.Errorf("flags were reset: %q", got)
	}
}

func TestEnableDebug(t *testing.T) {
	l := newLogger(&bytes.Buffer{}, "")
	l.NewFacility("crawler", "")
	l.NewFacility("store", "")

	if err := l.EnableDebug([]string{"crawler", "nope"}); err == nil || !strings.Contains(err.Error(), "crawler, store") {
		t.Fatalf("unexpected error %v", err)
	}
	if l.ShouldDebug("crawler") {
		t.Error("a failed EnableDebug should not change anything")
	}

	if err := l.EnableDebug([]string{"store"}); err != nil {
		t.Fatal(err)
	}
	if !l.ShouldDebug("store") || l.ShouldDebug("crawler") {
		t.Error("only store should be debugging")
	}

	if err := l.EnableDebug([]string{"all"}); err != nil {
		t.Fatal(err)
	}
	if !l.ShouldDebug("crawler") {
		t.Error("all should enable every facility")
	}

	l.SetDebug("crawler", false)
	l.SetDebug("store", false)
	if flags := l.logger.Flags(); flags != DefaultFlags {
		t.Errorf("flags %x != default %x once nothing debugs", flags, DefaultFlags)
	}
}

func TestFacilityDebugging(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "f0, f2")

	f0 := l.NewFacility("f0", "foo#0")
	f1 := l.NewFacility("f1", "foo#1")

	f0.Debugln("debug line from f0")
	f1.Debugln("debug line from f1")

	out := buf.String()
	if !strings.Contains(out, "debug line from f0") {
		t.Error("missing traced debug line")
	}
	if strings.Contains(out, "debug line from f1") {
		t.Error("untraced facility logged a debug line")
	}

	if descr := l.Facilities()["f1"]; descr != "foo#1" {
		t.Errorf("facility description %q != foo#1", descr)
	}

	l.SetDebug("f1", true)
	f1.Debugf("now %s", "visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("debug line missing after SetDebug")
	}
}

func TestTraceAll(t *testing.T) {
	l := newLogger(&bytes.Buffer{}, "x,all")
	l.NewFacility("anything", "")
	if !l.ShouldDebug("anything") {
		t.Error("all should enable every facility")
	}
}

func TestControlStripper(t *testing.T) {
	var buf bytes.Buffer
	w := controlStripper{&buf}
	if _, err := w.Write([]byte("a\x1bb\tc\n")); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "a b c\n" {
		t.Errorf("got %q", got)
	}
}
