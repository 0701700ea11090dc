// Copyright (C) 2014 Jakob Borg. All rights reserved. Use of this source code
// is governed by an MIT-style license that can be found in the LICENSE file.

// Package logger implements a leveled logger with per facility debugging.
// Debug output for a facility is enabled through the KADTRACE environment
// variable or at runtime with SetDebug and EnableDebug.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	NumLevels
)

func (l LogLevel) prefix() string {
	switch l {
	case LevelDebug:
		return "DEBUG: "
	case LevelInfo:
		return "INFO: "
	default:
		return "WARNING: "
	}
}

const (
	DefaultFlags = log.Ltime | log.Ldate
	DebugFlags   = log.Ltime | log.Ldate | log.Lmicroseconds | log.Lshortfile
)

// TraceEnv names the environment variable listing facilities to debug,
// separated by commas or spaces. "all" enables every facility.
const TraceEnv = "KADTRACE"

type Logger interface {
	SetFlags(flag int)
	Debugln(vals ...interface{})
	Debugf(format string, vals ...interface{})
	Infoln(vals ...interface{})
	Infof(format string, vals ...interface{})
	Warnln(vals ...interface{})
	Warnf(format string, vals ...interface{})
	ShouldDebug(facility string) bool
	SetDebug(facility string, enabled bool)
	EnableDebug(facilities []string) error
	Facilities() map[string]string
	NewFacility(facility, description string) Logger
}

type facility struct {
	descr string
	debug bool
}

type logger struct {
	logger     *log.Logger
	facilities map[string]*facility
	traceAll   bool
	traces     []string // sorted
	mut        sync.Mutex
}

// DefaultLogger logs to standard output with a time prefix.
var DefaultLogger = New()

func New() Logger {
	if os.Getenv("LOGGER_DISCARD") != "" {
		// Benchmarks and noisy tests.
		return newLogger(io.Discard, "")
	}
	return newLogger(controlStripper{os.Stdout}, os.Getenv(TraceEnv))
}

func newLogger(w io.Writer, trace string) *logger {
	traces := splitList(trace)
	all := slices.Contains(traces, "all")
	slices.Sort(traces)
	return &logger{
		logger:     log.New(w, "", DefaultFlags),
		facilities: make(map[string]*facility),
		traceAll:   all,
		traces:     traces,
	}
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(",; ", r)
	})
}

func (l *logger) SetFlags(flag int) {
	l.logger.SetFlags(flag)
}

// output writes one line. The tag, when set, names the facility that
// produced it.
func (l *logger) output(calldepth int, level LogLevel, tag, s string) {
	if tag != "" {
		s = "[" + tag + "] " + s
	}
	l.mut.Lock()
	defer l.mut.Unlock()
	l.logger.Output(calldepth+1, level.prefix()+s)
}

func (l *logger) Debugln(vals ...interface{}) {
	l.output(2, LevelDebug, "", fmt.Sprintln(vals...))
}

func (l *logger) Debugf(format string, vals ...interface{}) {
	l.output(2, LevelDebug, "", fmt.Sprintf(format, vals...))
}

func (l *logger) Infoln(vals ...interface{}) {
	l.output(2, LevelInfo, "", fmt.Sprintln(vals...))
}

func (l *logger) Infof(format string, vals ...interface{}) {
	l.output(2, LevelInfo, "", fmt.Sprintf(format, vals...))
}

func (l *logger) Warnln(vals ...interface{}) {
	l.output(2, LevelWarn, "", fmt.Sprintln(vals...))
}

func (l *logger) Warnf(format string, vals ...interface{}) {
	l.output(2, LevelWarn, "", fmt.Sprintf(format, vals...))
}

// ShouldDebug returns true if the given facility has debugging enabled.
func (l *logger) ShouldDebug(name string) bool {
	l.mut.Lock()
	defer l.mut.Unlock()
	f, ok := l.facilities[name]
	return ok && f.debug
}

// SetDebug enables or disables debugging for the given facility name.
// Turning debugging on switches to the more detailed time stamps, turning
// the last one off switches back.
func (l *logger) SetDebug(name string, enabled bool) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.setDebugLocked(name, enabled)
}

func (l *logger) setDebugLocked(name string, enabled bool) {
	f, ok := l.facilities[name]
	if !ok {
		f = &facility{}
		l.facilities[name] = f
	}
	if f.debug == enabled {
		return
	}
	f.debug = enabled

	if enabled {
		l.logger.SetFlags(DebugFlags)
		return
	}
	for _, f := range l.facilities {
		if f.debug {
			return
		}
	}
	l.logger.SetFlags(DefaultFlags)
}

// EnableDebug turns on debugging for each named facility, or for all of
// them if the list contains "all". Unknown names are an error and leave the
// settings untouched.
func (l *logger) EnableDebug(names []string) error {
	l.mut.Lock()
	defer l.mut.Unlock()

	if slices.Contains(names, "all") {
		for name := range l.facilities {
			l.setDebugLocked(name, true)
		}
		return nil
	}
	for _, name := range names {
		if _, ok := l.facilities[name]; !ok {
			known := make([]string, 0, len(l.facilities))
			for name := range l.facilities {
				known = append(known, name)
			}
			slices.Sort(known)
			return fmt.Errorf("unknown debug facility %q (have %s)", name, strings.Join(known, ", "))
		}
	}
	for _, name := range names {
		l.setDebugLocked(name, true)
	}
	return nil
}

func (l *logger) isTraced(name string) bool {
	if l.traceAll {
		return true
	}
	_, found := slices.BinarySearch(l.traces, name)
	return found
}

// Facilities returns the currently known set of facilities and their
// descriptions.
func (l *logger) Facilities() map[string]string {
	l.mut.Lock()
	defer l.mut.Unlock()
	res := make(map[string]string, len(l.facilities))
	for name, f := range l.facilities {
		res[name] = f.descr
	}
	return res
}

// NewFacility returns a new logger bound to the named facility. Its debug
// state starts out as given by the trace environment.
func (l *logger) NewFacility(name, description string) Logger {
	l.mut.Lock()
	l.setDebugLocked(name, l.isTraced(name))
	l.facilities[name].descr = description
	l.mut.Unlock()

	return &facilityLogger{
		logger: l,
		name:   name,
	}
}

// A facilityLogger tags its lines with the facility name. Debug lines are
// dropped unless debugging is enabled for the facility.
type facilityLogger struct {
	*logger
	name string
}

func (l *facilityLogger) Debugln(vals ...interface{}) {
	if !l.ShouldDebug(l.name) {
		return
	}
	l.output(2, LevelDebug, l.name, fmt.Sprintln(vals...))
}

func (l *facilityLogger) Debugf(format string, vals ...interface{}) {
	if !l.ShouldDebug(l.name) {
		return
	}
	l.output(2, LevelDebug, l.name, fmt.Sprintf(format, vals...))
}

func (l *facilityLogger) Infoln(vals ...interface{}) {
	l.output(2, LevelInfo, l.name, fmt.Sprintln(vals...))
}

func (l *facilityLogger) Infof(format string, vals ...interface{}) {
	l.output(2, LevelInfo, l.name, fmt.Sprintf(format, vals...))
}

func (l *facilityLogger) Warnln(vals ...interface{}) {
	l.output(2, LevelWarn, l.name, fmt.Sprintln(vals...))
}

func (l *facilityLogger) Warnf(format string, vals ...interface{}) {
	l.output(2, LevelWarn, l.name, fmt.Sprintf(format, vals...))
}

// controlStripper replaces control characters other than line breaks with
// spaces. Strings received from peers end up in log lines.
type controlStripper struct {
	io.Writer
}

func (s controlStripper) Write(data []byte) (int, error) {
	for i, b := range data {
		if b != '\n' && b != '\r' && b < 32 {
			data[i] = ' '
		}
	}
	return s.Writer.Write(data)
}
