// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2022, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sylog

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// messageLevel is the severity of a log line, ordered from least (Fatal) to
// most (Debug) verbose.
type messageLevel int

const (
	FatalLevel messageLevel = iota - 4
	ErrorLevel
	WarnLevel
	LogLevel
	InfoLevel
	VerboseLevel
	Verbose2Level
	Verbose3Level
	DebugLevel
)

func (l messageLevel) String() string {
	switch l {
	case FatalLevel:
		return "FATAL"
	case ErrorLevel:
		return "ERROR"
	case WarnLevel:
		return "WARNING"
	case LogLevel:
		return "LOG"
	case InfoLevel:
		return "INFO"
	case DebugLevel:
		return "DEBUG"
	default:
		return "VERBOSE"
	}
}

var messageColors = map[messageLevel]string{
	FatalLevel: "\x1b[31m",
	ErrorLevel: "\x1b[31m",
	WarnLevel:  "\x1b[33m",
	InfoLevel:  "\x1b[34m",
}

var (
	loggerLevel = InfoLevel
	logWriter   = io.Writer(os.Stderr)
)

func init() {
	if l, err := strconv.Atoi(os.Getenv("NVC_MESSAGELEVEL")); err == nil {
		loggerLevel = messageLevel(l)
	}
}

func prefix(msgLevel messageLevel) string {
	color, ok := messageColors[msgLevel]
	reset := "\x1b[0m"
	if !ok {
		color, reset = "", ""
	}
	return fmt.Sprintf("%s%-8s%s ", color, msgLevel.String()+":", reset)
}

func writef(msgLevel messageLevel, format string, a ...interface{}) {
	if loggerLevel < msgLevel {
		return
	}
	msg := strings.TrimRight(fmt.Sprintf(format, a...), "\n")
	fmt.Fprintf(logWriter, "%s%s\n", prefix(msgLevel), msg)
}

// Fatalf logs at FatalLevel and exits the process. Reserved for cmd/
// entrypoints and for the narrow internal/pkg/nvc rollback paths that are
// documented as process-fatal; everything else must return an error instead.
func Fatalf(format string, a ...interface{}) {
	writef(FatalLevel, format, a...)
	os.Exit(255)
}

// Errorf logs an ERROR level message. Call this when an error is about to be
// returned to the caller, not as a substitute for returning it.
func Errorf(format string, a ...interface{}) { writef(ErrorLevel, format, a...) }

// Warningf logs a WARNING level message.
func Warningf(format string, a ...interface{}) { writef(WarnLevel, format, a...) }

// Infof logs an INFO level message.
func Infof(format string, a ...interface{}) { writef(InfoLevel, format, a...) }

// Debugf logs a DEBUG level message.
func Debugf(format string, a ...interface{}) { writef(DebugLevel, format, a...) }

// SetLevel sets the logger's verbosity.
func SetLevel(l int) { loggerLevel = messageLevel(l) }

// GetLevel returns the logger's current verbosity.
func GetLevel() int { return int(loggerLevel) }

// SetWriter swaps the log destination, returning the previous one so tests
// can capture output and restore it afterwards.
func SetWriter(w io.Writer) io.Writer {
	old := logWriter
	if w != nil {
		logWriter = w
	}
	return old
}
