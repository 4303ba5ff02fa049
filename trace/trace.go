// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

// Package trace provides a decorator for io.ReadWriter that logs all reads
// and writes, for diagnosing AT exchanges over the serial line.
package trace

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Trace is a trace log on an io.ReadWriter.
//
// All reads and writes are written to the logger.
type Trace struct {
	rw        io.ReadWriter
	l         Logger
	wfmt      string
	rfmt      string
	printable bool
}

// Logger defines the interface used to log trace messages.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Option modifies a Trace object created by New.
type Option func(*Trace)

// New creates a new trace on the io.ReadWriter.
func New(rw io.ReadWriter, options ...Option) *Trace {
	t := &Trace{
		rw:        rw,
		wfmt:      "w: %s",
		rfmt:      "r: %s",
		printable: true,
	}
	for _, option := range options {
		option(t)
	}
	if t.l == nil {
		t.l = log.StandardLogger()
	}
	return t
}

// WithReadFormat sets the format used for read logs.
func WithReadFormat(format string) Option {
	return func(t *Trace) {
		t.rfmt = format
	}
}

// WithWriteFormat sets the format used for write logs.
func WithWriteFormat(format string) Option {
	return func(t *Trace) {
		t.wfmt = format
	}
}

// WithLogger specifies the logger to be used to log trace messages.
//
// By default traces are logged through logrus.
func WithLogger(l Logger) Option {
	return func(t *Trace) {
		t.l = l
	}
}

// WithRawBytes disables the printable rendering of traced data.
func WithRawBytes(t *Trace) {
	t.printable = false
}

// Printable renders traced bytes with control characters made visible, so
// the line terminators in an AT exchange can be distinguished in the log.
func Printable(data []byte) string {
	var b strings.Builder
	for _, c := range data {
		switch {
		case c == '\r':
			b.WriteString("<cr>")
		case c == '\n':
			b.WriteString("<lf>")
		case c < 0x20 || c > 0x7e:
			fmt.Fprintf(&b, "<%02x>", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (t *Trace) Read(p []byte) (n int, err error) {
	n, err = t.rw.Read(p)
	if n > 0 {
		t.log(t.rfmt, p[:n])
	}
	return n, err
}

func (t *Trace) Write(p []byte) (n int, err error) {
	n, err = t.rw.Write(p)
	if n > 0 {
		t.log(t.wfmt, p[:n])
	}
	return n, err
}

func (t *Trace) log(format string, data []byte) {
	if t.printable {
		t.l.Printf(format, Printable(data))
		return
	}
	t.l.Printf(format, data)
}
