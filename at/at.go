// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

// Package at provides the transaction engine for AT-controlled IDP satellite
// modems.
//
// The engine multiplexes solicited command/response exchanges and unsolicited
// line reception over one half-duplex serial channel. The modem executes a
// single command at a time, so all submissions funnel through a FIFO
// scheduler with a low-priority background lane for periodic status polls.
// Lines received while a transaction is in flight belong to that transaction;
// all other lines are classified as unsolicited events and delivered to
// subscribers.
//
// The AT closes the Closed channel when the connection to the underlying
// modem is broken (read failure or EOF). When closed, all pending and future
// submissions resolve with the transport failure and the state of the modem
// becomes unknown. Once closed the AT cannot be re-opened - it must be
// recreated.
package at

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Inmarsat/idpmodem/crc16"
	"github.com/pkg/errors"
)

// maxLineLen bounds a single response line. Longer lines indicate binary
// noise or a framing fault and close the engine.
const maxLineLen = 32 * 1024

var (
	// ErrClosed indicates an operation cannot be performed as the modem
	// has been closed.
	ErrClosed = errors.New("closed")

	// ErrTimeout indicates no terminal token arrived within the command
	// deadline, after exhausting the retry budget.
	ErrTimeout = errors.New("command timed out")

	// ErrCancelled indicates the submission was cancelled by the caller.
	ErrCancelled = errors.New("cancelled")

	// ErrMalformedResponse indicates the response did not match the
	// command's expected shape.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrCRCMismatch indicates a response failed its CRC check. Presumed
	// line corruption, so the attempt is retried within the command's
	// budget.
	ErrCRCMismatch = errors.New("response CRC mismatch")

	// ErrCRCConfig indicates a CRC trailer arrived while CRC mode was
	// off, or a response carried no trailer while it was on. The engine
	// and device disagree on the checksum setting.
	ErrCRCConfig = errors.New("CRC configuration mismatch")
)

// errLinesClosed signals within the engine that the line channel closed
// mid-transaction. It is never returned to callers.
var errLinesClosed = errors.New("lines closed")

// AT represents a modem that can be managed using AT commands.
//
// Commands are issued with Submit or Command, and unsolicited output is
// received through Subscribe.
type AT struct {
	// the underlying modem
	modem io.ReadWriter

	dialect    Dialect
	defTimeout time.Duration
	defRetries int

	// queue of submissions awaiting the engine
	q *queue

	// lines read from the modem
	lines chan string

	// closed when the engine shuts down
	closed chan struct{}

	// read failure that caused the shutdown
	causeMu sync.Mutex
	cause   error

	crcMu sync.Mutex
	crc   bool

	// registered event subscribers
	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Option is a construction option for an AT.
type Option func(*AT)

// WithDialect replaces the default IDP dialect table.
func WithDialect(d Dialect) Option {
	return func(a *AT) {
		a.dialect = d
	}
}

// WithTimeout sets the default response deadline for commands that do not
// carry their own.
//
// The default is 5 seconds.
func WithTimeout(d time.Duration) Option {
	return func(a *AT) {
		a.defTimeout = d
	}
}

// WithRetries sets the default retry budget for commands that do not carry
// their own.
//
// The default is 0 - a single attempt.
func WithRetries(n int) Option {
	return func(a *AT) {
		a.defRetries = n
	}
}

// WithCRC starts the engine with CRC'd command mode enabled, for devices
// already configured to checksum their serial traffic.
func WithCRC(a *AT) {
	a.crc = true
}

// New creates a new AT engine on the modem.
func New(modem io.ReadWriter, options ...Option) *AT {
	a := &AT{
		modem:      modem,
		dialect:    IDP(),
		defTimeout: 5 * time.Second,
		q:          newQueue(),
		lines:      make(chan string),
		closed:     make(chan struct{}),
		subs:       make(map[*Subscription]struct{}),
	}
	for _, option := range options {
		option(a)
	}
	go a.lineReader()
	go a.run()
	return a
}

// Closed returns a channel which will block while the modem is not closed.
func (a *AT) Closed() <-chan struct{} {
	return a.closed
}

// Dialect returns the dialect table the engine was built with.
func (a *AT) Dialect() Dialect {
	return a.dialect
}

// CRC reports whether CRC'd command mode is active.
func (a *AT) CRC() bool {
	a.crcMu.Lock()
	defer a.crcMu.Unlock()
	return a.crc
}

// SetCRC toggles CRC'd command mode, to be called after the device setting
// has been changed.
func (a *AT) SetCRC(enabled bool) {
	a.crcMu.Lock()
	a.crc = enabled
	a.crcMu.Unlock()
}

// Submit queues the command and returns the handle through which the result
// is awaited or the submission cancelled.
func (a *AT) Submit(cmd Command) (*Pending, error) {
	select {
	case <-a.closed:
		return nil, a.closeErr()
	default:
	}
	p := newPending(cmd, a.q)
	a.q.push(p)
	return p, nil
}

// Command submits the command and waits for its result.
//
// The command should NOT include the AT prefix, nor the terminator, which
// are added automatically. The return value includes the info lines returned
// by the modem between the command and the status line, or an error if the
// command did not complete successfully. If the context is done first the
// submission is cancelled and the context error returned.
func (a *AT) Command(ctx context.Context, cmd Command) ([]string, error) {
	p, err := a.Submit(cmd)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// lineReader drains the transport and segments it into lines, buffering any
// partial trailing line across reads.
//
// Exits when the transport reports an error or closes, recording the cause
// and closing the line channel to shut the engine down.
func (a *AT) lineReader() {
	scanner := bufio.NewScanner(a.modem)
	scanner.Buffer(make([]byte, 4096), maxLineLen)
	scanner.Split(scanLines)
	for scanner.Scan() {
		a.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		a.causeMu.Lock()
		a.cause = err
		a.causeMu.Unlock()
	}
	close(a.lines)
}

// scanLines splits on any combination of carriage returns and line feeds.
// The modem terminates echo with a bare CR and framed responses with CRLF,
// so both terminators count; empty tokens are skipped by the consumer.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// closeErr returns the error submissions resolve with once the engine has
// closed - the recorded transport failure, or ErrClosed on a clean EOF.
func (a *AT) closeErr() error {
	a.causeMu.Lock()
	defer a.causeMu.Unlock()
	if a.cause != nil {
		return errors.Wrap(a.cause, "transport")
	}
	return ErrClosed
}

// run is the engine goroutine. It is a two-state demultiplexer keyed on
// transaction state: idle, received lines are classified as unsolicited
// events; during a transaction, all lines belong to the transaction.
//
// It is the only goroutine that writes to the transport.
func (a *AT) run() {
	defer close(a.closed)
	defer a.closeSubs()
	for {
		if p := a.q.pop(); p != nil {
			if !a.execute(p) {
				a.q.drain(a.closeErr())
				return
			}
			continue
		}
		select {
		case <-a.q.ready:
		case line, ok := <-a.lines:
			if !ok {
				a.q.drain(a.closeErr())
				return
			}
			if line = strings.TrimSpace(line); line != "" {
				a.dispatch(line)
			}
		}
	}
}

// execute runs the transaction for one queue entry, re-issuing the command
// on timeout or CRC corruption until the retry budget is spent.
//
// Returns false if the transport closed during the transaction, so the
// engine can shut down instead of issuing further writes.
func (a *AT) execute(p *Pending) bool {
	if p.cancelRequested() {
		p.resolve(nil, ErrCancelled)
		return true
	}
	timeout := p.cmd.Timeout
	if timeout <= 0 {
		timeout = a.defTimeout
	}
	retries := p.cmd.Retries
	if retries == 0 {
		retries = a.defRetries
	}
	var info []string
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		info, err = a.attempt(p, timeout)
		if err == errLinesClosed {
			p.resolve(nil, a.closeErr())
			return false
		}
		if err != ErrTimeout && err != ErrCRCMismatch {
			break
		}
	}
	p.resolve(info, err)
	return true
}

// attempt performs a single send/await cycle for the transaction.
//
// It writes the command bytes exactly once and then only reads, collecting
// info lines until a terminal token, the deadline, or engine closure. An
// abandonment request (in-flight cancel) is honoured at the end of the
// response, after the lines have been drained, so they cannot leak into the
// next transaction.
func (a *AT) attempt(p *Pending, timeout time.Duration) ([]string, error) {
	crc := a.CRC()
	sent := "AT" + p.cmd.Cmd
	if crc {
		sent = crc16.Sign(sent)
	}
	if _, err := a.modem.Write([]byte(sent + a.dialect.WriteTerm)); err != nil {
		return nil, errors.Wrap(err, "transport write")
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var body []string
	echoPending := true
	for {
		select {
		case line, ok := <-a.lines:
			if !ok {
				return nil, errLinesClosed
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if echoPending && line == sent {
				// local echo of the command - discard
				echoPending = false
				continue
			}
			lt, code := a.dialect.classify(line)
			switch lt {
			case rxlStatusOK, rxlStatusError:
				if crc {
					// not terminal in CRC mode - the
					// trailer line concludes the response
					body = append(body, line)
					continue
				}
				if lt == rxlStatusError && a.trailerFollows() {
					return nil, ErrCRCConfig
				}
				return a.conclude(p, body, lt, code)
			case rxlCRC:
				if !crc {
					return nil, ErrCRCConfig
				}
				if !crc16.Validate(strings.Join(body, ""), line[1:]) {
					return nil, ErrCRCMismatch
				}
				return a.concludeCRC(p, body)
			default:
				body = append(body, line)
			}
		case <-timer.C:
			if p.cancelRequested() {
				return nil, ErrCancelled
			}
			return nil, ErrTimeout
		}
	}
}

// crcGrace is how long after an unexpected error status the engine watches
// for a CRC trailer before concluding the device rejected the command for
// some other reason.
const crcGrace = 100 * time.Millisecond

// trailerFollows peeks for a CRC trailer line after an error status received
// in non-CRC mode. A device with CRC'd mode enabled rejects plain commands
// and checksums the rejection, which is the one observable signature of the
// configuration mismatch. Any other line that arrives in the window is
// dispatched as unsolicited.
func (a *AT) trailerFollows() bool {
	timer := time.NewTimer(crcGrace)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-a.lines:
			if !ok {
				return false
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if lt, _ := a.dialect.classify(line); lt == rxlCRC {
				return true
			}
			a.dispatch(line)
			return false
		case <-timer.C:
			return false
		}
	}
}

// conclude resolves a completed attempt against the command's expectations.
func (a *AT) conclude(p *Pending, info []string, lt rxl, code int) ([]string, error) {
	if p.cancelRequested() {
		return nil, ErrCancelled
	}
	if lt == rxlStatusError {
		return info, a.dialect.deviceError(code)
	}
	switch p.cmd.Shape {
	case ShapeNone:
		if len(info) != 0 {
			return info, ErrMalformedResponse
		}
	case ShapeLine:
		if len(info) != 1 {
			return info, ErrMalformedResponse
		}
	}
	return info, nil
}

// concludeCRC interprets a CRC-validated response body, whose final line is
// the status token.
func (a *AT) concludeCRC(p *Pending, body []string) ([]string, error) {
	if len(body) == 0 {
		return nil, ErrCRCConfig
	}
	status := body[len(body)-1]
	lt, code := a.dialect.classify(status)
	if lt != rxlStatusOK && lt != rxlStatusError {
		return body, ErrMalformedResponse
	}
	return a.conclude(p, body[:len(body)-1], lt, code)
}
