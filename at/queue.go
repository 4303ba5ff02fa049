// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

package at

import (
	"context"
	"sync"
	"time"
)

// Shape is the expected response shape of a command.
type Shape int

const (
	// ShapeMulti accepts any number of info lines.
	ShapeMulti Shape = iota

	// ShapeNone expects no info lines before the status.
	ShapeNone

	// ShapeLine expects exactly one info line.
	ShapeLine
)

// Priority selects the scheduler lane for a submission.
type Priority int

const (
	// Foreground commands are served in strict FIFO order.
	Foreground Priority = iota

	// Background commands are served only while the foreground lane is
	// empty. They are deferred, never dropped.
	Background
)

// Command describes one AT command submission. Immutable once submitted.
type Command struct {
	// Cmd is the command string without the AT prefix or terminator,
	// e.g. "+GSN" or "%MGFN".
	Cmd string

	// Shape is the expected response shape.
	Shape Shape

	// Timeout overrides the engine default response deadline. Zero means
	// the default.
	Timeout time.Duration

	// Retries is the number of re-issues permitted after a timeout. A
	// budget of R results in at most R+1 attempts. Zero selects the
	// engine default.
	Retries int

	// Priority selects the scheduler lane.
	Priority Priority
}

// Pending is the handle to a submitted command through which the caller
// awaits the result or requests cancellation.
//
// A Pending resolves exactly once.
type Pending struct {
	cmd Command
	q   *queue

	mu        sync.Mutex
	resolved  bool
	abandoned chan struct{}
	done      chan struct{}
	info      []string
	err       error
}

func newPending(cmd Command, q *queue) *Pending {
	return &Pending{
		cmd:       cmd,
		q:         q,
		abandoned: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Done returns a channel closed when the submission has resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the submission resolves or the context is done.
//
// If the context expires first the submission is cancelled and the context
// error returned.
func (p *Pending) Wait(ctx context.Context) ([]string, error) {
	select {
	case <-p.done:
		return p.info, p.err
	case <-ctx.Done():
		p.Cancel()
		return nil, ctx.Err()
	}
}

// Result returns the resolved info lines and error. Valid only after Done.
func (p *Pending) Result() ([]string, error) {
	return p.info, p.err
}

// Cancel requests cancellation of the submission.
//
// A queued entry is removed immediately without touching the transport. An
// in-flight entry is marked for abandonment - its response lines are still
// drained before being discarded, so they cannot be misattributed to the
// next command. Returns true if the cancellation took effect before
// completion.
func (p *Pending) Cancel() bool {
	if p.q.remove(p) {
		p.resolve(nil, ErrCancelled)
		return true
	}
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	select {
	case <-p.abandoned:
	default:
		close(p.abandoned)
	}
	p.mu.Unlock()
	return true
}

// resolve delivers the result. Later calls are ignored so the first outcome
// wins.
func (p *Pending) resolve(info []string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return
	}
	p.resolved = true
	p.info = info
	p.err = err
	close(p.done)
}

func (p *Pending) cancelRequested() bool {
	select {
	case <-p.abandoned:
		return true
	default:
		return false
	}
}

// queue is the sole shared mutable structure of the engine. It serialises
// submit, cancel and dequeue across caller goroutines, holding a foreground
// and a background lane.
type queue struct {
	mu    sync.Mutex
	fg    []*Pending
	bg    []*Pending
	dead  error
	ready chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

// push appends the entry to its lane and signals the scheduler. Entries
// pushed after the queue has died resolve immediately with the death cause.
func (q *queue) push(p *Pending) {
	q.mu.Lock()
	if q.dead != nil {
		err := q.dead
		q.mu.Unlock()
		p.resolve(nil, err)
		return
	}
	if p.cmd.Priority == Background {
		q.bg = append(q.bg, p)
	} else {
		q.fg = append(q.fg, p)
	}
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop removes and returns the next entry - foreground lane first - marking
// it in flight. Returns nil if both lanes are empty.
func (q *queue) pop() *Pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	var p *Pending
	switch {
	case len(q.fg) > 0:
		p, q.fg = q.fg[0], q.fg[1:]
	case len(q.bg) > 0:
		p, q.bg = q.bg[0], q.bg[1:]
	default:
		return nil
	}
	return p
}

// remove takes a still-queued entry out of its lane. Returns false if the
// entry is no longer queued.
func (q *queue) remove(p *Pending) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, lane := range []*[]*Pending{&q.fg, &q.bg} {
		for i, e := range *lane {
			if e == p {
				*lane = append((*lane)[:i], (*lane)[i+1:]...)
				return true
			}
		}
	}
	return false
}

// drain fails every queued entry and marks the queue dead so later pushes
// fail the same way.
func (q *queue) drain(err error) {
	q.mu.Lock()
	entries := append(q.fg, q.bg...)
	q.fg, q.bg = nil, nil
	q.dead = err
	q.mu.Unlock()
	for _, p := range entries {
		p.resolve(nil, err)
	}
}
