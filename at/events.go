// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

package at

import "sync"

// SubscriptionDepth is the buffer depth of each subscription channel.
//
// A subscriber that stops draining its channel loses the newest events once
// the buffer fills, rather than stalling the engine.
const SubscriptionDepth = 64

// Subscription delivers unsolicited events of the subscribed kinds in
// arrival order.
type Subscription struct {
	a     *AT
	kinds map[EventKind]bool
	c     chan Event

	mu      sync.Mutex
	closed  bool
	dropped int
}

// Subscribe registers a listener for the given event kinds, or for all kinds
// if none are given.
//
// The returned subscription's channel is closed when the subscription is
// closed or the engine closes.
func (a *AT) Subscribe(kinds ...EventKind) *Subscription {
	s := &Subscription{
		a: a,
		c: make(chan Event, SubscriptionDepth),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[EventKind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	a.subMu.Lock()
	a.subs[s] = struct{}{}
	a.subMu.Unlock()
	return s
}

// C returns the channel on which events are delivered.
func (s *Subscription) C() <-chan Event {
	return s.c
}

// Dropped returns the number of events lost because the subscriber fell
// behind.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close releases the listener and closes its channel.
func (s *Subscription) Close() {
	s.a.subMu.Lock()
	delete(s.a.subs, s)
	s.a.subMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.c)
	}
}

// deliver offers the event to the subscription without blocking the engine.
func (s *Subscription) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.c <- e:
	default:
		s.dropped++
	}
}

// dispatch classifies an unclaimed line and delivers the event to every
// interested subscriber in arrival order.
func (a *AT) dispatch(line string) {
	e := a.dialect.classifyEvent(line)
	a.subMu.RLock()
	defer a.subMu.RUnlock()
	for s := range a.subs {
		if s.kinds == nil || s.kinds[e.Kind] {
			s.deliver(e)
		}
	}
}

// closeSubs closes every subscription channel when the engine shuts down.
func (a *AT) closeSubs() {
	a.subMu.Lock()
	subs := a.subs
	a.subs = map[*Subscription]struct{}{}
	a.subMu.Unlock()
	for s := range subs {
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.c)
		}
		s.mu.Unlock()
	}
}
