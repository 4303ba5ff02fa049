// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

package idp

import (
	"context"
	"sync"
	"time"

	"github.com/Inmarsat/idpmodem/at"
	log "github.com/sirupsen/logrus"
)

// Status is a snapshot of the modem state maintained by the Poller.
type Status struct {
	// ControlState is the satellite acquisition control state.
	ControlState int
	// SNR is the carrier-to-noise ratio in dB.
	SNR float64
	// Waiting lists the mobile-terminated messages pending retrieval.
	Waiting []WaitingMessage
	// UpdatedAt is when the snapshot was last refreshed.
	UpdatedAt time.Time
}

// Registered reports whether the modem is registered on the satellite
// network.
func (s Status) Registered() bool {
	return s.ControlState == 10
}

// PollerOption is a construction option for a Poller.
type PollerOption func(*Poller)

// WithInterval sets the polling period.
//
// The default is 30 seconds.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		p.interval = d
	}
}

// WithPollTimeout bounds each polling command.
func WithPollTimeout(d time.Duration) PollerOption {
	return func(p *Poller) {
		p.timeout = d
	}
}

// WithCommands adds status-check commands issued on each cycle after the
// built-in status queries. Results are passed to the handler set with
// WithHandler, or logged at debug level otherwise.
func WithCommands(cmds ...at.Command) PollerOption {
	return func(p *Poller) {
		p.commands = append(p.commands, cmds...)
	}
}

// WithHandler sets the receiver for the results of commands added with
// WithCommands.
func WithHandler(h func(cmd at.Command, info []string, err error)) PollerOption {
	return func(p *Poller) {
		p.handler = h
	}
}

// WithEnabled turns polling off while keeping the Run lifecycle, for
// deployments that drive status queries themselves.
func WithEnabled(enabled bool) PollerOption {
	return func(p *Poller) {
		p.enabled = enabled
	}
}

// Poller periodically refreshes modem status in the background.
//
// Polling commands are submitted at background priority so they never delay
// foreground traffic, and each cycle issues at most one command at a time.
type Poller struct {
	m        *IDP
	interval time.Duration
	timeout  time.Duration
	commands []at.Command
	handler  func(cmd at.Command, info []string, err error)
	enabled  bool

	mu     sync.Mutex
	status Status
}

// NewPoller creates a Poller for the modem.
func NewPoller(m *IDP, options ...PollerOption) *Poller {
	p := &Poller{
		m:        m,
		interval: 30 * time.Second,
		timeout:  10 * time.Second,
		enabled:  true,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// Status returns the most recent snapshot.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Run polls until the context is done or the modem closes.
//
// The first cycle runs immediately. A disabled poller performs no cycles but
// still honours the lifecycle, so callers can start it unconditionally.
func (p *Poller) Run(ctx context.Context) error {
	if !p.enabled {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.m.Closed():
			return at.ErrClosed
		}
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.m.Closed():
			return at.ErrClosed
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	state, snr, err := p.satelliteStatus(ctx)
	if err != nil {
		log.WithError(err).Debug("status poll failed")
		return
	}
	waiting, err := p.waitingMessages(ctx)
	if err != nil {
		log.WithError(err).Debug("message poll failed")
		return
	}
	p.mu.Lock()
	p.status = Status{
		ControlState: state,
		SNR:          snr,
		Waiting:      waiting,
		UpdatedAt:    time.Now(),
	}
	p.mu.Unlock()
	for _, cmd := range p.commands {
		p.runCommand(ctx, cmd)
	}
}

// runCommand issues one configured status-check command at background
// priority.
func (p *Poller) runCommand(ctx context.Context, cmd at.Command) {
	cmd.Priority = at.Background
	if cmd.Timeout == 0 {
		cmd.Timeout = p.timeout
	}
	pending, err := p.m.Submit(cmd)
	var info []string
	if err == nil {
		info, err = pending.Wait(ctx)
	}
	if p.handler != nil {
		p.handler(cmd, info, err)
		return
	}
	if err != nil {
		log.WithError(err).WithField("cmd", cmd.Cmd).Debug("poll command failed")
		return
	}
	log.WithFields(log.Fields{"cmd": cmd.Cmd, "info": info}).Debug("poll command")
}

func (p *Poller) satelliteStatus(ctx context.Context) (int, float64, error) {
	pending, err := p.m.Submit(at.Command{
		Cmd:      satStatusCmd,
		Timeout:  p.timeout,
		Priority: at.Background,
	})
	if err != nil {
		return 0, 0, err
	}
	i, err := pending.Wait(ctx)
	if err != nil {
		return 0, 0, err
	}
	return parseSatelliteStatus(i)
}

func (p *Poller) waitingMessages(ctx context.Context) ([]WaitingMessage, error) {
	pending, err := p.m.Submit(at.Command{
		Cmd:      "%MGFN",
		Timeout:  p.timeout,
		Priority: at.Background,
	})
	if err != nil {
		return nil, err
	}
	i, err := pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return parseWaitingMessages(i), nil
}
