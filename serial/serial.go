// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

// Package serial opens the serial connection to an IDP modem terminal.
package serial

import (
	"time"

	"github.com/tarm/serial"
)

// Config describes the serial connection to the terminal.
type Config struct {
	port    string
	baud    int
	timeout time.Duration
}

// Option modifies the Config used by New.
type Option func(*Config)

// WithPort sets the serial device path.
func WithPort(port string) Option {
	return func(c *Config) {
		c.port = port
	}
}

// WithBaud sets the line rate.
//
// IDP terminals ship configured for 9600.
func WithBaud(baud int) Option {
	return func(c *Config) {
		c.baud = baud
	}
}

// WithReadTimeout bounds blocking reads on the port.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.timeout = d
	}
}

// New opens the serial port to the modem.
//
// The default port is platform dependent.
func New(options ...Option) (*serial.Port, error) {
	c := defaultConfig
	for _, option := range options {
		option(&c)
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        c.port,
		Baud:        c.baud,
		ReadTimeout: c.timeout,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
