// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

// Package message implements the payload envelope codec for IDP
// mobile-originated and mobile-terminated messages.
//
// A message comprises a SIN byte identifying the destination microservice,
// a MIN byte identifying the operation within that service, and a payload.
// On the wire the envelope is framed as text - ASCII hex or base64 - for
// transport inside an AT command, optionally protected by a CRC-16 integrity
// field.
package message

import (
	"github.com/pkg/errors"
)

// Payload size bounds imposed by the satellite service.
const (
	// MaxMOPayload is the maximum mobile-originated payload size.
	MaxMOPayload = 6400

	// MaxMTPayload is the maximum mobile-terminated payload size.
	MaxMTPayload = 10000
)

// SystemSIN is the upper bound (exclusive) of the SIN range reserved for
// system use. Messages addressed below this are rejected by the codec unless
// the config explicitly allows system messages.
const SystemSIN = 16

// Message is an IDP message envelope.
//
// A Message is immutable once encoded. MIN may be omitted only when the
// payload is empty, in which case the envelope is the bare SIN byte.
type Message struct {
	// SIN is the service identification number, the first payload byte.
	SIN byte

	// MIN is the message identification number, the second payload byte.
	MIN byte

	// HasMIN indicates the MIN byte is present in the envelope.
	HasMIN bool

	// Payload is the message body following the SIN/MIN header.
	Payload []byte
}

// Raw returns the wire form of the envelope prior to textual framing.
func (m Message) Raw() []byte {
	raw := make([]byte, 0, 2+len(m.Payload))
	raw = append(raw, m.SIN)
	if m.HasMIN {
		raw = append(raw, m.MIN)
	}
	return append(raw, m.Payload...)
}

var (
	// ErrReservedSIN indicates the message SIN lies in the range reserved
	// for system use.
	ErrReservedSIN = errors.New("SIN in reserved system range")

	// ErrMINRequired indicates a payload was supplied without a MIN.
	ErrMINRequired = errors.New("MIN required when payload present")

	// ErrTooLong indicates the message exceeds a size bound and splitting
	// is not enabled.
	ErrTooLong = errors.New("message too long")

	// ErrChecksumMismatch indicates the integrity field of a received
	// message does not match its content. The message must be
	// retransmitted at the message-queue level.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrMalformed indicates the received text could not be reversed into
	// an envelope.
	ErrMalformed = errors.New("malformed message framing")
)
