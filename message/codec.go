// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

package message

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/Inmarsat/idpmodem/crc16"
)

// Framing selects the textual encoding applied to the envelope for AT
// transport.
type Framing int

const (
	// Hex frames the envelope as upper-case ASCII hex.
	Hex Framing = iota

	// Base64 frames the envelope as standard base64.
	Base64
)

// Config controls the codec.
//
// The zero value frames as hex with no integrity field and no line limit.
type Config struct {
	// Framing selects hex or base64 text framing.
	Framing Framing

	// Checksum appends a CRC-16 integrity field to the envelope before
	// framing, and requires it when decoding.
	Checksum bool

	// MaxLine bounds the length of each encoded part. Zero means
	// unbounded.
	MaxLine int

	// Split permits an encoding longer than MaxLine to be returned as
	// multiple parts rather than rejected.
	Split bool

	// AllowSystem permits SINs in the reserved system range.
	AllowSystem bool
}

// Encode frames a mobile-originated message for transport.
//
// The result is a single part unless the encoding exceeds Config.MaxLine and
// splitting is enabled, in which case parts are split on boundaries that keep
// the concatenation equal to the unsplit encoding.
func Encode(m Message, cfg Config) ([]string, error) {
	if m.SIN < SystemSIN && !cfg.AllowSystem {
		return nil, ErrReservedSIN
	}
	if !m.HasMIN && len(m.Payload) > 0 {
		return nil, ErrMINRequired
	}
	if len(m.Payload) > MaxMOPayload {
		return nil, ErrTooLong
	}
	raw := m.Raw()
	if cfg.Checksum {
		var field [2]byte
		binary.BigEndian.PutUint16(field[:], crc16.Checksum(raw, crc16.Initial))
		raw = append(raw, field[:]...)
	}
	var text string
	switch cfg.Framing {
	case Base64:
		text = base64.StdEncoding.EncodeToString(raw)
	default:
		text = strings.ToUpper(hex.EncodeToString(raw))
	}
	if cfg.MaxLine == 0 || len(text) <= cfg.MaxLine {
		return []string{text}, nil
	}
	if !cfg.Split {
		return nil, ErrTooLong
	}
	return split(text, cfg), nil
}

// split breaks the encoded text into parts no longer than cfg.MaxLine, on
// boundaries that are a whole number of encoded groups (hex byte pairs, or
// base64 quads) so each part is well formed in isolation.
func split(text string, cfg Config) []string {
	group := 2
	if cfg.Framing == Base64 {
		group = 4
	}
	size := cfg.MaxLine - cfg.MaxLine%group
	if size < group {
		size = group
	}
	var parts []string
	for len(text) > size {
		parts = append(parts, text[:size])
		text = text[size:]
	}
	return append(parts, text)
}

// Decode reverses the framing of a received mobile-terminated message.
//
// Multiple parts are concatenated before decoding, the inverse of an Encode
// split. Fails with ErrChecksumMismatch if the integrity field does not match
// - retransmission is renegotiated at the message-queue level, not retried
// here.
func Decode(parts []string, cfg Config) (Message, error) {
	text := strings.Join(parts, "")
	var raw []byte
	var err error
	switch cfg.Framing {
	case Base64:
		raw, err = base64.StdEncoding.DecodeString(text)
	default:
		raw, err = hex.DecodeString(text)
	}
	if err != nil {
		return Message{}, ErrMalformed
	}
	if cfg.Checksum {
		if len(raw) < 3 {
			return Message{}, ErrMalformed
		}
		field := binary.BigEndian.Uint16(raw[len(raw)-2:])
		raw = raw[:len(raw)-2]
		if field != crc16.Checksum(raw, crc16.Initial) {
			return Message{}, ErrChecksumMismatch
		}
	}
	if len(raw) == 0 {
		return Message{}, ErrMalformed
	}
	m := Message{SIN: raw[0]}
	if m.SIN < SystemSIN && !cfg.AllowSystem {
		return Message{}, ErrReservedSIN
	}
	if len(raw) > 1 {
		m.MIN = raw[1]
		m.HasMIN = true
		if len(raw) > 2 {
			m.Payload = raw[2:]
		}
	}
	if len(m.Payload) > MaxMTPayload {
		return Message{}, ErrTooLong
	}
	return m, nil
}

// DecodeString is Decode for a single-part encoding.
func DecodeString(text string, cfg Config) (Message, error) {
	return Decode([]string{text}, cfg)
}

// EncodeMO frames the payload alone, for submission commands that carry the
// SIN and MIN as explicit parameters rather than in the data field.
//
// No integrity field is applied - submission integrity is covered by the AT
// layer's CRC mode.
func EncodeMO(m Message, cfg Config) (string, error) {
	if m.SIN < SystemSIN && !cfg.AllowSystem {
		return "", ErrReservedSIN
	}
	if !m.HasMIN && len(m.Payload) > 0 {
		return "", ErrMINRequired
	}
	if len(m.Payload) > MaxMOPayload {
		return "", ErrTooLong
	}
	if cfg.Framing == Base64 {
		return base64.StdEncoding.EncodeToString(m.Payload), nil
	}
	return strings.ToUpper(hex.EncodeToString(m.Payload)), nil
}

// DecodeMT reverses the framing of a retrieved message whose data field
// begins at the MIN byte, the SIN having arrived as an explicit field.
func DecodeMT(sin byte, text string, cfg Config) (Message, error) {
	var raw []byte
	var err error
	switch cfg.Framing {
	case Base64:
		raw, err = base64.StdEncoding.DecodeString(text)
	default:
		raw, err = hex.DecodeString(text)
	}
	if err != nil {
		return Message{}, ErrMalformed
	}
	m := Message{SIN: sin}
	if m.SIN < SystemSIN && !cfg.AllowSystem {
		return Message{}, ErrReservedSIN
	}
	if len(raw) > 0 {
		m.MIN = raw[0]
		m.HasMIN = true
		if len(raw) > 1 {
			m.Payload = raw[1:]
		}
	}
	if len(m.Payload) > MaxMTPayload {
		return Message{}, ErrTooLong
	}
	return m, nil
}
