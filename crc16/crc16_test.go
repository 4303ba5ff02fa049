// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

package crc16_test

import (
	"testing"

	"github.com/Inmarsat/idpmodem/crc16"
	"github.com/stretchr/testify/assert"
)

func TestChecksum(t *testing.T) {
	patterns := []struct {
		name    string
		data    string
		initial uint16
		crc     uint16
	}{
		{"xmodem check", "123456789", 0x0000, 0x31c3},
		{"ccitt-false check", "123456789", 0xffff, 0x29b1},
		{"empty xmodem", "", 0x0000, 0x0000},
		{"empty ccitt-false", "", 0xffff, 0xffff},
		{"status line", "OK", 0xffff, 0xf952},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			assert.Equal(t, p.crc, crc16.Checksum([]byte(p.data), p.initial))
		}
		t.Run(p.name, f)
	}
}

func TestSign(t *testing.T) {
	signed := crc16.Sign("ATS80?")
	body, crc, ok := crc16.Split(signed)
	assert.True(t, ok)
	assert.Equal(t, "ATS80?", body)
	assert.True(t, crc16.Validate(body, crc))
}

func TestSplit(t *testing.T) {
	patterns := []struct {
		name string
		line string
		body string
		crc  string
		ok   bool
	}{
		{"trailer", "OK*F952", "OK", "F952", true},
		{"no trailer", "OK", "OK", "", false},
		{"short trailer", "OK*8C", "OK*8C", "", false},
		{"star in body", "a*b*1234", "a*b", "1234", true},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			body, crc, ok := crc16.Split(p.line)
			assert.Equal(t, p.ok, ok)
			assert.Equal(t, p.body, body)
			assert.Equal(t, p.crc, crc)
		}
		t.Run(p.name, f)
	}
}

func TestValidate(t *testing.T) {
	assert.True(t, crc16.Validate("123456789", "29B1"))
	assert.True(t, crc16.Validate("123456789", "29b1"))
	assert.False(t, crc16.Validate("123456789", "29B2"))
}
