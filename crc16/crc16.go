// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

// Package crc16 implements the CRC-16-CCITT checksum used by IDP modems,
// both for the optional AT command integrity trailer and for message payload
// integrity fields.
package crc16

import (
	"fmt"
	"strings"
)

// Polynomial is the CCITT generator polynomial (XModem variant).
const Polynomial = 0x1021

// Initial is the initial register value used by the modem dialect.
//
// The XModem variant of the checksum uses 0x0000 instead.
const Initial = 0xffff

var tab [256]uint16

func init() {
	for i := range tab {
		crc := uint16(i) << 8
		for b := 0; b < 8; b++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ Polynomial
			} else {
				crc <<= 1
			}
		}
		tab[i] = crc
	}
}

// Update folds the byte c into the running checksum.
func Update(crc uint16, c byte) uint16 {
	return crc<<8 ^ tab[byte(crc>>8)^c]
}

// Checksum returns the CRC-16-CCITT of data starting from initial.
func Checksum(data []byte, initial uint16) uint16 {
	crc := initial
	for _, c := range data {
		crc = Update(crc, c)
	}
	return crc
}

// Sign appends the checksum trailer to an AT command or response body in the
// form used on the wire: <body>*<XXXX> with the checksum in upper-case hex.
func Sign(body string) string {
	return fmt.Sprintf("%s*%04X", body, Checksum([]byte(body), Initial))
}

// Split separates a received line into its body and checksum trailer.
//
// ok is false if the line carries no trailer.
func Split(line string) (body string, crc string, ok bool) {
	idx := strings.LastIndexByte(line, '*')
	if idx == -1 || len(line)-idx-1 != 4 {
		return line, "", false
	}
	return line[:idx], line[idx+1:], true
}

// Validate reports whether crc is the correct trailer for body.
//
// The comparison is case-insensitive as some firmware emits lower-case hex.
func Validate(body string, crc string) bool {
	expected := fmt.Sprintf("%04X", Checksum([]byte(body), Initial))
	return strings.EqualFold(expected, crc)
}
