// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

// Package nmea provides structural handling of NMEA 0183 sentences as
// returned by the modem GNSS.
//
// Only sentence framing is handled here - field parsing is left to the
// application.
package nmea

import (
	"fmt"
	"strings"
)

// Sentinel is the character that begins every NMEA sentence.
const Sentinel = '$'

// IsSentence reports whether the line has the shape of an NMEA sentence:
// the sentinel character followed by a body and a checksum suffix.
//
// The checksum is not validated - classification is structural.
func IsSentence(line string) bool {
	if len(line) < 4 || line[0] != Sentinel {
		return false
	}
	idx := strings.LastIndexByte(line, '*')
	return idx > 0 && len(line)-idx-1 == 2
}

// Checksum returns the checksum of the sentence body - the XOR of all
// characters between the sentinel and the '*' delimiter.
func Checksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}

// Split separates a sentence into its body and checksum suffix.
func Split(sentence string) (body string, sum string, err error) {
	if len(sentence) == 0 || sentence[0] != Sentinel {
		return "", "", fmt.Errorf("missing sentinel: %q", sentence)
	}
	idx := strings.LastIndexByte(sentence, '*')
	if idx < 0 || len(sentence)-idx-1 != 2 {
		return "", "", fmt.Errorf("missing checksum: %q", sentence)
	}
	return sentence[1:idx], sentence[idx+1:], nil
}

// Validate reports whether the sentence checksum suffix matches its body.
func Validate(sentence string) bool {
	body, sum, err := Split(sentence)
	if err != nil {
		return false
	}
	return strings.EqualFold(fmt.Sprintf("%02X", Checksum(body)), sum)
}
