// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

package at

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Inmarsat/idpmodem/nmea"
)

// Dialect is the table of modem-specific line conventions used by the engine.
//
// The set of terminal tokens and error codes varies by firmware version, so
// the table is injected configuration rather than engine logic. The zero
// value is not usable - start from IDP() and adjust.
type Dialect struct {
	// WriteTerm terminates each command written to the modem.
	WriteTerm string

	// OK lists the terminal tokens indicating success, verbose and
	// numeric forms.
	OK []string

	// Errors maps terminal error tokens to their numeric result code.
	Errors map[string]int

	// ErrorCodes catalogs numeric result codes to descriptions, as
	// reported by the device error detail register.
	ErrorCodes map[int]string

	// Notifications lists the line prefixes identifying unsolicited
	// notification codes. The numeric id is the first field after the
	// prefix.
	Notifications []string
}

// IDP returns the dialect table for IDP satellite modems.
func IDP() Dialect {
	return Dialect{
		WriteTerm: "\r",
		OK:        []string{"OK", "0"},
		Errors:    map[string]int{"ERROR": 4, "4": 4},
		ErrorCodes: map[int]string{
			0:   "OK",
			4:   "ERROR",
			100: "INVALID_CRC_SEQUENCE",
			101: "UNKNOWN_COMMAND",
			102: "INVALID_COMMAND_PARAMETERS",
			103: "MESSAGE_LENGTH_EXCEEDS_FORMAT_SIZE",
			105: "SYSTEM_ERROR",
			106: "QUEUE_INSUFFICIENT_RESOURCES",
			107: "MESSAGE_NAME_ALREADY_IN_USE",
			108: "GNSS_TIMEOUT",
			109: "MESSAGE_UNAVAILABLE",
			111: "RESOURCE_BUSY",
			112: "ATTEMPT_TO_WRITE_READ_ONLY_PARAMETER",
		},
		Notifications: []string{"%EVNT:", "%EXIT:"},
	}
}

// DeviceError indicates the modem reported an explicit error status in
// response to a command. The fault is semantic, not transient, so the engine
// never retries it.
type DeviceError struct {
	Code int
	Desc string
}

func (e DeviceError) Error() string {
	if e.Desc == "" {
		return fmt.Sprintf("device error %d", e.Code)
	}
	return fmt.Sprintf("device error %d: %s", e.Code, e.Desc)
}

// deviceError builds a DeviceError for a numeric result code, attaching the
// catalog description when the table has one.
func (d *Dialect) deviceError(code int) DeviceError {
	return DeviceError{Code: code, Desc: d.ErrorCodes[code]}
}

// Received line types.
type rxl int

const (
	rxlInfo rxl = iota
	rxlStatusOK
	rxlStatusError
	rxlCRC
)

// classify identifies a received line against the dialect's terminal token
// set. Lines that are neither terminal nor a CRC trailer are info lines.
func (d *Dialect) classify(line string) (lt rxl, code int) {
	for _, token := range d.OK {
		if line == token {
			return rxlStatusOK, 0
		}
	}
	if c, ok := d.Errors[line]; ok {
		return rxlStatusError, c
	}
	if len(line) == 5 && line[0] == '*' {
		return rxlCRC, 0
	}
	return rxlInfo, 0
}

// Event is an unsolicited line classified for delivery to subscribers.
type Event struct {
	// Kind tags the variant.
	Kind EventKind

	// Raw is the line as received, unchanged.
	Raw string

	// Code is the notification id. Valid only for Notification events.
	Code int

	// Data is the notification content following the id, if any.
	Data string
}

// EventKind enumerates the unsolicited event variants.
type EventKind int

const (
	// NMEASentence is a GNSS sentence in NMEA form.
	NMEASentence EventKind = iota

	// Notification is a modem event or network notification code.
	Notification

	// Unrecognized is any other line - preserved rather than dropped, as
	// silent loss of unexpected device output is the worse failure mode.
	Unrecognized
)

// classifyEvent decides the event kind of a line not claimed by a
// transaction. Classification is structural - an NMEA sentence with a bad
// checksum is still an NMEA sentence.
func (d *Dialect) classifyEvent(line string) Event {
	if nmea.IsSentence(line) {
		return Event{Kind: NMEASentence, Raw: line}
	}
	for _, prefix := range d.Notifications {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		rest := strings.TrimSpace(line[len(prefix):])
		id, data := rest, ""
		if i := strings.IndexByte(rest, ','); i >= 0 {
			id, data = rest[:i], rest[i+1:]
		}
		code, err := strconv.Atoi(id)
		if err != nil {
			break
		}
		return Event{Kind: Notification, Raw: line, Code: code, Data: data}
	}
	return Event{Kind: Unrecognized, Raw: line}
}
