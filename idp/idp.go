// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

// Package idp decorates the AT engine with operations specific to IDP
// satellite messaging modems: identity, GNSS fix retrieval, mobile-originated
// and mobile-terminated message handling, and S-register access.
package idp

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Inmarsat/idpmodem/at"
	"github.com/Inmarsat/idpmodem/info"
	"github.com/Inmarsat/idpmodem/message"
	"github.com/pkg/errors"
)

// IDP modem decorates the AT engine with IDP specific functionality.
type IDP struct {
	*at.AT
	codec    message.Config
	initCmds []string
}

// Option is a construction option for an IDP.
type Option func(*IDP)

// WithMessageConfig sets the codec configuration used for message transfer.
//
// The default frames payloads as base64 with the MO size bound as the line
// limit.
func WithMessageConfig(cfg message.Config) Option {
	return func(m *IDP) {
		m.codec = cfg
	}
}

// WithInitCmds specifies the commands issued by Init after the CRC probe.
//
// The default restores the non-volatile configuration (ATZ).
func WithInitCmds(cmds ...string) Option {
	return func(m *IDP) {
		m.initCmds = cmds
	}
}

// New creates a new IDP modem on the transport.
func New(modem io.ReadWriter, options ...Option) *IDP {
	m := &IDP{
		AT:       at.New(modem),
		codec:    message.Config{Framing: message.Base64},
		initCmds: []string{"Z"},
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Decorate wraps an existing AT engine, for callers that construct the
// engine themselves (custom dialect, timeouts, tracing).
func Decorate(a *at.AT, options ...Option) *IDP {
	m := &IDP{
		AT:       a,
		codec:    message.Config{Framing: message.Base64},
		initCmds: []string{"Z"},
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Init drives the modem to a known state.
//
// The first probe auto-detects a CRC'd mode mismatch in either direction: an
// unexpected CRC trailer, or no trailer where one was expected, flips the
// engine setting and the probe is repeated.
func (m *IDP) Init(ctx context.Context) error {
	_, err := m.Command(ctx, at.Command{Shape: at.ShapeNone})
	if cause := errors.Cause(err); cause == at.ErrCRCConfig || cause == at.ErrTimeout {
		m.SetCRC(!m.CRC())
		_, err = m.Command(ctx, at.Command{Shape: at.ShapeNone})
	}
	if err != nil {
		return errors.Wrap(err, "modem not responding")
	}
	for _, cmd := range m.initCmds {
		if _, err := m.Command(ctx, at.Command{Cmd: cmd}); err != nil {
			return errors.Wrapf(err, "AT%s failed", cmd)
		}
	}
	return nil
}

// MobileID returns the unique mobile ID (the terminal serial number).
func (m *IDP) MobileID(ctx context.Context) (string, error) {
	i, err := m.Command(ctx, at.Command{Cmd: "+GSN", Shape: at.ShapeLine})
	if err != nil {
		return "", err
	}
	return info.TrimPrefix(i[0], "+GSN"), nil
}

// Versions holds the version identifiers reported by the modem.
type Versions struct {
	Firmware string
	Hardware string
	AT       string
}

// Versions returns the firmware, hardware and AT versions.
func (m *IDP) Versions(ctx context.Context) (Versions, error) {
	i, err := m.Command(ctx, at.Command{Cmd: "+GMR", Shape: at.ShapeLine})
	if err != nil {
		return Versions{}, err
	}
	fields := strings.Split(info.TrimPrefix(i[0], "+GMR"), ",")
	if len(fields) != 3 {
		return Versions{}, at.ErrMalformedResponse
	}
	return Versions{
		Firmware: strings.TrimSpace(fields[0]),
		Hardware: strings.TrimSpace(fields[1]),
		AT:       strings.TrimSpace(fields[2]),
	}, nil
}

// gnssSupported are the NMEA sentence types the modem can report.
var gnssSupported = map[string]bool{
	"RMC": true,
	"GGA": true,
	"GSA": true,
	"GSV": true,
}

// gnssBuffer pads the command timeout beyond the fix wait.
const gnssBuffer = 5 * time.Second

// GNSSSentences requests a location fix and returns the NMEA sentences.
//
// stale is the maximum age of an existing fix to reuse, wait the maximum
// time to obtain one; both must be in 1..600 seconds.
func (m *IDP) GNSSSentences(ctx context.Context, stale, wait time.Duration, sentences ...string) ([]string, error) {
	staleSecs, waitSecs := int(stale/time.Second), int(wait/time.Second)
	if staleSecs < 1 || staleSecs > 600 || waitSecs < 1 || waitSecs > 600 {
		return nil, errors.New("stale and wait must be in 1..600 seconds")
	}
	if len(sentences) == 0 {
		sentences = []string{"RMC", "GGA", "GSA", "GSV"}
	}
	quoted := make([]string, len(sentences))
	for n, s := range sentences {
		s = strings.ToUpper(s)
		if !gnssSupported[s] {
			return nil, errors.Errorf("unsupported NMEA sentence: %s", s)
		}
		quoted[n] = `"` + s + `"`
	}
	i, err := m.Command(ctx, at.Command{
		Cmd:     fmt.Sprintf("%%GPS=%d,%d,%s", staleSecs, waitSecs, strings.Join(quoted, ",")),
		Timeout: wait + gnssBuffer,
	})
	if err != nil {
		return nil, err
	}
	if len(i) > 0 {
		i[0] = info.TrimPrefix(i[0], "%GPS")
	}
	return i, nil
}

// Message priorities for SendMessage.
const (
	PriorityHigh = 1
	PriorityMedH = 2
	PriorityMedL = 3
	PriorityLow  = 4
)

// formatCode returns the %MGRT/%MGFG data format selector for the codec
// framing.
func formatCode(f message.Framing) int {
	if f == message.Base64 {
		return 3
	}
	return 2
}

// SendMessage submits a mobile-originated message to the transmit queue and
// returns the queue name assigned to it.
//
// An empty name is replaced with a timestamp-derived identifier. Names are
// truncated to the 8 characters the queue supports.
func (m *IDP) SendMessage(ctx context.Context, name string, msg message.Message, priority int) (string, error) {
	if name == "" {
		name = fmt.Sprintf("%d", time.Now().Unix())
	}
	if len(name) > 8 {
		name = name[len(name)-8:]
	}
	if priority == 0 {
		priority = PriorityLow
	}
	data, err := message.EncodeMO(msg, m.codec)
	if err != nil {
		return "", err
	}
	addr := strconv.Itoa(int(msg.SIN))
	if msg.HasMIN {
		addr += "." + strconv.Itoa(int(msg.MIN))
	}
	_, err = m.Command(ctx, at.Command{
		Cmd:   fmt.Sprintf(`%%MGRT="%s",%d,%s,%d,%s`, name, priority, addr, formatCode(m.codec.Framing), data),
		Shape: at.ShapeNone,
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// MessageState describes one entry of the transmit queue.
type MessageState struct {
	Name      string
	State     int
	Size      int
	BytesSent int
}

// Transmit queue states.
const (
	StateUnavailable = 0
	StateRxPending   = 1
	StateRxComplete  = 2
	StateRxRetrieved = 3
	StateTxReady     = 4
	StateTxSending   = 5
	StateTxComplete  = 6
	StateTxFailed    = 7
	StateTxCancelled = 8
)

var stateNames = map[int]string{
	StateUnavailable: "UNAVAILABLE",
	StateRxPending:   "RX_PENDING",
	StateRxComplete:  "RX_COMPLETE",
	StateRxRetrieved: "RX_RETRIEVED",
	StateTxReady:     "TX_READY",
	StateTxSending:   "TX_SENDING",
	StateTxComplete:  "TX_COMPLETE",
	StateTxFailed:    "TX_FAILED",
	StateTxCancelled: "TX_CANCELLED",
}

// StateName returns the mnemonic for a message state value.
func StateName(state int) string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return fmt.Sprintf("STATE_%d", state)
}

// MessageStates queries the transmit queue, optionally filtered to a single
// message name.
func (m *IDP) MessageStates(ctx context.Context, name string) ([]MessageState, error) {
	cmd := "%MGRS"
	if name != "" {
		cmd += `="` + name + `"`
	}
	i, err := m.Command(ctx, at.Command{Cmd: cmd})
	if err != nil {
		return nil, err
	}
	var states []MessageState
	for _, line := range i {
		// %MGRS: "<name>",<number>,<priority>,<sin>,<state>,<size>,<sent>
		fields := strings.Split(info.TrimPrefix(line, "%MGRS"), ",")
		if len(fields) < 7 {
			continue
		}
		state, _ := strconv.Atoi(strings.TrimSpace(fields[4]))
		size, _ := strconv.Atoi(strings.TrimSpace(fields[5]))
		sent, _ := strconv.Atoi(strings.TrimSpace(fields[6]))
		states = append(states, MessageState{
			Name:      strings.Trim(fields[0], `" `),
			State:     state,
			Size:      size,
			BytesSent: sent,
		})
	}
	return states, nil
}

// CancelMessage cancels a mobile-originated message still in the TX_READY
// state.
func (m *IDP) CancelMessage(ctx context.Context, name string) error {
	_, err := m.Command(ctx, at.Command{
		Cmd:   fmt.Sprintf(`%%MGRC="%s"`, name),
		Shape: at.ShapeNone,
	})
	return err
}

// WaitingMessage describes a received mobile-terminated message available
// for retrieval.
type WaitingMessage struct {
	Name     string
	SIN      byte
	Priority int
	State    int
	Length   int
	Received int
}

// WaitingMessages lists the mobile-terminated messages in the receive queue.
func (m *IDP) WaitingMessages(ctx context.Context) ([]WaitingMessage, error) {
	i, err := m.Command(ctx, at.Command{Cmd: "%MGFN"})
	if err != nil {
		return nil, err
	}
	return parseWaitingMessages(i), nil
}

func parseWaitingMessages(i []string) []WaitingMessage {
	var waiting []WaitingMessage
	for _, line := range i {
		// %MGFN: "<name>",<number>,<priority>,<sin>,<state>,<length>,<received>
		fields := strings.Split(info.TrimPrefix(line, "%MGFN"), ",")
		if len(fields) < 7 {
			continue
		}
		sin, _ := strconv.Atoi(strings.TrimSpace(fields[3]))
		priority, _ := strconv.Atoi(strings.TrimSpace(fields[2]))
		state, _ := strconv.Atoi(strings.TrimSpace(fields[4]))
		length, _ := strconv.Atoi(strings.TrimSpace(fields[5]))
		received, _ := strconv.Atoi(strings.TrimSpace(fields[6]))
		waiting = append(waiting, WaitingMessage{
			Name:     strings.Trim(fields[0], `" `),
			SIN:      byte(sin),
			Priority: priority,
			State:    state,
			Length:   length,
			Received: received,
		})
	}
	return waiting
}

// ReceiveMessage retrieves a mobile-terminated message by queue name and
// decodes its envelope.
func (m *IDP) ReceiveMessage(ctx context.Context, name string) (message.Message, error) {
	i, err := m.Command(ctx, at.Command{
		Cmd:   fmt.Sprintf(`%%MGFG="%s",%d`, name, formatCode(m.codec.Framing)),
		Shape: at.ShapeLine,
	})
	if err != nil {
		return message.Message{}, err
	}
	// %MGFG: "<name>",<number>,<priority>,<sin>,<state>,<length>,<format>,<data>
	fields := strings.SplitN(info.TrimPrefix(i[0], "%MGFG"), ",", 8)
	if len(fields) < 8 {
		return message.Message{}, at.ErrMalformedResponse
	}
	sin, err := strconv.Atoi(strings.TrimSpace(fields[3]))
	if err != nil {
		return message.Message{}, at.ErrMalformedResponse
	}
	return message.DecodeMT(byte(sin), strings.TrimSpace(fields[7]), m.codec)
}

// DeleteMessage marks a retrieved mobile-terminated message for deletion.
func (m *IDP) DeleteMessage(ctx context.Context, name string) error {
	_, err := m.Command(ctx, at.Command{
		Cmd:   fmt.Sprintf(`%%MGFM="%s"`, name),
		Shape: at.ShapeNone,
	})
	return err
}

// SRegister returns the value of an S-register, e.g. "S57".
func (m *IDP) SRegister(ctx context.Context, register string) (int, error) {
	if !strings.HasPrefix(register, "S") {
		return 0, errors.Errorf("invalid S-register: %s", register)
	}
	i, err := m.Command(ctx, at.Command{Cmd: register + "?", Shape: at.ShapeLine})
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(strings.TrimSpace(i[0]))
	if err != nil {
		return 0, at.ErrMalformedResponse
	}
	return value, nil
}

// LastError queries the detail register for the previous command failure and
// returns it as a DeviceError.
func (m *IDP) LastError(ctx context.Context) (at.DeviceError, error) {
	code, err := m.SRegister(ctx, "S80")
	if err != nil {
		return at.DeviceError{}, err
	}
	d := m.Dialect()
	return at.DeviceError{Code: code, Desc: d.ErrorCodes[code]}, nil
}

// EnableCRC sets the device CRC'd serial mode and aligns the engine with it.
func (m *IDP) EnableCRC(ctx context.Context, enable bool) error {
	flag := 0
	if enable {
		flag = 1
	}
	_, err := m.Command(ctx, at.Command{
		Cmd:   fmt.Sprintf("%%CRC=%d", flag),
		Shape: at.ShapeNone,
	})
	if err != nil {
		return err
	}
	m.SetCRC(enable)
	return nil
}

// ControlStates catalogs the satellite acquisition control states.
var ControlStates = map[int]string{
	0:  "Stopped",
	1:  "Waiting for GNSS fix",
	2:  "Starting search",
	3:  "Beam search",
	4:  "Beam found",
	5:  "Beam acquired",
	6:  "Beam switch in progress",
	7:  "Registration in progress",
	8:  "Receive only",
	9:  "Downloading Bulletin Board",
	10: "Active",
	11: "Blocked",
	12: "Confirm previously registered beam",
	13: "Confirm requested beam",
	14: "Connect to confirmed beam",
}

// satStatusCmd queries the control state and carrier-to-noise registers in
// one composite command.
const satStatusCmd = "S90=3 S91=1 S92=1 S122? S116?"

// SatelliteStatus returns the acquisition control state and the
// carrier-to-noise ratio in dB.
func (m *IDP) SatelliteStatus(ctx context.Context) (state int, snr float64, err error) {
	i, err := m.Command(ctx, at.Command{Cmd: satStatusCmd})
	if err != nil {
		return 0, 0, err
	}
	return parseSatelliteStatus(i)
}

func parseSatelliteStatus(i []string) (int, float64, error) {
	if len(i) != 2 {
		return 0, 0, at.ErrMalformedResponse
	}
	state, err := strconv.Atoi(strings.TrimSpace(i[0]))
	if err != nil {
		return 0, 0, at.ErrMalformedResponse
	}
	cn0, err := strconv.Atoi(strings.TrimSpace(i[1]))
	if err != nil {
		return 0, 0, at.ErrMalformedResponse
	}
	return state, float64(cn0) / 100.0, nil
}

// UTCTime returns the modem time string, e.g. "2021-03-01 14:31:56".
func (m *IDP) UTCTime(ctx context.Context) (string, error) {
	i, err := m.Command(ctx, at.Command{Cmd: "%UTC", Shape: at.ShapeLine})
	if err != nil {
		return "", err
	}
	return info.TrimPrefix(i[0], "%UTC"), nil
}

// Shutdown prepares the modem for power-down.
func (m *IDP) Shutdown(ctx context.Context) error {
	_, err := m.Command(ctx, at.Command{Cmd: "%OFF", Shape: at.ShapeNone})
	return err
}
