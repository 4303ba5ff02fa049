// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

//  Test suite for the AT engine.
//
//  Note that these tests provide a mockModem which does not attempt to emulate
//  a real IDP terminal, but which provides responses required to exercise
//  at.go. So, while the commands may follow the structure of the AT protocol
//  they most certainly are not real commands - just patterns that elicit the
//  behaviour required for the test.

package at_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Inmarsat/idpmodem/at"
	"github.com/Inmarsat/idpmodem/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	patterns := []struct {
		name    string
		options []at.Option
	}{
		{
			"default",
			nil,
		},
		{
			"timeout",
			[]at.Option{at.WithTimeout(100 * time.Millisecond)},
		},
		{
			"retries",
			[]at.Option{at.WithRetries(2)},
		},
		{
			"crc",
			[]at.Option{at.WithCRC},
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			mm := mockModem{cmdSet: nil, r: make(chan []byte, 10)}
			defer teardownModem(&mm)
			a := at.New(&mm, p.options...)
			require.NotNil(t, a)
			select {
			case <-a.Closed():
				t.Error("modem closed")
			default:
			}
		}
		t.Run(p.name, f)
	}
}

func TestCommand(t *testing.T) {
	cmdSet := map[string][]string{
		"AT\r":      {"\r\nOK\r\n"},
		"AT+GSN\r":  {"\r\n+GSN: 123456789\r\n\r\nOK\r\n"},
		"ATS54?\r":  {"\r\n007\r\n\r\nOK\r\n"},
		"AT%MGFN\r": {"\r\n%MGFN: \"FM01.01\",1,0,128,2,10,10\r\n%MGFN: \"FM02.01\",2,0,128,2,5,5\r\n\r\nOK\r\n"},
		"ATE\r":     {"\r\nERROR\r\n"},
		"ATN\r":     {"\r\n4\r\n"},
		"ATZ\r":     {"\r\n0\r\n"},
	}
	patterns := []struct {
		name string
		cmd  at.Command
		info []string
		err  error
	}{
		{
			"ok",
			at.Command{Cmd: "", Shape: at.ShapeNone},
			nil,
			nil,
		},
		{
			"echo discarded",
			at.Command{Cmd: "+GSN", Shape: at.ShapeLine},
			[]string{"+GSN: 123456789"},
			nil,
		},
		{
			"single line",
			at.Command{Cmd: "S54?", Shape: at.ShapeLine},
			[]string{"007"},
			nil,
		},
		{
			"multi line",
			at.Command{Cmd: "%MGFN"},
			[]string{
				`%MGFN: "FM01.01",1,0,128,2,10,10`,
				`%MGFN: "FM02.01",2,0,128,2,5,5`,
			},
			nil,
		},
		{
			"error",
			at.Command{Cmd: "E"},
			nil,
			at.DeviceError{Code: 4, Desc: "ERROR"},
		},
		{
			"numeric error",
			at.Command{Cmd: "N"},
			nil,
			at.DeviceError{Code: 4, Desc: "ERROR"},
		},
		{
			"numeric ok",
			at.Command{Cmd: "Z", Shape: at.ShapeNone},
			nil,
			nil,
		},
		{
			"malformed none",
			at.Command{Cmd: "+GSN", Shape: at.ShapeNone},
			nil,
			at.ErrMalformedResponse,
		},
		{
			"malformed line",
			at.Command{Cmd: "%MGFN", Shape: at.ShapeLine},
			nil,
			at.ErrMalformedResponse,
		},
	}
	a, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	ctx := context.Background()
	for _, p := range patterns {
		f := func(t *testing.T) {
			info, err := a.Command(ctx, p.cmd)
			if p.err == nil {
				assert.Nil(t, err)
				assert.Equal(t, p.info, info)
			} else {
				assert.Equal(t, p.err, err)
			}
		}
		t.Run(p.name, f)
	}
}

func TestCommandTimeout(t *testing.T) {
	// a command the mock swallows without responding
	cmdSet := map[string][]string{
		"ATX\r": {""},
	}
	a, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	ctx := context.Background()
	info, err := a.Command(ctx, at.Command{Cmd: "X", Timeout: 20 * time.Millisecond})
	assert.Equal(t, at.ErrTimeout, err)
	assert.Nil(t, info)
	assert.Equal(t, 1, mm.writeCount("ATX\r"))
}

func TestCommandRetries(t *testing.T) {
	cmdSet := map[string][]string{
		"ATX\r": {""},
	}
	a, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	ctx := context.Background()

	// a budget of R timeouts produces R+1 writes
	_, err := a.Command(ctx, at.Command{Cmd: "X", Timeout: 20 * time.Millisecond, Retries: 2})
	assert.Equal(t, at.ErrTimeout, err)
	assert.Equal(t, 3, mm.writeCount("ATX\r"))
}

func TestCommandClosedModem(t *testing.T) {
	a, mm := setupModem(t, nil)
	defer teardownModem(mm)
	mm.Close()
	select {
	case <-a.Closed():
	case <-time.After(time.Second):
		t.Fatal("engine did not close")
	}
	ctx := context.Background()
	info, err := a.Command(ctx, at.Command{Cmd: ""})
	assert.Equal(t, at.ErrClosed, err)
	assert.Nil(t, info)
}

func TestCommandWriteError(t *testing.T) {
	a, mm := setupModem(t, nil)
	defer teardownModem(mm)
	mm.errOnWrite = true
	ctx := context.Background()
	info, err := a.Command(ctx, at.Command{Cmd: ""})
	assert.NotNil(t, err)
	assert.NotEqual(t, at.ErrTimeout, err)
	assert.Nil(t, info)
}

func TestCommandOrdering(t *testing.T) {
	cmdSet := map[string][]string{
		"ATA\r": {""},
		"ATB\r": {"\r\nOK\r\n"},
		"ATC\r": {"\r\nOK\r\n"},
	}
	a, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	// A holds the engine in-flight while B and C queue behind it.
	pa, err := a.Submit(at.Command{Cmd: "A", Shape: at.ShapeNone, Timeout: time.Second})
	require.Nil(t, err)
	waitWrite(t, mm, "ATA\r")
	pb, err := a.Submit(at.Command{Cmd: "B", Shape: at.ShapeNone})
	require.Nil(t, err)
	pc, err := a.Submit(at.Command{Cmd: "C", Shape: at.ShapeNone})
	require.Nil(t, err)
	mm.r <- []byte("\r\nOK\r\n")

	ctx := context.Background()
	for _, p := range []*at.Pending{pa, pb, pc} {
		_, err = p.Wait(ctx)
		assert.Nil(t, err)
	}
	assert.Equal(t, []string{"ATA\r", "ATB\r", "ATC\r"}, mm.writeLog())
}

func TestBackgroundPriority(t *testing.T) {
	cmdSet := map[string][]string{
		"ATA\r": {""},
		"ATB\r": {"\r\nOK\r\n"},
		"ATD\r": {"\r\nOK\r\n"},
	}
	a, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	pa, err := a.Submit(at.Command{Cmd: "A", Shape: at.ShapeNone, Timeout: time.Second})
	require.Nil(t, err)
	waitWrite(t, mm, "ATA\r")
	// background D submitted before foreground B, but B runs first
	pd, err := a.Submit(at.Command{Cmd: "D", Shape: at.ShapeNone, Priority: at.Background})
	require.Nil(t, err)
	pb, err := a.Submit(at.Command{Cmd: "B", Shape: at.ShapeNone})
	require.Nil(t, err)
	mm.r <- []byte("\r\nOK\r\n")

	ctx := context.Background()
	for _, p := range []*at.Pending{pa, pb, pd} {
		_, err = p.Wait(ctx)
		assert.Nil(t, err)
	}
	assert.Equal(t, []string{"ATA\r", "ATB\r", "ATD\r"}, mm.writeLog())
}

func TestCancelQueued(t *testing.T) {
	cmdSet := map[string][]string{
		"ATA\r": {""},
		"ATB\r": {"\r\nOK\r\n"},
		"ATC\r": {"\r\nOK\r\n"},
	}
	a, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	pa, err := a.Submit(at.Command{Cmd: "A", Shape: at.ShapeNone, Timeout: time.Second})
	require.Nil(t, err)
	waitWrite(t, mm, "ATA\r")
	pb, err := a.Submit(at.Command{Cmd: "B", Shape: at.ShapeNone})
	require.Nil(t, err)
	assert.True(t, pb.Cancel())
	mm.r <- []byte("\r\nOK\r\n")

	ctx := context.Background()
	_, err = pa.Wait(ctx)
	assert.Nil(t, err)
	_, err = pb.Wait(ctx)
	assert.Equal(t, at.ErrCancelled, err)

	// the cancelled entry never reached the transport
	_, err = a.Command(ctx, at.Command{Cmd: "C", Shape: at.ShapeNone})
	assert.Nil(t, err)
	assert.Equal(t, []string{"ATA\r", "ATC\r"}, mm.writeLog())
}

func TestCancelInFlight(t *testing.T) {
	cmdSet := map[string][]string{
		"ATA\r":    {"\r\npartial\r\n"},
		"AT+GSN\r": {"\r\n+GSN: 123456789\r\n\r\nOK\r\n"},
	}
	a, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	pa, err := a.Submit(at.Command{Cmd: "A", Timeout: time.Second})
	require.Nil(t, err)
	waitWrite(t, mm, "ATA\r")
	assert.True(t, pa.Cancel())
	mm.r <- []byte("\r\nOK\r\n")

	ctx := context.Background()
	_, err = pa.Wait(ctx)
	assert.Equal(t, at.ErrCancelled, err)

	// the drained response does not leak into the next command
	info, err := a.Command(ctx, at.Command{Cmd: "+GSN", Shape: at.ShapeLine})
	assert.Nil(t, err)
	assert.Equal(t, []string{"+GSN: 123456789"}, info)
}

func TestCancelResolved(t *testing.T) {
	cmdSet := map[string][]string{
		"AT\r": {"\r\nOK\r\n"},
	}
	a, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	p, err := a.Submit(at.Command{Cmd: "", Shape: at.ShapeNone})
	require.Nil(t, err)
	ctx := context.Background()
	_, err = p.Wait(ctx)
	require.Nil(t, err)
	assert.False(t, p.Cancel())
}

func TestWaitContext(t *testing.T) {
	cmdSet := map[string][]string{
		"ATX\r": {""},
	}
	a, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	info, err := a.Command(ctx, at.Command{Cmd: "X", Timeout: time.Second})
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Nil(t, info)
}

func TestCommandCRC(t *testing.T) {
	cmdSet := map[string][]string{
		"ATI*FD97\r": {"\r\n123456789\r\nOK\r\n*EFD9\r\n"},
	}
	mm := &mockModem{cmdSet: cmdSet, echo: true, r: make(chan []byte, 10)}
	defer teardownModem(mm)
	a := at.New(mm, at.WithCRC)
	require.NotNil(t, a)
	ctx := context.Background()
	info, err := a.Command(ctx, at.Command{Cmd: "I"})
	assert.Nil(t, err)
	assert.Equal(t, []string{"123456789"}, info)
}

func TestCommandCRCMismatch(t *testing.T) {
	cmdSet := map[string][]string{
		"ATZ*DFC5\r": {"\r\nOK\r\n*0000\r\n"},
	}
	mm := &mockModem{cmdSet: cmdSet, echo: true, r: make(chan []byte, 10)}
	defer teardownModem(mm)
	a := at.New(mm, at.WithCRC)
	require.NotNil(t, a)
	ctx := context.Background()

	// corruption is treated as transient, so it consumes the retry budget
	_, err := a.Command(ctx, at.Command{Cmd: "Z", Retries: 1, Timeout: time.Second})
	assert.Equal(t, at.ErrCRCMismatch, err)
	assert.Equal(t, 2, mm.writeCount("ATZ*DFC5\r"))
}

func TestCommandCRCConfig(t *testing.T) {
	// device has CRC'd mode enabled - it rejects the plain command and
	// checksums the rejection
	cmdSet := map[string][]string{
		"ATZ\r": {"\r\nERROR\r\n*2BCD\r\n"},
	}
	a, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	ctx := context.Background()
	_, err := a.Command(ctx, at.Command{Cmd: "Z"})
	assert.Equal(t, at.ErrCRCConfig, err)
}

func TestSetCRC(t *testing.T) {
	a, mm := setupModem(t, nil)
	defer teardownModem(mm)
	assert.False(t, a.CRC())
	a.SetCRC(true)
	assert.True(t, a.CRC())
	a.SetCRC(false)
	assert.False(t, a.CRC())
}

func TestSubscribe(t *testing.T) {
	a, mm := setupModem(t, nil)
	defer teardownModem(mm)
	sub := a.Subscribe()
	defer sub.Close()

	mm.r <- []byte("\r\n$GPRMC,142519.000,A,4517.1073,N,07550.9222,W,0.07,0.00,010321,,,A*75\r\n")
	mm.r <- []byte("\r\n%EVNT: 3,0,1234\r\n")
	mm.r <- []byte("\r\nWAKEUP\r\n")

	expected := []at.Event{
		{
			Kind: at.NMEASentence,
			Raw:  "$GPRMC,142519.000,A,4517.1073,N,07550.9222,W,0.07,0.00,010321,,,A*75",
		},
		{
			Kind: at.Notification,
			Raw:  "%EVNT: 3,0,1234",
			Code: 3,
			Data: "0,1234",
		},
		{
			Kind: at.Unrecognized,
			Raw:  "WAKEUP",
		},
	}
	for _, x := range expected {
		select {
		case e := <-sub.C():
			assert.Equal(t, x, e)
		case <-time.After(time.Second):
			t.Fatalf("no event for %v", x)
		}
	}
	assert.Equal(t, 0, sub.Dropped())
}

func TestSubscribeFiltered(t *testing.T) {
	a, mm := setupModem(t, nil)
	defer teardownModem(mm)
	sub := a.Subscribe(at.Notification)
	defer sub.Close()

	mm.r <- []byte("\r\nWAKEUP\r\n")
	mm.r <- []byte("\r\n%EVNT: 7,1\r\n")

	select {
	case e := <-sub.C():
		assert.Equal(t, at.Notification, e.Kind)
		assert.Equal(t, 7, e.Code)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	select {
	case e := <-sub.C():
		t.Errorf("unexpected event: %v", e)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestSubscribeDuringCommand(t *testing.T) {
	// lines received while a command is in flight belong to the command,
	// not the subscribers
	cmdSet := map[string][]string{
		"AT+GSN\r": {"\r\n+GSN: 123456789\r\n\r\nOK\r\n"},
	}
	a, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	sub := a.Subscribe()
	defer sub.Close()
	ctx := context.Background()
	info, err := a.Command(ctx, at.Command{Cmd: "+GSN", Shape: at.ShapeLine})
	assert.Nil(t, err)
	assert.Equal(t, []string{"+GSN: 123456789"}, info)
	select {
	case e := <-sub.C():
		t.Errorf("response leaked to subscriber: %v", e)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestSubscribeClosedEngine(t *testing.T) {
	a, mm := setupModem(t, nil)
	sub := a.Subscribe()
	teardownModem(mm)
	select {
	case <-a.Closed():
	case <-time.After(time.Second):
		t.Fatal("engine did not close")
	}
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}
}

func TestDrainOnClose(t *testing.T) {
	cmdSet := map[string][]string{
		"ATA\r": {""},
	}
	a, mm := setupModem(t, cmdSet)
	pa, err := a.Submit(at.Command{Cmd: "A", Timeout: time.Second})
	require.Nil(t, err)
	waitWrite(t, mm, "ATA\r")
	pb, err := a.Submit(at.Command{Cmd: "B"})
	require.Nil(t, err)
	teardownModem(mm)

	ctx := context.Background()
	_, err = pa.Wait(ctx)
	assert.Equal(t, at.ErrClosed, err)
	_, err = pb.Wait(ctx)
	assert.Equal(t, at.ErrClosed, err)
}

type mockModem struct {
	cmdSet     map[string][]string
	errOnWrite bool
	echo       bool
	closed     bool
	// The buffer emulating characters emitted by the modem.
	r chan []byte

	wmu    sync.Mutex
	writes []string
}

func (m *mockModem) Read(p []byte) (n int, err error) {
	data, ok := <-m.r
	if data == nil {
		return 0, io.EOF
	}
	copy(p, data) // assumes p is empty
	if !ok {
		return len(data), errors.New("closed with data")
	}
	return len(data), nil
}

func (m *mockModem) Write(p []byte) (n int, err error) {
	if m.closed {
		return 0, io.EOF
	}
	if m.errOnWrite {
		return 0, errors.New("write error")
	}
	m.wmu.Lock()
	m.writes = append(m.writes, string(p))
	m.wmu.Unlock()
	if m.echo {
		m.r <- p
	}
	v := m.cmdSet[string(p)]
	if len(v) == 0 {
		m.r <- []byte("\r\nERROR\r\n")
	} else {
		for _, l := range v {
			if len(l) == 0 {
				continue
			}
			m.r <- []byte(l)
		}
	}
	return len(p), nil
}

func (m *mockModem) Close() error {
	if m.closed == false {
		m.closed = true
		close(m.r)
	}
	return nil
}

func (m *mockModem) writeLog() []string {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return append([]string(nil), m.writes...)
}

func (m *mockModem) writeCount(cmd string) int {
	n := 0
	for _, w := range m.writeLog() {
		if w == cmd {
			n++
		}
	}
	return n
}

// waitWrite spins until the mock has seen the command written, so the test
// knows the engine is in flight.
func waitWrite(t *testing.T, m *mockModem, cmd string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if m.writeCount(cmd) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("command never written: %s", cmd)
}

func setupModem(t *testing.T, cmdSet map[string][]string) (*at.AT, *mockModem) {
	mm := &mockModem{cmdSet: cmdSet, echo: true, r: make(chan []byte, 10)}
	var modem io.ReadWriter = mm
	debug := false // set to true to enable tracing of the flow to the mockModem.
	if debug {
		modem = trace.New(modem)
	}
	a := at.New(modem)
	require.NotNil(t, a)
	return a, mm
}

func teardownModem(m *mockModem) {
	m.Close()
}
