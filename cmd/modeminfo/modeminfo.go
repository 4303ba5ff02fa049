// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

// modeminfo collects and displays information related to the modem and its
// current configuration.
//
// This serves as an example of how to interact with a modem, as well as
// providing information which may be useful for debugging.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Inmarsat/idpmodem/at"
	"github.com/Inmarsat/idpmodem/idp"
	"github.com/Inmarsat/idpmodem/serial"
	"github.com/Inmarsat/idpmodem/trace"
	log "github.com/sirupsen/logrus"
)

var version = "undefined"

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 9600, "baud rate")
	timeout := flag.Duration("t", 5*time.Second, "command timeout period")
	verbose := flag.Bool("v", false, "log modem interactions")
	vsn := flag.Bool("version", false, "report version and exit")
	flag.Parse()
	if *vsn {
		fmt.Printf("%s %s\n", os.Args[0], version)
		os.Exit(0)
	}
	mp, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.Error(err)
		return
	}
	defer mp.Close()
	var mio io.ReadWriter = mp
	if *verbose {
		log.SetLevel(log.DebugLevel)
		mio = trace.New(mp)
	}
	m := idp.Decorate(at.New(mio, at.WithTimeout(*timeout)))
	ctx := context.Background()
	if err = m.Init(ctx); err != nil {
		log.Error(err)
		return
	}
	id, err := m.MobileID(ctx)
	report("mobile ID", id, err)
	v, err := m.Versions(ctx)
	report("versions", fmt.Sprintf("FW %s HW %s AT %s", v.Firmware, v.Hardware, v.AT), err)
	utc, err := m.UTCTime(ctx)
	report("UTC time", utc, err)
	state, snr, err := m.SatelliteStatus(ctx)
	report("satellite", fmt.Sprintf("%s (C/N0 %.2f dB)", idp.ControlStates[state], snr), err)
	states, err := m.MessageStates(ctx, "")
	if err != nil {
		report("tx queue", "", err)
	} else {
		for _, s := range states {
			fmt.Printf("tx queue: %s %s %d/%d bytes\n",
				s.Name, idp.StateName(s.State), s.BytesSent, s.Size)
		}
	}
	waiting, err := m.WaitingMessages(ctx)
	if err != nil {
		report("rx queue", "", err)
	} else {
		for _, w := range waiting {
			fmt.Printf("rx queue: %s SIN %d %d/%d bytes\n",
				w.Name, w.SIN, w.Received, w.Length)
		}
	}
	for _, reg := range []string{"S39", "S41", "S51", "S55", "S56", "S57"} {
		val, err := m.SRegister(ctx, reg)
		report(reg, fmt.Sprintf("%d", val), err)
	}
}

func report(name, value string, err error) {
	if err != nil {
		fmt.Printf("%s: %s\n", name, err)
		return
	}
	fmt.Printf("%s: %s\n", name, value)
}
