// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

// sendmessage submits a mobile-originated message to the modem and follows
// its progress through the transmit queue until it completes.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"io"
	"time"

	"github.com/Inmarsat/idpmodem/at"
	"github.com/Inmarsat/idpmodem/idp"
	"github.com/Inmarsat/idpmodem/message"
	"github.com/Inmarsat/idpmodem/serial"
	"github.com/Inmarsat/idpmodem/trace"
	log "github.com/sirupsen/logrus"
)

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 9600, "baud rate")
	timeout := flag.Duration("t", 5*time.Second, "command timeout period")
	period := flag.Duration("p", 10*time.Minute, "period to wait for delivery")
	sin := flag.Int("sin", 128, "service identification number")
	min := flag.Int("min", 1, "message identification number")
	payload := flag.String("x", "", "payload as hex")
	text := flag.String("m", "", "payload as text")
	priority := flag.Int("pri", idp.PriorityLow, "message priority (1..4)")
	verbose := flag.Bool("v", false, "log modem interactions")
	flag.Parse()

	var data []byte
	switch {
	case *payload != "":
		var err error
		data, err = hex.DecodeString(*payload)
		if err != nil {
			log.Fatal(err)
		}
	case *text != "":
		data = []byte(*text)
	default:
		log.Fatal("no payload - use -m or -x")
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
	ctx, cancel := context.WithTimeout(context.Background(), *period)
	defer cancel()
	if err = m.Init(ctx); err != nil {
		log.Error(err)
		return
	}
	msg := message.Message{
		SIN:     byte(*sin),
		MIN:     byte(*min),
		HasMIN:  true,
		Payload: data,
	}
	name, err := m.SendMessage(ctx, "", msg, *priority)
	if err != nil {
		log.Error(err)
		return
	}
	log.WithField("name", name).Info("message queued")
	for {
		select {
		case <-ctx.Done():
			log.Error("delivery wait expired")
			return
		case <-time.After(5 * time.Second):
		}
		states, err := m.MessageStates(ctx, name)
		if err != nil {
			log.Error(err)
			return
		}
		if len(states) == 0 {
			continue
		}
		s := states[0]
		log.WithFields(log.Fields{
			"state": idp.StateName(s.State),
			"sent":  s.BytesSent,
			"size":  s.Size,
		}).Info("progress")
		switch s.State {
		case idp.StateTxComplete:
			log.Info("message delivered")
			return
		case idp.StateTxFailed, idp.StateTxCancelled:
			log.Error("message not delivered")
			return
		}
	}
}
