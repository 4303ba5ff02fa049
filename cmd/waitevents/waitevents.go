// SPDX-License-Identifier: MIT
//
// Copyright © 2021 Inmarsat.

// waitevents watches the modem for unsolicited output and received messages,
// and dumps them to the log.
//
// This provides an example of using subscriptions and the background poller
// together with foreground commands on a shared modem.
package main

import (
	"context"
	"flag"
	"io"
	"time"

	"github.com/Inmarsat/idpmodem/at"
	"github.com/Inmarsat/idpmodem/idp"
	"github.com/Inmarsat/idpmodem/serial"
	"github.com/Inmarsat/idpmodem/trace"
	log "github.com/sirupsen/logrus"
)

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 9600, "baud rate")
	timeout := flag.Duration("t", 5*time.Second, "command timeout period")
	period := flag.Duration("p", 10*time.Minute, "period to wait")
	poll := flag.Duration("poll", 30*time.Second, "status poll interval")
	verbose := flag.Bool("v", false, "log modem interactions")
	flag.Parse()

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
	sub := m.Subscribe()
	defer sub.Close()
	p := idp.NewPoller(m, idp.WithInterval(*poll), idp.WithPollTimeout(*timeout))
	go func() {
		if err := p.Run(ctx); err != nil && err != context.DeadlineExceeded {
			log.WithError(err).Debug("poller stopped")
		}
	}()
	last := idp.Status{}
	for {
		select {
		case <-ctx.Done():
			log.Info("exiting...")
			return
		case e, ok := <-sub.C():
			if !ok {
				log.Error("modem closed, exiting...")
				return
			}
			logEvent(e)
		case <-time.After(time.Second):
			status := p.Status()
			if status.UpdatedAt == last.UpdatedAt {
				continue
			}
			last = status
			log.WithFields(log.Fields{
				"state":   idp.ControlStates[status.ControlState],
				"snr":     status.SNR,
				"waiting": len(status.Waiting),
			}).Info("status")
			receiveWaiting(ctx, m, status)
		}
	}
}

func logEvent(e at.Event) {
	switch e.Kind {
	case at.NMEASentence:
		log.WithField("sentence", e.Raw).Info("nmea")
	case at.Notification:
		log.WithFields(log.Fields{
			"code": e.Code,
			"data": e.Data,
		}).Info("notification")
	default:
		log.WithField("line", e.Raw).Warn("unrecognized output")
	}
}

// receiveWaiting retrieves and deletes every message the poller found in the
// receive queue.
func receiveWaiting(ctx context.Context, m *idp.IDP, status idp.Status) {
	for _, w := range status.Waiting {
		msg, err := m.ReceiveMessage(ctx, w.Name)
		if err != nil {
			log.WithError(err).WithField("name", w.Name).Error("receive failed")
			continue
		}
		log.WithFields(log.Fields{
			"name":    w.Name,
			"sin":     msg.SIN,
			"min":     msg.MIN,
			"payload": msg.Payload,
		}).Info("message received")
		if err := m.DeleteMessage(ctx, w.Name); err != nil {
			log.WithError(err).WithField("name", w.Name).Error("delete failed")
		}
	}
}
