// Command pe32me162irpy-pub polls a meter's optical head over IEC
// 62056-21 Mode C and republishes the two active-energy totals and the
// instantaneous power reading to an MQTT broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/wdoekes/pe32me162irpy-pub/internal/client"
	"github.com/wdoekes/pe32me162irpy-pub/internal/config"
	"github.com/wdoekes/pe32me162irpy-pub/internal/publish"
	"github.com/wdoekes/pe32me162irpy-pub/internal/serialport"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("pe32me162irpy-pub: exiting")
	}
}

func run() error {
	cli, err := config.ParsePublisher("pe32me162irpy-pub", os.Args[1:])
	if err != nil {
		return err
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	if cli.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log.WithFields(logrus.Fields{
		"pid":    os.Getpid(),
		"device": cli.Device,
		"broker": cli.Broker,
		"topic":  cli.Topic,
	}).Info("pe32me162irpy-pub: starting")

	port, degraded, err := serialport.Open7E1(cli.Device, 300)
	if err != nil {
		return fmt.Errorf("pe32me162irpy-pub: open %s: %w", cli.Device, err)
	}
	if degraded {
		log.Warn("pe32me162irpy-pub: 7E1 framing unavailable, running degraded 8N1")
	}
	defer port.Close()

	publisher, err := publish.NewMQTTPublisher(cli.Broker, cli.Topic, cli.Guid, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	processor := publish.NewProcessor(publisher, log)
	c := client.New(portTransport{port}, processor, client.Config{}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 2)
	go func() { errc <- c.Run(ctx) }()
	go func() { errc <- client.WatchDeadMansSwitch(ctx, c) }()

	// First failure wins: whichever goroutine reports first tears the
	// session down, cancelling ctx so the other one unwinds too.
	err = <-errc
	stop()
	<-errc
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
