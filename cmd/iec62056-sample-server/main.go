// Command iec62056-sample-server is the bench double spec.md's client
// talks to during development and in end-to-end tests: an IEC 62056-21
// Mode C server backed by a fixed in-memory dataset. With no device
// argument it spawns its own pseudo-terminal pair (Go has no fork(), so
// this re-execs itself as a hidden child) and exposes the client-facing
// side as a symlink.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/wdoekes/pe32me162irpy-pub/internal/config"
	"github.com/wdoekes/pe32me162irpy-pub/internal/serialport"
	"github.com/wdoekes/pe32me162irpy-pub/internal/serialproxy"
	"github.com/wdoekes/pe32me162irpy-pub/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logrus.NewEntry(logrus.StandardLogger())

	if serialproxy.IsChild() {
		if err := serialproxy.RunChild(ctx, log); err != nil {
			log.WithError(err).Fatal("iec62056-sample-server: proxy child exiting")
		}
		return
	}

	if err := run(ctx, log); err != nil {
		log.WithError(err).Fatal("iec62056-sample-server: exiting")
	}
}

func run(ctx context.Context, log *logrus.Entry) error {
	cli, err := config.ParseServer("iec62056-sample-server", os.Args[1:])
	if err != nil {
		return err
	}
	if cli.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log.WithField("pid", os.Getpid()).Info("iec62056-sample-server: starting")

	device := cli.Device
	if device == "" {
		cmd, adev, err := serialproxy.Spawn(ctx, cli.Expose)
		if err != nil {
			return fmt.Errorf("iec62056-sample-server: spawn proxy: %w", err)
		}
		device = adev
		log.WithFields(logrus.Fields{"a": adev, "b": cli.Expose}).
			Info("iec62056-sample-server: proxy ready, client attaches at the exposed path")
		go func() {
			if err := cmd.Wait(); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("iec62056-sample-server: proxy child exited")
			}
		}()
	}

	port, degraded, err := serialport.Open7E1(device, 300)
	if err != nil {
		return fmt.Errorf("iec62056-sample-server: open %s: %w", device, err)
	}
	if degraded {
		log.Warn("iec62056-sample-server: 7E1 framing unavailable, running degraded 8N1")
	}
	defer port.Close()

	s := server.New(portTransport{port}, server.NewInMemoryDataProvider(), server.Config{}, log)
	err = s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
