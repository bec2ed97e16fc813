// Command relay runs the directory-only message relay: it accepts
// endpoint connections, registers them by id, and dispatches their
// requests (get_public_key, send_message) without ever inspecting or
// storing message payloads.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/tenzoki/meshline/internal/relay"
)

type options struct {
	Addr     string `short:"a" long:"addr" description:"address to listen on" default:":9700"`
	LogLevel string `long:"log-level" description:"logrus level" default:"info"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(opts.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := relay.New(opts.Addr, entry)

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	entry.WithField("addr", opts.Addr).Info("relay listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		entry.WithField("signal", sig).Info("received signal, shutting down")
	case err := <-done:
		if err != nil {
			entry.WithError(err).Error("relay stopped")
		}
	}

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		entry.Warn("shutdown timeout exceeded")
	}
}
