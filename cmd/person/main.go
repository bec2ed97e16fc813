// Command person runs a person endpoint: it connects to the relay,
// registers its identity and public key, executes any configured
// outbound actions, and logs whatever messages it receives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/tenzoki/meshline/internal/config"
	"github.com/tenzoki/meshline/internal/endpoint"
)

type options struct {
	Name   string `short:"n" long:"name" description:"config name, resolved to config/<name>.yaml" default:"person"`
	Config string `short:"c" long:"config" description:"explicit path to the endpoint config file"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	path := (config.Resolver{Name: opts.Name, ConfigFlag: &opts.Config}).Resolve()
	if path == "" {
		fmt.Fprintln(os.Stderr, "person: no config file found")
		os.Exit(1)
	}

	cfg, err := config.LoadEndpointConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "person: %v\n", err)
		os.Exit(1)
	}

	log := logrus.NewEntry(logrus.StandardLogger())

	base, err := endpoint.NewBase(*cfg, endpoint.NewPerson(log), log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize endpoint")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("received signal, shutting down")
		cancel()
	}()

	if err := base.Run(ctx); err != nil {
		log.WithError(err).Fatal("endpoint exited with error")
	}
}
