// Command bank runs a bank endpoint: it connects to the relay, challenges
// every message sender with a fresh authentication token, and applies
// authorized ADD/SUB commands to its sqlite-backed ledger.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/tenzoki/meshline/internal/bank"
	"github.com/tenzoki/meshline/internal/config"
	"github.com/tenzoki/meshline/internal/endpoint"
	"github.com/tenzoki/meshline/internal/ledger"
)

type options struct {
	Name   string `short:"n" long:"name" description:"config name, resolved to config/<name>.yaml" default:"bank"`
	Config string `short:"c" long:"config" description:"explicit path to the bank config file"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	path := (config.Resolver{Name: opts.Name, ConfigFlag: &opts.Config}).Resolve()
	if path == "" {
		fmt.Fprintln(os.Stderr, "bank: no config file found")
		os.Exit(1)
	}

	cfg, err := config.LoadBankConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bank: %v\n", err)
		os.Exit(1)
	}

	log := logrus.NewEntry(logrus.StandardLogger())

	perms, err := config.LoadPermissions(cfg.PermissionFile)
	if err != nil {
		log.WithError(err).Fatal("failed to load permissions")
	}

	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open ledger")
	}
	defer led.Close()

	handler := bank.New(perms, led, log)
	base, err := endpoint.NewBase(cfg.EndpointConfig, handler, log)
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
