// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Courier-agent hosts the agents named in a config file behind one
// HTTP transport, registers them with the directory and serves until
// interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/bureau-foundation/courier/lib/config"
	"github.com/bureau-foundation/courier/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("courier-agent", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: $COURIER_CONFIG)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("courier-agent %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	passphrase, err := seedPassphrase(cfg)
	if err != nil {
		return err
	}

	host, err := build(ctx, cfg, passphrase, logger)
	if err != nil {
		return err
	}
	defer host.close()

	logger.Info("starting courier-agent",
		"version", version.Info(),
		"environment", cfg.Environment,
		"agents", len(host.agents),
		"address", cfg.Server.Address,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return host.server.Serve(groupCtx) })
	for _, hosted := range host.agents {
		group.Go(func() error { return hosted.Run(groupCtx) })
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

// seedPassphrase returns COURIER_SEED_PASSPHRASE, or prompts for it
// when some agent uses a seed file and stdin is a terminal.
func seedPassphrase(cfg *config.Config) (string, error) {
	if passphrase := os.Getenv("COURIER_SEED_PASSPHRASE"); passphrase != "" {
		return passphrase, nil
	}
	needed := false
	for _, agentConfig := range cfg.Agents {
		if agentConfig.SeedFile != "" {
			needed = true
		}
	}
	input := int(os.Stdin.Fd())
	if !needed || !term.IsTerminal(input) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, "seed passphrase: ")
	passphrase, err := term.ReadPassword(input)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading seed passphrase: %w", err)
	}
	return string(passphrase), nil
}
