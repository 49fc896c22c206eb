// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bureau-foundation/courier/agent"
	"github.com/bureau-foundation/courier/lib/almanac"
	"github.com/bureau-foundation/courier/lib/config"
	"github.com/bureau-foundation/courier/lib/delivery"
	"github.com/bureau-foundation/courier/lib/identity"
	"github.com/bureau-foundation/courier/lib/keystore"
	"github.com/bureau-foundation/courier/lib/resolver"
	"github.com/bureau-foundation/courier/lib/storage"
	"github.com/bureau-foundation/courier/transport"
)

// host is everything one process serves.
type host struct {
	registry *agent.Registry
	agents   []*agent.Agent
	server   *transport.Server
	metrics  *prometheus.Registry
	closers  []io.Closer
}

func (h *host) close() {
	for _, closer := range h.closers {
		closer.Close()
	}
}

func newLogger(cfg config.LogConfig, output io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	options := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(output, options)), nil
	case "text":
		return slog.New(slog.NewTextHandler(output, options)), nil
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", cfg.Format)
	}
}

// build assembles the agents, their shared collaborators and the
// transport from cfg. The caller must call close on the result.
func build(ctx context.Context, cfg *config.Config, passphrase string, logger *slog.Logger) (_ *host, err error) {
	h := &host{
		registry: agent.NewRegistry(agent.RegistryConfig{Logger: logger}),
		metrics:  prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			h.close()
		}
	}()
	h.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := agent.NewMetrics(h.metrics)

	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	if closer, ok := store.(io.Closer); ok {
		h.closers = append(h.closers, closer)
	}

	var directory *almanac.Client
	if cfg.Directory.URL != "" {
		directory, err = almanac.NewClient(almanac.ClientConfig{
			BaseURL:    cfg.Directory.URL,
			HTTPClient: &http.Client{Timeout: cfg.Directory.Timeout},
			Logger:     logger.With("component", "almanac"),
		})
		if err != nil {
			return nil, err
		}
	}
	destinations := newResolver(cfg.Resolver, directory, logger.With("component", "resolver"))
	deliveryClient := delivery.NewClient(delivery.ClientConfig{
		HTTPClient: &http.Client{Timeout: cfg.Server.SyncTimeout},
		Logger:     logger.With("component", "delivery"),
	})

	for _, agentConfig := range cfg.Agents {
		id, err := loadIdentity(agentConfig, passphrase, logger)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agentConfig.Name, err)
		}
		endpoints := make([]almanac.Endpoint, len(agentConfig.Endpoints))
		for index, endpoint := range agentConfig.Endpoints {
			endpoints[index] = almanac.Endpoint{URL: endpoint.URL, Weight: endpoint.Weight}
		}

		settings := agent.Config{
			Name:                 agentConfig.Name,
			Identity:             id,
			Endpoints:            endpoints,
			Registry:             h.registry,
			Store:                storage.Prefixed(store, "agent:"+id.Address()+":"),
			Resolver:             destinations,
			Delivery:             deliveryClient,
			MinimumBalance:       cfg.Registration.MinimumBalance,
			RegistrationInterval: cfg.Registration.Interval,
			ExpiryMargin:         cfg.Registration.ExpiryMargin,
			QueueSize:            agentConfig.QueueSize,
			SyncTimeout:          cfg.Server.SyncTimeout,
			Metrics:              metrics,
			Logger:               logger.With("agent", agentConfig.Name),
		}
		// A nil *almanac.Client must not become a non-nil interface.
		if directory != nil {
			settings.Directory = directory
		}
		hosted, err := agent.New(settings)
		if err != nil {
			return nil, err
		}
		if err := includePing(hosted); err != nil {
			return nil, fmt.Errorf("agent %s: %w", hosted.Name(), err)
		}
		h.agents = append(h.agents, hosted)
	}

	h.server = transport.NewServer(transport.Config{
		Address:         cfg.Server.Address,
		Registry:        h.registry,
		SyncTimeout:     cfg.Server.SyncTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Gatherer:        h.metrics,
		Logger:          logger.With("component", "transport"),
	})
	return h, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemory(), nil
	case config.BackendSQLite:
		return storage.OpenSQLite(storage.SQLiteConfig{
			Path:   cfg.Path,
			Logger: logger.With("component", "storage"),
		})
	case config.BackendRedis:
		return storage.NewRedis(ctx, storage.RedisConfig{
			URL:       cfg.URL,
			KeyPrefix: "courier:",
			Logger:    logger.With("component", "storage"),
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// newResolver builds the destination chain: the directory first, the
// static rules when the directory misses, names refused (no name
// service is wired into this binary), all behind the cache.
func newResolver(cfg config.ResolverConfig, directory *almanac.Client, logger *slog.Logger) resolver.Resolver {
	options := resolver.Options{MaxEndpoints: cfg.MaxEndpoints, Logger: logger}
	var addresses resolver.Resolver = resolver.NewRulesResolver(cfg.Rules)
	if directory != nil {
		addresses = resolver.NewAlmanacResolver(
			resolver.NewAlmanacAPIResolver(directory, options),
			addresses,
			logger,
		)
	}
	var chain resolver.Resolver = resolver.NewGlobalResolver(addresses, nil, logger)
	if cfg.CacheSize > 0 {
		chain = resolver.NewCache(chain, cfg.CacheSize, cfg.CacheTTL, cfg.MaxEndpoints)
	}
	return chain
}

func loadIdentity(cfg config.AgentConfig, passphrase string, logger *slog.Logger) (*identity.Identity, error) {
	seed := cfg.Seed
	if cfg.SeedFile != "" {
		if passphrase == "" {
			return nil, errors.New("COURIER_SEED_PASSPHRASE is required to open seed files")
		}
		var created bool
		var err error
		seed, created, err = keystore.LoadOrCreate(cfg.SeedFile, passphrase)
		if err != nil {
			return nil, err
		}
		if created {
			logger.Info("generated new agent seed", "agent", cfg.Name, "path", cfg.SeedFile)
		}
	}
	return identity.FromSeed(seed, 0)
}
