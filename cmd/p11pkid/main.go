// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11pki.
//
// go-p11pki is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeremyhahn/go-p11pki/internal/cli"
	"github.com/jeremyhahn/go-p11pki/internal/config"
	"github.com/jeremyhahn/go-p11pki/internal/rest"
	"github.com/jeremyhahn/go-p11pki/pkg/metrics"
	"github.com/jeremyhahn/go-p11pki/pkg/pki"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("p11pkid\n")
		fmt.Printf("  Version:    %s\n", cli.Version)
		fmt.Printf("  Git Commit: %s\n", cli.GitCommit)
		fmt.Printf("  Built:      %s\n", cli.BuildDate)
		os.Exit(0)
	}

	if envConfig := os.Getenv("P11PKI_CONFIG"); envConfig != "" && *configPath == "" {
		*configPath = envConfig
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "p11pkid: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)
	logger.Info("Starting p11pkid", "config", configPath, "version", cli.Version)

	store, err := cfg.OpenStore(logger)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	svc, err := pki.New(store, cfg.ServiceOptions(logger))
	if err != nil {
		return err
	}

	tlsConfig, err := cfg.TLS.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	plan := svc.Probe(ctx)
	if len(plan.Modes) == 0 {
		logger.Warn("no usable OpenSSL backend, token operations will fail until one is available",
			"provider", plan.Provider.Summary(), "engine", plan.Engine.Summary())
	} else {
		logger.Info("backend probe complete", "modes", fmt.Sprint(plan.Modes))
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
		collector := svc.Collector(ctx, cfg.Metrics.Interval)
		go collector.Start()
		defer collector.Stop()
	} else {
		metrics.Disable()
	}

	server, err := rest.NewServer(&rest.Config{
		Listen:              cfg.Server.Listen,
		Service:             svc,
		Version:             cli.Version,
		TLSConfig:           tlsConfig,
		RateLimiter:         cfg.RateLimiter(),
		MetricsPath:         metricsPath,
		MaxUploadBytes:      cfg.Server.MaxUploadBytes,
		DefaultValidityDays: cfg.Issuance.ValidityDays,
		Logger:              logger,
		ReadTimeout:         cfg.Server.ReadTimeout,
		WriteTimeout:        cfg.Server.WriteTimeout,
	})
	if err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Stop(shutdownCtx)
}
