// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the Synaptiq server: the
// asynchronous request-orchestration core behind the multi-agent
// assistant, exposed over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/synaptiq/synaptiq/internal/api"
	"github.com/synaptiq/synaptiq/internal/buildinfo"
	"github.com/synaptiq/synaptiq/internal/config"
	"github.com/synaptiq/synaptiq/internal/logging"
	"github.com/synaptiq/synaptiq/internal/platform"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

// shutdownGrace bounds how long teardown may take once a signal arrives.
const shutdownGrace = 30 * time.Second

func main() {
	fmt.Printf("Synaptiq Version: %s, Commit: %s, BuiltAt: %s\n",
		buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var configPath string
	flag.StringVar(&configPath, "config", "", "Configure File Path")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return
	}

	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogsDir); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if err := run(cfg, configPath); err != nil {
		log.Errorf("server exited with error: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string) error {
	p, err := platform.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Startup(ctx); err != nil {
		return err
	}

	srv := api.NewServer(p.Pipeline, p.Pool, p.Queue, p.Monitor, cfg.Debug)

	// Hot reload covers the log level, safety patterns, and routing
	// rules; structural settings need a restart since the component
	// graph is built once.
	watcher := config.NewWatcher(configPath, func(next *config.Config) {
		if next.Debug {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
		if err := p.ApplyConfig(next); err != nil {
			log.Warnf("Config swap failed, keeping previous gate and routing: %v", err)
		}
	})
	if err := watcher.Start(); err != nil {
		log.Warnf("Config watcher disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(cfg.Host, cfg.Port) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("Received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}
	return p.Shutdown(shutdownCtx)
}
