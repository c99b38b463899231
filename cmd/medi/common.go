// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kraklabs/medi-ingest/internal/errors"
	"github.com/kraklabs/medi-ingest/internal/output"
	"github.com/kraklabs/medi-ingest/pkg/config"
	"github.com/kraklabs/medi-ingest/pkg/ledger"
)

// mustLoadConfig reads and validates the YAML configuration, honoring the
// --config flag and MEDI_* environment overrides. Exits via FatalError when
// the file cannot be read or required db settings are missing.
func mustLoadConfig(globals GlobalFlags) *config.Config {
	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Cannot load configuration",
			err.Error(),
			"Check the --config path and the YAML syntax (default: ./medi.yaml)",
			err,
		), globals.JSON)
	}
	if err := cfg.Validate(); err != nil {
		errors.FatalError(errors.NewConfigError(
			"Configuration is incomplete",
			err.Error(),
			"Fill in db.host, db.port, db.name and db.user, or set the MEDI_DB_* variables",
			err,
		), globals.JSON)
	}
	return cfg
}

// newLogger builds the structured logger every subcommand uses.
// Debug mode lowers the level so per-file pipeline events become visible.
func newLogger(debug bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// mustOpenStore connects to the ledger database or exits with a formatted error.
func mustOpenStore(cfg *config.Config, globals GlobalFlags) *ledger.Store {
	store, err := ledger.Open(cfg.DB.DSN())
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot connect to the ledger database",
			err.Error(),
			"Verify db.host/db.port in medi.yaml and that MySQL is reachable",
			err,
		), globals.JSON)
	}
	return store
}

// mustOpenMaster connects to the item-master database. The master falls back
// to the ledger connection settings when master_db is not configured.
func mustOpenMaster(cfg *config.Config, globals GlobalFlags) *ledger.Master {
	master, err := ledger.OpenMaster(cfg.Master().DSN())
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot connect to the item-master database",
			err.Error(),
			"Verify master_db settings in medi.yaml (they default to the db section)",
			err,
		), globals.JSON)
	}
	return master
}

// signalContext returns a context that is cancelled on SIGINT/SIGTERM so a
// batch can finish its current transaction and stop cleanly.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown.signal", "signal", sig.String())
		cancel()
	}()

	return ctx, cancel
}

// startMetrics exposes Prometheus counters on addr when non-empty.
// The listener runs for the lifetime of the process; batch commands simply
// exit when done, so no explicit shutdown is wired.
func startMetrics(addr string, logger *slog.Logger) {
	if addr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}
		logger.Info("metrics.http.start", "addr", addr, "path", "/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics.http.error", "err", err)
		}
	}()
}

// emitJSON prints v as indented JSON when --json is set and reports whether
// it did, so callers can skip the human-readable rendering.
func emitJSON(globals GlobalFlags, v any) bool {
	if !globals.JSON {
		return false
	}
	if err := output.JSON(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: encode result: %v\n", err)
		os.Exit(1)
	}
	return true
}
