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
	"flag"
	"fmt"
	"os"

	"github.com/kraklabs/medi-ingest/internal/errors"
	"github.com/kraklabs/medi-ingest/internal/ui"
	"github.com/kraklabs/medi-ingest/pkg/pipeline"
)

// runScan executes the 'scan' CLI command, registering shared-root zips in the ledger.
//
// It walks the shared filesystem, matches candidate extensions, and upserts one
// shared_files row per path. Rows start in stage NEW and flow through the later
// stages; re-running scan only refreshes file metadata and never resets progress.
//
// Flags:
//   - --limit: Max files to register this pass (-1 = config value, 0 = unlimited)
//   - --debug: Enable debug logging (default: false)
//   - --metrics-addr: HTTP address for Prometheus metrics (default: disabled)
//
// Examples:
//
//	medi scan                  One discovery pass over shared_root
//	medi scan --limit 1000     Stop after registering 1000 files
func runScan(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	limit := fs.Int("limit", -1, "Max files to register this pass (-1 = config value, 0 = unlimited)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: medi scan [options]

Walks paths.shared_root and registers every matching file in the
shared_files ledger. Safe to re-run: known paths are refreshed in
place and their pipeline progress is preserved.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig(globals)
	if *limit >= 0 {
		cfg.Scan.Limit = *limit
	}

	logger := newLogger(*debug)
	startMetrics(*metricsAddr, logger)

	store := mustOpenStore(cfg, globals)
	defer store.Close()

	ctx, cancel := signalContext(logger)
	defer cancel()

	res, err := pipeline.NewScan(store, cfg, logger).Run(ctx)
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Scan pass failed",
			err.Error(),
			"Check paths.shared_root in medi.yaml; the pass is resumable",
			err,
		), globals.JSON)
	}

	if emitJSON(globals, struct {
		Processed int `json:"processed"`
		Upserted  int `json:"upserted"`
	}{res.Processed, res.Upserted}) {
		return
	}

	ui.Successf("scan complete: %d candidates seen, %d registered", res.Processed, res.Upserted)
}
