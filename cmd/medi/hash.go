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

	"github.com/schollz/progressbar/v3"

	"github.com/kraklabs/medi-ingest/internal/errors"
	"github.com/kraklabs/medi-ingest/internal/ui"
	"github.com/kraklabs/medi-ingest/pkg/pipeline"
)

// runHash executes the 'hash' CLI command, computing SHA-256 digests for scanned zips.
//
// It picks one batch of shared_files rows without a content hash, streams each
// file through SHA-256 with a worker pool, and books the digests. Files that
// disappeared between scan and hash are marked SKIPPED rather than failed.
//
// Flags:
//   - --limit: Batch size (-1 = config value)
//   - --workers: Parallel hash workers (-1 = config value)
//   - --debug: Enable debug logging (default: false)
//   - --metrics-addr: HTTP address for Prometheus metrics (default: disabled)
//
// Examples:
//
//	medi hash                  Hash one batch of pending files
//	medi hash --limit 1000     Larger batch for backlog draining
//	medi hash --workers 8      More parallel readers on fast storage
func runHash(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("hash", flag.ExitOnError)
	limit := fs.Int("limit", -1, "Batch size (-1 = config value)")
	workers := fs.Int("workers", -1, "Parallel hash workers (-1 = config value)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: medi hash [options]

Computes content hashes for files registered by 'medi scan'. The
hash is the identity every later stage keys on, so renames and
re-deliveries of the same zip are recognized as duplicates.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig(globals)
	if *limit >= 0 {
		cfg.Hash.Limit = *limit
	}
	if *workers > 0 {
		cfg.Hash.Workers = *workers
	}

	logger := newLogger(*debug)
	startMetrics(*metricsAddr, logger)

	store := mustOpenStore(cfg, globals)
	defer store.Close()

	ctx, cancel := signalContext(logger)
	defer cancel()

	pcfg := NewProgressConfig(globals)
	var bar *progressbar.ProgressBar

	h := pipeline.NewHash(store, cfg, logger)
	h.Progress = func(done, total int) {
		if bar == nil {
			bar = NewProgressBar(pcfg, int64(total), "Hashing zips")
		}
		if bar != nil {
			_ = bar.Set(done)
		}
	}

	res, err := h.Run(ctx)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Hash pass failed",
			err.Error(),
			"Re-run 'medi hash'; booked digests are kept and the batch resumes",
			err,
		), globals.JSON)
	}

	if emitJSON(globals, struct {
		Targets int `json:"targets"`
		Done    int `json:"done"`
		Missing int `json:"missing"`
		Failed  int `json:"failed"`
	}{res.Targets, res.Done, res.Missing, res.Failed}) {
		if res.Failed > 0 {
			os.Exit(2)
		}
		return
	}

	ui.Successf("hash complete: %d targets, %d hashed, %d missing, %d failed",
		res.Targets, res.Done, res.Missing, res.Failed)
	if res.Failed > 0 {
		ui.Warning("some files could not be read; they stay in stage NEW for the next pass")
		os.Exit(2)
	}
}
