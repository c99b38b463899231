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

// runItems executes the 'items' CLI command, extracting observation values.
//
// For each header-extracted xml it re-opens the source zip, walks every CDA
// observation, and books one xml_item_values row per item code found in the
// item_master catalog. Values land raw; 'medi normalize' cleans them up.
//
// Flags:
//   - --run-id: Attach to an existing import run instead of opening a new one
//   - --note: Free-text note recorded on the run row (default: "item_extract")
//   - --limit: Batch size (-1 = config value)
//   - --debug: Enable debug logging (default: false)
//   - --metrics-addr: HTTP address for Prometheus metrics (default: disabled)
//
// Examples:
//
//	medi items                  Extract one batch under a fresh run
//	medi items --run-id 42      Book values under run 42
//	medi items --limit 0        No batch limit
func runItems(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("items", flag.ExitOnError)
	runID := fs.Int64("run-id", 0, "Attach to an existing import run (0 = open a new run)")
	note := fs.String("note", "", "Free-text note recorded on the run row")
	limit := fs.Int("limit", -1, "Batch size (-1 = config value, 0 = unlimited)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: medi items [options]

Extracts per-observation item values from header-extracted xmls.
Item codes are matched against the item_master catalog; xmls whose
observations match nothing are marked SKIP with a zero-hit note.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig(globals)
	if *limit >= 0 {
		cfg.Items.Limit = *limit
	}

	logger := newLogger(*debug)
	startMetrics(*metricsAddr, logger)

	store := mustOpenStore(cfg, globals)
	defer store.Close()

	master := mustOpenMaster(cfg, globals)
	defer master.Close()

	ctx, cancel := signalContext(logger)
	defer cancel()

	it := pipeline.NewItems(store, master, cfg, logger)
	it.RunID = *runID
	it.Note = *note

	res, err := it.Run(ctx)
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Item extraction failed",
			err.Error(),
			"Re-run 'medi items'; finished xmls are marked and skipped next pass",
			err,
		), globals.JSON)
	}

	if emitJSON(globals, struct {
		RunID     int64  `json:"run_id"`
		Targets   int    `json:"targets"`
		Processed int    `json:"processed"`
		OK        int    `json:"ok"`
		Errors    int    `json:"errors"`
		ZeroHit   int    `json:"zero_hit"`
		Summary   string `json:"summary"`
	}{res.RunID, res.Targets, res.Processed, res.OK, res.Errors, res.ZeroHit, res.Summary}) {
		if res.Errors > 0 {
			os.Exit(2)
		}
		return
	}

	ui.Successf("items run %d complete: %d targets, %d ok, %d errors, %d zero-hit",
		res.RunID, res.Targets, res.OK, res.Errors, res.ZeroHit)
	if res.Errors > 0 {
		ui.Warning("some xmls failed item extraction; see xml_process_logs step EXTRACT_ITEMS")
		os.Exit(2)
	}
}
