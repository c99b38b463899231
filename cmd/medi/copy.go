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

// runCopy executes the 'copy' CLI command, staging judged zips into the input root.
//
// Only files judged KENSHIN (auto or manual) are staged. The copy lands under
// paths.input_root/<facility folder>/ with a temp-then-rename write so import
// never sees a half-written zip. Duplicates of an already-imported content
// hash are marked SKIPPED instead of staged again.
//
// Flags:
//   - --limit: Batch size (-1 = config value)
//   - --dry-run: Decide and log without copying or booking stage changes
//   - --overwrite: Replace an existing staged file with the same name
//   - --debug: Enable debug logging (default: false)
//   - --metrics-addr: HTTP address for Prometheus metrics (default: disabled)
//
// Examples:
//
//	medi copy                  Stage one batch of judged zips
//	medi copy --dry-run        Preview what would be staged
//	medi copy --overwrite      Re-deliver fixed zips over stale copies
func runCopy(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("copy", flag.ExitOnError)
	limit := fs.Int("limit", -1, "Batch size (-1 = config value)")
	dryRun := fs.Bool("dry-run", false, "Decide and log without copying or booking stage changes")
	overwrite := fs.Bool("overwrite", false, "Replace an existing staged file with the same name")
	debug := fs.Bool("debug", false, "Enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: medi copy [options]

Stages KENSHIN-judged zips from the shared root into the facility
input root where 'medi import' picks them up. Copies are written to
a temp name and renamed into place.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig(globals)
	if *limit >= 0 {
		cfg.Copy.Limit = *limit
	}

	logger := newLogger(*debug)
	startMetrics(*metricsAddr, logger)

	store := mustOpenStore(cfg, globals)
	defer store.Close()

	ctx, cancel := signalContext(logger)
	defer cancel()

	cp := pipeline.NewCopy(store, cfg, logger)
	cp.DryRun = *dryRun
	cp.Overwrite = *overwrite

	res, err := cp.Run(ctx)
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Copy pass failed",
			err.Error(),
			"Re-run 'medi copy'; staged files are kept and the batch resumes",
			err,
		), globals.JSON)
	}

	if emitJSON(globals, struct {
		Targets int  `json:"targets"`
		Copied  int  `json:"copied"`
		Skipped int  `json:"skipped"`
		Failed  int  `json:"failed"`
		DryRun  bool `json:"dry_run"`
	}{res.Targets, res.Copied, res.Skipped, res.Failed, *dryRun}) {
		if res.Failed > 0 {
			os.Exit(2)
		}
		return
	}

	verb := "staged"
	if *dryRun {
		verb = "would stage"
	}
	ui.Successf("copy complete: %d targets, %s %d, %d skipped, %d failed",
		res.Targets, verb, res.Copied, res.Skipped, res.Failed)
	if res.Failed > 0 {
		ui.Warning("some copies failed; the files stay pending for the next pass")
		os.Exit(2)
	}
}
