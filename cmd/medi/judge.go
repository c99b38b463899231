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

// runJudge executes the 'judge' CLI command, auto-classifying hashed zips.
//
// Filename hints settle obvious cases; everything else is probed by listing
// the zip's entries. Files that look like checkup deliveries become KENSHIN,
// unreadable archives become UNREADABLE, and the rest stay UNKNOWN for a
// manual verdict. A manual_judgement set by an operator always wins.
//
// Flags:
//   - --limit: Batch size (-1 = config value)
//   - --probe-always: Probe zip contents even when the filename hint matches
//   - --debug: Enable debug logging (default: false)
//   - --metrics-addr: HTTP address for Prometheus metrics (default: disabled)
//
// Examples:
//
//	medi judge                  Judge one batch of hashed files
//	medi judge --probe-always   Distrust filename hints and open every zip
func runJudge(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("judge", flag.ExitOnError)
	limit := fs.Int("limit", -1, "Batch size (-1 = config value)")
	probeAlways := fs.Bool("probe-always", false, "Probe zip contents even when the filename hint matches")
	debug := fs.Bool("debug", false, "Enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: medi judge [options]

Classifies hashed zips as checkup deliveries or noise. Judgements
are written to shared_files.auto_judgement; operators can override
any verdict by setting manual_judgement directly in the ledger.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig(globals)
	if *limit >= 0 {
		cfg.Judge.Limit = *limit
	}
	if *probeAlways {
		cfg.Judge.ProbeAlways = true
	}

	logger := newLogger(*debug)
	startMetrics(*metricsAddr, logger)

	store := mustOpenStore(cfg, globals)
	defer store.Close()

	ctx, cancel := signalContext(logger)
	defer cancel()

	res, err := pipeline.NewJudge(store, cfg, logger).Run(ctx)
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Judge pass failed",
			err.Error(),
			"Re-run 'medi judge'; booked verdicts are kept and the batch resumes",
			err,
		), globals.JSON)
	}

	if emitJSON(globals, struct {
		Targets     int `json:"targets"`
		Changed     int `json:"changed"`
		Probed      int `json:"probed"`
		Kenshin     int `json:"kenshin"`
		Unknown     int `json:"unknown"`
		ProbeFailed int `json:"probe_failed"`
	}{res.Targets, res.Changed, res.Probed, res.Kenshin, res.Unknown, res.ProbeFailed}) {
		return
	}

	ui.Successf("judge complete: %d targets, %d probed, %d kenshin, %d unknown, %d unreadable",
		res.Targets, res.Probed, res.Kenshin, res.Unknown, res.ProbeFailed)
	if res.Unknown > 0 {
		ui.Infof("%d files await a manual judgement (see shared_files.manual_judgement)", res.Unknown)
	}
}
