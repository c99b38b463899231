// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/medi-ingest/internal/errors"
	"github.com/kraklabs/medi-ingest/internal/ui"
	"github.com/kraklabs/medi-ingest/pkg/pipeline"
)

// runNormalize executes the 'normalize' CLI command, cleaning raw item values.
//
// Each RAW row in exam_result_item_values is normalized per its item_master
// value type: PQ values are trimmed and checked numeric, CD codes are mapped
// through norm_variants, ST text passes through verbatim. Rows that cannot be
// normalized are marked ERROR with the reason and left for data review.
func runNormalize(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("normalize", flag.ExitOnError)
	limit := fs.Int("limit", -1, "Batch size (-1 = config value, 0 = unlimited)")
	debug := fs.Bool("debug", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: medi normalize [options]

Description:
  Normalize raw extracted item values into submission-ready form.
  Verdicts are per row: a value either normalizes (status OK) or is
  marked ERROR with the reason in normalize_error. Re-running only
  picks up rows still in status RAW.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  medi normalize
  medi normalize --limit 2000
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig(globals)
	if *limit >= 0 {
		cfg.Normalize.Limit = *limit
	}

	logger := newLogger(*debug)

	store := mustOpenStore(cfg, globals)
	defer store.Close()

	master := mustOpenMaster(cfg, globals)
	defer master.Close()

	ctx, cancel := signalContext(logger)
	defer cancel()

	res, err := pipeline.NewNormalize(store, master, cfg, logger).Run(ctx)
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Normalize pass failed",
			err.Error(),
			"Re-run 'medi normalize'; rows already normalized stay OK",
			err,
		), globals.JSON)
	}

	if emitJSON(globals, struct {
		Targets int `json:"targets"`
		OK      int `json:"ok"`
		Errors  int `json:"errors"`
	}{res.Targets, res.OK, res.Errors}) {
		if res.Errors > 0 {
			os.Exit(2)
		}
		return
	}

	ui.Successf("normalize complete: %d targets, %d ok, %d errors", res.Targets, res.OK, res.Errors)
	if res.Errors > 0 {
		ui.Warning("some values could not be normalized; see exam_result_item_values.normalize_error")
		os.Exit(2)
	}
}
