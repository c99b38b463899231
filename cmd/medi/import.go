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
	"time"

	"github.com/kraklabs/medi-ingest/internal/errors"
	"github.com/kraklabs/medi-ingest/internal/ui"
	"github.com/kraklabs/medi-ingest/pkg/pipeline"
)

// importOutput is the --json shape for an import run.
type importOutput struct {
	RunID      int64  `json:"run_id"`
	Mode       string `json:"mode"`
	Facilities int    `json:"facilities"`

	ZipsFound  int `json:"zips_found"`
	ZipNew     int `json:"zip_new"`
	ZipSeen    int `json:"zip_seen"`
	ZipOK      int `json:"zip_ok"`
	ZipError   int `json:"zip_error"`
	ZipSkipped int `json:"zip_skipped"`

	XMLEnabled    bool `json:"xml_enabled"`
	XMLTotal      int  `json:"xml_total"`
	XMLNew        int  `json:"xml_new"`
	XMLSeen       int  `json:"xml_seen"`
	XMLError      int  `json:"xml_error"`
	XMLSkippedZip int  `json:"xml_skipped_zip"`

	ExtractProcessed int `json:"extract_processed,omitempty"`
	ExtractOK        int `json:"extract_ok,omitempty"`
	ExtractErrors    int `json:"extract_errors,omitempty"`

	Summary string `json:"summary"`
}

// runImport executes the 'import' CLI command, receipting staged zips by content.
//
// Every zip under the input root is opened (resolving passwords from the
// zip_passwords table), its structure checked, and one zip_receipts row booked
// per content hash. Inner xml files get their own xml_receipts rows. Mode FULL
// chains the CDA header extraction onto the same run; mode XML_EXTRACT runs
// only the extraction over previously receipted PENDING xmls.
//
// Flags:
//   - --mode: ZIP_IMPORT, XML_EXTRACT or FULL (default: config value)
//   - --note: Free-text note recorded on the import_runs row
//   - --debug: Enable debug logging (default: false)
//   - --metrics-addr: HTTP address for Prometheus metrics (default: disabled)
//
// Examples:
//
//	medi import                    Receipt staged zips (mode from config)
//	medi import --mode FULL        Receipt and extract headers in one run
//	medi import --note "rerun 7月分"  Tag the run for the audit trail
func runImport(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	mode := fs.String("mode", "", "ZIP_IMPORT, XML_EXTRACT or FULL (default: config value)")
	note := fs.String("note", "", "Free-text note recorded on the import_runs row")
	debug := fs.Bool("debug", false, "Enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: medi import [options]

Receipts every staged zip under paths.input_root and inventories the
xml files inside. Zips and xmls already receipted under the same
content hash are booked as SEEN, never imported twice. Each pass is
one numbered run in the import_runs audit trail.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig(globals)
	if *mode != "" {
		cfg.Import.Mode = *mode
	}

	logger := newLogger(*debug)
	startMetrics(*metricsAddr, logger)

	store := mustOpenStore(cfg, globals)
	defer store.Close()

	ctx, cancel := signalContext(logger)
	defer cancel()

	im := pipeline.NewImport(store, cfg, logger)
	im.NotePrefix = *note

	spinner := NewSpinner(NewProgressConfig(globals), "Importing zips")
	done := make(chan struct{})
	if spinner != nil {
		go func() {
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					_ = spinner.Add(1)
				}
			}
		}()
	}

	res, err := im.Run(ctx)
	close(done)
	if spinner != nil {
		_ = spinner.Finish()
	}
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Import run failed",
			err.Error(),
			"Re-run 'medi import'; receipted zips are booked SEEN and skipped",
			err,
		), globals.JSON)
	}

	out := importOutput{
		RunID:      res.RunID,
		Mode:       res.Mode,
		Facilities: res.Facilities,

		ZipsFound:  res.ZipsFound,
		ZipNew:     res.ZipNew,
		ZipSeen:    res.ZipSeen,
		ZipOK:      res.ZipOK,
		ZipError:   res.ZipError,
		ZipSkipped: res.ZipSkipped,

		XMLEnabled:    res.XMLEnabled,
		XMLTotal:      res.XMLTotal,
		XMLNew:        res.XMLNew,
		XMLSeen:       res.XMLSeen,
		XMLError:      res.XMLError,
		XMLSkippedZip: res.XMLSkippedZip,

		Summary: res.Summary,
	}
	if res.Extract != nil {
		out.ExtractProcessed = res.Extract.Processed
		out.ExtractOK = res.Extract.OK
		out.ExtractErrors = res.Extract.Errors
	}

	dataErrors := res.ZipError + res.XMLError
	if res.Extract != nil {
		dataErrors += res.Extract.Errors
	}

	if emitJSON(globals, out) {
		if dataErrors > 0 {
			os.Exit(2)
		}
		return
	}

	ui.Successf("import run %d complete (%s)", res.RunID, res.Mode)
	fmt.Println()
	fmt.Printf("Facilities:   %d\n", res.Facilities)
	fmt.Printf("Zips:         %d found, %d new, %d seen, %d ok, %d error, %d skipped\n",
		res.ZipsFound, res.ZipNew, res.ZipSeen, res.ZipOK, res.ZipError, res.ZipSkipped)
	if res.XMLEnabled {
		fmt.Printf("XML receipts: %d total, %d new, %d seen, %d error, %d in skipped zips\n",
			res.XMLTotal, res.XMLNew, res.XMLSeen, res.XMLError, res.XMLSkippedZip)
	}
	if res.Extract != nil {
		fmt.Printf("Extraction:   %d processed, %d ok, %d error\n",
			res.Extract.Processed, res.Extract.OK, res.Extract.Errors)
	}

	if dataErrors > 0 {
		ui.Warningf("%d receipts booked with errors; inspect zip_receipts and xml_process_logs", dataErrors)
		os.Exit(2)
	}
}
