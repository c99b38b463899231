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
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/kraklabs/medi-ingest/internal/errors"
	"github.com/kraklabs/medi-ingest/internal/output"
	"github.com/kraklabs/medi-ingest/internal/ui"
	"github.com/kraklabs/medi-ingest/pkg/ledger"
)

// RunStatus is one import run line for JSON output.
type RunStatus struct {
	RunID      int64  `json:"run_id"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Note       string `json:"note,omitempty"`
}

// StatusResult represents the ledger counts for JSON output.
type StatusResult struct {
	SharedByStage     map[string]int `json:"shared_by_stage"`
	SharedByJudgement map[string]int `json:"shared_by_judgement"`
	ZipsByStructure   map[string]int `json:"zips_by_structure"`
	XMLByStatus       map[string]int `json:"xml_by_status"`
	XMLByItemsStatus  map[string]int `json:"xml_by_items_status"`
	HeaderRows        int            `json:"header_rows"`
	ItemValueRows     int            `json:"item_value_rows"`
	NormalizeByStatus map[string]int `json:"normalize_by_status"`
	RecentRuns        []RunStatus    `json:"recent_runs"`
	Error             string         `json:"error,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// runStatus executes the 'status' CLI command, displaying pipeline counts.
//
// It reads every stage's ledger table in a single transaction so the counts
// form one consistent snapshot: shared files by stage and judgement, receipts
// by status, extracted header and item-value totals, and the recent runs.
//
// Flags:
//   - --json: Output results as JSON (default: false)
//   - --runs: How many recent import runs to list (default: 10)
//
// Examples:
//
//	medi status           Display formatted pipeline counts
//	medi status --json    Output as JSON for scripting
func runStatus(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	runs := fs.Int("runs", 10, "How many recent import runs to list")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: medi status [options]

Shows ledger counts for every pipeline stage in one snapshot.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	globals.JSON = globals.JSON || *jsonOutput

	cfg := mustLoadConfig(globals)

	store := mustOpenStore(cfg, globals)
	defer store.Close()

	result := &StatusResult{Timestamp: time.Now()}

	ctx := context.Background()
	if err := collectStatus(ctx, store, result, *runs); err != nil {
		result.Error = err.Error()
		if globals.JSON {
			_ = output.JSON(result)
		} else {
			errors.FatalError(errors.NewDatabaseError(
				"Cannot read ledger counts",
				err.Error(),
				"Run 'medi init-db' if the schema has not been applied yet",
				err,
			), false)
		}
		os.Exit(1)
	}

	if globals.JSON {
		_ = output.JSON(result)
		return
	}

	printStatus(result)
}

// collectStatus fills result from one read transaction over the ledger.
func collectStatus(ctx context.Context, store *ledger.Store, result *StatusResult, runs int) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if result.SharedByStage, err = tx.SharedFilesByStage(ctx); err != nil {
		return err
	}
	if result.SharedByJudgement, err = tx.SharedFilesByJudgement(ctx); err != nil {
		return err
	}
	if result.ZipsByStructure, err = tx.ZipReceiptsByStructure(ctx); err != nil {
		return err
	}
	if result.XMLByStatus, err = tx.XMLReceiptsByStatus(ctx); err != nil {
		return err
	}
	if result.XMLByItemsStatus, err = tx.XMLReceiptsByItemsStatus(ctx); err != nil {
		return err
	}
	if result.HeaderRows, err = tx.CountXMLLedger(ctx); err != nil {
		return err
	}
	if result.ItemValueRows, err = tx.CountXMLItemValues(ctx); err != nil {
		return err
	}
	if result.NormalizeByStatus, err = tx.NormalizeByStatus(ctx); err != nil {
		return err
	}

	rows, err := tx.RecentRuns(ctx, runs)
	if err != nil {
		return err
	}
	for _, r := range rows {
		rs := RunStatus{
			RunID:     r.RunID,
			StartedAt: r.StartedAt.Format("2006-01-02 15:04:05"),
		}
		if r.FinishedAt != nil {
			rs.FinishedAt = r.FinishedAt.Format("2006-01-02 15:04:05")
		}
		if r.Note != nil {
			rs.Note = *r.Note
		}
		result.RecentRuns = append(result.RecentRuns, rs)
	}
	return nil
}

// printStatus prints the counts as formatted text, maps sorted by key.
func printStatus(result *StatusResult) {
	ui.Header("Pipeline Status")

	printGroup("Shared files by stage", result.SharedByStage)
	printGroup("Shared files by judgement", result.SharedByJudgement)
	printGroup("Zip receipts by structure", result.ZipsByStructure)
	printGroup("XML receipts by status", result.XMLByStatus)
	printGroup("XML receipts by items status", result.XMLByItemsStatus)

	fmt.Println()
	fmt.Printf("%s %s\n", ui.Label("Header rows:"), ui.CountText(result.HeaderRows))
	fmt.Printf("%s %s\n", ui.Label("Item values:"), ui.CountText(result.ItemValueRows))

	printGroup("Item values by normalize status", result.NormalizeByStatus)

	if len(result.RecentRuns) > 0 {
		ui.SubHeader("Recent Runs")
		for _, r := range result.RecentRuns {
			finished := r.FinishedAt
			if finished == "" {
				finished = "(running)"
			}
			line := fmt.Sprintf("  #%d  %s .. %s", r.RunID, r.StartedAt, finished)
			if r.Note != "" {
				line += "  " + ui.DimText(r.Note)
			}
			fmt.Println(line)
		}
	}
}

// printGroup prints one labeled count map, keys sorted for stable output.
func printGroup(label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Println()
	fmt.Println(ui.Label(label + ":"))
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-14s %s\n", k, ui.CountText(counts[k]))
	}
}
