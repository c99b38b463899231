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

package ledger

import (
	"context"
	"fmt"
	"time"
)

// groupCount is one (label, rows) pair from a GROUP BY query.
type groupCount struct {
	Label string `db:"label"`
	N     int    `db:"n"`
}

func (t *Tx) countGroup(ctx context.Context, query string) (map[string]int, error) {
	var rows []groupCount
	if err := t.tx.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("count group: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Label] = r.N
	}
	return out, nil
}

// SharedFilesByStage counts registered files per stage_status.
func (t *Tx) SharedFilesByStage(ctx context.Context) (map[string]int, error) {
	return t.countGroup(ctx,
		`SELECT stage_status AS label, COUNT(*) AS n
		   FROM shared_files GROUP BY stage_status`)
}

// SharedFilesByJudgement counts registered files per effective judgement,
// manual overriding auto.
func (t *Tx) SharedFilesByJudgement(ctx context.Context) (map[string]int, error) {
	return t.countGroup(ctx,
		`SELECT COALESCE(manual_judgement, auto_judgement) AS label, COUNT(*) AS n
		   FROM shared_files GROUP BY COALESCE(manual_judgement, auto_judgement)`)
}

// ZipReceiptsByStructure counts imported zips per structure verdict.
func (t *Tx) ZipReceiptsByStructure(ctx context.Context) (map[string]int, error) {
	return t.countGroup(ctx,
		`SELECT structure_status AS label, COUNT(*) AS n
		   FROM zip_receipts GROUP BY structure_status`)
}

// XMLReceiptsByStatus counts receipted XMLs per extract status.
func (t *Tx) XMLReceiptsByStatus(ctx context.Context) (map[string]int, error) {
	return t.countGroup(ctx,
		`SELECT status AS label, COUNT(*) AS n
		   FROM xml_receipts GROUP BY status`)
}

// XMLReceiptsByItemsStatus counts receipted XMLs per item-extract verdict.
// Rows the item stage never touched show up as "(none)".
func (t *Tx) XMLReceiptsByItemsStatus(ctx context.Context) (map[string]int, error) {
	return t.countGroup(ctx,
		`SELECT COALESCE(items_extract_status, '(none)') AS label, COUNT(*) AS n
		   FROM xml_receipts GROUP BY COALESCE(items_extract_status, '(none)')`)
}

// CountXMLLedger returns the number of header ledger rows.
func (t *Tx) CountXMLLedger(ctx context.Context) (int, error) {
	var n int
	if err := t.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM xml_ledger`); err != nil {
		return 0, fmt.Errorf("count xml ledger: %w", err)
	}
	return n, nil
}

// CountXMLItemValues returns the number of extracted observation values.
func (t *Tx) CountXMLItemValues(ctx context.Context) (int, error) {
	var n int
	if err := t.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM xml_item_values`); err != nil {
		return 0, fmt.Errorf("count xml item values: %w", err)
	}
	return n, nil
}

// NormalizeByStatus counts submit-table rows per normalize_status.
func (t *Tx) NormalizeByStatus(ctx context.Context) (map[string]int, error) {
	return t.countGroup(ctx,
		`SELECT normalize_status AS label, COUNT(*) AS n
		   FROM exam_result_item_values GROUP BY normalize_status`)
}

// RunRow is one import_runs entry for the status listing.
type RunRow struct {
	RunID      int64      `db:"run_id"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
	Note       *string    `db:"note"`
}

// RecentRuns returns the latest runs, newest first.
func (t *Tx) RecentRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []RunRow
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT run_id, started_at, finished_at, note
		   FROM import_runs
		  ORDER BY run_id DESC
		  LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	return rows, nil
}
