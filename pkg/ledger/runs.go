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

// InsertRun opens an import_runs row and returns its run_id. Stages commit
// the run row immediately so every later per-file log has a durable run to
// point at, even if the stage dies mid-batch.
func (t *Tx) InsertRun(ctx context.Context, inputRoot, note string) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO import_runs (started_at, input_root, note) VALUES (?, ?, ?)`,
		time.Now().Format(Timestamp), inputRoot, clip(note, 4000))
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert run id: %w", err)
	}
	return id, nil
}

// FinishRun stamps finished_at and replaces the run note with the stage
// summary line.
func (t *Tx) FinishRun(ctx context.Context, runID int64, note string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE import_runs SET finished_at = ?, note = ? WHERE run_id = ?`,
		time.Now().Format(Timestamp), clip(note, 4000), runID)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", runID, err)
	}
	return nil
}

// RunExists reports whether run_id names an import_runs row. The
// item-extract stage uses it to validate an explicitly reused run id.
func (t *Tx) RunExists(ctx context.Context, runID int64) (bool, error) {
	var id int64
	err := t.tx.GetContext(ctx, &id,
		`SELECT run_id FROM import_runs WHERE run_id = ?`, runID)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("check run %d: %w", runID, err)
	}
	return true, nil
}
