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

// NormalizeTarget is one RAW exam item value awaiting normalization.
type NormalizeTarget struct {
	ItemValueID int64   `db:"item_value_id"`
	LedgerID    *int64  `db:"ledger_id"`
	Namecode    *string `db:"namecode"`
	RawValue    *string `db:"raw_value"`
}

// SelectNormalizeTargets returns RAW rows whose normalized value is still
// empty, in id order. limit <= 0 selects a full sweep.
func (t *Tx) SelectNormalizeTargets(ctx context.Context, limit int) ([]NormalizeTarget, error) {
	if limit <= 0 {
		limit = 1000000
	}
	var rows []NormalizeTarget
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT item_value_id, ledger_id, namecode, raw_value
		   FROM exam_result_item_values
		  WHERE normalize_status = 'RAW'
		    AND (value IS NULL OR value = '')
		  ORDER BY item_value_id ASC
		  LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select normalize targets: %w", err)
	}
	return rows, nil
}

// UpdateNormalizeOK stores the normalized value and clears any previous
// error.
func (t *Tx) UpdateNormalizeOK(ctx context.Context, itemValueID int64, value string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE exam_result_item_values
		    SET value = ?, normalize_status = 'OK', normalized_at = ?, normalize_error = NULL
		  WHERE item_value_id = ?`,
		value, time.Now().Format(Timestamp), itemValueID)
	if err != nil {
		return fmt.Errorf("update normalize ok %d: %w", itemValueID, err)
	}
	return nil
}

// UpdateNormalizeError marks the row ERROR with the reason. The row stays
// a target for future runs only if an operator resets it to RAW; ERROR
// rows are excluded by status, not by the error text.
func (t *Tx) UpdateNormalizeError(ctx context.Context, itemValueID int64, msg string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE exam_result_item_values
		    SET normalize_status = 'ERROR', normalized_at = ?, normalize_error = ?
		  WHERE item_value_id = ?`,
		time.Now().Format(Timestamp), msg, itemValueID)
	if err != nil {
		return fmt.Errorf("update normalize error %d: %w", itemValueID, err)
	}
	return nil
}
