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

// ItemExtractTarget is an XML whose observation values still need
// extracting. Targets are rows in the target status whose
// items_extract_status is anything but OK, so ERROR and SKIP rows come
// back on the next run.
type ItemExtractTarget struct {
	XMLReceiptID        int64      `db:"xml_receipt_id"`
	XMLSHA256           string     `db:"xml_sha256"`
	ZipSHA256           string     `db:"zip_sha256"`
	ZipInnerPath        string     `db:"zip_inner_path"`
	FileSize            *int64     `db:"file_size"`
	FileMTime           *time.Time `db:"file_mtime"`
	Status              string     `db:"status"`
	ItemsExtractStatus  *string    `db:"items_extract_status"`
	ItemsExtractedRunID *int64     `db:"items_extracted_run_id"`
	ItemsExtractedAt    *time.Time `db:"items_extracted_at"`
}

// SelectItemExtractTargets returns item-extract work, least recently
// updated first.
func (t *Tx) SelectItemExtractTargets(ctx context.Context, targetStatus string, limit int) ([]ItemExtractTarget, error) {
	var rows []ItemExtractTarget
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT xml_receipt_id, xml_sha256, zip_sha256, zip_inner_path,
		        file_size, file_mtime, status,
		        items_extract_status, items_extracted_run_id, items_extracted_at
		   FROM xml_receipts
		  WHERE status = ?
		    AND (items_extract_status IS NULL OR items_extract_status <> 'OK')
		  ORDER BY updated_at ASC
		  LIMIT ?`, targetStatus, limit)
	if err != nil {
		return nil, fmt.Errorf("select item extract targets: %w", err)
	}
	return rows, nil
}

// UpdateItemsExtractFields books the item-extract verdict on the receipt.
// stampNow refreshes items_extracted_at; every verdict stamps it so the
// attempt time is visible even for ERROR rows.
func (t *Tx) UpdateItemsExtractFields(ctx context.Context, xmlReceiptID int64, status string, runID int64, stampNow bool) error {
	st, err := t.guardEnum(ctx, "xml_receipts", "items_extract_status", status)
	if err != nil {
		return err
	}
	q := `UPDATE xml_receipts
	         SET items_extract_status = ?, items_extracted_run_id = ?
	       WHERE xml_receipt_id = ?`
	if stampNow {
		q = `UPDATE xml_receipts
		        SET items_extract_status = ?, items_extracted_run_id = ?,
		            items_extracted_at = CURRENT_TIMESTAMP(6)
		      WHERE xml_receipt_id = ?`
	}
	if _, err := t.tx.ExecContext(ctx, q, st, runID, xmlReceiptID); err != nil {
		return fmt.Errorf("update items extract fields %d: %w", xmlReceiptID, err)
	}
	return nil
}

// XMLItemValueUpsert is one observation value, keyed by
// (xml_sha256, namecode, occurrence_no).
type XMLItemValueUpsert struct {
	XMLSHA256          string
	ZipSHA256          string
	ZipInnerPath       string
	ZipInnerPathSHA256 string
	Namecode           string
	OccurrenceNo       int
	ValueRaw           *string
	ValueType          *string
	Unit               *string
	CodeSystem         *string
	CodeValue          *string
	CodeDisplay        *string
	ExtractedRunID     *int64
}

// UpsertXMLItemValue inserts or refreshes one observation value and
// returns its id.
func (t *Tx) UpsertXMLItemValue(ctx context.Context, u XMLItemValueUpsert) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO xml_item_values
		   (xml_sha256, zip_sha256, zip_inner_path, zip_inner_path_sha256,
		    namecode, occurrence_no,
		    value_raw, value_type, unit,
		    code_system, code_value, code_display,
		    extracted_run_id, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP(6))
		 ON DUPLICATE KEY UPDATE
		   zip_sha256 = VALUES(zip_sha256),
		   zip_inner_path = VALUES(zip_inner_path),
		   zip_inner_path_sha256 = VALUES(zip_inner_path_sha256),
		   value_raw = VALUES(value_raw),
		   value_type = VALUES(value_type),
		   unit = VALUES(unit),
		   code_system = VALUES(code_system),
		   code_value = VALUES(code_value),
		   code_display = VALUES(code_display),
		   extracted_run_id = VALUES(extracted_run_id),
		   extracted_at = CURRENT_TIMESTAMP(6),
		   xml_item_value_id = LAST_INSERT_ID(xml_item_value_id)`,
		u.XMLSHA256, u.ZipSHA256, NormInnerPath(u.ZipInnerPath), u.ZipInnerPathSHA256,
		u.Namecode, u.OccurrenceNo,
		u.ValueRaw, u.ValueType, u.Unit,
		u.CodeSystem, u.CodeValue, u.CodeDisplay,
		u.ExtractedRunID)
	if err != nil {
		return 0, fmt.Errorf("upsert xml item value %s#%d: %w", u.Namecode, u.OccurrenceNo, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("upsert xml item value id: %w", err)
	}
	return id, nil
}
