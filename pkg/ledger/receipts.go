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
	"strings"
	"time"
)

// ZipReceiptUpsert carries one imported zip into zip_receipts, keyed by
// zip_sha256.
type ZipReceiptUpsert struct {
	RunID              int64
	FacilityFolderName *string
	FacilityCode       *string
	FacilityName       *string
	ZipName            string
	ZipPath            string
	ZipSHA256          string
	StructureStatus    string
	ErrorCode          *string
	ErrorMessage       *string
	StructureMessage   *string
	DataDirCount       *int
	DataXMLCount       *int
}

// UpsertZipReceipt inserts or refreshes a zip receipt and returns its id.
// first_seen_run_id and first_seen_at are written on insert only; every
// re-import refreshes the last_seen pair and the structure verdict. The
// error_message column is newer than some deployments, so it is included
// only when the schema has it.
func (t *Tx) UpsertZipReceipt(ctx context.Context, u ZipReceiptUpsert) (int64, error) {
	status, err := t.guardEnum(ctx, "zip_receipts", "structure_status", u.StructureStatus)
	if err != nil {
		return 0, err
	}
	hasErrMsg, err := t.hasColumn(ctx, "zip_receipts", "error_message")
	if err != nil {
		return 0, err
	}

	cols := []string{
		"run_id", "first_seen_run_id", "first_seen_at",
		"last_seen_run_id", "last_seen_at",
		"facility_folder_name", "facility_code", "facility_name",
		"zip_name", "zip_path", "zip_sha256",
		"structure_status", "error_code",
	}
	vals := []string{
		"?", "?", "CURRENT_TIMESTAMP(6)",
		"?", "CURRENT_TIMESTAMP(6)",
		"?", "?", "?",
		"?", "?", "?",
		"?", "?",
	}
	args := []any{
		u.RunID, u.RunID,
		u.RunID,
		u.FacilityFolderName, u.FacilityCode, u.FacilityName,
		u.ZipName, u.ZipPath, u.ZipSHA256,
		status, u.ErrorCode,
	}
	updates := []string{
		"run_id = VALUES(run_id)",
		"last_seen_run_id = VALUES(last_seen_run_id)",
		"last_seen_at = CURRENT_TIMESTAMP(6)",
		"facility_folder_name = VALUES(facility_folder_name)",
		"facility_code = VALUES(facility_code)",
		"facility_name = VALUES(facility_name)",
		"zip_name = VALUES(zip_name)",
		"zip_path = VALUES(zip_path)",
		"structure_status = VALUES(structure_status)",
		"error_code = VALUES(error_code)",
	}
	if hasErrMsg {
		cols = append(cols, "error_message")
		vals = append(vals, "?")
		args = append(args, clipPtr(u.ErrorMessage, 8000))
		updates = append(updates, "error_message = VALUES(error_message)")
	}
	cols = append(cols, "structure_message", "data_dir_count", "data_xml_count")
	vals = append(vals, "?", "?", "?")
	args = append(args, u.StructureMessage, u.DataDirCount, u.DataXMLCount)
	updates = append(updates,
		"structure_message = VALUES(structure_message)",
		"data_dir_count = VALUES(data_dir_count)",
		"data_xml_count = VALUES(data_xml_count)",
		"zip_receipt_id = LAST_INSERT_ID(zip_receipt_id)")

	q := fmt.Sprintf(
		"INSERT INTO zip_receipts (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		strings.Join(cols, ", "), strings.Join(vals, ", "), strings.Join(updates, ", "))
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("upsert zip receipt %s: %w", u.ZipName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("upsert zip receipt id: %w", err)
	}
	return id, nil
}

// GetZipReceiptID returns the receipt id for a zip hash, or nil when the
// zip was never imported.
func (t *Tx) GetZipReceiptID(ctx context.Context, zipSHA string) (*int64, error) {
	var id int64
	err := t.tx.GetContext(ctx, &id,
		`SELECT zip_receipt_id FROM zip_receipts WHERE zip_sha256 = ?`, zipSHA)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get zip receipt id: %w", err)
	}
	return &id, nil
}

// ZipReceiptRow is the receipt context later stages attach to their rows.
type ZipReceiptRow struct {
	ZipReceiptID       int64   `db:"zip_receipt_id"`
	FacilityFolderName *string `db:"facility_folder_name"`
	FacilityCode       *string `db:"facility_code"`
	FacilityName       *string `db:"facility_name"`
	ZipName            *string `db:"zip_name"`
	ZipPath            *string `db:"zip_path"`
	ZipSHA256          string  `db:"zip_sha256"`
}

// GetZipReceiptRow returns the receipt row for a zip hash, or nil when
// absent.
func (t *Tx) GetZipReceiptRow(ctx context.Context, zipSHA string) (*ZipReceiptRow, error) {
	var row ZipReceiptRow
	err := t.tx.GetContext(ctx, &row,
		`SELECT zip_receipt_id, facility_folder_name, facility_code, facility_name,
		        zip_name, zip_path, zip_sha256
		   FROM zip_receipts
		  WHERE zip_sha256 = ?`, zipSHA)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get zip receipt row: %w", err)
	}
	return &row, nil
}

// InsertZipReceiptRun records that a run saw a zip (imported, skipped as
// duplicate, failed). One row per (run, zip); re-running the same run
// refreshes the action.
func (t *Tx) InsertZipReceiptRun(ctx context.Context, runID, zipReceiptID int64, zipSHA, action string, message *string) error {
	act, err := t.guardEnum(ctx, "zip_receipt_runs", "action", action)
	if err != nil {
		return err
	}
	hasMsg, err := t.hasColumn(ctx, "zip_receipt_runs", "message")
	if err != nil {
		return err
	}
	if hasMsg {
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO zip_receipt_runs (run_id, zip_receipt_id, zip_sha256, action, message)
			 VALUES (?, ?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE
			   zip_receipt_id = VALUES(zip_receipt_id),
			   action = VALUES(action),
			   message = VALUES(message),
			   seen_at = CURRENT_TIMESTAMP(6)`,
			runID, zipReceiptID, zipSHA, act, clipPtr(message, 4000))
	} else {
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO zip_receipt_runs (run_id, zip_receipt_id, zip_sha256, action)
			 VALUES (?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE
			   zip_receipt_id = VALUES(zip_receipt_id),
			   action = VALUES(action),
			   seen_at = CURRENT_TIMESTAMP(6)`,
			runID, zipReceiptID, zipSHA, act)
	}
	if err != nil {
		return fmt.Errorf("insert zip receipt run: %w", err)
	}
	return nil
}

// XMLReceiptUpsert carries one zip member into xml_receipts, keyed by
// xml_sha256.
type XMLReceiptUpsert struct {
	RunID              int64
	ZipSHA256          string
	ZipInnerPath       string
	ZipInnerPathSHA256 *string
	XMLSHA256          string
	FileSize           *int64
	FileMTime          *time.Time
	Status             string
	ErrorCode          *string
	ErrorMessage       *string
	FacilityCode       *string
	FacilityName       *string
}

// UpsertXMLReceipt inserts or refreshes an XML receipt and returns its id.
// The inner path is normalized before writing; zip_inner_path_sha256 is
// derived when the caller did not supply it and is written only where the
// schema has the column.
func (t *Tx) UpsertXMLReceipt(ctx context.Context, u XMLReceiptUpsert) (int64, error) {
	status, err := t.guardEnum(ctx, "xml_receipts", "status", u.Status)
	if err != nil {
		return 0, err
	}
	hasInnerSHA, err := t.hasColumn(ctx, "xml_receipts", "zip_inner_path_sha256")
	if err != nil {
		return 0, err
	}

	inner := NormInnerPath(u.ZipInnerPath)
	cols := []string{"zip_sha256", "zip_inner_path"}
	vals := []string{"?", "?"}
	args := []any{u.ZipSHA256, inner}
	updates := []string{"last_seen_run_id = VALUES(last_seen_run_id)"}
	if hasInnerSHA {
		cols = append(cols, "zip_inner_path_sha256")
		vals = append(vals, "?")
		args = append(args, EnsureInnerSHA(inner, u.ZipInnerPathSHA256))
		updates = append(updates, "zip_inner_path_sha256 = VALUES(zip_inner_path_sha256)")
	}
	cols = append(cols,
		"xml_sha256", "file_size", "file_mtime",
		"status", "error_code", "error_message",
		"facility_code", "facility_name",
		"first_seen_run_id", "first_seen_at",
		"last_seen_run_id", "last_seen_at")
	vals = append(vals,
		"?", "?", "?",
		"?", "?", "?",
		"?", "?",
		"?", "CURRENT_TIMESTAMP(6)",
		"?", "CURRENT_TIMESTAMP(6)")
	args = append(args,
		u.XMLSHA256, u.FileSize, u.FileMTime,
		status, u.ErrorCode, clipPtr(u.ErrorMessage, 8000),
		u.FacilityCode, u.FacilityName,
		u.RunID,
		u.RunID)
	updates = append(updates,
		"last_seen_at = CURRENT_TIMESTAMP(6)",
		"file_size = VALUES(file_size)",
		"file_mtime = VALUES(file_mtime)",
		"status = VALUES(status)",
		"error_code = VALUES(error_code)",
		"error_message = VALUES(error_message)",
		"facility_code = VALUES(facility_code)",
		"facility_name = VALUES(facility_name)",
		"xml_receipt_id = LAST_INSERT_ID(xml_receipt_id)")

	q := fmt.Sprintf(
		"INSERT INTO xml_receipts (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		strings.Join(cols, ", "), strings.Join(vals, ", "), strings.Join(updates, ", "))
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("upsert xml receipt %s: %w", inner, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("upsert xml receipt id: %w", err)
	}
	return id, nil
}

// GetXMLReceiptID returns the receipt id for an XML hash, or nil when
// unknown.
func (t *Tx) GetXMLReceiptID(ctx context.Context, xmlSHA string) (*int64, error) {
	var id int64
	err := t.tx.GetContext(ctx, &id,
		`SELECT xml_receipt_id FROM xml_receipts WHERE xml_sha256 = ?`, xmlSHA)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get xml receipt id: %w", err)
	}
	return &id, nil
}

// InsertXMLReceiptRun records that a run touched an XML. Older schemas
// lack the xml_receipt_id column; the narrow insert keeps them working.
func (t *Tx) InsertXMLReceiptRun(ctx context.Context, runID int64, xmlSHA, action string, message *string) error {
	act, err := t.guardEnum(ctx, "xml_receipt_runs", "action", action)
	if err != nil {
		return err
	}
	hasReceiptID, err := t.hasColumn(ctx, "xml_receipt_runs", "xml_receipt_id")
	if err != nil {
		return err
	}
	msg := clipPtr(message, 4000)
	if hasReceiptID {
		receiptID, err := t.GetXMLReceiptID(ctx, xmlSHA)
		if err != nil {
			return err
		}
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO xml_receipt_runs (run_id, xml_sha256, xml_receipt_id, action, message)
			 VALUES (?, ?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE
			   xml_receipt_id = VALUES(xml_receipt_id),
			   action = VALUES(action),
			   message = VALUES(message),
			   created_at = CURRENT_TIMESTAMP(6)`,
			runID, xmlSHA, receiptID, act, msg)
		if err != nil {
			return fmt.Errorf("insert xml receipt run: %w", err)
		}
		return nil
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO xml_receipt_runs (run_id, xml_sha256, action, message)
		 VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		   action = VALUES(action),
		   message = VALUES(message),
		   created_at = CURRENT_TIMESTAMP(6)`,
		runID, xmlSHA, act, msg)
	if err != nil {
		return fmt.Errorf("insert xml receipt run: %w", err)
	}
	return nil
}

// InsertXMLProcessLog records one processing step verdict for an XML.
// Keyed by (run, xml, step): re-running a step in the same run replaces
// its verdict instead of stacking rows.
func (t *Tx) InsertXMLProcessLog(ctx context.Context, runID int64, xmlSHA, step, result string, message *string) error {
	st, err := t.guardEnum(ctx, "xml_process_logs", "step", step)
	if err != nil {
		return err
	}
	res, err := t.guardEnum(ctx, "xml_process_logs", "result", result)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO xml_process_logs (run_id, xml_sha256, step, result, message)
		 VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		   result = VALUES(result),
		   message = VALUES(message),
		   processed_at = CURRENT_TIMESTAMP(6)`,
		runID, xmlSHA, st, res, clipPtr(message, 8000))
	if err != nil {
		return fmt.Errorf("insert xml process log %s/%s: %w", step, result, err)
	}
	return nil
}

// XMLIndexUpdate is the per-file verdict the extract stage writes back to
// xml_receipts.
type XMLIndexUpdate struct {
	XMLSHA256      string
	Status         string
	ErrorCode      *string
	ErrorMessage   *string
	DocumentID     *string
	ExtractedRunID *int64
	// ExtractedAtNow stamps extracted_at = CURRENT_TIMESTAMP(6). Only set
	// on success.
	ExtractedAtNow bool
}

// UpdateXMLIndexFields writes the extract verdict. The extracted_run_id
// and extracted_at columns are newer than some deployments and are only
// touched where present.
func (t *Tx) UpdateXMLIndexFields(ctx context.Context, u XMLIndexUpdate) error {
	status, err := t.guardEnum(ctx, "xml_receipts", "status", u.Status)
	if err != nil {
		return err
	}
	sets := []string{"status = ?", "error_code = ?", "error_message = ?", "document_id = ?"}
	args := []any{status, u.ErrorCode, clipPtr(u.ErrorMessage, 8000), u.DocumentID}
	if u.ExtractedRunID != nil {
		has, err := t.hasColumn(ctx, "xml_receipts", "extracted_run_id")
		if err != nil {
			return err
		}
		if has {
			sets = append(sets, "extracted_run_id = ?")
			args = append(args, *u.ExtractedRunID)
		}
	}
	if u.ExtractedAtNow {
		has, err := t.hasColumn(ctx, "xml_receipts", "extracted_at")
		if err != nil {
			return err
		}
		if has {
			sets = append(sets, "extracted_at = CURRENT_TIMESTAMP(6)")
		}
	}
	args = append(args, u.XMLSHA256)
	q := fmt.Sprintf("UPDATE xml_receipts SET %s WHERE xml_sha256 = ?", strings.Join(sets, ", "))
	if _, err := t.tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("update xml index %s: %w", u.XMLSHA256, err)
	}
	return nil
}

// PendingXML is one extract target selected by status.
type PendingXML struct {
	XMLReceiptID       int64   `db:"xml_receipt_id"`
	XMLSHA256          string  `db:"xml_sha256"`
	ZipSHA256          string  `db:"zip_sha256"`
	ZipInnerPath       string  `db:"zip_inner_path"`
	ZipInnerPathSHA256 *string `db:"zip_inner_path_sha256"`
}

// SelectPendingXMLs returns XMLs in the given status, least recently
// updated first.
func (t *Tx) SelectPendingXMLs(ctx context.Context, status string, limit int) ([]PendingXML, error) {
	hasInnerSHA, err := t.hasColumn(ctx, "xml_receipts", "zip_inner_path_sha256")
	if err != nil {
		return nil, err
	}
	innerSHACol := ""
	if hasInnerSHA {
		innerSHACol = ", x.zip_inner_path_sha256"
	}
	q := fmt.Sprintf(
		`SELECT x.xml_receipt_id, x.xml_sha256, x.zip_sha256, x.zip_inner_path%s
		   FROM xml_receipts x
		  WHERE x.status = ?
		  ORDER BY x.updated_at ASC
		  LIMIT ?`, innerSHACol)
	var rows []PendingXML
	if err := t.tx.SelectContext(ctx, &rows, q, status, limit); err != nil {
		return nil, fmt.Errorf("select pending xmls: %w", err)
	}
	return rows, nil
}
