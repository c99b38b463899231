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

// SharedFileUpsert carries one scanned file into shared_files. The scan
// stage computes one snapshot per file; the ledger owns the dedupe key
// (path_hash, SHA-1 of the absolute path).
type SharedFileUpsert struct {
	Path            string
	SrcFolderRaw    *string
	DstFolderNorm   *string
	FacilityHint    *string
	FileName        string
	Ext             string
	FileSize        int64
	MTime           *time.Time
	SHA256          *string
	AutoJudgement   string
	ManualJudgement *string
	StageStatus     string
	Note            *string
	SeenAt          time.Time
}

// UpsertSharedFile inserts or refreshes a shared_files row and returns its
// id. Three columns survive re-scans untouched: first_seen_at is only
// written on insert, sha256 is never cleared once computed, and
// manual_judgement is never overwritten once an operator set it.
func (t *Tx) UpsertSharedFile(ctx context.Context, u SharedFileUpsert) (int64, error) {
	auto, err := t.guardEnum(ctx, "shared_files", "auto_judgement", u.AutoJudgement)
	if err != nil {
		return 0, err
	}
	stage, err := t.guardEnum(ctx, "shared_files", "stage_status", u.StageStatus)
	if err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO shared_files
		   (path_hash, path, src_folder_raw, dst_folder_norm, facility_hint,
		    file_name, ext, file_size, mtime, sha256,
		    auto_judgement, manual_judgement, stage_status, note,
		    first_seen_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		   path = VALUES(path),
		   src_folder_raw = VALUES(src_folder_raw),
		   dst_folder_norm = VALUES(dst_folder_norm),
		   facility_hint = VALUES(facility_hint),
		   file_name = VALUES(file_name),
		   ext = VALUES(ext),
		   file_size = VALUES(file_size),
		   mtime = VALUES(mtime),
		   sha256 = COALESCE(VALUES(sha256), sha256),
		   auto_judgement = VALUES(auto_judgement),
		   manual_judgement = COALESCE(manual_judgement, VALUES(manual_judgement)),
		   stage_status = VALUES(stage_status),
		   note = VALUES(note),
		   last_seen_at = VALUES(last_seen_at),
		   shared_file_id = LAST_INSERT_ID(shared_file_id)`,
		SHA1Text(u.Path), u.Path, u.SrcFolderRaw, u.DstFolderNorm, u.FacilityHint,
		u.FileName, u.Ext, u.FileSize, u.MTime, u.SHA256,
		auto, u.ManualJudgement, stage, clipPtr(u.Note, 1024),
		u.SeenAt, u.SeenAt)
	if err != nil {
		return 0, fmt.Errorf("upsert shared file %s: %w", u.Path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("upsert shared file id: %w", err)
	}
	return id, nil
}

// HashTarget is a zip row still missing its content hash.
type HashTarget struct {
	SharedFileID int64  `db:"shared_file_id"`
	Path         string `db:"path"`
}

// SelectHashTargets returns zips whose sha256 is NULL or empty, oldest
// first. onlyStage narrows to one stage_status; empty means all stages.
// limit <= 0 means no limit.
func (t *Tx) SelectHashTargets(ctx context.Context, onlyStage string, limit int) ([]HashTarget, error) {
	q := `SELECT shared_file_id, path
	        FROM shared_files
	       WHERE ext = 'zip'
	         AND (sha256 IS NULL OR sha256 = '')`
	args := []any{}
	if onlyStage != "" {
		q += ` AND stage_status = ?`
		args = append(args, onlyStage)
	}
	q += ` ORDER BY first_seen_at ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []HashTarget
	if err := t.tx.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("select hash targets: %w", err)
	}
	return rows, nil
}

// UpdateSharedFileSHA stores a freshly computed content hash.
func (t *Tx) UpdateSharedFileSHA(ctx context.Context, sharedFileID int64, sha string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE shared_files
		    SET sha256 = ?, updated_at = CURRENT_TIMESTAMP(6)
		  WHERE shared_file_id = ?`, sha, sharedFileID)
	if err != nil {
		return fmt.Errorf("update shared file sha %d: %w", sharedFileID, err)
	}
	return nil
}

// UpdateSharedFileNote replaces the row note. The hash stage uses it to
// record "source missing when hashing" and "hash failed: ..." without
// touching any other column.
func (t *Tx) UpdateSharedFileNote(ctx context.Context, sharedFileID int64, note string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE shared_files
		    SET note = ?, updated_at = CURRENT_TIMESTAMP(6)
		  WHERE shared_file_id = ?`, clip(note, 1024), sharedFileID)
	if err != nil {
		return fmt.Errorf("update shared file note %d: %w", sharedFileID, err)
	}
	return nil
}

// JudgeTarget is a hashed zip awaiting auto-judgement. Rows with a
// manual_judgement are excluded at the SQL level; the judge stage never
// sees them.
type JudgeTarget struct {
	SharedFileID    int64      `db:"shared_file_id"`
	Path            string     `db:"path"`
	FileName        *string    `db:"file_name"`
	Ext             *string    `db:"ext"`
	SHA256          *string    `db:"sha256"`
	SrcFolderRaw    *string    `db:"src_folder_raw"`
	FacilityHint    *string    `db:"facility_hint"`
	AutoJudgement   *string    `db:"auto_judgement"`
	ManualJudgement *string    `db:"manual_judgement"`
	StageStatus     string     `db:"stage_status"`
	ZipHasXML       *int       `db:"zip_has_xml"`
	ZipXMLCount     *int       `db:"zip_xml_count"`
	ZipXMLCheckedAt *time.Time `db:"zip_xml_checked_at"`
	Note            *string    `db:"note"`
	FirstSeenAt     time.Time  `db:"first_seen_at"`
}

// SelectJudgeTargets returns hashed zips in stageStatus with no manual
// judgement, oldest first. limit <= 0 means no limit.
func (t *Tx) SelectJudgeTargets(ctx context.Context, stageStatus string, limit int) ([]JudgeTarget, error) {
	q := `SELECT shared_file_id, path, file_name, ext, sha256,
	             src_folder_raw, facility_hint,
	             auto_judgement, manual_judgement, stage_status,
	             zip_has_xml, zip_xml_count, zip_xml_checked_at,
	             note, first_seen_at
	        FROM shared_files
	       WHERE ext = 'zip'
	         AND stage_status = ?
	         AND (sha256 IS NOT NULL AND sha256 <> '')
	         AND manual_judgement IS NULL
	       ORDER BY first_seen_at ASC`
	args := []any{stageStatus}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []JudgeTarget
	if err := t.tx.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("select judge targets: %w", err)
	}
	return rows, nil
}

// UpdateZipProbe records a zip content probe. A nil note keeps the
// existing note (COALESCE), so probe results never erase an earlier
// operator note.
func (t *Tx) UpdateZipProbe(ctx context.Context, sharedFileID int64, hasXML, xmlCount *int, note *string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE shared_files
		    SET zip_has_xml = ?,
		        zip_xml_count = ?,
		        zip_xml_checked_at = CURRENT_TIMESTAMP(6),
		        note = COALESCE(?, note),
		        updated_at = CURRENT_TIMESTAMP(6)
		  WHERE shared_file_id = ?`,
		hasXML, xmlCount, clipPtr(note, 1024), sharedFileID)
	if err != nil {
		return fmt.Errorf("update zip probe %d: %w", sharedFileID, err)
	}
	return nil
}

// UpdateAutoJudgement stores the machine judgement and replaces the note.
// manual_judgement is a different column and is never written here.
func (t *Tx) UpdateAutoJudgement(ctx context.Context, sharedFileID int64, judgement string, note *string) error {
	auto, err := t.guardEnum(ctx, "shared_files", "auto_judgement", judgement)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`UPDATE shared_files
		    SET auto_judgement = ?, note = ?, updated_at = CURRENT_TIMESTAMP(6)
		  WHERE shared_file_id = ?`,
		auto, clipPtr(note, 1024), sharedFileID)
	if err != nil {
		return fmt.Errorf("update auto judgement %d: %w", sharedFileID, err)
	}
	return nil
}

// MarkStageStatus moves a row to a new stage. A nil note keeps the
// existing note.
func (t *Tx) MarkStageStatus(ctx context.Context, sharedFileID int64, stageStatus string, note *string) error {
	stage, err := t.guardEnum(ctx, "shared_files", "stage_status", stageStatus)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`UPDATE shared_files
		    SET stage_status = ?, note = COALESCE(?, note), updated_at = CURRENT_TIMESTAMP(6)
		  WHERE shared_file_id = ?`,
		stage, clipPtr(note, 1024), sharedFileID)
	if err != nil {
		return fmt.Errorf("mark stage status %d: %w", sharedFileID, err)
	}
	return nil
}

// CopyTarget is a judged zip ready to copy into the input root. The join
// resolves the destination folder through shared_folder_aliases and skips
// zips the importer already receipted.
type CopyTarget struct {
	SharedFileID  int64   `db:"shared_file_id"`
	Path          string  `db:"path"`
	FileName      *string `db:"file_name"`
	SHA256        *string `db:"sha256"`
	SrcFolderRaw  *string `db:"src_folder_raw"`
	DstFolderNorm *string `db:"dst_folder_norm"`
}

// SelectCopyTargets returns KENSHIN-judged zips (manual overrides auto)
// that probe found XML in, that have an active folder alias, and that no
// zip receipt knows yet. Oldest first.
func (t *Tx) SelectCopyTargets(ctx context.Context, limit int) ([]CopyTarget, error) {
	var rows []CopyTarget
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT sf.shared_file_id, sf.path, sf.file_name, sf.sha256,
		        sf.src_folder_raw, a.dst_folder_norm AS dst_folder_norm
		   FROM shared_files sf
		   JOIN shared_folder_aliases a
		     ON a.is_active = 1
		    AND a.src_folder_raw = sf.src_folder_raw
		   LEFT JOIN zip_receipts zr
		     ON zr.zip_sha256 = sf.sha256
		  WHERE sf.stage_status = 'NEW'
		    AND sf.ext = 'zip'
		    AND sf.sha256 IS NOT NULL AND sf.sha256 <> ''
		    AND COALESCE(sf.manual_judgement, sf.auto_judgement) = 'KENSHIN'
		    AND sf.zip_has_xml = 1
		    AND a.dst_folder_norm IS NOT NULL AND a.dst_folder_norm <> ''
		    AND zr.zip_receipt_id IS NULL
		  ORDER BY sf.first_seen_at ASC
		  LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select copy targets: %w", err)
	}
	return rows, nil
}
