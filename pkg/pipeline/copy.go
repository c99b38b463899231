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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kraklabs/medi-ingest/pkg/config"
	"github.com/kraklabs/medi-ingest/pkg/ledger"
)

// Copy stages judged zips from the shared filesystem into the import
// input root. The destination folder comes from the active folder alias,
// the file name from the ledger row, so whatever the share calls the file
// the input tree stays normalized. Every outcome is booked back onto the
// shared_files row as stage_status plus a note.
type Copy struct {
	store  *ledger.Store
	cfg    *config.Config
	logger *slog.Logger

	// Overwrite replaces files already present in the input root instead
	// of closing the row as already-copied.
	Overwrite bool
	// DryRun evaluates and logs every decision without touching the DB or
	// the filesystem.
	DryRun bool
}

// NewCopy creates the copy stage. A nil logger falls back to slog.Default().
func NewCopy(store *ledger.Store, cfg *config.Config, logger *slog.Logger) *Copy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Copy{store: store, cfg: cfg, logger: logger}
}

// CopyResult summarizes one copy pass.
type CopyResult struct {
	Targets int
	Copied  int
	Skipped int
	Failed  int
}

// copyVerdict is a decided outcome for one target: the stage status and
// note to book, and which counter it belongs to.
type copyVerdict struct {
	stage string
	note  string
	kind  string // copied | skipped | failed
}

// copyPlan is the read-only decision for one target. A nil verdict means
// the caller still has to mkdir and copy.
type copyPlan struct {
	verdict   *copyVerdict
	dstFolder string
	dstDir    string
	dstPath   string
}

// Run copies one batch of judged zips into the input root.
func (c *Copy) Run(ctx context.Context) (*CopyResult, error) {
	started := time.Now()
	defer observeStageDuration("copy", started)

	inputRoot := c.cfg.Paths.InputRoot
	if strings.TrimSpace(inputRoot) == "" {
		return nil, fmt.Errorf("input root is not configured")
	}
	if !c.DryRun {
		if err := os.MkdirAll(inputRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create input root: %w", err)
		}
	}

	limit := c.cfg.Copy.Limit
	if limit <= 0 {
		limit = 1000000
	}

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.SelectCopyTargets(ctx, limit)
	if err != nil {
		return nil, err
	}

	c.logger.Info("copy.start",
		"rows", len(rows),
		"limit", limit,
		"overwrite", c.Overwrite,
		"dry_run", c.DryRun,
	)

	res := &CopyResult{Targets: len(rows)}
	bump := func(kind string) {
		switch kind {
		case "copied":
			res.Copied++
		case "skipped":
			res.Skipped++
		case "failed":
			res.Failed++
		}
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		plan := planCopy(row, inputRoot, c.Overwrite)

		if c.DryRun {
			v := plan.verdict
			if v == nil {
				v = &copyVerdict{stageInputCopied, "copied to " + plan.dstFolder, "copied"}
			}
			c.logger.Info("copy.dryrun",
				"shared_file_id", row.SharedFileID,
				"src", row.Path,
				"dst", plan.dstPath,
				"stage", v.stage,
				"note", v.note,
			)
			bump(v.kind)
			continue
		}

		v := plan.verdict
		if v == nil {
			v = c.executeCopy(row.Path, plan)
		}
		if err := tx.MarkStageStatus(ctx, row.SharedFileID, v.stage, &v.note); err != nil {
			return nil, err
		}
		bump(v.kind)

		total := res.Copied + res.Skipped + res.Failed
		if total > 0 && total%100 == 0 {
			var cerr error
			if tx, cerr = commitAndBegin(ctx, c.store, tx); cerr != nil {
				return nil, cerr
			}
			c.logger.Info("copy.progress", "copied", res.Copied, "skipped", res.Skipped, "failed", res.Failed)
		}
	}

	if c.DryRun {
		_ = tx.Rollback()
		tx = nil
		c.logger.Info("copy.done", "copied", res.Copied, "skipped", res.Skipped, "failed", res.Failed, "dry_run", true)
		return res, nil
	}

	if err := tx.Commit(); err != nil {
		tx = nil
		return nil, err
	}
	tx = nil

	recordStageRows("copy", "copied", res.Copied)
	recordStageRows("copy", "skipped", res.Skipped)
	recordStageRows("copy", "failed", res.Failed)
	c.logger.Info("copy.done", "copied", res.Copied, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// planCopy runs the read-only checks for one target: alias and file name
// present, source still on the share, destination not already taken.
func planCopy(row ledger.CopyTarget, inputRoot string, overwrite bool) copyPlan {
	dstFolder := strings.TrimSpace(deref(row.DstFolderNorm))
	fileName := strings.TrimSpace(deref(row.FileName))

	if dstFolder == "" {
		return copyPlan{verdict: &copyVerdict{stageNew, "skip: alias dst_folder_norm is empty", "skipped"}}
	}
	if fileName == "" {
		return copyPlan{verdict: &copyVerdict{stageNew, "fail: file_name is empty in DB", "failed"}}
	}

	if _, err := os.Stat(row.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return copyPlan{verdict: &copyVerdict{stageSkipped, "skip: source missing", "skipped"}}
		}
		return copyPlan{verdict: &copyVerdict{stageNew, "fail: exists check error: " + err.Error(), "failed"}}
	}

	// The ledger's file_name decides the name inside input, not whatever
	// the share currently calls the file.
	dstDir := filepath.Join(inputRoot, dstFolder)
	dstPath := filepath.Join(dstDir, fileName)

	if _, err := os.Stat(dstPath); err == nil && !overwrite {
		// Close the row as copied so the next pass does not retry forever.
		return copyPlan{
			verdict:   &copyVerdict{stageInputCopied, "skip: already exists in input (no overwrite) dst=" + dstPath, "skipped"},
			dstFolder: dstFolder,
			dstDir:    dstDir,
			dstPath:   dstPath,
		}
	}

	return copyPlan{dstFolder: dstFolder, dstDir: dstDir, dstPath: dstPath}
}

// executeCopy performs the mkdir and the copy for a planned target.
func (c *Copy) executeCopy(src string, plan copyPlan) *copyVerdict {
	if err := os.MkdirAll(plan.dstDir, 0o755); err != nil {
		return &copyVerdict{stageNew, fmt.Sprintf("fail: mkdir error: %s %v", plan.dstDir, err), "failed"}
	}
	if err := copyFile(src, plan.dstPath); err != nil {
		c.logger.Warn("copy.failed", "src", src, "dst", plan.dstPath, "err", err)
		return &copyVerdict{stageNew, "fail: copy error: " + err.Error(), "failed"}
	}
	return &copyVerdict{stageInputCopied, "copied to " + plan.dstFolder, "copied"}
}

// copyFile copies contents and carries over the source's permission bits
// and modification time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, time.Now(), fi.ModTime())
}
