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
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/kraklabs/medi-ingest/pkg/config"
	"github.com/kraklabs/medi-ingest/pkg/ledger"
)

// Scan walks the shared filesystem root and registers every file with an
// allowed extension in shared_files. Registration is an idempotent upsert:
// a file seen before only refreshes its last_seen_at and size, it never
// loses its hash, judgement, or stage. Content is not read here; hashing
// is a separate stage so a slow share never stalls discovery.
type Scan struct {
	store  *ledger.Store
	cfg    *config.Config
	logger *slog.Logger
}

// NewScan creates the scan stage. A nil logger falls back to slog.Default().
func NewScan(store *ledger.Store, cfg *config.Config, logger *slog.Logger) *Scan {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scan{store: store, cfg: cfg, logger: logger}
}

// ScanResult summarizes one scan pass.
type ScanResult struct {
	Processed int
	Upserted  int
}

var errScanLimit = errors.New("scan limit reached")

// Run performs one discovery pass over the shared root.
func (s *Scan) Run(ctx context.Context) (*ScanResult, error) {
	started := time.Now()
	defer observeStageDuration("scan", started)

	root := s.cfg.Paths.SharedRoot
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("shared root is not configured")
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("shared root does not exist: %s", root)
	}

	allow := allowedExts(s.cfg.Scan.Exts)
	limit := s.cfg.Scan.Limit

	s.logger.Info("scan.start",
		"root", root,
		"exts", strings.Join(allow, ","),
		"limit", limitLabel(limit),
		"hint_depth", s.cfg.Scan.HintDepth,
	)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	res := &ScanResult{}
	// One timestamp per pass: every row of the same invocation shares the
	// same first_seen_at/last_seen_at stamp.
	seenAt := time.Now()

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if werr != nil {
			// Unreadable directories on UNC shares are routine; log and move on.
			s.logger.Warn("scan.walk.failed", "path", path, "err", werr)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := normExt(path)
		if !slices.Contains(allow, ext) {
			return nil
		}
		if limit > 0 && res.Processed >= limit {
			return errScanLimit
		}
		res.Processed++

		var fileSize int64
		var mtime *time.Time
		if fi, err := d.Info(); err != nil {
			// stat can fail on flaky shares; register the path anyway.
			s.logger.Warn("scan.stat.failed", "path", path, "err", err)
		} else {
			fileSize = fi.Size()
			mt := fi.ModTime()
			mtime = &mt
		}

		// src_folder_raw is the folder directly under the shared root, raw.
		var srcFolder *string
		if rel, err := filepath.Rel(root, path); err == nil {
			parts := strings.Split(filepath.ToSlash(rel), "/")
			if len(parts) >= 2 {
				srcFolder = &parts[0]
			}
		}

		if _, err := tx.UpsertSharedFile(ctx, ledger.SharedFileUpsert{
			Path:          path,
			SrcFolderRaw:  srcFolder,
			FacilityHint:  orNil(facilityHint(path, s.cfg.Scan.HintDepth)),
			FileName:      filepath.Base(path),
			Ext:           ext,
			FileSize:      fileSize,
			MTime:         mtime,
			AutoJudgement: "UNKNOWN",
			StageStatus:   stageNew,
			SeenAt:        seenAt,
		}); err != nil {
			return err
		}
		res.Upserted++

		if res.Processed%2000 == 0 {
			var cerr error
			if tx, cerr = commitAndBegin(ctx, s.store, tx); cerr != nil {
				return cerr
			}
			s.logger.Info("scan.progress", "processed", res.Processed, "upserted", res.Upserted)
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errScanLimit) {
		return nil, walkErr
	}

	if err := tx.Commit(); err != nil {
		tx = nil
		return nil, err
	}
	tx = nil

	recordStageRows("scan", "upserted", res.Upserted)
	s.logger.Info("scan.done", "processed", res.Processed, "upserted", res.Upserted)
	return res, nil
}

// allowedExts normalizes the configured extension list (lowercase, no
// leading dot, deduplicated, sorted). An empty list falls back to zip only.
func allowedExts(exts []string) []string {
	var allow []string
	for _, e := range exts {
		e = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e)), ".")
		if e != "" && !slices.Contains(allow, e) {
			allow = append(allow, e)
		}
	}
	if len(allow) == 0 {
		return []string{"zip"}
	}
	slices.Sort(allow)
	return allow
}

// normExt returns the lowercased extension of path without the dot.
func normExt(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// facilityHint joins up to depth ancestor directory names, outermost
// first: depth=2 on share/clinicA/2025/a.zip gives "clinicA/2025". The
// hint is advisory; alias resolution happens against src_folder_raw.
func facilityHint(path string, depth int) string {
	var parts []string
	cur := filepath.Dir(path)
	for i := 0; i < depth; i++ {
		name := filepath.Base(cur)
		if name != "" && name != "." && name != string(filepath.Separator) {
			parts = append(parts, name)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	slices.Reverse(parts)
	return strings.Join(parts, "/")
}
