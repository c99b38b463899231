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
	"log/slog"
	"strconv"
	"strings"
	"time"

	zip "github.com/yeka/zip"

	"github.com/kraklabs/medi-ingest/pkg/archive"
	"github.com/kraklabs/medi-ingest/pkg/cda"
	"github.com/kraklabs/medi-ingest/pkg/config"
	"github.com/kraklabs/medi-ingest/pkg/ledger"
)

// Items walks ledgered xml receipts (status OK, items not yet extracted)
// and pulls every observation value out of each document into
// xml_item_values, one row per (namecode, occurrence). The item master
// steers how each value node is read; re-runs of ERROR and SKIP rows are
// the normal retry path.
type Items struct {
	store  *ledger.Store
	master *ledger.Master
	cfg    *config.Config
	logger *slog.Logger

	// RunID reuses an existing run for bookkeeping instead of opening a
	// new one. Note becomes the new run's note when RunID is zero.
	RunID int64
	Note  string
}

// NewItems creates the item-extract stage. A nil logger falls back to
// slog.Default().
func NewItems(store *ledger.Store, master *ledger.Master, cfg *config.Config, logger *slog.Logger) *Items {
	if logger == nil {
		logger = slog.Default()
	}
	return &Items{store: store, master: master, cfg: cfg, logger: logger}
}

// ItemsResult summarizes one item-extract pass. ZeroHit counts documents
// that parsed fine but yielded no observation rows; those land as ERROR
// so the next pass retries them.
type ItemsResult struct {
	RunID     int64
	Targets   int
	Processed int
	OK        int
	Errors    int
	ZeroHit   int
	Summary   string
}

// Run processes one batch of item-extract targets.
func (it *Items) Run(ctx context.Context) (*ItemsResult, error) {
	started := time.Now()
	defer observeStageDuration("item_extract", started)

	limit := it.cfg.Items.Limit
	queryLimit := limit
	if queryLimit <= 0 {
		queryLimit = 1000000
	}
	limitText := "FULL"
	if limit > 0 {
		limitText = strconv.Itoa(limit)
	}

	tx, err := it.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	runID := it.RunID
	if runID > 0 {
		exists, err := tx.RunExists(ctx, runID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("run %d not found in import_runs", runID)
		}
	} else {
		note := strings.TrimSpace(it.Note)
		if note == "" {
			note = "item_extract"
		}
		if runID, err = tx.InsertRun(ctx, it.cfg.Paths.InputRoot, note); err != nil {
			return nil, err
		}
		if tx, err = commitAndBegin(ctx, it.store, tx); err != nil {
			return nil, err
		}
	}

	all, err := it.master.AllItems(ctx)
	if err != nil {
		return nil, err
	}
	hints := make(map[string]cda.ItemHint, len(all))
	for nc, row := range all {
		hints[nc] = cda.ItemHint{ValueMethod: deref(row.ValueMethod), ValueType: deref(row.XMLValueType)}
	}

	targets, err := tx.SelectItemExtractTargets(ctx, "OK", queryLimit)
	if err != nil {
		return nil, err
	}

	it.logger.Info("items.start",
		"run_id", runID, "rows", len(targets), "namecodes", len(hints),
		"limit", limitText, "password_enabled", it.cfg.Items.PasswordEnabled)

	res := &ItemsResult{RunID: runID, Targets: len(targets)}
	if len(targets) == 0 {
		res.Summary = "item_extract: no targets (status=OK)"
		if err := tx.FinishRun(ctx, runID, res.Summary); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			tx = nil
			return nil, err
		}
		tx = nil
		it.logger.Info("items.done", "run_id", runID, "summary", res.Summary)
		return res, nil
	}

	// Per-run caches keyed by the parent zip's hash. Handles stay open
	// across commits and close together when the pass ends.
	handles := map[string]*zip.ReadCloser{}
	defer func() {
		for _, h := range handles {
			_ = h.Close()
		}
	}()
	zipRows := map[string]*ledger.ZipReceiptRow{}
	passwords := map[string][]string{}

	logStep := func(sha, result, msg string) error {
		return tx.InsertXMLProcessLog(ctx, runID, sha, stepExtractItems, result, &msg)
	}
	markFields := func(xmlReceiptID int64, status string) error {
		return tx.UpdateItemsExtractFields(ctx, xmlReceiptID, status, runID, true)
	}

	for _, row := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Processed++

		xmlSHA := row.XMLSHA256
		zipSHA := row.ZipSHA256
		inner := ledger.NormInnerPath(row.ZipInnerPath)

		if xmlSHA == "" || zipSHA == "" || inner == "" {
			if err := markFields(row.XMLReceiptID, "ERROR"); err != nil {
				return nil, err
			}
			res.Errors++
			continue
		}

		innerSHA := ledger.SHA256Text(inner)

		zrow := zipRows[zipSHA]
		if zrow == nil {
			zr, err := tx.GetZipReceiptRow(ctx, zipSHA)
			if err != nil {
				return nil, err
			}
			if zr == nil || deref(zr.ZipPath) == "" {
				if err := logStep(xmlSHA, "ERROR", "item_extract: parent zip missing in zip_receipts"); err != nil {
					return nil, err
				}
				if err := markFields(row.XMLReceiptID, "ERROR"); err != nil {
					return nil, err
				}
				res.Errors++
				continue
			}
			zrow = zr
			zipRows[zipSHA] = zrow
		}
		zipPath := deref(zrow.ZipPath)

		pw, havePW := passwords[zipSHA]
		if !havePW {
			pw = nil
			if it.cfg.Items.PasswordEnabled {
				got, perr := tx.PasswordCandidates(ctx,
					deref(zrow.FacilityCode), deref(zrow.FacilityFolderName), deref(zrow.ZipName), zipSHA)
				if perr == nil {
					pw = got
				}
				recordPasswordAttempts(len(pw))
			}
			passwords[zipSHA] = pw
		}

		zf := handles[zipSHA]
		var b []byte
		var rerr error
		if zf == nil {
			zf, rerr = zip.OpenReader(zipPath)
			if rerr == nil {
				handles[zipSHA] = zf
			}
		}
		if rerr == nil {
			b, rerr = archive.ReadMemberBytes(zf, inner, pw)
		}
		if rerr != nil {
			var msg string
			if errors.Is(rerr, archive.ErrMemberNotFound) {
				msg = "item_extract: zip member not found: " + inner
			} else {
				msg = shorten("item_extract: zip open failed: "+shorten(rerr.Error(), 1200), 1500)
			}
			if err := logStep(xmlSHA, "ERROR", msg); err != nil {
				return nil, err
			}
			if err := markFields(row.XMLReceiptID, "ERROR"); err != nil {
				return nil, err
			}
			res.Errors++
			continue
		}

		doc, perr := cda.Parse(b)
		if perr != nil {
			msg := "item_extract: dom parse failed: " + shorten(perr.Error(), 1200)
			if err := logStep(xmlSHA, "ERROR", msg); err != nil {
				return nil, err
			}
			if err := markFields(row.XMLReceiptID, "ERROR"); err != nil {
				return nil, err
			}
			res.Errors++
			continue
		}

		if !doc.IsClinicalDocument() {
			if err := logStep(xmlSHA, "SKIP", "item_extract: not CDA ClinicalDocument"); err != nil {
				return nil, err
			}
			if err := markFields(row.XMLReceiptID, "SKIP"); err != nil {
				return nil, err
			}
			continue
		}

		written := 0
		var uerr error
		for _, item := range doc.Observations(hints) {
			if _, uerr = tx.UpsertXMLItemValue(ctx, ledger.XMLItemValueUpsert{
				XMLSHA256:          xmlSHA,
				ZipSHA256:          zipSHA,
				ZipInnerPath:       inner,
				ZipInnerPathSHA256: innerSHA,
				Namecode:           item.Namecode,
				OccurrenceNo:       item.OccurrenceNo,
				ValueRaw:           item.ValueRaw,
				ValueType:          item.ValueType,
				Unit:               item.Unit,
				CodeSystem:         item.CodeSystem,
				CodeValue:          item.CodeValue,
				CodeDisplay:        item.CodeDisplay,
				ExtractedRunID:     &runID,
			}); uerr != nil {
				break
			}
			written++
		}
		if uerr != nil {
			if err := logStep(xmlSHA, "ERROR", "item_extract exception: "+shorten(uerr.Error(), 1500)); err != nil {
				return nil, err
			}
			if err := markFields(row.XMLReceiptID, "ERROR"); err != nil {
				return nil, err
			}
			res.Errors++
			continue
		}

		result, status := "OK", "OK"
		if written > 0 {
			res.OK++
		} else {
			result, status = "ERROR", "ERROR"
			res.ZeroHit++
		}
		if err := logStep(xmlSHA, result, fmt.Sprintf("item_extract: written=%d", written)); err != nil {
			return nil, err
		}
		if err := markFields(row.XMLReceiptID, status); err != nil {
			return nil, err
		}

		if res.Processed%50 == 0 {
			if tx, err = commitAndBegin(ctx, it.store, tx); err != nil {
				return nil, err
			}
			it.logger.Info("items.progress",
				"processed", res.Processed, "ok", res.OK, "error", res.Errors, "zero_hit", res.ZeroHit)
		}
	}

	if tx, err = commitAndBegin(ctx, it.store, tx); err != nil {
		return nil, err
	}

	res.Summary = fmt.Sprintf("item_extract processed=%d ok=%d err=%d zero_hit=%d limit=%s",
		res.Processed, res.OK, res.Errors, res.ZeroHit, limitText)
	if err := tx.FinishRun(ctx, runID, res.Summary); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		tx = nil
		return nil, err
	}
	tx = nil

	recordStageRows("item_extract", "ok", res.OK)
	recordStageRows("item_extract", "error", res.Errors)
	recordStageRows("item_extract", "zero_hit", res.ZeroHit)
	it.logger.Info("items.done",
		"run_id", runID, "processed", res.Processed, "ok", res.OK, "error", res.Errors, "zero_hit", res.ZeroHit)
	return res, nil
}
