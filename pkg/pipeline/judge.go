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
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kraklabs/medi-ingest/pkg/archive"
	"github.com/kraklabs/medi-ingest/pkg/config"
	"github.com/kraklabs/medi-ingest/pkg/ledger"
)

// Auto judgement values on shared_files.
const (
	judgeKenshin = "KENSHIN"
	judgeUnknown = "UNKNOWN"
)

// Judge probes hashed zips for XML members (central directory only, no
// extraction) and sets auto_judgement: an xml inside means KENSHIN,
// anything else stays UNKNOWN for a human to look at. Rows with a
// manual_judgement are never selected, so an operator's call always
// stands.
type Judge struct {
	store  *ledger.Store
	cfg    *config.Config
	logger *slog.Logger
}

// NewJudge creates the judge stage. A nil logger falls back to slog.Default().
func NewJudge(store *ledger.Store, cfg *config.Config, logger *slog.Logger) *Judge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Judge{store: store, cfg: cfg, logger: logger}
}

// JudgeResult summarizes one judge pass.
type JudgeResult struct {
	Targets     int
	Changed     int
	Probed      int
	Kenshin     int
	Unknown     int
	ProbeFailed int
}

// Run probes and judges one batch of hashed zips.
func (j *Judge) Run(ctx context.Context) (*JudgeResult, error) {
	started := time.Now()
	defer observeStageDuration("judge", started)

	limit := j.cfg.Judge.Limit
	onlyStage := strings.TrimSpace(j.cfg.Judge.OnlyStage)
	if onlyStage == "" {
		onlyStage = stageNew
	}
	probeAlways := j.cfg.Judge.ProbeAlways

	tx, err := j.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.SelectJudgeTargets(ctx, onlyStage, limit)
	if err != nil {
		return nil, err
	}

	j.logger.Info("judge.start",
		"rows", len(rows),
		"only_stage", onlyStage,
		"limit", limitLabel(limit),
		"probe_always", probeAlways,
	)

	res := &JudgeResult{Targets: len(rows)}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hasXML := row.ZipHasXML
		xmlCount := row.ZipXMLCount

		if probeAlways || hasXML == nil {
			pr := archive.ProbeZipXML(row.Path)
			if pr.OK {
				h := 0
				if pr.HasXML {
					h = 1
				}
				cnt := pr.XMLCount
				if err := tx.UpdateZipProbe(ctx, row.SharedFileID, &h, &cnt, nil); err != nil {
					return nil, err
				}
				hasXML = &h
				xmlCount = &cnt
			} else {
				note := pr.Note
				if note == "" {
					note = "zip xml probe failed"
				}
				// zip_has_xml stays NULL on failure, never forced to 0.
				if err := tx.UpdateZipProbe(ctx, row.SharedFileID, nil, nil, &note); err != nil {
					return nil, err
				}
				res.ProbeFailed++
				hasXML = nil
				xmlCount = nil
			}
			res.Probed++
		}

		var judgement, note string
		switch {
		case hasXML != nil && *hasXML == 1:
			judgement = judgeKenshin
			countLabel := "?"
			if xmlCount != nil {
				countLabel = strconv.Itoa(*xmlCount)
			}
			note = fmt.Sprintf("auto:KENSHIN (zip_has_xml=1 xml_count=%s)", countLabel)
			res.Kenshin++
		case hasXML != nil && *hasXML == 0:
			judgement = judgeUnknown
			note = "auto:UNKNOWN (zip_has_xml=0)"
			res.Unknown++
		default:
			judgement = judgeUnknown
			note = "auto:UNKNOWN (zip_has_xml=NULL; probe failed or not available)"
			res.Unknown++
		}

		if err := tx.UpdateAutoJudgement(ctx, row.SharedFileID, judgement, &note); err != nil {
			return nil, err
		}
		res.Changed++

		if res.Changed%200 == 0 {
			var cerr error
			if tx, cerr = commitAndBegin(ctx, j.store, tx); cerr != nil {
				return nil, cerr
			}
			j.logger.Info("judge.progress",
				"changed", res.Changed,
				"probed", res.Probed,
				"kenshin", res.Kenshin,
				"unknown", res.Unknown,
				"probe_failed", res.ProbeFailed,
			)
		}
	}

	if err := tx.Commit(); err != nil {
		tx = nil
		return nil, err
	}
	tx = nil

	recordStageRows("judge", "kenshin", res.Kenshin)
	recordStageRows("judge", "unknown", res.Unknown)
	recordStageRows("judge", "probe_failed", res.ProbeFailed)
	j.logger.Info("judge.done",
		"changed", res.Changed,
		"probed", res.Probed,
		"kenshin", res.Kenshin,
		"unknown", res.Unknown,
		"probe_failed", res.ProbeFailed,
	)
	return res, nil
}
