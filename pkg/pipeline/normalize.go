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

	"github.com/kraklabs/medi-ingest/pkg/config"
	"github.com/kraklabs/medi-ingest/pkg/ledger"
)

// Normalize fills exam_result_item_values.value for RAW rows. The value
// type from the item master decides the rule: ST copies raw_value as is,
// PQ trims and requires a number, CD and CO need an exact raw_value hit
// in norm_variants. No guessing, no token building; a raw value either
// matches the dictionary or the row goes to ERROR with the reason.
type Normalize struct {
	store  *ledger.Store
	master *ledger.Master
	cfg    *config.Config
	logger *slog.Logger
}

// NewNormalize creates the normalize stage. A nil logger falls back to
// slog.Default().
func NewNormalize(store *ledger.Store, master *ledger.Master, cfg *config.Config, logger *slog.Logger) *Normalize {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalize{store: store, master: master, cfg: cfg, logger: logger}
}

// NormalizeResult summarizes one normalize pass.
type NormalizeResult struct {
	Targets int
	OK      int
	Errors  int
}

// Run normalizes one batch of RAW item values. No run bookkeeping; this
// stage only flips rows between RAW, OK and ERROR.
func (n *Normalize) Run(ctx context.Context) (*NormalizeResult, error) {
	started := time.Now()
	defer observeStageDuration("normalize", started)

	limit := n.cfg.Normalize.Limit
	limitText := "FULL"
	if limit > 0 {
		limitText = strconv.Itoa(limit)
	}

	tx, err := n.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	targets, err := tx.SelectNormalizeTargets(ctx, limit)
	if err != nil {
		return nil, err
	}

	n.logger.Info("normalize.start", "rows", len(targets), "limit", limitText)

	res := &NormalizeResult{Targets: len(targets)}
	if len(targets) == 0 {
		_ = tx.Rollback()
		tx = nil
		return res, nil
	}

	for _, row := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		value, reason, err := n.normalizeValue(ctx, row)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			if err := tx.UpdateNormalizeError(ctx, row.ItemValueID, reason); err != nil {
				return nil, err
			}
			res.Errors++
			continue
		}
		if err := tx.UpdateNormalizeOK(ctx, row.ItemValueID, value); err != nil {
			return nil, err
		}
		res.OK++
	}

	if err := tx.Commit(); err != nil {
		tx = nil
		return nil, err
	}
	tx = nil

	recordStageRows("normalize", "ok", res.OK)
	recordStageRows("normalize", "error", res.Errors)
	n.logger.Info("normalize.done", "ok", res.OK, "error", res.Errors, "targets", res.Targets)
	return res, nil
}

// normalizeValue applies the master-driven rule to one row. A non-empty
// reason marks the row ERROR; err is reserved for master lookup failures
// which abort the pass.
func (n *Normalize) normalizeValue(ctx context.Context, row ledger.NormalizeTarget) (value, reason string, err error) {
	rawStr := deref(row.RawValue)
	namecode := deref(row.Namecode)
	if namecode == "" {
		return "", "namecode is empty", nil
	}

	item, err := n.master.GetItem(ctx, namecode)
	if err != nil {
		return "", "", err
	}
	if item == nil {
		return "", "item_master not found: namecode=" + namecode, nil
	}

	vtype := strings.ToUpper(strings.TrimSpace(deref(item.XMLValueType)))
	oid := strings.TrimSpace(deref(item.ResultCodeOID))

	switch vtype {
	case "ST", "":
		if row.RawValue == nil {
			return "", "ST raw_value is NULL", nil
		}
		return rawStr, "", nil

	case "PQ":
		v := strings.TrimSpace(rawStr)
		if v == "" {
			return "", "PQ raw_value becomes empty after trim", nil
		}
		if _, ferr := strconv.ParseFloat(v, 64); ferr != nil {
			return "", fmt.Sprintf("PQ not numeric: raw_value='%s'", rawStr), nil
		}
		return v, "", nil

	case "CD", "CO":
		if oid == "" {
			return "", vtype + " but result_code_oid is NULL/empty in item_master", nil
		}
		hit, lerr := n.master.LookupVariant(ctx, oid, rawStr)
		if lerr != nil {
			return "", "", lerr
		}
		if hit == nil {
			return "", fmt.Sprintf("%s no match in norm_variants: result_code_oid='%s', raw_value='%s'",
				vtype, oid, rawStr), nil
		}
		return hit.NormalizedCode, "", nil
	}

	return "", fmt.Sprintf("unsupported xml_value_type='%s'", vtype), nil
}
