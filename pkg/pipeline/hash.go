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
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/medi-ingest/pkg/config"
	"github.com/kraklabs/medi-ingest/pkg/ledger"
)

// Hash computes content SHA-256 for registered zips that do not have one
// yet. It only reads bytes, never opens the archive. Hashing runs in a
// worker pool because the shared filesystem dominates the cost; DB writes
// stay on the caller's goroutine so commit batches keep row order.
type Hash struct {
	store  *ledger.Store
	cfg    *config.Config
	logger *slog.Logger

	// Progress, when set, is called after each booked file with the
	// running count and the batch total. Runs on the caller's goroutine.
	Progress func(done, total int)
}

// NewHash creates the hash stage. A nil logger falls back to slog.Default().
func NewHash(store *ledger.Store, cfg *config.Config, logger *slog.Logger) *Hash {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hash{store: store, cfg: cfg, logger: logger}
}

// HashResult summarizes one hash pass.
type HashResult struct {
	Targets int
	Done    int
	Missing int
	Failed  int
}

type hashOutcome struct {
	sha     string
	missing bool
	err     error
}

// Run hashes one batch of pending zips.
func (h *Hash) Run(ctx context.Context) (*HashResult, error) {
	started := time.Now()
	defer observeStageDuration("hash", started)

	limit := h.cfg.Hash.Limit
	onlyStage := strings.TrimSpace(h.cfg.Hash.OnlyStage)
	chunkMiB := h.cfg.Hash.ChunkMiB
	chunkSize := chunkMiB << 20
	if chunkSize < 1<<20 {
		chunkSize = 1 << 20
	}

	tx, err := h.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.SelectHashTargets(ctx, onlyStage, limit)
	if err != nil {
		return nil, err
	}

	stageLabel := onlyStage
	if stageLabel == "" {
		stageLabel = "(none)"
	}
	h.logger.Info("hash.start",
		"rows", len(rows),
		"stage_filter", stageLabel,
		"limit", limitLabel(limit),
		"chunk_mb", chunkMiB,
	)

	res := &HashResult{Targets: len(rows)}

	outcomes, err := h.hashAll(ctx, rows, chunkSize)
	if err != nil {
		return nil, err
	}

	for i, row := range rows {
		switch out := outcomes[i]; {
		case out.missing:
			res.Missing++
			if err := tx.UpdateSharedFileNote(ctx, row.SharedFileID, "source missing when hashing"); err != nil {
				return nil, err
			}
		case out.err != nil:
			res.Failed++
			if err := tx.UpdateSharedFileNote(ctx, row.SharedFileID, "hash failed: "+out.err.Error()); err != nil {
				return nil, err
			}
		default:
			res.Done++
			if err := tx.UpdateSharedFileSHA(ctx, row.SharedFileID, out.sha); err != nil {
				return nil, err
			}
		}

		if h.Progress != nil {
			h.Progress(i+1, len(rows))
		}

		if (i+1)%50 == 0 {
			var cerr error
			if tx, cerr = commitAndBegin(ctx, h.store, tx); cerr != nil {
				return nil, cerr
			}
			h.logger.Info("hash.progress", "done", res.Done, "missing", res.Missing, "failed", res.Failed)
		}
	}

	if err := tx.Commit(); err != nil {
		tx = nil
		return nil, err
	}
	tx = nil

	recordStageRows("hash", "done", res.Done)
	recordStageRows("hash", "missing", res.Missing)
	recordStageRows("hash", "failed", res.Failed)
	h.logger.Info("hash.done", "done", res.Done, "missing", res.Missing, "failed", res.Failed)
	return res, nil
}

// hashAll computes hashes for every target, indexed like rows. Small
// batches run sequentially; the pool only pays off when the share's
// latency can be overlapped.
func (h *Hash) hashAll(ctx context.Context, rows []ledger.HashTarget, chunkSize int) ([]hashOutcome, error) {
	outcomes := make([]hashOutcome, len(rows))
	workers := h.cfg.Hash.Workers

	if len(rows) < 10 || workers <= 1 {
		for i, row := range rows {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			outcomes[i] = hashOne(row.Path, chunkSize)
		}
		return outcomes, nil
	}

	jobs := make(chan int, len(rows))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				// Distinct indices per job, so no write races.
				outcomes[i] = hashOne(rows[i].Path, chunkSize)
			}
		}()
	}
	for i := range rows {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func hashOne(path string, chunkSize int) hashOutcome {
	if strings.TrimSpace(path) == "" {
		return hashOutcome{missing: true}
	}
	sha, err := sha256File(path, chunkSize)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return hashOutcome{missing: true}
		}
		return hashOutcome{err: err}
	}
	return hashOutcome{sha: sha}
}
