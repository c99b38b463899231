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
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kraklabs/medi-ingest/pkg/ledger"
)

// zeroSHA is the placeholder hash booked when a file's content could not
// be read; it keeps the NOT NULL receipt keys intact while staying
// recognizable as "no real hash".
const zeroSHA = "0000000000000000000000000000000000000000000000000000000000000000"

// Stage status values on shared_files.
const (
	stageNew         = "NEW"
	stageInputCopied = "INPUT_COPIED"
	stageSkipped     = "SKIPPED"
)

// clip truncates s to at most limit runes, no ellipsis. Used where a
// message feeds a bounded DB column verbatim.
func clip(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

// shorten collapses line breaks and truncates to max runes with a "..."
// marker. Process-log messages go through this so one event stays one
// line.
func shorten(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	r := []rune(s)
	if max <= 3 || len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

// sha256File hashes a file in chunks so multi-GB zips on a slow share
// never load into memory at once.
func sha256File(path string, chunkSize int) (string, error) {
	if chunkSize < 1 {
		chunkSize = 1 << 20
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", rerr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sha256Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func ptr[T any](v T) *T {
	return &v
}

// orNil maps the empty string to nil. Header fields and notes use it so
// "absent" lands as NULL instead of ''.
func orNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// limitLabel renders a LIMIT value for logs; non-positive means unbounded.
func limitLabel(n int) string {
	if n <= 0 {
		return "NO LIMIT"
	}
	return strconv.Itoa(n)
}

// commitAndBegin commits the current transaction and opens a fresh one.
// Stages commit in batches so a crash mid-run loses at most one batch of
// bookkeeping, never the whole pass.
func commitAndBegin(ctx context.Context, store *ledger.Store, tx *ledger.Tx) (*ledger.Tx, error) {
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return store.Begin(ctx)
}
