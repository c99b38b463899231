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
	"crypto/sha1"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Timestamp is the DATETIME(6) rendering used wherever the pipeline writes
// a timestamp it computed itself (scan snapshots, normalized_at). Columns
// maintained by the database use CURRENT_TIMESTAMP(6) instead.
const Timestamp = "2006-01-02 15:04:05.000000"

// Store is an open connection to the ledger database.
type Store struct {
	db  *sqlx.DB
	cat *Catalog
}

// Open connects to the ledger database. The DSN must carry parseTime=true
// (config.DBConfig.DSN does) so DATETIME(6) columns scan into time.Time.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect ledger db: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	return &Store{db: db, cat: NewCatalog()}, nil
}

// NewStore wraps an existing connection. Used by tests with sqlmock.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, cat: NewCatalog()}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw pool for migrations and health checks.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Begin opens a transaction carrying all row operations. Callers commit per
// file or per small batch; the catalog cache is shared across transactions.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	return &Tx{tx: tx, cat: s.cat}, nil
}

// Tx is a ledger transaction. All stage writes go through methods on Tx so
// commit boundaries stay in the caller's hands.
type Tx struct {
	tx  *sqlx.Tx
	cat *Catalog
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

func (t *Tx) hasColumn(ctx context.Context, table, column string) (bool, error) {
	return t.cat.HasColumn(ctx, t.tx, table, column)
}

func (t *Tx) guardEnum(ctx context.Context, table, column, value string) (string, error) {
	return t.cat.GuardEnum(ctx, t.tx, table, column, value)
}

// clip truncates s to at most limit runes. Rune-based so Japanese text in
// error messages never gets cut mid-character.
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

// clipPtr clips through a nullable string, preserving nil.
func clipPtr(s *string, limit int) *string {
	if s == nil {
		return nil
	}
	c := clip(*s, limit)
	return &c
}

// SHA256Text returns the lowercase hex SHA-256 of s.
func SHA256Text(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SHA1Text returns the lowercase hex SHA-1 of s. Only used for the
// shared_files path_hash key, which is a dedupe key, not an integrity
// check.
func SHA1Text(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// NormInnerPath canonicalizes a zip member path: backslashes become
// forward slashes and leading slashes are stripped. Receipt keys and
// member lookups always use the normalized form.
func NormInnerPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimLeft(p, "/")
}

// EnsureInnerSHA returns sha when non-empty, otherwise the SHA-256 of the
// normalized inner path. Keeps the zip_inner_path_sha256 key stable even
// when a caller never computed it.
func EnsureInnerSHA(inner string, sha *string) string {
	if sha != nil && *sha != "" {
		return *sha
	}
	return SHA256Text(NormInnerPath(inner))
}

func ptr[T any](v T) *T {
	return &v
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
