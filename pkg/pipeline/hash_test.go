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
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/medi-ingest/pkg/config"
	"github.com/kraklabs/medi-ingest/pkg/ledger"
)

func TestHashOne(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.zip")
	require.NoError(t, os.WriteFile(p, []byte("abc"), 0o644))

	out := hashOne(p, 1<<20)
	require.NoError(t, out.err)
	assert.False(t, out.missing)
	assert.Equal(t, sha256Bytes([]byte("abc")), out.sha)

	out = hashOne(filepath.Join(dir, "gone.zip"), 1<<20)
	assert.True(t, out.missing, "vanished source is missing, not an error")
	assert.NoError(t, out.err)

	out = hashOne("  ", 1<<20)
	assert.True(t, out.missing, "empty path counts as missing")
}

func TestHashAllPoolMatchesSequential(t *testing.T) {
	dir := t.TempDir()
	var rows []ledger.HashTarget
	for i := 0; i < 25; i++ {
		p := filepath.Join(dir, fmt.Sprintf("f%02d.zip", i))
		require.NoError(t, os.WriteFile(p, []byte(fmt.Sprintf("payload-%d", i)), 0o644))
		rows = append(rows, ledger.HashTarget{SharedFileID: int64(i + 1), Path: p})
	}
	// One vanished file mixed in.
	rows = append(rows, ledger.HashTarget{SharedFileID: 99, Path: filepath.Join(dir, "gone.zip")})

	cfgSeq := config.DefaultConfig()
	cfgSeq.Hash.Workers = 1
	cfgPool := config.DefaultConfig()
	cfgPool.Hash.Workers = 4

	seq, err := (&Hash{cfg: &cfgSeq, logger: testLogger()}).hashAll(context.Background(), rows, 1<<20)
	require.NoError(t, err)
	pool, err := (&Hash{cfg: &cfgPool, logger: testLogger()}).hashAll(context.Background(), rows, 1<<20)
	require.NoError(t, err)

	require.Len(t, pool, len(rows))
	for i := range rows {
		assert.Equal(t, seq[i].sha, pool[i].sha, "row %d", i)
		assert.Equal(t, seq[i].missing, pool[i].missing, "row %d", i)
	}
	assert.True(t, pool[len(rows)-1].missing)
}

func TestHashRunBooksOutcomes(t *testing.T) {
	dir := t.TempDir()
	okPath := filepath.Join(dir, "a.zip")
	require.NoError(t, os.WriteFile(okPath, []byte("za"), 0o644))
	gonePath := filepath.Join(dir, "gone.zip")

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("AND stage_status = \\? ORDER BY first_seen_at ASC LIMIT \\?").
		WithArgs("NEW", 200).
		WillReturnRows(sqlmock.NewRows([]string{"shared_file_id", "path"}).
			AddRow(1, okPath).
			AddRow(2, gonePath))
	mock.ExpectExec("UPDATE shared_files").
		WithArgs(sha256Bytes([]byte("za")), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE shared_files").
		WithArgs("source missing when hashing", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cfg := config.DefaultConfig()
	res, err := NewHash(store, &cfg, testLogger()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Targets)
	assert.Equal(t, 1, res.Done)
	assert.Equal(t, 1, res.Missing)
	assert.Equal(t, 0, res.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
