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
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndFinishRun(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO import_runs (started_at, input_root, note) VALUES (?, ?, ?)")).
		WithArgs(sqlmock.AnyArg(), "/input", "zip_import start mode=ZIP_IMPORT").
		WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE import_runs SET finished_at = ?, note = ? WHERE run_id = ?")).
		WithArgs(sqlmock.AnyArg(), "zip_import done zips=3 xmls=12", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	runID, err := tx.InsertRun(ctx, "/input", "zip_import start mode=ZIP_IMPORT")
	require.NoError(t, err)
	assert.Equal(t, int64(42), runID)

	err = tx.FinishRun(ctx, runID, "zip_import done zips=3 xmls=12")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunExists(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT run_id FROM import_runs WHERE run_id = ?")).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}).AddRow(42))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT run_id FROM import_runs WHERE run_id = ?")).
		WithArgs(int64(999)).
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	ok, err := tx.RunExists(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tx.RunExists(ctx, 999)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
