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

func TestSelectItemExtractTargetsRetriesNonOK(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	// ERROR and SKIP rows stay targets; only OK rows drop out.
	mock.ExpectQuery(regexp.QuoteMeta(
		"(items_extract_status IS NULL OR items_extract_status <> 'OK')")).
		WithArgs("OK", 200).
		WillReturnRows(sqlmock.NewRows([]string{
			"xml_receipt_id", "xml_sha256", "zip_sha256", "zip_inner_path",
			"file_size", "file_mtime", "status",
			"items_extract_status", "items_extracted_run_id", "items_extracted_at",
		}).
			AddRow(1, "x1", "z1", "DATA/h1.xml", 100, nil, "OK", nil, nil, nil).
			AddRow(2, "x2", "z1", "DATA/h2.xml", 200, nil, "OK", "ERROR", 7, nil))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	rows, err := tx.SelectItemExtractTargets(ctx, "OK", 200)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].ItemsExtractStatus)
	require.NotNil(t, rows[1].ItemsExtractStatus)
	assert.Equal(t, "ERROR", *rows[1].ItemsExtractStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateItemsExtractFields(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COLUMN_TYPE FROM information_schema.COLUMNS").
		WithArgs("xml_receipts", "items_extract_status").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_TYPE"}).
			AddRow("enum('OK','SKIP','ERROR')"))
	mock.ExpectExec(regexp.QuoteMeta("items_extracted_at = CURRENT_TIMESTAMP(6)")).
		WithArgs("OK", int64(9), int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	err = tx.UpdateItemsExtractFields(ctx, 4, "OK", 9, true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertXMLItemValue(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO xml_item_values").
		WithArgs(
			"xmlsha", "zipsha", "DATA/h.xml", "innersha",
			"9N001000000000001", 1,
			"1", "CD", nil,
			"1.2.392.200119.6.2001", "1", nil,
			int64(9),
		).
		WillReturnResult(sqlmock.NewResult(31, 1))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	id, err := tx.UpsertXMLItemValue(ctx, XMLItemValueUpsert{
		XMLSHA256:          "xmlsha",
		ZipSHA256:          "zipsha",
		ZipInnerPath:       "DATA/h.xml",
		ZipInnerPathSHA256: "innersha",
		Namecode:           "9N001000000000001",
		OccurrenceNo:       1,
		ValueRaw:           ptr("1"),
		ValueType:          ptr("CD"),
		CodeSystem:         ptr("1.2.392.200119.6.2001"),
		CodeValue:          ptr("1"),
		ExtractedRunID:     ptr(int64(9)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(31), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}
