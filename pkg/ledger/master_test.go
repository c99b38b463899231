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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockMaster(t *testing.T) (*Master, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewMaster(sqlx.NewDb(db, "sqlmock")), mock
}

func TestGetItem(t *testing.T) {
	m, mock := newMockMaster(t)
	ctx := context.Background()

	cols := []string{"namecode", "item_name", "xml_value_type", "result_code_oid", "value_method"}
	mock.ExpectQuery("SELECT namecode, item_name, xml_value_type").
		WithArgs("9A755000000000001").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("9A755000000000001", "収縮期血圧", "PQ", nil, ""))
	mock.ExpectQuery("SELECT namecode, item_name, xml_value_type").
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows(cols))

	item, err := m.GetItem(ctx, "9A755000000000001")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NotNil(t, item.XMLValueType)
	assert.Equal(t, "PQ", *item.XMLValueType)

	missing, err := m.GetItem(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing, "unknown namecode is not an error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllItems(t *testing.T) {
	m, mock := newMockMaster(t)

	mock.ExpectQuery("SELECT namecode, item_name, xml_value_type").
		WillReturnRows(sqlmock.NewRows([]string{
			"namecode", "item_name", "xml_value_type", "result_code_oid", "value_method",
		}).
			AddRow("9A755000000000001", "収縮期血圧", "PQ", nil, "").
			AddRow("9N001000000000001", "既往歴", "CD", "1.2.392.200119.6.2001", ""))

	items, err := m.AllItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.NotNil(t, items["9N001000000000001"].ResultCodeOID)
	assert.Equal(t, "1.2.392.200119.6.2001", *items["9N001000000000001"].ResultCodeOID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupVariant(t *testing.T) {
	m, mock := newMockMaster(t)
	ctx := context.Background()

	cols := []string{"normalized_code", "code_system", "display_name"}
	mock.ExpectQuery("SELECT normalized_code, code_system, display_name").
		WithArgs("1.2.392.200119.6.2001", "特定なし").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("2", "1.2.392.200119.6.2001", "なし"))
	mock.ExpectQuery("SELECT normalized_code, code_system, display_name").
		WithArgs("1.2.392.200119.6.2001", "??").
		WillReturnRows(sqlmock.NewRows(cols))

	v, err := m.LookupVariant(ctx, "1.2.392.200119.6.2001", "特定なし")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "2", v.NormalizedCode)

	none, err := m.LookupVariant(ctx, "1.2.392.200119.6.2001", "??")
	require.NoError(t, err)
	assert.Nil(t, none, "no variant match is a decision for the caller")
	assert.NoError(t, mock.ExpectationsWereMet())
}
