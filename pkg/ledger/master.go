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
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Master is the read-only reference database: the checkup item dictionary
// (item_master) and the code normalization table (norm_variants). It may
// be the same server as the ledger or a different one; nothing here
// writes.
type Master struct {
	db *sqlx.DB
}

// OpenMaster connects to the reference database.
func OpenMaster(dsn string) (*Master, error) {
	db, err := sqlx.Connect("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect master db: %w", err)
	}
	return &Master{db: db}, nil
}

// NewMaster wraps an existing connection. Used by tests with sqlmock.
func NewMaster(db *sqlx.DB) *Master {
	return &Master{db: db}
}

// Close releases the underlying connection pool.
func (m *Master) Close() error {
	return m.db.Close()
}

// ItemMasterRow is one dictionary entry for a JLAC10-coded checkup item.
type ItemMasterRow struct {
	Namecode      string  `db:"namecode"`
	ItemName      *string `db:"item_name"`
	XMLValueType  *string `db:"xml_value_type"`
	ResultCodeOID *string `db:"result_code_oid"`
	ValueMethod   *string `db:"value_method"`
}

// GetItem returns the dictionary entry for one namecode, or nil when the
// dictionary does not know it.
func (m *Master) GetItem(ctx context.Context, namecode string) (*ItemMasterRow, error) {
	var row ItemMasterRow
	err := m.db.GetContext(ctx, &row,
		`SELECT namecode, item_name, xml_value_type, result_code_oid, value_method
		   FROM item_master
		  WHERE namecode = ?`, namecode)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get item master %s: %w", namecode, err)
	}
	return &row, nil
}

// AllItems loads the whole dictionary keyed by namecode. The item-extract
// stage loads it once per run instead of querying per observation.
func (m *Master) AllItems(ctx context.Context) (map[string]ItemMasterRow, error) {
	var rows []ItemMasterRow
	err := m.db.SelectContext(ctx, &rows,
		`SELECT namecode, item_name, xml_value_type, result_code_oid, value_method
		   FROM item_master
		  ORDER BY namecode ASC`)
	if err != nil {
		return nil, fmt.Errorf("load item master: %w", err)
	}
	out := make(map[string]ItemMasterRow, len(rows))
	for _, r := range rows {
		out[r.Namecode] = r
	}
	return out, nil
}

// NormVariant is one accepted raw spelling of a coded result value.
type NormVariant struct {
	NormalizedCode string  `db:"normalized_code"`
	CodeSystem     *string `db:"code_system"`
	DisplayName    *string `db:"display_name"`
}

// LookupVariant resolves a raw coded value against norm_variants by exact
// match within the item's result code table. Canonical spellings win over
// aliases, then row priority.
func (m *Master) LookupVariant(ctx context.Context, resultCodeOID, rawValue string) (*NormVariant, error) {
	var v NormVariant
	err := m.db.GetContext(ctx, &v,
		`SELECT normalized_code, code_system, display_name
		   FROM norm_variants
		  WHERE result_code_oid = ?
		    AND raw_value_utf8 = ?
		    AND is_active = 1
		  ORDER BY is_canonical DESC, priority ASC, variant_id ASC
		  LIMIT 1`, resultCodeOID, rawValue)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup norm variant %s: %w", resultCodeOID, err)
	}
	return &v, nil
}
