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
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Catalog caches schema facts probed from information_schema. Probes run
// at most once per (table, column) for the process lifetime; deployments
// where the DDL drifted (columns missing, enums extended) keep working
// because upsert builders ask the catalog before naming optional columns.
type Catalog struct {
	hasCol  sync.Map // "table.column" -> bool
	colType sync.Map // "table.column" -> string, "" when absent
}

// NewCatalog returns an empty catalog. One catalog is shared by all
// transactions of a Store.
func NewCatalog() *Catalog {
	return &Catalog{}
}

// HasColumn reports whether table.column exists in the connected schema.
func (c *Catalog) HasColumn(ctx context.Context, q sqlx.QueryerContext, table, column string) (bool, error) {
	key := table + "." + column
	if v, ok := c.hasCol.Load(key); ok {
		return v.(bool), nil
	}
	var one int
	err := sqlx.GetContext(ctx, q, &one,
		`SELECT 1
		   FROM information_schema.COLUMNS
		  WHERE TABLE_SCHEMA = DATABASE()
		    AND TABLE_NAME = ?
		    AND COLUMN_NAME = ?
		  LIMIT 1`, table, column)
	has := true
	if err != nil {
		if !isNoRows(err) {
			return false, fmt.Errorf("probe column %s: %w", key, err)
		}
		has = false
	}
	c.hasCol.Store(key, has)
	return has, nil
}

// ColumnType returns the COLUMN_TYPE of table.column, or "" when the
// column does not exist.
func (c *Catalog) ColumnType(ctx context.Context, q sqlx.QueryerContext, table, column string) (string, error) {
	key := table + "." + column
	if v, ok := c.colType.Load(key); ok {
		return v.(string), nil
	}
	var typ string
	err := sqlx.GetContext(ctx, q, &typ,
		`SELECT COLUMN_TYPE
		   FROM information_schema.COLUMNS
		  WHERE TABLE_SCHEMA = DATABASE()
		    AND TABLE_NAME = ?
		    AND COLUMN_NAME = ?`, table, column)
	if err != nil {
		if !isNoRows(err) {
			return "", fmt.Errorf("probe column type %s: %w", key, err)
		}
		typ = ""
	}
	c.colType.Store(key, typ)
	return typ, nil
}

// GuardEnum maps value onto a member of the enum column table.column. A
// value already in the literal set passes through; otherwise the fallback
// order is OTHER, UNKNOWN, then the first member. Non-enum columns pass
// every value through, so the guard is safe to call unconditionally.
func (c *Catalog) GuardEnum(ctx context.Context, q sqlx.QueryerContext, table, column, value string) (string, error) {
	typ, err := c.ColumnType(ctx, q, table, column)
	if err != nil {
		return "", err
	}
	enums := parseEnumValues(typ)
	return fallbackEnum(value, enums), nil
}

// parseEnumValues extracts the literal set from a COLUMN_TYPE like
// enum('OK','SKIP','ERROR'). Returns nil for non-enum types.
func parseEnumValues(columnType string) []string {
	if !strings.HasPrefix(strings.ToLower(columnType), "enum(") {
		return nil
	}
	open := strings.Index(columnType, "(")
	close := strings.LastIndex(columnType, ")")
	if open < 0 || close <= open {
		return nil
	}
	body := columnType[open+1 : close]
	var values []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch {
		case ch == '\\' && i+1 < len(body):
			i++
			cur.WriteByte(body[i])
		case ch == '\'':
			if inQuote {
				values = append(values, cur.String())
				cur.Reset()
			}
			inQuote = !inQuote
		case inQuote:
			cur.WriteByte(ch)
		}
	}
	return values
}

// fallbackEnum picks the stored value for a guarded enum write.
func fallbackEnum(value string, enums []string) string {
	if len(enums) == 0 {
		return value
	}
	for _, e := range enums {
		if e == value {
			return value
		}
	}
	for _, pref := range []string{"OTHER", "UNKNOWN"} {
		for _, e := range enums {
			if e == pref {
				return pref
			}
		}
	}
	return enums[0]
}
