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
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockStore wires a Store over sqlmock. Each call gets a fresh catalog
// so probe caching never leaks between tests.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlmock")), mock
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 10))
	assert.Equal(t, "abc", clip("abc", 3))
	assert.Equal(t, "ab", clip("abc", 2))
	assert.Equal(t, "abc", clip("abc", 0), "limit 0 means no clipping")

	// Rune-based: never cuts a multibyte character in half.
	assert.Equal(t, "収縮期", clip("収縮期血圧", 3))
}

func TestClipPtr(t *testing.T) {
	assert.Nil(t, clipPtr(nil, 10))

	long := strings.Repeat("x", 20)
	got := clipPtr(&long, 5)
	require.NotNil(t, got)
	assert.Equal(t, "xxxxx", *got)
}

func TestNormInnerPath(t *testing.T) {
	assert.Equal(t, "DATA/h.xml", NormInnerPath("DATA\\h.xml"))
	assert.Equal(t, "DATA/h.xml", NormInnerPath("/DATA/h.xml"))
	assert.Equal(t, "DATA/h.xml", NormInnerPath("//DATA\\h.xml"))
	assert.Equal(t, "DATA/h.xml", NormInnerPath("DATA/h.xml"))
}

func TestEnsureInnerSHA(t *testing.T) {
	given := "deadbeef"
	assert.Equal(t, "deadbeef", EnsureInnerSHA("DATA/h.xml", &given))

	derived := EnsureInnerSHA("DATA/h.xml", nil)
	assert.Equal(t, SHA256Text("DATA/h.xml"), derived)

	empty := ""
	assert.Equal(t, derived, EnsureInnerSHA("DATA\\h.xml", &empty),
		"empty provided hash falls back to the normalized-path hash")
}

func TestHashHelpers(t *testing.T) {
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		SHA256Text("abc"))
	assert.Equal(t,
		"a9993e364706816aba3e25717850c26c9cd0d89d",
		SHA1Text("abc"))
}
