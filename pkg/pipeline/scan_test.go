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
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/medi-ingest/pkg/config"
)

func TestAllowedExts(t *testing.T) {
	assert.Equal(t, []string{"zip"}, allowedExts(nil), "empty config falls back to zip")
	assert.Equal(t, []string{"zip"}, allowedExts([]string{"", " . "}))
	assert.Equal(t, []string{"xml", "zip"},
		allowedExts([]string{" Zip ", ".XML", "zip"}),
		"lowercased, dot stripped, deduplicated, sorted")
}

func TestNormExt(t *testing.T) {
	assert.Equal(t, "zip", normExt("a/b/C.ZIP"))
	assert.Equal(t, "gz", normExt("a.tar.gz"))
	assert.Equal(t, "", normExt("noext"))
}

func TestFacilityHint(t *testing.T) {
	assert.Equal(t, "", facilityHint("/mnt/share/clinicA/2025/a.zip", 0))
	assert.Equal(t, "2025", facilityHint("/mnt/share/clinicA/2025/a.zip", 1))
	assert.Equal(t, "clinicA/2025", facilityHint("/mnt/share/clinicA/2025/a.zip", 2))
	assert.Equal(t, "share/clinicA/2025", facilityHint("/mnt/share/clinicA/2025/a.zip", 3))

	// Depth past the filesystem root stops cleanly.
	assert.Equal(t, "a", facilityHint("/a/b.zip", 5))
}

func expectScanEnumProbes(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT COLUMN_TYPE FROM information_schema.COLUMNS").
		WithArgs("shared_files", "auto_judgement").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_TYPE"}).
			AddRow("enum('KENSHIN','NON_KENSHIN','UNREADABLE','UNKNOWN')"))
	mock.ExpectQuery("SELECT COLUMN_TYPE FROM information_schema.COLUMNS").
		WithArgs("shared_files", "stage_status").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_TYPE"}).
			AddRow("enum('NEW','INPUT_COPIED','IMPORTED','SKIPPED')"))
}

func scanConfig(root string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Paths.SharedRoot = root
	cfg.Scan.Exts = []string{"zip"}
	cfg.Scan.HintDepth = 2
	cfg.Scan.Limit = 0
	return &cfg
}

func TestScanRunRegistersZips(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "hokenA", "202506"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "hokenB"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "hokenA", "202506", "a.zip"), []byte("za"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "hokenB", "b.ZIP"), []byte("zb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "hokenB", "readme.txt"), []byte("no"), 0o644))

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	// Enum guards probe once per store, on the first upsert.
	expectScanEnumProbes(mock)
	mock.ExpectExec("INSERT INTO shared_files").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO shared_files").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	res, err := NewScan(store, scanConfig(root), testLogger()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed, "txt file is filtered out, ZIP matches case-insensitively")
	assert.Equal(t, 2, res.Upserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRunStopsAtLimit(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.zip", "b.zip", "c.zip"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("z"), 0o644))
	}

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	expectScanEnumProbes(mock)
	mock.ExpectExec("INSERT INTO shared_files").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO shared_files").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	cfg := scanConfig(root)
	cfg.Scan.Limit = 2
	res, err := NewScan(store, cfg, testLogger()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed, "walk stops cleanly at the limit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRunMissingRoot(t *testing.T) {
	store, _ := newMockStore(t)
	cfg := scanConfig(filepath.Join(t.TempDir(), "gone"))

	_, err := NewScan(store, cfg, testLogger()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared root does not exist")
}
