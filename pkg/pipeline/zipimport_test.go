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

	meditest "github.com/kraklabs/medi-ingest/internal/testing"
	"github.com/kraklabs/medi-ingest/pkg/config"
)

func TestParseFacilityFolder(t *testing.T) {
	code, name := parseFacilityFolder("0110012345_すこやか健診センター")
	assert.Equal(t, "0110012345", code)
	assert.Equal(t, "すこやか健診センター", name)

	code, name = parseFacilityFolder("a_b_c")
	assert.Equal(t, "a", code, "split on the first underscore only")
	assert.Equal(t, "b_c", name)

	code, name = parseFacilityFolder("nounderscore")
	assert.Equal(t, "nounderscore", code)
	assert.Equal(t, "", name)

	code, name = parseFacilityFolder("  pad  ")
	assert.Equal(t, "pad", code)
	assert.Equal(t, "", name)

	code, name = parseFacilityFolder("_onlyname")
	assert.Equal(t, "", code)
	assert.Equal(t, "onlyname", name)
}

func TestEvalStructure(t *testing.T) {
	mk := func(t *testing.T, files map[string]string) string {
		t.Helper()
		root := t.TempDir()
		for rel, body := range files {
			p := filepath.Join(root, filepath.FromSlash(rel))
			require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
			require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		}
		return root
	}

	t.Run("empty tree", func(t *testing.T) {
		st, err := evalStructure(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, "ERROR", st.status)
		assert.Equal(t, "ZIP_EMPTY_CONTENT", deref(st.errorCode))
		assert.Equal(t, 0, *st.dataDirCount)
		assert.Equal(t, 0, *st.dataXMLCount)
		assert.Contains(t, st.messages, "no files after extraction (empty or zero-byte zip)")
	})

	t.Run("single DATA dir with xml", func(t *testing.T) {
		root := mk(t, map[string]string{
			"DATA/h2.xml":    "<x/>",
			"DATA/h1.xml":    "<x/>",
			"DATA/index.txt": "not xml",
		})
		st, err := evalStructure(root)
		require.NoError(t, err)
		assert.Equal(t, "OK", st.status)
		assert.Nil(t, st.errorCode)
		assert.Equal(t, 1, *st.dataDirCount)
		assert.Equal(t, 2, *st.dataXMLCount)
		require.Len(t, st.xmlFiles, 2)
		assert.Equal(t, "h1.xml", filepath.Base(st.xmlFiles[0]), "xml files come back sorted")
	})

	t.Run("multiple DATA dirs still importable", func(t *testing.T) {
		root := mk(t, map[string]string{
			"a/DATA/h1.xml": "<x/>",
			"b/DATA/h2.xml": "<x/>",
		})
		st, err := evalStructure(root)
		require.NoError(t, err)
		assert.Equal(t, "OK", st.status)
		assert.Equal(t, "STRUCT_MULTI_DATA_DIR", deref(st.errorCode))
		assert.Equal(t, 2, *st.dataDirCount)
		assert.Equal(t, 2, *st.dataXMLCount)
		assert.Contains(t, st.messages, "multiple DATA dirs: count=2")
		assert.Contains(t, st.messages, "DATA candidates (first 5): a/DATA, b/DATA")
	})

	t.Run("no DATA dir falls back to whole tree", func(t *testing.T) {
		root := mk(t, map[string]string{
			"misc/h1.xml": "<x/>",
		})
		st, err := evalStructure(root)
		require.NoError(t, err)
		assert.Equal(t, "OK", st.status)
		assert.Equal(t, "STRUCT_NO_DATA_DIR", deref(st.errorCode))
		assert.Equal(t, 0, *st.dataDirCount)
		assert.Equal(t, 1, *st.dataXMLCount)
		assert.Contains(t, st.messages, "no DATA dir found (scanning whole zip for xml)")
	})

	t.Run("DATA dir without xml", func(t *testing.T) {
		root := mk(t, map[string]string{
			"DATA/readme.txt": "nothing here",
		})
		st, err := evalStructure(root)
		require.NoError(t, err)
		assert.Equal(t, "ERROR", st.status)
		assert.Equal(t, "STRUCT_ZERO_XML", deref(st.errorCode))
		assert.Equal(t, 0, *st.dataXMLCount)
		assert.Contains(t, st.messages, "DATA dir has no xml files")
	})

	t.Run("no DATA and no xml anywhere", func(t *testing.T) {
		root := mk(t, map[string]string{
			"notes.txt": "nothing",
		})
		st, err := evalStructure(root)
		require.NoError(t, err)
		assert.Equal(t, "ERROR", st.status)
		assert.Equal(t, "STRUCT_NO_DATA_DIR", deref(st.errorCode), "the missing-DATA code wins over zero xml")
		assert.Contains(t, st.messages, "no xml files found in zip")
	})
}

func TestFindDataDirsShallowestFirst(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"zzz/DATA", "aaa/DATA", "DATA"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, filepath.FromSlash(rel)), 0o755))
	}

	dirs, err := findDataDirs(root)
	require.NoError(t, err)
	require.Len(t, dirs, 3)
	assert.Equal(t, filepath.Join(root, "DATA"), dirs[0])
	assert.Equal(t, filepath.Join(root, "aaa", "DATA"), dirs[1], "ties break lexicographically")
	assert.Equal(t, filepath.Join(root, "zzz", "DATA"), dirs[2])
}

func TestListZipFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.zip", "B.ZIP", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested.zip.d"), 0o755))

	zips, err := listZipFiles(dir)
	require.NoError(t, err)
	require.Len(t, zips, 2)
	assert.Equal(t, "B.ZIP", filepath.Base(zips[0]), "extension match is case-insensitive")
	assert.Equal(t, "a.zip", filepath.Base(zips[1]))
}

func TestTreeHasAnyFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "only", "dirs"), 0o755))

	found, err := treeHasAnyFile(root)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, os.WriteFile(filepath.Join(root, "only", "dirs", "f.bin"), []byte("x"), 0o644))
	found, err = treeHasAnyFile(root)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSummaryLines(t *testing.T) {
	res := &ImportResult{
		Facilities: 2, ZipsFound: 3, ZipNew: 2, ZipSeen: 1, ZipOK: 2, ZipError: 1, ZipSkipped: 1,
	}
	assert.Equal(t,
		"facility=2, zips_found=3, new=2, seen=1, ok=2, error=1, skipped=1",
		zipSummaryLine(res))

	res.XMLEnabled = true
	res.XMLTotal, res.XMLNew, res.XMLSeen, res.XMLError, res.XMLSkippedZip = 5, 4, 1, 0, 1
	assert.Equal(t,
		"facility=2, zips_found=3, new=2, seen=1, ok=2, error=1, skipped=1"+
			" | xml_total=5, new=4, seen=1, error=0, xml_skipped_zip=1",
		zipSummaryLine(res))

	sum := &ExtractSummary{Processed: 10, OK: 8, Errors: 2, TargetStatus: "PENDING", Limit: 500}
	assert.Equal(t,
		"xml_extract processed=10 ok=8 error=2 target_status=PENDING limit=500",
		extractSummaryLine(sum))
}

func TestLogInt(t *testing.T) {
	assert.Nil(t, logInt(nil))
	assert.Equal(t, 3, logInt(ptr(3)))
}

func TestImportRunMissingInputRoot(t *testing.T) {
	store, mock := newMockStore(t)
	cfg := config.DefaultConfig()
	cfg.Paths.InputRoot = "   "

	_, err := NewImport(store, &cfg, testLogger()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input root is not configured")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportRunUnknownMode(t *testing.T) {
	store, mock := newMockStore(t)
	cfg := config.DefaultConfig()
	cfg.Paths.InputRoot = t.TempDir()
	cfg.Import.Mode = "bogus"

	// The run row commits alone, then the finish note records the bad
	// mode before the error surfaces.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO import_runs").WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE import_runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := NewImport(store, &cfg, testLogger()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode: BOGUS")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportRunBooksReceipts(t *testing.T) {
	input := t.TempDir()
	temp := t.TempDir()
	facility := filepath.Join(input, "0110012345_hokenA")
	require.NoError(t, os.MkdirAll(facility, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(input, "9999_empty"), 0o755))

	zipPath := filepath.Join(facility, "a.zip")
	meditest.WriteZip(t, zipPath, map[string]string{"DATA/h1.xml": "<x/>"}, "")
	zipSHA, err := sha256File(zipPath, 0)
	require.NoError(t, err)
	xmlSHA := sha256Bytes([]byte("<x/>"))

	store, mock := newMockStore(t)
	cfg := config.DefaultConfig()
	cfg.Paths.InputRoot = input
	cfg.Paths.TempRoot = temp

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO import_runs").WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectCommit()

	// Per-zip tx: receipt lookup, password candidates, then the upsert
	// with its schema probes on first touch.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT zip_receipt_id FROM zip_receipts").
		WithArgs(zipSHA).
		WillReturnRows(sqlmock.NewRows([]string{"zip_receipt_id"}))
	mock.ExpectQuery("FROM zip_passwords").
		WillReturnRows(sqlmock.NewRows([]string{"password"}))
	mock.ExpectQuery("SELECT COLUMN_TYPE FROM information_schema.COLUMNS").
		WithArgs("zip_receipts", "structure_status").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_TYPE"}).AddRow("enum('OK','ERROR')"))
	mock.ExpectQuery("SELECT 1 FROM information_schema.COLUMNS").
		WithArgs("zip_receipts", "error_message").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec("INSERT INTO zip_receipts").WillReturnResult(sqlmock.NewResult(31, 1))
	mock.ExpectQuery("SELECT COLUMN_TYPE FROM information_schema.COLUMNS").
		WithArgs("zip_receipt_runs", "action").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_TYPE"}).AddRow("enum('NEW','SEEN')"))
	mock.ExpectQuery("SELECT 1 FROM information_schema.COLUMNS").
		WithArgs("zip_receipt_runs", "message").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec("INSERT INTO zip_receipt_runs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// Inventory tx for the one xml member. InsertXMLReceiptRun re-reads
	// the receipt id once the upsert has landed.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT xml_receipt_id FROM xml_receipts").
		WithArgs(xmlSHA).
		WillReturnRows(sqlmock.NewRows([]string{"xml_receipt_id"}))
	mock.ExpectQuery("SELECT COLUMN_TYPE FROM information_schema.COLUMNS").
		WithArgs("xml_receipts", "status").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_TYPE"}).AddRow("enum('PENDING','OK','ERROR')"))
	mock.ExpectQuery("SELECT 1 FROM information_schema.COLUMNS").
		WithArgs("xml_receipts", "zip_inner_path_sha256").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec("INSERT INTO xml_receipts").WillReturnResult(sqlmock.NewResult(41, 1))
	mock.ExpectQuery("SELECT COLUMN_TYPE FROM information_schema.COLUMNS").
		WithArgs("xml_receipt_runs", "action").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_TYPE"}).AddRow("enum('NEW','SEEN')"))
	mock.ExpectQuery("SELECT 1 FROM information_schema.COLUMNS").
		WithArgs("xml_receipt_runs", "xml_receipt_id").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery("SELECT xml_receipt_id FROM xml_receipts").
		WithArgs(xmlSHA).
		WillReturnRows(sqlmock.NewRows([]string{"xml_receipt_id"}).AddRow(41))
	mock.ExpectExec("INSERT INTO xml_receipt_runs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE import_runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := NewImport(store, &cfg, testLogger()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.RunID)
	assert.Equal(t, ModeZipImport, res.Mode)
	assert.Equal(t, 2, res.Facilities)
	assert.Equal(t, 1, res.ZipsFound)
	assert.Equal(t, 1, res.ZipNew)
	assert.Equal(t, 1, res.ZipOK)
	assert.Equal(t, 0, res.ZipError)
	assert.Equal(t, 1, res.ZipSkipped, "facility folder without zips is skipped")
	assert.Equal(t, 1, res.XMLTotal)
	assert.Equal(t, 1, res.XMLNew)
	assert.Equal(t, 0, res.XMLError)
	assert.Contains(t, res.Summary, "zips_found=1")
	assert.Contains(t, res.Summary, "xml_total=1")
	assert.NoError(t, mock.ExpectationsWereMet())

	// The per-run scratch dir is cleaned up after booking.
	entries, err := os.ReadDir(filepath.Join(temp, "run_000011"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
