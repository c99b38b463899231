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
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	meditest "github.com/kraklabs/medi-ingest/internal/testing"
	"github.com/kraklabs/medi-ingest/pkg/config"
)

func TestJudgeRun(t *testing.T) {
	dir := t.TempDir()
	goneZip := filepath.Join(dir, "gone.zip")
	realZip := filepath.Join(dir, "real.zip")
	meditest.WriteZip(t, realZip, map[string]string{"DATA/h1.xml": "<x/>"}, "")

	judgeCols := []string{
		"shared_file_id", "path", "file_name", "ext", "sha256",
		"src_folder_raw", "facility_hint",
		"auto_judgement", "manual_judgement", "stage_status",
		"zip_has_xml", "zip_xml_count", "zip_xml_checked_at",
		"note", "first_seen_at",
	}
	seen := time.Date(2025, 6, 1, 0, 0, 0, 0, time.Local)
	rows := sqlmock.NewRows(judgeCols).
		AddRow(1, "/mnt/share/a.zip", "a.zip", "zip", "aa", "hokenA", nil,
			"UNKNOWN", nil, "NEW", 1, 3, seen, nil, seen).
		AddRow(2, "/mnt/share/b.zip", "b.zip", "zip", "bb", "hokenA", nil,
			"UNKNOWN", nil, "NEW", 0, 0, seen, nil, seen).
		AddRow(3, goneZip, "gone.zip", "zip", "cc", "hokenB", nil,
			"UNKNOWN", nil, "NEW", nil, nil, nil, nil, seen).
		AddRow(4, realZip, "real.zip", "zip", "dd", "hokenB", nil,
			"UNKNOWN", nil, "NEW", nil, nil, nil, nil, seen)

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("manual_judgement IS NULL").WithArgs("NEW", 500).WillReturnRows(rows)

	// Row 1: probe already booked, judged straight from the columns.
	mock.ExpectQuery("SELECT COLUMN_TYPE FROM information_schema.COLUMNS").
		WithArgs("shared_files", "auto_judgement").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_TYPE"}).
			AddRow("enum('KENSHIN','NON_KENSHIN','UNREADABLE','UNKNOWN')"))
	mock.ExpectExec("UPDATE shared_files SET auto_judgement").
		WithArgs("KENSHIN", "auto:KENSHIN (zip_has_xml=1 xml_count=3)", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Row 2: probed as no-xml.
	mock.ExpectExec("UPDATE shared_files SET auto_judgement").
		WithArgs("UNKNOWN", "auto:UNKNOWN (zip_has_xml=0)", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Row 3: probe fails on the vanished zip; zip_has_xml stays NULL.
	mock.ExpectExec("UPDATE shared_files").
		WithArgs(nil, nil, "zip not found", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE shared_files SET auto_judgement").
		WithArgs("UNKNOWN", "auto:UNKNOWN (zip_has_xml=NULL; probe failed or not available)", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Row 4: fresh probe finds the xml.
	mock.ExpectExec("UPDATE shared_files").
		WithArgs(1, 1, nil, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE shared_files SET auto_judgement").
		WithArgs("KENSHIN", "auto:KENSHIN (zip_has_xml=1 xml_count=1)", int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectCommit()

	cfg := config.DefaultConfig()
	res, err := NewJudge(store, &cfg, testLogger()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Targets)
	assert.Equal(t, 4, res.Changed)
	assert.Equal(t, 2, res.Probed)
	assert.Equal(t, 2, res.Kenshin)
	assert.Equal(t, 2, res.Unknown)
	assert.Equal(t, 1, res.ProbeFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
