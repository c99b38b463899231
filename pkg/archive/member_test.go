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

package archive

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeka/zip"

	meditest "github.com/kraklabs/medi-ingest/internal/testing"
)

func openZip(t *testing.T, path string) *zip.ReadCloser {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestReadMemberBytesExact(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "a.zip")
	meditest.WriteZip(t, zp, map[string]string{
		"DATA/h.xml": "<doc/>",
		"index.csv":  "h",
	}, "")

	r := openZip(t, zp)
	data, err := ReadMemberBytes(r, "DATA/h.xml", nil)
	require.NoError(t, err)
	assert.Equal(t, "<doc/>", string(data))
}

func TestReadMemberBytesNormalizesPath(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "a.zip")
	meditest.WriteZip(t, zp, map[string]string{"DATA/h.xml": "<doc/>"}, "")

	r := openZip(t, zp)
	data, err := ReadMemberBytes(r, `\DATA\h.xml`, nil)
	require.NoError(t, err)
	assert.Equal(t, "<doc/>", string(data))
}

func TestReadMemberBytesSuffixRescue(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "a.zip")
	meditest.WriteZip(t, zp, map[string]string{
		"wrapper/DATA/h.xml": "<wrapped/>",
	}, "")

	// The recorded inner path predates a re-wrap of the archive; the
	// member is still there, one directory deeper.
	r := openZip(t, zp)
	data, err := ReadMemberBytes(r, "DATA/h.xml", nil)
	require.NoError(t, err)
	assert.Equal(t, "<wrapped/>", string(data))
}

func TestReadMemberBytesNotFound(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "a.zip")
	meditest.WriteZip(t, zp, map[string]string{"DATA/h.xml": "<doc/>"}, "")

	r := openZip(t, zp)
	_, err := ReadMemberBytes(r, "DATA/missing.xml", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMemberNotFound))
	assert.Contains(t, err.Error(), "DATA/missing.xml")
}

func TestReadMemberBytesEncrypted(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "enc.zip")
	meditest.WriteZip(t, zp, map[string]string{"DATA/h.xml": "<secret/>"}, "s3cret")

	t.Run("no candidates", func(t *testing.T) {
		r := openZip(t, zp)
		_, err := ReadMemberBytes(r, "DATA/h.xml", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no password candidates")
	})

	t.Run("wrong then right", func(t *testing.T) {
		r := openZip(t, zp)
		data, err := ReadMemberBytes(r, "DATA/h.xml", []string{"bad", "s3cret"})
		require.NoError(t, err)
		assert.Equal(t, "<secret/>", string(data))
	})

	t.Run("exhausted", func(t *testing.T) {
		r := openZip(t, zp)
		_, err := ReadMemberBytes(r, "DATA/h.xml", []string{"bad"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "password candidates exhausted")
	})
}
