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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	meditest "github.com/kraklabs/medi-ingest/internal/testing"
)

func TestExtractToTempPlain(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "a.zip")
	meditest.WriteZip(t, zp, map[string]string{
		"0110012345_tokuteikenshin/DATA/h1.xml": "<one/>",
		"0110012345_tokuteikenshin/DATA/h2.xml": "<two/>",
		"0110012345_tokuteikenshin/index.csv":   "h1,h2",
	}, "")

	tempDir := filepath.Join(dir, "scratch")
	res := ExtractToTemp(zp, tempDir, nil)
	require.True(t, res.OK, "message=%s", res.Message)
	assert.Empty(t, res.UsedPassword)

	data, err := os.ReadFile(filepath.Join(tempDir, "0110012345_tokuteikenshin", "DATA", "h2.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<two/>", string(data))
}

func TestExtractToTempRecreatesScratch(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "a.zip")
	meditest.WriteZip(t, zp, map[string]string{"DATA/h.xml": "<x/>"}, "")

	tempDir := filepath.Join(dir, "scratch")
	stale := filepath.Join(tempDir, "stale.xml")
	require.NoError(t, os.MkdirAll(tempDir, 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	res := ExtractToTemp(zp, tempDir, nil)
	require.True(t, res.OK)
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "previous run's leftovers must be gone")
}

func TestExtractToTempEncrypted(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "enc.zip")
	meditest.WriteZip(t, zp, map[string]string{"DATA/h.xml": "<secret/>"}, "s3cret")

	tempDir := filepath.Join(dir, "scratch")
	res := ExtractToTemp(zp, tempDir, []string{"wrong", "s3cret"})
	require.True(t, res.OK, "message=%s", res.Message)
	assert.Equal(t, "s3cret", res.UsedPassword)

	data, err := os.ReadFile(filepath.Join(tempDir, "DATA", "h.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<secret/>", string(data))
}

func TestExtractToTempPasswordExhausted(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "enc.zip")
	meditest.WriteZip(t, zp, map[string]string{"DATA/h.xml": "<secret/>"}, "s3cret")

	res := ExtractToTemp(zp, filepath.Join(dir, "scratch"), []string{"wrong", " wrong ", ""})
	require.False(t, res.OK)
	assert.Equal(t, CodeZipPassword, res.ErrorCode)
	assert.NotEmpty(t, res.Message)
}

func TestExtractToTempEncryptedNoCandidates(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "enc.zip")
	meditest.WriteZip(t, zp, map[string]string{"DATA/h.xml": "<secret/>"}, "s3cret")

	res := ExtractToTemp(zp, filepath.Join(dir, "scratch"), nil)
	require.False(t, res.OK)
	assert.Equal(t, CodeZipPassword, res.ErrorCode)
}

func TestExtractToTempMissingZip(t *testing.T) {
	dir := t.TempDir()
	res := ExtractToTemp(filepath.Join(dir, "gone.zip"), filepath.Join(dir, "scratch"), nil)
	require.False(t, res.OK)
	assert.Equal(t, CodeZipLongPath, res.ErrorCode)
}

func TestExtractToTempNotAZip(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "garbage.zip")
	require.NoError(t, os.WriteFile(zp, []byte("nope"), 0o644))

	res := ExtractToTemp(zp, filepath.Join(dir, "scratch"), nil)
	require.False(t, res.OK)
	assert.Equal(t, CodeZipUnexpected, res.ErrorCode)
	assert.Contains(t, res.Message, "File is not a zip file")
}

func TestExtractToTempBlocksTraversal(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "evil.zip")
	meditest.WriteZip(t, zp, map[string]string{"../evil.txt": "pwn"}, "")

	scratch := filepath.Join(dir, "deep", "scratch")
	res := ExtractToTemp(zp, scratch, nil)
	require.False(t, res.OK)
	assert.Equal(t, CodeZipUnexpected, res.ErrorCode)
	assert.Contains(t, res.Message, "illegal member path")

	_, err := os.Stat(filepath.Join(dir, "deep", "evil.txt"))
	assert.True(t, os.IsNotExist(err))
}
