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

func TestProbeZipXMLCounts(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "a.zip")
	meditest.WriteZip(t, zp, map[string]string{
		"DATA/h123.xml":  "<x/>",
		"DATA/H456.XML":  "<x/>",
		"DATA/index.txt": "not xml",
		"CLAIMS/c.csv":   "1,2",
	}, "")

	res := ProbeZipXML(zp)
	assert.True(t, res.OK)
	assert.True(t, res.HasXML)
	assert.Equal(t, 2, res.XMLCount)
	assert.Empty(t, res.Note)
}

func TestProbeZipXMLEncrypted(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "enc.zip")
	meditest.WriteZip(t, zp, map[string]string{"DATA/h.xml": "<x/>"}, "s3cret")

	// The central directory is readable without the password.
	res := ProbeZipXML(zp)
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.XMLCount)
}

func TestProbeZipXMLNoXML(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "n.zip")
	meditest.WriteZip(t, zp, map[string]string{"readme.txt": "hi"}, "")

	res := ProbeZipXML(zp)
	assert.True(t, res.OK)
	assert.False(t, res.HasXML)
	assert.Equal(t, 0, res.XMLCount)
}

func TestProbeZipXMLFailures(t *testing.T) {
	dir := t.TempDir()

	res := ProbeZipXML(filepath.Join(dir, "missing.zip"))
	assert.False(t, res.OK)
	assert.Equal(t, "zip not found", res.Note)

	res = ProbeZipXML(dir)
	assert.False(t, res.OK)
	assert.Equal(t, "zip is not a file", res.Note)

	garbage := filepath.Join(dir, "garbage.zip")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a zip"), 0o644))
	res = ProbeZipXML(garbage)
	assert.False(t, res.OK)
	assert.Equal(t, "bad zip file", res.Note)
}

func TestIsXMLMember(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"DATA/h.xml", true},
		{"DATA/H.XML", true},
		{"h.xml ", true},
		{"", false},
		{"   ", false},
		{"DATA/", false},
		{"DATA\\", false},
		{"DATA/h.xmlx", false},
		{"DATA/h.txt", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isXMLMember(tt.name), "name=%q", tt.name)
	}
}
