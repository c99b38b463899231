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

package testing

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/yeka/zip"
)

// WriteZip builds a fixture zip at path. Members are written in sorted name
// order so entry indexes are stable across runs. A non-empty password
// encrypts every member with AES-256, matching how checkup facilities
// deliver their archives.
//
// Example:
//
//	meditest.WriteZip(t, zp, map[string]string{"DATA/h1.xml": "<x/>"}, "s3cret")
func WriteZip(t *testing.T, path string, members map[string]string, password string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip fixture: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var mw io.Writer
		if password != "" {
			mw, err = w.Encrypt(name, password, zip.AES256Encryption)
		} else {
			mw, err = w.Create(name)
		}
		if err != nil {
			t.Fatalf("add zip member %s: %v", name, err)
		}
		if _, err = mw.Write([]byte(members[name])); err != nil {
			t.Fatalf("write zip member %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip fixture: %v", err)
	}
}

// TempZip writes a fixture zip into a fresh temp directory and returns its
// path. Use WriteZip directly when the test needs the zip at a specific
// place, such as inside a facility folder.
func TempZip(t *testing.T, members map[string]string, password string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.zip")
	WriteZip(t, path, members, password)
	return path
}

// ZipMemberNames opens the zip at path and returns its member names sorted.
// Handy for asserting what a stage actually wrote.
func ZipMemberNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open zip fixture: %v", err)
	}
	defer r.Close()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}
