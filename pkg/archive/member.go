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
	"fmt"
	"io"
	"strings"

	"github.com/yeka/zip"
)

// ErrMemberNotFound is returned by ReadMemberBytes when no member matches
// the inner path, even by suffix rescue.
var ErrMemberNotFound = errors.New("zip member not found")

// ReadMemberBytes reads one member of an open zip. The inner path is
// matched exactly after normalization; when the exact name is gone
// (re-zipped archives sometimes grow a wrapper directory) a unique suffix
// match rescues it, and with several suffix matches the first wins.
// Encrypted members try the password candidates in order.
func ReadMemberBytes(r *zip.ReadCloser, innerPath string, passwords []string) ([]byte, error) {
	norm := normalizeMember(innerPath)

	target := findMember(r, norm)
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, norm)
	}

	if !target.IsEncrypted() {
		return readFile(target)
	}

	if len(passwords) == 0 {
		return nil, fmt.Errorf("zip member is encrypted and no password candidates: %s", norm)
	}
	var lastErr error
	for _, pw := range passwords {
		target.SetPassword(pw)
		data, err := readFile(target)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("password candidates exhausted for %s: %v", norm, lastErr)
	}
	return nil, fmt.Errorf("password candidates exhausted for %s", norm)
}

func findMember(r *zip.ReadCloser, norm string) *zip.File {
	var suffix []*zip.File
	for _, f := range r.File {
		if f.Name == norm {
			return f
		}
		if strings.HasSuffix(f.Name, "/"+norm) || strings.HasSuffix(f.Name, norm) {
			suffix = append(suffix, f)
		}
	}
	if len(suffix) > 0 {
		return suffix[0]
	}
	return nil
}

func readFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// normalizeMember matches the ledger's inner-path canonical form:
// forward slashes, no leading slash.
func normalizeMember(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimLeft(p, "/")
}
