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
	"io/fs"
	"os"
	"strings"

	"github.com/yeka/zip"
)

// ProbeResult is the outcome of a central-directory scan. OK=false means
// the probe itself failed (the zip stays tri-state unknown); HasXML and
// XMLCount are only meaningful when OK.
type ProbeResult struct {
	OK       bool
	HasXML   bool
	XMLCount int
	Note     string
}

// ProbeZipXML counts XML members by reading the central directory only.
// Works on encrypted zips; never extracts anything.
func ProbeZipXML(zipPath string) ProbeResult {
	fi, err := os.Stat(zipPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ProbeResult{Note: "zip not found"}
		}
		if errors.Is(err, fs.ErrPermission) {
			return ProbeResult{Note: fmt.Sprintf("permission error: %v", err)}
		}
		return ProbeResult{Note: fmt.Sprintf("os error: %v", err)}
	}
	if !fi.Mode().IsRegular() {
		return ProbeResult{Note: "zip is not a file"}
	}

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		switch {
		case errors.Is(err, zip.ErrFormat):
			return ProbeResult{Note: "bad zip file"}
		case errors.Is(err, fs.ErrPermission):
			return ProbeResult{Note: fmt.Sprintf("permission error: %v", err)}
		default:
			var perr *fs.PathError
			if errors.As(err, &perr) {
				return ProbeResult{Note: fmt.Sprintf("os error: %v", err)}
			}
			return ProbeResult{Note: fmt.Sprintf("unexpected: %v", err)}
		}
	}
	defer r.Close()

	cnt := 0
	for _, f := range r.File {
		if isXMLMember(f.Name) {
			cnt++
		}
	}
	return ProbeResult{OK: true, HasXML: cnt > 0, XMLCount: cnt}
}

// isXMLMember reports whether a central-directory name is a file ending
// in .xml. Member names from facility zips sometimes carry garbled
// encodings, but the extension check survives that.
func isXMLMember(name string) bool {
	n := strings.TrimSpace(name)
	if n == "" {
		return false
	}
	if strings.HasSuffix(n, "/") || strings.HasSuffix(n, "\\") {
		return false
	}
	return strings.HasSuffix(strings.ToLower(n), ".xml")
}
