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

// Package testing provides zip fixture helpers for pipeline tests.
//
// The pipeline's input is always a zip archive, often AES-encrypted, so
// most tests start by building one. This package is the single place
// those fixtures come from.
//
// # Quick Start
//
// Import with an alias to avoid clashing with the standard library:
//
//	import meditest "github.com/kraklabs/medi-ingest/internal/testing"
//
//	func TestProbe(t *testing.T) {
//	    zp := filepath.Join(t.TempDir(), "a.zip")
//	    meditest.WriteZip(t, zp, map[string]string{"DATA/h1.xml": "<x/>"}, "s3cret")
//	    // Probe, import, extract...
//	}
//
// # Helpers
//
//   - WriteZip: Build a zip at a chosen path, optionally AES-256 encrypted
//   - TempZip: Build a zip in a fresh temp dir and return its path
//   - ZipMemberNames: List a zip's members for assertions
package testing
