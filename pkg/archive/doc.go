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

// Package archive handles the zip side of checkup ingestion: probing a
// zip's central directory for XML members without extracting, extracting
// a whole zip into a scratch directory with password candidates, and
// reading a single member's bytes for re-parsing.
//
// Checkup zips arrive from facilities with ZipCrypto or AES encryption
// and operator-managed passwords, so every entry point takes a candidate
// list and tries it in order. Probing never needs a password: the central
// directory is readable on encrypted archives.
//
// Nothing here touches the ledger; functions return results and the
// pipeline stages decide what to book.
package archive
