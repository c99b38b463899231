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

// Package cda reads HL7 CDA checkup documents.
//
// It covers the per-document reads the import stages need: a strict
// well-formedness check, the ClinicalDocument index id, the subject and
// organization header fields, the observation walk that feeds the item
// value table, and optional XSD validation through xmllint.
//
// Element lookups match on local names only. Checkup XMLs arrive both
// with a default urn:hl7-org:v3 namespace and with an explicit prefix,
// and the prefix choice must not change what gets extracted.
//
// This layer preserves originals. A document with a missing gender code
// or postal code still extracts; the gaps surface as warnings in the
// process log, never as hard errors.
package cda
