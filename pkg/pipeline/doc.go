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

// Package pipeline implements the checkup ingestion stages.
//
// Each stage is a type with a Run method: Scan observes the shared upload
// folder, Hash fills in content hashes, Judge probes zips and assigns an
// automatic judgement, Copy stages judged zips into the import area,
// Import registers zips and their XML inventory, Extract pulls CDA header
// fields into the ledger, Items walks observation values, and Normalize
// turns raw values into canonical ones.
//
// Control flow between stages is pull-based through the ledger: a stage
// selects rows whose status matches its precondition, processes a bounded
// batch, and writes the new status. There is no queue besides the
// database, so every stage can be run independently, repeatedly, and in
// any order without double-processing anything.
//
// Stages commit in small batches. A crash mid-run loses at most the
// uncommitted tail; the next invocation picks those rows up again because
// their status never advanced.
package pipeline
