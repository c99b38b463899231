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

// Package ledger is the MySQL access layer for the checkup ingestion
// pipeline.
//
// The ledger is the pipeline's only queue: every stage selects its work by
// ledger state, writes its results back, and commits per file, so any stage
// can crash or be re-run without losing or duplicating work. All writes are
// idempotent upserts keyed by content hashes
// (INSERT ... ON DUPLICATE KEY UPDATE with the LAST_INSERT_ID trick so the
// row id comes back on both insert and update).
//
// # Schema tolerance
//
// The same binaries run against databases whose DDL has drifted over time
// (columns added, enums extended). The Catalog probes
// information_schema.COLUMNS once per (table, column) for the process
// lifetime; upsert builders consult it to include optional columns only
// when they exist, and enum-typed columns are guarded so an unknown value
// falls back to OTHER, UNKNOWN, or the first member instead of failing the
// insert.
//
// # Transactions
//
// Store.Begin returns a Tx carrying all row operations. Stages hold a Tx
// across a commit group (typically 50-200 rows), Commit, and Begin again.
// A Run row is committed on its own small transaction so per-row logs stay
// durable even when a stage rolls back data writes for one file.
//
// # Two databases
//
// Store is the writable ledger. Master is the read-only reference database
// (item_master, norm_variants) consulted by the item-extract and
// normalize stages; it may live on a different server and is never
// migrated by this code.
package ledger
