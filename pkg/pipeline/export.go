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

package pipeline

import (
	"context"
	"time"
)

// ExportRequest selects ledger rows for one outbound submission batch.
// An empty LedgerIDs means every exportable row.
type ExportRequest struct {
	LedgerIDs  []int64
	FileDate   time.Time
	OutputRoot string
}

// Exporter builds MHLW-format submission archives from normalized ledger
// rows: rows group by sending checkup org (10-digit number) times
// receiving insurer (8-digit number); each group becomes one folder
// named sender_receiver_YYYYMMDDN_X holding one CDA XML per person plus
// an ix08.xml index and the bundled XSD set, zipped as a whole.
//
// The pipeline stops at the normalized ledger; emitters live outside
// this module and plug in here.
type Exporter interface {
	Export(ctx context.Context, req ExportRequest) error
}
