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

package ledger

import (
	"context"
	"fmt"
	"strings"
)

// PasswordCandidates returns active zip passwords matching any scope for
// this zip, most specific scope first (exact hash, then zip name, then
// facility), then by row priority. Duplicates are dropped keeping the
// first, so a password shared across scopes is only tried once.
func (t *Tx) PasswordCandidates(ctx context.Context, facilityCode, facilityFolderName, zipName, zipSHA256 string) ([]string, error) {
	var raw []string
	err := t.tx.SelectContext(ctx, &raw,
		`SELECT password_text
		   FROM zip_passwords
		  WHERE is_active = 1
		    AND (
		         (scope_type = 'ZIP_SHA256' AND zip_sha256 = ?)
		      OR (scope_type = 'ZIP_NAME' AND zip_name = ?)
		      OR (scope_type = 'FACILITY' AND (facility_code = ? OR facility_folder_name = ?))
		    )
		  ORDER BY
		    CASE scope_type
		      WHEN 'ZIP_SHA256' THEN 10
		      WHEN 'ZIP_NAME' THEN 20
		      WHEN 'FACILITY' THEN 30
		      ELSE 99
		    END,
		    priority ASC,
		    zip_password_id ASC`,
		zipSHA256, zipName, facilityCode, facilityFolderName)
	if err != nil {
		return nil, fmt.Errorf("select password candidates: %w", err)
	}
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}
