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
	"time"
)

// XMLLedgerUpsert is one row of the searchable header ledger, keyed by
// (zip_sha256, zip_inner_path). One checkup document, one row; header
// fields come from the CDA, receipt context from zip_receipts.
type XMLLedgerUpsert struct {
	RunID              int64
	ZipReceiptID       int64
	FacilityFolderName *string
	FacilityCode       *string
	FacilityName       *string
	ZipName            string
	ZipSHA256          string
	XMLFilename        string
	ZipInnerPath       string
	ZipInnerPathSHA256 *string

	InsurerNumber         *string
	InsuranceSymbol       *string
	InsuranceNumber       *string
	InsuranceBranchNumber *string
	BirthDate             *time.Time
	KenshinDate           *time.Time
	GenderCode            *string
	NameKanaFull          *string
	PostalCode            *string
	Address               *string
	OrgNameInXML          *string
	OrgCodeInXML          *string

	// Classification codes reserved for body-level extraction. The header
	// pass always writes NULL; a later pass may own them.
	ReportCategoryCode *string
	ProgramTypeCode    *string
	GuidanceLevelCode  *string
	MetaboCode         *string

	// XSDValid is 1/0/NULL (NULL = validation skipped).
	XSDValid *int
	// ErrorContent carries only the XSD note; parse errors live in
	// xml_receipts and the process logs.
	ErrorContent *string
}

// UpsertXMLLedger inserts or refreshes a header ledger row and returns its
// id. The key columns zip_sha256 and zip_inner_path are never updated;
// everything else follows the latest extraction.
func (t *Tx) UpsertXMLLedger(ctx context.Context, u XMLLedgerUpsert) (int64, error) {
	hasInnerSHA, err := t.hasColumn(ctx, "xml_ledger", "zip_inner_path_sha256")
	if err != nil {
		return 0, err
	}

	inner := NormInnerPath(u.ZipInnerPath)
	cols := []string{
		"run_id", "zip_receipt_id",
		"facility_folder_name", "facility_code", "facility_name",
		"zip_name", "zip_sha256", "xml_filename", "zip_inner_path",
	}
	args := []any{
		u.RunID, u.ZipReceiptID,
		u.FacilityFolderName, u.FacilityCode, u.FacilityName,
		u.ZipName, u.ZipSHA256, u.XMLFilename, inner,
	}
	updates := []string{
		"run_id = VALUES(run_id)",
		"zip_receipt_id = VALUES(zip_receipt_id)",
		"facility_folder_name = VALUES(facility_folder_name)",
		"facility_code = VALUES(facility_code)",
		"facility_name = VALUES(facility_name)",
		"zip_name = VALUES(zip_name)",
		"xml_filename = VALUES(xml_filename)",
	}
	if hasInnerSHA {
		cols = append(cols, "zip_inner_path_sha256")
		args = append(args, EnsureInnerSHA(inner, u.ZipInnerPathSHA256))
		updates = append(updates, "zip_inner_path_sha256 = VALUES(zip_inner_path_sha256)")
	}
	cols = append(cols,
		"insurer_number", "insurance_symbol", "insurance_number", "insurance_branch_number",
		"birth_date", "kenshin_date", "gender_code", "name_kana_full",
		"postal_code", "address", "org_name_in_xml", "org_code_in_xml",
		"report_category_code", "program_type_code", "guidance_level_code", "metabo_code",
		"xsd_valid", "error_content")
	args = append(args,
		u.InsurerNumber, u.InsuranceSymbol, u.InsuranceNumber, u.InsuranceBranchNumber,
		u.BirthDate, u.KenshinDate, u.GenderCode, u.NameKanaFull,
		u.PostalCode, u.Address, u.OrgNameInXML, u.OrgCodeInXML,
		u.ReportCategoryCode, u.ProgramTypeCode, u.GuidanceLevelCode, u.MetaboCode,
		u.XSDValid, clipPtr(u.ErrorContent, 8000))
	for _, c := range []string{
		"insurer_number", "insurance_symbol", "insurance_number", "insurance_branch_number",
		"birth_date", "kenshin_date", "gender_code", "name_kana_full",
		"postal_code", "address", "org_name_in_xml", "org_code_in_xml",
		"report_category_code", "program_type_code", "guidance_level_code", "metabo_code",
		"xsd_valid", "error_content",
	} {
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", c, c))
	}
	updates = append(updates, "xml_ledger_id = LAST_INSERT_ID(xml_ledger_id)")

	q := fmt.Sprintf(
		"INSERT INTO xml_ledger (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(updates, ", "))
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("upsert xml ledger %s: %w", inner, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("upsert xml ledger id: %w", err)
	}
	return id, nil
}
