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

package cda

import (
	"strings"
	"time"

	"github.com/beevik/etree"
)

// Standard id roots used by 特定健診 CDA documents.
const (
	oidInsurerNumber   = "1.2.392.200119.6.101"
	oidFacilityCode    = "1.2.392.200119.6.102"
	oidInsuranceSymbol = "1.2.392.200119.6.204"
	oidInsuranceNumber = "1.2.392.200119.6.205"
	oidInsuranceBranch = "1.2.392.200119.6.211"
)

// Header carries the subject and organization fields lifted from a
// checkup CDA. String fields are empty when the document does not
// carry them; dates are nil unless they parse as exactly YYYYMMDD.
type Header struct {
	GenderCode            string
	PostalCode            string
	Address               string
	FacilityCode          string
	FacilityName          string
	InsurerNumber         string
	InsuranceSymbol       string
	InsuranceNumber       string
	InsuranceBranchNumber string
	BirthDate             *time.Time
	ExamDate              *time.Time
	PatientName           string
}

// Header extracts the ledger header fields. Missing fields stay empty;
// callers decide which gaps are worth a warning.
func (d *Document) Header() Header {
	r := d.root

	postal := textAt(r, "recordTarget", "patientRole", "addr", "postalCode")
	var parts []string
	for _, tag := range []string{"state", "city", "streetAddressLine"} {
		if t := textAt(r, "recordTarget", "patientRole", "addr", tag); t != "" {
			parts = append(parts, t)
		}
	}

	h := Header{
		GenderCode: attrAt(r, []string{"recordTarget", "patientRole", "patient", "administrativeGenderCode"}, "code"),
		PostalCode: postal,
		Address:    strings.Join(parts, " "),

		FacilityName: textAt(r, "documentationOf", "serviceEvent", "performer", "assignedEntity", "representedOrganization", "name"),
		FacilityCode: idExtension(r, []string{"documentationOf", "serviceEvent", "performer", "assignedEntity", "representedOrganization", "id"}, oidFacilityCode),

		InsurerNumber:         idExtension(r, []string{"recordTarget", "patientRole", "id"}, oidInsurerNumber),
		InsuranceSymbol:       idExtension(r, []string{"recordTarget", "patientRole", "id"}, oidInsuranceSymbol),
		InsuranceNumber:       idExtension(r, []string{"recordTarget", "patientRole", "id"}, oidInsuranceNumber),
		InsuranceBranchNumber: idExtension(r, []string{"recordTarget", "patientRole", "id"}, oidInsuranceBranch),

		PatientName: textAt(r, "recordTarget", "patientRole", "patient", "name"),
	}

	h.BirthDate = parseYYYYMMDD(attrAt(r, []string{"recordTarget", "patientRole", "patient", "birthTime"}, "value"))

	examRaw := attrAt(r, []string{"documentationOf", "serviceEvent", "effectiveTime"}, "value")
	if examRaw == "" {
		examRaw = attrAt(r, []string{"documentationOf", "serviceEvent", "effectiveTime", "low"}, "value")
	}
	h.ExamDate = parseYYYYMMDD(examRaw)

	return h
}

// MissingMessage formats the quality warning for subject fields this
// layer tolerates but wants on record. Empty when nothing is missing.
func (h Header) MissingMessage() string {
	var missing []string
	if strings.TrimSpace(h.GenderCode) == "" {
		missing = append(missing, "gender_code")
	}
	if strings.TrimSpace(h.PostalCode) == "" {
		missing = append(missing, "postal_code")
	}
	if len(missing) == 0 {
		return ""
	}
	return "warning missing: " + strings.Join(missing, ",")
}

// idExtension reads the @extension of the id element whose @root
// matches the given OID.
func idExtension(root *etree.Element, tags []string, oid string) string {
	e := findFirstWithAttr(root, tags, "root", oid)
	if e == nil {
		return ""
	}
	return e.SelectAttrValue("extension", "")
}

// parseYYYYMMDD accepts exactly eight ASCII digits. Timestamps with a
// time part and partial dates both come back nil.
func parseYYYYMMDD(s string) *time.Time {
	s = strings.TrimSpace(s)
	if len(s) != 8 {
		return nil
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil
		}
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return nil
	}
	return &t
}
