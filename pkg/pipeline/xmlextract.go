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
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	zip "github.com/yeka/zip"

	"github.com/kraklabs/medi-ingest/pkg/archive"
	"github.com/kraklabs/medi-ingest/pkg/cda"
	"github.com/kraklabs/medi-ingest/pkg/config"
	"github.com/kraklabs/medi-ingest/pkg/ledger"
)

// Process log steps, in pipeline order.
const (
	stepWellformed   = "WELLFORMED"
	stepCDAIndex     = "CDA_INDEX"
	stepXSDValidate  = "XSD_VALIDATE"
	stepExtractItems = "EXTRACT_ITEMS"
	stepLedger       = "LEDGER"
)

// Extract works through PENDING xml receipts: re-reads each member
// straight out of its parent zip (password-aware, nothing re-extracted to
// disk), checks well-formedness, indexes the CDA document id, validates
// against the XSD set when configured, pulls the header fields, and books
// the header ledger row. Every step lands in xml_process_logs; the
// receipt's status only flips to OK once the ledger row is in.
type Extract struct {
	store  *ledger.Store
	cfg    *config.Config
	logger *slog.Logger
	xsd    *cda.XSDValidator
}

// NewExtract creates the extract stage. A nil logger falls back to
// slog.Default().
func NewExtract(store *ledger.Store, cfg *config.Config, logger *slog.Logger) *Extract {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extract{
		store:  store,
		cfg:    cfg,
		logger: logger,
		xsd:    &cda.XSDValidator{Root: cfg.Paths.XSDRoot, MainDefault: cfg.Extract.XSDMain},
	}
}

// ExtractSummary summarizes one extract pass.
type ExtractSummary struct {
	Processed    int
	OK           int
	Errors       int
	TargetStatus string
	Limit        int
}

// Run processes one batch of pending xml receipts under the given run.
// The run row belongs to the caller; this only adds process logs, index
// updates, and ledger rows to it.
func (ex *Extract) Run(ctx context.Context, runID int64) (*ExtractSummary, error) {
	started := time.Now()
	defer observeStageDuration("xml_extract", started)

	status := strings.ToUpper(strings.TrimSpace(ex.cfg.Extract.TargetStatus))
	if status == "" {
		status = "PENDING"
	}
	limit := ex.cfg.Extract.Limit

	tx, err := ex.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.SelectPendingXMLs(ctx, status, limit)
	if err != nil {
		return nil, err
	}

	ex.logger.Info("extract.start", "rows", len(rows), "target_status", status, "limit", limit)

	sum := &ExtractSummary{TargetStatus: status, Limit: limit}
	if len(rows) == 0 {
		_ = tx.Rollback()
		tx = nil
		return sum, nil
	}

	// Per-run caches, all keyed by the parent zip's hash. Open handles
	// survive commits; they close together when the pass ends.
	handles := map[string]*zip.ReadCloser{}
	defer func() {
		for _, h := range handles {
			_ = h.Close()
		}
	}()
	zipRows := map[string]*ledger.ZipReceiptRow{}
	passwords := map[string][]string{}

	logStep := func(sha, step, result string, msg *string) error {
		return tx.InsertXMLProcessLog(ctx, runID, sha, step, result, msg)
	}
	indexError := func(sha, code, msg string, docID *string) error {
		return tx.UpdateXMLIndexFields(ctx, ledger.XMLIndexUpdate{
			XMLSHA256:    sha,
			Status:       "ERROR",
			ErrorCode:    &code,
			ErrorMessage: orNil(msg),
			DocumentID:   docID,
		})
	}

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i > 0 && i%50 == 0 {
			var cerr error
			if tx, cerr = commitAndBegin(ctx, ex.store, tx); cerr != nil {
				return nil, cerr
			}
			ex.logger.Info("extract.progress", "processed", sum.Processed, "ok", sum.OK, "error", sum.Errors)
		}
		sum.Processed++

		xmlSHA := row.XMLSHA256
		zipSHA := row.ZipSHA256
		inner := ledger.NormInnerPath(row.ZipInnerPath)

		if xmlSHA == "" || zipSHA == "" || inner == "" {
			msg := shorten(fmt.Sprintf("row missing key(s): xml_sha=%t zip_sha=%t inner=%t",
				xmlSHA != "", zipSHA != "", inner != ""), 1000)
			logSHA := xmlSHA
			if logSHA == "" {
				logSHA = zeroSHA
			}
			if err := logStep(logSHA, stepWellformed, "ERROR", &msg); err != nil {
				return nil, err
			}
			if err := indexError(xmlSHA, "ROW_KEY_MISSING", msg, nil); err != nil {
				return nil, err
			}
			sum.Errors++
			continue
		}

		innerSHA := ledger.EnsureInnerSHA(inner, row.ZipInnerPathSHA256)

		zrow := zipRows[zipSHA]
		if zrow == nil {
			zr, err := tx.GetZipReceiptRow(ctx, zipSHA)
			if err != nil {
				return nil, err
			}
			if zr == nil || deref(zr.ZipPath) == "" {
				if err := logStep(xmlSHA, stepWellformed, "ERROR", ptr("parent zip not found in zip_receipts")); err != nil {
					return nil, err
				}
				if err := indexError(xmlSHA, "PARENT_ZIP_MISSING", "parent zip not found", nil); err != nil {
					return nil, err
				}
				sum.Errors++
				continue
			}
			zrow = zr
			zipRows[zipSHA] = zrow
		}
		zipPath := deref(zrow.ZipPath)

		pw, havePW := passwords[zipSHA]
		if !havePW {
			pw = nil
			if ex.cfg.Extract.PasswordEnabled {
				got, perr := tx.PasswordCandidates(ctx,
					deref(zrow.FacilityCode), deref(zrow.FacilityFolderName), deref(zrow.ZipName), zipSHA)
				if perr == nil {
					pw = got
				}
				recordPasswordAttempts(len(pw))
			}
			passwords[zipSHA] = pw
		}

		zf := handles[zipSHA]
		var b []byte
		var rerr error
		if zf == nil {
			zf, rerr = zip.OpenReader(zipPath)
			if rerr == nil {
				handles[zipSHA] = zf
			}
		}
		if rerr == nil {
			b, rerr = archive.ReadMemberBytes(zf, inner, pw)
		}
		if rerr != nil {
			if errors.Is(rerr, archive.ErrMemberNotFound) {
				msg := "zip member not found: " + inner
				if err := logStep(xmlSHA, stepWellformed, "ERROR", &msg); err != nil {
					return nil, err
				}
				if err := indexError(xmlSHA, "ZIP_MEMBER_NOT_FOUND", shorten(msg, 1000), nil); err != nil {
					return nil, err
				}
			} else {
				msg := shorten(rerr.Error(), 1200)
				if err := logStep(xmlSHA, stepWellformed, "ERROR", ptr(shorten("zip open failed: "+msg, 1500))); err != nil {
					return nil, err
				}
				code := "ZIP_OPEN"
				if strings.Contains(strings.ToLower(rerr.Error()), "password") {
					code = "ZIP_PASSWORD"
				}
				if err := indexError(xmlSHA, code, msg, nil); err != nil {
					return nil, err
				}
			}
			sum.Errors++
			continue
		}

		if werr := cda.WellFormed(b); werr != nil {
			msg := shorten(werr.Error(), 1000)
			if err := logStep(xmlSHA, stepWellformed, "ERROR", &msg); err != nil {
				return nil, err
			}
			if err := indexError(xmlSHA, "XML_PARSE", msg, nil); err != nil {
				return nil, err
			}
			sum.Errors++
			continue
		}
		if err := logStep(xmlSHA, stepWellformed, "OK", nil); err != nil {
			return nil, err
		}

		doc, perr := cda.Parse(b)
		if perr != nil {
			msg := shorten(perr.Error(), 1000)
			if err := logStep(xmlSHA, stepWellformed, "ERROR", ptr("dom parse: "+msg)); err != nil {
				return nil, err
			}
			if err := indexError(xmlSHA, "XML_PARSE_LXML", msg, nil); err != nil {
				return nil, err
			}
			sum.Errors++
			continue
		}

		// Document id. Absence is allowed; extraction continues either way.
		var docID *string
		switch id, idResult := doc.DocumentID(); idResult {
		case cda.ResultOK:
			docID = &id
			if err := logStep(xmlSHA, stepCDAIndex, "OK", nil); err != nil {
				return nil, err
			}
		case cda.ResultSkip:
			if err := logStep(xmlSHA, stepCDAIndex, "SKIP", ptr("id root missing or nullFlavor (allowed)")); err != nil {
				return nil, err
			}
		default:
			if err := logStep(xmlSHA, stepCDAIndex, "ERROR", ptr("unexpected CDA index error")); err != nil {
				return nil, err
			}
		}

		// XSD validation is bookkeeping only; a schema failure never stops
		// the header extraction.
		var xsdValid *int
		var xsdNote *string
		if !ex.xsd.Enabled() {
			if err := logStep(xmlSHA, stepXSDValidate, "SKIP", ptr("xsd_root not set or not exists")); err != nil {
				return nil, err
			}
		} else {
			rep := ex.xsd.Validate(ctx, b)
			switch rep.Result {
			case cda.ResultSkip:
				note := shorten("used="+rep.Used+" "+rep.Message, 1500)
				xsdNote = &note
				if err := logStep(xmlSHA, stepXSDValidate, "SKIP", &note); err != nil {
					return nil, err
				}
			case cda.ResultOK:
				xsdValid = ptr(1)
				if rep.Used != "" {
					xsdNote = ptr("used=" + rep.Used)
				}
				if err := logStep(xmlSHA, stepXSDValidate, "OK", xsdNote); err != nil {
					return nil, err
				}
			default:
				xsdValid = ptr(0)
				note := shorten("used="+rep.Used+" "+rep.Message, 1500)
				xsdNote = &note
				if err := logStep(xmlSHA, stepXSDValidate, "ERROR", &note); err != nil {
					return nil, err
				}
			}
		}

		h := doc.Header()
		var warnParts []string
		if m := h.MissingMessage(); m != "" {
			warnParts = append(warnParts, m)
		}
		if h.FacilityCode == "" {
			warnParts = append(warnParts, "warning missing: facility_code")
		}
		if h.FacilityName == "" {
			warnParts = append(warnParts, "warning missing: facility_name")
		}
		var wmsg *string
		if len(warnParts) > 0 {
			wmsg = ptr(shorten(strings.Join(warnParts, "; "), 1000))
		}
		if err := logStep(xmlSHA, stepExtractItems, "OK", wmsg); err != nil {
			return nil, err
		}

		// Book the header ledger row; warnings don't block it.
		_, lerr := tx.UpsertXMLLedger(ctx, ledger.XMLLedgerUpsert{
			RunID:                 runID,
			ZipReceiptID:          zrow.ZipReceiptID,
			FacilityFolderName:    zrow.FacilityFolderName,
			FacilityCode:          zrow.FacilityCode,
			FacilityName:          zrow.FacilityName,
			ZipName:               deref(zrow.ZipName),
			ZipSHA256:             zipSHA,
			XMLFilename:           path.Base(inner),
			ZipInnerPath:          inner,
			ZipInnerPathSHA256:    &innerSHA,
			InsurerNumber:         orNil(h.InsurerNumber),
			InsuranceSymbol:       orNil(h.InsuranceSymbol),
			InsuranceNumber:       orNil(h.InsuranceNumber),
			InsuranceBranchNumber: orNil(h.InsuranceBranchNumber),
			BirthDate:             h.BirthDate,
			KenshinDate:           h.ExamDate,
			GenderCode:            orNil(h.GenderCode),
			NameKanaFull:          orNil(h.PatientName),
			PostalCode:            orNil(h.PostalCode),
			Address:               orNil(h.Address),
			OrgNameInXML:          orNil(h.FacilityName),
			OrgCodeInXML:          orNil(h.FacilityCode),
			XSDValid:              xsdValid,
			ErrorContent:          xsdNote,
		})
		if lerr != nil {
			msg := shorten(lerr.Error(), 1200)
			if err := logStep(xmlSHA, stepLedger, "ERROR", &msg); err != nil {
				return nil, err
			}
			if err := indexError(xmlSHA, "LEDGER_UPSERT", msg, docID); err != nil {
				return nil, err
			}
			sum.Errors++
			continue
		}
		if err := logStep(xmlSHA, stepLedger, "OK", nil); err != nil {
			return nil, err
		}

		if err := tx.UpdateXMLIndexFields(ctx, ledger.XMLIndexUpdate{
			XMLSHA256:      xmlSHA,
			Status:         "OK",
			DocumentID:     docID,
			ExtractedRunID: &runID,
			ExtractedAtNow: true,
		}); err != nil {
			return nil, err
		}
		sum.OK++
	}

	if err := tx.Commit(); err != nil {
		tx = nil
		return nil, err
	}
	tx = nil

	recordStageRows("xml_extract", "ok", sum.OK)
	recordStageRows("xml_extract", "error", sum.Errors)
	ex.logger.Info("extract.done", "processed", sum.Processed, "ok", sum.OK, "error", sum.Errors)
	return sum, nil
}
