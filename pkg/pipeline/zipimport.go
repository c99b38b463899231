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
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kraklabs/medi-ingest/pkg/archive"
	"github.com/kraklabs/medi-ingest/pkg/cda"
	"github.com/kraklabs/medi-ingest/pkg/config"
	"github.com/kraklabs/medi-ingest/pkg/ledger"
)

// Import modes.
const (
	ModeZipImport  = "ZIP_IMPORT"
	ModeXMLExtract = "XML_EXTRACT"
	ModeFull       = "FULL"
)

// Import receipts the staged zips under the input root. Each facility
// folder ("<code>_<name>") is walked for zips; every zip gets extracted
// into a per-run scratch dir, its structure judged around the DATA
// convention, and a receipt row booked keyed by content hash. With the
// XML inventory enabled, every xml member is receipted too. Modes:
// ZIP_IMPORT books receipts, XML_EXTRACT runs only the CDA extract phase
// over pending xml receipts, FULL chains both under one run.
type Import struct {
	store  *ledger.Store
	cfg    *config.Config
	logger *slog.Logger

	// NotePrefix is recorded on the run row and prepended to the finish
	// note.
	NotePrefix string
}

// NewImport creates the import stage. A nil logger falls back to slog.Default().
func NewImport(store *ledger.Store, cfg *config.Config, logger *slog.Logger) *Import {
	if logger == nil {
		logger = slog.Default()
	}
	return &Import{store: store, cfg: cfg, logger: logger}
}

// ImportResult summarizes one import run.
type ImportResult struct {
	RunID      int64
	Mode       string
	Facilities int

	ZipsFound  int
	ZipNew     int
	ZipSeen    int
	ZipOK      int
	ZipError   int
	ZipSkipped int

	XMLEnabled    bool
	XMLTotal      int
	XMLNew        int
	XMLSeen       int
	XMLError      int
	XMLSkippedZip int

	Extract *ExtractSummary

	Summary string
}

// zipStructure is the judged shape of one extracted zip.
type zipStructure struct {
	status       string // OK | ERROR
	errorCode    *string
	errorMessage *string
	messages     []string
	dataDirCount *int
	dataXMLCount *int
	xmlFiles     []string
}

// xmlInventory counts one zip's xml receipting.
type xmlInventory struct {
	total, added, seen, errs int
}

// Run opens a run row, dispatches on mode, and closes the run with a
// summary note.
func (im *Import) Run(ctx context.Context) (*ImportResult, error) {
	mode := strings.ToUpper(strings.TrimSpace(im.cfg.Import.Mode))
	if mode == "" {
		mode = ModeZipImport
	}

	inputRoot := im.cfg.Paths.InputRoot
	if strings.TrimSpace(inputRoot) == "" {
		return nil, fmt.Errorf("input root is not configured")
	}
	tempRoot := im.cfg.Paths.TempRoot

	im.logger.Info("import.start", "mode", mode, "input_root", inputRoot, "temp_root", tempRoot)

	// The run row commits on its own before any work so every receipt can
	// reference it even if the pass dies halfway.
	tx, err := im.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	runID, err := tx.InsertRun(ctx, inputRoot, im.NotePrefix)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	im.logger.Info("import.run.started", "run_id", runID)

	res := &ImportResult{RunID: runID, Mode: mode, XMLEnabled: im.cfg.Import.XMLInventory}

	switch mode {
	case ModeXMLExtract:
		ex := NewExtract(im.store, im.cfg, im.logger)
		sum, err := ex.Run(ctx, runID)
		if err != nil {
			return nil, err
		}
		res.Extract = sum
		return im.finishRun(ctx, res, extractSummaryLine(sum))

	case ModeZipImport:
		if err := im.zipImportPhase(ctx, runID, res); err != nil {
			return nil, err
		}
		return im.finishRun(ctx, res, zipSummaryLine(res))

	case ModeFull:
		if err := im.zipImportPhase(ctx, runID, res); err != nil {
			return nil, err
		}
		ex := NewExtract(im.store, im.cfg, im.logger)
		sum, err := ex.Run(ctx, runID)
		if err != nil {
			return nil, err
		}
		res.Extract = sum
		return im.finishRun(ctx, res, zipSummaryLine(res)+" | "+extractSummaryLine(sum))

	default:
		summary := fmt.Sprintf("unknown mode: %s (expected ZIP_IMPORT/XML_EXTRACT/FULL)", mode)
		if _, ferr := im.finishRun(ctx, res, summary); ferr != nil {
			return nil, ferr
		}
		return nil, fmt.Errorf("unknown mode: %s (expected ZIP_IMPORT/XML_EXTRACT/FULL)", mode)
	}
}

func (im *Import) finishRun(ctx context.Context, res *ImportResult, summary string) (*ImportResult, error) {
	note := summary
	if im.NotePrefix != "" {
		note = im.NotePrefix + " | " + summary
	}

	tx, err := im.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := tx.FinishRun(ctx, res.RunID, note); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	res.Summary = summary
	im.logger.Info("import.run.finished", "run_id", res.RunID, "summary", summary)
	return res, nil
}

// zipImportPhase walks facility folders and receipts every zip.
func (im *Import) zipImportPhase(ctx context.Context, runID int64, res *ImportResult) error {
	started := time.Now()
	defer observeStageDuration("zip_import", started)

	xmlEnabled := im.cfg.Import.XMLInventory
	wellformed := im.cfg.Import.ParseWellformed
	im.logger.Info("import.phase", "xml_inventory", xmlEnabled, "wellformed_check", wellformed)

	facilityDirs, err := listFacilityDirs(im.cfg.Paths.InputRoot)
	if err != nil {
		return err
	}
	res.Facilities = len(facilityDirs)
	im.logger.Info("import.facilities", "count", res.Facilities)

	tempBase := filepath.Join(im.cfg.Paths.TempRoot, fmt.Sprintf("run_%06d", runID))
	if err := os.MkdirAll(tempBase, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	for _, dir := range facilityDirs {
		folder := filepath.Base(dir)
		code, name := parseFacilityFolder(folder)

		zips, err := listZipFiles(dir)
		if err != nil {
			return err
		}
		im.logger.Info("import.facility", "folder", folder, "zips", len(zips))
		if len(zips) == 0 {
			res.ZipSkipped++
			continue
		}

		for _, zipPath := range zips {
			if err := ctx.Err(); err != nil {
				return err
			}
			res.ZipsFound++
			if err := im.importOneZip(ctx, runID, res, tempBase, folder, code, name, zipPath); err != nil {
				return err
			}
		}
	}

	recordStageRows("zip_import", "ok", res.ZipOK)
	recordStageRows("zip_import", "error", res.ZipError)
	return nil
}

// importOneZip receipts a single zip. Row-level trouble (unreadable zip,
// broken structure, booking failure) is absorbed into counters and
// receipt rows; only DB-health errors come back as error.
func (im *Import) importOneZip(ctx context.Context, runID int64, res *ImportResult, tempBase, folder, facilityCode, facilityName, zipPath string) error {
	zipName := filepath.Base(zipPath)
	zipAbs, err := filepath.Abs(zipPath)
	if err != nil {
		zipAbs = zipPath
	}

	sha, err := sha256File(zipPath, 0)
	if err != nil {
		res.ZipError++
		im.logger.Warn("import.zip.sha.failed", "name", zipName, "err", err)
		return nil
	}
	im.logger.Info("import.zip", "name", zipName, "sha256", sha)

	tx, err := im.store.Begin(ctx)
	if err != nil {
		return err
	}

	existedID, err := tx.GetZipReceiptID(ctx, sha)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	action := "NEW"
	if existedID != nil {
		action = "SEEN"
	}
	if action == "NEW" {
		res.ZipNew++
	} else {
		res.ZipSeen++
	}

	scratch := filepath.Join(tempBase, sha)
	st := im.extractAndJudge(ctx, tx, zipPath, scratch, folder, facilityCode, zipName, sha)

	receiptID, err := tx.UpsertZipReceipt(ctx, ledger.ZipReceiptUpsert{
		RunID:              runID,
		FacilityFolderName: orNil(folder),
		FacilityCode:       orNil(facilityCode),
		FacilityName:       orNil(facilityName),
		ZipName:            zipName,
		ZipPath:            zipAbs,
		ZipSHA256:          sha,
		StructureStatus:    st.status,
		ErrorCode:          st.errorCode,
		ErrorMessage:       st.errorMessage,
		StructureMessage:   orNil(strings.Join(st.messages, " | ")),
		DataDirCount:       st.dataDirCount,
		DataXMLCount:       st.dataXMLCount,
	})
	if err == nil {
		err = tx.InsertZipReceiptRun(ctx, runID, receiptID, sha, action, nil)
	}
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		_ = tx.Rollback()
		res.ZipError++
		im.logger.Error("import.zip.book.failed", "name", zipName, "err", err)
		removeTree(scratch)
		return nil
	}

	if st.status == "OK" {
		res.ZipOK++
	} else {
		res.ZipError++
	}
	im.logger.Info("import.zip.struct",
		"status", st.status,
		"error_code", deref(st.errorCode),
		"data_dir_count", logInt(st.dataDirCount),
		"data_xml_count", logInt(st.dataXMLCount),
	)

	if im.cfg.Import.XMLInventory && st.status == "OK" {
		itx, err := im.store.Begin(ctx)
		if err != nil {
			removeTree(scratch)
			return err
		}
		inv, ierr := im.inventoryXMLs(ctx, itx, runID, sha, scratch, st.xmlFiles, facilityCode, facilityName)
		if ierr == nil {
			ierr = itx.Commit()
		}
		if ierr != nil {
			_ = itx.Rollback()
			im.logger.Error("import.zip.xml.failed", "zip_sha", sha, "err", ierr)
		} else {
			res.XMLTotal += inv.total
			res.XMLNew += inv.added
			res.XMLSeen += inv.seen
			res.XMLError += inv.errs
			im.logger.Info("import.zip.xml", "total", inv.total, "new", inv.added, "seen", inv.seen, "error", inv.errs)
		}
	} else if im.cfg.Import.XMLInventory {
		res.XMLSkippedZip++
	}

	removeTree(scratch)
	return nil
}

// extractAndJudge unpacks the zip into scratch and judges the tree. Any
// failure, including password exhaustion or a broken archive, lands in
// the returned structure, never as an error.
func (im *Import) extractAndJudge(ctx context.Context, tx *ledger.Tx, zipPath, scratch, folder, facilityCode, zipName, sha string) zipStructure {
	pwds, perr := tx.PasswordCandidates(ctx, facilityCode, folder, zipName, sha)
	if perr != nil {
		msg := clip(perr.Error(), 2000)
		im.logger.Error("import.zip.extract.failed", "name", zipName, "err", perr)
		return zipStructure{
			status:       "ERROR",
			errorCode:    ptr(archive.CodeZipUnexpected),
			errorMessage: orNil(msg),
			messages:     []string{"zip extract failed: " + archive.CodeZipUnexpected, msg},
		}
	}
	recordPasswordAttempts(len(pwds))

	extRes := archive.ExtractToTemp(zipPath, scratch, pwds)
	recordZipExtract(extRes.OK)
	if !extRes.OK {
		code := extRes.ErrorCode
		if code == "" {
			code = archive.CodeZipUnexpected
		}
		msg := clip(extRes.Message, 2000)
		st := zipStructure{
			status:       "ERROR",
			errorCode:    &code,
			errorMessage: orNil(msg),
			messages:     []string{"zip extract failed: " + code},
		}
		if msg != "" {
			st.messages = append(st.messages, msg)
		}
		return st
	}

	st, serr := evalStructure(scratch)
	if serr != nil {
		msg := clip(serr.Error(), 2000)
		im.logger.Error("import.zip.structure.failed", "name", zipName, "err", serr)
		st.status = "ERROR"
		st.errorCode = ptr(archive.CodeZipUnexpected)
		st.errorMessage = orNil(msg)
		st.messages = append(st.messages, "structure check failed: "+archive.CodeZipUnexpected, msg)
	}
	return st
}

// evalStructure judges one extracted tree: empty content, DATA dir
// conventions, and which xml files are importable. A status of OK can
// still carry an error code when the shape was unusual but salvageable.
func evalStructure(scratch string) (zipStructure, error) {
	st := zipStructure{status: "ERROR"}

	hasFile, err := treeHasAnyFile(scratch)
	if err != nil {
		return st, err
	}
	if !hasFile {
		st.errorCode = ptr("ZIP_EMPTY_CONTENT")
		st.messages = append(st.messages, "no files after extraction (empty or zero-byte zip)")
		st.dataDirCount = ptr(0)
		st.dataXMLCount = ptr(0)
		return st, nil
	}

	dataDirs, err := findDataDirs(scratch)
	if err != nil {
		return st, err
	}
	st.dataDirCount = ptr(len(dataDirs))

	var xmlFiles []string
	if len(dataDirs) >= 1 {
		xmlFiles, err = listXMLFilesUnder(dataDirs)
		if err != nil {
			return st, err
		}
		if len(dataDirs) >= 2 {
			st.errorCode = ptr("STRUCT_MULTI_DATA_DIR")
			st.messages = append(st.messages, fmt.Sprintf("multiple DATA dirs: count=%d", len(dataDirs)))
			sample := make([]string, 0, 5)
			for _, d := range dataDirs[:min(5, len(dataDirs))] {
				if rel, rerr := filepath.Rel(scratch, d); rerr == nil {
					sample = append(sample, filepath.ToSlash(rel))
				}
			}
			st.messages = append(st.messages, "DATA candidates (first 5): "+strings.Join(sample, ", "))
		}
	} else {
		xmlFiles, err = listXMLFilesAnywhere(scratch)
		if err != nil {
			return st, err
		}
		st.errorCode = ptr("STRUCT_NO_DATA_DIR")
		st.messages = append(st.messages, "no DATA dir found (scanning whole zip for xml)")
	}

	st.dataXMLCount = ptr(len(xmlFiles))
	st.xmlFiles = xmlFiles

	if len(xmlFiles) > 0 {
		st.status = "OK"
		return st, nil
	}

	if len(dataDirs) == 1 {
		st.errorCode = ptr("STRUCT_ZERO_XML")
		st.messages = append(st.messages, "DATA dir has no xml files")
	} else {
		if st.errorCode == nil {
			st.errorCode = ptr("STRUCT_ZERO_XML")
		}
		st.messages = append(st.messages, "no xml files found in zip")
	}
	return st, nil
}

// inventoryXMLs receipts every xml member of one OK zip. Unreadable files
// get an ERROR receipt with a zero hash so the member is still on record;
// DB errors abort the whole inventory for the caller to roll back.
func (im *Import) inventoryXMLs(ctx context.Context, tx *ledger.Tx, runID int64, zipSHA, scratch string, xmlFiles []string, facilityCode, facilityName string) (xmlInventory, error) {
	var inv xmlInventory
	wellformed := im.cfg.Import.ParseWellformed

	for _, xf := range xmlFiles {
		inv.total++

		rel, rerr := filepath.Rel(scratch, xf)
		if rerr != nil {
			rel = filepath.Base(xf)
		}
		inner := filepath.ToSlash(rel)
		innerSHA := ledger.SHA256Text(inner)

		xmlSHA := ""
		var fi os.FileInfo
		b, ferr := os.ReadFile(xf)
		if ferr == nil {
			xmlSHA = sha256Bytes(b)
			fi, ferr = os.Stat(xf)
		}
		if ferr != nil {
			inv.errs++
			im.logger.Error("import.xml.failed", "file", filepath.Base(xf), "err", ferr)
			if xmlSHA == "" {
				xmlSHA = zeroSHA
			}
			if _, err := tx.UpsertXMLReceipt(ctx, ledger.XMLReceiptUpsert{
				RunID:              runID,
				ZipSHA256:          zipSHA,
				ZipInnerPath:       inner,
				ZipInnerPathSHA256: &innerSHA,
				XMLSHA256:          xmlSHA,
				Status:             "ERROR",
				ErrorCode:          ptr("XML_IMPORT"),
				ErrorMessage:       ptr("unexpected error: " + ferr.Error()),
				FacilityCode:       orNil(facilityCode),
				FacilityName:       orNil(facilityName),
			}); err != nil {
				return inv, err
			}
			if err := tx.InsertXMLReceiptRun(ctx, runID, xmlSHA, "SEEN", ptr("XML_IMPORT:"+ferr.Error())); err != nil {
				return inv, err
			}
			continue
		}

		existedID, err := tx.GetXMLReceiptID(ctx, xmlSHA)
		if err != nil {
			return inv, err
		}
		action := "NEW"
		if existedID != nil {
			action = "SEEN"
		}
		if action == "NEW" {
			inv.added++
		} else {
			inv.seen++
		}

		// A well-formed xml stays PENDING for the extract phase; only a
		// parse failure closes it here.
		status := "PENDING"
		var errorCode, errorMessage *string
		if wellformed {
			if werr := cda.WellFormed(b); werr != nil {
				status = "ERROR"
				errorCode = ptr("XML_PARSE")
				errorMessage = ptr(clip(werr.Error(), 1000))
				inv.errs++
			}
		}

		if _, err := tx.UpsertXMLReceipt(ctx, ledger.XMLReceiptUpsert{
			RunID:              runID,
			ZipSHA256:          zipSHA,
			ZipInnerPath:       inner,
			ZipInnerPathSHA256: &innerSHA,
			XMLSHA256:          xmlSHA,
			FileSize:           ptr(fi.Size()),
			FileMTime:          ptr(fi.ModTime()),
			Status:             status,
			ErrorCode:          errorCode,
			ErrorMessage:       errorMessage,
			FacilityCode:       orNil(facilityCode),
			FacilityName:       orNil(facilityName),
		}); err != nil {
			return inv, err
		}

		var msg *string
		if status == "ERROR" {
			msg = ptr(deref(errorCode) + ":" + deref(errorMessage))
		}
		if err := tx.InsertXMLReceiptRun(ctx, runID, xmlSHA, action, msg); err != nil {
			return inv, err
		}
	}
	return inv, nil
}

// parseFacilityFolder splits "<code>_<name>" on the first underscore.
func parseFacilityFolder(folder string) (code, name string) {
	if c, n, ok := strings.Cut(folder, "_"); ok {
		return strings.TrimSpace(c), strings.TrimSpace(n)
	}
	return strings.TrimSpace(folder), ""
}

// listFacilityDirs returns the facility folders directly under the input
// root, sorted, skipping dotfiles.
func listFacilityDirs(inputRoot string) ([]string, error) {
	fi, err := os.Stat(inputRoot)
	if err != nil {
		return nil, fmt.Errorf("input root does not exist: %s", inputRoot)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("input root is not a directory: %s", inputRoot)
	}

	entries, err := os.ReadDir(inputRoot)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, filepath.Join(inputRoot, e.Name()))
		}
	}
	return dirs, nil
}

// listZipFiles returns the zips directly inside one facility folder,
// sorted by name.
func listZipFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var zips []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			zips = append(zips, filepath.Join(dir, e.Name()))
		}
	}
	return zips, nil
}

// findDataDirs collects every directory named DATA under root, shallowest
// first.
func findDataDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.IsDir() && d.Name() == "DATA" {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(dirs, func(i, j int) bool {
		di := strings.Count(dirs[i], string(os.PathSeparator))
		dj := strings.Count(dirs[j], string(os.PathSeparator))
		if di != dj {
			return di < dj
		}
		return dirs[i] < dirs[j]
	})
	return dirs, nil
}

// listXMLFilesUnder collects xml files under the given directories,
// sorted by path.
func listXMLFilesUnder(dirs []string) ([]string, error) {
	var files []string
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, werr error) error {
			if werr != nil {
				return werr
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".xml") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

// listXMLFilesAnywhere collects xml files anywhere under root, sorted by
// path.
func listXMLFilesAnywhere(root string) ([]string, error) {
	return listXMLFilesUnder([]string{root})
}

// treeHasAnyFile reports whether any regular file exists under root.
func treeHasAnyFile(root string) (bool, error) {
	found := false
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if !d.IsDir() {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func removeTree(path string) {
	if path == "" {
		return
	}
	_ = os.RemoveAll(path)
}

func logInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func zipSummaryLine(res *ImportResult) string {
	s := fmt.Sprintf("facility=%d, zips_found=%d, new=%d, seen=%d, ok=%d, error=%d, skipped=%d",
		res.Facilities, res.ZipsFound, res.ZipNew, res.ZipSeen, res.ZipOK, res.ZipError, res.ZipSkipped)
	if res.XMLEnabled {
		s += " | " + fmt.Sprintf("xml_total=%d, new=%d, seen=%d, error=%d, xml_skipped_zip=%d",
			res.XMLTotal, res.XMLNew, res.XMLSeen, res.XMLError, res.XMLSkippedZip)
	}
	return s
}

func extractSummaryLine(sum *ExtractSummary) string {
	return fmt.Sprintf("xml_extract processed=%d ok=%d error=%d target_status=%s limit=%d",
		sum.Processed, sum.OK, sum.Errors, sum.TargetStatus, sum.Limit)
}
