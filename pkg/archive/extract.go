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

package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/yeka/zip"
)

// Error codes booked on zip receipts when extraction fails.
const (
	CodeZipPassword   = "ZIP_PASSWORD"
	CodeZipLongPath   = "ZIP_LONG_PATH"
	CodeZipUnexpected = "ZIP_UNEXPECTED"
)

// ExtractResult reports one extraction attempt. UsedPassword is the
// winning candidate (empty when none was needed) and exists for audit
// logs only; it is never written to the ledger.
type ExtractResult struct {
	OK           bool
	ErrorCode    string
	Message      string
	UsedPassword string
}

const extractMsgLimit = 2000

// ExtractToTemp recreates tempDir and extracts the whole zip into it.
// Unencrypted zips extract directly; encrypted ones try each password
// candidate in order, then a no-password attempt as a last resort
// (partial encryption, mis-flagged members).
func ExtractToTemp(zipPath, tempDir string, passwords []string) ExtractResult {
	if err := os.RemoveAll(tempDir); err != nil {
		return ExtractResult{ErrorCode: CodeZipUnexpected, Message: clipMsg(fmt.Sprintf("reset temp dir: %v", err))}
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return ExtractResult{ErrorCode: CodeZipUnexpected, Message: clipMsg(fmt.Sprintf("create temp dir: %v", err))}
	}

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		switch {
		case errors.Is(err, zip.ErrFormat):
			return ExtractResult{ErrorCode: CodeZipUnexpected, Message: fmt.Sprintf("File is not a zip file: %v", err)}
		case errors.Is(err, fs.ErrNotExist):
			return ExtractResult{ErrorCode: CodeZipLongPath, Message: clipMsg(err.Error())}
		default:
			return ExtractResult{ErrorCode: CodeZipUnexpected, Message: clipMsg(err.Error())}
		}
	}
	defer r.Close()

	encrypted := false
	for _, f := range r.File {
		if f.IsEncrypted() {
			encrypted = true
			break
		}
	}

	if !encrypted {
		if err := extractAll(r, tempDir, ""); err != nil {
			return classifyExtractErr(err)
		}
		return ExtractResult{OK: true}
	}

	candidates := make([]string, 0, len(passwords)+1)
	seen := make(map[string]bool, len(passwords))
	for _, pw := range passwords {
		pw = strings.TrimSpace(pw)
		if pw == "" || seen[pw] {
			continue
		}
		seen[pw] = true
		candidates = append(candidates, pw)
	}
	candidates = append(candidates, "")

	var lastErr error
	for _, pw := range candidates {
		err := extractAll(r, tempDir, pw)
		if err == nil {
			return ExtractResult{OK: true, UsedPassword: pw}
		}
		if errors.Is(err, fs.ErrNotExist) {
			return ExtractResult{ErrorCode: CodeZipLongPath, Message: clipMsg(err.Error())}
		}
		lastErr = err
	}

	msg := "encrypted zip: password required"
	if lastErr != nil {
		msg = clipMsg(lastErr.Error())
	}
	return ExtractResult{ErrorCode: CodeZipPassword, Message: msg}
}

func classifyExtractErr(err error) ExtractResult {
	if errors.Is(err, fs.ErrNotExist) {
		return ExtractResult{ErrorCode: CodeZipLongPath, Message: clipMsg(err.Error())}
	}
	return ExtractResult{ErrorCode: CodeZipUnexpected, Message: clipMsg(err.Error())}
}

// extractAll writes every member under dest. pw applies only to encrypted
// members; an empty pw leaves them to fail so the caller can try the next
// candidate.
func extractAll(r *zip.ReadCloser, dest string, pw string) error {
	for _, f := range r.File {
		if err := extractMember(f, dest, pw); err != nil {
			return err
		}
	}
	return nil
}

func extractMember(f *zip.File, dest string, pw string) error {
	name := strings.TrimLeft(strings.ReplaceAll(f.Name, "\\", "/"), "/")
	target := filepath.Join(dest, filepath.FromSlash(name))

	// Never write outside dest, whatever the member name claims.
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("illegal member path: %s", f.Name)
	}

	if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	if pw != "" && f.IsEncrypted() {
		f.SetPassword(pw)
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func clipMsg(s string) string {
	r := []rune(s)
	if len(r) <= extractMsgLimit {
		return s
	}
	return string(r[:extractMsgLimit])
}
