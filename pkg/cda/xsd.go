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
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/beevik/etree"
)

// XSDValidator validates documents against the MHLW schema set using
// xmllint. Validation is advisory: whatever the outcome, extraction
// continues.
type XSDValidator struct {
	// Root is the directory holding the schema files. Empty or
	// missing disables validation.
	Root string
	// MainDefault is the schema filename used when the document's
	// xsi:schemaLocation names nothing usable.
	MainDefault string
}

// XSDReport is one validation outcome. Result is ResultOK, ResultSkip
// or ResultError; Used names the schema file that was (or would have
// been) applied.
type XSDReport struct {
	Result  string
	Used    string
	Message string
}

// Enabled reports whether the schema root is configured and present.
func (v *XSDValidator) Enabled() bool {
	if v.Root == "" {
		return false
	}
	fi, err := os.Stat(v.Root)
	return err == nil && fi.IsDir()
}

// Validate resolves the schema for the document and runs xmllint over
// it. The schema named by xsi:schemaLocation wins when it exists under
// the root; otherwise MainDefault applies. A missing schema file or a
// missing xmllint binary yields a SKIP, never an error.
func (v *XSDValidator) Validate(ctx context.Context, xmlBytes []byte) XSDReport {
	used := v.MainDefault
	if name := schemaLocationName(xmlBytes); name != "" {
		if _, err := os.Stat(filepath.Join(v.Root, name)); err == nil {
			used = name
		}
	}
	schemaPath := filepath.Join(v.Root, used)

	if _, err := os.Stat(schemaPath); err != nil {
		return XSDReport{Result: ResultSkip, Used: used, Message: "XSD file not found (skip)"}
	}
	if _, err := exec.LookPath("xmllint"); err != nil {
		return XSDReport{Result: ResultSkip, Used: used, Message: "xmllint not available (skip)"}
	}

	tmp, err := os.CreateTemp("", "cda-*.xml")
	if err != nil {
		return XSDReport{Result: ResultError, Used: used, Message: "XSD validator exception: " + shorten(err.Error(), 500)}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(xmlBytes); err != nil {
		tmp.Close()
		return XSDReport{Result: ResultError, Used: used, Message: "XSD validator exception: " + shorten(err.Error(), 500)}
	}
	if err := tmp.Close(); err != nil {
		return XSDReport{Result: ResultError, Used: used, Message: "XSD validator exception: " + shorten(err.Error(), 500)}
	}

	cmd := exec.CommandContext(ctx, "xmllint", "--noout", "--schema", schemaPath, tmpPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr == nil {
		return XSDReport{Result: ResultOK, Used: used}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		// xmllint exits 3 or 4 on schema validity errors; anything
		// else is a validator problem, not a document verdict.
		if code := exitErr.ExitCode(); code == 3 || code == 4 {
			msg := strings.Join(lintErrors(stderr.String(), tmpPath, 3), "; ")
			if msg == "" {
				msg = "XSD validation failed"
			}
			return XSDReport{Result: ResultError, Used: used, Message: msg}
		}
	}

	detail := strings.TrimSpace(stderr.String())
	if detail == "" {
		detail = runErr.Error()
	}
	return XSDReport{Result: ResultError, Used: used, Message: "XSD validator exception: " + shorten(detail, 500)}
}

// lintErrors picks the first few "file:line: message" diagnostics for
// the validated file out of xmllint's stderr and reformats each as
// "line:message".
func lintErrors(stderr, xmlPath string, max int) []string {
	var out []string
	prefix := xmlPath + ":"
	for _, line := range strings.Split(stderr, "\n") {
		if len(out) >= max {
			break
		}
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		rest := line[len(prefix):]
		idx := strings.Index(rest, ":")
		if idx <= 0 || !allDigits(rest[:idx]) {
			continue
		}
		out = append(out, rest[:idx]+":"+shorten(strings.TrimSpace(rest[idx+1:]), 300))
	}
	return out
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// schemaLocationName returns the basename of the last .xsd token in
// the root element's xsi:schemaLocation, or "" when there is none.
func schemaLocationName(xmlBytes []byte) string {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xmlBytes); err != nil {
		return ""
	}
	root := doc.Root()
	if root == nil {
		return ""
	}
	loc := xsiAttr(root, "schemaLocation")
	if loc == "" {
		return ""
	}
	last := ""
	for _, tok := range strings.Fields(loc) {
		if strings.HasSuffix(strings.ToLower(tok), ".xsd") {
			last = tok
		}
	}
	if last == "" {
		return ""
	}
	return path.Base(strings.ReplaceAll(last, `\`, "/"))
}

// shorten collapses line breaks and truncates to max runes, marking
// the cut with an ellipsis.
func shorten(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
