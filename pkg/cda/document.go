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
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/beevik/etree"
)

// Step results recorded in xml_process_logs.
const (
	ResultOK    = "OK"
	ResultSkip  = "SKIP"
	ResultError = "ERROR"
)

const nsXSI = "http://www.w3.org/2001/XMLSchema-instance"

// Document is a parsed CDA file. The zero value is not usable; obtain
// one through Parse.
type Document struct {
	root *etree.Element
}

// WellFormed runs a strict parse over the raw bytes and reports the
// first syntax error. It builds no tree.
func WellFormed(b []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(b))
	seen := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			if !seen {
				return errors.New("no element found")
			}
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			seen = true
		}
	}
}

// Parse builds the element tree used by the header and observation
// reads.
func Parse(b []byte) (*Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(b); err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("document has no root element")
	}
	return &Document{root: root}, nil
}

// IsClinicalDocument reports whether the root element is a CDA
// ClinicalDocument, ignoring the namespace prefix.
func (d *Document) IsClinicalDocument() bool {
	return d.root.Tag == "ClinicalDocument"
}

// DocumentID reads /ClinicalDocument/id and returns the index id plus
// a step result.
//
//   - @root present: id is "root|extension" when an extension exists,
//     otherwise just root. Result OK.
//   - @nullFlavor without @root: no id, result SKIP. Some facilities
//     ship documents this way and they are accepted.
//   - Neither attribute, or no id element at all: result ERROR. Later
//     steps still run.
func (d *Document) DocumentID() (string, string) {
	if d.root.Tag != "ClinicalDocument" {
		return "", ResultError
	}
	id := d.root.SelectElement("id")
	if id == nil {
		return "", ResultError
	}
	root := id.SelectAttrValue("root", "")
	ext := id.SelectAttrValue("extension", "")
	if root != "" {
		if ext != "" {
			return root + "|" + ext, ResultOK
		}
		return root, ResultOK
	}
	if id.SelectAttrValue("nullFlavor", "") != "" {
		return "", ResultSkip
	}
	return "", ResultError
}

// descendants returns every element under root (root included) whose
// local tag matches, in document order.
func descendants(root *etree.Element, tag string) []*etree.Element {
	if root == nil {
		return nil
	}
	var out []*etree.Element
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		if e.Tag == tag {
			out = append(out, e)
		}
		for _, c := range e.ChildElements() {
			walk(c)
		}
	}
	walk(root)
	return out
}

// findAll resolves a descendant search for the first tag followed by
// direct-child steps for the rest.
func findAll(root *etree.Element, tags ...string) []*etree.Element {
	if len(tags) == 0 {
		return nil
	}
	cur := descendants(root, tags[0])
	for _, tag := range tags[1:] {
		var next []*etree.Element
		for _, e := range cur {
			next = append(next, e.SelectElements(tag)...)
		}
		cur = next
	}
	return cur
}

func findFirst(root *etree.Element, tags ...string) *etree.Element {
	els := findAll(root, tags...)
	if len(els) == 0 {
		return nil
	}
	return els[0]
}

// findFirstWithAttr filters the final step on an exact attribute value.
func findFirstWithAttr(root *etree.Element, tags []string, key, want string) *etree.Element {
	for _, e := range findAll(root, tags...) {
		if e.SelectAttrValue(key, "") == want {
			return e
		}
	}
	return nil
}

// attrAt reads an attribute off the first element the path reaches.
// The first match decides even when it lacks the attribute.
func attrAt(root *etree.Element, tags []string, key string) string {
	e := findFirst(root, tags...)
	if e == nil {
		return ""
	}
	return e.SelectAttrValue(key, "")
}

// textOf returns the element's direct text with runs of whitespace
// collapsed to single spaces.
func textOf(e *etree.Element) string {
	if e == nil {
		return ""
	}
	return strings.Join(strings.Fields(e.Text()), " ")
}

func textAt(root *etree.Element, tags ...string) string {
	return textOf(findFirst(root, tags...))
}

// allText concatenates every piece of character data below the
// element, nested elements included.
func allText(e *etree.Element) string {
	var sb strings.Builder
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		for _, tok := range e.Child {
			switch c := tok.(type) {
			case *etree.CharData:
				sb.WriteString(c.Data)
			case *etree.Element:
				walk(c)
			}
		}
	}
	walk(e)
	return sb.String()
}

// xsiAttr reads an XMLSchema-instance attribute such as xsi:type,
// accepting either the conventional xsi prefix or any prefix bound to
// the schema-instance namespace.
func xsiAttr(e *etree.Element, key string) string {
	for i := range e.Attr {
		a := &e.Attr[i]
		if a.Key != key {
			continue
		}
		if a.Space == "xsi" || a.NamespaceURI() == nsXSI {
			return a.Value
		}
	}
	return ""
}

// attrOrNil returns the trimmed attribute value, or nil when the
// attribute is absent or blank.
func attrOrNil(e *etree.Element, key string) *string {
	if e == nil {
		return nil
	}
	a := e.SelectAttr(key)
	if a == nil {
		return nil
	}
	v := strings.TrimSpace(a.Value)
	if v == "" {
		return nil
	}
	return &v
}
