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

	"github.com/beevik/etree"
)

// ItemHint is the per-namecode extraction hint from the item master.
// ValueMethod selects how the raw value is read ("", "@attr", "text()"
// or "string()"); ValueType overrides type inference when it is one of
// PQ, CD, CO or ST.
type ItemHint struct {
	ValueMethod string
	ValueType   string
}

// RawItem is one observed measurement, exactly as the document states
// it. Nil pointer fields mean the document carries nothing usable
// there; normalization happens downstream.
type RawItem struct {
	Namecode     string
	OccurrenceNo int
	ValueRaw     *string
	ValueType    *string
	Unit         *string
	CodeSystem   *string
	CodeValue    *string
	CodeDisplay  *string
}

// Observations walks every observation element in document order and
// returns one RawItem per observation that names its measurement.
//
// The namecode is observation/code/@code; observations without one
// cannot be identified and are dropped. The value node is
// observation/value, falling back to observation/text. Occurrence
// numbers count per namecode within the document, starting at 1.
func (d *Document) Observations(hints map[string]ItemHint) []RawItem {
	var out []RawItem
	occ := map[string]int{}

	for _, obs := range descendants(d.root, "observation") {
		code := obs.SelectElement("code")
		if code == nil {
			continue
		}
		namecode := strings.TrimSpace(code.SelectAttrValue("code", ""))
		if namecode == "" {
			continue
		}

		vnode := obs.SelectElement("value")
		if vnode == nil {
			vnode = obs.SelectElement("text")
		}

		hint := hints[namecode]
		raw, vtype, unit, vcs, vcv, vcd := valueFromNode(vnode, strings.TrimSpace(hint.ValueMethod), masterValueType(hint.ValueType))

		occ[namecode]++
		out = append(out, RawItem{
			Namecode:     namecode,
			OccurrenceNo: occ[namecode],
			ValueRaw:     raw,
			ValueType:    vtype,
			Unit:         unit,
			CodeSystem:   firstNonNil(vcs, attrOrNil(code, "codeSystem")),
			CodeValue:    firstNonNil(vcv, attrOrNil(code, "code")),
			CodeDisplay:  firstNonNil(vcd, attrOrNil(code, "displayName")),
		})
	}
	return out
}

// valueFromNode reads the raw value and its describing attributes off
// the value node. A nil node yields all nils; the observation is still
// recorded so the gap is visible.
func valueFromNode(vnode *etree.Element, method, preferType string) (raw, vtype, unit, codeSystem, codeValue, codeDisplay *string) {
	if vnode == nil {
		return nil, nil, nil, nil, nil, nil
	}

	raw = extractByMethod(vnode, method)
	unit = attrOrNil(vnode, "unit")
	codeSystem = attrOrNil(vnode, "codeSystem")
	codeValue = attrOrNil(vnode, "code")
	codeDisplay = attrOrNil(vnode, "displayName")

	if preferType != "" {
		vtype = &preferType
	} else {
		vtype = inferTypeFromNode(vnode)
	}
	return raw, vtype, unit, codeSystem, codeValue, codeDisplay
}

// extractByMethod applies the master's value_method to the node.
func extractByMethod(node *etree.Element, method string) *string {
	textOrNil := func() *string {
		t := strings.TrimSpace(node.Text())
		if t == "" {
			return nil
		}
		return &t
	}

	switch {
	case method == "":
		if v := attrOrNil(node, "value"); v != nil {
			return v
		}
		return textOrNil()
	case strings.HasPrefix(method, "@"):
		return attrOrNil(node, method[1:])
	case method == "text()" || method == "text":
		return textOrNil()
	case method == "string()" || method == "string":
		t := strings.TrimSpace(allText(node))
		if t == "" {
			return nil
		}
		return &t
	default:
		return textOrNil()
	}
}

// inferTypeFromNode guesses a value type when the master has no say.
// An explicit xsi:type wins; otherwise any @value attribute or direct
// text marks the node as ST.
func inferTypeFromNode(vnode *etree.Element) *string {
	if xt := strings.TrimSpace(xsiAttr(vnode, "type")); xt != "" {
		return &xt
	}
	if vnode.SelectAttr("value") != nil {
		st := "ST"
		return &st
	}
	if strings.TrimSpace(vnode.Text()) != "" {
		st := "ST"
		return &st
	}
	return nil
}

// masterValueType accepts only the four types the normalizer knows.
func masterValueType(t string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	switch t {
	case "PQ", "CD", "CO", "ST":
		return t
	}
	return ""
}

func firstNonNil(a, b *string) *string {
	if a != nil {
		return a
	}
	return b
}
