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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleObservations = `<?xml version="1.0" encoding="UTF-8"?>
<ClinicalDocument xmlns="urn:hl7-org:v3" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
  <component><structuredBody><component><section>
    <entry>
      <observation classCode="OBS" moodCode="EVN">
        <code code="9N006000000000001" codeSystem="1.2.392.200119.6.1005" displayName="身長"/>
        <value xsi:type="PQ" value="170.5" unit="cm"/>
      </observation>
    </entry>
    <entry>
      <observation>
        <code code="9N056000000000011" codeSystem="1.2.392.200119.6.1005" displayName="既往歴"/>
        <value xsi:type="CD" code="2" codeSystem="1.2.392.200119.6.2001" displayName="特定なし"/>
      </observation>
    </entry>
    <entry>
      <observation>
        <code code="9N511000000000001"/>
        <text>自由記載</text>
      </observation>
    </entry>
    <entry>
      <observation>
        <code code="9N006000000000001" codeSystem="1.2.392.200119.6.1005"/>
        <value xsi:type="PQ" value="171.0" unit="cm"/>
      </observation>
    </entry>
    <entry>
      <observation><code/></observation>
    </entry>
    <entry>
      <observation><value xsi:type="ST">no code</value></observation>
    </entry>
  </section></component></structuredBody></component>
</ClinicalDocument>`

func strv(p *string) string {
	if p == nil {
		return "<nil>"
	}
	return *p
}

func TestObservationsWithoutHints(t *testing.T) {
	items := mustParse(t, sampleObservations).Observations(nil)
	require.Len(t, items, 4, "observations without a namecode are dropped")

	height := items[0]
	assert.Equal(t, "9N006000000000001", height.Namecode)
	assert.Equal(t, 1, height.OccurrenceNo)
	assert.Equal(t, "170.5", strv(height.ValueRaw))
	assert.Equal(t, "PQ", strv(height.ValueType))
	assert.Equal(t, "cm", strv(height.Unit))
	assert.Equal(t, "1.2.392.200119.6.1005", strv(height.CodeSystem), "value node has no codeSystem, code node fills in")
	assert.Equal(t, "9N006000000000001", strv(height.CodeValue))
	assert.Equal(t, "身長", strv(height.CodeDisplay))

	history := items[1]
	assert.Equal(t, "9N056000000000011", history.Namecode)
	assert.Nil(t, history.ValueRaw, "CD value has neither @value nor text")
	assert.Equal(t, "CD", strv(history.ValueType))
	assert.Equal(t, "1.2.392.200119.6.2001", strv(history.CodeSystem), "value node wins over code node")
	assert.Equal(t, "2", strv(history.CodeValue))
	assert.Equal(t, "特定なし", strv(history.CodeDisplay))

	free := items[2]
	assert.Equal(t, "9N511000000000001", free.Namecode)
	assert.Equal(t, "自由記載", strv(free.ValueRaw), "text element stands in for a missing value element")
	assert.Equal(t, "ST", strv(free.ValueType))
	assert.Nil(t, free.Unit)

	second := items[3]
	assert.Equal(t, "9N006000000000001", second.Namecode)
	assert.Equal(t, 2, second.OccurrenceNo)
	assert.Equal(t, "171.0", strv(second.ValueRaw))
}

func TestObservationsMasterHints(t *testing.T) {
	hints := map[string]ItemHint{
		"9N056000000000011": {ValueMethod: "@code", ValueType: "cd"},
		"9N006000000000001": {ValueType: "pq"},
	}
	items := mustParse(t, sampleObservations).Observations(hints)
	require.Len(t, items, 4)

	assert.Equal(t, "PQ", strv(items[0].ValueType), "master type is normalized to upper case")
	assert.Equal(t, "2", strv(items[1].ValueRaw), "@code method reads the attribute")
	assert.Equal(t, "CD", strv(items[1].ValueType))
}

func TestObservationsStringMethod(t *testing.T) {
	doc := mustParse(t, `<ClinicalDocument xmlns="urn:hl7-org:v3">
  <observation>
    <code code="9X001"/>
    <value><part>前</part><part>後</part></value>
  </observation>
</ClinicalDocument>`)

	items := doc.Observations(map[string]ItemHint{"9X001": {ValueMethod: "string()"}})
	require.Len(t, items, 1)
	assert.Equal(t, "前後", strv(items[0].ValueRaw))
	assert.Nil(t, items[0].ValueType, "nested text alone does not infer a type")
}

func TestObservationsTextMethod(t *testing.T) {
	doc := mustParse(t, `<ClinicalDocument xmlns="urn:hl7-org:v3">
  <observation>
    <code code="9X002"/>
    <value xsi:type="ST" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">  本文  </value>
  </observation>
</ClinicalDocument>`)

	items := doc.Observations(map[string]ItemHint{"9X002": {ValueMethod: "text()"}})
	require.Len(t, items, 1)
	assert.Equal(t, "本文", strv(items[0].ValueRaw))
	assert.Equal(t, "ST", strv(items[0].ValueType))
}

func TestMasterValueType(t *testing.T) {
	assert.Equal(t, "PQ", masterValueType(" pq "))
	assert.Equal(t, "CO", masterValueType("CO"))
	assert.Equal(t, "", masterValueType("INT"))
	assert.Equal(t, "", masterValueType(""))
}
