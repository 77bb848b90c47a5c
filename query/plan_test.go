// Copyright 2026 The Chainarchive Authors
// This file is part of Chainarchive.
//
// Chainarchive is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Chainarchive is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Chainarchive. If not, see <http://www.gnu.org/licenses/>.

package query

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/chainarchive/internal/archiveerr"
)

func TestParseQueryRejectsInvertedRange(t *testing.T) {
	_, err := ParseQuery([]byte(`{"type":"eth","fromBlock":100,"toBlock":50}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, archiveerr.ErrInvalidQuery))
}

func TestValidateRejectsOverBudgetRequest(t *testing.T) {
	addrs := make([]string, 101)
	for i := range addrs {
		addrs[i] = "0xaa"
	}
	q := &ArchiveQuery{Type: "eth", Logs: []LogRequest{{Address: addrs}}}
	err := q.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, archiveerr.ErrInvalidQuery))
}

// Requesting a field the chain's transactions table doesn't carry must be
// rejected at compile time with a diagnostic naming the field.
func TestCompileRejectsUnavailableField(t *testing.T) {
	q := &ArchiveQuery{
		Type:      "eth",
		FromBlock: 0,
		Fields:    map[string]map[string]bool{"transaction": {"chainId": true}},
	}
	_, err := Compile(q)
	require.Error(t, err)
	assert.True(t, errors.Is(err, archiveerr.ErrMissingData))
	assert.True(t, strings.Contains(err.Error(), "chainId"))
}

func TestSelectFieldsResolvesWireNames(t *testing.T) {
	schemas := EVMSchemas()

	fields, err := selectFields("log", schemas["logs"], map[string]bool{"topics": true, "data": true}, []string{"logIndex", "transactionHash"})
	require.NoError(t, err)
	byName := map[string][]string{}
	for _, f := range fields {
		byName[f.Name] = f.Columns
	}
	assert.Equal(t, []string{"log_index"}, byName["logIndex"])
	assert.Equal(t, []string{"tx_hash"}, byName["transactionHash"])
	assert.Equal(t, []string{"topic0", "topic1", "topic2", "topic3"}, byName["topics"])
	assert.Equal(t, []string{"data"}, byName["data"])

	blockFields, err := selectFields("block", schemas["blocks"], map[string]bool{"gasUsed": true, "parentHash": true}, []string{"number"})
	require.NoError(t, err)
	byName = map[string][]string{}
	for _, f := range blockFields {
		byName[f.Name] = f.Columns
	}
	assert.Equal(t, []string{"block_number"}, byName["number"])
	assert.Equal(t, []string{"gas_used"}, byName["gasUsed"])
	assert.Equal(t, []string{"parent_hash"}, byName["parentHash"])
}

func TestCompileWiresRelationSources(t *testing.T) {
	q := &ArchiveQuery{
		Type:      "eth",
		FromBlock: 0,
		Logs:      []LogRequest{{Address: []string{"0xAA"}, Transaction: true}},
	}
	plan, err := Compile(q)
	require.NoError(t, err)

	logs := plan.Items["logs"]
	require.True(t, logs.Requested)
	require.Len(t, logs.Filter, 1)
	assert.Equal(t, []string{"0xaa"}, logs.Filter[0][0].In) // lower-cased

	txs := plan.Items["transactions"]
	require.True(t, txs.Requested, "logs.transaction=true must pull in the transactions item")
	var hasRef bool
	for _, src := range txs.Sources {
		if src.Kind == SourceRefRel && src.FromItem == "logs" {
			hasRef = true
		}
	}
	assert.True(t, hasRef)
}

func TestTraceConjunctionScopesVariantFields(t *testing.T) {
	conj := Conjunction{
		{Field: "from", In: []string{"0xaa"}, ScopeField: "type", ScopeValue: "call"},
	}
	assert.True(t, conj.Matches(map[string]string{"type": "call", "from": "0xaa"}))
	assert.False(t, conj.Matches(map[string]string{"type": "call", "from": "0xbb"}))
	assert.False(t, conj.Matches(map[string]string{"type": "create", "from": "0xaa"}),
		"a call-scoped predicate must not match a create trace")
}
