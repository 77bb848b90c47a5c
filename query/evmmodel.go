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

import "github.com/erigontech/chainarchive/table"

// fieldAliases maps the JSON field names whose physical column uses a
// shorter spelling than their snake_case rendering.
var fieldAliases = map[string]string{
	"number":           "block_number",
	"transactionHash":  "tx_hash",
	"transactionIndex": "tx_index",
}

// fieldColumns resolves an entity's JSON field name (camelCase on the
// wire) to the physical columns backing it. Most fields are simply the
// snake_case rendering of their JSON name; "topics" is derived, spanning
// the four topic columns, and is reassembled into a null-trimmed array at
// projection time.
func fieldColumns(entity, field string, schema table.Schema) ([]string, bool) {
	if entity == "log" && field == "topics" {
		return []string{"topic0", "topic1", "topic2", "topic3"}, true
	}
	if alias, ok := fieldAliases[field]; ok && hasColumn(schema, alias) {
		return []string{alias}, true
	}
	if sc := toSnakeCase(field); hasColumn(schema, sc) {
		return []string{sc}, true
	}
	if hasColumn(schema, field) {
		return []string{field}, true
	}
	return nil, false
}

func toSnakeCase(s string) string {
	out := make([]byte, 0, len(s)+4)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			if i > 0 {
				out = append(out, '_')
			}
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// EVMSchemas returns the table layout of the EVM Model: one table.Schema
// per columnar file an EVM chunk directory may contain. Field
// widths follow a minimum-sufficient-width rule: hashes and
// addresses as text, quantities under 2^53 as uint64, larger ones as
// big-int text.
func EVMSchemas() map[string]table.Schema {
	return map[string]table.Schema{
		"blocks": {
			Name: "blocks",
			Columns: []table.ColumnDef{
				{Name: "block_number", Typ: table.TypeUint64},
				{Name: "hash", Typ: table.TypeString},
				{Name: "parent_hash", Typ: table.TypeString},
				{Name: "timestamp", Typ: table.TypeUint64},
				{Name: "miner", Typ: table.TypeString},
				{Name: "gas_used", Typ: table.TypeUint64},
				{Name: "gas_limit", Typ: table.TypeUint64},
				{Name: "base_fee_per_gas", Typ: table.TypeBigIntText},
			},
			PrimaryKey: []string{"block_number"},
			SortKey:    []string{"block_number"},
			Weights:    map[string]table.Weight{"_header": {Constant: 180}},
		},
		"transactions": {
			Name: "transactions",
			Columns: []table.ColumnDef{
				{Name: "block_number", Typ: table.TypeUint64},
				{Name: "hash", Typ: table.TypeString},
				{Name: "tx_index", Typ: table.TypeInt32},
				{Name: "from", Typ: table.TypeString},
				{Name: "to", Typ: table.TypeString},
				{Name: "sighash", Typ: table.TypeString},
				{Name: "value", Typ: table.TypeFixedPoint},
				{Name: "input", Typ: table.TypeString},
				{Name: "status", Typ: table.TypeInt32},
				{Name: "gas_used", Typ: table.TypeUint64},
				{Name: "input_size", Typ: table.TypeInt32},
				{Name: "_idx", Typ: table.TypeInt32},
			},
			PrimaryKey: []string{"block_number", "tx_index"},
			SortKey:    []string{"block_number", "tx_index"},
			Weights:    map[string]table.Weight{"input": {SizeColumn: "input_size"}, "_row": {Constant: 120}},
			HasIdx:     true,
		},
		"logs": {
			Name: "logs",
			Columns: []table.ColumnDef{
				{Name: "block_number", Typ: table.TypeUint64},
				{Name: "log_index", Typ: table.TypeInt32},
				{Name: "tx_hash", Typ: table.TypeString},
				{Name: "address", Typ: table.TypeString},
				{Name: "topic0", Typ: table.TypeString},
				{Name: "topic1", Typ: table.TypeString},
				{Name: "topic2", Typ: table.TypeString},
				{Name: "topic3", Typ: table.TypeString},
				{Name: "data", Typ: table.TypeString},
				{Name: "data_size", Typ: table.TypeInt32},
				{Name: "_idx", Typ: table.TypeInt32},
			},
			PrimaryKey: []string{"block_number", "log_index"},
			SortKey:    []string{"topic0", "address", "block_number", "log_index"},
			Weights:    map[string]table.Weight{"data": {SizeColumn: "data_size"}, "_row": {Constant: 150}},
			HasIdx:     true,
		},
		"traces": {
			Name: "traces",
			Columns: []table.ColumnDef{
				{Name: "block_number", Typ: table.TypeUint64},
				{Name: "tx_hash", Typ: table.TypeString},
				{Name: "trace_address", Typ: table.TypeString}, // dot-joined path, e.g. "0.1"
				{Name: "type", Typ: table.TypeString},
				{Name: "from", Typ: table.TypeString},
				{Name: "to", Typ: table.TypeString},
				{Name: "sighash", Typ: table.TypeString},
				{Name: "value", Typ: table.TypeFixedPoint},
				{Name: "refund_address", Typ: table.TypeString},
				{Name: "author", Typ: table.TypeString},
				{Name: "_idx", Typ: table.TypeInt32},
			},
			PrimaryKey: []string{"block_number", "tx_hash", "trace_address"},
			SortKey:    []string{"block_number", "tx_hash", "trace_address"},
			Weights:    map[string]table.Weight{"_row": {Constant: 140}},
			HasIdx:     true,
		},
		"statediffs": {
			Name: "statediffs",
			Columns: []table.ColumnDef{
				{Name: "block_number", Typ: table.TypeUint64},
				{Name: "tx_hash", Typ: table.TypeString},
				{Name: "address", Typ: table.TypeString},
				{Name: "key", Typ: table.TypeString},
				{Name: "kind", Typ: table.TypeString},
				{Name: "prev", Typ: table.TypeString},
				{Name: "next", Typ: table.TypeString},
				{Name: "_idx", Typ: table.TypeInt32},
			},
			PrimaryKey: []string{"block_number", "tx_hash", "address", "key"},
			SortKey:    []string{"address", "block_number"},
			Weights:    map[string]table.Weight{"_row": {Constant: 110}},
			HasIdx:     true,
		},
	}
}
