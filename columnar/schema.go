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

// Package columnar is the on-disk file format for one entity table inside
// a chunk: a real Apache Parquet file, written and read through
// github.com/xitongsys/parquet-go rather than a bespoke page layout. One
// row group per flush, zstd-compressed, with dictionary encoding available
// for low-cardinality columns the way erigon's own snapshot tables dictionary
// code hot string columns.
//
// Every leaf column is written OPTIONAL under a single REQUIRED "root"
// message, so every column's definition level is uniformly 0 (null) or 1
// (present) — the reader reconstructs nulls itself from that definition
// level rather than depending on the library's own null-tracking surfacing
// through an inspectable API.
package columnar

import (
	"fmt"
	"strings"

	"github.com/xitongsys/parquet-go/common"

	"github.com/erigontech/chainarchive/table"
)

// rootName is the schema's root message name; column paths for
// reader.ReadColumnByPath are "rootName.<column>".
const rootName = "root"

// parquetTag renders col's xitongsys/parquet-go schema tag string. dict
// requests PLAIN_DICTIONARY encoding for a BYTE_ARRAY column, used for
// low-cardinality sort-key columns like topic0/address.
func parquetTag(col table.ColumnDef, dict bool) (string, error) {
	var typ, conv string
	switch col.Typ {
	case table.TypeInt32:
		typ = "INT32"
	case table.TypeInt64:
		typ = "INT64"
	case table.TypeUint64:
		// Parquet has no unsigned physical type; INT64 carrying
		// convertedtype=UINT_64 is the standard encoding.
		typ = "INT64"
		conv = "UINT_64"
	case table.TypeFloat64:
		typ = "DOUBLE"
	case table.TypeBool:
		typ = "BOOLEAN"
	case table.TypeString, table.TypeBigIntText, table.TypeFixedPoint:
		typ = "BYTE_ARRAY"
		conv = "UTF8"
	default:
		return "", fmt.Errorf("columnar: column %q has unsupported type %s for a Parquet schema", col.Name, col.Typ)
	}
	tag := fmt.Sprintf("name=%s, type=%s, repetitiontype=OPTIONAL", col.Name, typ)
	if conv != "" {
		tag += ", convertedtype=" + conv
	}
	if dict && typ == "BYTE_ARRAY" {
		tag += ", encoding=PLAIN_DICTIONARY"
	}
	return tag, nil
}

// buildJSONSchema renders schema as the JSON schema string
// writer.NewJSONWriter expects: a REQUIRED root group whose Fields are the
// table's columns, each OPTIONAL so a null value can always be omitted.
func buildJSONSchema(schema table.Schema, opts WriteOptions) (string, error) {
	fields := make([]string, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		tag, err := parquetTag(col, opts.DictColumns[col.Name])
		if err != nil {
			return "", err
		}
		fields = append(fields, fmt.Sprintf(`{"Tag":%q}`, tag))
	}
	return fmt.Sprintf(`{"Tag":"name=%s, repetitiontype=REQUIRED","Fields":[%s]}`, rootName, strings.Join(fields, ",")), nil
}

// columnPath returns the ReadColumnByPath path for a top-level column.
func columnPath(name string) string {
	return common.ReformPathStr(rootName + "." + name)
}

// fromParquetValue converts one value ReadColumnByPath returned back into
// the Go value the rest of the codebase expects for typ (the inverse of
// jsonRowValue).
func fromParquetValue(typ table.Type, v any) any {
	switch typ {
	case table.TypeInt32:
		if x, ok := v.(int32); ok {
			return x
		}
	case table.TypeInt64:
		if x, ok := v.(int64); ok {
			return x
		}
	case table.TypeUint64:
		switch x := v.(type) {
		case int64:
			return uint64(x)
		case uint64:
			return x
		}
	case table.TypeFloat64:
		if x, ok := v.(float64); ok {
			return x
		}
	case table.TypeBool:
		if x, ok := v.(bool); ok {
			return x
		}
	case table.TypeString, table.TypeBigIntText, table.TypeFixedPoint:
		switch x := v.(type) {
		case string:
			return x
		case []byte:
			return string(x)
		}
	}
	return v
}

// jsonRowValue converts a stored Go value into the shape the JSON writer's
// schema parsing expects for typ: UINT_64 columns travel as a signed JSON
// number over their INT64 physical type, and big-int/fixed-point values are
// rendered to their text form rather than relying on fmt's default verb.
func jsonRowValue(typ table.Type, v any) any {
	switch typ {
	case table.TypeUint64:
		if x, ok := v.(uint64); ok {
			return int64(x)
		}
	case table.TypeString, table.TypeBigIntText, table.TypeFixedPoint:
		if s, ok := v.(string); ok {
			return s
		}
		if str, ok := v.(interface{ String() string }); ok {
			return str.String()
		}
		return fmt.Sprint(v)
	}
	return v
}
