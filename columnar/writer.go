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

package columnar

import (
	"fmt"

	goccyjson "github.com/goccy/go-json"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/erigontech/chainarchive/table"
)

// writerConcurrency is the parquet-go writer/reader goroutine count.
const writerConcurrency = 4

// pageSize is the Parquet data page size.
const pageSize = 32 * 1024

// WriteOptions controls per-write encoding hints passed to the Parquet
// writer.
type WriteOptions struct {
	// DictColumns names columns to dictionary-encode: low-cardinality
	// sort-key columns such as topic0/address.
	DictColumns map[string]bool
}

// WriteFrame encodes frame as a single-row-group Parquet file at path,
// zstd-compressed, using the JSON-schema-driven dynamic writer since the
// per-table schema is built at runtime from table.Schema rather than a
// fixed Go struct.
func WriteFrame(path string, frame *table.Frame, opts WriteOptions) error {
	schemaJSON, err := buildJSONSchema(frame.Schema, opts)
	if err != nil {
		return fmt.Errorf("columnar: build schema for %s: %w", path, err)
	}

	pFile, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("columnar: create %s: %w", path, err)
	}

	pw, err := writer.NewJSONWriter(schemaJSON, pFile, writerConcurrency)
	if err != nil {
		pFile.Close()
		return fmt.Errorf("columnar: init parquet writer for %s: %w", path, err)
	}
	pw.CompressionType = parquet.CompressionCodec_ZSTD
	pw.PageSize = pageSize

	for i := 0; i < frame.Rows; i++ {
		row := make(map[string]any, len(frame.Schema.Columns))
		for _, col := range frame.Schema.Columns {
			v := frame.Columns[col.Name][i]
			if v == nil {
				// OPTIONAL column: an absent key is the JSON writer's null.
				continue
			}
			row[col.Name] = jsonRowValue(col.Typ, v)
		}
		rec, err := goccyjson.Marshal(row)
		if err != nil {
			pFile.Close()
			return fmt.Errorf("columnar: marshal row %d of %s: %w", i, path, err)
		}
		if err := pw.Write(string(rec)); err != nil {
			pFile.Close()
			return fmt.Errorf("columnar: write row %d of %s: %w", i, path, err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		pFile.Close()
		return fmt.Errorf("columnar: finalize %s: %w", path, err)
	}
	return pFile.Close()
}
