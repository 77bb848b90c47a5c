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

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"

	"github.com/erigontech/chainarchive/internal/archiveerr"
	"github.com/erigontech/chainarchive/table"
)

// Reader opens one Parquet file and serves column reads by name via
// ReadColumnByPath, so a pushdown-filtered scan never pays to decode
// columns it doesn't project, the same per-column-page
// motivation as erigon's own .seg snapshot tables, carried over onto a real
// Parquet file instead of a bespoke page format.
type Reader struct {
	pFile  source.ParquetFile
	pr     *reader.ParquetReader
	rows   int
	schema table.Schema
	colTyp map[string]table.Type
}

// Open opens the Parquet file at path and returns a Reader ready to serve
// ReadColumn calls against schema, the same table.Schema the file was
// written with.
func Open(path string, schema table.Schema) (*Reader, error) {
	pFile, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("columnar: open %s: %w", path, err)
	}
	pr, err := reader.NewParquetReader(pFile, nil, writerConcurrency)
	if err != nil {
		pFile.Close()
		return nil, fmt.Errorf("columnar: init parquet reader for %s: %w", path, err)
	}

	colTyp := make(map[string]table.Type, len(schema.Columns))
	for _, col := range schema.Columns {
		colTyp[col.Name] = col.Typ
	}

	return &Reader{pFile: pFile, pr: pr, rows: int(pr.GetNumRows()), schema: schema, colTyp: colTyp}, nil
}

// Close releases the reader's underlying file handle.
func (r *Reader) Close() {
	r.pr.ReadStop()
	r.pFile.Close()
}

// Rows returns the number of rows stored in the file.
func (r *Reader) Rows() int { return r.rows }

// Columns returns the column names of the schema the file was opened
// against, in schema-declaration order.
func (r *Reader) Columns() []string {
	out := make([]string, len(r.schema.Columns))
	for i, col := range r.schema.Columns {
		out[i] = col.Name
	}
	return out
}

// HasColumn reports whether the file's schema declares the named column,
// the check the query planner uses to translate a missing field into a
// "missing data" error instead of panicking on a nil lookup.
func (r *Reader) HasColumn(name string) bool {
	_, ok := r.colTyp[name]
	return ok
}

// ReadColumn decompresses and decodes one column's full value array, in
// row order, with unset OPTIONAL entries (definition level 0) reinserted as
// nil so the returned slice stays aligned with every other column's row
// positions.
func (r *Reader) ReadColumn(name string) ([]any, error) {
	typ, ok := r.colTyp[name]
	if !ok {
		return nil, fmt.Errorf("read column %q: %w", name, archiveerr.ErrMissingData)
	}
	// ReadColumnByPath caches a per-path cursor on r.pr that advances with
	// each read; drop it first so repeated ReadColumn calls for the same
	// column each see the full value array from the start, as documented.
	delete(r.pr.ColumnBuffers, columnPath(name))
	values, _, dls, err := r.pr.ReadColumnByPath(columnPath(name), int64(r.rows))
	if err != nil {
		return nil, fmt.Errorf("columnar: read column %q: %w", name, err)
	}
	out := make([]any, r.rows)
	for i := 0; i < r.rows; i++ {
		if i < len(dls) && dls[i] < 1 {
			continue // null: definition level below the OPTIONAL leaf's max of 1
		}
		if i >= len(values) {
			return nil, fmt.Errorf("columnar: column %q: definition levels outrun decoded values", name)
		}
		out[i] = fromParquetValue(typ, values[i])
	}
	return out, nil
}
