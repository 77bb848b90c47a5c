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

// Package table implements the column-buffer builders that accumulate
// typed block-record values before the sink sorts and writes them out as
// columnar files. A Column freezes its tail into a frozen sub-array
// every chunkSize rows, the way erigon's etl collector batches keys into
// sorted runs before a final merge, rather than growing one unbounded
// slice per column.
package table

import "fmt"

// Type enumerates the columnar value kinds a Column can hold. Widths are
// chosen to be the minimum sufficient for the source field.
type Type int

const (
	TypeInt32 Type = iota
	TypeInt64
	TypeUint64
	TypeFloat64
	TypeBool
	TypeString
	// TypeBigIntText holds string-encoded big integers (values exceeding
	// 2^53, or hex-quantities not parsed because the destination is
	// non-integer) so JSON projection can keep full precision as text.
	TypeBigIntText
	// TypeFixedPoint holds a decimal-scaled token quantity backed by
	// uint256.
	TypeFixedPoint
	// TypeStringList holds a variable-length list of strings (e.g. a
	// trace's traceAddress path, a log's topics).
	TypeStringList
)

func (t Type) String() string {
	switch t {
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeUint64:
		return "uint64"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeBigIntText:
		return "bigint_text"
	case TypeFixedPoint:
		return "fixed_point"
	case TypeStringList:
		return "string_list"
	default:
		return "unknown"
	}
}

// defaultChunkSize is the in-memory sub-array size a Column freezes its
// tail at.
const defaultChunkSize = 1000

// Column is a typed append-only buffer: a list of frozen sub-arrays plus a
// pending tail.
type Column struct {
	Name      string
	Typ       Type
	chunkSize int
	frozen    [][]any
	tail      []any
}

// NewColumn builds a Column with the given in-memory chunk size (rows per
// frozen sub-array); chunkSize <= 0 uses defaultChunkSize.
func NewColumn(name string, typ Type, chunkSize int) *Column {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Column{Name: name, Typ: typ, chunkSize: chunkSize}
}

// Append pushes v onto the tail, freezing it once it reaches chunkSize. A
// nil v represents SQL-null: absent optional
// fields and absent rows of a non-applicable type variant both append nil.
func (c *Column) Append(v any) {
	c.tail = append(c.tail, v)
	if len(c.tail) >= c.chunkSize {
		c.freezeTail()
	}
}

func (c *Column) freezeTail() {
	if len(c.tail) == 0 {
		return
	}
	c.frozen = append(c.frozen, c.tail)
	c.tail = nil
}

// Build freezes any pending tail and returns the full concatenated column,
// in append order. The returned slice is owned by the caller; Build does
// not reset the column.
func (c *Column) Build() []any {
	c.freezeTail()
	total := 0
	for _, f := range c.frozen {
		total += len(f)
	}
	out := make([]any, 0, total)
	for _, f := range c.frozen {
		out = append(out, f...)
	}
	return out
}

// Len returns the number of rows appended so far, frozen or pending.
func (c *Column) Len() int {
	n := len(c.tail)
	for _, f := range c.frozen {
		n += len(f)
	}
	return n
}

// ByteSize sums an estimate of the in-memory byte size of every value
// appended, used to decide when the sink should flush.
func (c *Column) ByteSize() int {
	size := 0
	walk := func(v any) { size += valueByteSize(c.Typ, v) }
	for _, f := range c.frozen {
		for _, v := range f {
			walk(v)
		}
	}
	for _, v := range c.tail {
		walk(v)
	}
	return size
}

func valueByteSize(t Type, v any) int {
	if v == nil {
		return 1 // null marker
	}
	switch t {
	case TypeInt32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8
	case TypeBool:
		return 1
	case TypeString, TypeBigIntText, TypeFixedPoint:
		if s, ok := v.(string); ok {
			return len(s)
		}
		return 8
	case TypeStringList:
		if xs, ok := v.([]string); ok {
			n := 0
			for _, s := range xs {
				n += len(s)
			}
			return n
		}
		return 0
	default:
		return 8
	}
}

// Reset clears all frozen sub-arrays and the tail, returning the Column to
// its just-built state for the next chunk.
func (c *Column) Reset() {
	c.frozen = nil
	c.tail = nil
}

// ColumnDef declares one column of a table Schema.
type ColumnDef struct {
	Name string
	Typ  Type
}

// Weight describes a column's contribution to a row's estimated response
// size: either a constant per-row byte cost, or
// the name of an auxiliary *_size column holding the per-row byte count.
type Weight struct {
	Constant   int
	SizeColumn string
}

// Schema is the fixed, per-entity column layout: its columns, the
// primary key tuple, the sort key, and the weight map used by the query
// planner's size budgeting.
type Schema struct {
	Name       string
	Columns    []ColumnDef
	PrimaryKey []string
	SortKey    []string
	Weights    map[string]Weight
	// HasIdx requests a dense _idx column assigning monotonic row
	// positions inside the chunk.
	HasIdx bool
}

// Builder accumulates rows for one Schema across a stream of blocks,
// a struct of column buffers.
type Builder struct {
	Schema  Schema
	columns map[string]*Column
	rows    int
}

// NewBuilder constructs a Builder with one Column per schema column, each
// sized at chunkSize rows (0 uses defaultChunkSize).
func NewBuilder(schema Schema, chunkSize int) *Builder {
	b := &Builder{Schema: schema, columns: make(map[string]*Column, len(schema.Columns))}
	for _, col := range schema.Columns {
		b.columns[col.Name] = NewColumn(col.Name, col.Typ, chunkSize)
	}
	return b
}

// AppendRow appends one row's values, keyed by column name. Columns absent
// from values append nil. Unknown keys in
// values are rejected so a typo in a caller's field map surfaces early.
func (b *Builder) AppendRow(values map[string]any) error {
	for name := range values {
		if _, ok := b.columns[name]; !ok {
			return fmt.Errorf("table %s: unknown column %q", b.Schema.Name, name)
		}
	}
	for _, col := range b.Schema.Columns {
		b.columns[col.Name].Append(values[col.Name])
	}
	b.rows++
	return nil
}

// Rows returns the number of rows appended so far.
func (b *Builder) Rows() int { return b.rows }

// ByteSize sums every column's in-memory byte size estimate, the figure
// the sink compares against chunk_size_MB to decide when to flush.
func (b *Builder) ByteSize() int {
	total := 0
	for _, col := range b.columns {
		total += col.ByteSize()
	}
	return total
}

// Column returns the named column buffer, or nil if the schema has none.
func (b *Builder) Column(name string) *Column { return b.columns[name] }

// Reset clears every column, returning the Builder to its empty state.
func (b *Builder) Reset() {
	for _, col := range b.columns {
		col.Reset()
	}
	b.rows = 0
}

// Build freezes every column and returns a Frame: the schema plus each
// column's fully concatenated values, ready for sort/aux-column transforms
// and columnar file writing.
func (b *Builder) Build() *Frame {
	f := &Frame{Schema: b.Schema, Rows: b.rows, Columns: make(map[string][]any, len(b.columns))}
	for name, col := range b.columns {
		f.Columns[name] = col.Build()
	}
	return f
}

// Frame is a fully-materialized, not-yet-sorted table snapshot: one
// concatenated slice per column, all the same length (Rows).
type Frame struct {
	Schema  Schema
	Rows    int
	Columns map[string][]any
}
