package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return Schema{
		Name:       "logs",
		Columns:    []ColumnDef{{Name: "block_number", Typ: TypeUint64}, {Name: "address", Typ: TypeString}, {Name: "data", Typ: TypeString}},
		PrimaryKey: []string{"block_number", "log_index"},
		SortKey:    []string{"address", "block_number"},
		Weights:    map[string]Weight{"data": {SizeColumn: "data_size"}},
	}
}

func TestBuilderAppendAndBuild(t *testing.T) {
	b := NewBuilder(testSchema(), 2)
	require.NoError(t, b.AppendRow(map[string]any{"block_number": uint64(1), "address": "0xaa", "data": "hello"}))
	require.NoError(t, b.AppendRow(map[string]any{"block_number": uint64(2), "address": "0xbb"}))
	require.Equal(t, 2, b.Rows())

	frame := b.Build()
	assert.Equal(t, 2, frame.Rows)
	assert.Equal(t, []any{uint64(1), uint64(2)}, frame.Columns["block_number"])
	assert.Equal(t, []any{"hello", nil}, frame.Columns["data"])
}

func TestBuilderRejectsUnknownColumn(t *testing.T) {
	b := NewBuilder(testSchema(), 2)
	err := b.AppendRow(map[string]any{"nope": 1})
	require.Error(t, err)
}

func TestColumnFreezesAtChunkSize(t *testing.T) {
	c := NewColumn("x", TypeInt32, 2)
	c.Append(1)
	c.Append(2)
	c.Append(3)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []any{1, 2, 3}, c.Build())
}

func TestByteSizeCountsNullAsOne(t *testing.T) {
	c := NewColumn("s", TypeString, 10)
	c.Append("abcd")
	c.Append(nil)
	assert.Equal(t, 5, c.ByteSize())
}

func TestResetClearsState(t *testing.T) {
	b := NewBuilder(testSchema(), 10)
	require.NoError(t, b.AppendRow(map[string]any{"block_number": uint64(1)}))
	b.Reset()
	assert.Equal(t, 0, b.Rows())
	assert.Equal(t, 0, b.Column("block_number").Len())
}

func TestParseHexQuantity(t *testing.T) {
	v, ok := ParseHexQuantity("0x10")
	require.True(t, ok)
	assert.Equal(t, uint64(16), v)

	_, ok = ParseHexQuantity("not-hex")
	assert.False(t, ok)
}

func TestExceedsSafeInteger(t *testing.T) {
	assert.False(t, ExceedsSafeInteger(1<<52))
	assert.True(t, ExceedsSafeInteger(1<<54))
}

func TestParseFixedPoint(t *testing.T) {
	n, ok := ParseFixedPoint("0x1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), n.Uint64())

	n, ok = ParseFixedPoint("12345")
	require.True(t, ok)
	assert.Equal(t, uint64(12345), n.Uint64())
}
