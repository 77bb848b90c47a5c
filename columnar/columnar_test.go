package columnar

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/chainarchive/internal/archiveerr"
	"github.com/erigontech/chainarchive/table"
)

func buildSchema() table.Schema {
	return table.Schema{
		Columns: []table.ColumnDef{
			{Name: "block_number", Typ: table.TypeUint64},
			{Name: "address", Typ: table.TypeString},
			{Name: "data", Typ: table.TypeString},
			{Name: "idx", Typ: table.TypeInt32},
		},
	}
}

func buildFrame(t *testing.T, schema table.Schema) *table.Frame {
	b := table.NewBuilder(schema, 1000)
	rows := []map[string]any{
		{"block_number": uint64(10), "address": "0xaa", "data": "hello", "idx": int32(0)},
		{"block_number": uint64(11), "address": "0xaa", "data": nil, "idx": int32(1)},
		{"block_number": uint64(12), "address": "0xbb", "data": "world", "idx": int32(2)},
	}
	for _, r := range rows {
		require.NoError(t, b.AppendRow(r))
	}
	return b.Build()
}

func TestWriteReadRoundTrip(t *testing.T) {
	schema := buildSchema()
	frame := buildFrame(t, schema)

	path := filepath.Join(t.TempDir(), "blocks.parquet")
	opts := WriteOptions{DictColumns: map[string]bool{"address": true}}
	require.NoError(t, WriteFrame(path, frame, opts))

	r, err := Open(path, schema)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 3, r.Rows())
	assert.True(t, r.HasColumn("address"))
	assert.False(t, r.HasColumn("nonexistent"))

	bn, err := r.ReadColumn("block_number")
	require.NoError(t, err)
	assert.Equal(t, []any{uint64(10), uint64(11), uint64(12)}, bn)

	addr, err := r.ReadColumn("address")
	require.NoError(t, err)
	assert.Equal(t, []any{"0xaa", "0xaa", "0xbb"}, addr)

	data, err := r.ReadColumn("data")
	require.NoError(t, err)
	assert.Equal(t, []any{"hello", nil, "world"}, data)
}

func TestReadMissingColumnIsMissingData(t *testing.T) {
	schema := buildSchema()
	frame := buildFrame(t, schema)

	path := filepath.Join(t.TempDir(), "blocks.parquet")
	require.NoError(t, WriteFrame(path, frame, WriteOptions{}))

	r, err := Open(path, schema)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ReadColumn("nope")
	require.ErrorIs(t, err, archiveerr.ErrMissingData)
}
