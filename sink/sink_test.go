package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/chainarchive/chunkwriter"
	"github.com/erigontech/chainarchive/columnar"
	"github.com/erigontech/chainarchive/table"
)

func alwaysComplete(string) bool { return true }

func TestFeedAndFlushPublishesChunk(t *testing.T) {
	root := t.TempDir()
	w, err := chunkwriter.Open(root, 100, 199, 10, alwaysComplete)
	require.NoError(t, err)

	schema := table.Schema{
		Name:    "blocks",
		Columns: []table.ColumnDef{{Name: "number", Typ: table.TypeUint64}, {Name: "hash", Typ: table.TypeString}, {Name: "data", Typ: table.TypeString}},
		SortKey: []string{"number"},
		Weights: map[string]table.Weight{"data": {SizeColumn: "data_size"}},
		HasIdx:  true,
	}
	s := New(w, Config{
		Root:               root,
		ValidateContinuity: true,
		Tables: map[string]TableSpec{
			"blocks": {Schema: schema, Options: columnar.WriteOptions{DictColumns: map[string]bool{"hash": true}}},
		},
	})

	require.NoError(t, s.Feed(Block{
		Number: 100, Hash: "0xaaaa0001", ParentHash: "",
		Rows: map[string][]map[string]any{
			"blocks": {{"number": uint64(100), "hash": "0xaaaa0001", "data": "hello"}},
		},
	}))
	require.NoError(t, s.Feed(Block{
		Number: 101, Hash: "0xaaaa0002", ParentHash: "0xaaaa0001",
		Rows: map[string][]map[string]any{
			"blocks": {{"number": uint64(101), "hash": "0xaaaa0002", "data": "world"}},
		},
	}))
	require.NoError(t, s.Close())

	chunkPath := filepath.Join(root, "0000000100", "0000000100-0000000101-aaaa0002")
	_, err = os.Stat(filepath.Join(chunkPath, "blocks.parquet"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(chunkPath, "metadata.json"))
	assert.NoError(t, err)
}

func TestFeedRejectsBrokenChain(t *testing.T) {
	root := t.TempDir()
	w, err := chunkwriter.Open(root, 100, 199, 10, alwaysComplete)
	require.NoError(t, err)

	schema := table.Schema{
		Name:    "blocks",
		Columns: []table.ColumnDef{{Name: "number", Typ: table.TypeUint64}, {Name: "hash", Typ: table.TypeString}},
	}
	s := New(w, Config{Root: root, ValidateContinuity: true, Tables: map[string]TableSpec{
		"blocks": {Schema: schema},
	}})

	require.NoError(t, s.Feed(Block{
		Number: 100, Hash: "0xaaaa0001",
		Rows: map[string][]map[string]any{"blocks": {{"number": uint64(100), "hash": "0xaaaa0001"}}},
	}))
	err = s.Feed(Block{
		Number: 101, Hash: "0xaaaa0002", ParentHash: "0xdeadbeef",
		Rows: map[string][]map[string]any{"blocks": {{"number": uint64(101), "hash": "0xaaaa0002"}}},
	})
	assert.Error(t, err)
	require.NoError(t, s.Close())
}

func TestSortFrameOrdersBySortKey(t *testing.T) {
	frame := &table.Frame{
		Rows: 3,
		Columns: map[string][]any{
			"number": {uint64(3), uint64(1), uint64(2)},
			"hash":   {"c", "a", "b"},
		},
	}
	sortFrame(frame, []string{"number"})
	assert.Equal(t, []any{uint64(1), uint64(2), uint64(3)}, frame.Columns["number"])
	assert.Equal(t, []any{"a", "b", "c"}, frame.Columns["hash"])
}

func TestApplyTransformsAddsAuxColumns(t *testing.T) {
	schema := table.Schema{
		Columns: []table.ColumnDef{{Name: "data", Typ: table.TypeString}},
		Weights: map[string]table.Weight{"data": {SizeColumn: "data_size"}},
		HasIdx:  true,
	}
	frame := &table.Frame{Rows: 2, Columns: map[string][]any{"data": {"ab", "abcd"}}}
	applyTransforms(frame, schema)
	assert.Equal(t, []any{int32(2), int32(4)}, frame.Columns["data_size"])
	assert.Equal(t, []any{int32(0), int32(1)}, frame.Columns["_idx"])
}
