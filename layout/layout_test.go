package layout

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func fakeFS(dirs ...string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for _, d := range dirs {
		fsys[d+"/blocks.bin"] = &fstest.MapFile{Data: []byte("x")}
	}
	return fsys
}

func TestDirNameAndPath(t *testing.T) {
	c := Chunk{Top: 0, FirstBlock: 17881390, LastBlock: 17882786, HashShort: "a1b2c3d4"}
	require.Equal(t, "0017881390-0017882786-a1b2c3d4", c.DirName())
	require.Equal(t, "0000000000/0017881390-0017882786-a1b2c3d4", c.Path())
}

func TestShortHash(t *testing.T) {
	require.Equal(t, "ddf252ad", ShortHash("0xDDF252AD1be2c89b69c2b068fc378daa952ba7f"))
	require.Equal(t, "ddf252ad", ShortHash("ddf252ad1be2c89b69c2b068fc378daa952ba7f"))
}

func TestGetChunksRangeSkipping(t *testing.T) {
	fsys := fakeFS(
		"0000000000/0000000000-0000000099-aaaaaaaa",
		"0000000000/0000000100-0000000199-bbbbbbbb",
		"0000000200/0000000200-0000000299-cccccccc",
	)
	chunks, err := GetChunks(fsys, ".", 50, 250)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Equal(t, uint64(0), chunks[0].FirstBlock)
	require.Equal(t, uint64(200), chunks[2].FirstBlock)
}

func TestGetChunksSingleBlock(t *testing.T) {
	fsys := fakeFS(
		"0000000000/0000000000-0000000099-aaaaaaaa",
		"0000000100/0000000100-0000000199-bbbbbbbb",
	)
	chunks, err := GetChunks(fsys, ".", 100, 100)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, uint64(100), chunks[0].FirstBlock)
}

func TestGetChunksReversed(t *testing.T) {
	fsys := fakeFS(
		"0000000000/0000000000-0000000099-aaaaaaaa",
		"0000000100/0000000100-0000000199-bbbbbbbb",
	)
	chunks, err := GetChunksReversed(fsys, ".", 0, 199)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, uint64(100), chunks[0].FirstBlock)
	require.Equal(t, uint64(0), chunks[1].FirstBlock)
}

func TestValidateDetectsOverlap(t *testing.T) {
	fsys := fakeFS(
		"0000000000/0000000000-0000000100-aaaaaaaa",
		"0000000000/0000000090-0000000150-bbbbbbbb",
	)
	require.Error(t, Validate(fsys, "."))
}

func TestValidateDetectsCrossTopOverlap(t *testing.T) {
	fsys := fakeFS(
		"0000000000/0000000000-0000000250-aaaaaaaa",
		"0000000200/0000000200-0000000299-bbbbbbbb",
	)
	require.Error(t, Validate(fsys, "."))
}

func TestValidateClean(t *testing.T) {
	fsys := fakeFS(
		"0000000000/0000000000-0000000099-aaaaaaaa",
		"0000000000/0000000100-0000000199-bbbbbbbb",
		"0000000200/0000000200-0000000299-cccccccc",
	)
	require.NoError(t, Validate(fsys, "."))
}

func TestValidateIgnoresForeignFiles(t *testing.T) {
	fsys := fakeFS("0000000000/0000000000-0000000099-aaaaaaaa")
	fsys["0000000000/temp-12345-tmp"] = &fstest.MapFile{Data: []byte("x")}
	fsys["README.md"] = &fstest.MapFile{Data: []byte("x")}
	require.NoError(t, Validate(fsys, "."))
}
