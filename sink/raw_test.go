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

package sink

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/chainarchive/chunkwriter"
)

func TestRawSinkPublishesJSONLChunk(t *testing.T) {
	root := t.TempDir()
	w, err := chunkwriter.Open(root, 100, 199, 10, alwaysComplete)
	require.NoError(t, err)

	s := NewRaw(w, RawConfig{ValidateContinuity: true})
	require.NoError(t, s.Feed(RawBlock{
		Number: 100, Hash: "0xaaaa0001",
		Payload: []byte(`{"number":"0x64","hash":"0xaaaa0001"}`),
	}))
	require.NoError(t, s.Feed(RawBlock{
		Number: 101, Hash: "0xaaaa0002", ParentHash: "0xaaaa0001",
		Payload: []byte(`{"number":"0x65","hash":"0xaaaa0002"}`),
	}))
	require.NoError(t, s.Close())

	path := filepath.Join(root, "0000000100", "0000000100-0000000101-aaaa0002", RawFileName)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	content, err := io.ReadAll(zr)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimRight(content, "\n"), []byte{'\n'})
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"0xaaaa0001"`)
	assert.Contains(t, string(lines[1]), `"0xaaaa0002"`)
}

func TestRawSinkRejectsBrokenChain(t *testing.T) {
	root := t.TempDir()
	w, err := chunkwriter.Open(root, 100, 199, 10, alwaysComplete)
	require.NoError(t, err)

	s := NewRaw(w, RawConfig{ValidateContinuity: true})
	require.NoError(t, s.Feed(RawBlock{Number: 100, Hash: "0xaaaa0001", Payload: []byte(`{}`)}))
	err = s.Feed(RawBlock{Number: 101, Hash: "0xaaaa0002", ParentHash: "0xdeadbeef", Payload: []byte(`{}`)})
	assert.Error(t, err)
}
