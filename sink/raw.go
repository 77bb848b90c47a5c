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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/klauspost/compress/gzip"

	"github.com/erigontech/chainarchive/chunkwriter"
	"github.com/erigontech/chainarchive/internal/archiveerr"
	"github.com/erigontech/chainarchive/internal/logutil"
	"github.com/erigontech/chainarchive/layout"
)

// RawFileName is the single file a raw-mode chunk directory contains:
// gzip-compressed newline-delimited JSON, one block record per line in the
// chain's native wire form.
const RawFileName = "blocks.jsonl.gz"

// RawBlock is one block handed to a RawSink: its identity for continuity
// validation plus the untouched RPC payload.
type RawBlock struct {
	Number     uint64
	Hash       string
	ParentHash string
	Payload    []byte
}

// RawConfig configures a RawSink.
type RawConfig struct {
	ChunkSizeLimit     datasize.ByteSize // uncompressed; default 128 MiB
	ValidateContinuity bool
}

func (c RawConfig) withDefaults() RawConfig {
	if c.ChunkSizeLimit == 0 {
		c.ChunkSizeLimit = 128 * datasize.MB
	}
	return c
}

// RawSink is the alternative persistence mode: instead of columnar tables
// it writes each chunk as a single blocks.jsonl.gz holding the block
// records exactly as received from the RPC source. It shares the
// chunkwriter publish path with Sink, so raw chunks land in the same
// two-level layout and obey the same atomic-publish protocol.
type RawSink struct {
	cfg    RawConfig
	writer *chunkwriter.Writer
	log    componentLogger

	lines         [][]byte
	buffered      int
	firstBuffered uint64
	lastBuffered  uint64
	lastHash      string
}

// NewRaw builds a RawSink writing through writer.
func NewRaw(writer *chunkwriter.Writer, cfg RawConfig) *RawSink {
	return &RawSink{
		cfg:      cfg.withDefaults(),
		writer:   writer,
		log:      logutil.Component("rawsink"),
		lastHash: writer.LastHash(),
	}
}

// Feed validates continuity (if enabled), buffers the block's raw payload,
// and flushes once the uncompressed buffer crosses the chunk size limit.
func (s *RawSink) Feed(b RawBlock) error {
	if s.cfg.ValidateContinuity && s.lastHash != "" {
		if layout.ShortHash(b.ParentHash) != layout.ShortHash(s.lastHash) {
			return fmt.Errorf("rawsink: block %d parent %s != expected %s: %w",
				b.Number, layout.ShortHash(b.ParentHash), layout.ShortHash(s.lastHash), archiveerr.ErrBrokenChain)
		}
	}
	if len(s.lines) == 0 {
		s.firstBuffered = b.Number
	}
	s.lastBuffered = b.Number
	s.lastHash = b.Hash
	s.lines = append(s.lines, b.Payload)
	s.buffered += len(b.Payload) + 1

	if s.buffered > int(s.cfg.ChunkSizeLimit) {
		return s.Flush()
	}
	return nil
}

// Flush writes the buffered lines into a staged blocks.jsonl.gz and
// publishes the chunk. Compression uses a zeroed modification time so
// identical content always produces byte-identical files.
func (s *RawSink) Flush() error {
	if len(s.lines) == 0 {
		return nil
	}
	first, last, hash := s.firstBuffered, s.lastBuffered, s.lastHash
	lines := s.lines
	s.lines = nil
	s.buffered = 0

	chunk, err := s.writer.NextChunk(first, last, layout.ShortHash(hash))
	if err != nil {
		return fmt.Errorf("rawsink: allocate chunk: %w", err)
	}
	temp := s.writer.TempDir(chunk)
	if err := os.MkdirAll(temp, 0o755); err != nil {
		return fmt.Errorf("rawsink: create temp dir: %w", err)
	}
	if err := writeJSONLGz(filepath.Join(temp, RawFileName), lines); err != nil {
		return err
	}
	if err := s.writer.Publish(chunk, temp); err != nil {
		return err
	}
	s.log.Infow("published raw chunk", "chunk", chunk.Path(), "blocks", len(lines))
	return nil
}

// Close flushes any remaining buffered blocks.
func (s *RawSink) Close() error {
	return s.Flush()
}

func writeJSONLGz(path string, lines [][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rawsink: create %s: %w", path, err)
	}
	zw := gzip.NewWriter(f)
	zw.ModTime = time.Unix(0, 0).UTC()
	for _, line := range lines {
		if _, err := zw.Write(line); err != nil {
			f.Close()
			return fmt.Errorf("rawsink: write %s: %w", path, err)
		}
		if _, err := zw.Write([]byte{'\n'}); err != nil {
			f.Close()
			return fmt.Errorf("rawsink: write %s: %w", path, err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("rawsink: finalize %s: %w", path, err)
	}
	return f.Close()
}
