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

// Package chunkwriter is the sole writer for one contiguous block range of
// an archive: it recovers the current tail of published chunks on
// startup, decides when to roll a new top directory, and publishes new
// chunks atomically via temp-dir-then-rename.
package chunkwriter

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/erigontech/chainarchive/internal/archiveerr"
	"github.com/erigontech/chainarchive/internal/logutil"
	"github.com/erigontech/chainarchive/layout"
)

// CheckFunc reports whether dirPath contains a complete chunk, typically
// by the presence of the primary table file (e.g. "blocks.parquet").
type CheckFunc func(dirPath string) bool

// DataChunk is the value returned by NextChunk: the range and top the
// caller should write its columnar files under.
type DataChunk struct {
	First, Last uint64
	Hash        string
	Top         uint64
}

// Path returns the chunk's final directory path relative to the writer's
// root, "<top>/<first>-<last>-<hash>".
func (d DataChunk) Path() string {
	return layout.Chunk{Top: d.Top, FirstBlock: d.First, LastBlock: d.Last, HashShort: d.Hash}.Path()
}

// Writer is the sole owner of a (root, [firstBlock, lastBlock]) range. It
// holds a sliding view of the tail: the current top and the ranges
// published under it.
type Writer struct {
	root                   string
	firstBlock, lastBlock  uint64
	topDirSize             int
	checkFn                CheckFunc
	fileLock               *flock.Flock
	log                    componentLogger

	mu     sync.Mutex
	top    uint64
	ranges []layout.TopRange
}

// componentLogger aliases the logutil sugared logger type so this file doesn't
// need a direct go.uber.org/zap import just to name the field type.
type componentLogger = interface {
	Debugw(string, ...any)
	Infow(string, ...any)
	Warnw(string, ...any)
}

// Open recovers the writer's tail state under root for the logical range
// [firstBlock, lastBlock] and acquires an exclusive file lock for that
// range so no other process can open a writer over the same range. The lock
// file is keyed by the exact (firstBlock, lastBlock) pair; a writer over a
// different, overlapping range takes a different lock file.
// topDirSize <= 0 uses a default of 4096 ranges per top.
func Open(root string, firstBlock, lastBlock uint64, topDirSize int, checkFn CheckFunc) (*Writer, error) {
	if topDirSize <= 0 {
		topDirSize = 4096
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("chunkwriter: create root: %w", err)
	}

	lockPath := filepath.Join(root, fmt.Sprintf(".writer-%020d-%020d.lock", firstBlock, lastBlock))
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("chunkwriter: acquire range lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("chunkwriter: range [%d,%d] already owned: %w", firstBlock, lastBlock, archiveerr.ErrLayoutConflict)
	}

	w := &Writer{
		root: root, firstBlock: firstBlock, lastBlock: lastBlock,
		topDirSize: topDirSize, checkFn: checkFn, fileLock: fl,
		log: logutil.Component("writer"),
	}
	if err := w.recover(); err != nil {
		fl.Unlock()
		return nil, err
	}
	return w, nil
}

// recover rebuilds the writer's tail state: enumerate forward to verify
// range ownership, enumerate reverse to find the tail, and delete any
// incomplete tail chunk left by a prior crash before seeding top/ranges.
func (w *Writer) recover() error {
	fsys := os.DirFS(w.root)

	fwd, err := layout.GetChunks(fsys, ".", w.firstBlock, math.MaxUint64)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("chunkwriter: enumerate forward: %w", err)
	}
	if len(fwd) > 0 && fwd[0].FirstBlock != w.firstBlock {
		return fmt.Errorf("chunkwriter: existing chunk at %d does not start at writer's first_block %d: %w",
			fwd[0].FirstBlock, w.firstBlock, archiveerr.ErrLayoutConflict)
	}

	for {
		rev, err := layout.GetChunksReversed(fsys, ".", w.firstBlock, w.lastBlock)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("chunkwriter: enumerate reverse: %w", err)
		}
		if len(rev) == 0 {
			w.top = w.firstBlock
			w.ranges = nil
			return nil
		}
		tail := rev[0]
		if tail.LastBlock > w.lastBlock {
			return fmt.Errorf("chunkwriter: tail chunk ends at %d past writer's last_block %d: %w",
				tail.LastBlock, w.lastBlock, archiveerr.ErrLayoutConflict)
		}
		dirPath := filepath.Join(w.root, tail.Path())
		if w.checkFn != nil && !w.checkFn(dirPath) {
			w.log.Warnw("removing incomplete tail chunk", "path", dirPath)
			if err := os.RemoveAll(dirPath); err != nil {
				return fmt.Errorf("chunkwriter: remove incomplete tail %s: %w", dirPath, err)
			}
			continue
		}
		return w.seedFromTail(tail.Top)
	}
}

func (w *Writer) seedFromTail(top uint64) error {
	fsys := os.DirFS(w.root)
	ranges, err := layout.ListTopRanges(fsys, ".", top)
	if err != nil {
		return fmt.Errorf("chunkwriter: list top ranges for %d: %w", top, err)
	}
	w.top = top
	w.ranges = ranges
	return nil
}

// NextBlock returns one past the last published range's end, or the
// configured first_block if no ranges exist yet.
func (w *Writer) NextBlock() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.ranges) == 0 {
		return w.firstBlock
	}
	return w.ranges[len(w.ranges)-1].Last + 1
}

// LastHash returns the hash of the last published range, or "" if none.
func (w *Writer) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.ranges) == 0 {
		return ""
	}
	return w.ranges[len(w.ranges)-1].Hash
}

// NextChunk validates next_block <= first <= last <= last_block, decides
// whether to roll a new top directory, and returns the DataChunk the
// caller should write its files under.
func (w *Writer) NextChunk(first, last uint64, hash string) (DataChunk, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	nextBlock := w.firstBlock
	if len(w.ranges) > 0 {
		nextBlock = w.ranges[len(w.ranges)-1].Last + 1
	}
	if !(nextBlock <= first && first <= last && last <= w.lastBlock) {
		return DataChunk{}, fmt.Errorf("chunkwriter: invalid chunk bounds [%d,%d]: want next_block(%d) <= first <= last <= last_block(%d)",
			first, last, nextBlock, w.lastBlock)
	}

	if len(w.ranges) >= w.topDirSize && last != w.lastBlock {
		w.top = first
		w.ranges = nil
	}
	w.ranges = append(w.ranges, layout.TopRange{First: first, Last: last, Hash: hash})
	return DataChunk{First: first, Last: last, Hash: hash, Top: w.top}, nil
}

// TempDir returns the temp sibling directory name a caller should write
// chunk files into before calling Publish: "temp-<epoch-ms>-<basename>".
func (w *Writer) TempDir(chunk DataChunk) string {
	topDir := filepath.Join(w.root, fmt.Sprintf("%010d", chunk.Top))
	base := chunk.Path()[len(fmt.Sprintf("%010d/", chunk.Top)):]
	return filepath.Join(topDir, fmt.Sprintf("temp-%d-%s", time.Now().UnixMilli(), base))
}

// Publish renames tempDir to chunk's final path, making it visible
// atomically to any reader; a chunk is either fully visible or absent.
func (w *Writer) Publish(chunk DataChunk, tempDir string) error {
	final := filepath.Join(w.root, chunk.Path())
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("chunkwriter: create top dir: %w", err)
	}
	if err := os.Rename(tempDir, final); err != nil {
		return fmt.Errorf("chunkwriter: publish chunk %s: %w", final, err)
	}
	return nil
}

// Close releases the writer's range lock.
func (w *Writer) Close() error {
	return w.fileLock.Unlock()
}
