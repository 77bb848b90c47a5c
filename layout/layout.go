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

// Package layout encodes and decodes the two-level chunk directory
// hierarchy (<top>/<first>-<last>-<hash>/) and enumerates/validates it over
// any fs.FS-backed blob store, the way erigon's snapshotsync package parses
// and validates its own <from>-<to>-<kind>.seg naming.
package layout

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"

	"github.com/erigontech/chainarchive/internal/archiveerr"
)

const (
	topWidth   = 10
	blockWidth = 10
)

var (
	topRe   = regexp.MustCompile(`^\d{10}$`)
	chunkRe = regexp.MustCompile(`^(\d{10})-(\d{10})-([0-9a-fA-F]{8})$`)
)

// Chunk identifies one persisted chunk directory.
type Chunk struct {
	Top        uint64
	FirstBlock uint64
	LastBlock  uint64
	// HashShort is the first 4 bytes of the hex-encoded content hash of the
	// chunk's last block, stored as an 8-char lowercase hex string.
	HashShort string
}

// DirName returns "<first>-<last>-<hash>", block numbers zero-padded to
// ten digits.
func (c Chunk) DirName() string {
	return fmt.Sprintf("%0*d-%0*d-%s", blockWidth, c.FirstBlock, blockWidth, c.LastBlock, c.HashShort)
}

// Path returns "<top>/<first>-<last>-<hash>".
func (c Chunk) Path() string {
	return fmt.Sprintf("%0*d/%s", topWidth, c.Top, c.DirName())
}

// ShortHash truncates a hex-encoded content hash (with or without a leading
// "0x") to its first 4 bytes (8 hex chars), lower-cased.
func ShortHash(hexHash string) string {
	h := hexHash
	if len(h) >= 2 && h[0] == '0' && (h[1] == 'x' || h[1] == 'X') {
		h = h[2:]
	}
	if len(h) > 8 {
		h = h[:8]
	}
	out := make([]byte, len(h))
	for i := 0; i < len(h); i++ {
		c := h[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// ListTops returns the ordered list of top-level directory numbers present
// under root. Names not matching \d{10} are ignored (forward-compatible
// with sibling files like tmp uploads).
func ListTops(fsys fs.FS, root string) ([]uint64, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("list tops: %w", err)
	}
	var tops []uint64
	for _, e := range entries {
		if !e.IsDir() || !topRe.MatchString(e.Name()) {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		tops = append(tops, n)
	}
	sort.Slice(tops, func(i, j int) bool { return tops[i] < tops[j] })
	return tops, nil
}

// TopRange is one parsed chunk directory name under a top dir.
type TopRange struct {
	First, Last uint64
	Hash        string
}

// ListTopRanges returns the ordered chunk ranges directly under
// root/<top>, ignoring any entry whose name doesn't parse as a chunk dir.
func ListTopRanges(fsys fs.FS, root string, top uint64) ([]TopRange, error) {
	dir := path.Join(root, fmt.Sprintf("%0*d", topWidth, top))
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("list top ranges: %w", err)
	}
	var ranges []TopRange
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := chunkRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		first, _ := strconv.ParseUint(m[1], 10, 64)
		last, _ := strconv.ParseUint(m[2], 10, 64)
		ranges = append(ranges, TopRange{First: first, Last: last, Hash: m[3]})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].First < ranges[j].First })
	return ranges, nil
}

// GetChunks iterates chunks with FirstBlock <= last and LastBlock >= first,
// ascending, skipping top dirs strictly past last and ranges strictly
// before first, and stopping once it has passed last.
func GetChunks(fsys fs.FS, root string, first, last uint64) ([]Chunk, error) {
	tops, err := ListTops(fsys, root)
	if err != nil {
		return nil, err
	}
	var out []Chunk
	for _, top := range tops {
		if top > last {
			break
		}
		ranges, err := ListTopRanges(fsys, root, top)
		if err != nil {
			return nil, err
		}
		for _, r := range ranges {
			if r.Last < first {
				continue
			}
			if r.First > last {
				return out, nil
			}
			out = append(out, Chunk{Top: top, FirstBlock: r.First, LastBlock: r.Last, HashShort: r.Hash})
		}
	}
	return out, nil
}

// GetChunksReversed is GetChunks in descending order, used by writer
// startup recovery to find the current tail.
func GetChunksReversed(fsys fs.FS, root string, first, last uint64) ([]Chunk, error) {
	fwd, err := GetChunks(fsys, root, first, last)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(fwd)-1; i < j; i, j = i+1, j-1 {
		fwd[i], fwd[j] = fwd[j], fwd[i]
	}
	return fwd, nil
}

// Validate enforces the layout invariants across the whole dataset:
//   - first_block <= last_block for every chunk
//   - first_block >= top for every chunk
//   - no two chunks under the same top overlap or touch
//   - for consecutive tops t1 < t2, every chunk under t1 ends before t2
func Validate(fsys fs.FS, root string) error {
	tops, err := ListTops(fsys, root)
	if err != nil {
		return err
	}
	var prevTopLastMax uint64
	havePrevTop := false
	for _, top := range tops {
		ranges, err := ListTopRanges(fsys, root, top)
		if err != nil {
			return err
		}
		var prevLast uint64
		havePrev := false
		var topMaxLast uint64
		for _, r := range ranges {
			if r.First > r.Last {
				return fmt.Errorf("%w: chunk %d-%d has first > last", archiveerr.ErrLayoutConflict, r.First, r.Last)
			}
			if r.First < top {
				return fmt.Errorf("%w: chunk %d-%d starts before its top dir %d", archiveerr.ErrLayoutConflict, r.First, r.Last, top)
			}
			if havePrev && prevLast >= r.First {
				return fmt.Errorf("%w: chunk starting at %d overlaps previous chunk ending at %d", archiveerr.ErrLayoutConflict, r.First, prevLast)
			}
			prevLast = r.Last
			havePrev = true
			if r.Last > topMaxLast {
				topMaxLast = r.Last
			}
		}
		if havePrevTop && len(ranges) > 0 && prevTopLastMax >= top {
			return fmt.Errorf("%w: chunks under top %d extend into top %d", archiveerr.ErrLayoutConflict, prevTopLastMax, top)
		}
		if len(ranges) > 0 {
			prevTopLastMax = topMaxLast
			havePrevTop = true
		}
	}
	return nil
}
