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

// Package sink orchestrates persistence of a stream of blocks into
// successive chunks: it drives the table builders, sorts and
// dictionary/aux-column-transforms each table before write, and hands the
// staged files to chunkwriter for atomic publish. Table files are written
// by the goroutine calling Flush; the publish rename runs on one
// dedicated goroutine per Sink so publishes stay strictly ordered, the way
// erigon's snapshot merger serializes .seg file promotion.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/c2h5oh/datasize"
	goccyjson "github.com/goccy/go-json"

	"github.com/erigontech/chainarchive/chunkwriter"
	"github.com/erigontech/chainarchive/columnar"
	"github.com/erigontech/chainarchive/internal/archiveerr"
	"github.com/erigontech/chainarchive/internal/logutil"
	"github.com/erigontech/chainarchive/layout"
	"github.com/erigontech/chainarchive/table"
)

// Block is one ingested block record handed to the sink: its identity for
// continuity validation, plus the already-decoded rows for every table the
// chain-specific adapter populated.
type Block struct {
	Number     uint64
	Hash       string
	ParentHash string
	// Rows maps table name to the rows extracted from this block, each row
	// a column-name-to-value map ready for table.Builder.AppendRow.
	Rows map[string][]map[string]any
}

// TableSpec pairs a table's Schema with the write-time options (dictionary
// columns) the sink passes through to columnar.WriteFrame.
type TableSpec struct {
	Schema  table.Schema
	Options columnar.WriteOptions
	// Required marks tables every chunk must carry (blocks always;
	// transactions whenever the chain has them). A required
	// table missing from a flush is still written (possibly empty); only
	// the query executor's read-side treats a genuinely absent file as
	// missing data.
	Required bool
}

// Config configures one Sink instance.
type Config struct {
	Root                string
	Tables              map[string]TableSpec
	ChunkSizeLimit      datasize.ByteSize // default 128 MiB
	TopDirSize          int
	ValidateContinuity  bool
	InMemoryColumnChunk int // rows per in-memory Column sub-array
}

func (c Config) withDefaults() Config {
	if c.ChunkSizeLimit == 0 {
		c.ChunkSizeLimit = 128 * datasize.MB
	}
	if c.TopDirSize == 0 {
		c.TopDirSize = 4096
	}
	return c
}

// publishJob is one flush's staged temp directory awaiting rename.
type publishJob struct {
	chunk   chunkwriter.DataChunk
	tempDir string
	done    chan error
}

// Sink buffers rows into per-table builders and flushes them into
// successive chunks via a chunkwriter.Writer.
type Sink struct {
	cfg      Config
	writer   *chunkwriter.Writer
	builders map[string]*table.Builder
	log      componentLogger

	mu            sync.Mutex
	firstBuffered uint64
	lastBuffered  uint64
	haveBuffered  bool
	lastHash      string

	publishCh chan publishJob
	publishWG sync.WaitGroup
}

// componentLogger names the sugared-logger shape Component() returns,
// avoiding a direct zap import here purely for the field type.
type componentLogger interface {
	Debugw(string, ...any)
	Infow(string, ...any)
	Warnw(string, ...any)
}

// New builds a Sink writing through writer, whose tail state seeds
// continuity validation's initial expected hash.
func New(writer *chunkwriter.Writer, cfg Config) *Sink {
	cfg = cfg.withDefaults()
	s := &Sink{
		cfg:       cfg,
		writer:    writer,
		builders:  make(map[string]*table.Builder, len(cfg.Tables)),
		log:       logutil.Component("sink"),
		lastHash:  writer.LastHash(),
		publishCh: make(chan publishJob, 1),
	}
	for name, spec := range cfg.Tables {
		s.builders[name] = table.NewBuilder(spec.Schema, cfg.InMemoryColumnChunk)
	}
	s.publishWG.Add(1)
	go s.publishLoop()
	return s
}

// Feed validates (if enabled) parent-hash continuity against the previous
// block and appends the block's rows into each table's builder, then
// flushes if the buffered size has crossed the configured limit.
func (s *Sink) Feed(b Block) error {
	s.mu.Lock()
	if s.cfg.ValidateContinuity && s.lastHash != "" {
		if layout.ShortHash(b.ParentHash) != layout.ShortHash(s.lastHash) {
			s.mu.Unlock()
			return fmt.Errorf("sink: block %d parent %s != expected %s: %w",
				b.Number, layout.ShortHash(b.ParentHash), layout.ShortHash(s.lastHash), archiveerr.ErrBrokenChain)
		}
	}
	if !s.haveBuffered {
		s.firstBuffered = b.Number
		s.haveBuffered = true
	}
	s.lastBuffered = b.Number
	s.lastHash = b.Hash

	for name, rows := range b.Rows {
		builder, ok := s.builders[name]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("sink: block %d: no builder for table %q", b.Number, name)
		}
		for _, row := range rows {
			if err := builder.AppendRow(row); err != nil {
				s.mu.Unlock()
				return fmt.Errorf("sink: block %d: %w", b.Number, err)
			}
		}
	}
	total := s.totalBufferedBytesLocked()
	s.mu.Unlock()

	if total > int64(s.cfg.ChunkSizeLimit) {
		return s.Flush()
	}
	return nil
}

func (s *Sink) totalBufferedBytesLocked() int64 {
	var total int64
	for _, b := range s.builders {
		total += int64(b.ByteSize())
	}
	return total
}

// Flush builds every table's Frame, applies the sort/aux-column transforms
// (sort key, *_size aux columns, dense _idx), writes the staged files
// into a temp directory, and hands off to
// the chunkwriter for atomic publish — waiting for that publish to
// complete before returning, so at most one flush is ever in flight.
func (s *Sink) Flush() error {
	s.mu.Lock()
	if !s.haveBuffered {
		s.mu.Unlock()
		return nil
	}
	first, last, hash := s.firstBuffered, s.lastBuffered, s.lastHash
	frames := make(map[string]*table.Frame, len(s.builders))
	for name, b := range s.builders {
		if b.Rows() == 0 && !s.cfg.Tables[name].Required {
			continue
		}
		frames[name] = b.Build()
		b.Reset()
	}
	s.haveBuffered = false
	s.mu.Unlock()

	for name, frame := range frames {
		spec := s.cfg.Tables[name]
		applyTransforms(frame, spec.Schema)
	}

	chunk, err := s.writer.NextChunk(first, last, layout.ShortHash(hash))
	if err != nil {
		return fmt.Errorf("sink: allocate chunk: %w", err)
	}
	temp := s.writer.TempDir(chunk)
	if err := os.MkdirAll(temp, 0o755); err != nil {
		return fmt.Errorf("sink: create temp dir: %w", err)
	}
	for name, frame := range frames {
		spec := s.cfg.Tables[name]
		path := filepath.Join(temp, name+".parquet")
		if err := columnar.WriteFrame(path, frame, spec.Options); err != nil {
			return fmt.Errorf("sink: write %s: %w", path, err)
		}
	}
	if err := writeMetadata(temp, s.cfg.Tables); err != nil {
		return err
	}

	done := make(chan error, 1)
	s.publishCh <- publishJob{chunk: chunk, tempDir: temp, done: done}
	return <-done
}

func (s *Sink) publishLoop() {
	defer s.publishWG.Done()
	for job := range s.publishCh {
		err := s.writer.Publish(job.chunk, job.tempDir)
		if err != nil {
			s.log.Warnw("publish failed", "chunk", job.chunk.Path(), "err", err)
		} else {
			s.log.Infow("published chunk", "chunk", job.chunk.Path())
		}
		job.done <- err
	}
}

// Close flushes any remaining buffered rows and stops the publish worker.
func (s *Sink) Close() error {
	err := s.Flush()
	close(s.publishCh)
	s.publishWG.Wait()
	return err
}

// metadataColumn is one column entry of the chunk's metadata.json schema
// descriptor: name, columnar type, and
// nullability. Every data column is written OPTIONAL, so nullable is true
// throughout; the field exists so readers don't have to assume it.
type metadataColumn struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type metadataTable struct {
	Columns    []metadataColumn `json:"columns"`
	PrimaryKey []string         `json:"primaryKey,omitempty"`
	SortKey    []string         `json:"sortKey,omitempty"`
}

// writeMetadata stages the chunk's static schema descriptor alongside the
// table files, so a consumer can discover the tables and their shapes
// without opening every Parquet footer.
func writeMetadata(dir string, tables map[string]TableSpec) error {
	desc := make(map[string]metadataTable, len(tables))
	for name, spec := range tables {
		mt := metadataTable{
			Columns:    make([]metadataColumn, len(spec.Schema.Columns)),
			PrimaryKey: spec.Schema.PrimaryKey,
			SortKey:    spec.Schema.SortKey,
		}
		for i, col := range spec.Schema.Columns {
			mt.Columns[i] = metadataColumn{Name: col.Name, Type: col.Typ.String(), Nullable: true}
		}
		desc[name] = mt
	}
	raw, err := goccyjson.Marshal(map[string]any{"tables": desc})
	if err != nil {
		return fmt.Errorf("sink: marshal metadata: %w", err)
	}
	path := filepath.Join(dir, "metadata.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("sink: write %s: %w", path, err)
	}
	return nil
}

// applyTransforms sorts frame by its schema's sort key, appends *_size
// auxiliary columns, and appends a dense _idx column.
func applyTransforms(frame *table.Frame, schema table.Schema) {
	if len(schema.SortKey) > 0 {
		sortFrame(frame, schema.SortKey)
	}
	for col, w := range schema.Weights {
		if w.SizeColumn == "" {
			continue
		}
		frame.Columns[w.SizeColumn] = sizeColumn(frame.Columns[col])
	}
	if schema.HasIdx {
		frame.Columns["_idx"] = idxColumn(frame.Rows)
	}
}

func sizeColumn(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		if s, ok := v.(string); ok {
			out[i] = int32(len(s))
		} else {
			out[i] = int32(0)
		}
	}
	return out
}

func idxColumn(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

// sortFrame reorders every column of frame in place according to the
// lexicographic order of sortKey's columns.
func sortFrame(frame *table.Frame, sortKey []string) {
	n := frame.Rows
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		for _, col := range sortKey {
			vals := frame.Columns[col]
			if vals == nil {
				continue
			}
			c := compareValues(vals[a], vals[b])
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
	for name, vals := range frame.Columns {
		reordered := make([]any, n)
		for newPos, oldPos := range order {
			reordered[newPos] = vals[oldPos]
		}
		frame.Columns[name] = reordered
	}
}

// compareValues orders nulls first, then compares same-typed scalars.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	switch x := a.(type) {
	case uint64:
		y := b.(uint64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case int64:
		y := b.(int64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case int32:
		y := b.(int32)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case string:
		y := b.(string)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}
