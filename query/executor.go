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

package query

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/c2h5oh/datasize"
	goccyjson "github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/sha3"

	"github.com/erigontech/chainarchive/columnar"
	"github.com/erigontech/chainarchive/internal/archiveerr"
	"github.com/erigontech/chainarchive/internal/logutil"
	"github.com/erigontech/chainarchive/layout"
	"github.com/erigontech/chainarchive/table"
)

const (
	// defaultSizeLimit is the per-response cutoff budget the cumulative
	// block-weight sum is measured against.
	defaultSizeLimit = 40 * datasize.MB
	// defaultResponseCap is the soft response-bytes cap checked after each
	// chunk.
	defaultResponseCap = 20 * datasize.MB
	// defaultWallBudget is the soft wall-time cap checked after each chunk.
	defaultWallBudget = 2 * time.Second
	// readerCacheSize bounds how many open columnar.Reader handles an
	// Executor keeps warm across queries hitting the same hot chunks.
	readerCacheSize = 256
)

// joinColumn names the column on an item's own table that a relation joins
// against for RefRel/JoinRel resolution.
// Kept as a small static map rather than a generic reflection-driven join
// planner, since the EVM Model has a fixed, small set of items and
// relations are plain values.
var joinColumn = map[string]string{
	"logs":         "tx_hash",
	"transactions": "hash",
	"traces":       "tx_hash",
	"stateDiffs":   "tx_hash",
}

// ExecutorConfig tunes the executor's soft caps.
type ExecutorConfig struct {
	SizeLimit    datasize.ByteSize
	ResponseCap  datasize.ByteSize
	WallBudget   time.Duration
	WithChecksum bool
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.SizeLimit <= 0 {
		c.SizeLimit = defaultSizeLimit
	}
	if c.ResponseCap <= 0 {
		c.ResponseCap = defaultResponseCap
	}
	if c.WallBudget <= 0 {
		c.WallBudget = defaultWallBudget
	}
	return c
}

// Executor runs compiled Plans against the chunked columnar dataset rooted
// at Root, one chunk at a time in ascending order.
type Executor struct {
	root   string
	cfg    ExecutorConfig
	cache  *lru.Cache[string, *columnar.Reader]
	log    interface{ Debugw(string, ...any) }
}

// NewExecutor builds an Executor reading chunk files under root.
func NewExecutor(root string, cfg ExecutorConfig) *Executor {
	cache, _ := lru.NewWithEvict[string, *columnar.Reader](readerCacheSize, func(_ string, r *columnar.Reader) {
		r.Close()
	})
	return &Executor{root: root, cfg: cfg.withDefaults(), cache: cache, log: logutil.Component("query-executor")}
}

// Result is the value returned by Execute.
type Result struct {
	Compressed       []byte
	UncompressedSize int
	Checksum         string // sha3-256 hex, present iff ExecutorConfig.WithChecksum
	NumChunksRead    int
	LastVisitedBlock uint64
	Elapsed          time.Duration
}

// blockObj is one entry of the top-level JSON response array: the
// header projection plus one row array per requested item, assembled by
// marshalBlocks rather than via struct tags since the item set varies per
// query.
type blockObj struct {
	Header map[string]any
	Items  map[string][]any
	order  []string
}

// Execute runs plan against the dataset, gathering blocks chunk by chunk
// until a termination condition fires: response bytes past the soft cap,
// wall time past the budget, or a size cutoff inside a chunk.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (*Result, error) {
	start := time.Now()
	toBlock := uint64(math.MaxUint64)
	if plan.Query.ToBlock != nil {
		toBlock = *plan.Query.ToBlock
	}

	chunks, err := layout.GetChunks(os.DirFS(e.root), ".", plan.Query.FromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("query: enumerate chunks: %w", err)
	}

	var allBlocks []*blockObj
	var lastVisited uint64
	chunksRead := 0
	var responseBytesEstimate int64

	for _, chunk := range chunks {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Since(start) > e.cfg.WallBudget {
			break
		}
		if responseBytesEstimate > int64(e.cfg.ResponseCap) {
			break
		}

		blocks, cutoffBlock, chunkBytes, err := e.executeChunk(plan, chunk)
		if err != nil {
			return nil, err
		}
		chunksRead++
		responseBytesEstimate += chunkBytes
		allBlocks = append(allBlocks, blocks...)
		lastVisited = cutoffBlock

		if cutoffBlock < chunk.LastBlock {
			// Cutoff triggered inside this chunk: stop consuming further
			// chunks.
			break
		}
	}

	payload, err := marshalBlocks(allBlocks)
	if err != nil {
		return nil, err
	}

	compressed, err := gzipFixedMtime(payload)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Compressed:       compressed,
		UncompressedSize: len(payload),
		NumChunksRead:    chunksRead,
		LastVisitedBlock: lastVisited,
		Elapsed:          time.Since(start),
	}
	if e.cfg.WithChecksum {
		sum := sha3.Sum256(payload)
		res.Checksum = fmt.Sprintf("%x", sum)
	}
	e.log.Debugw("query executed", "chunks_read", chunksRead, "last_visited_block", lastVisited, "bytes", len(payload))
	return res, nil
}

// marshalBlocks renders the accumulated blocks into the final response JSON
// shape: header plus one array field per requested item, preserving each
// item's registration order for determinism.
func marshalBlocks(blocks []*blockObj) ([]byte, error) {
	out := make([]map[string]any, len(blocks))
	for i, b := range blocks {
		obj := make(map[string]any, 1+len(b.order))
		obj["header"] = b.Header
		for _, name := range b.order {
			rows := b.Items[name]
			if rows == nil {
				rows = []any{}
			}
			obj[name] = rows
		}
		out[i] = obj
	}
	return goccyjson.Marshal(out)
}

// gzipFixedMtime gzips payload with a zeroed modification time so identical
// logical content always produces byte-identical compressed output.
func gzipFixedMtime(payload []byte) ([]byte, error) {
	var buf fixedBuffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("query: init gzip writer: %w", err)
	}
	zw.ModTime = time.Unix(0, 0).UTC()
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("query: gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("query: gzip close: %w", err)
	}
	return buf.b, nil
}

type fixedBuffer struct{ b []byte }

func (f *fixedBuffer) Write(p []byte) (int, error) {
	f.b = append(f.b, p...)
	return len(p), nil
}

// chunkTables opens (or reuses from cache) the columnar readers an
// executeChunk call needs for one chunk directory; the shared reader cache
// is keyed by file path (root-joined) so it survives across Execute calls.
type chunkTables struct {
	e       *Executor
	dir     string
	schemas map[string]table.Schema
	open    map[string]*columnar.Reader
}

func (e *Executor) openChunkTables(dir string, schemas map[string]table.Schema) *chunkTables {
	return &chunkTables{e: e, dir: dir, schemas: schemas, open: map[string]*columnar.Reader{}}
}

// reader returns the Reader for tableName, opening and caching it on first
// use. A missing file is reported as (nil, false, nil); the caller decides
// whether absence is fatal and turns it into archiveerr.ErrMissingData
// where it is (optional tables may be legitimately absent).
func (ct *chunkTables) reader(tableName string) (*columnar.Reader, bool, error) {
	path := filepath.Join(ct.dir, tableName+".parquet")
	if r, ok := ct.open[tableName]; ok {
		return r, true, nil
	}
	if r, ok := ct.e.cache.Get(path); ok {
		ct.open[tableName] = r
		return r, true, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query: stat %s: %w", path, err)
	}
	schema, ok := ct.schemas[tableName]
	if !ok {
		return nil, false, fmt.Errorf("query: no schema registered for table %q", tableName)
	}
	r, err := columnar.Open(path, schema)
	if err != nil {
		return nil, false, fmt.Errorf("query: open columnar file %s: %w", path, err)
	}
	ct.e.cache.Add(path, r)
	ct.open[tableName] = r
	return r, true, nil
}

// itemSelection is one item's materialized selection within one chunk: a
// bitmap of selected row positions (_idx) plus the column data needed to
// compute weight, join against other items, and project the final rows.
type itemSelection struct {
	item       *ItemPlan
	reader     *columnar.Reader
	present    bool
	idx        *roaring.Bitmap
	blockNum   []any // full block_number column, indexed by row position
	joinVal    []any // full join-column values, indexed by row position, if applicable
	traceAddr  []any // full trace_address column, for SourceSubRel expansion
}

// executeChunk runs every scan, materializes every item's selection,
// computes the cutoff block, and assembles the block objects for one
// chunk.
func (e *Executor) executeChunk(plan *Plan, chunk layout.Chunk) ([]*blockObj, uint64, int64, error) {
	dir := filepath.Join(e.root, chunk.Path())
	ct := e.openChunkTables(dir, plan.Schemas)

	selections := make(map[string]*itemSelection, len(plan.Items))
	for name, item := range plan.Items {
		if name == "blocks" {
			continue
		}
		sel, err := e.scanItem(ct, item)
		if err != nil {
			return nil, 0, 0, err
		}
		selections[name] = sel
	}

	// Resolve relations now that every item's direct scan has run; sources
	// may reference any other item's selection regardless of map iteration
	// order, so this runs as a fixed second pass: an item's selection is
	// the union of rows reached via every enabled source.
	for name, item := range plan.Items {
		if name == "blocks" {
			continue
		}
		sel := selections[name]
		if !sel.present {
			continue
		}
		if err := e.applyRelations(ct, item, sel, selections); err != nil {
			return nil, 0, 0, err
		}
	}

	blocksReader, blocksPresent, err := ct.reader("blocks")
	if err != nil {
		return nil, 0, 0, err
	}
	if !blocksPresent {
		return nil, 0, 0, fmt.Errorf("chunk %s: %w", chunk.Path(), archiveerr.ErrMissingData)
	}
	blockNumCol, err := blocksReader.ReadColumn("block_number")
	if err != nil {
		return nil, 0, 0, err
	}

	wantedBlocks := map[uint64]bool{}
	for _, sel := range selections {
		if !sel.present {
			continue
		}
		it := sel.idx.Iterator()
		for it.HasNext() {
			pos := it.Next()
			bn, _ := toUint64(sel.blockNum[pos])
			wantedBlocks[bn] = true
		}
	}
	lo := chunk.FirstBlock
	if plan.Query.FromBlock > lo {
		lo = plan.Query.FromBlock
	}
	hi := chunk.LastBlock
	if plan.Query.ToBlock != nil && *plan.Query.ToBlock < hi {
		hi = *plan.Query.ToBlock
	}
	if plan.Query.IncludeAllBlocks {
		// The range endpoints are part of the selection only here, so an
		// otherwise-empty response still reveals the covered range; without
		// includeAllBlocks an empty selection stays empty.
		wantedBlocks[lo] = true
		wantedBlocks[hi] = true
		for b := lo; b <= hi; b++ {
			wantedBlocks[b] = true
		}
	}

	blocksIdx := roaring.New()
	for pos, v := range blockNumCol {
		bn, _ := toUint64(v)
		if wantedBlocks[bn] {
			blocksIdx.Add(uint32(pos))
		}
	}

	// Weight accounting: cumulative sum in ascending block order across
	// every selected row plus the block header weight.
	headerWeight := 0
	if w, ok := plan.Schemas["blocks"].Weights["_header"]; ok {
		headerWeight = w.Constant
	}
	weightByBlock := map[uint64]int{}
	{
		it := blocksIdx.Iterator()
		for it.HasNext() {
			pos := it.Next()
			bn, _ := toUint64(blockNumCol[pos])
			weightByBlock[bn] += headerWeight
		}
	}
	for name, sel := range selections {
		if !sel.present {
			continue
		}
		rowWeight, err := computeRowWeights(sel.reader, plan.Schemas[plan.Items[name].Table])
		if err != nil {
			return nil, 0, 0, err
		}
		it := sel.idx.Iterator()
		for it.HasNext() {
			pos := it.Next()
			bn, _ := toUint64(sel.blockNum[pos])
			weightByBlock[bn] += rowWeight[pos]
		}
	}

	cutoff := cutoffBlock(weightByBlock, lo, hi, int64(e.cfg.SizeLimit))

	// Filter every selection (including blocks) down to rows at or before
	// the cutoff block.
	filterToCutoff(blocksIdx, blockNumCol, cutoff)
	for _, sel := range selections {
		if sel.present {
			filterToCutoff(sel.idx, sel.blockNum, cutoff)
		}
	}

	blocks, bytesEstimate, err := e.assembleBlocks(ct, plan, blocksReader, blocksIdx, blockNumCol, selections)
	if err != nil {
		return nil, 0, 0, err
	}
	return blocks, cutoff, bytesEstimate, nil
}

// cutoffBlock returns the last block in [lo,hi] whose cumulative weight
// (ascending order) is <= limit. If even the first block alone exceeds the
// limit, that first block is still returned so a query always makes
// progress.
func cutoffBlock(weightByBlock map[uint64]int, lo, hi uint64, limit int64) uint64 {
	var cum int64
	cutoff := lo
	first := true
	for b := lo; b <= hi; b++ {
		w := weightByBlock[b]
		if cum+int64(w) > limit && !first {
			return cutoff
		}
		cum += int64(w)
		cutoff = b
		first = false
	}
	return cutoff
}

func filterToCutoff(idx *roaring.Bitmap, blockNumCol []any, cutoff uint64) {
	var drop []uint32
	it := idx.Iterator()
	for it.HasNext() {
		pos := it.Next()
		bn, _ := toUint64(blockNumCol[pos])
		if bn > cutoff {
			drop = append(drop, pos)
		}
	}
	for _, p := range drop {
		idx.Remove(p)
	}
}

// scanItem performs an item's own direct-scan source: reads the item's
// table (if requested and present), applies the pushdown filter, and
// returns the selected-row bitmap plus the columns later stages need.
func (e *Executor) scanItem(ct *chunkTables, item *ItemPlan) (*itemSelection, error) {
	sel := &itemSelection{item: item}
	if !item.Requested {
		return sel, nil
	}
	reader, present, err := ct.reader(item.Table)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, fmt.Errorf("table %q: %w", item.Table, archiveerr.ErrMissingData)
	}
	sel.present = true
	sel.reader = reader

	blockNumCol, err := reader.ReadColumn("block_number")
	if err != nil {
		return nil, err
	}
	sel.blockNum = blockNumCol

	if jc, ok := joinColumn[item.Name]; ok && reader.HasColumn(jc) {
		sel.joinVal, err = reader.ReadColumn(jc)
		if err != nil {
			return nil, err
		}
	}
	if reader.HasColumn("trace_address") {
		sel.traceAddr, err = reader.ReadColumn("trace_address")
		if err != nil {
			return nil, err
		}
	}

	idx := roaring.New()
	hasDirectScan := false
	for _, src := range item.Sources {
		if src.Kind == SourceDirectScan {
			hasDirectScan = true
		}
	}
	if hasDirectScan {
		rows, err := readFilterColumns(reader, item.Filter)
		if err != nil {
			return nil, err
		}
		for pos := 0; pos < reader.Rows(); pos++ {
			if matchesFilter(item.Filter, rows, pos) {
				idx.Add(uint32(pos))
			}
		}
	}
	sel.idx = idx
	return sel, nil
}

// readFilterColumns loads every column referenced by filter's predicates,
// so matchesFilter can evaluate without re-decompressing per row.
func readFilterColumns(reader *columnar.Reader, filter []Conjunction) (map[string][]any, error) {
	cols := map[string][]any{}
	seen := map[string]bool{}
	load := func(name string) error {
		if name == "" || seen[name] || !reader.HasColumn(name) {
			return nil
		}
		seen[name] = true
		vals, err := reader.ReadColumn(name)
		if err != nil {
			return err
		}
		cols[name] = vals
		return nil
	}
	for _, conj := range filter {
		for _, p := range conj {
			if err := load(p.Field); err != nil {
				return nil, err
			}
			if err := load(p.ScopeField); err != nil {
				return nil, err
			}
		}
	}
	return cols, nil
}

func matchesFilter(filter []Conjunction, cols map[string][]any, pos int) bool {
	if len(filter) == 0 {
		return true
	}
	for _, conj := range filter {
		ok := true
		for _, p := range conj {
			if len(p.In) == 0 {
				continue
			}
			if p.ScopeField != "" {
				scope, has := cols[p.ScopeField]
				if !has || asMatchString(scope[pos]) != p.ScopeValue {
					ok = false
					break
				}
			}
			vals, has := cols[p.Field]
			if !has {
				ok = false
				break
			}
			if !p.Matches(asMatchString(vals[pos])) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func asMatchString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// applyRelations resolves RefRel, JoinRel, SourceSubRel (descendant trace
// expansion) and SourceSuperRel (ancestor trace expansion) sources for item
// against the already-scanned selections map, unioning matching rows into
// item's bitmap.
func (e *Executor) applyRelations(ct *chunkTables, item *ItemPlan, sel *itemSelection, selections map[string]*itemSelection) error {
	for _, src := range item.Sources {
		switch src.Kind {
		case SourceDirectScan:
			// already applied in scanItem
		case SourceRefRel, SourceJoinRel:
			from := selections[src.FromItem]
			if from == nil || !from.present || from.joinVal == nil {
				continue
			}
			wanted := map[string]bool{}
			it := from.idx.Iterator()
			for it.HasNext() {
				pos := it.Next()
				if s, ok := from.joinVal[pos].(string); ok && s != "" {
					wanted[s] = true
				}
			}
			if len(wanted) == 0 {
				continue
			}
			if sel.joinVal == nil {
				continue
			}
			for pos := 0; pos < len(sel.joinVal); pos++ {
				if s, ok := sel.joinVal[pos].(string); ok && wanted[s] {
					sel.idx.Add(uint32(pos))
					sel.present = true
				}
			}
		case SourceSubRel:
			if sel.traceAddr == nil {
				continue
			}
			prefixes := collectPrefixes(sel.idx, sel.traceAddr)
			if len(prefixes) == 0 {
				continue
			}
			for pos, v := range sel.traceAddr {
				addr, ok := v.(string)
				if !ok {
					continue
				}
				for _, p := range prefixes {
					if isTraceDescendant(p, addr) {
						sel.idx.Add(uint32(pos))
						break
					}
				}
			}
		case SourceSuperRel:
			if sel.traceAddr == nil {
				continue
			}
			selected := collectPrefixes(sel.idx, sel.traceAddr)
			if len(selected) == 0 {
				continue
			}
			for pos, v := range sel.traceAddr {
				addr, ok := v.(string)
				if !ok {
					continue
				}
				for _, a := range selected {
					if isTraceDescendant(addr, a) {
						sel.idx.Add(uint32(pos))
						break
					}
				}
			}
		}
	}
	return nil
}

// isTraceDescendant reports whether child's dot-joined trace path lies
// strictly under ancestor's. The boundary check keeps "0.1" from claiming
// "0.10": a true descendant continues with a "." segment separator (the
// root trace's empty path is an ancestor of everything).
func isTraceDescendant(ancestor, child string) bool {
	if child == ancestor {
		return false
	}
	if ancestor == "" {
		return true
	}
	return len(child) > len(ancestor) &&
		child[:len(ancestor)] == ancestor &&
		child[len(ancestor)] == '.'
}

// collectPrefixes returns the trace_address values at idx's selected
// positions; SourceSubRel treats them as prefixes to match descendants
// against, SourceSuperRel treats them as addresses to find ancestors of.
func collectPrefixes(idx *roaring.Bitmap, traceAddr []any) []string {
	var out []string
	it := idx.Iterator()
	for it.HasNext() {
		pos := it.Next()
		if s, ok := traceAddr[int(pos)].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// computeRowWeights returns the per-row weight (schema.Weights applied to
// every row position) for every row of reader's table: the sum over
// weighted columns of a constant byte cost or the per-row *_size value,
// plus the fixed per-row overhead.
func computeRowWeights(reader *columnar.Reader, schema table.Schema) ([]int, error) {
	weights := make([]int, reader.Rows())
	for _, w := range schema.Weights {
		if w.Constant > 0 {
			for i := range weights {
				weights[i] += w.Constant
			}
			continue
		}
		if w.SizeColumn == "" || !reader.HasColumn(w.SizeColumn) {
			continue
		}
		sizes, err := reader.ReadColumn(w.SizeColumn)
		if err != nil {
			return nil, err
		}
		for i, v := range sizes {
			if i >= len(weights) {
				break
			}
			if n, ok := toInt(v); ok {
				weights[i] += n
			}
		}
	}
	return weights, nil
}

// assembleBlocks joins the blocks selection's header projection with every
// item's filtered, grouped-and-sorted row data.
func (e *Executor) assembleBlocks(ct *chunkTables, plan *Plan, blocksReader *columnar.Reader, blocksIdx *roaring.Bitmap, blockNumCol []any, selections map[string]*itemSelection) ([]*blockObj, int64, error) {
	headerCols, err := projectColumns(blocksReader, plan.Items["blocks"].Fields)
	if err != nil {
		return nil, 0, err
	}

	var order []uint32
	it := blocksIdx.Iterator()
	for it.HasNext() {
		order = append(order, it.Next())
	}
	sort.Slice(order, func(i, j int) bool {
		bi, _ := toUint64(blockNumCol[order[i]])
		bj, _ := toUint64(blockNumCol[order[j]])
		return bi < bj
	})

	blocks := make([]*blockObj, len(order))
	blockByNumber := make(map[uint64]*blockObj, len(order))
	var itemOrder []string
	for name := range plan.Items {
		if name != "blocks" && plan.Items[name].Requested {
			itemOrder = append(itemOrder, name)
		}
	}
	sort.Strings(itemOrder)

	var totalBytes int64
	headerFields := plan.Items["blocks"].Fields
	for i, pos := range order {
		bn, _ := toUint64(blockNumCol[pos])
		header := make(map[string]any, len(headerFields))
		for _, f := range headerFields {
			header[f.Name] = projectValue(f, headerCols, int(pos))
		}
		b := &blockObj{Header: header, Items: map[string][]any{}, order: itemOrder}
		for _, name := range itemOrder {
			b.Items[name] = []any{}
		}
		blocks[i] = b
		blockByNumber[bn] = b
		totalBytes += int64(headerWeightEstimate(header))
	}

	for _, name := range itemOrder {
		sel := selections[name]
		if sel == nil || !sel.present {
			continue
		}
		rows, bytesEstimate, err := projectRows(sel.reader, plan.Items[name], sel.idx, sel.blockNum)
		if err != nil {
			return nil, 0, err
		}
		totalBytes += bytesEstimate
		for bn, rs := range rows {
			if b, ok := blockByNumber[bn]; ok {
				b.Items[name] = rs
			}
		}
	}
	return blocks, totalBytes, nil
}

func headerWeightEstimate(header map[string]any) int {
	n := 64
	for _, v := range header {
		n += valueBytesEstimate(v)
	}
	return n
}

// projectColumns reads every physical column backing the selected fields
// (the forced key fields are already merged into fields by Compile), keyed
// by column name. A column the file's schema cannot serve is reported
// against the field's wire name.
func projectColumns(reader *columnar.Reader, fields []FieldSel) (map[string][]any, error) {
	out := make(map[string][]any, len(fields))
	for _, f := range fields {
		for _, col := range f.Columns {
			if _, done := out[col]; done {
				continue
			}
			if !reader.HasColumn(col) {
				return nil, archiveerr.FieldNotAvailable("projection", f.Name)
			}
			vals, err := reader.ReadColumn(col)
			if err != nil {
				return nil, err
			}
			out[col] = vals
		}
	}
	return out, nil
}

// projectValue lifts one field's value at row pos out of the loaded
// columns. A multi-column field (logs' "topics") becomes a null-trimmed
// array; topics are dense from topic0 onward, so trimming stops at the
// first null.
func projectValue(f FieldSel, cols map[string][]any, pos int) any {
	if len(f.Columns) == 1 {
		return jsonifyValue(cols[f.Columns[0]][pos])
	}
	arr := make([]any, 0, len(f.Columns))
	for _, col := range f.Columns {
		v := cols[col][pos]
		if v == nil {
			break
		}
		arr = append(arr, jsonifyValue(v))
	}
	return arr
}

// projectRows reads the projected fields for every idx row, groups them by
// block_number, and orders each group by the table's primary key. Rows sit
// in the file in sort-key order, which need not be primary-key order (logs
// lead with topic0 and address), so positions are compared on the primary
// key columns present in the projection, with row position as the last
// tiebreak.
func projectRows(reader *columnar.Reader, item *ItemPlan, idx *roaring.Bitmap, blockNumCol []any) (map[uint64][]any, int64, error) {
	cols, err := projectColumns(reader, item.Fields)
	if err != nil {
		return nil, 0, err
	}
	var positions []uint32
	it := idx.Iterator()
	for it.HasNext() {
		positions = append(positions, it.Next())
	}
	sort.Slice(positions, func(i, j int) bool {
		a, b := positions[i], positions[j]
		for _, col := range item.Schema.PrimaryKey {
			if vals := cols[col]; vals != nil {
				x, xok := toUint64(vals[a])
				y, yok := toUint64(vals[b])
				if xok && yok && x != y {
					return x < y
				}
				if sa, sb := asMatchString(vals[a]), asMatchString(vals[b]); !(xok && yok) && sa != sb {
					return sa < sb
				}
			}
		}
		return a < b
	})

	out := map[uint64][]any{}
	var totalBytes int64
	for _, pos := range positions {
		bn, _ := toUint64(blockNumCol[pos])
		row := make(map[string]any, len(item.Fields))
		for _, f := range item.Fields {
			v := projectValue(f, cols, int(pos))
			row[f.Name] = v
			totalBytes += int64(valueBytesEstimate(v))
		}
		out[bn] = append(out[bn], row)
	}
	return out, totalBytes, nil
}

// jsonifyValue lifts a stored column value into its JSON projection shape.
// Values that were kept as big-int text because they exceeded
// the safe-integer boundary stay as text rather than becoming a JSON
// number that would lose precision.
func jsonifyValue(v any) any {
	return v
}

func valueBytesEstimate(v any) int {
	switch x := v.(type) {
	case nil:
		return 1
	case string:
		return len(x)
	case []any:
		n := 2
		for _, e := range x {
			n += valueBytesEstimate(e)
		}
		return n
	default:
		return 8
	}
}

func toUint64(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case int64:
		return uint64(x), true
	case int32:
		return uint64(x), true
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case uint64:
		return int(x), true
	default:
		return 0, false
	}
}
