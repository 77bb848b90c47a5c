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

package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	goccyjson "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/erigontech/chainarchive/internal/archiveerr"
	"github.com/erigontech/chainarchive/rpcclient"
	"github.com/erigontech/chainarchive/rpctransport"
	"github.com/erigontech/chainarchive/table"
)

// rpcHeader is the subset of eth_getBlockByNumber's result this package
// needs directly; the rest of the payload passes through untouched as
// BlockData.Block for the caller's column-extraction logic to decode.
type rpcHeader struct {
	Number       string            `json:"number"`
	Hash         string            `json:"hash"`
	ParentHash   string            `json:"parentHash"`
	Transactions []json.RawMessage `json:"transactions"`
}

// BlockData is one block's worth of fetched RPC payloads, fan-out-joined
// from every sub-task the stride fetch dispatched.
type BlockData struct {
	Number     uint64
	Hash       string
	ParentHash string

	Block      json.RawMessage   // full eth_getBlockByNumber result
	Logs       []json.RawMessage // present when WithReceipts is false
	Receipts   []json.RawMessage // present when WithReceipts is true, or backfilled
	Traces     []json.RawMessage
	StateDiffs []json.RawMessage

	// TracesViaDebugAPI and StateDiffsViaDebugAPI report whether Traces/
	// StateDiffs were fetched via debug_traceBlockByHash (Config.
	// UseDebugAPIForStateDiffs) rather than the parity trace_block/
	// trace_replayBlockTransactions methods, so a row-shaping adapter keyed
	// to the parity JSON shape can refuse to silently misdecode them.
	TracesViaDebugAPI     bool
	StateDiffsViaDebugAPI bool
}

// Stride is one contiguous, fetched-and-validated span of blocks, the unit
// the loop yields to its caller.
type Stride struct {
	First, Last uint64
	Blocks      []BlockData
}

// TxHashValidator rejects a trace or state-diff payload that looks
// incomplete (partial results, timeouts reported in-band by some chains'
// debug APIs) as retryable.
type TxHashValidator func(payload json.RawMessage) error

// fetchStride executes the sub-fetch fan-out tree for [first,
// last] and returns the per-block results, not yet chain-continuity
// validated.
func fetchStride(ctx context.Context, client RPCClient, cfg Config, first, last uint64) (*Stride, error) {
	priority := first
	n := int(last-first) + 1

	headerCalls := make([]rpcclient.Call, n)
	for i := 0; i < n; i++ {
		headerCalls[i] = rpcclient.Call{
			Method: "eth_getBlockByNumber",
			Params: []any{fmt.Sprintf("0x%x", first+uint64(i)), true},
		}
	}
	headerResults, err := client.BatchCall(ctx, headerCalls, priority, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: fetch headers [%d,%d]: %w", first, last, err)
	}

	blocks := make([]BlockData, n)
	headers := make([]rpcHeader, n)
	for i, raw := range headerResults {
		var h rpcHeader
		if err := goccyjson.Unmarshal(raw, &h); err != nil {
			return nil, fmt.Errorf("ingest: decode header at %d: %w", first+uint64(i), err)
		}
		headers[i] = h
		num, ok := table.ParseHexQuantity(h.Number)
		if !ok {
			return nil, fmt.Errorf("ingest: malformed block number %q at index %d", h.Number, i)
		}
		blocks[i] = BlockData{Number: num, Hash: h.Hash, ParentHash: h.ParentHash, Block: raw}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return fetchLogsOrReceipts(gctx, client, cfg, priority, first, last, headers, blocks)
	})

	if cfg.WithTraces || cfg.WithStateDiffs {
		for i := range blocks {
			i := i
			g.Go(func() error {
				return fetchBlockTraces(gctx, client, cfg, priority, headers[i], &blocks[i])
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if cfg.WithTraces && !cfg.WithReceipts {
		if err := backfillMissingReceipts(ctx, client, priority, headers, blocks); err != nil {
			return nil, err
		}
	}

	return &Stride{First: first, Last: last, Blocks: blocks}, nil
}

func fetchLogsOrReceipts(ctx context.Context, client RPCClient, cfg Config, priority, first, last uint64, headers []rpcHeader, blocks []BlockData) error {
	if !cfg.WithReceipts {
		raw, err := client.Call(ctx, "eth_getLogs", []any{map[string]any{
			"fromBlock": fmt.Sprintf("0x%x", first),
			"toBlock":   fmt.Sprintf("0x%x", last),
		}}, priority, nil)
		if err != nil {
			return fmt.Errorf("ingest: fetch logs [%d,%d]: %w", first, last, err)
		}
		var logs []json.RawMessage
		if err := goccyjson.Unmarshal(raw, &logs); err != nil {
			return fmt.Errorf("ingest: decode logs [%d,%d]: %w", first, last, err)
		}
		groupLogsByBlockHash(logs, headers, blocks)
		return nil
	}

	var calls []rpcclient.Call
	var owner []int
	for i, h := range headers {
		for _, tx := range h.Transactions {
			hash, ok := txHash(tx)
			if !ok {
				continue
			}
			calls = append(calls, rpcclient.Call{Method: "eth_getTransactionReceipt", Params: []any{hash}})
			owner = append(owner, i)
		}
	}
	if len(calls) == 0 {
		return nil
	}
	results, err := client.BatchCall(ctx, calls, priority, nil)
	if err != nil {
		return fmt.Errorf("ingest: fetch receipts [%d,%d]: %w", first, last, err)
	}
	for i, r := range results {
		blocks[owner[i]].Receipts = append(blocks[owner[i]].Receipts, r)
	}
	return nil
}

func fetchBlockTraces(ctx context.Context, client RPCClient, cfg Config, priority uint64, h rpcHeader, out *BlockData) error {
	if cfg.WithTraces {
		method := "trace_block"
		params := []any{h.Number}
		if cfg.UseDebugAPIForStateDiffs {
			method = "debug_traceBlockByHash"
			params = []any{h.Hash, map[string]any{"tracer": "callTracer"}}
		}
		raw, err := client.Call(ctx, method, params, priority, validateTraceResult(cfg.TraceValidator))
		if err != nil {
			return fmt.Errorf("ingest: fetch traces for %s: %w", h.Hash, err)
		}
		var traces []json.RawMessage
		if err := goccyjson.Unmarshal(raw, &traces); err != nil {
			return fmt.Errorf("ingest: decode traces for %s: %w", h.Hash, err)
		}
		out.Traces = traces
		out.TracesViaDebugAPI = cfg.UseDebugAPIForStateDiffs
	}
	if cfg.WithStateDiffs {
		method := "trace_replayBlockTransactions"
		params := []any{h.Number, []any{"stateDiff"}}
		if cfg.UseDebugAPIForStateDiffs {
			method = "debug_traceBlockByHash"
			params = []any{h.Hash, map[string]any{"tracer": "prestateTracer"}}
		}
		raw, err := client.Call(ctx, method, params, priority, validateTraceResult(cfg.TraceValidator))
		if err != nil {
			return fmt.Errorf("ingest: fetch state diffs for %s: %w", h.Hash, err)
		}
		var diffs []json.RawMessage
		if err := goccyjson.Unmarshal(raw, &diffs); err != nil {
			return fmt.Errorf("ingest: decode state diffs for %s: %w", h.Hash, err)
		}
		out.StateDiffs = diffs
		out.StateDiffsViaDebugAPI = cfg.UseDebugAPIForStateDiffs
	}
	return nil
}

// validateTraceResult adapts a user-supplied TxHashValidator into a
// rpctransport.ValidateResult, rejecting partial/timeout trace payloads as
// retryable rather than surfacing them as a hard failure.
func validateTraceResult(v TxHashValidator) rpctransport.ValidateResult {
	if v == nil {
		return nil
	}
	return func(result json.RawMessage) error {
		if err := v(result); err != nil {
			return archiveerr.Retryable("trace validation: %w", err)
		}
		return nil
	}
}

func backfillMissingReceipts(ctx context.Context, client RPCClient, priority uint64, headers []rpcHeader, blocks []BlockData) error {
	haveReceipt := make([]map[string]bool, len(blocks))
	for i, b := range blocks {
		haveReceipt[i] = make(map[string]bool, len(b.Receipts))
		for _, r := range b.Receipts {
			if h, ok := receiptTxHash(r); ok {
				haveReceipt[i][h] = true
			}
		}
	}
	var calls []rpcclient.Call
	var owner []int
	for i, h := range headers {
		for _, tx := range h.Transactions {
			hash, ok := txHash(tx)
			if !ok || haveReceipt[i][hash] {
				continue
			}
			calls = append(calls, rpcclient.Call{Method: "eth_getTransactionReceipt", Params: []any{hash}})
			owner = append(owner, i)
		}
	}
	if len(calls) == 0 {
		return nil
	}
	results, err := client.BatchCall(ctx, calls, priority, nil)
	if err != nil {
		return fmt.Errorf("ingest: backfill receipts: %w", err)
	}
	for i, r := range results {
		blocks[owner[i]].Receipts = append(blocks[owner[i]].Receipts, r)
	}
	return nil
}

func groupLogsByBlockHash(logs []json.RawMessage, headers []rpcHeader, blocks []BlockData) {
	byHash := make(map[string]int, len(headers))
	for i, h := range headers {
		byHash[h.Hash] = i
	}
	for _, l := range logs {
		var stub struct {
			BlockHash string `json:"blockHash"`
		}
		if err := goccyjson.Unmarshal(l, &stub); err != nil {
			continue
		}
		if i, ok := byHash[stub.BlockHash]; ok {
			blocks[i].Logs = append(blocks[i].Logs, l)
		}
	}
}

func txHash(tx json.RawMessage) (string, bool) {
	var stub struct {
		Hash string `json:"hash"`
	}
	if err := goccyjson.Unmarshal(tx, &stub); err != nil || stub.Hash == "" {
		return "", false
	}
	return stub.Hash, true
}

func receiptTxHash(receipt json.RawMessage) (string, bool) {
	var stub struct {
		TransactionHash string `json:"transactionHash"`
	}
	if err := goccyjson.Unmarshal(receipt, &stub); err != nil || stub.TransactionHash == "" {
		return "", false
	}
	return stub.TransactionHash, true
}
