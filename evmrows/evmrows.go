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

// Package evmrows is the EVM-specific adapter between the chain-agnostic
// ingest fetch tree and the sink's column rows: it shapes a Stride's raw
// JSON-RPC payloads (eth_getBlockByNumber, eth_getTransactionReceipt /
// eth_getLogs, trace_block, trace_replayBlockTransactions) into the row
// maps matching query.EVMSchemas' columns. Nothing in ingest or sink
// imports this package; a non-EVM chain would supply its own.
package evmrows

import (
	"encoding/json"
	"fmt"
	"strings"

	goccyjson "github.com/goccy/go-json"

	"github.com/erigontech/chainarchive/internal/archiveerr"
	"github.com/erigontech/chainarchive/ingest"
	"github.com/erigontech/chainarchive/sink"
	"github.com/erigontech/chainarchive/table"
)

type rpcBlock struct {
	Number        string            `json:"number"`
	Hash          string            `json:"hash"`
	ParentHash    string            `json:"parentHash"`
	Timestamp     string            `json:"timestamp"`
	Miner         string            `json:"miner"`
	GasUsed       string            `json:"gasUsed"`
	GasLimit      string            `json:"gasLimit"`
	BaseFeePerGas string            `json:"baseFeePerGas"`
	Transactions  []rpcTransaction  `json:"transactions"`
}

type rpcTransaction struct {
	Hash  string `json:"hash"`
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
	Input string `json:"input"`
}

type rpcReceipt struct {
	TransactionHash   string       `json:"transactionHash"`
	TransactionIndex  string       `json:"transactionIndex"`
	Status            string       `json:"status"`
	GasUsed           string       `json:"gasUsed"`
	Logs              []rpcLog     `json:"logs"`
}

type rpcLog struct {
	LogIndex    string   `json:"logIndex"`
	TxHash      string   `json:"transactionHash"`
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
}

type rpcTrace struct {
	TransactionHash string `json:"transactionHash"`
	TraceAddress    []int  `json:"traceAddress"`
	Type            string `json:"type"`
	Action          struct {
		From          string `json:"from"`
		To            string `json:"to"`
		Value         string `json:"value"`
		Input         string `json:"input"`
		Init          string `json:"init"`
		Author        string `json:"author"`
		RefundAddress string `json:"refundAddress"`
		Address       string `json:"address"`
		Balance       string `json:"balance"`
	} `json:"action"`
	Result *struct {
		Address string `json:"address"`
	} `json:"result"`
}

type rpcStateDiff struct {
	TransactionHash string                    `json:"transactionHash"`
	StateDiff       map[string]addressDiffRaw `json:"stateDiff"`
}

type addressDiffRaw struct {
	Balance json.RawMessage            `json:"balance"`
	Nonce   json.RawMessage            `json:"nonce"`
	Code    json.RawMessage            `json:"code"`
	Storage map[string]json.RawMessage `json:"storage"`
}

// diffChange is the parity-style {"*": {from, to}} / "=" / {"+": to} shape
// a single balance/nonce/code/storage-slot diff entry takes.
type diffChange struct {
	Star *struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"*"`
	Plus  string `json:"+"`
	Minus string `json:"-"`
}

// Rows converts one fetched Stride into the per-table rows sink.Block
// expects, keyed by block number so the caller can feed blocks in order.
func Rows(s *ingest.Stride) ([]sink.Block, error) {
	out := make([]sink.Block, 0, len(s.Blocks))
	for _, bd := range s.Blocks {
		b, err := blockRows(bd)
		if err != nil {
			return nil, fmt.Errorf("evmrows: block %d: %w", bd.Number, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func blockRows(bd ingest.BlockData) (sink.Block, error) {
	var rb rpcBlock
	if err := goccyjson.Unmarshal(bd.Block, &rb); err != nil {
		return sink.Block{}, fmt.Errorf("decode block: %w", err)
	}

	rows := map[string][]map[string]any{
		"blocks": {{
			"block_number":     bd.Number,
			"hash":             bd.Hash,
			"parent_hash":      bd.ParentHash,
			"timestamp":        mustQuantity(rb.Timestamp),
			"miner":            rb.Miner,
			"gas_used":         mustQuantity(rb.GasUsed),
			"gas_limit":        mustQuantity(rb.GasLimit),
			"base_fee_per_gas": orZero(rb.BaseFeePerGas),
		}},
	}

	txRows, err := transactionRows(bd, rb)
	if err != nil {
		return sink.Block{}, err
	}
	rows["transactions"] = txRows

	lr, err := logRows(bd)
	if err != nil {
		return sink.Block{}, err
	}
	rows["logs"] = lr

	if len(bd.Traces) > 0 {
		tr, err := traceRows(bd)
		if err != nil {
			return sink.Block{}, err
		}
		rows["traces"] = tr
	}
	if len(bd.StateDiffs) > 0 {
		sd, err := stateDiffRows(bd)
		if err != nil {
			return sink.Block{}, err
		}
		rows["statediffs"] = sd
	}

	return sink.Block{Number: bd.Number, Hash: bd.Hash, ParentHash: bd.ParentHash, Rows: rows}, nil
}

func transactionRows(bd ingest.BlockData, rb rpcBlock) ([]map[string]any, error) {
	receiptByHash := map[string]rpcReceipt{}
	for _, raw := range bd.Receipts {
		var r rpcReceipt
		if err := goccyjson.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
		receiptByHash[r.TransactionHash] = r
	}

	rows := make([]map[string]any, 0, len(rb.Transactions))
	for idx, tx := range rb.Transactions {
		status := int32(-1)
		gasUsed := uint64(0)
		if r, ok := receiptByHash[tx.Hash]; ok {
			status = int32(mustQuantity(orZero(r.Status)))
			gasUsed = mustQuantity(r.GasUsed)
		}
		input := orZero(tx.Input)
		rows = append(rows, map[string]any{
			"block_number": bd.Number,
			"hash":         tx.Hash,
			"tx_index":     int32(idx),
			"from":         tx.From,
			"to":           tx.To,
			"sighash":      sighash(input),
			"value":        orZero(tx.Value),
			"input":        input,
			"status":       status,
			"gas_used":     gasUsed,
			"input_size":   int32(len(input)),
			"_idx":         int32(idx),
		})
	}
	return rows, nil
}

func logRows(bd ingest.BlockData) ([]map[string]any, error) {
	var logs []rpcLog
	if len(bd.Logs) > 0 {
		for _, raw := range bd.Logs {
			var l rpcLog
			if err := goccyjson.Unmarshal(raw, &l); err != nil {
				return nil, fmt.Errorf("decode log: %w", err)
			}
			logs = append(logs, l)
		}
	} else {
		for _, raw := range bd.Receipts {
			var r rpcReceipt
			if err := goccyjson.Unmarshal(raw, &r); err != nil {
				return nil, fmt.Errorf("decode receipt logs: %w", err)
			}
			logs = append(logs, r.Logs...)
		}
	}

	rows := make([]map[string]any, 0, len(logs))
	for idx, l := range logs {
		topics := make([]string, 4)
		for i := 0; i < len(l.Topics) && i < 4; i++ {
			topics[i] = l.Topics[i]
		}
		logIdx := int32(idx)
		if v, ok := table.ParseHexQuantity(l.LogIndex); ok {
			logIdx = int32(v)
		}
		rows = append(rows, map[string]any{
			"block_number": bd.Number,
			"log_index":    logIdx,
			"tx_hash":      l.TxHash,
			"address":      l.Address,
			"topic0":       nilIfEmpty(topics[0]),
			"topic1":       nilIfEmpty(topics[1]),
			"topic2":       nilIfEmpty(topics[2]),
			"topic3":       nilIfEmpty(topics[3]),
			"data":         l.Data,
			"data_size":    int32(len(l.Data)),
			"_idx":         int32(idx),
		})
	}
	return rows, nil
}

func traceRows(bd ingest.BlockData) ([]map[string]any, error) {
	if bd.TracesViaDebugAPI {
		return nil, archiveerr.Fatal("evmrows: block %d: traces fetched via debug_traceBlockByHash (callTracer), which this adapter does not decode; only the parity trace_block shape is supported", bd.Number)
	}
	rows := make([]map[string]any, 0, len(bd.Traces))
	for idx, raw := range bd.Traces {
		var t rpcTrace
		if err := goccyjson.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode trace: %w", err)
		}
		to := t.Action.To
		from := t.Action.From
		value := t.Action.Value
		input := t.Action.Input
		switch t.Type {
		case "create":
			input = t.Action.Init
			if t.Result != nil {
				to = t.Result.Address // the created contract
			}
		case "suicide":
			from = t.Action.Address
			value = t.Action.Balance
		}
		rows = append(rows, map[string]any{
			"block_number":   bd.Number,
			"tx_hash":        nilIfEmpty(t.TransactionHash),
			"trace_address":  traceAddressPath(t.TraceAddress),
			"type":           t.Type,
			"from":           nilIfEmpty(from),
			"to":             nilIfEmpty(to),
			"sighash":        nilIfEmpty(sighash(input)),
			"value":          orZero(value),
			"refund_address": nilIfEmpty(t.Action.RefundAddress),
			"author":         nilIfEmpty(t.Action.Author),
			"_idx":           int32(idx),
		})
	}
	return rows, nil
}

func stateDiffRows(bd ingest.BlockData) ([]map[string]any, error) {
	if bd.StateDiffsViaDebugAPI {
		return nil, archiveerr.Fatal("evmrows: block %d: state diffs fetched via debug_traceBlockByHash (prestateTracer), which this adapter does not decode; only the parity trace_replayBlockTransactions shape is supported", bd.Number)
	}
	var rows []map[string]any
	idx := 0
	emit := func(txHash, addr, key string, raw json.RawMessage) {
		kind, prev, next, changed := decodeChange(raw)
		if !changed {
			return
		}
		rows = append(rows, map[string]any{
			"block_number": bd.Number,
			"tx_hash":      txHash,
			"address":      addr,
			"key":          key,
			"kind":         kind,
			"prev":         nilIfEmpty(prev),
			"next":         nilIfEmpty(next),
			"_idx":         int32(idx),
		})
		idx++
	}
	for _, raw := range bd.StateDiffs {
		var sd rpcStateDiff
		if err := goccyjson.Unmarshal(raw, &sd); err != nil {
			return nil, fmt.Errorf("decode state diff: %w", err)
		}
		for addr, d := range sd.StateDiff {
			emit(sd.TransactionHash, addr, "balance", d.Balance)
			emit(sd.TransactionHash, addr, "nonce", d.Nonce)
			emit(sd.TransactionHash, addr, "code", d.Code)
			for slot, change := range d.Storage {
				emit(sd.TransactionHash, addr, slot, change)
			}
		}
	}
	return rows, nil
}

// decodeChange unpacks a parity-style diff entry into its change kind and
// before/after text: {"*": {from,to}} is a modification, {"+": to} a
// creation, {"-": from} a deletion, and the literal "=" means unchanged.
func decodeChange(raw json.RawMessage) (kind, prev, next string, changed bool) {
	if len(raw) == 0 {
		return "", "", "", false
	}
	var lit string
	if goccyjson.Unmarshal(raw, &lit) == nil {
		return "", "", "", false // "=" (unchanged)
	}
	var c diffChange
	if err := goccyjson.Unmarshal(raw, &c); err != nil {
		return "", "", "", false
	}
	switch {
	case c.Star != nil:
		return "*", c.Star.From, c.Star.To, true
	case c.Plus != "":
		return "+", "", c.Plus, true
	case c.Minus != "":
		return "-", c.Minus, "", true
	}
	return "", "", "", false
}

func mustQuantity(s string) uint64 {
	v, _ := table.ParseHexQuantity(s)
	return v
}

func orZero(s string) string {
	if s == "" {
		return "0x0"
	}
	return s
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// sighash returns the leading 4-byte selector of calldata, or "" for
// transfers/creates with no (or too little) input.
func sighash(input string) string {
	h := strings.TrimPrefix(input, "0x")
	if len(h) < 8 {
		return ""
	}
	return "0x" + h[:8]
}

// traceAddressPath renders a parity trace_address array as the dot-joined
// path query.EVMSchemas' "traces" table sorts and indexes by.
func traceAddressPath(addr []int) string {
	if len(addr) == 0 {
		return ""
	}
	parts := make([]string, len(addr))
	for i, a := range addr {
		parts[i] = fmt.Sprintf("%d", a)
	}
	return strings.Join(parts, ".")
}
