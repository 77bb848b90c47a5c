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

// Package query implements the ArchiveQuery plan compiler and executor:
// it decodes a request, compiles it into per-item scan plans and
// relations against a chain's Model, then executes the plan chunk by
// chunk, budgeting response size.
package query

import (
	"fmt"

	goccyjson "github.com/goccy/go-json"

	"github.com/erigontech/chainarchive/internal/archiveerr"
)

const maxItemBudget = 100

// ArchiveQuery is the top-level JSON request schema.
type ArchiveQuery struct {
	Type             string                     `json:"type"`
	FromBlock        uint64                     `json:"fromBlock"`
	ToBlock          *uint64                    `json:"toBlock,omitempty"`
	IncludeAllBlocks bool                       `json:"includeAllBlocks,omitempty"`
	Fields           map[string]map[string]bool `json:"fields,omitempty"`

	Logs         []LogRequest         `json:"logs,omitempty"`
	Transactions []TransactionRequest `json:"transactions,omitempty"`
	Traces       []TraceRequest       `json:"traces,omitempty"`
	StateDiffs   []StateDiffRequest   `json:"stateDiffs,omitempty"`
}

// LogRequest is one EVM "logs" item request object.
type LogRequest struct {
	Address           []string `json:"address,omitempty"`
	Topic0            []string `json:"topic0,omitempty"`
	Topic1            []string `json:"topic1,omitempty"`
	Topic2            []string `json:"topic2,omitempty"`
	Topic3            []string `json:"topic3,omitempty"`
	Transaction       bool     `json:"transaction,omitempty"`
	TransactionTraces bool     `json:"transactionTraces,omitempty"`
	TransactionLogs   bool     `json:"transactionLogs,omitempty"`
}

func (r LogRequest) entryCount() int {
	return len(r.Address) + len(r.Topic0) + len(r.Topic1) + len(r.Topic2) + len(r.Topic3)
}

// TransactionRequest is one EVM "transactions" item request object.
type TransactionRequest struct {
	From       []string `json:"from,omitempty"`
	To         []string `json:"to,omitempty"`
	Sighash    []string `json:"sighash,omitempty"`
	Logs       bool     `json:"logs,omitempty"`
	Traces     bool     `json:"traces,omitempty"`
	StateDiffs bool     `json:"stateDiffs,omitempty"`
}

func (r TransactionRequest) entryCount() int {
	return len(r.From) + len(r.To) + len(r.Sighash)
}

// TraceRequest is one EVM "traces" item request object.
type TraceRequest struct {
	Type                 []string `json:"type,omitempty"`
	CreateFrom           []string `json:"createFrom,omitempty"`
	CallFrom             []string `json:"callFrom,omitempty"`
	CallTo               []string `json:"callTo,omitempty"`
	CallSighash          []string `json:"callSighash,omitempty"`
	SuicideRefundAddress []string `json:"suicideRefundAddress,omitempty"`
	RewardAuthor         []string `json:"rewardAuthor,omitempty"`
	Transaction          bool     `json:"transaction,omitempty"`
	Subtraces            bool     `json:"subtraces,omitempty"`
	Parents              bool     `json:"parents,omitempty"`
}

func (r TraceRequest) entryCount() int {
	return len(r.Type) + len(r.CreateFrom) + len(r.CallFrom) + len(r.CallTo) +
		len(r.CallSighash) + len(r.SuicideRefundAddress) + len(r.RewardAuthor)
}

// StateDiffRequest is one EVM "stateDiffs" item request object.
type StateDiffRequest struct {
	Address     []string `json:"address,omitempty"`
	Key         []string `json:"key,omitempty"`
	Kind        []string `json:"kind,omitempty"`
	Transaction bool     `json:"transaction,omitempty"`
}

func (r StateDiffRequest) entryCount() int {
	return len(r.Address) + len(r.Key) + len(r.Kind)
}

// ParseQuery decodes and validates raw JSON into an ArchiveQuery.
func ParseQuery(raw []byte) (*ArchiveQuery, error) {
	var q ArchiveQuery
	if err := goccyjson.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("query: decode: %w: %v", archiveerr.ErrInvalidQuery, err)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &q, nil
}

// Validate enforces the request-level invariants: a valid block range
// and the 100-entry item budget.
func (q *ArchiveQuery) Validate() error {
	if q.ToBlock != nil && *q.ToBlock < q.FromBlock {
		return fmt.Errorf("toBlock %d < fromBlock %d: %w", *q.ToBlock, q.FromBlock, archiveerr.ErrInvalidQuery)
	}
	total := 0
	for _, r := range q.Logs {
		total += r.entryCount()
	}
	for _, r := range q.Transactions {
		total += r.entryCount()
	}
	for _, r := range q.Traces {
		total += r.entryCount()
	}
	for _, r := range q.StateDiffs {
		total += r.entryCount()
	}
	if total > maxItemBudget {
		return fmt.Errorf("query requests %d item-entries, exceeds budget %d: %w", total, maxItemBudget, archiveerr.ErrInvalidQuery)
	}
	return nil
}
