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

// Package ingest drives the head-tracking, stride-scheduling sync loop
//: it advances a finality-adjusted chain head, fans each stride out
// into a tree of RPC sub-fetches, validates parent-hash continuity across
// stride boundaries, and yields validated strides to the caller in order.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/erigontech/chainarchive/internal/archiveerr"
	"github.com/erigontech/chainarchive/internal/logutil"
	"github.com/erigontech/chainarchive/layout"
	"github.com/erigontech/chainarchive/rpcclient"
	"github.com/erigontech/chainarchive/rpctransport"
	"github.com/erigontech/chainarchive/table"
)

// RPCClient is the subset of rpcclient.Client the ingest loop calls
// against, so tests can substitute a stub without standing up endpoints.
type RPCClient interface {
	Call(ctx context.Context, method string, params any, priority uint64, validate rpctransport.ValidateResult) (json.RawMessage, error)
	BatchCall(ctx context.Context, calls []rpcclient.Call, priority uint64, validate rpctransport.ValidateResult) ([]json.RawMessage, error)
}

// Config configures one Loop.
type Config struct {
	FinalityOffset uint64
	FromBlock      uint64
	// ToBlock is the inclusive last block to ingest, or nil for unbounded.
	ToBlock *uint64

	WithReceipts             bool
	WithTraces               bool
	WithStateDiffs           bool
	UseTraceAPI              bool
	UseDebugAPIForStateDiffs bool
	TraceValidator           TxHashValidator

	// StrideSize is the block count per stride; 0 uses 20.
	StrideSize int
	// MaxInFlight bounds how many strides are fetched concurrently; 0 uses
	// min(10, max(1, total RPC capacity)) computed from Capacity.
	MaxInFlight int
	// Capacity is the sum of endpoint capacities backing Client, used to
	// derive MaxInFlight's default.
	Capacity int

	// HeadPollInterval is the sleep between eth_blockNumber polls while the
	// chain head hasn't advanced past the ingest cursor; 0 uses 2s.
	HeadPollInterval time.Duration
	BlockNumberMethod string // default "eth_blockNumber"
}

func (c Config) withDefaults() Config {
	if c.StrideSize <= 0 {
		c.StrideSize = 20
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = c.Capacity
		if c.MaxInFlight < 1 {
			c.MaxInFlight = 1
		}
		if c.MaxInFlight > 10 {
			c.MaxInFlight = 10
		}
	}
	if c.HeadPollInterval <= 0 {
		c.HeadPollInterval = 2 * time.Second
	}
	if c.BlockNumberMethod == "" {
		c.BlockNumberMethod = "eth_blockNumber"
	}
	return c
}

// strideFuture is one scheduled, in-flight stride fetch.
type strideFuture struct {
	first, last uint64
	result      chan strideResult
}

type strideResult struct {
	stride *Stride
	err    error
}

// Loop is the stateful sync loop.
type Loop struct {
	cfg      Config
	client   RPCClient
	hooks    Hooks
	progress *Progress
	log      interface {
		Debugw(string, ...any)
		Infow(string, ...any)
	}

	next        uint64 // first block not yet scheduled
	chainHeight uint64
	lastHash    string
	closed      bool
	inFlight    []strideFuture
}

// New builds a Loop that will begin scheduling at cfg.FromBlock. seedHash,
// if non-empty, is the hash of block FromBlock-1 used to validate the
// first stride's continuity (typically the resuming writer's LastHash).
func New(client RPCClient, cfg Config, hooks Hooks, seedHash string) *Loop {
	cfg = cfg.withDefaults()
	if hooks == nil {
		hooks = NoopHooks{}
	}
	return &Loop{
		cfg:      cfg,
		client:   client,
		hooks:    hooks,
		progress: NewProgress(cfg.FromBlock, 0),
		log:      logutil.Component("ingest"),
		next:     cfg.FromBlock,
		lastHash: seedHash,
	}
}

// Close requests the loop stop scheduling new strides; Run returns once
// any in-flight strides have drained.
func (l *Loop) Close() { l.closed = true }

// Progress exposes the loop's throughput tracker.
func (l *Loop) Progress() *Progress { return l.progress }

// Run drives the main loop, invoking onStride with each
// continuity-validated, hook-adjusted stride in block order, until ctx is
// cancelled, Close is called and all in-flight work drains, or an
// unrecoverable error (including a broken-chain continuity failure)
// occurs.
func (l *Loop) Run(ctx context.Context, onStride func(*Stride) error) error {
	for !l.closed || len(l.inFlight) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(l.inFlight) > 0 {
			fut := l.inFlight[0]
			l.inFlight = l.inFlight[1:]
			var res strideResult
			select {
			case res = <-fut.result:
			case <-ctx.Done():
				return ctx.Err()
			}
			if res.err != nil {
				return res.err
			}
			if err := l.validateStride(res.stride); err != nil {
				return err
			}
			if err := l.hooks.AdjustStride(res.stride); err != nil {
				return fmt.Errorf("ingest: chain hook: %w", err)
			}
			if err := onStride(res.stride); err != nil {
				return err
			}
			n := uint64(len(res.stride.Blocks))
			l.progress.Advance(n, res.stride.Last, time.Now())
			l.scheduleStrides(ctx)
			continue
		}

		if l.finished() {
			return nil
		}
		if err := l.advanceChainHead(ctx); err != nil {
			return err
		}
		l.scheduleStrides(ctx)
	}
	return nil
}

func (l *Loop) finished() bool {
	if l.cfg.ToBlock == nil {
		return false
	}
	return l.next > *l.cfg.ToBlock
}

// validateStride walks the stride's blocks in order, checking
// short_hash(parent_hash) == last_hash before advancing last_hash.
func (l *Loop) validateStride(s *Stride) error {
	for _, b := range s.Blocks {
		if l.lastHash != "" && layout.ShortHash(b.ParentHash) != layout.ShortHash(l.lastHash) {
			return fmt.Errorf("ingest: block %d parent %s != expected %s: %w",
				b.Number, layout.ShortHash(b.ParentHash), layout.ShortHash(l.lastHash), archiveerr.ErrBrokenChain)
		}
		l.lastHash = b.Hash
	}
	return nil
}

// advanceChainHead polls the chain-head method, subtracts the finality
// offset, and sleeps HeadPollInterval between polls while the adjusted
// head hasn't moved past the ingest cursor.
func (l *Loop) advanceChainHead(ctx context.Context) error {
	for {
		raw, err := l.client.Call(ctx, l.cfg.BlockNumberMethod, []any{}, l.next, nil)
		if err != nil {
			return fmt.Errorf("ingest: poll chain head: %w", err)
		}
		var hexNum string
		if err := json.Unmarshal(raw, &hexNum); err != nil {
			return fmt.Errorf("ingest: decode chain head: %w", err)
		}
		head, ok := table.ParseHexQuantity(hexNum)
		if !ok {
			return fmt.Errorf("ingest: malformed chain head %q", hexNum)
		}
		adjusted := uint64(0)
		if head > l.cfg.FinalityOffset {
			adjusted = head - l.cfg.FinalityOffset
		}
		l.chainHeight = adjusted
		if l.chainHeight >= l.next {
			return nil
		}
		l.log.Debugw("chain head not advanced", "chain_height", l.chainHeight, "next", l.next)
		select {
		case <-time.After(l.cfg.HeadPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// scheduleStrides fills the in-flight deque up to MaxInFlight while there
// is unscheduled distance to the chain head and the configured end hasn't
// been reached.
func (l *Loop) scheduleStrides(ctx context.Context) {
	for len(l.inFlight) < l.cfg.MaxInFlight {
		if l.closed {
			return
		}
		if l.chainHeight < l.next {
			return
		}
		avail := l.chainHeight - l.next + 1
		size := uint64(l.cfg.StrideSize)
		if avail < size {
			size = avail
		}
		if l.cfg.ToBlock != nil {
			if l.next > *l.cfg.ToBlock {
				return
			}
			remaining := *l.cfg.ToBlock - l.next + 1
			if remaining < size {
				size = remaining
			}
		}
		first := l.next
		last := l.next + size - 1
		l.next = last + 1

		result := make(chan strideResult, 1)
		l.inFlight = append(l.inFlight, strideFuture{first: first, last: last, result: result})
		go func() {
			stride, err := fetchStride(ctx, l.client, l.cfg, first, last)
			result <- strideResult{stride: stride, err: err}
		}()

		if l.cfg.ToBlock != nil && l.next > *l.cfg.ToBlock {
			return
		}
	}
}
