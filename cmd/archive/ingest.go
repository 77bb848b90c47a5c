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

package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/erigontech/chainarchive/chunkwriter"
	"github.com/erigontech/chainarchive/evmrows"
	"github.com/erigontech/chainarchive/ingest"
	"github.com/erigontech/chainarchive/query"
	"github.com/erigontech/chainarchive/rpcclient"
	"github.com/erigontech/chainarchive/rpctransport"
	"github.com/erigontech/chainarchive/sink"
)

func newIngestCmd() *cobra.Command {
	var (
		root          string
		endpointURLs  []string
		fromBlock     uint64
		withReceipts  bool
		withTraces    bool
		withStateDiff bool
		rawMode       bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run the sync loop against one or more RPC endpoints, writing chunks under --root",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(endpointURLs) == 0 {
				return fmt.Errorf("ingest: at least one --endpoint is required")
			}
			endpoints := make([]*rpctransport.Endpoint, len(endpointURLs))
			for i, u := range endpointURLs {
				endpoints[i] = rpctransport.NewEndpoint(rpctransport.Config{URL: strings.TrimSpace(u)}, nil)
			}
			client := rpcclient.New(endpoints)
			go client.Run(cmd.Context())

			checkFn := blocksFileExists
			if rawMode {
				checkFn = rawFileExists
			}
			writer, err := chunkwriter.Open(root, fromBlock, math.MaxUint64, 0, checkFn)
			if err != nil {
				return fmt.Errorf("ingest: open writer: %w", err)
			}
			defer writer.Close()

			loopCfg := ingest.Config{
				FromBlock:      fromBlock,
				WithReceipts:   withReceipts,
				WithTraces:     withTraces,
				WithStateDiffs: withStateDiff,
				Capacity:       sumCapacity(endpoints),
			}

			if rawMode {
				rs := sink.NewRaw(writer, sink.RawConfig{ValidateContinuity: true})
				defer rs.Close()
				loop := ingest.New(client, loopCfg, nil, writer.LastHash())
				return loop.Run(cmd.Context(), func(stride *ingest.Stride) error {
					for _, b := range stride.Blocks {
						err := rs.Feed(sink.RawBlock{Number: b.Number, Hash: b.Hash, ParentHash: b.ParentHash, Payload: b.Block})
						if err != nil {
							return err
						}
					}
					return nil
				})
			}

			sk := sink.New(writer, sink.Config{
				Root: root,
				Tables: map[string]sink.TableSpec{
					"blocks":       {Schema: query.EVMSchemas()["blocks"]},
					"transactions": {Schema: query.EVMSchemas()["transactions"]},
					"logs":         {Schema: query.EVMSchemas()["logs"]},
					"traces":       {Schema: query.EVMSchemas()["traces"]},
					"statediffs":   {Schema: query.EVMSchemas()["statediffs"]},
				},
			})
			defer sk.Close()

			loop := ingest.New(client, loopCfg, nil, writer.LastHash())

			return loop.Run(cmd.Context(), func(stride *ingest.Stride) error {
				rows, err := evmrows.Rows(stride)
				if err != nil {
					return err
				}
				for _, b := range rows {
					if err := sk.Feed(b); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "archive root directory")
	cmd.Flags().StringSliceVar(&endpointURLs, "endpoint", nil, "RPC endpoint URL (repeatable)")
	cmd.Flags().Uint64Var(&fromBlock, "from-block", 0, "first block to ingest")
	cmd.Flags().BoolVar(&withReceipts, "with-receipts", true, "fetch receipts instead of eth_getLogs")
	cmd.Flags().BoolVar(&withTraces, "with-traces", false, "fetch trace_block results")
	cmd.Flags().BoolVar(&withStateDiff, "with-state-diffs", false, "fetch trace_replayBlockTransactions state diffs")
	cmd.Flags().BoolVar(&rawMode, "raw", false, "write raw blocks.jsonl.gz chunks instead of columnar tables")
	cmd.MarkFlagRequired("root")
	return cmd
}

func blocksFileExists(dirPath string) bool {
	_, err := os.Stat(filepath.Join(dirPath, "blocks.parquet"))
	return err == nil
}

func rawFileExists(dirPath string) bool {
	_, err := os.Stat(filepath.Join(dirPath, sink.RawFileName))
	return err == nil
}

func sumCapacity(endpoints []*rpctransport.Endpoint) int {
	n := 0
	for range endpoints {
		n += 5
	}
	return n
}
