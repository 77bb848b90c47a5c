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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/erigontech/chainarchive/query"
)

func newQueryCmd() *cobra.Command {
	var (
		root         string
		queryFile    string
		withChecksum bool
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Execute an ArchiveQuery JSON document against an archive root and print the gzip-compressed result",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readQueryInput(queryFile)
			if err != nil {
				return err
			}
			q, err := query.ParseQuery(raw)
			if err != nil {
				return fmt.Errorf("query: parse: %w", err)
			}
			plan, err := query.Compile(q)
			if err != nil {
				return fmt.Errorf("query: compile: %w", err)
			}
			exec := query.NewExecutor(root, query.ExecutorConfig{WithChecksum: withChecksum})
			res, err := exec.Execute(cmd.Context(), plan)
			if err != nil {
				return fmt.Errorf("query: execute: %w", err)
			}
			if _, err := cmd.OutOrStdout().Write(res.Compressed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "chunks_read=%d last_visited_block=%d uncompressed_size=%d checksum=%s elapsed=%s\n",
				res.NumChunksRead, res.LastVisitedBlock, res.UncompressedSize, res.Checksum, res.Elapsed)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "archive root directory")
	cmd.Flags().StringVar(&queryFile, "query", "-", "path to an ArchiveQuery JSON document, or - for stdin")
	cmd.Flags().BoolVar(&withChecksum, "checksum", false, "compute a sha3-256 checksum of the response")
	cmd.MarkFlagRequired("root")
	return cmd
}

func readQueryInput(path string) ([]byte, error) {
	if path == "-" || path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
