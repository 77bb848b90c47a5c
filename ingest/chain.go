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

// Hooks lets a chain-specific adapter adjust a freshly fetched, validated
// Stride before it reaches the sink — dropping precompiled/synthetic
// transactions, forcing a transaction type, trimming known-bad historical
// blocks — without the core loop ever branching on chain identity. A nil
// Hooks is equivalent to NoopHooks{}.
type Hooks interface {
	// AdjustStride mutates stride in place before it is handed to the sink.
	AdjustStride(stride *Stride) error
}

// NoopHooks implements Hooks as a no-op, the default for chains with no
// special-casing.
type NoopHooks struct{}

func (NoopHooks) AdjustStride(*Stride) error { return nil }
