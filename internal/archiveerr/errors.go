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

// Package archiveerr defines the error taxonomy shared across the ingest,
// storage and query subsystems so callers can branch on error kind with
// errors.Is instead of string matching.
package archiveerr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap these with fmt.Errorf("...: %w", kind) at the call
// site so errors.Is still matches while the message carries context.
var (
	// ErrRetryable marks an RPC failure that should be re-queued rather than
	// surfaced: timeouts, 5xx/429/402, null result, malformed batch pairing.
	ErrRetryable = errors.New("retryable rpc error")

	// ErrFatalRPC marks an application-level RPC error with a non-retryable
	// code; it propagates to the caller instead of being retried.
	ErrFatalRPC = errors.New("fatal rpc error")

	// ErrInvalidQuery marks a client-facing bad request: schema violation,
	// unknown field, toBlock < fromBlock, over-budget item count.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrMissingData marks an absent columnar file or an unavailable field
	// projection for the addressed chunk.
	ErrMissingData = errors.New("missing data")

	// ErrLayoutConflict marks an attempt to open a writer over a range
	// already owned by another writer.
	ErrLayoutConflict = errors.New("layout conflict")

	// ErrBrokenChain marks a parent-hash continuity failure during ingest
	// validation. Fatal; requires operator intervention.
	ErrBrokenChain = errors.New("broken chain")
)

// FieldNotAvailable builds an ErrMissingData wrapping error naming the field
// that the query compiler could not resolve against the chain's schema.
func FieldNotAvailable(entity, field string) error {
	return fmt.Errorf("field %q is not available on %q: %w", field, entity, ErrMissingData)
}

// Retryable formats a message and wraps ErrRetryable into it, so errors.Is
// on the result matches ErrRetryable while any cause passed via a %w verb in
// format stays in the chain too.
func Retryable(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrRetryable)...)
}

// Fatal formats a message and wraps ErrFatalRPC into it, marking it as a
// non-retryable RPC error.
func Fatal(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrFatalRPC)...)
}

// IsRetryable reports whether err (or anything it wraps) is a retryable
// RPC error, so callers can re-queue instead of surfacing it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}
