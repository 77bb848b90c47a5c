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

// Package statemgr tracks, per dataset, which chunk ranges a query-serving
// consumer has locally materialized, arbitrates concurrent query access to
// those ranges via reference-counted range locks, and reconciles a
// control-plane "desired state" ping against what is available or already
// downloading. It plays the role erigon's downloader/snapshot
// "Merge"/lock bookkeeping plays for .seg files, generalized to arbitrary
// archive datasets.
package statemgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/erigontech/chainarchive/internal/logutil"
	"github.com/erigontech/chainarchive/rangeset"
	"github.com/erigontech/chainarchive/rpctransport"
)

// Downloader issues a background fetch for one range of a dataset; the
// sync loop that drives Ping calls it for every newly desired range.
type Downloader interface {
	Download(ctx context.Context, dataset string, r rangeset.Range) error
}

// Deleter removes a locally materialized range's on-disk chunks; Ping
// calls it for every range no longer desired, deferring any range still
// locked.
type Deleter interface {
	Delete(ctx context.Context, dataset string, r rangeset.Range) error
}

// datasetState is the per-dataset bookkeeping the Manager holds: which
// ranges are fully available, which are mid-download, and the
// reference-counted lock held per range while a query reads it.
type datasetState struct {
	available   *rangeset.Set
	downloading *rangeset.Set
	locks       map[rangeset.Range]*int32
}

func newDatasetState() *datasetState {
	return &datasetState{
		available:   rangeset.New(),
		downloading: rangeset.New(),
		locks:       make(map[rangeset.Range]*int32),
	}
}

// Manager is the consumer-side state tracker. It is
// safe for concurrent use.
type Manager struct {
	downloader Downloader
	deleter    Deleter
	log        interface {
		Infow(string, ...any)
		Warnw(string, ...any)
	}

	mu   sync.Mutex
	byDS map[string]*datasetState
}

// New builds a Manager that dispatches downloads and deletes through
// downloader and deleter.
func New(downloader Downloader, deleter Deleter) *Manager {
	return &Manager{
		downloader: downloader,
		deleter:    deleter,
		log:        logutil.Component("statemgr"),
		byDS:       make(map[string]*datasetState),
	}
}

func (m *Manager) state(dataset string) *datasetState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byDS[dataset]
	if !ok {
		s = newDatasetState()
		m.byDS[dataset] = s
	}
	return s
}

// MarkAvailable records that [first,last] of dataset is now fully
// materialized locally, typically called once a download completes.
func (m *Manager) MarkAvailable(dataset string, r rangeset.Range) {
	s := m.state(dataset)
	m.mu.Lock()
	defer m.mu.Unlock()
	s.available.Add(r)
	s.downloading = rangeset.Difference(s.downloading, rangeset.New(r))
}

// MarkDownloading records that dataset's range r is in flight, so a
// concurrent Ping doesn't re-issue a duplicate download.
func (m *Manager) MarkDownloading(dataset string, r rangeset.Range) {
	s := m.state(dataset)
	m.mu.Lock()
	defer m.mu.Unlock()
	s.downloading.Add(r)
}

// Available returns the ranges of dataset currently considered locally
// materialized.
func (m *Manager) Available(dataset string) *rangeset.Set {
	s := m.state(dataset)
	m.mu.Lock()
	defer m.mu.Unlock()
	return rangeset.New(s.available.Ranges()...)
}

// ErrNotMaterialized reports that a query's starting block falls outside
// every locally available range.
type ErrNotMaterialized struct {
	Dataset string
	Block   uint64
}

func (e *ErrNotMaterialized) Error() string {
	return fmt.Sprintf("statemgr: block %d of %q is not locally materialized", e.Block, e.Dataset)
}

// Acquisition is a scoped range lock: it must be released exactly once,
// typically via defer immediately after UseRange succeeds.
type Acquisition struct {
	mgr     *Manager
	dataset string
	r       rangeset.Range
}

// Release decrements the range's reference count; while any count is
// outstanding the range cannot be deleted by the sync loop.
func (a *Acquisition) Release() {
	a.mgr.unlock(a.dataset, a.r)
}

// Range returns the locked range.
func (a *Acquisition) Range() rangeset.Range { return a.r }

// UseRange finds the available range of dataset containing firstBlock
// (bisect over the sorted, disjoint range list) and acquires a reference
// count on it for the caller's query duration.
func (m *Manager) UseRange(dataset string, firstBlock uint64) (*Acquisition, error) {
	s := m.state(dataset)
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := s.available.Find(firstBlock)
	if !ok {
		return nil, &ErrNotMaterialized{Dataset: dataset, Block: firstBlock}
	}
	m.lockLocked(s, r)
	return &Acquisition{mgr: m, dataset: dataset, r: r}, nil
}

func (m *Manager) lockLocked(s *datasetState, r rangeset.Range) {
	cnt, ok := s.locks[r]
	if !ok {
		var zero int32
		cnt = &zero
		s.locks[r] = cnt
	}
	*cnt++
}

func (m *Manager) unlock(dataset string, r rangeset.Range) {
	s := m.state(dataset)
	m.mu.Lock()
	defer m.mu.Unlock()
	cnt, ok := s.locks[r]
	if !ok {
		return
	}
	*cnt--
	if *cnt <= 0 {
		delete(s.locks, r)
	}
}

// locked reports whether any sub-range of r currently has an outstanding
// lock, so Ping can defer deleting it.
func (s *datasetState) locked(r rangeset.Range) bool {
	for lr, cnt := range s.locks {
		if cnt == nil || *cnt <= 0 {
			continue
		}
		if lr.Lo <= r.Hi && r.Lo <= lr.Hi {
			return true
		}
	}
	return false
}

// downloadInBackground dispatches r's download on its own goroutine and
// retries transient failures on rpctransport's capped exponential
// schedule, logging loudly on every retry, so Ping itself never blocks
// a caller on a slow or flaky download. It marks r available once the
// download eventually succeeds; a range stuck retrying stays in
// datasetState.downloading, so a later Ping won't re-dispatch it.
func (m *Manager) downloadInBackground(dataset string, r rangeset.Range) {
	go func() {
		op := func() error {
			return m.downloader.Download(context.Background(), dataset, r)
		}
		notify := func(err error, wait time.Duration) {
			m.log.Warnw("download failed, retrying", "dataset", dataset, "range", r.String(), "wait", wait, "err", err)
		}
		if err := backoff.RetryNotify(op, rpctransport.BackoffPolicy(), notify); err != nil {
			m.log.Warnw("download abandoned after retries", "dataset", dataset, "range", r.String(), "err", err)
			return
		}
		m.MarkAvailable(dataset, r)
	}()
}

// PingResult reports what a Ping call did, so callers (tests, metrics) can
// observe the diff without re-deriving it.
type PingResult struct {
	Downloaded []rangeset.Range // dispatched to a background download, not yet necessarily complete
	Deleted    []rangeset.Range
	Deferred   []rangeset.Range // wanted for deletion but currently locked
}

// Ping reconciles dataset's desired state against what's available or
// downloading: `to_download = desired - (available ∪ downloading)`,
// `to_delete = (available ∪ downloading) - desired`, deferring any
// to_delete range that overlaps an active lock. Newly desired
// ranges are dispatched to downloadInBackground and reported in
// PingResult.Downloaded immediately; Ping does not block waiting for the
// download (or its retries) to finish.
func (m *Manager) Ping(ctx context.Context, dataset string, desired *rangeset.Set) (*PingResult, error) {
	s := m.state(dataset)

	m.mu.Lock()
	have := rangeset.Union(s.available, s.downloading)
	toDownload := rangeset.Difference(desired, have)
	toDelete := rangeset.Difference(have, desired)
	m.mu.Unlock()

	res := &PingResult{}
	for _, r := range toDownload.Ranges() {
		m.MarkDownloading(dataset, r)
		if m.downloader != nil {
			m.downloadInBackground(dataset, r)
		} else {
			m.MarkAvailable(dataset, r)
		}
		res.Downloaded = append(res.Downloaded, r)
	}

	for _, r := range toDelete.Ranges() {
		m.mu.Lock()
		locked := s.locked(r)
		m.mu.Unlock()
		if locked {
			res.Deferred = append(res.Deferred, r)
			m.log.Infow("deferring delete of locked range", "dataset", dataset, "range", r.String())
			continue
		}
		if m.deleter != nil {
			if err := m.deleter.Delete(ctx, dataset, r); err != nil {
				return res, fmt.Errorf("statemgr: delete %s of %q: %w", r, dataset, err)
			}
		}
		m.mu.Lock()
		s.available = rangeset.Difference(s.available, rangeset.New(r))
		s.downloading = rangeset.Difference(s.downloading, rangeset.New(r))
		m.mu.Unlock()
		res.Deleted = append(res.Deleted, r)
	}
	return res, nil
}
