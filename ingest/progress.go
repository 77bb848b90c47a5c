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
	"sync"
	"time"
)

// progressSample is one (wallClock, height) observation kept in Progress's
// sliding window, used to compute a recent rate instead of a since-start
// average that would be slow to react after a long stall.
type progressSample struct {
	at     time.Time
	height uint64
}

// Progress tracks ingest throughput and projects an ETA to a target
// height. A sliding recent-rate window keeps long stalls from dragging
// the reported rate down forever, unlike a since-start average.
type Progress struct {
	mu        sync.Mutex
	window    []progressSample
	windowLen int
	processed uint64
	started   time.Time
	startedAt uint64
}

// NewProgress builds a Progress tracker starting at startHeight, keeping a
// sliding window of windowLen samples (<=0 uses 30).
func NewProgress(startHeight uint64, windowLen int) *Progress {
	if windowLen <= 0 {
		windowLen = 30
	}
	return &Progress{windowLen: windowLen, startedAt: startHeight}
}

// Advance records that n additional blocks were processed, reaching height.
// now is supplied by the caller (ingest's main loop) rather than read via
// time.Now() here, keeping this type trivially unit-testable.
func (p *Progress) Advance(n uint64, height uint64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.IsZero() {
		p.started = now
	}
	p.processed += n
	p.window = append(p.window, progressSample{at: now, height: height})
	if len(p.window) > p.windowLen {
		p.window = p.window[len(p.window)-p.windowLen:]
	}
}

// Stats is a point-in-time snapshot of ingest throughput.
type Stats struct {
	Processed       uint64
	Height          uint64
	BlocksPerSecond float64
	// ETA is the projected time to reach target, or 0 if the recent rate is
	// zero or target is already reached.
	ETA time.Duration
}

// Snapshot computes the current throughput (over the sliding window) and,
// if target > 0, an ETA to reach it.
func (p *Progress) Snapshot(target uint64, now time.Time) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := Stats{Processed: p.processed}
	if len(p.window) == 0 {
		return stats
	}
	stats.Height = p.window[len(p.window)-1].height
	first := p.window[0]
	last := p.window[len(p.window)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 || last.height <= first.height {
		return stats
	}
	stats.BlocksPerSecond = float64(last.height-first.height) / elapsed
	if target > stats.Height && stats.BlocksPerSecond > 0 {
		remaining := float64(target - stats.Height)
		stats.ETA = time.Duration(remaining/stats.BlocksPerSecond) * time.Second
	}
	return stats
}
