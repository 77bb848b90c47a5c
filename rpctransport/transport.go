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

// Package rpctransport implements a single RPC endpoint connection: JSON-RPC
// request/batch dispatch over HTTP, a per-endpoint RPS budget, a
// response-time EMA, and exponential-backoff offline handling. Several
// dispatch goroutines may use one Endpoint at once; its mutable state is
// guarded by an internal mutex.
package rpctransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/erigontech/chainarchive/internal/archiveerr"
	"github.com/erigontech/chainarchive/internal/logutil"
	"github.com/erigontech/chainarchive/internal/ratecounter"
)

// Config configures one RPC endpoint connection.
type Config struct {
	URL              string
	Capacity         int           // default 5
	RequestTimeout   time.Duration // default 10s
	RPSLimit         int           // 0 means unbounded
	RPSLimitWindow   int           // seconds, default 10
	MissingMethods   map[string]struct{}
}

func (c Config) withDefaults() Config {
	if c.Capacity == 0 {
		c.Capacity = 5
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RPSLimitWindow == 0 {
		c.RPSLimitWindow = 10
	}
	return c
}

// backoffSchedule is the fixed offline-duration ladder, indexed by
// consecutive-error count and capped at the last entry.
var backoffSchedule = []time.Duration{
	10 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	2 * time.Second,
	10 * time.Second,
	20 * time.Second,
}

// Request is one JSON-RPC call.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	type alias Request
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		alias
	}{JSONRPC: "2.0", alias: alias(r)})
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// retryableCodes is the known set of JSON-RPC error codes that should be
// retried on a different attempt rather than surfaced as fatal.
var retryableCodes = map[int]struct{}{
	63: {}, 429: {}, -32000: {}, -32002: {}, -32007: {}, -32017: {}, -32602: {}, -32603: {},
}

// ValidateResult optionally rejects a successful-looking result as
// retryable, e.g. trace payloads embedding a partial "execution timeout".
type ValidateResult func(result json.RawMessage) error

// Endpoint is a single RPC connection with capacity, RPS and backoff state.
// Multiple dispatch goroutines may call Batch/Call on the same Endpoint
// concurrently whenever Capacity > 1, so mu guards every mutable field
// below; the scheduler's own mu (rpcclient.Client) is a separate lock
// domain and never substitutes for this one.
type Endpoint struct {
	cfg    Config
	client *http.Client
	log    interface {
		Debugw(string, ...any)
		Warnw(string, ...any)
	}

	mu              sync.Mutex
	pendingRequests int
	online          bool
	errorsInRow     int
	inQueue         int // advisory scheduler hint

	rate  *ratecounter.Rate
	speed *ratecounter.Speed
	clk   func() time.Time

	onlineCallback func()
	backoffTimer   *time.Timer
}

// NewEndpoint builds an Endpoint. onlineCallback is invoked (from a timer
// goroutine) when the endpoint's backoff expires, so the owning scheduler
// can rewake itself.
func NewEndpoint(cfg Config, onlineCallback func()) *Endpoint {
	cfg = cfg.withDefaults()
	return &Endpoint{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		log:            logutil.Component("rpc"),
		online:         true,
		rate:           ratecounter.NewRate(cfg.RPSLimitWindow, 1.0),
		speed:          ratecounter.NewSpeed(100, 0),
		clk:            time.Now,
		onlineCallback: onlineCallback,
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// URL returns the endpoint's RPC URL.
func (e *Endpoint) URL() string { return e.cfg.URL }

// RPSLimit returns the configured requests-per-second cap, or 0 for
// unbounded.
func (e *Endpoint) RPSLimit() int { return e.cfg.RPSLimit }

// InQueue returns the advisory in-flight-dispatch hint the scheduler uses
// to spread load across equally-eligible endpoints.
func (e *Endpoint) InQueue() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inQueue
}

// IncInQueue adjusts the advisory in_queue counter by delta.
func (e *Endpoint) IncInQueue(delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inQueue += delta
}

// SetOnlineCallback installs (or replaces) the callback invoked when the
// endpoint's backoff timer fires and it returns online.
func (e *Endpoint) SetOnlineCallback(cb func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onlineCallback = cb
}

// Online reports whether the endpoint is currently accepting dispatch.
func (e *Endpoint) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// CapacityLeft is max(0, capacity-pending).
func (e *Endpoint) CapacityLeft() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	left := e.cfg.Capacity - e.pendingRequests
	if left < 0 {
		return 0
	}
	return left
}

// RPSLeft returns the remaining RPS budget for now, or -1 for unbounded.
func (e *Endpoint) RPSLeft(now time.Time) int {
	if e.cfg.RPSLimit == 0 {
		return -1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	left := e.cfg.RPSLimit - e.rate.Get(nowSeconds(now))
	if left < 0 {
		return 0
	}
	return left
}

// SupportsMethod reports whether method is not in the blacklist.
func (e *Endpoint) SupportsMethod(method string) bool {
	_, blacklisted := e.cfg.MissingMethods[method]
	return !blacklisted
}

// AvgResponseTime returns the windowed mean response time, or a 10ms
// epsilon before any samples exist.
func (e *Endpoint) AvgResponseTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	secs := e.speed.AvgDuration(0.01)
	return time.Duration(secs * float64(time.Second))
}

func nowSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Call dispatches a single request and returns its decoded result.
func (e *Endpoint) Call(ctx context.Context, req Request, validate ValidateResult) (json.RawMessage, error) {
	results, err := e.Batch(ctx, []Request{req}, validate)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// Batch dispatches a batch of requests and returns results in the same
// order as req, regardless of response ordering on the wire.
func (e *Endpoint) Batch(ctx context.Context, reqs []Request, validate ValidateResult) ([]json.RawMessage, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	beg := e.clk()
	size := len(reqs)
	e.mu.Lock()
	e.rate.Inc(size, nowSeconds(beg))
	e.pendingRequests++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.pendingRequests--
		e.mu.Unlock()
	}()

	results, err := e.perform(ctx, reqs, validate)
	end := e.clk()
	if err != nil {
		if isRetryable(err) {
			e.backoffOnError()
			return nil, archiveerr.Retryable("rpc endpoint %s", e.cfg.URL)
		}
		return nil, err
	}
	e.mu.Lock()
	e.speed.Push(1, nowSeconds(beg), nowSeconds(end))
	e.errorsInRow = 0
	e.mu.Unlock()
	return results, nil
}

func (e *Endpoint) perform(ctx context.Context, reqs []Request, validate ValidateResult) ([]json.RawMessage, error) {
	var body []byte
	var err error
	if len(reqs) == 1 {
		body, err = json.Marshal(reqs[0])
	} else {
		body, err = json.Marshal(reqs)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("accept", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, retryableErr(fmt.Errorf("rpc transport: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retryableErr(fmt.Errorf("read rpc response: %w", err))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 402 || resp.StatusCode >= 500 {
		return nil, retryableErr(fmt.Errorf("rpc http status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, archiveerr.Fatal("rpc http status %d", resp.StatusCode)
	}

	if len(reqs) == 1 {
		var single rpcResponse
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, retryableErr(fmt.Errorf("decode rpc response: %w", err))
		}
		result, err := e.unpack(reqs[0], single, validate)
		if err != nil {
			return nil, err
		}
		return []json.RawMessage{result}, nil
	}

	var batch []rpcResponse
	if err := json.Unmarshal(raw, &batch); err != nil {
		// some nodes answer a whole-batch error as a single object
		var single rpcResponse
		if err2 := json.Unmarshal(raw, &single); err2 == nil && single.Error != nil {
			return nil, translateRPCError(*single.Error)
		}
		return nil, retryableErr(fmt.Errorf("decode rpc batch response: %w", err))
	}
	if len(batch) != len(reqs) {
		return nil, retryableErr(fmt.Errorf("rpc batch size mismatch: got %d want %d", len(batch), len(reqs)))
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })

	byID := make(map[int64]rpcResponse, len(batch))
	for _, r := range batch {
		byID[r.ID] = r
	}

	out := make([]json.RawMessage, len(reqs))
	for i, req := range reqs {
		res, ok := byID[req.ID]
		if !ok {
			return nil, retryableErr(fmt.Errorf("rpc batch response missing id %d", req.ID))
		}
		result, err := e.unpack(req, res, validate)
		if err != nil {
			return nil, err
		}
		out[i] = result
	}
	return out, nil
}

func (e *Endpoint) unpack(req Request, res rpcResponse, validate ValidateResult) (json.RawMessage, error) {
	if res.Error != nil {
		return nil, translateRPCError(*res.Error)
	}
	if len(res.Result) == 0 || string(res.Result) == "null" {
		return nil, retryableErr(fmt.Errorf("rpc result is null for %s", req.Method))
	}
	if validate != nil {
		if err := validate(res.Result); err != nil {
			return nil, retryableErr(fmt.Errorf("rpc result rejected: %w", err))
		}
	}
	return res.Result, nil
}

func translateRPCError(rerr rpcError) error {
	if _, retryable := retryableCodes[rerr.Code]; retryable {
		return archiveerr.Retryable("rpc error %d: %s", rerr.Code, rerr.Message)
	}
	return archiveerr.Fatal("rpc error %d: %s", rerr.Code, rerr.Message)
}

// retryableErr tags err so isRetryable recognizes it without string
// matching, while errors.Is(_, archiveerr.ErrRetryable) still succeeds.
func retryableErr(err error) error {
	return fmt.Errorf("%w: %w", archiveerr.ErrRetryable, err)
}

func isRetryable(err error) bool {
	return errors.Is(err, archiveerr.ErrRetryable)
}

// backoffOnError transitions the endpoint offline for a duration drawn from
// the fixed schedule, indexed by consecutive error count and capped.
func (e *Endpoint) backoffOnError() {
	e.mu.Lock()
	idx := e.errorsInRow
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	wait := backoffSchedule[idx]
	e.errorsInRow++
	e.online = false
	e.log.Warnw("endpoint offline", "url", e.cfg.URL, "errors_in_row", e.errorsInRow, "backoff", wait)
	if e.backoffTimer != nil {
		e.backoffTimer.Stop()
	}
	e.backoffTimer = time.AfterFunc(wait, e.reconnect)
	e.mu.Unlock()
}

func (e *Endpoint) reconnect() {
	e.mu.Lock()
	e.online = true
	cb := e.onlineCallback
	e.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// BackoffPolicy exposes the same bounded schedule through
// cenkalti/backoff's BackOff interface, for callers (e.g. the sync loop's
// transient-error retry in the state manager's downloader) that want capped exponential
// retry composition instead of the raw schedule above.
func BackoffPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffSchedule[0]
	b.MaxInterval = backoffSchedule[len(backoffSchedule)-1]
	b.MaxElapsedTime = 0
	return b
}
