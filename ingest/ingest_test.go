package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/chainarchive/rpcclient"
	"github.com/erigontech/chainarchive/rpctransport"
)

// stubClient is a minimal RPCClient double driving deterministic chain
// state for the loop tests, without any real network transport.
type stubClient struct {
	mu             sync.Mutex
	head           uint64
	hashes         map[uint64]string // block number -> hash
	brokenParentAt uint64            // 0 means none; that block reports a wrong parentHash
	callCount      int
}

func newStubChain(height uint64) *stubClient {
	c := &stubClient{head: height, hashes: make(map[uint64]string)}
	for i := uint64(0); i <= height; i++ {
		c.hashes[i] = fmt.Sprintf("0x%064x", i+1) // deterministic fake hash
	}
	return c
}

func (c *stubClient) parentHashOf(n uint64) string {
	if n == 0 {
		return ""
	}
	return c.hashes[n-1]
}

func (c *stubClient) Call(ctx context.Context, method string, params any, priority uint64, validate rpctransport.ValidateResult) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callCount++
	if method == "eth_blockNumber" {
		return json.Marshal(fmt.Sprintf("0x%x", c.head))
	}
	return json.Marshal(nil)
}

func (c *stubClient) BatchCall(ctx context.Context, calls []rpcclient.Call, priority uint64, validate rpctransport.ValidateResult) ([]json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]json.RawMessage, len(calls))
	for i, call := range calls {
		if call.Method != "eth_getBlockByNumber" {
			out[i] = json.RawMessage(`[]`)
			continue
		}
		params := call.Params.([]any)
		hexNum := params[0].(string)
		var n uint64
		fmt.Sscanf(hexNum, "0x%x", &n)
		parent := c.parentHashOf(n)
		if c.brokenParentAt != 0 && n == c.brokenParentAt {
			parent = "0xcorrupted000000000000000000000000000000000000000000000000000000"
		}
		raw, _ := json.Marshal(map[string]any{
			"number":       fmt.Sprintf("0x%x", n),
			"hash":         c.hashes[n],
			"parentHash":   parent,
			"transactions": []any{},
		})
		out[i] = raw
	}
	return out, nil
}

func TestLoopYieldsContiguousStrides(t *testing.T) {
	chain := newStubChain(50)
	toBlock := uint64(50)
	cfg := Config{FromBlock: 1, StrideSize: 10, Capacity: 2, ToBlock: &toBlock}
	l := New(chain, cfg, nil, "")

	var got []Stride
	var mu sync.Mutex
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := l.Run(ctx, func(s *Stride) error {
		mu.Lock()
		got = append(got, *s)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)

	var total uint64
	for _, s := range got {
		total += uint64(len(s.Blocks))
	}
	assert.Equal(t, uint64(50), total)
}

func TestLoopIngestsFromGenesis(t *testing.T) {
	chain := newStubChain(9)
	toBlock := uint64(9)
	cfg := Config{FromBlock: 0, StrideSize: 4, Capacity: 1, ToBlock: &toBlock}
	l := New(chain, cfg, nil, "")

	var total uint64
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.Run(ctx, func(s *Stride) error {
		total += uint64(len(s.Blocks))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), total)
}

func TestLoopDetectsBrokenChain(t *testing.T) {
	chain := newStubChain(30)
	chain.brokenParentAt = 15
	toBlock := uint64(30)
	cfg := Config{FromBlock: 1, StrideSize: 10, Capacity: 1, ToBlock: &toBlock}
	l := New(chain, cfg, nil, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.Run(ctx, func(s *Stride) error { return nil })
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 20, cfg.StrideSize)
	assert.Equal(t, 1, cfg.MaxInFlight)
	assert.Equal(t, 2*time.Second, cfg.HeadPollInterval)

	cfg2 := Config{Capacity: 20}.withDefaults()
	assert.Equal(t, 10, cfg2.MaxInFlight)
}

func TestProgressSnapshotComputesRate(t *testing.T) {
	p := NewProgress(0, 5)
	base := time.Now()
	p.Advance(10, 10, base)
	p.Advance(10, 20, base.Add(1*time.Second))

	stats := p.Snapshot(100, base.Add(1*time.Second))
	assert.Equal(t, uint64(20), stats.Processed)
	assert.InDelta(t, 10.0, stats.BlocksPerSecond, 0.01)
	assert.True(t, stats.ETA > 0)
}
