package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/chainarchive/rpctransport"
)

type rpcReq struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
}
type rpcResp struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
}

func echoServer(t *testing.T, order *[]int64, mu *sync.Mutex) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		*order = append(*order, req.ID)
		mu.Unlock()
		resp := rpcResp{ID: req.ID, Result: json.RawMessage(`"ok"`)}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestMixedPriorityCallsAllComplete(t *testing.T) {
	var mu sync.Mutex
	var order []int64
	srv := echoServer(t, &order, &mu)
	defer srv.Close()

	ep := rpctransport.NewEndpoint(rpctransport.Config{URL: srv.URL, Capacity: 1}, nil)
	c := New([]*rpctransport.Endpoint{ep})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var wg sync.WaitGroup
	results := make([]error, 3)
	priorities := []uint64{30, 10, 20}
	for i, p := range priorities {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Call(ctx, "eth_getBlockByNumber", nil, p, nil)
			results[i] = err
		}()
		time.Sleep(5 * time.Millisecond) // keep enqueue order deterministic-ish
	}
	wg.Wait()
	for _, err := range results {
		require.NoError(t, err)
	}
}

// TestRPSExhaustedEndpointSkipped verifies that an endpoint with its RPS
// budget already spent is passed over in favor of an endpoint that still
// has room, and that the scheduler keeps making forward progress rather
// than stalling on the exhausted one.
func TestRPSExhaustedEndpointSkipped(t *testing.T) {
	var mu sync.Mutex
	var orderA, orderB []int64
	srvA := echoServer(t, &orderA, &mu)
	defer srvA.Close()
	srvB := echoServer(t, &orderB, &mu)
	defer srvB.Close()

	epA := rpctransport.NewEndpoint(rpctransport.Config{URL: srvA.URL, Capacity: 5, RPSLimit: 1, RPSLimitWindow: 10}, nil)
	epB := rpctransport.NewEndpoint(rpctransport.Config{URL: srvB.URL, Capacity: 5}, nil)

	// Spend epA's single request-per-second budget directly, bypassing the
	// scheduler, so the rate counter it owns is already exhausted.
	_, err := epA.Call(context.Background(), rpctransport.Request{ID: 999, Method: "warmup"}, nil)
	require.NoError(t, err)

	c := New([]*rpctransport.Endpoint{epA, epB})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)

	_, err = c.Call(ctx, "eth_call", nil, 1, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, orderA, 1, "only the out-of-band warmup call should have reached the rps-exhausted endpoint")
	require.NotEmpty(t, orderB, "the scheduler must route to the endpoint with budget left")
}
