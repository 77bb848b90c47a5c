package rpctransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := rpcResponse{ID: req.ID, Result: json.RawMessage(`"0x10"`)}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	ep := NewEndpoint(Config{URL: srv.URL}, nil)
	result, err := ep.Call(context.Background(), Request{ID: 1, Method: "eth_blockNumber"}, nil)
	require.NoError(t, err)
	require.JSONEq(t, `"0x10"`, string(result))
	require.True(t, ep.Online())
}

func TestBatchReordersById(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))
		// respond out of order on purpose
		resp := []rpcResponse{
			{ID: reqs[1].ID, Result: json.RawMessage(`"b"`)},
			{ID: reqs[0].ID, Result: json.RawMessage(`"a"`)},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	ep := NewEndpoint(Config{URL: srv.URL}, nil)
	results, err := ep.Batch(context.Background(), []Request{{ID: 1, Method: "m"}, {ID: 2, Method: "m"}}, nil)
	require.NoError(t, err)
	require.JSONEq(t, `"a"`, string(results[0]))
	require.JSONEq(t, `"b"`, string(results[1]))
}

func TestNullResultIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := rpcResponse{ID: req.ID, Result: nil}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	ep := NewEndpoint(Config{URL: srv.URL}, nil)
	_, err := ep.Call(context.Background(), Request{ID: 1, Method: "m"}, nil)
	require.True(t, isRetryable(err))
}

func TestBackoffGoesOfflineAndReconnects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reconnected := make(chan struct{}, 1)
	ep := NewEndpoint(Config{URL: srv.URL}, func() { reconnected <- struct{}{} })
	_, err := ep.Call(context.Background(), Request{ID: 1, Method: "m"}, nil)
	require.Error(t, err)
	require.False(t, ep.Online())

	<-reconnected
	require.True(t, ep.Online())
}

func TestFatalRPCErrorCodeNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := rpcResponse{ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found"}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	ep := NewEndpoint(Config{URL: srv.URL}, nil)
	_, err := ep.Call(context.Background(), Request{ID: 1, Method: "m"}, nil)
	require.Error(t, err)
	require.False(t, isRetryable(err))
}
