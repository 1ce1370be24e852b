package chain

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	c := newUpgradingClient(t, "node0")
	require.NoError(t, c.InitGenesis(genesisBalances()))
	return NewServer(zerolog.Nop(), c, "127.0.0.1:0"), c
}

func get(t *testing.T, s *Server, path string, into any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if into != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
	}
	return rec.Code
}

func TestBalanceEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	var resp balanceResponse
	code := get(t, s, "/v1/balance/alice", &resp)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", resp.Account)
	assert.Equal(t, "1000", resp.Balance)

	code = get(t, s, "/v1/balance/nobody", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTxStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	var resp txStatusResponse
	code := get(t, s, "/v1/tx/never-submitted", &resp)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending", resp.Status)
}

func TestReadyEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	var resp readyResponse
	code := get(t, s, "/v1/ready/s0.v1", &resp)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Tracking)

	code = get(t, s, "/v1/ready/s9.v9", &resp)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Tracking)

	code = get(t, s, "/v1/ready/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestShardsAndLayoutEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	var shards []shardInfo
	code := get(t, s, "/v1/shards", &shards)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, shards, 2)
	assert.Equal(t, "s0.v1", shards[0].Shard)
	assert.NotEmpty(t, shards[0].Root)

	var lay layoutResponse
	code = get(t, s, "/v1/layout", &lay)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, uint32(1), lay.Version)
	assert.Equal(t, uint64(2), lay.NumShards)
}
