// Package network holds the HTTP query client for a node's API and
// the latency-simulating transport used in tests.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ErrNotFound reports a 404 from the node, e.g. an unknown account.
var ErrNotFound = errors.New("not found")

// ErrMisdirected reports a 421: the node does not track the shard
// owning the queried account. Retry against a node that does.
var ErrMisdirected = errors.New("shard not tracked by node")

// Client queries one node's HTTP API.
type Client struct {
	log     zerolog.Logger
	baseURL string
	http    *http.Client
}

// NewClient creates a query client for the node at baseURL. delay
// configures optional artificial latency on every request.
func NewClient(log zerolog.Logger, baseURL string, delay DelayConfig) *Client {
	return &Client{
		log:     log.With().Str("component", "query-client").Str("node", baseURL).Logger(),
		baseURL: baseURL,
		http:    NewHTTPClient(delay, 30*time.Second),
	}
}

// Balance returns the balance of account on the queried node.
func (c *Client) Balance(ctx context.Context, account string) (*uint256.Int, error) {
	var resp struct {
		Account string `json:"account"`
		Balance string `json:"balance"`
	}
	if err := c.get(ctx, "/v1/balance/"+url.PathEscape(account), &resp); err != nil {
		return nil, err
	}
	balance, err := uint256.FromDecimal(resp.Balance)
	if err != nil {
		return nil, fmt.Errorf("malformed balance %q for %q: %w", resp.Balance, account, err)
	}
	return balance, nil
}

// TxStatus returns the node's view of a transaction's status.
func (c *Client) TxStatus(ctx context.Context, id string) (string, error) {
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/v1/tx/"+url.PathEscape(id), &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Ready reports whether the node tracks the given shard.
func (c *Client) Ready(ctx context.Context, shard string) (bool, error) {
	var resp struct {
		Shard    string `json:"shard"`
		Tracking bool   `json:"tracking"`
	}
	if err := c.get(ctx, "/v1/ready/"+url.PathEscape(shard), &resp); err != nil {
		return false, err
	}
	return resp.Tracking, nil
}

// ShardInfo is one tracked shard and its current state root.
type ShardInfo struct {
	Shard string `json:"shard"`
	Root  string `json:"root"`
}

// Shards lists the shards the node tracks.
func (c *Client) Shards(ctx context.Context) ([]ShardInfo, error) {
	var resp []ShardInfo
	if err := c.get(ctx, "/v1/shards", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// LayoutInfo describes the shard layout active on the node.
type LayoutInfo struct {
	Version   uint32   `json:"version"`
	NumShards uint64   `json:"num_shards"`
	Shards    []string `json:"shards"`
}

// Layout returns the layout active at the node's last processed
// height.
func (c *Client) Layout(ctx context.Context) (*LayoutInfo, error) {
	var resp LayoutInfo
	if err := c.get(ctx, "/v1/layout", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %w", path, decodeError(resp))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusMisdirectedRequest:
		return fmt.Errorf("%w: %s", ErrMisdirected, msg)
	default:
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
}
