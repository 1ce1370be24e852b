package network

import (
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// DelayConfig specifies latency simulation parameters.
type DelayConfig struct {
	Enabled  bool          `json:"enabled"`
	MinDelay time.Duration `json:"min_delay"`
	MaxDelay time.Duration `json:"max_delay"`
}

// DelayedRoundTripper wraps an http.RoundTripper with configurable
// artificial latency, used to shake out ordering assumptions between
// nodes in tests.
type DelayedRoundTripper struct {
	base   http.RoundTripper
	config DelayConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDelayedRoundTripper creates a DelayedRoundTripper. If base is
// nil, http.DefaultTransport is used.
func NewDelayedRoundTripper(base http.RoundTripper, config DelayConfig) *DelayedRoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DelayedRoundTripper{
		base:   base,
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RoundTrip adds a delay before performing the actual request.
func (d *DelayedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if d.config.Enabled {
		time.Sleep(d.calculateDelay())
	}
	return d.base.RoundTrip(req)
}

func (d *DelayedRoundTripper) calculateDelay() time.Duration {
	min := d.config.MinDelay
	max := d.config.MaxDelay
	if max > min {
		d.mu.Lock()
		defer d.mu.Unlock()
		return min + time.Duration(d.rng.Int63n(int64(max-min)))
	}
	return min
}

// NewHTTPClient creates an HTTP client with optional latency
// simulation.
func NewHTTPClient(delay DelayConfig, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport
	if delay.Enabled {
		transport = NewDelayedRoundTripper(transport, delay)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
