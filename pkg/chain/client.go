// Package chain wraps the node's JSON/HTTP API with retries. Every RPC is
// independently retried on the escalating backoff schedule; the caller only
// sees an error once the schedule is exhausted.
package chain

import (
	"bytes"
	"context"
	"flag"
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bpwatch",
		Name:      "chain_requests_total",
		Help:      "Total requests made to the node api.",
	}, []string{"endpoint"})
	metricRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bpwatch",
		Name:      "chain_request_retries_total",
		Help:      "Total request attempts that failed and were retried.",
	}, []string{"endpoint"})
	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bpwatch",
		Name:      "chain_request_duration_seconds",
		Help:      "Time spent on successful node api requests.",
		Buckets:   prometheus.ExponentialBuckets(.05, 2, 8),
	}, []string{"endpoint"})
)

// retryWaits is the sleep before each attempt. The zero entry makes the
// first attempt immediate; after the last attempt fails the error propagates.
var retryWaits = []time.Duration{
	0,
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
	20 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

type Config struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Endpoint, prefix+".endpoint", "http://localhost:8888", "Node api root url.")
	f.DurationVar(&c.Timeout, prefix+".timeout", 30*time.Second, "Per-attempt request timeout.")
}

type Client struct {
	cfg    *Config
	client *http.Client
	logger log.Logger

	waits []time.Duration
}

func New(cfg *Config, logger log.Logger) *Client {
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
		waits:  retryWaits,
	}
}

// GetInfo returns the node's current chain info.
func (c *Client) GetInfo(ctx context.Context) (*Info, error) {
	info := &Info{}
	err := c.withRetry(ctx, "get_info", func() error {
		return c.get(ctx, "/v1/chain/get_info", info)
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// GetBlock fetches a single block by number.
func (c *Client) GetBlock(ctx context.Context, num uint64) (*Block, error) {
	block := &Block{}
	err := c.withRetry(ctx, "get_block", func() error {
		return c.post(ctx, "/v1/chain/get_block", blockRequest{num}, block)
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

// GetBlockHeaderState fetches the header state of a recent block. Used only
// to bootstrap the active and pending schedules on an empty database.
func (c *Client) GetBlockHeaderState(ctx context.Context, num uint64) (*HeaderState, error) {
	state := &HeaderState{}
	err := c.withRetry(ctx, "get_block_header_state", func() error {
		return c.post(ctx, "/v1/chain/get_block_header_state", blockRequest{num}, state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

type blockRequest struct {
	BlockNumOrID uint64 `json:"block_num_or_id"`
}

func (c *Client) withRetry(ctx context.Context, endpoint string, fn func() error) error {
	var err error
	for _, wait := range c.waits {
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		metricRequests.WithLabelValues(endpoint).Inc()
		start := time.Now()
		if err = fn(); err == nil {
			metricRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		metricRetries.WithLabelValues(endpoint).Inc()
		level.Warn(c.logger).Log("msg", "node request failed", "endpoint", endpoint, "err", err)
	}
	return errors.Wrapf(err, "request %s failed after %d attempts", endpoint, len(c.waits))
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Path)
	}

	return errors.Wrapf(json.Unmarshal(body, out), "parsing %s response", req.URL.Path)
}
