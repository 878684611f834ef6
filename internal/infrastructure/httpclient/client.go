// Package httpclient is the outbound JSON client shared by data providers and
// the model-serving client: concurrency cap, rate limit, retry with
// exponential backoff, request statistics.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ClientConfig configures a Client
type ClientConfig struct {
	MaxConcurrency    int           `yaml:"max_concurrency"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	UserAgent         string        `yaml:"user_agent"`
}

// DefaultClientConfig returns defaults suited to public sports APIs
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxConcurrency:    4,
		RequestTimeout:    15 * time.Second,
		MaxRetries:        3,
		BackoffBase:       500 * time.Millisecond,
		BackoffMax:        10 * time.Second,
		RequestsPerSecond: 5,
		Burst:             5,
		UserAgent:         "pickrun/1.0",
	}
}

// StatusError is returned for a non-2xx response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying
func (e *StatusError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusInternalServerError:
		return true
	}
	return false
}

// ClientStats tracks request outcomes
type ClientStats struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	RetriedRequests int64
	TotalLatency    time.Duration
}

// Client performs JSON requests
type Client struct {
	config    ClientConfig
	http      *http.Client
	limiter   *rate.Limiter
	semaphore chan struct{}

	mu    sync.Mutex
	stats ClientStats
}

// NewClient creates a client, filling zero fields from defaults
func NewClient(config ClientConfig) *Client {
	def := DefaultClientConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = def.MaxConcurrency
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = def.BackoffMax
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = def.RequestsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}

	return &Client{
		config:    config,
		http:      &http.Client{Timeout: config.RequestTimeout},
		limiter:   rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		semaphore: make(chan struct{}, config.MaxConcurrency),
	}
}

// GetJSON issues a GET and decodes the JSON body into out
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, out interface{}) error {
	return c.do(ctx, http.MethodGet, url, nil, headers, out)
}

// PostJSON encodes body, issues a POST and decodes the JSON response into out
func (c *Client) PostJSON(ctx context.Context, url string, body interface{}, headers map[string]string, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, url, payload, headers, out)
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte, headers map[string]string, out interface{}) error {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	attempt := 0
	operation := func() error {
		if attempt > 0 {
			c.record(func(s *ClientStats) { s.RetriedRequests++ })
			log.Debug().Int("attempt", attempt).Str("url", url).Msg("Retrying HTTP request")
		}
		attempt++

		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := c.once(ctx, method, url, payload, headers, out)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.config.BackoffBase
	exp.MaxInterval = c.config.BackoffMax
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.config.MaxRetries)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		c.record(func(s *ClientStats) { s.FailedRequests++ })
		return err
	}
	c.record(func(s *ClientStats) { s.SuccessRequests++ })
	return nil
}

func (c *Client) once(ctx context.Context, method, url string, payload []byte, headers map[string]string, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	c.record(func(s *ClientStats) {
		s.TotalRequests++
		s.TotalLatency += time.Since(start)
	})
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func (c *Client) record(fn func(*ClientStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats)
}

// Stats returns a copy of the request statistics
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
