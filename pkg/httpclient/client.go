package httpclient

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"
)

type RetryStrategy int

const (
	NoRetry RetryStrategy = iota
	ConservativeRetry
	SmartRetry
)

// RateLimitInfo carries whatever a backend exposes about its rate limits.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64
	RequestsRemaining int
}

type RateLimitHeaderParser func(http.Header) RateLimitInfo

type RetryStrategyFunc func(int) RetryStrategy

// Client wraps http.Client with bounded retries. Connection errors and
// retryable statuses back off exponentially (factor 1.5) with jitter.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser RateLimitHeaderParser
	strategyFunc RetryStrategyFunc
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) {
		c.headerParser = parser
	}
}

func WithRetryStrategy(strategyFunc RetryStrategyFunc) Option {
	return func(c *Client) {
		c.strategyFunc = strategyFunc
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:       &http.Client{Timeout: 60 * time.Second},
		maxRetries:   3,
		baseDelay:    1500 * time.Millisecond,
		strategyFunc: DefaultRetryStrategy,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// DefaultRetryStrategy retries 5xx and 429; all other 4xx surface immediately.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do executes the request with retries. The request context bounds the whole
// exchange including backoff sleeps.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, strategy, retryInfo, err := c.attemptRequest(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		lastResp = resp

		if strategy == NoRetry {
			// Non-retryable status; hand the response back for inspection.
			return resp, err
		}
		if attempt >= c.maxRetries {
			break
		}

		delay := c.calculateDelay(strategy, attempt, retryInfo)
		slog.Debug("retrying request",
			"url", req.URL.String(),
			"attempt", attempt+1,
			"max", c.maxRetries,
			"delay", delay,
			"error", err)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}

	if lastResp != nil {
		return lastResp, &RetryableError{
			StatusCode: lastResp.StatusCode,
			Message:    fmt.Sprintf("max HTTP retries (%d) exceeded", c.maxRetries),
			Err:        lastErr,
		}
	}
	return nil, lastErr
}

func (c *Client) attemptRequest(req *http.Request) (*http.Response, RetryStrategy, RateLimitInfo, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		// Connection-level failures are worth a retry.
		return nil, ConservativeRetry, RateLimitInfo{}, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, NoRetry, RateLimitInfo{}, nil
	}

	var retryInfo RateLimitInfo
	if c.headerParser != nil {
		retryInfo = c.headerParser(resp.Header)
	}

	strategy := c.strategyFunc(resp.StatusCode)
	if strategy != NoRetry {
		// The body is replaced on retry; drop this one.
		resp.Body.Close()
	}

	return resp, strategy, retryInfo, fmt.Errorf("HTTP %d", resp.StatusCode)
}

func (c *Client) calculateDelay(strategy RetryStrategy, attempt int, retryInfo RateLimitInfo) time.Duration {
	if strategy == SmartRetry {
		if retryInfo.RetryAfter > 0 {
			return retryInfo.RetryAfter
		}
		if retryInfo.ResetTime > 0 {
			if delay := time.Until(time.Unix(retryInfo.ResetTime, 0)); delay > 0 {
				return delay
			}
		}
	}

	exponential := time.Duration(math.Pow(1.5, float64(attempt)) * float64(c.baseDelay))
	jitter := time.Duration(rand.Float64() * 0.1 * float64(exponential))
	return exponential + jitter
}
