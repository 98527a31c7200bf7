package provider

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mykhaliev/org-promptgen/logger"
)

// RetryAfterHTTPClient wraps an http.Client to capture Retry-After headers
// from 429 responses. LangChainGo only surfaces the error message text, so
// the header has to be intercepted at the transport level.
type RetryAfterHTTPClient struct {
	wrapped *http.Client

	mu               sync.RWMutex
	lastRetryAfter   time.Duration
	lastRetryAfterAt time.Time
}

// NewRetryAfterHTTPClient creates the wrapper. A nil client gets a default
// with a 30 second timeout.
func NewRetryAfterHTTPClient(wrapped *http.Client) *RetryAfterHTTPClient {
	if wrapped == nil {
		wrapped = &http.Client{Timeout: 30 * time.Second}
	}
	return &RetryAfterHTTPClient{wrapped: wrapped}
}

// Do implements the Doer interface that langchaingo expects, capturing
// Retry-After values from 429 responses before passing them through.
func (c *RetryAfterHTTPClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.wrapped.Do(req)
	if err != nil {
		return resp, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if retryAfter := c.extractRetryAfterFromResponse(resp); retryAfter > 0 {
			c.mu.Lock()
			c.lastRetryAfter = retryAfter
			c.lastRetryAfterAt = time.Now()
			c.mu.Unlock()
			if logger.Logger != nil {
				logger.Logger.Debug("Captured Retry-After from 429 response",
					"retry_after_seconds", retryAfter.Seconds())
			}
		}
	}

	return resp, err
}

// extractRetryAfterFromResponse prefers the millisecond-precision
// retry-after-ms header (Azure OpenAI) over the standard Retry-After.
func (c *RetryAfterHTTPClient) extractRetryAfterFromResponse(resp *http.Response) time.Duration {
	if msValue := resp.Header.Get("retry-after-ms"); msValue != "" {
		if ms, err := strconv.Atoi(strings.TrimSpace(msValue)); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return parseRetryAfterHeader(resp.Header.Get("Retry-After"))
}

// GetLastRetryAfter returns the last captured Retry-After duration and when it
// was captured. Values older than 60 seconds are treated as stale.
func (c *RetryAfterHTTPClient) GetLastRetryAfter() (time.Duration, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if time.Since(c.lastRetryAfterAt) > 60*time.Second {
		return 0, time.Time{}
	}
	return c.lastRetryAfter, c.lastRetryAfterAt
}

// ClearRetryAfter drops the cached value so it is not reused for later requests.
func (c *RetryAfterHTTPClient) ClearRetryAfter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRetryAfter = 0
	c.lastRetryAfterAt = time.Time{}
}

// parseRetryAfterHeader handles both integer-seconds and HTTP-date forms.
func parseRetryAfterHeader(value string) time.Duration {
	if value == "" {
		return 0
	}

	value = strings.TrimSpace(value)

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	for _, format := range []string{time.RFC1123, time.RFC1123Z} {
		if t, err := time.Parse(format, value); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
			return time.Second
		}
	}

	if logger.Logger != nil {
		logger.Logger.Warn("Could not parse Retry-After header", "value", value)
	}
	return 0
}

// RetryAfterProvider is implemented by HTTP clients that can report the most
// recent Retry-After value observed on the wire.
type RetryAfterProvider interface {
	GetLastRetryAfter() (time.Duration, time.Time)
	ClearRetryAfter()
}
