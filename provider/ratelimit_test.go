package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mykhaliev/org-promptgen/logger"
	"github.com/mykhaliev/org-promptgen/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// flakyLLM fails with rate-limit errors until failures runs out.
type flakyLLM struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyLLM) GenerateContent(context.Context, []llms.MessageContent, ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("API returned 429: Too Many Requests")
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			Content:        "ok",
			GenerationInfo: map[string]any{"input_tokens": 5, "output_tokens": 5},
		}},
	}, nil
}

func (f *flakyLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func userMessage(text string) []llms.MessageContent {
	return []llms.MessageContent{{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextContent{Text: text}},
	}}
}

func TestRateLimitedLLM_PassThrough(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	llm := &flakyLLM{}
	rl := NewRateLimitedLLM(llm, model.RateLimitConfig{}, model.RetryConfig{}, "")

	resp, err := rl.GenerateContent(context.Background(), userMessage("hello"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Content)
	assert.Equal(t, 1, llm.calls)
}

func TestRateLimitedLLM_RetriesOn429(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	llm := &flakyLLM{failures: 2}
	rl := NewRateLimitedLLM(llm, model.RateLimitConfig{}, model.RetryConfig{RetryOn429: true, MaxRetries: 3}, "")

	start := time.Now()
	resp, err := rl.GenerateContent(context.Background(), userMessage("hello"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Content)
	assert.Equal(t, 3, llm.calls)
	// 1s then 2s of backoff before the successful third call.
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Second)
}

func TestRateLimitedLLM_NoRetryWhenDisabled(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	llm := &flakyLLM{failures: 1}
	rl := NewRateLimitedLLM(llm, model.RateLimitConfig{}, model.RetryConfig{}, "")

	_, err := rl.GenerateContent(context.Background(), userMessage("hello"))
	require.Error(t, err)
	assert.Equal(t, 1, llm.calls)
}

func TestRateLimitedLLM_ExhaustsRetries(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	llm := &flakyLLM{failures: 10}
	rl := NewRateLimitedLLM(llm, model.RateLimitConfig{}, model.RetryConfig{RetryOn429: true, MaxRetries: 1}, "")

	_, err := rl.GenerateContent(context.Background(), userMessage("hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, 2, llm.calls)
}

func TestRateLimitedLLM_ContextCancelledDuringBackoff(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	llm := &flakyLLM{failures: 10}
	rl := NewRateLimitedLLM(llm, model.RateLimitConfig{}, model.RetryConfig{RetryOn429: true, MaxRetries: 3}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := rl.GenerateContent(ctx, userMessage("hello"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEstimateInputTokens_Fallback(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	rl := NewRateLimitedLLM(&flakyLLM{}, model.RateLimitConfig{}, model.RetryConfig{}, "")

	// 40 characters and no known encoding: the ~4 chars/token heuristic.
	tokens := rl.estimateInputTokens(userMessage("0123456789012345678901234567890123456789"))
	assert.Equal(t, 10, tokens)

	assert.Equal(t, 1, rl.estimateInputTokens(userMessage("hi")))
	assert.Equal(t, 0, rl.estimateInputTokens(nil))
}

func TestIsRateLimitError(t *testing.T) {
	assert.False(t, isRateLimitError(nil))
	assert.False(t, isRateLimitError(fmt.Errorf("connection refused")))
	assert.True(t, isRateLimitError(fmt.Errorf("API returned 429")))
	assert.True(t, isRateLimitError(fmt.Errorf("rate limit reached for gpt-4o")))
	assert.True(t, isRateLimitError(fmt.Errorf("Too Many Requests")))
}

func TestExtractRetryAfter_FromErrorMessage(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	rl := NewRateLimitedLLM(&flakyLLM{}, model.RateLimitConfig{}, model.RetryConfig{}, "")

	d := rl.extractRetryAfter(fmt.Errorf("Rate limit reached. Please retry after 7 seconds."))
	assert.Equal(t, 17*time.Second, d)

	assert.Equal(t, time.Duration(0), rl.extractRetryAfter(fmt.Errorf("some other error")))
	assert.Equal(t, time.Duration(0), rl.extractRetryAfter(nil))
}

func TestParseRetryAfterHeader(t *testing.T) {
	logger.SetupLogger(io.Discard, false)

	assert.Equal(t, 30*time.Second, parseRetryAfterHeader("30"))
	assert.Equal(t, 5*time.Second, parseRetryAfterHeader(" 5 "))
	assert.Equal(t, time.Duration(0), parseRetryAfterHeader(""))
	assert.Equal(t, time.Duration(0), parseRetryAfterHeader("garbage"))
	assert.Equal(t, time.Duration(0), parseRetryAfterHeader("-1"))

	// HTTP-date form in the past still yields a minimal wait.
	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC1123)
	assert.Equal(t, time.Second, parseRetryAfterHeader(past))

	future := time.Now().Add(time.Minute).UTC().Format(time.RFC1123)
	d := parseRetryAfterHeader(future)
	assert.Greater(t, d, 50*time.Second)
}

func TestRetryAfterHTTPClient_Captures429(t *testing.T) {
	logger.SetupLogger(io.Discard, false)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/limited":
			w.Header().Set("Retry-After", "12")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/limited-ms":
			w.Header().Set("retry-after-ms", "1500")
			w.Header().Set("Retry-After", "12")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	client := NewRetryAfterHTTPClient(srv.Client())

	get := func(path string) {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	get("/ok")
	d, _ := client.GetLastRetryAfter()
	assert.Equal(t, time.Duration(0), d)

	get("/limited")
	d, capturedAt := client.GetLastRetryAfter()
	assert.Equal(t, 12*time.Second, d)
	assert.False(t, capturedAt.IsZero())

	// The millisecond-precision header wins over Retry-After.
	get("/limited-ms")
	d, _ = client.GetLastRetryAfter()
	assert.Equal(t, 1500*time.Millisecond, d)

	client.ClearRetryAfter()
	d, _ = client.GetLastRetryAfter()
	assert.Equal(t, time.Duration(0), d)
}

func TestUsageFromResponse(t *testing.T) {
	cases := []struct {
		name string
		info map[string]any
		want model.TokenUsage
	}{
		{"openai style", map[string]any{"PromptTokens": 10, "CompletionTokens": 20}, model.TokenUsage{Input: 10, Output: 20}},
		{"snake case", map[string]any{"prompt_tokens": 3, "completion_tokens": 4}, model.TokenUsage{Input: 3, Output: 4}},
		{"anthropic style", map[string]any{"input_tokens": 7, "output_tokens": 9}, model.TokenUsage{Input: 7, Output: 9}},
		{"float values", map[string]any{"input_tokens": float64(7), "output_tokens": float64(9)}, model.TokenUsage{Input: 7, Output: 9}},
		{"missing info", nil, model.TokenUsage{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := &llms.ContentResponse{
				Choices: []*llms.ContentChoice{{Content: "ok", GenerationInfo: tc.info}},
			}
			assert.Equal(t, tc.want, UsageFromResponse(resp))
		})
	}

	assert.Equal(t, model.TokenUsage{}, UsageFromResponse(nil))
	assert.Equal(t, model.TokenUsage{}, UsageFromResponse(&llms.ContentResponse{}))
}
