package provider

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mykhaliev/org-promptgen/logger"
	"github.com/mykhaliev/org-promptgen/model"
	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 60 * time.Second
)

// RateLimitedLLM wraps an llms.Model with proactive TPM/RPM throttling and
// optional reactive 429 retries.
//
// Throttling is best-effort: token counts are estimated before the call (and
// providers may count differently), so 429s can still occur. The retry path
// covers the gap when enabled.
type RateLimitedLLM struct {
	wrapped    llms.Model
	tpmLimiter *rate.Limiter
	rpmLimiter *rate.Limiter
	modelName  string

	retryOn429         bool
	maxRetries         int
	retryAfterProvider RetryAfterProvider
}

// NewRateLimitedLLM builds the wrapper. modelName is used to pick a tiktoken
// encoding for input estimation; unknown models fall back to a character
// heuristic.
func NewRateLimitedLLM(wrapped llms.Model, rateLimits model.RateLimitConfig, retry model.RetryConfig, modelName string) *RateLimitedLLM {
	maxRetries := retry.MaxRetries
	if retry.RetryOn429 && maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	rl := &RateLimitedLLM{
		wrapped:    wrapped,
		modelName:  modelName,
		retryOn429: retry.RetryOn429,
		maxRetries: maxRetries,
	}

	// Limiter rate is per second, burst is the full minute's worth.
	if rateLimits.TPM > 0 {
		rl.tpmLimiter = rate.NewLimiter(rate.Limit(float64(rateLimits.TPM)/60.0), rateLimits.TPM)
		logger.Logger.Info("Rate limiter configured", "type", "TPM", "limit", rateLimits.TPM)
	}
	if rateLimits.RPM > 0 {
		rl.rpmLimiter = rate.NewLimiter(rate.Limit(float64(rateLimits.RPM)/60.0), rateLimits.RPM)
		logger.Logger.Info("Rate limiter configured", "type", "RPM", "limit", rateLimits.RPM)
	}

	return rl
}

// SetRetryAfterProvider wires in a source of Retry-After header values,
// typically the RetryAfterHTTPClient used to build the underlying model.
func (rl *RateLimitedLLM) SetRetryAfterProvider(p RetryAfterProvider) {
	rl.retryAfterProvider = p
}

// GenerateContent implements llms.Model with throttling and retry applied.
func (rl *RateLimitedLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if rl.rpmLimiter != nil {
		if err := rl.rpmLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if rl.tpmLimiter != nil {
		estimated := rl.estimateInputTokens(messages)
		if estimated > 0 {
			logger.Logger.Debug("Waiting for TPM rate limit", "estimated_tokens", estimated)
			if err := rl.tpmLimiter.WaitN(ctx, estimated); err != nil {
				return nil, err
			}
		}
	}

	response, err := rl.wrapped.GenerateContent(ctx, messages, options...)
	if err == nil {
		rl.reserveOverage(messages, response)
		return response, nil
	}

	if !rl.retryOn429 || !isRateLimitError(err) {
		return nil, err
	}

	backoff := defaultInitialBackoff
	for attempt := 1; attempt <= rl.maxRetries; attempt++ {
		retryAfter := rl.extractRetryAfter(err)
		if retryAfter > 0 {
			backoff = retryAfter
		}
		if backoff > defaultMaxBackoff {
			backoff = defaultMaxBackoff
		}

		logger.Logger.Warn("429 rate limit hit, retrying",
			"attempt", attempt,
			"max_retries", rl.maxRetries,
			"wait_seconds", backoff.Seconds())

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		response, err = rl.wrapped.GenerateContent(ctx, messages, options...)
		if err == nil {
			logger.Logger.Info("Request succeeded after 429 retry", "attempt", attempt)
			rl.reserveOverage(messages, response)
			return response, nil
		}
		if !isRateLimitError(err) {
			return nil, err
		}
		if retryAfter == 0 {
			backoff *= 2
		}
	}

	logger.Logger.Error("429 retries exhausted", "max_retries", rl.maxRetries, "error", err.Error())
	return nil, err
}

// Call implements the legacy llms.Model surface by delegating to the wrapped
// model directly. Rate limiting only applies to GenerateContent, which is the
// path the pipeline uses.
func (rl *RateLimitedLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, rl, prompt, options...)
}

// reserveOverage charges the TPM limiter for tokens the response consumed
// beyond the pre-call estimate.
func (rl *RateLimitedLLM) reserveOverage(messages []llms.MessageContent, response *llms.ContentResponse) {
	if rl.tpmLimiter == nil || response == nil {
		return
	}
	usage := UsageFromResponse(response)
	actual := usage.Input + usage.Output
	estimated := rl.estimateInputTokens(messages)
	if actual > estimated {
		rl.tpmLimiter.ReserveN(time.Now(), actual-estimated)
	}
}

// estimateInputTokens counts prompt tokens with tiktoken when an encoding is
// known for the model, otherwise falls back to ~4 characters per token.
func (rl *RateLimitedLLM) estimateInputTokens(messages []llms.MessageContent) int {
	totalChars := 0
	var texts []string
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if textPart, ok := part.(llms.TextContent); ok {
				totalChars += len(textPart.Text)
				texts = append(texts, textPart.Text)
			}
		}
	}

	if rl.modelName != "" {
		if tkm, err := tiktoken.EncodingForModel(rl.modelName); err == nil {
			tokens := 0
			for _, text := range texts {
				tokens += len(tkm.Encode(text, nil, nil))
			}
			return tokens
		}
	}

	tokens := totalChars / 4
	if tokens < 1 && totalChars > 0 {
		tokens = 1
	}
	return tokens
}

// extractRetryAfter prefers the HTTP Retry-After header over parsing the
// error message text. The 10 second buffer lets provider token buckets refill
// before the retry goes out.
func (rl *RateLimitedLLM) extractRetryAfter(err error) time.Duration {
	if rl.retryAfterProvider != nil {
		if duration, capturedAt := rl.retryAfterProvider.GetLastRetryAfter(); duration > 0 {
			if time.Since(capturedAt) < 5*time.Second {
				rl.retryAfterProvider.ClearRetryAfter()
				return duration + 10*time.Second
			}
		}
	}

	if err == nil {
		return 0
	}

	matches := retryAfterPattern.FindStringSubmatch(err.Error())
	if len(matches) >= 2 {
		if seconds, parseErr := strconv.Atoi(matches[1]); parseErr == nil && seconds > 0 {
			return time.Duration(seconds)*time.Second + 10*time.Second
		}
	}

	return 0
}

var retryAfterPattern = regexp.MustCompile(`retry after (\d+) seconds?`)

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "Rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "Too Many Requests")
}
