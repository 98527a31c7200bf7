// Package generator produces PromptRecords for caller-approved use cases by
// asking an LLM for structured JSON and validating what comes back. Each use
// case is generated independently; one use case failing never aborts the
// batch.
package generator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/org-promptgen/logger"
	"github.com/mykhaliev/org-promptgen/model"
	"github.com/mykhaliev/org-promptgen/provider"
	"github.com/tmc/langchaingo/llms"
)

// maxAttempts bounds the per-use-case generation loop: the first call plus
// two retries, each with the identical request.
const maxAttempts = 3

const defaultConcurrency = 4

// Generator holds the LLM handle and fan-out width for a generation batch.
type Generator struct {
	llm         llms.Model
	concurrency int
}

// New creates a Generator. Concurrency <= 0 falls back to the default.
func New(llm llms.Model, concurrency int) *Generator {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Generator{llm: llm, concurrency: concurrency}
}

// BatchResult is the outcome of one generation batch. Prompts preserves
// per-use-case insertion order; Reports follows the use-case production
// order of the request.
type BatchResult struct {
	Prompts map[string][]model.PromptRecord
	Reports []model.UseCaseReport
	Usage   model.TokenUsage
}

// Succeeded reports whether at least one use case produced records.
func (b *BatchResult) Succeeded() bool {
	for _, records := range b.Prompts {
		if len(records) > 0 {
			return true
		}
	}
	return false
}

type useCaseOutcome struct {
	index   int
	records []model.PromptRecord
	report  model.UseCaseReport
	usage   model.TokenUsage
}

// GenerateBatch generates prompts for every use case. Per-use-case LLM calls
// run concurrently up to the configured width; aggregation of the results is
// serialized on the collecting goroutine.
func (g *Generator) GenerateBatch(ctx context.Context, summary model.MetadataSummary, objects []model.ObjectDescriptor, useCases []model.UseCase) (*BatchResult, error) {
	if len(useCases) == 0 {
		return nil, &model.ValidationError{Field: "use_cases", Msg: "at least one use case is required"}
	}

	logger.Logger.Info("Starting prompt generation",
		"use_cases", len(useCases),
		"concurrency", g.concurrency)

	outcomes := make(chan useCaseOutcome)
	sem := make(chan struct{}, g.concurrency)

	var wg sync.WaitGroup
	for i, uc := range useCases {
		wg.Add(1)
		go func(index int, uc model.UseCase) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes <- g.generateForUseCase(ctx, index, summary, objects, uc)
		}(i, uc)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	result := &BatchResult{Prompts: make(map[string][]model.PromptRecord)}
	collected := make([]useCaseOutcome, len(useCases))
	for outcome := range outcomes {
		collected[outcome.index] = outcome
		result.Usage.Add(outcome.usage)
	}

	for _, outcome := range collected {
		result.Reports = append(result.Reports, outcome.report)
		if len(outcome.records) > 0 {
			result.Prompts[outcome.report.UseCaseID] = outcome.records
		}
	}

	logger.Logger.Info("Prompt generation finished",
		"succeeded", len(result.Prompts),
		"failed", len(useCases)-len(result.Prompts),
		"input_tokens", result.Usage.Input,
		"output_tokens", result.Usage.Output)

	return result, nil
}

// generateForUseCase runs the bounded attempt loop for a single use case.
// The request is built once and reused unmodified for every attempt.
func (g *Generator) generateForUseCase(ctx context.Context, index int, summary model.MetadataSummary, objects []model.ObjectDescriptor, uc model.UseCase) useCaseOutcome {
	requested := model.ClampPromptCount(uc.PromptCount)
	msgs := BuildUseCasePrompt(summary, objects, uc, requested)

	outcome := useCaseOutcome{
		index:  index,
		report: model.UseCaseReport{UseCaseID: uc.ID, Requested: requested},
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		logger.Logger.Debug("Generating prompts", "use_case", uc.ID, "attempt", attempt, "max", maxAttempts)

		resp, err := g.llm.GenerateContent(ctx, msgs)
		if err != nil {
			lastErr = fmt.Errorf("LLM call failed: %w", err)
			logger.Logger.Warn("LLM generation error", "use_case", uc.ID, "attempt", attempt, "error", err)
			continue
		}

		outcome.usage.Add(provider.UsageFromResponse(resp))

		rawContent := ""
		for _, choice := range resp.Choices {
			if choice.Content != "" {
				rawContent = choice.Content
				break
			}
		}
		if rawContent == "" {
			lastErr = fmt.Errorf("LLM returned empty response")
			continue
		}

		records, parseErr := parseRecords(rawContent)
		if parseErr != nil {
			lastErr = parseErr
			logger.Logger.Warn("Failed to parse generation response",
				"use_case", uc.ID, "attempt", attempt, "error", parseErr)
			continue
		}

		if errs := ValidateRecords(records, uc.ID, requested); len(errs) > 0 {
			lastErr = fmt.Errorf("response validation failed: %s", strings.Join(errs, "; "))
			logger.Logger.Warn("Generated records failed validation",
				"use_case", uc.ID, "attempt", attempt, "errors", len(errs))
			continue
		}

		deduped, dropped := dedupRecords(records)
		outcome.records = deduped
		outcome.report.Stored = len(deduped)
		outcome.report.DuplicatesDropped = dropped
		if dropped > 0 {
			logger.Logger.Info("Duplicate prompts dropped",
				"use_case", uc.ID, "dropped", dropped, "stored", len(deduped))
		}
		return outcome
	}

	genErr := &model.GenerationError{UseCaseID: uc.ID, Attempts: maxAttempts, Err: lastErr}
	outcome.report.Err = genErr
	outcome.report.FailureReason = genErr.Error()
	logger.Logger.Error("Use case generation failed",
		"use_case", uc.ID, "attempts", maxAttempts, "error", lastErr)
	return outcome
}

// parseRecords decodes the model's JSON array. Use-case id correctness is
// the validator's job.
func parseRecords(rawContent string) ([]model.PromptRecord, error) {
	jsonText := ExtractJSONFromResponse(rawContent)
	if jsonText == "" {
		return nil, fmt.Errorf("no JSON array found in response")
	}

	var records []model.PromptRecord
	if err := sonic.Unmarshal([]byte(jsonText), &records); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}
	return records, nil
}

// dedupRecords drops exact-duplicate prompt text, compared case-insensitively
// with whitespace collapsed. The first occurrence wins and order is
// preserved. No backfill round is triggered for the dropped records.
func dedupRecords(records []model.PromptRecord) ([]model.PromptRecord, int) {
	seen := make(map[string]struct{}, len(records))
	kept := make([]model.PromptRecord, 0, len(records))
	dropped := 0

	for _, rec := range records {
		key := normalizePrompt(rec.Prompt)
		if _, dup := seen[key]; dup {
			dropped++
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, rec)
	}
	return kept, dropped
}

func normalizePrompt(prompt string) string {
	return strings.ToLower(strings.Join(strings.Fields(prompt), " "))
}
