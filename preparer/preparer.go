// Package preparer asks an LLM for a test preparation plan: concrete org
// changes that would make the org a harder target for agent testing. Same
// parse-and-retry discipline as the prompt generator.
package preparer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/org-promptgen/logger"
	"github.com/mykhaliev/org-promptgen/model"
	"github.com/mykhaliev/org-promptgen/provider"
	"github.com/tmc/langchaingo/llms"
)

const maxAttempts = 3

const planPrompt = `You are a Salesforce testing expert. Create a comprehensive test preparation plan to challenge an AI agent's capabilities.

Cover these challenge categories where the org supports them:
1. Flow Challenges: deactivating flows, creating error flows
2. Data Ambiguity: duplicate/similar records to test disambiguation
3. Validation Challenges: validation rules that will trigger errors
4. Permission Tests: restricting access to test error handling
5. Performance Tests: sufficient data volume
6. Custom Object Tests: leveraging the org's actual custom objects
7. Edge Cases: unusual scenarios that test robustness

Return ONLY JSON with this structure, no additional text:
{
  "tasks": [
    {
      "category": "CATEGORY_NAME",
      "action": "brief description",
      "purpose": "why this is important",
      "manual_steps": ["step 1", "step 2"],
      "test_prompts": ["prompt 1", "prompt 2"],
      "verification": ["what to check"]
    }
  ]
}`

// orgContext is the org state serialized into the request.
type orgContext struct {
	OrgType       string   `json:"org_type,omitempty"`
	IsSandbox     bool     `json:"is_sandbox"`
	CustomObjects []string `json:"custom_objects,omitempty"`
	ActiveFlows   []string `json:"active_flows,omitempty"`
	InactiveFlows []string `json:"inactive_flows,omitempty"`
}

// Preparer holds the LLM handle used to produce plans.
type Preparer struct {
	llm llms.Model
}

func New(llm llms.Model) *Preparer {
	return &Preparer{llm: llm}
}

// GeneratePlan produces a preparation plan for the org. The request is built
// once and retried unmodified on parse failure; exhausting all attempts
// yields a GenerationError.
func (p *Preparer) GeneratePlan(ctx context.Context, summary model.MetadataSummary, objects []model.ObjectDescriptor, flows []model.FlowDescriptor, useCaseText string) (*model.PreparationPlan, error) {
	msgs := buildPlanPrompt(summary, objects, flows, useCaseText)

	var usage model.TokenUsage
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		logger.Logger.Debug("Generating preparation plan", "attempt", attempt, "max", maxAttempts)

		resp, err := p.llm.GenerateContent(ctx, msgs)
		if err != nil {
			lastErr = fmt.Errorf("LLM call failed: %w", err)
			continue
		}
		usage.Add(provider.UsageFromResponse(resp))

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

		plan, parseErr := parsePlan(rawContent)
		if parseErr != nil {
			lastErr = parseErr
			logger.Logger.Warn("Failed to parse preparation plan", "attempt", attempt, "error", parseErr)
			continue
		}

		plan.GeneratedAt = time.Now().UTC()
		plan.Tokens = usage
		logger.Logger.Info("Preparation plan generated", "tasks", len(plan.Tasks))
		return plan, nil
	}

	return nil, &model.GenerationError{UseCaseID: "preparation-plan", Attempts: maxAttempts, Err: lastErr}
}

func buildPlanPrompt(summary model.MetadataSummary, objects []model.ObjectDescriptor, flows []model.FlowDescriptor, useCaseText string) []llms.MessageContent {
	octx := orgContext{
		OrgType:   summary.OrgType,
		IsSandbox: summary.Sandbox,
	}
	for _, o := range objects {
		if o.Custom && len(octx.CustomObjects) < 10 {
			octx.CustomObjects = append(octx.CustomObjects, o.Name)
		}
	}
	for _, f := range flows {
		if f.Active && len(octx.ActiveFlows) < 5 {
			octx.ActiveFlows = append(octx.ActiveFlows, f.APIName)
		}
		if !f.Active && len(octx.InactiveFlows) < 5 {
			octx.InactiveFlows = append(octx.InactiveFlows, f.APIName)
		}
	}
	contextJSON, _ := sonic.MarshalIndent(octx, "", "  ")

	var sb strings.Builder
	sb.WriteString("CURRENT ORG STATE\n=================\n")
	sb.Write(contextJSON)
	if useCaseText != "" {
		sb.WriteString("\n\nORGANIZATION-SPECIFIC USE CASES\n===============================\n")
		sb.WriteString(useCaseText)
		sb.WriteString("\n\nIncorporate these use cases into the plan.")
	}
	sb.WriteString("\n\nNow generate the preparation plan JSON:\n")

	return []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextContent{Text: planPrompt}},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextContent{Text: sb.String()}},
		},
	}
}

func parsePlan(rawContent string) (*model.PreparationPlan, error) {
	jsonText := extractJSONObject(rawContent)
	if jsonText == "" {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	var plan model.PreparationPlan
	if err := sonic.Unmarshal([]byte(jsonText), &plan); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("plan contains no tasks")
	}
	return &plan, nil
}

// extractJSONObject strips code fences and returns the first JSON object in
// the response.
func extractJSONObject(content string) string {
	content = strings.TrimSpace(content)

	for _, fence := range []string{"```json", "```"} {
		if strings.HasPrefix(content, fence) {
			content = strings.TrimPrefix(content, fence)
			if idx := strings.LastIndex(content, "```"); idx >= 0 {
				content = content[:idx]
			}
			break
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(content[start : end+1])
}
