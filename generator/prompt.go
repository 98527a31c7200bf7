package generator

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/org-promptgen/model"
	"github.com/tmc/langchaingo/llms"
)

const systemPrompt = `You are a Salesforce testing expert generating test prompts for AI agents that operate against a real Salesforce org.

OUTPUT RULES (strictly enforced):
1. Output ONLY a valid JSON array: no markdown, no explanations, no code fences.
2. Generate EXACTLY the requested number of prompts, each a distinct instruction.
3. Use ACTUAL record names from the provided sample data wherever possible.
4. Vary difficulty across easy, medium, and hard.
5. The "expected_object" field must be a real object API name from the org context.
6. Include edge cases: boundary values, missing data, ambiguous phrasing.

` + recordSchema

// promptContext is the org grounding serialized into the user message.
type promptContext struct {
	SampleAccounts      []string            `json:"sample_accounts,omitempty"`
	SampleOpportunities []string            `json:"sample_opportunities,omitempty"`
	CustomObjects       []string            `json:"custom_objects,omitempty"`
	ObjectFields        map[string][]string `json:"object_fields,omitempty"`
}

// BuildUseCasePrompt builds the system+user message pair for one use case.
// The same messages are reused verbatim across retry attempts.
func BuildUseCasePrompt(summary model.MetadataSummary, objects []model.ObjectDescriptor, uc model.UseCase, requested int) []llms.MessageContent {
	pctx := buildPromptContext(objects, uc)
	contextJSON, _ := sonic.MarshalIndent(pctx, "", "  ")

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Generate exactly %d test prompts for this use case.\n\n", requested))
	sb.WriteString("USE CASE\n========\n")
	sb.WriteString(fmt.Sprintf("Id: %s\nName: %s\nDescription: %s\n", uc.ID, uc.Name, uc.Description))
	if len(uc.Objects) > 0 {
		sb.WriteString(fmt.Sprintf("Associated objects: %s\n", strings.Join(uc.Objects, ", ")))
	}

	sb.WriteString("\nORG CONTEXT\n===========\n")
	sb.WriteString(fmt.Sprintf("Org: %s (sandbox: %t, custom objects: %d, flows: %d)\n",
		summary.OrgName, summary.Sandbox, summary.CustomObjectCount, summary.FlowCount))
	sb.Write(contextJSON)

	sb.WriteString(fmt.Sprintf("\n\nSet \"use_case\" to %q on every record.\n", uc.ID))
	sb.WriteString("Now generate the JSON array:\n")

	return []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextContent{Text: systemPrompt}},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextContent{Text: sb.String()}},
		},
	}
}

// buildPromptContext collects sample data and field names relevant to the
// use case. Field lists are restricted to the use case's associated objects
// to keep the request focused; sample data is always included.
func buildPromptContext(objects []model.ObjectDescriptor, uc model.UseCase) promptContext {
	pctx := promptContext{ObjectFields: make(map[string][]string)}

	associated := make(map[string]bool, len(uc.Objects))
	for _, name := range uc.Objects {
		associated[name] = true
	}

	for _, o := range objects {
		switch o.Name {
		case "Account":
			pctx.SampleAccounts = sampleNames(o.SampleRecords, 5)
		case "Opportunity":
			pctx.SampleOpportunities = sampleNames(o.SampleRecords, 5)
		}

		if o.Custom && len(pctx.CustomObjects) < 5 {
			pctx.CustomObjects = append(pctx.CustomObjects, o.Name)
		}

		if associated[o.Name] {
			names := make([]string, 0, len(o.Fields))
			for _, f := range o.Fields {
				names = append(names, f.Name)
			}
			if len(names) > 30 {
				names = names[:30]
			}
			pctx.ObjectFields[o.Name] = names
		}
	}

	if len(pctx.ObjectFields) == 0 {
		pctx.ObjectFields = nil
	}
	return pctx
}

func sampleNames(records []model.SampleRecord, limit int) []string {
	names := make([]string, 0, limit)
	for _, r := range records {
		if len(names) >= limit {
			break
		}
		if r.Name != "" {
			names = append(names, r.Name)
		}
	}
	return names
}

// ExtractJSONFromResponse strips markdown code fences and returns the first
// JSON array in the response, or "" when none is present.
func ExtractJSONFromResponse(content string) string {
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

	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(content[start : end+1])
}
