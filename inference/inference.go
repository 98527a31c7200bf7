// Package inference turns a free-text use-case description into structured
// UseCase proposals. The segmentation is a deterministic heuristic, not an
// LLM call: identical input always yields identical proposals, and recall is
// preferred over precision since a human curates the list before generation.
package inference

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mykhaliev/org-promptgen/model"
)

// actionVerbs are the verbs that mark a text segment as a candidate test
// scenario. Matching is case-insensitive against whole words.
var actionVerbs = map[string]struct{}{
	"query": {}, "create": {}, "update": {}, "delete": {}, "search": {},
	"find": {}, "list": {}, "view": {}, "report": {}, "calculate": {},
	"track": {}, "manage": {}, "convert": {}, "assign": {}, "escalate": {},
	"close": {}, "generate": {}, "add": {}, "sum": {}, "count": {},
	"log": {}, "review": {}, "verify": {}, "test": {}, "check": {},
	"retrieve": {}, "filter": {}, "aggregate": {}, "compare": {}, "link": {},
	"merge": {}, "approve": {}, "reject": {}, "renew": {}, "cancel": {},
}

// crmTerms is common CRM vocabulary that qualifies a segment even when no
// org object matches it.
var crmTerms = []string{
	"account", "contact", "lead", "opportunity", "case", "record",
	"pipeline", "campaign", "quote", "order", "policy", "claim",
	"customer", "deal", "task", "report", "dashboard", "flow",
}

// InferUseCases partitions the description into scenario segments and
// associates each with the most plausible org objects. Segments matching no
// object are kept as generic use cases. An empty description is a caller
// error.
func InferUseCases(summary model.MetadataSummary, objects []model.ObjectDescriptor, description string) ([]model.UseCase, error) {
	if strings.TrimSpace(description) == "" {
		return nil, &model.ValidationError{Field: "description", Msg: "use-case description is empty"}
	}

	segments := segmentDescription(description)

	var useCases []model.UseCase
	for _, seg := range segments {
		if !isCandidate(seg) {
			continue
		}
		matched := associateObjects(seg, summary, objects)
		useCases = append(useCases, model.UseCase{
			ID:          fmt.Sprintf("uc%d", len(useCases)+1),
			Name:        segmentTitle(seg),
			Description: seg,
			PromptCount: model.DefaultPromptCount,
			Objects:     matched,
		})
	}

	// Nothing survived segmentation: treat the whole description as one
	// generic use case rather than returning an empty list.
	if len(useCases) == 0 {
		seg := collapseWhitespace(description)
		useCases = append(useCases, model.UseCase{
			ID:          "uc1",
			Name:        segmentTitle(seg),
			Description: seg,
			PromptCount: model.DefaultPromptCount,
			Objects:     associateObjects(seg, summary, objects),
		})
	}

	return useCases, nil
}

// segmentDescription splits on line boundaries first, then on sentence
// terminators within each line. Bullet markers and list numbering are
// stripped.
func segmentDescription(description string) []string {
	var segments []string
	for _, line := range strings.Split(description, "\n") {
		line = stripBullet(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		for _, sentence := range splitSentences(line) {
			sentence = collapseWhitespace(sentence)
			if sentence != "" {
				segments = append(segments, sentence)
			}
		}
	}
	return segments
}

func splitSentences(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return r == '.' || r == ';' || r == '!' || r == '?'
	})
}

func stripBullet(line string) string {
	line = strings.TrimLeft(line, "-*• \t")
	// Numbered lists: "1." / "2)" prefixes.
	trimmed := strings.TrimLeft(line, "0123456789")
	if trimmed != line && len(trimmed) > 0 && (trimmed[0] == '.' || trimmed[0] == ')') {
		line = strings.TrimSpace(trimmed[1:])
	}
	return line
}

// isCandidate keeps segments long enough to describe a scenario and
// containing either an action verb or CRM vocabulary.
func isCandidate(segment string) bool {
	words := lowerWords(segment)
	if len(words) < 3 {
		return false
	}
	for _, w := range words {
		if _, ok := actionVerbs[w]; ok {
			return true
		}
	}
	lower := strings.ToLower(segment)
	for _, term := range crmTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// associateObjects matches segment words against object API name and label
// tokens, case-insensitively and with plural folding, so "policies" matches
// Insurance_Policy__c without the segment spelling out the full name.
func associateObjects(segment string, summary model.MetadataSummary, objects []model.ObjectDescriptor) []string {
	words := make(map[string]struct{})
	for _, w := range lowerWords(segment) {
		words[foldPlural(w)] = struct{}{}
	}

	var matched []string
	seen := make(map[string]struct{})
	add := func(name string) {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			matched = append(matched, name)
		}
	}

	for _, o := range objects {
		if objectMentioned(words, o.Name, o.Label) {
			add(o.Name)
		}
	}
	// Summary may carry objects the detailed list does not.
	for _, o := range summary.Objects {
		if objectMentioned(words, o.Name, "") {
			add(o.Name)
		}
	}

	return matched
}

func objectMentioned(segmentWords map[string]struct{}, apiName, label string) bool {
	for _, token := range strings.Fields(normalizeObjectName(apiName)) {
		if _, ok := segmentWords[foldPlural(token)]; ok {
			return true
		}
	}
	for _, token := range strings.Fields(strings.ToLower(label)) {
		if _, ok := segmentWords[foldPlural(token)]; ok {
			return true
		}
	}
	return false
}

// foldPlural reduces naive English plurals so "policies" and "policy", or
// "claims" and "claim", compare equal. Both sides of a comparison go through
// it, so words that merely end in s still line up.
func foldPlural(word string) string {
	if strings.HasSuffix(word, "ies") && len(word) > 3 {
		return word[:len(word)-3] + "y"
	}
	if strings.HasSuffix(word, "s") && len(word) > 3 {
		return word[:len(word)-1]
	}
	return word
}

// normalizeObjectName lowercases an API name and turns Insurance_Policy__c
// into "insurance policy".
func normalizeObjectName(apiName string) string {
	name := strings.ToLower(apiName)
	name = strings.TrimSuffix(name, "__c")
	name = strings.TrimSuffix(name, "__r")
	return strings.ReplaceAll(name, "_", " ")
}

// segmentTitle derives a short display name from the segment text.
func segmentTitle(segment string) string {
	words := strings.Fields(segment)
	if len(words) > 8 {
		words = words[:8]
	}
	title := strings.Join(words, " ")
	if title == "" {
		return "General Scenario"
	}
	runes := []rune(title)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func lowerWords(segment string) []string {
	return strings.FieldsFunc(strings.ToLower(segment), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
