package generator

import (
	"fmt"

	"github.com/mykhaliev/org-promptgen/model"
)

// ValidateRecords checks a parsed generation response against the request.
// Returns a list of human-readable error strings; an empty list means the
// records are valid. A count mismatch is treated as a failed attempt, since
// the model was told exactly how many records to produce.
func ValidateRecords(records []model.PromptRecord, useCaseID string, requested int) []string {
	var errs []string

	if len(records) == 0 {
		return []string{"no records in response"}
	}
	if len(records) != requested {
		errs = append(errs, fmt.Sprintf("expected %d records, got %d", requested, len(records)))
	}

	for i, rec := range records {
		recordLabel := fmt.Sprintf("record[%d]", i)

		if rec.Prompt == "" {
			errs = append(errs, fmt.Sprintf("%s: missing prompt", recordLabel))
		}
		if rec.ExpectedObject == "" {
			errs = append(errs, fmt.Sprintf("%s: missing expected_object", recordLabel))
		}
		if rec.ExpectedBehavior == "" {
			errs = append(errs, fmt.Sprintf("%s: missing expected_behavior", recordLabel))
		}
		if rec.Difficulty == "" {
			errs = append(errs, fmt.Sprintf("%s: missing difficulty", recordLabel))
		} else if !rec.Difficulty.Valid() {
			errs = append(errs, fmt.Sprintf("%s: unknown difficulty %q (valid: easy, medium, hard)",
				recordLabel, rec.Difficulty))
		}
		if rec.UseCase != useCaseID {
			errs = append(errs, fmt.Sprintf("%s: use_case %q does not match %q",
				recordLabel, rec.UseCase, useCaseID))
		}
	}

	return errs
}
