// Package export serializes generation results. Two formats: structured
// (JSON document carrying the metadata summary, generation metadata, and the
// grouped prompt records) and tabular (RFC 4180 CSV, one row per record).
// Both formats round-trip through the parsers in this package.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/org-promptgen/model"
)

// challengeDelimiter joins a record's challenge list into one CSV cell.
const challengeDelimiter = "; "

// listDelimiter joins preparation-plan list fields into one CSV cell.
const listDelimiter = " | "

var tabularHeader = []string{
	"use_case", "prompt", "expected_object", "difficulty", "challenges", "expected_behavior",
}

// Group pairs a use case with its generated records, insertion order
// preserved.
type Group struct {
	UseCase model.UseCase        `json:"use_case"`
	Prompts []model.PromptRecord `json:"prompts"`
}

// Document is the structured export payload.
type Document struct {
	SessionID    string                `json:"session_id"`
	Summary      model.MetadataSummary `json:"metadata_summary"`
	GeneratedAt  time.Time             `json:"generation_timestamp"`
	TotalPrompts int                   `json:"total_prompts"`
	Tokens       model.TokenUsage      `json:"tokens_used"`
	Reports      []model.UseCaseReport `json:"use_case_reports,omitempty"`
	Groups       []Group               `json:"use_cases"`
}

// Records flattens the document back into a single record list, preserving
// group order then insertion order.
func (d *Document) Records() []model.PromptRecord {
	var records []model.PromptRecord
	for _, g := range d.Groups {
		records = append(records, g.Prompts...)
	}
	return records
}

// Structured encodes the document as indented JSON.
func Structured(doc *Document) ([]byte, error) {
	data, err := sonic.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode structured export: %w", err)
	}
	return data, nil
}

// ParseStructured decodes a structured export back into a Document.
func ParseStructured(data []byte) (*Document, error) {
	var doc Document
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse structured export: %w", err)
	}
	return &doc, nil
}

// Tabular renders records as CSV. Fields containing commas, quotes, or
// newlines are quoted by the writer per RFC 4180.
func Tabular(records []model.PromptRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(tabularHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			rec.UseCase,
			rec.Prompt,
			rec.ExpectedObject,
			string(rec.Difficulty),
			strings.Join(rec.Challenges, challengeDelimiter),
			rec.ExpectedBehavior,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseTabular reads a tabular export back into records. The header row is
// required and validated.
func ParseTabular(data []byte) ([]model.PromptRecord, error) {
	r := csv.NewReader(bytes.NewReader(data))

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if len(header) != len(tabularHeader) {
		return nil, fmt.Errorf("unexpected CSV header: %v", header)
	}
	for i, col := range tabularHeader {
		if header[i] != col {
			return nil, fmt.Errorf("unexpected CSV column %d: got %q, want %q", i, header[i], col)
		}
	}

	var records []model.PromptRecord
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row: %w", err)
		}

		var challenges []string
		if row[4] != "" {
			challenges = strings.Split(row[4], challengeDelimiter)
		}
		records = append(records, model.PromptRecord{
			UseCase:          row[0],
			Prompt:           row[1],
			ExpectedObject:   row[2],
			Difficulty:       model.Difficulty(row[3]),
			Challenges:       challenges,
			ExpectedBehavior: row[5],
		})
	}
	return records, nil
}

// MetadataCSV renders the metadata summary as metric/value rows.
func MetadataCSV(summary model.MetadataSummary) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{
		{"Metric", "Value"},
		{"Org Name", summary.OrgName},
		{"Org Type", summary.OrgType},
		{"Is Sandbox", fmt.Sprintf("%t", summary.Sandbox)},
		{"Custom Objects", fmt.Sprintf("%d", summary.CustomObjectCount)},
		{"Total Flows", fmt.Sprintf("%d", summary.FlowCount)},
		{"Active Flows", fmt.Sprintf("%d", summary.ActiveFlowCount)},
	}
	for _, o := range summary.Objects {
		rows = append(rows, []string{
			"Object " + o.Name,
			fmt.Sprintf("%d fields, %d relationships", o.FieldCount, o.RelationshipCount),
		})
	}

	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("failed to write metadata CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// PlanCSV renders a preparation plan as CSV, list fields joined with the
// plan delimiter.
func PlanCSV(plan *model.PreparationPlan) ([]byte, error) {
	if plan == nil || len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("preparation plan is empty")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"category", "action", "purpose", "manual_steps", "test_prompts", "verification"}); err != nil {
		return nil, fmt.Errorf("failed to write plan CSV header: %w", err)
	}
	for _, task := range plan.Tasks {
		row := []string{
			task.Category,
			task.Action,
			task.Purpose,
			strings.Join(task.ManualSteps, listDelimiter),
			strings.Join(task.TestPrompts, listDelimiter),
			strings.Join(task.Verification, listDelimiter),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write plan CSV row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush plan CSV: %w", err)
	}
	return buf.Bytes(), nil
}
