// Package report provides HTML report generation using Go templates
package report

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"os"
	"strings"

	"github.com/mykhaliev/org-promptgen/export"
	"github.com/mykhaliev/org-promptgen/logger"
	"github.com/mykhaliev/org-promptgen/model"
	"github.com/mykhaliev/org-promptgen/version"
)

//go:embed templates/*.html templates/*.css
var templateFS embed.FS

// ReportData represents the data structure passed to the HTML template
type ReportData struct {
	CSS         template.CSS
	Version     string
	GeneratedAt string
	Summary     SummaryData
	UseCases    []UseCaseView
	Failures    []FailureView
	HasFailures bool
}

// SummaryData holds the org and generation totals shown in the header
type SummaryData struct {
	SessionID     string
	OrgName       string
	OrgType       string
	Sandbox       bool
	CustomObjects int
	ActiveFlows   int
	UseCaseCount  int
	TotalPrompts  int
	InputTokens   int
	OutputTokens  int
}

// UseCaseView represents one use case section with its prompt table
type UseCaseView struct {
	ID          string
	Name        string
	Description string
	Objects     string
	Prompts     []PromptView
	Shortfall   int
}

// PromptView represents a single prompt row
type PromptView struct {
	Prompt           string
	ExpectedObject   string
	Difficulty       string
	DifficultyClass  string
	Challenges       string
	ExpectedBehavior string
}

// FailureView represents a use case that produced no prompts
type FailureView struct {
	UseCaseID string
	Attempts  int
	Reason    string
}

// Generator renders generation results as a standalone HTML page
type Generator struct {
	tmpl *template.Template
}

// NewGenerator parses the embedded templates
func NewGenerator() (*Generator, error) {
	funcMap := template.FuncMap{
		"add": func(a, b int) int {
			return a + b
		},
	}

	tmpl, err := template.New("report.html").Funcs(funcMap).ParseFS(templateFS, "templates/report.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	return &Generator{tmpl: tmpl}, nil
}

// GenerateHTML renders the export document as HTML
func (g *Generator) GenerateHTML(doc *export.Document) (string, error) {
	data, err := buildReportData(doc)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// GenerateHTMLToFile renders the document and writes it to a file
func (g *Generator) GenerateHTMLToFile(doc *export.Document, outputPath string) error {
	html, err := g.GenerateHTML(doc)
	if err != nil {
		return err
	}

	if err := os.WriteFile(outputPath, []byte(html), logger.FilePermission); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}

	logger.Logger.Info("HTML report written", "path", outputPath)
	return nil
}

func buildReportData(doc *export.Document) (*ReportData, error) {
	cssBytes, err := templateFS.ReadFile("templates/report.css")
	if err != nil {
		return nil, fmt.Errorf("failed to read report CSS: %w", err)
	}

	data := &ReportData{
		CSS:         template.CSS(cssBytes),
		Version:     version.Version,
		GeneratedAt: doc.GeneratedAt.Format("2006-01-02 15:04:05 MST"),
		Summary: SummaryData{
			SessionID:     doc.SessionID,
			OrgName:       doc.Summary.OrgName,
			OrgType:       doc.Summary.OrgType,
			Sandbox:       doc.Summary.Sandbox,
			CustomObjects: doc.Summary.CustomObjectCount,
			ActiveFlows:   doc.Summary.ActiveFlowCount,
			UseCaseCount:  len(doc.Groups),
			TotalPrompts:  doc.TotalPrompts,
			InputTokens:   doc.Tokens.Input,
			OutputTokens:  doc.Tokens.Output,
		},
	}

	shortfalls := make(map[string]int)
	for _, rep := range doc.Reports {
		if rep.Stored == 0 {
			failure := FailureView{
				UseCaseID: rep.UseCaseID,
				Reason:    rep.FailureReason,
			}
			var genErr *model.GenerationError
			if errors.As(rep.Err, &genErr) {
				failure.Attempts = genErr.Attempts
			}
			data.Failures = append(data.Failures, failure)
			continue
		}
		if s := rep.Shortfall(); s > 0 {
			shortfalls[rep.UseCaseID] = s
		}
	}
	data.HasFailures = len(data.Failures) > 0

	for _, group := range doc.Groups {
		view := UseCaseView{
			ID:          group.UseCase.ID,
			Name:        group.UseCase.Name,
			Description: group.UseCase.Description,
			Objects:     strings.Join(group.UseCase.Objects, ", "),
			Shortfall:   shortfalls[group.UseCase.ID],
		}
		for _, rec := range group.Prompts {
			view.Prompts = append(view.Prompts, PromptView{
				Prompt:           rec.Prompt,
				ExpectedObject:   rec.ExpectedObject,
				Difficulty:       string(rec.Difficulty),
				DifficultyClass:  difficultyClass(rec.Difficulty),
				Challenges:       strings.Join(rec.Challenges, ", "),
				ExpectedBehavior: rec.ExpectedBehavior,
			})
		}
		data.UseCases = append(data.UseCases, view)
	}

	return data, nil
}

func difficultyClass(d model.Difficulty) string {
	switch d {
	case model.DifficultyEasy:
		return "difficulty-easy"
	case model.DifficultyMedium:
		return "difficulty-medium"
	case model.DifficultyHard:
		return "difficulty-hard"
	default:
		return "difficulty-unknown"
	}
}
