// Package engine wires the pipeline components around the session store and
// exposes the caller-facing operations: extract-and-infer, prompt
// generation, plan preparation, export, and cleanup.
package engine

import (
	"context"
	"time"

	"github.com/mykhaliev/org-promptgen/export"
	"github.com/mykhaliev/org-promptgen/generator"
	"github.com/mykhaliev/org-promptgen/inference"
	"github.com/mykhaliev/org-promptgen/logger"
	"github.com/mykhaliev/org-promptgen/model"
	"github.com/mykhaliev/org-promptgen/preparer"
	"github.com/mykhaliev/org-promptgen/salesforce"
	"github.com/mykhaliev/org-promptgen/session"
	"github.com/tmc/langchaingo/llms"
)

// Extractor fetches org metadata for a set of credentials. The production
// implementation is salesforce.Extract; tests inject their own.
type Extractor func(ctx context.Context, creds model.Credentials) (*salesforce.ExtractionResult, error)

// Service is the pipeline facade. All session access goes through the store,
// which serializes operations per session.
type Service struct {
	store   *session.Store
	gen     *generator.Generator
	prep    *preparer.Preparer
	extract Extractor
}

// NewService builds a Service around the given LLM.
func NewService(store *session.Store, llm llms.Model, concurrency int) *Service {
	return &Service{
		store:   store,
		gen:     generator.New(llm, concurrency),
		prep:    preparer.New(llm),
		extract: salesforce.Extract,
	}
}

// SetExtractor swaps the metadata extractor, for tests.
func (s *Service) SetExtractor(extract Extractor) {
	s.extract = extract
}

// ExtractResult is what ExtractAndInfer hands back to the caller.
type ExtractResult struct {
	SessionID string
	Summary   model.MetadataSummary
	UseCases  []model.UseCase
	Warnings  []string
}

// ExtractAndInfer authenticates against the org, extracts metadata, infers
// use cases from the description, and opens a session holding the results.
// The credentials are not retained: they are consumed by the extraction call
// and go out of scope with it. No session is created when extraction or
// inference fails.
func (s *Service) ExtractAndInfer(ctx context.Context, creds model.Credentials, description string) (*ExtractResult, error) {
	extracted, err := s.extract(ctx, creds)
	if err != nil {
		return nil, err
	}

	useCases, err := inference.InferUseCases(extracted.Summary, extracted.Objects, description)
	if err != nil {
		return nil, err
	}

	sess := s.store.Create()
	err = s.store.With(sess.ID, func(sess *session.Session) error {
		return sess.SetMetadata(session.ExtractionData{
			Summary: extracted.Summary,
			Objects: extracted.Objects,
			Flows:   extracted.Flows,
		}, useCases, description)
	})
	if err != nil {
		return nil, err
	}

	logger.Logger.Info("Session ready for generation",
		"session_id", sess.ID,
		"use_cases", len(useCases))

	return &ExtractResult{
		SessionID: sess.ID,
		Summary:   extracted.Summary,
		UseCases:  useCases,
		Warnings:  extracted.Warnings,
	}, nil
}

// GenerateResult is the outcome of one generation call.
type GenerateResult struct {
	Prompts map[string][]model.PromptRecord
	Reports []model.UseCaseReport
	Usage   model.TokenUsage
}

// GeneratePrompts runs generation for the caller-approved use cases. Every
// use case must be one the session inferred; counts are the caller's
// finalized values. Partial success is terminal: the session reaches
// prompts-ready as long as one use case produced records, and the per-use-
// case reports carry the failures.
func (s *Service) GeneratePrompts(ctx context.Context, sessionID string, useCases []model.UseCase) (*GenerateResult, error) {
	var approved []model.UseCase
	var summary model.MetadataSummary
	var objects []model.ObjectDescriptor

	err := s.store.With(sessionID, func(sess *session.Session) error {
		if err := sess.RequireState("generate", model.StateMetadataReady, model.StatePromptsReady); err != nil {
			return err
		}
		if len(useCases) == 0 {
			return &model.ValidationError{Field: "use_cases", Msg: "at least one use case is required"}
		}
		for _, uc := range useCases {
			known, ok := sess.UseCases[uc.ID]
			if !ok {
				return &model.ValidationError{Field: "use_cases", Msg: "unknown use case " + uc.ID}
			}
			known.PromptCount = model.ClampPromptCount(uc.PromptCount)
			approved = append(approved, known)
		}
		summary = sess.Summary
		objects = sess.Objects
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The LLM fan-out runs without the session lock held; only the final
	// aggregation below re-enters the session.
	batch, err := s.gen.GenerateBatch(ctx, summary, objects, approved)
	if err != nil {
		return nil, err
	}

	if batch.Succeeded() {
		err = s.store.With(sessionID, func(sess *session.Session) error {
			for _, uc := range approved {
				sess.UseCases[uc.ID] = uc
			}
			return sess.StorePrompts(batch.Prompts, batch.Reports, batch.Usage)
		})
		if err != nil {
			return nil, err
		}
	}

	return &GenerateResult{
		Prompts: batch.Prompts,
		Reports: batch.Reports,
		Usage:   batch.Usage,
	}, nil
}

// PreparePlan generates (or returns the cached) test preparation plan for a
// session. Valid once metadata is ready; generation need not have run.
func (s *Service) PreparePlan(ctx context.Context, sessionID string) (*model.PreparationPlan, error) {
	var summary model.MetadataSummary
	var objects []model.ObjectDescriptor
	var flows []model.FlowDescriptor
	var useCaseText string
	var cached *model.PreparationPlan

	err := s.store.With(sessionID, func(sess *session.Session) error {
		if err := sess.RequireState("prepare", model.StateMetadataReady, model.StatePromptsReady); err != nil {
			return err
		}
		if sess.Plan != nil {
			cached = sess.Plan
			return nil
		}
		summary = sess.Summary
		objects = sess.Objects
		flows = sess.Flows
		useCaseText = sess.UseCaseText
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	plan, err := s.prep.GeneratePlan(ctx, summary, objects, flows, useCaseText)
	if err != nil {
		return nil, err
	}

	err = s.store.With(sessionID, func(sess *session.Session) error {
		sess.Plan = plan
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// Export serializes the session's prompt records in the requested format
// ("structured" or "tabular"). Valid only in prompts-ready.
func (s *Service) Export(sessionID, format string) ([]byte, error) {
	if format != "structured" && format != "tabular" {
		return nil, &model.ValidationError{Field: "format", Msg: "format must be \"structured\" or \"tabular\""}
	}

	var data []byte
	err := s.store.With(sessionID, func(sess *session.Session) error {
		if err := sess.RequireState("export", model.StatePromptsReady); err != nil {
			return err
		}

		if format == "tabular" {
			var records []model.PromptRecord
			for _, ucID := range sess.UseCaseOrder {
				records = append(records, sess.Prompts[ucID]...)
			}
			var err error
			data, err = export.Tabular(records)
			return err
		}

		doc := buildDocument(sess)
		var err error
		data, err = export.Structured(doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ExportDocument returns the structured export document itself, for renderers
// that need the grouped data rather than serialized bytes. Valid only in
// prompts-ready.
func (s *Service) ExportDocument(sessionID string) (*export.Document, error) {
	var doc *export.Document
	err := s.store.With(sessionID, func(sess *session.Session) error {
		if err := sess.RequireState("export", model.StatePromptsReady); err != nil {
			return err
		}
		doc = buildDocument(sess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ExportMetadata renders the session's metadata summary as metric/value CSV.
// Valid once metadata is ready.
func (s *Service) ExportMetadata(sessionID string) ([]byte, error) {
	var data []byte
	err := s.store.With(sessionID, func(sess *session.Session) error {
		if err := sess.RequireState("export", model.StateMetadataReady, model.StatePromptsReady); err != nil {
			return err
		}
		var err error
		data, err = export.MetadataCSV(sess.Summary)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ExportPlan renders the session's preparation plan as CSV. The plan must
// have been generated first.
func (s *Service) ExportPlan(sessionID string) ([]byte, error) {
	var data []byte
	err := s.store.With(sessionID, func(sess *session.Session) error {
		if err := sess.RequireState("export", model.StateMetadataReady, model.StatePromptsReady); err != nil {
			return err
		}
		if sess.Plan == nil {
			return &model.ValidationError{Field: "plan", Msg: "no preparation plan has been generated"}
		}
		var err error
		data, err = export.PlanCSV(sess.Plan)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Cleanup destroys a session. Unknown and already-cleaned ids report
// SessionNotFoundError.
func (s *Service) Cleanup(sessionID string) error {
	return s.store.Cleanup(sessionID)
}

func buildDocument(sess *session.Session) *export.Document {
	doc := &export.Document{
		SessionID:   sess.ID,
		Summary:     sess.Summary,
		GeneratedAt: time.Now().UTC(),
		Tokens:      sess.Usage,
		Reports:     sess.Reports,
	}
	for _, ucID := range sess.UseCaseOrder {
		records, ok := sess.Prompts[ucID]
		if !ok {
			continue
		}
		doc.Groups = append(doc.Groups, export.Group{
			UseCase: sess.UseCases[ucID],
			Prompts: records,
		})
		doc.TotalPrompts += len(records)
	}
	return doc
}
