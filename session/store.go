// Package session owns per-session state and its lifecycle. A session is the
// sole unit of ownership: nothing outside it holds its children, and the only
// destruction paths are explicit cleanup and idle-timeout eviction.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mykhaliev/org-promptgen/logger"
	"github.com/mykhaliev/org-promptgen/model"
)

// DefaultIdleTimeout is the eviction window applied when the store is built
// with a non-positive timeout.
const DefaultIdleTimeout = 45 * time.Minute

// sweepInterval is how often the background sweeper scans for idle sessions.
const sweepInterval = 1 * time.Minute

// Session is the aggregate root for one pipeline run. All access goes
// through Store.With, which serializes operations on the same session.
type Session struct {
	ID    string
	State model.SessionState

	Summary model.MetadataSummary
	Objects []model.ObjectDescriptor
	Flows   []model.FlowDescriptor

	// UseCaseText is the raw description the use cases were inferred from,
	// kept for the preparation plan request.
	UseCaseText string

	// UseCases is keyed by use-case id; UseCaseOrder preserves production
	// order for export.
	UseCases     map[string]model.UseCase
	UseCaseOrder []string

	// Prompts maps use-case id to its records in insertion order.
	Prompts map[string][]model.PromptRecord
	Reports []model.UseCaseReport
	Usage   model.TokenUsage

	Plan *model.PreparationPlan

	mu         sync.Mutex
	lastAccess time.Time
}

// SetMetadata attaches the extraction output and inferred use cases,
// transitioning created -> metadata-ready. Valid only once, on a fresh
// session.
func (s *Session) SetMetadata(result ExtractionData, useCases []model.UseCase, useCaseText string) error {
	if s.State != model.StateCreated {
		return &model.InvalidStateError{ID: s.ID, State: s.State, Op: "extract"}
	}

	s.Summary = result.Summary
	s.Objects = result.Objects
	s.Flows = result.Flows
	s.UseCaseText = useCaseText
	s.UseCases = make(map[string]model.UseCase, len(useCases))
	s.UseCaseOrder = s.UseCaseOrder[:0]
	for _, uc := range useCases {
		s.UseCases[uc.ID] = uc
		s.UseCaseOrder = append(s.UseCaseOrder, uc.ID)
	}
	s.State = model.StateMetadataReady
	return nil
}

// StorePrompts records a generation batch, transitioning to prompts-ready.
// Valid in metadata-ready (first batch) and prompts-ready (regeneration).
// Prompt records may only reference use cases the session knows.
func (s *Session) StorePrompts(prompts map[string][]model.PromptRecord, reports []model.UseCaseReport, usage model.TokenUsage) error {
	if s.State != model.StateMetadataReady && s.State != model.StatePromptsReady {
		return &model.InvalidStateError{ID: s.ID, State: s.State, Op: "generate"}
	}

	stored := 0
	for ucID, records := range prompts {
		if _, known := s.UseCases[ucID]; !known {
			return &model.ValidationError{Field: "use_cases", Msg: "prompt records reference unknown use case " + ucID}
		}
		stored += len(records)
	}
	// prompts-ready requires at least one record somewhere.
	if stored == 0 {
		return &model.ValidationError{Field: "prompts", Msg: "generation produced no records"}
	}

	s.Prompts = prompts
	s.Reports = reports
	s.Usage.Add(usage)
	s.State = model.StatePromptsReady
	return nil
}

// RequireState errors unless the session is in one of the given states.
func (s *Session) RequireState(op string, states ...model.SessionState) error {
	for _, state := range states {
		if s.State == state {
			return nil
		}
	}
	return &model.InvalidStateError{ID: s.ID, State: s.State, Op: op}
}

// ExtractionData is the extraction output a session stores. Declared here so
// the store does not depend on the extraction package.
type ExtractionData struct {
	Summary model.MetadataSummary
	Objects []model.ObjectDescriptor
	Flows   []model.FlowDescriptor
}

// Store is the in-memory session registry.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
}

// NewStore creates a store with the given idle-eviction window.
func NewStore(idleTimeout time.Duration) *Store {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Store{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
	}
}

// Create registers a fresh session in state created. Session ids are UUIDs:
// opaque and unguessable.
func (s *Store) Create() *Session {
	sess := &Session{
		ID:         uuid.NewString(),
		State:      model.StateCreated,
		lastAccess: time.Now(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	logger.Logger.Info("Session created", "session_id", sess.ID)
	return sess
}

// With runs fn with the session locked, serializing all operations addressed
// to the same session. Unknown, expired, and closed sessions yield
// SessionNotFoundError; expiry is also applied lazily here, so an idle
// session is gone on its next access even if the sweeper has not run yet.
//
// Lock order: s.mu and sess.mu are never held together. The expiry branch
// releases sess.mu before touching the registry, so it cannot cross a
// concurrent sweep that holds s.mu and wants sess.mu.
func (s *Store) With(id string, fn func(*Session) error) error {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return &model.SessionNotFoundError{ID: id}
	}

	sess.mu.Lock()

	if time.Since(sess.lastAccess) > s.idleTimeout {
		sess.State = model.StateClosed
		sess.mu.Unlock()
		s.remove(id)
		logger.Logger.Info("Session expired on access", "session_id", id)
		return &model.SessionNotFoundError{ID: id}
	}
	if sess.State == model.StateClosed {
		sess.mu.Unlock()
		return &model.SessionNotFoundError{ID: id}
	}

	sess.lastAccess = time.Now()
	defer sess.mu.Unlock()
	return fn(sess)
}

// Cleanup destroys a session. A second cleanup of the same id reports
// SessionNotFoundError, like any other access to a destroyed session.
func (s *Store) Cleanup(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return &model.SessionNotFoundError{ID: id}
	}

	sess.mu.Lock()
	sess.State = model.StateClosed
	sess.mu.Unlock()

	logger.Logger.Info("Session cleaned up", "session_id", id)
	return nil
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// StartSweeper launches the background eviction loop. It stops when ctx is
// cancelled.
func (s *Store) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// sweep evicts idle sessions. The registry lock is released before any
// session lock is taken, so a sweep never blocks the store behind one
// long-running session operation and never nests the two locks.
func (s *Store) sweep() {
	now := time.Now()

	s.mu.RLock()
	candidates := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		candidates = append(candidates, sess)
	}
	s.mu.RUnlock()

	for _, sess := range candidates {
		sess.mu.Lock()
		idle := sess.State != model.StateClosed && now.Sub(sess.lastAccess) > s.idleTimeout
		if idle {
			sess.State = model.StateClosed
		}
		sess.mu.Unlock()

		if idle {
			s.remove(sess.ID)
			logger.Logger.Info("Idle session evicted", "session_id", sess.ID)
		}
	}
}

func (s *Store) remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}
