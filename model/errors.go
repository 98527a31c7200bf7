package model

import "fmt"

// Stage identifies which part of the pipeline produced an error. Every
// surfaced error carries one so callers can re-request only the failed
// portion.
type Stage string

const (
	StageExtract  Stage = "extract"
	StageInfer    Stage = "infer"
	StageGenerate Stage = "generate"
	StagePrepare  Stage = "prepare"
	StageExport   Stage = "export"
	StageSession  Stage = "session"
)

// ValidationError reports malformed or empty caller input. Never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Msg)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// AuthenticationError carries the CRM's own rejection reason verbatim.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: salesforce rejected credentials: %s", StageExtract, e.Reason)
}

// ConnectivityError wraps a network or timeout failure reaching the CRM.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: salesforce unreachable: %v", StageExtract, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// QuotaError reports that the CRM API rate-limited the session.
type QuotaError struct {
	Detail string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: salesforce API limit exceeded: %s", StageExtract, e.Detail)
}

// GenerationError is attached to a single use case when all generation
// attempts for it failed. It never aborts the batch.
type GenerationError struct {
	UseCaseID string
	Attempts  int
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s: use case %s failed after %d attempts: %v",
		StageGenerate, e.UseCaseID, e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// SessionNotFoundError reports an unknown, expired, or closed session id.
type SessionNotFoundError struct {
	ID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("%s: session %s not found", StageSession, e.ID)
}

// InvalidStateError reports an operation addressed to a session in the
// wrong state for that operation.
type InvalidStateError struct {
	ID    string
	State SessionState
	Op    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: session %s is in state %q, operation %q not permitted",
		StageSession, e.ID, e.State, e.Op)
}
