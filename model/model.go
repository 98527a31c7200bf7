// Package model holds the domain types shared across the pipeline: org
// metadata, use cases, generated prompt records, sessions, and the error
// taxonomy.
package model

import (
	"time"
)

// ============================================================================
// CRM CREDENTIALS
// ============================================================================

// Credentials are the Salesforce connection parameters plus the LLM provider
// key. They are consumed exactly once by the metadata extraction step and
// never stored on a session.
type Credentials struct {
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	SecurityToken string `yaml:"security_token"`
	// Domain selects the login host: "login" for production, "test" for sandbox.
	Domain string `yaml:"domain"`
}

func (c Credentials) Validate() error {
	if c.Username == "" || c.Password == "" {
		return &ValidationError{Field: "credentials", Msg: "username and password are required"}
	}
	return nil
}

// LoginHost returns the Salesforce login hostname for the configured domain.
func (c Credentials) LoginHost() string {
	if c.Domain == "" || c.Domain == "login" {
		return "login.salesforce.com"
	}
	return c.Domain + ".salesforce.com"
}

// ============================================================================
// ORG METADATA
// ============================================================================

type FieldDescriptor struct {
	Name             string   `json:"name"`
	Label            string   `json:"label"`
	Type             string   `json:"type"`
	Custom           bool     `json:"custom"`
	PicklistValues   []string `json:"picklistValues,omitempty"`
	ReferenceTo      []string `json:"referenceTo,omitempty"`
	RelationshipName string   `json:"relationshipName,omitempty"`
}

type SampleRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ObjectDescriptor is the full per-object metadata used to ground prompt
// generation. Fields are populated only for priority and custom objects.
type ObjectDescriptor struct {
	Name          string            `json:"name"`
	Label         string            `json:"label"`
	Custom        bool              `json:"custom"`
	KeyPrefix     string            `json:"keyPrefix,omitempty"`
	Fields        []FieldDescriptor `json:"fields,omitempty"`
	SampleRecords []SampleRecord    `json:"sampleRecords,omitempty"`
}

// RelationshipCount counts fields that reference another object.
func (o ObjectDescriptor) RelationshipCount() int {
	n := 0
	for _, f := range o.Fields {
		if len(f.ReferenceTo) > 0 {
			n++
		}
	}
	return n
}

type FlowDescriptor struct {
	APIName     string `json:"apiName"`
	Label       string `json:"label"`
	ProcessType string `json:"processType,omitempty"`
	Active      bool   `json:"active"`
}

// ObjectSummary is the bounded per-object entry carried on MetadataSummary.
type ObjectSummary struct {
	Name              string `json:"name"`
	FieldCount        int    `json:"fieldCount"`
	RelationshipCount int    `json:"relationshipCount"`
}

// MaxSummaryObjects bounds the object list embedded in a MetadataSummary.
const MaxSummaryObjects = 25

// MetadataSummary is the immutable snapshot attached to a session after
// extraction. It is never mutated after creation.
type MetadataSummary struct {
	OrgID             string          `json:"orgId"`
	OrgName           string          `json:"orgName"`
	OrgType           string          `json:"orgType,omitempty"`
	Sandbox           bool            `json:"sandbox"`
	CustomObjectCount int             `json:"customObjectCount"`
	FlowCount         int             `json:"flowCount"`
	ActiveFlowCount   int             `json:"activeFlowCount"`
	Objects           []ObjectSummary `json:"objects"`
	ExtractedAt       time.Time       `json:"extractedAt"`
}

// ============================================================================
// USE CASES
// ============================================================================

const (
	DefaultPromptCount = 3
	MinPromptCount     = 1
	MaxPromptCount     = 20
)

// UseCase is a testing scenario proposal. ID, Name, and Description are
// immutable once created; only PromptCount may be adjusted by the caller
// before generation.
type UseCase struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	PromptCount int      `json:"prompt_count"`
	// Objects lists the org objects the scenario was associated with.
	// Empty for generic use cases that matched no known object.
	Objects []string `json:"objects,omitempty"`
}

// ClampPromptCount forces the requested count into the allowed range.
func ClampPromptCount(n int) int {
	if n < MinPromptCount {
		return DefaultPromptCount
	}
	if n > MaxPromptCount {
		return MaxPromptCount
	}
	return n
}

// ============================================================================
// PROMPT RECORDS
// ============================================================================

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// PromptRecord is one generated test instruction with its structured
// annotations. Records are immutable after creation; ordering within a use
// case is insertion order.
type PromptRecord struct {
	UseCase          string     `json:"use_case"`
	Prompt           string     `json:"prompt"`
	ExpectedObject   string     `json:"expected_object"`
	Difficulty       Difficulty `json:"difficulty"`
	Challenges       []string   `json:"challenges"`
	ExpectedBehavior string     `json:"expected_behavior"`
}

// TokenUsage accumulates LLM token accounting across generation calls.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

func (t *TokenUsage) Add(other TokenUsage) {
	t.Input += other.Input
	t.Output += other.Output
}

// UseCaseReport describes the outcome of generation for one use case.
// A failed use case carries Err and no records; a successful one may still
// report a shortfall when duplicates were dropped.
type UseCaseReport struct {
	UseCaseID         string `json:"use_case_id"`
	Requested         int    `json:"requested"`
	Stored            int    `json:"stored"`
	DuplicatesDropped int    `json:"duplicates_dropped"`
	Err               error  `json:"-"`
	FailureReason     string `json:"failure_reason,omitempty"`
}

// Shortfall is how many requested prompts were not stored.
func (r UseCaseReport) Shortfall() int {
	return r.Requested - r.Stored
}

// ============================================================================
// TEST PREPARATION PLAN
// ============================================================================

type PreparationTask struct {
	Category     string   `json:"category"`
	Action       string   `json:"action"`
	Purpose      string   `json:"purpose"`
	ManualSteps  []string `json:"manual_steps"`
	TestPrompts  []string `json:"test_prompts"`
	Verification []string `json:"verification"`
}

type PreparationPlan struct {
	Tasks       []PreparationTask `json:"tasks"`
	GeneratedAt time.Time         `json:"generated_at"`
	Model       string            `json:"model,omitempty"`
	Tokens      TokenUsage        `json:"tokens_used"`
}

// ============================================================================
// SESSION STATE
// ============================================================================

type SessionState string

const (
	StateCreated       SessionState = "created"
	StateMetadataReady SessionState = "metadata-ready"
	StatePromptsReady  SessionState = "prompts-ready"
	StateClosed        SessionState = "closed"
)

// ============================================================================
// LLM PROVIDER CONFIGURATION
// ============================================================================

type ProviderType string

const (
	ProviderGroq            ProviderType = "GROQ"
	ProviderGoogle          ProviderType = "GOOGLE"
	ProviderVertex          ProviderType = "VERTEX"
	ProviderAnthropic       ProviderType = "ANTHROPIC"
	ProviderAmazonAnthropic ProviderType = "AMAZON-ANTHROPIC"
	ProviderOpenAI          ProviderType = "OPENAI"
	ProviderAzure           ProviderType = "AZURE"
)

// RateLimitConfig throttles requests before they are sent.
type RateLimitConfig struct {
	TPM int `yaml:"tpm"` // Tokens per minute
	RPM int `yaml:"rpm"` // Requests per minute
}

// RetryConfig controls reactive handling of provider 429 responses. This is
// distinct from the generator's bounded parse-failure retry.
type RetryConfig struct {
	RetryOn429 bool `yaml:"retry_on_429"`
	MaxRetries int  `yaml:"max_retries"`
}

type Provider struct {
	Name            string          `yaml:"name"`
	Type            ProviderType    `yaml:"type"`
	Token           string          `yaml:"token"`
	Secret          string          `yaml:"secret"`
	Model           string          `yaml:"model"`
	BaseURL         string          `yaml:"baseUrl"`
	Version         string          `yaml:"version"`          // Azure API version
	ProjectID       string          `yaml:"project_id"`       // Vertex
	Location        string          `yaml:"location"`         // Vertex / Bedrock region
	CredentialsPath string          `yaml:"credentials_path"` // Vertex
	AuthType        string          `yaml:"auth_type"`        // Azure: "api_key" (default) or "entra_id"
	RateLimits      RateLimitConfig `yaml:"rate_limits"`
	Retry           RetryConfig     `yaml:"retry"`
}
