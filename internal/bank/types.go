package bank

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors for bank operations.
var (
	ErrInvalidTrace     = errors.New("invalid trace")
	ErrEmptySteps       = errors.New("trace must contain at least one step")
	ErrInvalidOutcome   = errors.New("outcome must be 'success' or 'failure'")
	ErrInvalidPhase     = errors.New("step phase must be observe, think, act or reflect")
	ErrEmptyAgentType   = errors.New("agent type cannot be empty")
	ErrEmptyRequestID   = errors.New("request ID cannot be empty")
	ErrInvalidFeedback  = errors.New("invalid feedback")
	ErrInvalidScore     = errors.New("score must be between 0.0 and 1.0")
	ErrUnknownAgentType = errors.New("agent type has no task-type mapping")
	ErrEmptyQuery       = errors.New("query cannot be empty")
	ErrEmptyDomain      = errors.New("domain cannot be empty")
)

// Tunable constants for reward bookkeeping.
const (
	// InitialReward is the neutral reward assigned on first occurrence of
	// a fingerprint.
	InitialReward = 0.5

	// FeedbackAlpha is the fixed EMA weight for blending external quality
	// scores into a pattern's reward. The original system's weighting is
	// underspecified; 0.3 keeps a single score from dominating accumulated
	// usage history while still moving the needle.
	FeedbackAlpha = 0.3

	// DefaultSearchLimit is the default maximum number of search results.
	DefaultSearchLimit = 10

	// DefaultMinSimilarity is the default similarity floor for retrieval.
	DefaultMinSimilarity = 0.3
)

// Outcome is the result of a reasoning episode.
type Outcome string

const (
	// OutcomeSuccess indicates the episode completed successfully.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure indicates the episode failed.
	OutcomeFailure Outcome = "failure"
)

// Phase identifies which part of the reasoning loop a step belongs to.
type Phase string

const (
	PhaseObserve Phase = "observe"
	PhaseThink   Phase = "think"
	PhaseAct     Phase = "act"
	PhaseReflect Phase = "reflect"
)

func validPhase(p Phase) bool {
	switch p {
	case PhaseObserve, PhaseThink, PhaseAct, PhaseReflect:
		return true
	}
	return false
}

// TraceStep is a single step of a reasoning episode.
type TraceStep struct {
	// Phase is the reasoning-loop phase this step ran in.
	Phase Phase `json:"phase"`

	// Content is the step's free-form content.
	Content string `json:"content,omitempty"`

	// ToolCalls lists tool names invoked during this step.
	// Only meaningful on act-phase steps.
	ToolCalls []string `json:"tool_calls,omitempty"`
}

// Trace is an append-only audit record of a completed reasoning episode.
// Traces are immutable once recorded and are never deduplicated.
type Trace struct {
	// ID is the unique trace identifier (UUID).
	ID string `json:"id"`

	// AgentType identifies the specialist agent that produced the episode
	// (e.g. "equity-analyst", "credit-analyst").
	AgentType string `json:"agent_type"`

	// RequestID ties the trace to the analysis request that produced it.
	// Feedback arriving later is matched on this ID.
	RequestID string `json:"request_id"`

	// Steps is the ordered list of reasoning steps. Never empty.
	Steps []TraceStep `json:"steps"`

	// Outcome is the episode result.
	Outcome Outcome `json:"outcome"`

	// CreatedAt is when the trace was recorded.
	CreatedAt time.Time `json:"created_at"`
}

// NewTrace creates a trace with a generated UUID and the current time.
func NewTrace(agentType, requestID string, steps []TraceStep, outcome Outcome) *Trace {
	return &Trace{
		ID:        uuid.New().String(),
		AgentType: agentType,
		RequestID: requestID,
		Steps:     steps,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the trace for structural validity.
func (t *Trace) Validate() error {
	if t == nil {
		return ErrInvalidTrace
	}
	if t.AgentType == "" {
		return ErrEmptyAgentType
	}
	if t.RequestID == "" {
		return ErrEmptyRequestID
	}
	if len(t.Steps) == 0 {
		return ErrEmptySteps
	}
	if t.Outcome != OutcomeSuccess && t.Outcome != OutcomeFailure {
		return ErrInvalidOutcome
	}
	for _, step := range t.Steps {
		if !validPhase(step.Phase) {
			return ErrInvalidPhase
		}
	}
	return nil
}

// ToolSequence returns the concatenated tool calls of all act-phase steps,
// in call order. Empty when the trace used no tools.
func (t *Trace) ToolSequence() []string {
	var tools []string
	for _, step := range t.Steps {
		if step.Phase == PhaseAct && len(step.ToolCalls) > 0 {
			tools = append(tools, step.ToolCalls...)
		}
	}
	return tools
}

// Feedback is an external quality score for a completed request.
// Feedback records are immutable; a score with no matching trace is a
// silent no-op when applied.
type Feedback struct {
	// ID is the unique feedback identifier (UUID).
	ID string `json:"id"`

	// RequestID identifies the request being scored.
	RequestID string `json:"request_id"`

	// Score is the quality score in [0, 1].
	Score float64 `json:"score"`

	// Automated marks scores produced by an automated scorer rather than
	// a human reviewer.
	Automated bool `json:"automated"`

	// CreatedAt is when the feedback was produced.
	CreatedAt time.Time `json:"created_at"`
}

// NewFeedback creates feedback with a generated UUID and the current time.
func NewFeedback(requestID string, score float64, automated bool) *Feedback {
	return &Feedback{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Score:     score,
		Automated: automated,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the feedback for structural validity.
func (f *Feedback) Validate() error {
	if f == nil {
		return ErrInvalidFeedback
	}
	if f.RequestID == "" {
		return ErrEmptyRequestID
	}
	if f.Score < 0.0 || f.Score > 1.0 {
		return ErrInvalidScore
	}
	return nil
}

// Pattern is a learned tool-use pattern. At most one pattern exists per
// fingerprint; re-occurrences blend into the existing record instead of
// creating a new one. Patterns are never deleted by normal operation.
type Pattern struct {
	// ID is the unique pattern identifier (UUID).
	ID string `json:"id"`

	// Domain is the coarse task-type namespace scoping retrieval and
	// anomaly statistics (e.g. "equity", "credit").
	Domain string `json:"domain"`

	// Tags are labels for categorization.
	Tags []string `json:"tags,omitempty"`

	// TaskType is the task family inferred from the recording agent type.
	TaskType string `json:"task_type"`

	// ToolSequence is the canonical (sorted) tool-name sequence.
	ToolSequence []string `json:"tool_sequence"`

	// AgentTypes lists the distinct agent types that produced this
	// pattern, in first-seen order.
	AgentTypes []string `json:"agent_types"`

	// Fingerprint is the stable hash of the canonical tool sequence.
	// Globally unique across patterns.
	Fingerprint string `json:"fingerprint"`

	// RewardScore is the pattern's blended quality score in [0, 1].
	RewardScore float64 `json:"reward_score"`

	// UsageCount is the number of successful episodes that produced this
	// pattern. Always >= 1 for a stored pattern.
	UsageCount int `json:"usage_count"`

	// CreatedAt is when the pattern was first recorded.
	CreatedAt time.Time `json:"created_at"`

	// LastUsedAt is when the pattern last occurred in a trace.
	LastUsedAt time.Time `json:"last_used_at"`
}

// ScoredPattern is a retrieval result carrying the similarity to the query.
type ScoredPattern struct {
	Pattern    *Pattern `json:"pattern"`
	Similarity float32  `json:"similarity"`
}

// Upsert carries everything the store needs to insert or blend a pattern
// in one atomic conditional operation.
type Upsert struct {
	Fingerprint  string
	Domain       string
	TaskType     string
	AgentType    string
	ToolSequence []string
	Tags         []string
	RequestID    string
	TraceID      string
	Embedding    []float32
	OccurredAt   time.Time
}

// Stats is a point-in-time view of bank contents, computed on demand from
// the store. Stale is set when the store was unreachable and the values
// are the last successfully computed ones.
type Stats struct {
	TotalPatterns int  `json:"total_patterns"`
	TotalTraces   int  `json:"total_traces"`
	TotalFeedback int  `json:"total_feedback"`
	Stale         bool `json:"stale,omitempty"`
}

// Store is the storage contract the bank service runs on. Implementations
// own read-modify-write consistency: UpsertPattern and BlendFeedback are
// single conditional operations at the storage layer, not read-then-write
// in the service.
type Store interface {
	// UpsertPattern inserts a new pattern for the fingerprint or blends
	// the occurrence into the existing one. Returns the resulting pattern
	// and whether it was created.
	UpsertPattern(ctx context.Context, up Upsert) (*Pattern, bool, error)

	// GetPattern returns the pattern with the given ID, or (nil, nil)
	// when absent. Absence is an expected outcome, not an error.
	GetPattern(ctx context.Context, id string) (*Pattern, error)

	// PatternByFingerprint returns the pattern for a fingerprint, or
	// (nil, nil) when absent.
	PatternByFingerprint(ctx context.Context, fingerprint string) (*Pattern, error)

	// BlendFeedback EMA-blends score into the reward of every pattern
	// that originated from requestID and returns the affected patterns.
	// UsageCount is not touched: feedback is not a new invocation.
	// An unmatched requestID returns an empty slice and no error.
	BlendFeedback(ctx context.Context, requestID string, score, alpha float64) ([]*Pattern, error)

	// SearchPatterns performs nearest-neighbor lookup scoped to domain
	// with a similarity floor. Results are ordered by similarity
	// descending; the caller refines tie ordering.
	SearchPatterns(ctx context.Context, queryVec []float32, domain string, limit int, minSimilarity float32) ([]ScoredPattern, error)

	// AppendTrace appends a trace to the audit log. Never deduplicates.
	AppendTrace(ctx context.Context, trace *Trace) error

	// AppendFeedback stores a feedback record independently of whether
	// it matched any pattern.
	AppendFeedback(ctx context.Context, fb *Feedback) error

	// Stats counts stored patterns, traces and feedback.
	Stats(ctx context.Context) (Stats, error)

	// Close releases store resources.
	Close() error
}
