// Package analysis defines the domain model for the coaching analysis
// pipeline: analysis jobs, their status state machine, transcript segments,
// and the structured rows each tier produces (speaker assignments,
// competency scores, coaching insights).
//
// The package is persistence-agnostic; [Store] is the contract implemented by
// the Postgres store and by the in-memory test double.
package analysis

import (
	"encoding/json"
	"time"
)

// Type identifies one of the three escalating analysis tiers.
type Type string

const (
	// TypeCorrection is Tier 1: LLM transcript correction.
	TypeCorrection Type = "correction"

	// TypeCompetency is Tier 2: ICF competency scoring.
	TypeCompetency Type = "competency"

	// TypeInsight is Tier 3: cross-session insight generation.
	TypeInsight Type = "insight"
)

// IsValid reports whether t is a recognised analysis type.
func (t Type) IsValid() bool {
	switch t {
	case TypeCorrection, TypeCompetency, TypeInsight:
		return true
	}
	return false
}

// PlanTier is the caller's subscription tier. It may promote the starting
// provider in a routing chain and gates access to Tier 2/3 analyses.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// IsValid reports whether p is a recognised plan tier.
func (p PlanTier) IsValid() bool {
	switch p {
	case PlanFree, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

// Status is the lifecycle state of an [Job].
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Stable error reasons surfaced to callers on failed jobs. The UI maps these
// to human-readable summaries; raw provider text is never exposed.
const (
	ReasonValidationExhausted   = "validation_exhausted"
	ReasonAllProvidersExhausted = "all_providers_exhausted"
	ReasonProviderPermanent     = "provider_permanent_error"
	ReasonPreconditionFailed    = "precondition_failed"
	ReasonMissingTranscript     = "missing_transcript"
	ReasonStale                 = "stale"
)

// Job is one analysis request. Created as pending when a caller enqueues a
// tier, it transitions through the status state machine and is immutable once
// terminal. Token counts and cost are written exactly once, at completion,
// from the provider capability snapshot active at call time.
type Job struct {
	ID        string
	SessionID string
	Type      Type
	PlanTier  PlanTier

	// ProviderID is the provider that produced the accepted output. Empty
	// until completion.
	ProviderID   string
	InputTokens  int
	OutputTokens int
	CostUSD      float64

	Status Status

	// Result is the tier-specific payload ([CorrectionResult],
	// [CompetencyResult], [InsightResult]), present only when completed.
	Result json.RawMessage

	// ErrorReason is one of the Reason* constants, present only when failed.
	ErrorReason string

	// CancelRequested is the cooperative cancellation flag. The executor
	// checks it before and after each provider call.
	CancelRequested bool

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Segment is one diarized transcript segment as supplied by the upstream
// transcript source. SpeakerID is an opaque diarization label, not a role.
type Segment struct {
	ID        string  `json:"id"`
	SpeakerID string  `json:"speaker_id"`
	StartSec  float64 `json:"start_sec"`
	EndSec    float64 `json:"end_sec"`
	Text      string  `json:"text"`
}

// Role is the coaching role assigned to a diarized speaker.
type Role string

const (
	RoleCoach   Role = "coach"
	RoleClient  Role = "client"
	RoleUnknown Role = "unknown"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleCoach, RoleClient, RoleUnknown:
		return true
	}
	return false
}

// ConfidenceBand buckets an assignment confidence for UI display.
// Low-band assignments are surfaced for manual review.
type ConfidenceBand string

const (
	BandHigh   ConfidenceBand = "high"
	BandMedium ConfidenceBand = "medium"
	BandLow    ConfidenceBand = "low"
)

// Band returns the confidence band for a confidence value in [0,1].
func Band(confidence float64) ConfidenceBand {
	switch {
	case confidence >= 0.90:
		return BandHigh
	case confidence >= 0.70:
		return BandMedium
	default:
		return BandLow
	}
}

// SpeakerAssignment is one speaker's role assignment for one analysis run.
type SpeakerAssignment struct {
	AnalysisID          string  `json:"analysis_id"`
	SpeakerID           string  `json:"speaker_id"`
	Role                Role    `json:"assigned_role"`
	Confidence          float64 `json:"confidence"`
	SpeakingTimePercent float64 `json:"speaking_time_percent"`
	WordCount           int     `json:"word_count"`
	TurnCount           int     `json:"turn_count"`
	QuestionsAsked      int     `json:"questions_asked"`

	// ManualOverride marks a human-entered correction. Overridden rows are
	// never replaced by a subsequent automatic re-run.
	ManualOverride bool `json:"manual_override"`
}

// Evidence is a verbatim quote supporting a competency score.
type Evidence struct {
	SpeakerRole Role   `json:"speaker_role"`
	Quote       string `json:"quote"`
}

// CompetencyScore is one ICF competency's score for a Tier 2 job. Exactly
// eight rows exist per completed job; zero rows for a failed one.
type CompetencyScore struct {
	AnalysisID     string     `json:"analysis_id"`
	Name           string     `json:"competency_name"`
	Score          int        `json:"score"`
	Justification  string     `json:"justification"`
	Evidence       []Evidence `json:"evidence"`
	Recommendation string     `json:"recommendation"`
}

// Insight is one categorised coaching insight from a Tier 3 job. The count
// per job is data-dependent.
type Insight struct {
	AnalysisID     string `json:"analysis_id"`
	Category       string `json:"category"`
	Text           string `json:"insight_text"`
	Recommendation string `json:"recommendation"`
	Priority       int    `json:"priority"`
}

// DiffOp is one token-level edit between the raw and corrected transcript.
type DiffOp struct {
	// Op is "equal", "replace", "insert", or "delete".
	Op        string `json:"op"`
	Original  string `json:"original,omitempty"`
	Corrected string `json:"corrected,omitempty"`
}

// CorrectionResult is the Tier 1 job payload.
type CorrectionResult struct {
	CorrectedText      string   `json:"corrected_text"`
	Diff               []DiffOp `json:"diff"`
	TurnCount          int      `json:"turn_count"`
	OriginalWordCount  int      `json:"original_word_count"`
	CorrectedWordCount int      `json:"corrected_word_count"`

	// FallbackToRaw is true when every provider failed validation and the
	// original transcript was preserved verbatim as the corrected text.
	FallbackToRaw bool `json:"fallback_to_raw"`
}

// CompetencyResult is the Tier 2 job payload. The per-competency rows are
// persisted separately; the payload carries the overall summary.
type CompetencyResult struct {
	OverallSummary string            `json:"overall_summary"`
	Competencies   []CompetencyScore `json:"competencies"`
	SchemaVersion  string            `json:"schema_version"`
}

// InsightResult is the Tier 3 job payload.
type InsightResult struct {
	Insights []Insight `json:"insights"`

	// Markdown is the raw model output, retained for audit.
	Markdown string `json:"markdown"`
}
