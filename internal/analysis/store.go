package analysis

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned when no job exists for the requested id, or no
// active job exists for a (session, type) pair.
var ErrJobNotFound = errors.New("analysis: job not found")

// ErrJobConflict is returned by CreateJob when a pending or running job of
// the same analysis type already exists for the session. Callers coalesce to
// the in-flight job rather than duplicating work.
var ErrJobConflict = errors.New("analysis: job already in flight for session")

// ErrInvalidTransition is returned when a status update does not match the
// job's current state (e.g., completing a job that is not running).
var ErrInvalidTransition = errors.New("analysis: invalid status transition")

// CompletionParams carries everything written exactly once when a job
// completes: the winning provider, the token usage of the accepted call, the
// cost computed from the capability snapshot at call time, and the payload.
type CompletionParams struct {
	ProviderID   string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Result       []byte
}

// Store persists analysis jobs and their satellite rows. Implementations
// must be safe for concurrent use. No method holds a transaction open across
// a provider call; the executor writes status transitions as separate,
// short-lived transactions around its blocking I/O.
type Store interface {
	// CreateJob inserts j as pending. Returns ErrJobConflict if a pending or
	// running job with the same (SessionID, Type) exists.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob returns the job with the given id, or ErrJobNotFound.
	GetJob(ctx context.Context, id string) (*Job, error)

	// ListJobs returns all jobs for a session, newest first.
	ListJobs(ctx context.Context, sessionID string) ([]*Job, error)

	// ActiveJob returns the pending or running job for (sessionID, typ), or
	// ErrJobNotFound when none is in flight.
	ActiveJob(ctx context.Context, sessionID string, typ Type) (*Job, error)

	// LatestCompleted returns the most recently completed job for
	// (sessionID, typ), or ErrJobNotFound. Tier 2 reads Tier 1 output this
	// way, Tier 3 reads both.
	LatestCompleted(ctx context.Context, sessionID string, typ Type) (*Job, error)

	// StartJob transitions a pending job to running and returns the updated
	// record. Returns ErrInvalidTransition if the job is not pending.
	StartJob(ctx context.Context, id string) (*Job, error)

	// CompleteJob transitions a running job to completed, writing the result
	// payload and cost accounting in one transaction.
	CompleteJob(ctx context.Context, id string, p CompletionParams) error

	// FailJob transitions a pending or running job to failed with a stable
	// error reason.
	FailJob(ctx context.Context, id string, reason string) error

	// RequestCancel flags a job for cooperative cancellation. Pending jobs
	// are cancelled immediately; running jobs only get the flag set and are
	// transitioned by the executor at its next checkpoint. Returns the
	// status the job had when the request was applied.
	RequestCancel(ctx context.Context, id string) (Status, error)

	// CancelRequested reports the job's cooperative cancellation flag.
	CancelRequested(ctx context.Context, id string) (bool, error)

	// MarkCancelled transitions a running job to cancelled.
	MarkCancelled(ctx context.Context, id string) error

	// SweepStaleRunning fails every running job whose start time is older
	// than maxAge, setting reason "stale". Returns the number of jobs swept.
	// Called once at process start to recover from crashes.
	SweepStaleRunning(ctx context.Context, maxAge time.Duration) (int, error)

	// SaveSpeakerAssignments upserts one row per speaker for a job. Rows
	// whose existing record has ManualOverride set are left untouched.
	SaveSpeakerAssignments(ctx context.Context, jobID string, assignments []SpeakerAssignment) error

	// OverrideSpeakerAssignments applies manual role corrections, setting
	// ManualOverride on each updated row. Returns the number of rows updated.
	OverrideSpeakerAssignments(ctx context.Context, jobID string, roles map[string]Role) (int, error)

	// SpeakerAssignments returns the assignments for a job, ordered by
	// speaker id.
	SpeakerAssignments(ctx context.Context, jobID string) ([]SpeakerAssignment, error)

	// SaveCompetencyScores writes all scores for a job in a single
	// transaction. Partial writes are not permitted: on any error, zero rows
	// remain.
	SaveCompetencyScores(ctx context.Context, jobID string, scores []CompetencyScore) error

	// CompetencyScores returns the scores for a job in insertion order.
	CompetencyScores(ctx context.Context, jobID string) ([]CompetencyScore, error)

	// SaveInsights writes all insights for a job in a single transaction.
	SaveInsights(ctx context.Context, jobID string, insights []Insight) error

	// Insights returns the insights for a job ordered by priority.
	Insights(ctx context.Context, jobID string) ([]Insight, error)
}
