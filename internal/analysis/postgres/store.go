package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachlens/coachlens/internal/analysis"
)

// uniqueViolation is the PostgreSQL error code raised when the one-active-job
// partial index rejects a duplicate pending/running job.
const uniqueViolation = "23505"

// Store is the PostgreSQL-backed [analysis.Store]. All methods are safe for
// concurrent use; no method holds a transaction open across provider I/O.
type Store struct {
	pool *pgxpool.Pool
}

var _ analysis.Store = (*Store)(nil)

// NewStore connects to the database at dsn, verifies the connection, and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("analysis store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("analysis store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("analysis store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const jobColumns = `id, session_id, analysis_type, plan_tier, provider_id,
	input_tokens, output_tokens, cost_usd, status, result, error_reason,
	cancel_requested, created_at, started_at, completed_at`

func scanJob(row pgx.CollectableRow) (*analysis.Job, error) {
	var j analysis.Job
	err := row.Scan(
		&j.ID, &j.SessionID, &j.Type, &j.PlanTier, &j.ProviderID,
		&j.InputTokens, &j.OutputTokens, &j.CostUSD, &j.Status, &j.Result,
		&j.ErrorReason, &j.CancelRequested, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	return &j, err
}

func (s *Store) CreateJob(ctx context.Context, j *analysis.Job) error {
	const q = `
		INSERT INTO analysis_jobs (id, session_id, analysis_type, plan_tier, status)
		VALUES ($1, $2, $3, $4, 'pending')`

	_, err := s.pool.Exec(ctx, q, j.ID, j.SessionID, j.Type, j.PlanTier)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return analysis.ErrJobConflict
		}
		return fmt.Errorf("analysis store: create job: %w", err)
	}
	j.Status = analysis.StatusPending
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*analysis.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM analysis_jobs WHERE id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("analysis store: get job: %w", err)
	}
	j, err := pgx.CollectOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, analysis.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("analysis store: get job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, sessionID string) ([]*analysis.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM analysis_jobs
		WHERE session_id = $1 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("analysis store: list jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("analysis store: list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) ActiveJob(ctx context.Context, sessionID string, typ analysis.Type) (*analysis.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM analysis_jobs
		WHERE session_id = $1 AND analysis_type = $2
		  AND status IN ('pending', 'running')`

	rows, err := s.pool.Query(ctx, q, sessionID, typ)
	if err != nil {
		return nil, fmt.Errorf("analysis store: active job: %w", err)
	}
	j, err := pgx.CollectOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, analysis.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("analysis store: active job: %w", err)
	}
	return j, nil
}

func (s *Store) LatestCompleted(ctx context.Context, sessionID string, typ analysis.Type) (*analysis.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM analysis_jobs
		WHERE session_id = $1 AND analysis_type = $2 AND status = 'completed'
		ORDER BY completed_at DESC LIMIT 1`

	rows, err := s.pool.Query(ctx, q, sessionID, typ)
	if err != nil {
		return nil, fmt.Errorf("analysis store: latest completed: %w", err)
	}
	j, err := pgx.CollectOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, analysis.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("analysis store: latest completed: %w", err)
	}
	return j, nil
}

func (s *Store) StartJob(ctx context.Context, id string) (*analysis.Job, error) {
	q := `UPDATE analysis_jobs
		SET status = 'running', started_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + jobColumns

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("analysis store: start job: %w", err)
	}
	j, err := pgx.CollectOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.transitionError(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("analysis store: start job: %w", err)
	}
	return j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, p analysis.CompletionParams) error {
	const q = `
		UPDATE analysis_jobs
		SET status = 'completed', provider_id = $2, input_tokens = $3,
		    output_tokens = $4, cost_usd = $5, result = $6, completed_at = now()
		WHERE id = $1 AND status = 'running'`

	tag, err := s.pool.Exec(ctx, q, id, p.ProviderID, p.InputTokens, p.OutputTokens, p.CostUSD, p.Result)
	if err != nil {
		return fmt.Errorf("analysis store: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, id string, reason string) error {
	const q = `
		UPDATE analysis_jobs
		SET status = 'failed', error_reason = $2, completed_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')`

	tag, err := s.pool.Exec(ctx, q, id, reason)
	if err != nil {
		return fmt.Errorf("analysis store: fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

func (s *Store) RequestCancel(ctx context.Context, id string) (analysis.Status, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("analysis store: request cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	var status analysis.Status
	err = tx.QueryRow(ctx, `SELECT status FROM analysis_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", analysis.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("analysis store: request cancel: %w", err)
	}

	switch status {
	case analysis.StatusPending:
		_, err = tx.Exec(ctx, `
			UPDATE analysis_jobs
			SET status = 'cancelled', cancel_requested = TRUE, completed_at = now()
			WHERE id = $1`, id)
	case analysis.StatusRunning:
		_, err = tx.Exec(ctx, `
			UPDATE analysis_jobs SET cancel_requested = TRUE WHERE id = $1`, id)
	default:
		return status, analysis.ErrInvalidTransition
	}
	if err != nil {
		return "", fmt.Errorf("analysis store: request cancel: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("analysis store: request cancel: %w", err)
	}
	return status, nil
}

func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flagged bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM analysis_jobs WHERE id = $1`, id).Scan(&flagged)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, analysis.ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("analysis store: cancel requested: %w", err)
	}
	return flagged, nil
}

func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	const q = `
		UPDATE analysis_jobs
		SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status = 'running'`

	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("analysis store: mark cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

func (s *Store) SweepStaleRunning(ctx context.Context, maxAge time.Duration) (int, error) {
	const q = `
		UPDATE analysis_jobs
		SET status = 'failed', error_reason = $2, completed_at = now()
		WHERE status = 'running' AND started_at < now() - ($1::bigint * interval '1 microsecond')`

	tag, err := s.pool.Exec(ctx, q, maxAge.Microseconds(), analysis.ReasonStale)
	if err != nil {
		return 0, fmt.Errorf("analysis store: sweep stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) SaveSpeakerAssignments(ctx context.Context, jobID string, assignments []analysis.SpeakerAssignment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("analysis store: save assignments: %w", err)
	}
	defer tx.Rollback(ctx)

	// The WHERE clause on the conflict update keeps manually overridden rows
	// intact across automatic re-runs.
	const q = `
		INSERT INTO speaker_assignments
		    (analysis_id, speaker_id, assigned_role, confidence,
		     speaking_time_percent, word_count, turn_count, questions_asked, manual_override)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		ON CONFLICT (analysis_id, speaker_id) DO UPDATE SET
		    assigned_role = EXCLUDED.assigned_role,
		    confidence = EXCLUDED.confidence,
		    speaking_time_percent = EXCLUDED.speaking_time_percent,
		    word_count = EXCLUDED.word_count,
		    turn_count = EXCLUDED.turn_count,
		    questions_asked = EXCLUDED.questions_asked
		WHERE speaker_assignments.manual_override = FALSE`

	for _, a := range assignments {
		if _, err := tx.Exec(ctx, q,
			jobID, a.SpeakerID, a.Role, a.Confidence,
			a.SpeakingTimePercent, a.WordCount, a.TurnCount, a.QuestionsAsked,
		); err != nil {
			return fmt.Errorf("analysis store: save assignment %q: %w", a.SpeakerID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("analysis store: save assignments: %w", err)
	}
	return nil
}

func (s *Store) OverrideSpeakerAssignments(ctx context.Context, jobID string, roles map[string]analysis.Role) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("analysis store: override assignments: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		UPDATE speaker_assignments
		SET assigned_role = $3, manual_override = TRUE
		WHERE analysis_id = $1 AND speaker_id = $2`

	updated := 0
	for speakerID, role := range roles {
		tag, err := tx.Exec(ctx, q, jobID, speakerID, role)
		if err != nil {
			return 0, fmt.Errorf("analysis store: override %q: %w", speakerID, err)
		}
		updated += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("analysis store: override assignments: %w", err)
	}
	return updated, nil
}

func (s *Store) SpeakerAssignments(ctx context.Context, jobID string) ([]analysis.SpeakerAssignment, error) {
	const q = `
		SELECT analysis_id, speaker_id, assigned_role, confidence,
		       speaking_time_percent, word_count, turn_count, questions_asked, manual_override
		FROM speaker_assignments
		WHERE analysis_id = $1
		ORDER BY speaker_id`

	rows, err := s.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("analysis store: speaker assignments: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (analysis.SpeakerAssignment, error) {
		var a analysis.SpeakerAssignment
		err := row.Scan(&a.AnalysisID, &a.SpeakerID, &a.Role, &a.Confidence,
			&a.SpeakingTimePercent, &a.WordCount, &a.TurnCount, &a.QuestionsAsked, &a.ManualOverride)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("analysis store: speaker assignments: %w", err)
	}
	return out, nil
}

func (s *Store) SaveCompetencyScores(ctx context.Context, jobID string, scores []analysis.CompetencyScore) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("analysis store: save scores: %w", err)
	}
	defer tx.Rollback(ctx)

	// A re-run replaces the full set; there is never a partial batch.
	if _, err := tx.Exec(ctx, `DELETE FROM competency_scores WHERE analysis_id = $1`, jobID); err != nil {
		return fmt.Errorf("analysis store: save scores: %w", err)
	}

	const q = `
		INSERT INTO competency_scores
		    (analysis_id, competency_name, score, justification, evidence, recommendation)
		VALUES ($1, $2, $3, $4, $5, $6)`

	for _, sc := range scores {
		evidence, err := json.Marshal(sc.Evidence)
		if err != nil {
			return fmt.Errorf("analysis store: marshal evidence for %q: %w", sc.Name, err)
		}
		if _, err := tx.Exec(ctx, q,
			jobID, sc.Name, sc.Score, sc.Justification, evidence, sc.Recommendation,
		); err != nil {
			return fmt.Errorf("analysis store: save score %q: %w", sc.Name, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("analysis store: save scores: %w", err)
	}
	return nil
}

func (s *Store) CompetencyScores(ctx context.Context, jobID string) ([]analysis.CompetencyScore, error) {
	const q = `
		SELECT analysis_id, competency_name, score, justification, evidence, recommendation
		FROM competency_scores
		WHERE analysis_id = $1
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("analysis store: competency scores: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (analysis.CompetencyScore, error) {
		var (
			sc       analysis.CompetencyScore
			evidence []byte
		)
		if err := row.Scan(&sc.AnalysisID, &sc.Name, &sc.Score, &sc.Justification, &evidence, &sc.Recommendation); err != nil {
			return sc, err
		}
		if err := json.Unmarshal(evidence, &sc.Evidence); err != nil {
			return sc, fmt.Errorf("unmarshal evidence: %w", err)
		}
		return sc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("analysis store: competency scores: %w", err)
	}
	return out, nil
}

func (s *Store) SaveInsights(ctx context.Context, jobID string, insights []analysis.Insight) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("analysis store: save insights: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM coaching_insights WHERE analysis_id = $1`, jobID); err != nil {
		return fmt.Errorf("analysis store: save insights: %w", err)
	}

	const q = `
		INSERT INTO coaching_insights (analysis_id, category, insight_text, recommendation, priority)
		VALUES ($1, $2, $3, $4, $5)`

	for _, in := range insights {
		if _, err := tx.Exec(ctx, q, jobID, in.Category, in.Text, in.Recommendation, in.Priority); err != nil {
			return fmt.Errorf("analysis store: save insight %q: %w", in.Category, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("analysis store: save insights: %w", err)
	}
	return nil
}

func (s *Store) Insights(ctx context.Context, jobID string) ([]analysis.Insight, error) {
	const q = `
		SELECT analysis_id, category, insight_text, recommendation, priority
		FROM coaching_insights
		WHERE analysis_id = $1
		ORDER BY priority, id`

	rows, err := s.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("analysis store: insights: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (analysis.Insight, error) {
		var in analysis.Insight
		err := row.Scan(&in.AnalysisID, &in.Category, &in.Text, &in.Recommendation, &in.Priority)
		return in, err
	})
	if err != nil {
		return nil, fmt.Errorf("analysis store: insights: %w", err)
	}
	return out, nil
}

// transitionError distinguishes "job missing" from "job in the wrong state"
// after a guarded UPDATE matched zero rows.
func (s *Store) transitionError(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM analysis_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("analysis store: check job %q: %w", id, err)
	}
	if !exists {
		return analysis.ErrJobNotFound
	}
	return analysis.ErrInvalidTransition
}
