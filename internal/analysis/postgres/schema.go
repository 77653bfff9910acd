// Package postgres provides the PostgreSQL-backed implementation of
// [analysis.Store]: one job table plus three satellite tables for speaker
// assignments, competency scores, and coaching insights.
//
// All tables share a single [pgxpool.Pool]. [Migrate] is idempotent
// (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and safe to call
// on every application start.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlJobs = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
    id               TEXT              PRIMARY KEY,
    session_id       TEXT              NOT NULL,
    analysis_type    TEXT              NOT NULL,
    plan_tier        TEXT              NOT NULL DEFAULT 'free',
    provider_id      TEXT              NOT NULL DEFAULT '',
    input_tokens     INTEGER           NOT NULL DEFAULT 0,
    output_tokens    INTEGER           NOT NULL DEFAULT 0,
    cost_usd         DOUBLE PRECISION  NOT NULL DEFAULT 0,
    status           TEXT              NOT NULL DEFAULT 'pending',
    result           JSONB,
    error_reason     TEXT              NOT NULL DEFAULT '',
    cancel_requested BOOLEAN           NOT NULL DEFAULT FALSE,
    created_at       TIMESTAMPTZ       NOT NULL DEFAULT now(),
    started_at       TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_session
    ON analysis_jobs (session_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_jobs_status
    ON analysis_jobs (status);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active
    ON analysis_jobs (session_id, analysis_type)
    WHERE status IN ('pending', 'running');
`

const ddlSpeakerAssignments = `
CREATE TABLE IF NOT EXISTS speaker_assignments (
    analysis_id           TEXT              NOT NULL REFERENCES analysis_jobs (id) ON DELETE CASCADE,
    speaker_id            TEXT              NOT NULL,
    assigned_role         TEXT              NOT NULL DEFAULT 'unknown',
    confidence            DOUBLE PRECISION  NOT NULL DEFAULT 0,
    speaking_time_percent DOUBLE PRECISION  NOT NULL DEFAULT 0,
    word_count            INTEGER           NOT NULL DEFAULT 0,
    turn_count            INTEGER           NOT NULL DEFAULT 0,
    questions_asked       INTEGER           NOT NULL DEFAULT 0,
    manual_override       BOOLEAN           NOT NULL DEFAULT FALSE,
    PRIMARY KEY (analysis_id, speaker_id)
);
`

const ddlCompetencyScores = `
CREATE TABLE IF NOT EXISTS competency_scores (
    id              BIGSERIAL  PRIMARY KEY,
    analysis_id     TEXT       NOT NULL REFERENCES analysis_jobs (id) ON DELETE CASCADE,
    competency_name TEXT       NOT NULL,
    score           INTEGER    NOT NULL,
    justification   TEXT       NOT NULL DEFAULT '',
    evidence        JSONB      NOT NULL DEFAULT '[]',
    recommendation  TEXT       NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_competency_scores_analysis
    ON competency_scores (analysis_id, id);
`

const ddlCoachingInsights = `
CREATE TABLE IF NOT EXISTS coaching_insights (
    id             BIGSERIAL  PRIMARY KEY,
    analysis_id    TEXT       NOT NULL REFERENCES analysis_jobs (id) ON DELETE CASCADE,
    category       TEXT       NOT NULL,
    insight_text   TEXT       NOT NULL,
    recommendation TEXT       NOT NULL DEFAULT '',
    priority       INTEGER    NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_coaching_insights_analysis
    ON coaching_insights (analysis_id, priority);
`

// Migrate creates or ensures all required tables and indexes exist. The
// partial unique index on (session_id, analysis_type) enforces the
// one-active-job rule at the database level, so concurrent CreateJob races
// resolve to exactly one winner.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlJobs,
		ddlSpeakerAssignments,
		ddlCompetencyScores,
		ddlCoachingInsights,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
