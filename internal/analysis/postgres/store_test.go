package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachlens/coachlens/internal/analysis"
	"github.com/coachlens/coachlens/internal/analysis/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if COACHLENS_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("COACHLENS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COACHLENS_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, table := range []string{"coaching_insights", "competency_scores", "speaker_assignments", "analysis_jobs"} {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func newJob(sessionID string, typ analysis.Type) *analysis.Job {
	return &analysis.Job{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      typ,
		PlanTier:  analysis.PlanPro,
	}
}

func TestJobLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j := newJob("sess-1", analysis.TypeCorrection)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != analysis.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}

	started, err := store.StartJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if started.Status != analysis.StatusRunning || started.StartedAt == nil {
		t.Errorf("started job = %+v, want running with started_at set", started)
	}

	payload, _ := json.Marshal(map[string]string{"corrected_text": "hello"})
	err = store.CompleteJob(ctx, j.ID, analysis.CompletionParams{
		ProviderID:   "fast",
		InputTokens:  1000,
		OutputTokens: 400,
		CostUSD:      0.0042,
		Result:       payload,
	})
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	done, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if done.Status != analysis.StatusCompleted {
		t.Errorf("status = %q, want completed", done.Status)
	}
	if done.ProviderID != "fast" || done.CostUSD != 0.0042 {
		t.Errorf("accounting = (%q, %v), want (fast, 0.0042)", done.ProviderID, done.CostUSD)
	}
	if done.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestCreateJob_ConflictOnActiveDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newJob("sess-2", analysis.TypeCompetency)
	if err := store.CreateJob(ctx, first); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	dup := newJob("sess-2", analysis.TypeCompetency)
	if err := store.CreateJob(ctx, dup); !errors.Is(err, analysis.ErrJobConflict) {
		t.Fatalf("err = %v, want ErrJobConflict", err)
	}

	// A different analysis type for the same session is fine.
	other := newJob("sess-2", analysis.TypeCorrection)
	if err := store.CreateJob(ctx, other); err != nil {
		t.Fatalf("CreateJob other type: %v", err)
	}

	// Once the first job is terminal, a new one is allowed.
	if err := store.FailJob(ctx, first.ID, analysis.ReasonAllProvidersExhausted); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	again := newJob("sess-2", analysis.TypeCompetency)
	if err := store.CreateJob(ctx, again); err != nil {
		t.Fatalf("CreateJob after terminal: %v", err)
	}
}

func TestStartJob_InvalidTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j := newJob("sess-3", analysis.TypeCorrection)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.StartJob(ctx, j.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if _, err := store.StartJob(ctx, j.ID); !errors.Is(err, analysis.ErrInvalidTransition) {
		t.Fatalf("second StartJob err = %v, want ErrInvalidTransition", err)
	}
	if _, err := store.StartJob(ctx, "missing"); !errors.Is(err, analysis.ErrJobNotFound) {
		t.Fatalf("StartJob missing err = %v, want ErrJobNotFound", err)
	}
}

func TestRequestCancel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Pending job cancels immediately.
	pending := newJob("sess-4", analysis.TypeCorrection)
	if err := store.CreateJob(ctx, pending); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	status, err := store.RequestCancel(ctx, pending.ID)
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if status != analysis.StatusPending {
		t.Errorf("status at cancel = %q, want pending", status)
	}
	got, _ := store.GetJob(ctx, pending.ID)
	if got.Status != analysis.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}

	// Running job only gets the flag; the executor transitions it.
	running := newJob("sess-5", analysis.TypeCorrection)
	if err := store.CreateJob(ctx, running); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.StartJob(ctx, running.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if _, err := store.RequestCancel(ctx, running.ID); err != nil {
		t.Fatalf("RequestCancel running: %v", err)
	}
	flagged, err := store.CancelRequested(ctx, running.ID)
	if err != nil || !flagged {
		t.Fatalf("CancelRequested = (%v, %v), want (true, nil)", flagged, err)
	}
	got, _ = store.GetJob(ctx, running.ID)
	if got.Status != analysis.StatusRunning {
		t.Errorf("status = %q, want still running", got.Status)
	}

	if err := store.MarkCancelled(ctx, running.ID); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}
	got, _ = store.GetJob(ctx, running.ID)
	if got.Status != analysis.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
}

func TestSweepStaleRunning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j := newJob("sess-6", analysis.TypeInsight)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.StartJob(ctx, j.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	// Nothing stale yet.
	n, err := store.SweepStaleRunning(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepStaleRunning: %v", err)
	}
	if n != 0 {
		t.Errorf("swept = %d, want 0", n)
	}

	// With a zero max age everything running is stale.
	n, err = store.SweepStaleRunning(ctx, 0)
	if err != nil {
		t.Fatalf("SweepStaleRunning: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	got, _ := store.GetJob(ctx, j.ID)
	if got.Status != analysis.StatusFailed || got.ErrorReason != analysis.ReasonStale {
		t.Errorf("job = (%q, %q), want (failed, stale)", got.Status, got.ErrorReason)
	}
}

func TestSpeakerAssignments_ManualOverrideSurvivesRerun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j := newJob("sess-7", analysis.TypeCorrection)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	initial := []analysis.SpeakerAssignment{
		{SpeakerID: "A", Role: analysis.RoleCoach, Confidence: 0.9},
		{SpeakerID: "B", Role: analysis.RoleClient, Confidence: 0.9},
	}
	if err := store.SaveSpeakerAssignments(ctx, j.ID, initial); err != nil {
		t.Fatalf("SaveSpeakerAssignments: %v", err)
	}

	// Human flips speaker A to client.
	n, err := store.OverrideSpeakerAssignments(ctx, j.ID, map[string]analysis.Role{"A": analysis.RoleClient})
	if err != nil {
		t.Fatalf("OverrideSpeakerAssignments: %v", err)
	}
	if n != 1 {
		t.Errorf("updated = %d, want 1", n)
	}

	// An automatic re-run must not undo the override.
	if err := store.SaveSpeakerAssignments(ctx, j.ID, initial); err != nil {
		t.Fatalf("SaveSpeakerAssignments rerun: %v", err)
	}

	rows, err := store.SpeakerAssignments(ctx, j.ID)
	if err != nil {
		t.Fatalf("SpeakerAssignments: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].SpeakerID != "A" || rows[0].Role != analysis.RoleClient || !rows[0].ManualOverride {
		t.Errorf("speaker A = %+v, want overridden client", rows[0])
	}
	if rows[1].Role != analysis.RoleClient || rows[1].ManualOverride {
		t.Errorf("speaker B = %+v, want automatic client", rows[1])
	}
}

func TestCompetencyScores_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j := newJob("sess-8", analysis.TypeCompetency)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	scores := []analysis.CompetencyScore{
		{
			Name: "Listens Actively", Score: 4,
			Justification: "Frequent reflective summaries.",
			Evidence: []analysis.Evidence{
				{SpeakerRole: analysis.RoleCoach, Quote: "What I'm hearing is..."},
			},
			Recommendation: "Allow longer silences.",
		},
		{Name: "Evokes Awareness", Score: 3, Justification: "Some probing questions.", Recommendation: "Ask more open questions."},
	}
	if err := store.SaveCompetencyScores(ctx, j.ID, scores); err != nil {
		t.Fatalf("SaveCompetencyScores: %v", err)
	}

	got, err := store.CompetencyScores(ctx, j.ID)
	if err != nil {
		t.Fatalf("CompetencyScores: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2", len(got))
	}
	if got[0].Name != "Listens Actively" || got[0].Score != 4 {
		t.Errorf("first row = %+v", got[0])
	}
	if len(got[0].Evidence) != 1 || got[0].Evidence[0].Quote != "What I'm hearing is..." {
		t.Errorf("evidence round-trip failed: %+v", got[0].Evidence)
	}
}

func TestInsights_OrderedByPriority(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j := newJob("sess-9", analysis.TypeInsight)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	insights := []analysis.Insight{
		{Category: "recommendations", Text: "c", Priority: 3},
		{Category: "questioning_patterns", Text: "a", Priority: 1},
		{Category: "blind_spot", Text: "b", Priority: 2},
	}
	if err := store.SaveInsights(ctx, j.ID, insights); err != nil {
		t.Fatalf("SaveInsights: %v", err)
	}

	got, err := store.Insights(ctx, j.ID)
	if err != nil {
		t.Fatalf("Insights: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("rows = %d, want 3", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].Text != want {
			t.Errorf("row %d text = %q, want %q", i, got[i].Text, want)
		}
	}
}
