// Package pipeline runs analysis jobs in the background: it enqueues jobs,
// bounds their concurrency, drives the three tier services, applies
// cooperative cancellation, and writes every status transition as its own
// short-lived store call so no transaction spans provider I/O.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/coachlens/coachlens/internal/analysis"
	"github.com/coachlens/coachlens/internal/analysis/competency"
	"github.com/coachlens/coachlens/internal/analysis/correction"
	"github.com/coachlens/coachlens/internal/analysis/insight"
	"github.com/coachlens/coachlens/internal/collab"
	"github.com/coachlens/coachlens/internal/config"
	"github.com/coachlens/coachlens/internal/observe"
	"github.com/coachlens/coachlens/internal/router"
	"github.com/coachlens/coachlens/internal/speaker"
	"github.com/coachlens/coachlens/pkg/provider/llm"
)

// ErrPlanDenied is returned by Enqueue when the caller's plan tier is not
// entitled to the requested analysis type.
var ErrPlanDenied = errors.New("pipeline: analysis type not available on this plan")

// ErrShuttingDown is returned by Enqueue after Shutdown has begun.
var ErrShuttingDown = errors.New("pipeline: executor is shutting down")

// errCancelled propagates a cooperative cancellation out of a tier run.
var errCancelled = errors.New("pipeline: cancellation requested")

// errPrecondition marks a missing prior analysis (Tier 3 without a completed
// Tier 2).
var errPrecondition = errors.New("pipeline: required prior analysis missing")

// Caller is the slice of the LLM router shared with the tier services.
type Caller interface {
	Chain(typ analysis.Type, tier analysis.PlanTier) []string
	CallProvider(ctx context.Context, providerID string, typ analysis.Type, req llm.CompletionRequest) (*router.Result, error)
}

// PlanGate decides whether a plan tier may run an analysis type.
type PlanGate interface {
	Allows(ctx context.Context, tier analysis.PlanTier, typ analysis.Type) (bool, error)
}

// TranscriptSource supplies diarized segments for a session.
type TranscriptSource interface {
	Segments(ctx context.Context, sessionID string) ([]analysis.Segment, error)
}

// HistoryProvider supplies the pre-aggregated prior-session block for Tier 3.
type HistoryProvider interface {
	History(ctx context.Context, sessionID string) (string, error)
}

// Notifier is told when a long-running job reaches a terminal state.
type Notifier interface {
	JobFinished(ctx context.Context, job *analysis.Job) error
}

// allowAllGate is the default gate when no plan service is configured.
type allowAllGate struct{}

func (allowAllGate) Allows(context.Context, analysis.PlanTier, analysis.Type) (bool, error) {
	return true, nil
}

// noHistory is the default history provider.
type noHistory struct{}

func (noHistory) History(context.Context, string) (string, error) { return "", nil }

// Option configures an [Executor].
type Option func(*Executor)

// WithPlanGate installs a plan entitlement gate. Default: allow everything.
func WithPlanGate(g PlanGate) Option {
	return func(e *Executor) { e.gate = g }
}

// WithHistory installs the Tier 3 history provider. Default: no history.
func WithHistory(h HistoryProvider) Option {
	return func(e *Executor) { e.history = h }
}

// WithNotifier installs the completion notifier for Tier 3 jobs.
func WithNotifier(n Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// WithMetrics installs the pipeline metric set.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// Executor owns the background job workers. Safe for concurrent use.
type Executor struct {
	store       analysis.Store
	transcripts TranscriptSource
	gate        PlanGate
	history     HistoryProvider
	notifier    Notifier
	metrics     *observe.Metrics

	assigner  *speaker.Assigner
	corrector *correction.Corrector
	analyzer  *competency.Analyzer
	generator *insight.Generator

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
}

// New returns an Executor driving the three tier services over caller. The
// worker pool size, word-drop guard, and speaker heuristics come from cfg.
func New(store analysis.Store, caller Caller, transcripts TranscriptSource, cfg *config.Config, opts ...Option) *Executor {
	baseCtx, cancel := context.WithCancel(context.Background())

	e := &Executor{
		store:       store,
		transcripts: transcripts,
		gate:        allowAllGate{},
		history:     noHistory{},
		metrics:     observe.DefaultMetrics(),
		assigner:    speaker.New(cfg.Speaker),
		sem:         semaphore.NewWeighted(int64(cfg.Analysis.MaxConcurrentJobs)),
		baseCtx:     baseCtx,
		cancel:      cancel,
	}
	for _, o := range opts {
		o(e)
	}

	e.corrector = correction.New(caller,
		correction.WithWordDropGuard(cfg.Analysis.WordDropGuard),
		correction.WithCheckpoint(e.checkpoint))
	e.analyzer = competency.New(caller,
		competency.WithCheckpoint(e.checkpoint))
	e.generator = insight.New(caller,
		insight.WithCheckpoint(e.checkpoint))

	return e
}

// jobIDKey carries the running job's id for the cancellation checkpoint.
type jobIDKey struct{}

func withJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

func jobIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(jobIDKey{}).(string)
	return id, ok
}

// checkpoint is handed to every tier service and invoked before each
// provider call. A store read failure is advisory, not fatal: the job
// continues and the next checkpoint retries.
func (e *Executor) checkpoint(ctx context.Context) error {
	id, ok := jobIDFrom(ctx)
	if !ok {
		return nil
	}
	cancelled, err := e.store.CancelRequested(ctx, id)
	if err != nil {
		observe.Logger(ctx).Warn("cancellation flag read failed", "job_id", id, "err", err)
		return nil
	}
	if cancelled {
		return errCancelled
	}
	return nil
}

// Enqueue creates a pending job for (sessionID, typ) and dispatches it to
// the worker pool. When a job of the same type is already in flight for the
// session, the in-flight job is returned together with
// [analysis.ErrJobConflict] so callers coalesce instead of duplicating work.
func (e *Executor) Enqueue(ctx context.Context, sessionID string, typ analysis.Type, tier analysis.PlanTier) (*analysis.Job, error) {
	if e.closed.Load() {
		return nil, ErrShuttingDown
	}

	allowed, err := e.gate.Allows(ctx, tier, typ)
	if err != nil {
		return nil, fmt.Errorf("pipeline: plan gate: %w", err)
	}
	if !allowed {
		return nil, ErrPlanDenied
	}

	job := &analysis.Job{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      typ,
		PlanTier:  tier,
		Status:    analysis.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, analysis.ErrJobConflict) {
			if existing, aerr := e.store.ActiveJob(ctx, sessionID, typ); aerr == nil {
				return existing, analysis.ErrJobConflict
			}
		}
		return nil, err
	}

	e.dispatch(job.ID)
	return job, nil
}

func (e *Executor) dispatch(jobID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(e.baseCtx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)
		e.run(e.baseCtx, jobID)
	}()
}

// run executes one job from pending to a terminal state.
func (e *Executor) run(ctx context.Context, jobID string) {
	job, err := e.store.StartJob(ctx, jobID)
	if err != nil {
		// Typically the job was cancelled while still pending.
		observe.Logger(ctx).Info("job not started", "job_id", jobID, "err", err)
		return
	}

	ctx = withJobID(ctx, jobID)
	ctx, span := observe.StartSpan(ctx, "analysis job "+string(job.Type))
	defer span.End()

	attrs := metric.WithAttributes(observe.Attr("analysis_type", string(job.Type)))
	e.metrics.ActiveJobs.Add(ctx, 1, attrs)
	defer e.metrics.ActiveJobs.Add(ctx, -1, attrs)

	log := observe.Logger(ctx).With("job_id", jobID, "session_id", job.SessionID, "analysis_type", job.Type)
	log.Info("job started")

	start := time.Now()
	status := e.execute(ctx, job)
	e.metrics.RecordJobDuration(ctx, string(job.Type), status, time.Since(start).Seconds())
	log.Info("job finished", "status", status, "duration", time.Since(start))

	e.notify(ctx, jobID, job.Type)
}

// execute drives the tier run and writes the terminal state. Returns the
// terminal status label for metrics.
func (e *Executor) execute(ctx context.Context, job *analysis.Job) string {
	var err error
	switch job.Type {
	case analysis.TypeCorrection:
		err = e.runCorrection(ctx, job)
	case analysis.TypeCompetency:
		err = e.runCompetency(ctx, job)
	case analysis.TypeInsight:
		err = e.runInsight(ctx, job)
	default:
		err = fmt.Errorf("pipeline: unknown analysis type %q", job.Type)
	}

	log := observe.Logger(ctx)
	switch {
	case err == nil:
		return string(analysis.StatusCompleted)
	case errors.Is(err, errCancelled), errors.Is(err, context.Canceled):
		if mErr := e.store.MarkCancelled(ctx, job.ID); mErr != nil {
			log.Error("cancelled transition failed", "job_id", job.ID, "err", mErr)
		}
		return string(analysis.StatusCancelled)
	default:
		reason := reasonFor(err)
		log.Warn("job failed", "job_id", job.ID, "reason", reason, "err", err)
		if fErr := e.store.FailJob(ctx, job.ID, reason); fErr != nil {
			log.Error("failed transition failed", "job_id", job.ID, "err", fErr)
		}
		return string(analysis.StatusFailed)
	}
}

// reasonFor maps a tier error to a stable job failure reason.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, correction.ErrValidationExhausted),
		errors.Is(err, competency.ErrValidationExhausted),
		errors.Is(err, insight.ErrValidationExhausted):
		return analysis.ReasonValidationExhausted
	case errors.Is(err, collab.ErrNoTranscript),
		errors.Is(err, correction.ErrEmptyTranscript),
		errors.Is(err, competency.ErrEmptyTranscript),
		errors.Is(err, insight.ErrEmptyTranscript):
		return analysis.ReasonMissingTranscript
	case errors.Is(err, errPrecondition):
		return analysis.ReasonPreconditionFailed
	case llm.IsPermanent(err):
		return analysis.ReasonProviderPermanent
	default:
		return analysis.ReasonAllProvidersExhausted
	}
}

// notify pushes the terminal state of Tier 3 jobs to the dashboard webhook.
// Tier 1/2 callers poll; Tier 3 runs for minutes and is pushed.
func (e *Executor) notify(ctx context.Context, jobID string, typ analysis.Type) {
	if e.notifier == nil || typ != analysis.TypeInsight {
		return
	}
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		observe.Logger(ctx).Warn("notify skipped, job read failed", "job_id", jobID, "err", err)
		return
	}
	if err := e.notifier.JobFinished(ctx, job); err != nil {
		observe.Logger(ctx).Warn("completion notification failed", "job_id", jobID, "err", err)
	}
}

// runCorrection is Tier 1: speaker assignment from the raw transcript, LLM
// correction, then re-assignment from the corrected text (manual overrides
// survive the upsert).
func (e *Executor) runCorrection(ctx context.Context, job *analysis.Job) error {
	segments, err := e.transcripts.Segments(ctx, job.SessionID)
	if err != nil {
		return err
	}

	assigned := e.assigner.Assign(job.ID, segments)
	if err := e.store.SaveSpeakerAssignments(ctx, job.ID, assigned.Assignments); err != nil {
		return err
	}

	result, res, err := e.corrector.Run(ctx, job, segments, rolesOf(assigned.Assignments))
	if err != nil {
		return err
	}
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	if corrected := segmentsFromCorrected(segments, result.CorrectedText); corrected != nil {
		rerun := e.assigner.Assign(job.ID, corrected)
		if err := e.store.SaveSpeakerAssignments(ctx, job.ID, rerun.Assignments); err != nil {
			return err
		}
	}

	return e.complete(ctx, job, result, res)
}

// runCompetency is Tier 2: score the corrected transcript (or the raw one
// when Tier 1 was skipped) and persist all eight rows atomically.
func (e *Executor) runCompetency(ctx context.Context, job *analysis.Job) error {
	transcript, err := e.transcript(ctx, job.SessionID)
	if err != nil {
		return err
	}

	result, res, err := e.analyzer.Run(ctx, job, transcript)
	if err != nil {
		return err
	}
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	if err := e.store.SaveCompetencyScores(ctx, job.ID, result.Competencies); err != nil {
		return err
	}
	return e.complete(ctx, job, result, res)
}

// runInsight is Tier 3: transcript + Tier 2 summary + history block in,
// categorised insights out. A completed Tier 2 run is a hard precondition.
func (e *Executor) runInsight(ctx context.Context, job *analysis.Job) error {
	transcript, err := e.transcript(ctx, job.SessionID)
	if err != nil {
		return err
	}

	compJob, err := e.store.LatestCompleted(ctx, job.SessionID, analysis.TypeCompetency)
	if err != nil {
		if errors.Is(err, analysis.ErrJobNotFound) {
			return errPrecondition
		}
		return err
	}
	var comp analysis.CompetencyResult
	if err := json.Unmarshal(compJob.Result, &comp); err != nil {
		return fmt.Errorf("pipeline: decode competency payload: %w", err)
	}

	history, err := e.history.History(ctx, job.SessionID)
	if err != nil {
		// Missing history degrades the prompt, it does not fail the job.
		observe.Logger(ctx).Warn("history fetch failed", "session_id", job.SessionID, "err", err)
		history = ""
	}

	result, res, err := e.generator.Run(ctx, job, insight.Input{
		Transcript:        transcript,
		CompetencySummary: comp.OverallSummary,
		History:           history,
	})
	if err != nil {
		return err
	}
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	if err := e.store.SaveInsights(ctx, job.ID, result.Insights); err != nil {
		return err
	}
	return e.complete(ctx, job, result, res)
}

// complete marshals the tier payload and writes the completed transition
// with the accepted call's accounting.
func (e *Executor) complete(ctx context.Context, job *analysis.Job, payload any, res *router.Result) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pipeline: encode result: %w", err)
	}
	err = e.store.CompleteJob(ctx, job.ID, analysis.CompletionParams{
		ProviderID:   res.ProviderID,
		InputTokens:  res.Usage.PromptTokens,
		OutputTokens: res.Usage.CompletionTokens,
		CostUSD:      res.CostUSD,
		Result:       raw,
	})
	if err != nil {
		return err
	}
	e.metrics.JobCostUSD.Add(ctx, res.CostUSD,
		metric.WithAttributes(observe.Attr("analysis_type", string(job.Type))))
	return nil
}

// transcript returns the corrected transcript when a completed Tier 1 run
// exists, otherwise the raw transcript formatted with freshly computed role
// labels.
func (e *Executor) transcript(ctx context.Context, sessionID string) (string, error) {
	j, err := e.store.LatestCompleted(ctx, sessionID, analysis.TypeCorrection)
	switch {
	case err == nil:
		var cr analysis.CorrectionResult
		if uErr := json.Unmarshal(j.Result, &cr); uErr == nil && strings.TrimSpace(cr.CorrectedText) != "" {
			return cr.CorrectedText, nil
		}
	case !errors.Is(err, analysis.ErrJobNotFound):
		return "", err
	}

	segments, err := e.transcripts.Segments(ctx, sessionID)
	if err != nil {
		return "", err
	}
	assigned := e.assigner.Assign("", segments)
	return correction.FormatTranscript(segments, rolesOf(assigned.Assignments)), nil
}

// rolesOf indexes assignments by speaker id, skipping unknowns.
func rolesOf(assignments []analysis.SpeakerAssignment) map[string]analysis.Role {
	roles := make(map[string]analysis.Role, len(assignments))
	for _, a := range assignments {
		if a.Role != analysis.RoleUnknown {
			roles[a.SpeakerID] = a.Role
		}
	}
	return roles
}

// segmentsFromCorrected maps the corrected transcript's lines back onto the
// original segments. Returns nil when the line structure no longer matches
// (the corrector validates this, so a mismatch here means Tier 1 fell back
// to the raw text).
func segmentsFromCorrected(segments []analysis.Segment, corrected string) []analysis.Segment {
	lines := strings.Split(strings.TrimSpace(corrected), "\n")
	if len(lines) != len(segments) {
		return nil
	}
	out := make([]analysis.Segment, len(segments))
	for i, seg := range segments {
		text := lines[i]
		if _, rest, found := strings.Cut(text, ": "); found {
			text = rest
		}
		seg.Text = text
		out[i] = seg
	}
	return out
}

// Shutdown stops accepting new jobs and waits for in-flight jobs to finish.
// When ctx expires first, the base context is cancelled so workers abort at
// their next suspension point.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.closed.Store(true)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}
