// Package mock provides an in-memory test double for analysis.Store.
//
// It honours the same state-machine and conflict rules as the Postgres store,
// so executor and tier tests exercise real transition semantics without a
// database.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coachlens/coachlens/internal/analysis"
)

// Store is a thread-safe in-memory implementation of [analysis.Store].
// The zero value is not usable; construct with [NewStore].
type Store struct {
	mu          sync.Mutex
	jobs        map[string]*analysis.Job
	assignments map[string][]analysis.SpeakerAssignment
	scores      map[string][]analysis.CompetencyScore
	insights    map[string][]analysis.Insight

	// FailNext, when set, causes the next mutating call to return the error
	// and clear itself. Used to test failure paths.
	FailNext error
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		jobs:        map[string]*analysis.Job{},
		assignments: map[string][]analysis.SpeakerAssignment{},
		scores:      map[string][]analysis.CompetencyScore{},
		insights:    map[string][]analysis.Insight{},
	}
}

func (s *Store) failNext() error {
	if err := s.FailNext; err != nil {
		s.FailNext = nil
		return err
	}
	return nil
}

// CreateJob inserts j as pending, enforcing the one-active-job-per-(session,
// type) rule.
func (s *Store) CreateJob(ctx context.Context, j *analysis.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return err
	}
	for _, existing := range s.jobs {
		if existing.SessionID == j.SessionID && existing.Type == j.Type && !existing.Status.Terminal() {
			return analysis.ErrJobConflict
		}
	}
	j.Status = analysis.StatusPending
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, analysis.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) ListJobs(ctx context.Context, sessionID string) ([]*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*analysis.Job
	for _, j := range s.jobs {
		if j.SessionID == sessionID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) ActiveJob(ctx context.Context, sessionID string, typ analysis.Type) (*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.SessionID == sessionID && j.Type == typ && !j.Status.Terminal() {
			cp := *j
			return &cp, nil
		}
	}
	return nil, analysis.ErrJobNotFound
}

func (s *Store) LatestCompleted(ctx context.Context, sessionID string, typ analysis.Type) (*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *analysis.Job
	for _, j := range s.jobs {
		if j.SessionID == sessionID && j.Type == typ && j.Status == analysis.StatusCompleted {
			if latest == nil || (j.CompletedAt != nil && latest.CompletedAt != nil && j.CompletedAt.After(*latest.CompletedAt)) {
				latest = j
			}
		}
	}
	if latest == nil {
		return nil, analysis.ErrJobNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) StartJob(ctx context.Context, id string) (*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return nil, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, analysis.ErrJobNotFound
	}
	if j.Status != analysis.StatusPending {
		return nil, analysis.ErrInvalidTransition
	}
	now := time.Now()
	j.Status = analysis.StatusRunning
	j.StartedAt = &now
	cp := *j
	return &cp, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, p analysis.CompletionParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return err
	}
	j, ok := s.jobs[id]
	if !ok {
		return analysis.ErrJobNotFound
	}
	if j.Status != analysis.StatusRunning {
		return analysis.ErrInvalidTransition
	}
	now := time.Now()
	j.Status = analysis.StatusCompleted
	j.ProviderID = p.ProviderID
	j.InputTokens = p.InputTokens
	j.OutputTokens = p.OutputTokens
	j.CostUSD = p.CostUSD
	j.Result = append([]byte(nil), p.Result...)
	j.CompletedAt = &now
	return nil
}

func (s *Store) FailJob(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return err
	}
	j, ok := s.jobs[id]
	if !ok {
		return analysis.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return analysis.ErrInvalidTransition
	}
	now := time.Now()
	j.Status = analysis.StatusFailed
	j.ErrorReason = reason
	j.CompletedAt = &now
	return nil
}

func (s *Store) RequestCancel(ctx context.Context, id string) (analysis.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return "", analysis.ErrJobNotFound
	}
	switch j.Status {
	case analysis.StatusPending:
		now := time.Now()
		j.Status = analysis.StatusCancelled
		j.CancelRequested = true
		j.CompletedAt = &now
		return analysis.StatusPending, nil
	case analysis.StatusRunning:
		j.CancelRequested = true
		return analysis.StatusRunning, nil
	default:
		return j.Status, analysis.ErrInvalidTransition
	}
}

func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, analysis.ErrJobNotFound
	}
	return j.CancelRequested, nil
}

func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return analysis.ErrJobNotFound
	}
	if j.Status != analysis.StatusRunning {
		return analysis.ErrInvalidTransition
	}
	now := time.Now()
	j.Status = analysis.StatusCancelled
	j.CompletedAt = &now
	return nil
}

func (s *Store) SweepStaleRunning(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for _, j := range s.jobs {
		if j.Status == analysis.StatusRunning && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			now := time.Now()
			j.Status = analysis.StatusFailed
			j.ErrorReason = analysis.ReasonStale
			j.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *Store) SaveSpeakerAssignments(ctx context.Context, jobID string, assignments []analysis.SpeakerAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return err
	}
	existing := s.assignments[jobID]
	overridden := map[string]analysis.SpeakerAssignment{}
	for _, a := range existing {
		if a.ManualOverride {
			overridden[a.SpeakerID] = a
		}
	}
	merged := make([]analysis.SpeakerAssignment, 0, len(assignments))
	for _, a := range assignments {
		if kept, ok := overridden[a.SpeakerID]; ok {
			merged = append(merged, kept)
			continue
		}
		a.AnalysisID = jobID
		merged = append(merged, a)
	}
	sort.Slice(merged, func(i, k int) bool { return merged[i].SpeakerID < merged[k].SpeakerID })
	s.assignments[jobID] = merged
	return nil
}

func (s *Store) OverrideSpeakerAssignments(ctx context.Context, jobID string, roles map[string]analysis.Role) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.assignments[jobID]
	n := 0
	for i := range rows {
		if role, ok := roles[rows[i].SpeakerID]; ok {
			rows[i].Role = role
			rows[i].ManualOverride = true
			n++
		}
	}
	return n, nil
}

func (s *Store) SpeakerAssignments(ctx context.Context, jobID string) ([]analysis.SpeakerAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]analysis.SpeakerAssignment(nil), s.assignments[jobID]...), nil
}

func (s *Store) SaveCompetencyScores(ctx context.Context, jobID string, scores []analysis.CompetencyScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return err
	}
	cp := make([]analysis.CompetencyScore, len(scores))
	copy(cp, scores)
	for i := range cp {
		cp[i].AnalysisID = jobID
	}
	s.scores[jobID] = cp
	return nil
}

func (s *Store) CompetencyScores(ctx context.Context, jobID string) ([]analysis.CompetencyScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]analysis.CompetencyScore(nil), s.scores[jobID]...), nil
}

func (s *Store) SaveInsights(ctx context.Context, jobID string, insights []analysis.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return err
	}
	cp := make([]analysis.Insight, len(insights))
	copy(cp, insights)
	for i := range cp {
		cp[i].AnalysisID = jobID
	}
	s.insights[jobID] = cp
	return nil
}

func (s *Store) Insights(ctx context.Context, jobID string) ([]analysis.Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]analysis.Insight(nil), s.insights[jobID]...)
	sort.Slice(out, func(i, k int) bool { return out[i].Priority < out[k].Priority })
	return out, nil
}

var _ analysis.Store = (*Store)(nil)
