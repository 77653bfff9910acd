// Package speaker implements the deterministic coach/client role assignment
// over diarized transcript segments. No LLM call is involved: the assignment
// is a pure function of speaking-time ratios, question counts, and turn
// lengths, so it can be re-run after transcript correction and always yields
// the same result for the same input.
package speaker

import (
	"math"
	"sort"
	"strings"

	"github.com/coachlens/coachlens/internal/analysis"
	"github.com/coachlens/coachlens/internal/config"
)

// Flags surfaced alongside assignments for degenerate speaker counts.
const (
	FlagSingleSpeaker    = "single_speaker_detected"
	FlagMultiUnsupported = "multi_speaker_unsupported"
)

// Stats are the per-speaker signals the scoring heuristic consumes. They are
// persisted on the assignment row so the UI can explain the decision.
type Stats struct {
	SpeakerID           string
	SpeakingTimePercent float64
	WordCount           int
	TurnCount           int
	QuestionsAsked      int
	QuestionSharePct    float64
	AvgTurnWords        float64
	FirstStartSec       float64

	speakingSec          float64
	usesCoachingLanguage bool
}

// Result is a full assignment run: one row per speaker plus any degenerate
// condition flags.
type Result struct {
	Assignments []analysis.SpeakerAssignment
	Flags       []string
}

// Assigner scores speakers against tunable heuristics. The zero value is not
// usable; construct with [New].
type Assigner struct {
	h config.SpeakerHeuristics
}

// New returns an Assigner using the given heuristics. Call
// [config.ApplyDefaults] first if the heuristics come straight from YAML.
func New(h config.SpeakerHeuristics) *Assigner {
	return &Assigner{h: h}
}

// Assign computes role assignments for all speakers in segments. The
// two-speaker session is the primary supported case; one speaker is assigned
// coach with a flag, and three or more all degrade to unknown.
func (a *Assigner) Assign(analysisID string, segments []analysis.Segment) Result {
	stats := ComputeStats(segments)

	switch len(stats) {
	case 0:
		return Result{}
	case 1:
		s := stats[0]
		return Result{
			Assignments: []analysis.SpeakerAssignment{assignment(analysisID, s, analysis.RoleCoach, 1.0)},
			Flags:       []string{FlagSingleSpeaker},
		}
	case 2:
		return a.assignPair(analysisID, stats)
	default:
		out := make([]analysis.SpeakerAssignment, 0, len(stats))
		for _, s := range stats {
			out = append(out, assignment(analysisID, s, analysis.RoleUnknown, 0))
		}
		return Result{Assignments: out, Flags: []string{FlagMultiUnsupported}}
	}
}

// assignPair handles the two-speaker case: the higher coach-likelihood score
// wins coach, with the earliest first segment breaking an exact tie. The
// confidence of both roles shrinks with the score gap so near-equal speakers
// land in the low band and get surfaced for manual review.
func (a *Assigner) assignPair(analysisID string, stats []Stats) Result {
	s0, s1 := stats[0], stats[1]
	score0 := a.coachScore(s0)
	score1 := a.coachScore(s1)

	coach, client := s0, s1
	coachScore := score0
	if score1 > score0 || (score1 == score0 && s1.FirstStartSec < s0.FirstStartSec) {
		coach, client = s1, s0
		coachScore = score1
	}

	gap := math.Abs(score0 - score1)

	clientConf := math.Min(1, 0.5+gap)
	coachConf := coachScore
	if gap < 0.2 {
		coachConf = math.Min(coachConf, 0.5+gap)
	}

	out := []analysis.SpeakerAssignment{
		assignment(analysisID, coach, analysis.RoleCoach, coachConf),
		assignment(analysisID, client, analysis.RoleClient, clientConf),
	}
	// Keep the row order stable (by speaker id) for idempotence checks.
	sort.Slice(out, func(i, j int) bool { return out[i].SpeakerID < out[j].SpeakerID })
	return Result{Assignments: out}
}

// coachScore computes the coach-likelihood in [0,1] as a weighted sum of
// heuristic signals, capped at 1.
func (a *Assigner) coachScore(s Stats) float64 {
	h := a.h
	score := 0.0
	switch {
	case s.SpeakingTimePercent >= h.TalkTimeIdealMin && s.SpeakingTimePercent <= h.TalkTimeIdealMax:
		score += h.WeightIdealTalk
	case s.SpeakingTimePercent < h.TalkTimeIdealMin:
		score += h.WeightLowTalk
	}
	if s.QuestionSharePct > h.QuestionSharePercent {
		score += h.WeightQuestions
	}
	if s.TurnCount > 0 && s.AvgTurnWords < h.ShortTurnWords {
		score += h.WeightShortTurn
	}
	if s.usesCoachingLanguage {
		score += h.WeightLanguage
	}
	return math.Min(score, 1)
}

func assignment(analysisID string, s Stats, role analysis.Role, confidence float64) analysis.SpeakerAssignment {
	return analysis.SpeakerAssignment{
		AnalysisID:          analysisID,
		SpeakerID:           s.SpeakerID,
		Role:                role,
		Confidence:          confidence,
		SpeakingTimePercent: s.SpeakingTimePercent,
		WordCount:           s.WordCount,
		TurnCount:           s.TurnCount,
		QuestionsAsked:      s.QuestionsAsked,
	}
}

// ComputeStats aggregates per-speaker signals from raw segments. The returned
// slice is sorted by speaker id for determinism.
func ComputeStats(segments []analysis.Segment) []Stats {
	byID := map[string]*Stats{}
	totalTime := 0.0
	totalQuestions := 0

	for _, seg := range segments {
		s, ok := byID[seg.SpeakerID]
		if !ok {
			s = &Stats{SpeakerID: seg.SpeakerID, FirstStartSec: seg.StartSec}
			byID[seg.SpeakerID] = s
		}
		if seg.StartSec < s.FirstStartSec {
			s.FirstStartSec = seg.StartSec
		}

		dur := seg.EndSec - seg.StartSec
		if dur > 0 {
			s.speakingSec += dur
			totalTime += dur
		}
		s.WordCount += len(strings.Fields(seg.Text))
		s.TurnCount++

		q := countQuestions(seg.Text)
		s.QuestionsAsked += q
		totalQuestions += q

		if hasCoachingLanguage(seg.Text) {
			s.usesCoachingLanguage = true
		}
	}

	out := make([]Stats, 0, len(byID))
	for _, s := range byID {
		if totalTime > 0 {
			s.SpeakingTimePercent = 100 * s.speakingSec / totalTime
		}
		if totalQuestions > 0 {
			s.QuestionSharePct = 100 * float64(s.QuestionsAsked) / float64(totalQuestions)
		}
		if s.TurnCount > 0 {
			s.AvgTurnWords = float64(s.WordCount) / float64(s.TurnCount)
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpeakerID < out[j].SpeakerID })
	return out
}

// interrogatives are leading words that mark a question even without a
// terminal question mark (diarized STT output often drops punctuation).
var interrogatives = []string{
	"what", "how", "why", "when", "where", "who", "which",
	"can you", "could you", "would you", "do you", "did you", "have you",
	"is there", "are you",
}

// countQuestions counts question marks in the text; when punctuation is
// absent it falls back to checking for a leading interrogative.
func countQuestions(text string) int {
	if n := strings.Count(text, "?"); n > 0 {
		return n
	}
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, w := range interrogatives {
		if strings.HasPrefix(lower, w+" ") {
			return 1
		}
	}
	return 0
}

// coachingPhrases are reflective-listening markers characteristic of coach
// speech.
var coachingPhrases = []string{
	"what i'm hearing",
	"it sounds like",
	"tell me more",
	"what would it look like",
	"how does that feel",
	"what's coming up for you",
	"i'm noticing",
}

func hasCoachingLanguage(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range coachingPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
