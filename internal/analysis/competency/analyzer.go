// Package competency implements Tier 2 of the analysis pipeline: ICF
// competency scoring of a corrected transcript through a strict
// parse/schema/evidence validation pipeline.
//
// Tier 2 results are all-or-nothing. A run either yields exactly eight
// validated competency scores or [ErrValidationExhausted]; partial score sets
// are never returned.
package competency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/coachlens/coachlens/internal/analysis"
	"github.com/coachlens/coachlens/internal/observe"
	"github.com/coachlens/coachlens/internal/router"
	"github.com/coachlens/coachlens/pkg/provider/llm"
)

// ErrValidationExhausted signals that every provider in the chain failed the
// parse/schema/evidence validation pipeline.
var ErrValidationExhausted = errors.New("competency: all providers failed output validation")

// ErrEmptyTranscript signals there is nothing to score.
var ErrEmptyTranscript = errors.New("competency: transcript is empty")

const (
	defaultTemperature    = 0.2
	defaultFuzzyThreshold = 0.90
)

// Caller is the slice of the LLM router the analyzer needs.
type Caller interface {
	Chain(typ analysis.Type, tier analysis.PlanTier) []string
	CallProvider(ctx context.Context, providerID string, typ analysis.Type, req llm.CompletionRequest) (*router.Result, error)
}

// Option configures an [Analyzer].
type Option func(*Analyzer)

// WithTemperature sets the sampling temperature. Default: 0.2.
func WithTemperature(temp float64) Option {
	return func(a *Analyzer) { a.temperature = temp }
}

// WithFuzzyThreshold sets the Jaro-Winkler similarity at or above which an
// evidence quote that is not an exact substring of the transcript is still
// accepted. Transcripts arrive punctuation-corrected, so model quotes often
// differ from the source by whitespace or a comma. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(a *Analyzer) { a.fuzzyThreshold = threshold }
}

// WithCheckpoint installs a cooperative-cancellation hook invoked before each
// provider call.
func WithCheckpoint(fn func(ctx context.Context) error) Option {
	return func(a *Analyzer) { a.checkpoint = fn }
}

// Analyzer is the Tier 2 service. Safe for concurrent use.
type Analyzer struct {
	caller         Caller
	temperature    float64
	fuzzyThreshold float64
	checkpoint     func(ctx context.Context) error
}

// New returns an Analyzer routing through caller.
func New(caller Caller, opts ...Option) *Analyzer {
	a := &Analyzer{
		caller:         caller,
		temperature:    defaultTemperature,
		fuzzyThreshold: defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// payload mirrors the v1 JSON contract.
type payload struct {
	OverallSummary string         `json:"overall_summary"`
	Competencies   []payloadEntry `json:"competencies"`
}

type payloadEntry struct {
	Name           string            `json:"name"`
	Score          int               `json:"score"`
	Justification  string            `json:"justification"`
	Evidence       []payloadEvidence `json:"evidence"`
	Recommendation string            `json:"recommendation"`
}

type payloadEvidence struct {
	SpeakerRole string `json:"speaker_role"`
	Quote       string `json:"quote"`
}

// Run scores the transcript for job, walking the fallback chain. Per
// provider: one standard attempt; on a JSON parse failure one self-repair
// retry with the same provider; on a schema or evidence failure, fall through
// to the next provider. The returned [router.Result] is the accepted call.
func (a *Analyzer) Run(ctx context.Context, job *analysis.Job, transcript string) (*analysis.CompetencyResult, *router.Result, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, nil, ErrEmptyTranscript
	}

	chain := a.caller.Chain(analysis.TypeCompetency, job.PlanTier)
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("competency: %w", router.ErrNoProviders)
	}

	log := observe.Logger(ctx).With("job_id", job.ID, "analysis_type", analysis.TypeCompetency)

	for _, providerID := range chain {
		messages := []llm.Message{llm.UserMessage(schemaPrompt(transcript))}

		var parsed *payload
		for attempt := 0; attempt < 2; attempt++ {
			if err := a.check(ctx); err != nil {
				return nil, nil, err
			}

			res, err := a.caller.CallProvider(ctx, providerID, analysis.TypeCompetency, llm.CompletionRequest{
				SystemPrompt: systemPromptV1,
				Temperature:  a.temperature,
				Messages:     messages,
			})
			if err != nil {
				if llm.IsPermanent(err) {
					return nil, nil, err
				}
				log.Warn("competency provider failed", "provider", providerID, "err", err)
				break // next provider
			}

			parsed, err = parsePayload(res.Content)
			if err != nil {
				log.Warn("competency output is not valid JSON",
					"provider", providerID, "attempt", attempt+1, "err", err)
				if attempt == 0 {
					// One self-repair retry with the same provider.
					messages = append(messages,
						llm.AssistantMessage(res.Content),
						llm.UserMessage(repairPromptV1),
					)
					continue
				}
				break // repair failed too, next provider
			}

			if issue := a.validateSchema(parsed, transcript); issue != "" {
				log.Warn("competency output failed schema validation",
					"provider", providerID, "issue", issue)
				break // schema failures go straight to the next provider
			}

			return buildResult(job.ID, parsed), res, nil
		}
	}

	return nil, nil, ErrValidationExhausted
}

// parsePayload decodes model output into the v1 payload, tolerating markdown
// fences and surrounding prose around the JSON object.
func parsePayload(content string) (*payload, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, errors.New("no JSON object found in output")
	}
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// extractJSON returns the outermost {...} span of content, stripping markdown
// code fences first.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// validateSchema returns an empty string for a conforming payload, or a short
// description of the first defect.
func (a *Analyzer) validateSchema(p *payload, transcript string) string {
	if strings.TrimSpace(p.OverallSummary) == "" {
		return "overall_summary is empty"
	}
	if got, want := len(p.Competencies), len(CompetenciesV1); got != want {
		return fmt.Sprintf("expected %d competencies, got %d", want, got)
	}

	canonical := make(map[string]bool, len(CompetenciesV1))
	for _, name := range CompetenciesV1 {
		canonical[strings.ToLower(name)] = false
	}

	normTranscript := normalize(transcript)
	lines := strings.Split(transcript, "\n")

	for i, c := range p.Competencies {
		key := strings.ToLower(strings.TrimSpace(c.Name))
		seen, ok := canonical[key]
		if !ok {
			return fmt.Sprintf("competencies[%d]: unknown competency %q", i, c.Name)
		}
		if seen {
			return fmt.Sprintf("competencies[%d]: duplicate competency %q", i, c.Name)
		}
		canonical[key] = true

		if c.Score < ScoreMin || c.Score > ScoreMax {
			return fmt.Sprintf("competencies[%d] (%s): score %d outside [%d,%d]", i, c.Name, c.Score, ScoreMin, ScoreMax)
		}
		if strings.TrimSpace(c.Justification) == "" {
			return fmt.Sprintf("competencies[%d] (%s): justification is empty", i, c.Name)
		}
		if strings.TrimSpace(c.Recommendation) == "" {
			return fmt.Sprintf("competencies[%d] (%s): recommendation is empty", i, c.Name)
		}
		for j, ev := range c.Evidence {
			if strings.TrimSpace(ev.Quote) == "" {
				return fmt.Sprintf("competencies[%d] (%s): evidence[%d] quote is empty", i, c.Name, j)
			}
			if !a.quoteInTranscript(ev.Quote, normTranscript, lines) {
				return fmt.Sprintf("competencies[%d] (%s): evidence[%d] quote not found in transcript", i, c.Name, j)
			}
		}
	}
	return ""
}

// quoteInTranscript reports whether a quote appears in the transcript, first
// by normalized substring match, then by Jaro-Winkler similarity against each
// transcript line.
func (a *Analyzer) quoteInTranscript(quote, normTranscript string, lines []string) bool {
	nq := normalize(quote)
	if nq == "" {
		return false
	}
	if strings.Contains(normTranscript, nq) {
		return true
	}
	for _, line := range lines {
		// Drop the "label:" prefix before comparing.
		if _, rest, found := strings.Cut(line, ": "); found {
			line = rest
		}
		if matchr.JaroWinkler(nq, normalize(line), true) >= a.fuzzyThreshold {
			return true
		}
	}
	return false
}

// normalize lowercases and strips punctuation so corrected-transcript
// punctuation differences do not fail evidence checks.
func normalize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'':
			sb.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				sb.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

func buildResult(analysisID string, p *payload) *analysis.CompetencyResult {
	scores := make([]analysis.CompetencyScore, 0, len(p.Competencies))
	for _, c := range p.Competencies {
		evidence := make([]analysis.Evidence, 0, len(c.Evidence))
		for _, ev := range c.Evidence {
			evidence = append(evidence, analysis.Evidence{
				SpeakerRole: parseRole(ev.SpeakerRole),
				Quote:       ev.Quote,
			})
		}
		scores = append(scores, analysis.CompetencyScore{
			AnalysisID:     analysisID,
			Name:           c.Name,
			Score:          c.Score,
			Justification:  c.Justification,
			Evidence:       evidence,
			Recommendation: c.Recommendation,
		})
	}
	return &analysis.CompetencyResult{
		OverallSummary: p.OverallSummary,
		Competencies:   scores,
		SchemaVersion:  SchemaVersionV1,
	}
}

func parseRole(s string) analysis.Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(analysis.RoleCoach):
		return analysis.RoleCoach
	case string(analysis.RoleClient):
		return analysis.RoleClient
	}
	return analysis.RoleUnknown
}

func (a *Analyzer) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.checkpoint != nil {
		return a.checkpoint(ctx)
	}
	return nil
}
