// Package insight implements Tier 3 of the analysis pipeline: cross-session
// coaching insight generation. The model writes free-form markdown under
// fixed headings; validation is intentionally weak (at least one recognized
// heading) because the output is prose, not structured data.
package insight

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coachlens/coachlens/internal/analysis"
	"github.com/coachlens/coachlens/internal/observe"
	"github.com/coachlens/coachlens/internal/router"
	"github.com/coachlens/coachlens/pkg/provider/llm"
)

// ErrValidationExhausted signals that no provider produced output with at
// least one recognized category heading.
var ErrValidationExhausted = errors.New("insight: all providers failed output validation")

// ErrEmptyTranscript signals there is nothing to analyse.
var ErrEmptyTranscript = errors.New("insight: transcript is empty")

const defaultTemperature = 0.5

const systemPrompt = `You are a master coach mentor reviewing a coaching session in the context of the client's history.

Write a markdown report with EXACTLY these five sections, in this order:

## Questioning Patterns
## Breakthrough Moments
## Blind Spot
## Session Arc
## Recommendations

Section guidance:
- Questioning Patterns: the coach's questioning habits this session (open vs closed, stacking, leading).
- Breakthrough Moments: moments where the client's thinking visibly shifted, with what the coach did to enable them.
- Blind Spot: ONE candidate recurring blind spot, grounded in this session and the historical themes provided.
- Session Arc: how the session opened, deepened, and closed.
- Recommendations: exactly 3 actionable recommendations for the coach, as a numbered list.

Ground every observation in the transcript or the history block. Do not invent events.`

// Input carries everything Tier 3 analyses: the corrected transcript, the
// Tier 2 summary, and the pre-aggregated history block from the history
// service. CompetencySummary and History may be empty for a first session.
type Input struct {
	Transcript        string
	CompetencySummary string
	History           string
}

func (in Input) prompt() string {
	var sb strings.Builder
	sb.WriteString("Session transcript:\n\n")
	sb.WriteString(in.Transcript)
	if s := strings.TrimSpace(in.CompetencySummary); s != "" {
		sb.WriteString("\n\nCompetency assessment summary for this session:\n\n")
		sb.WriteString(s)
	}
	if h := strings.TrimSpace(in.History); h != "" {
		sb.WriteString("\n\nHistorical context (prior sessions):\n\n")
		sb.WriteString(h)
	}
	return sb.String()
}

// Caller is the slice of the LLM router the generator needs.
type Caller interface {
	Chain(typ analysis.Type, tier analysis.PlanTier) []string
	CallProvider(ctx context.Context, providerID string, typ analysis.Type, req llm.CompletionRequest) (*router.Result, error)
}

// Option configures a [Generator].
type Option func(*Generator)

// WithTemperature sets the sampling temperature. Default: 0.5.
func WithTemperature(temp float64) Option {
	return func(g *Generator) { g.temperature = temp }
}

// WithCheckpoint installs a cooperative-cancellation hook invoked before each
// provider call.
func WithCheckpoint(fn func(ctx context.Context) error) Option {
	return func(g *Generator) { g.checkpoint = fn }
}

// Generator is the Tier 3 service. Safe for concurrent use.
type Generator struct {
	caller      Caller
	temperature float64
	checkpoint  func(ctx context.Context) error
}

// New returns a Generator routing through caller.
func New(caller Caller, opts ...Option) *Generator {
	g := &Generator{caller: caller, temperature: defaultTemperature}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Run generates insights for job. Each provider gets one standard attempt
// and, when the output contains no recognized heading, one amended retry.
// The raw markdown is retained on the result for audit.
func (g *Generator) Run(ctx context.Context, job *analysis.Job, in Input) (*analysis.InsightResult, *router.Result, error) {
	if strings.TrimSpace(in.Transcript) == "" {
		return nil, nil, ErrEmptyTranscript
	}

	chain := g.caller.Chain(analysis.TypeInsight, job.PlanTier)
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("insight: %w", router.ErrNoProviders)
	}

	log := observe.Logger(ctx).With("job_id", job.ID, "analysis_type", analysis.TypeInsight)

	for _, providerID := range chain {
		messages := []llm.Message{llm.UserMessage(in.prompt())}

		for attempt := 0; attempt < 2; attempt++ {
			if err := g.check(ctx); err != nil {
				return nil, nil, err
			}

			res, err := g.caller.CallProvider(ctx, providerID, analysis.TypeInsight, llm.CompletionRequest{
				SystemPrompt: systemPrompt,
				Temperature:  g.temperature,
				Messages:     messages,
			})
			if err != nil {
				if llm.IsPermanent(err) {
					return nil, nil, err
				}
				log.Warn("insight provider failed", "provider", providerID, "err", err)
				break // next provider
			}

			markdown := strings.TrimSpace(res.Content)
			insights := Parse(job.ID, markdown)
			if len(insights) > 0 {
				return &analysis.InsightResult{Insights: insights, Markdown: markdown}, res, nil
			}

			log.Warn("insight output has no recognized section heading",
				"provider", providerID, "attempt", attempt+1)

			messages = append(messages,
				llm.AssistantMessage(res.Content),
				llm.UserMessage("Your previous output contained none of the required markdown section headings. Rewrite it using exactly these headings: ## Questioning Patterns, ## Breakthrough Moments, ## Blind Spot, ## Session Arc, ## Recommendations."),
			)
		}
	}

	return nil, nil, ErrValidationExhausted
}

func (g *Generator) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.checkpoint != nil {
		return g.checkpoint(ctx)
	}
	return nil
}
