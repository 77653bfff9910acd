// Package correction implements Tier 1 of the analysis pipeline: LLM
// transcript correction with turn-structure validation, a word-drop guard
// against truncation, and a token-level diff for audit display.
//
// The corrector never silently loses source text. When every provider in the
// fallback chain produces invalid output, it reports the raw transcript as
// the effective corrected text and surfaces [ErrValidationExhausted] so the
// job is failed rather than completed with fabricated content.
package correction

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/coachlens/coachlens/internal/analysis"
	"github.com/coachlens/coachlens/internal/observe"
	"github.com/coachlens/coachlens/internal/router"
	"github.com/coachlens/coachlens/pkg/provider/llm"
)

// ErrValidationExhausted signals that every provider in the chain failed
// output validation (including one amended-prompt retry each).
var ErrValidationExhausted = errors.New("correction: all providers failed output validation")

// ErrEmptyTranscript signals there is nothing to correct.
var ErrEmptyTranscript = errors.New("correction: transcript has no segments")

const defaultTemperature = 0.1

const systemPrompt = `You are a transcript correction assistant for professional coaching sessions.

Your task: clean up the provided session transcript.

Rules:
- Fix spelling mistakes, typos, and obvious speech-to-text errors.
- Add punctuation and capitalisation where missing.
- Preserve the speaker-turn structure EXACTLY: one line per turn, keeping the "Label:" prefix of every line unchanged.
- Do NOT merge, split, reorder, or drop any turns.
- Do NOT paraphrase, summarise, or change the meaning of what was said.
- Filler words ("um", "uh") may be removed, but nothing else.

Respond with ONLY the corrected transcript, no commentary.`

// Caller is the slice of the LLM router the corrector needs. The tier drives
// the chain itself so a validation failure can retry the same provider with
// an amended prompt before falling back.
type Caller interface {
	Chain(typ analysis.Type, tier analysis.PlanTier) []string
	CallProvider(ctx context.Context, providerID string, typ analysis.Type, req llm.CompletionRequest) (*router.Result, error)
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(c *Corrector) { c.temperature = temp }
}

// WithWordDropGuard sets the maximum fraction of total words the corrected
// output may lose before it is rejected as truncated. Default: 0.15.
func WithWordDropGuard(frac float64) Option {
	return func(c *Corrector) { c.wordDropGuard = frac }
}

// WithCheckpoint installs a cooperative-cancellation hook invoked before
// each provider call. A non-nil return aborts the run with that error.
func WithCheckpoint(fn func(ctx context.Context) error) Option {
	return func(c *Corrector) { c.checkpoint = fn }
}

// Corrector is the Tier 1 service. Safe for concurrent use.
type Corrector struct {
	caller        Caller
	temperature   float64
	wordDropGuard float64
	checkpoint    func(ctx context.Context) error
}

// New returns a Corrector routing through caller.
func New(caller Caller, opts ...Option) *Corrector {
	c := &Corrector{
		caller:        caller,
		temperature:   defaultTemperature,
		wordDropGuard: 0.15,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// FormatTranscript renders segments as one labelled line per turn. When a
// speaker has a known role the role name is the label, otherwise the raw
// diarization id is used.
func FormatTranscript(segments []analysis.Segment, roles map[string]analysis.Role) string {
	var sb strings.Builder
	for i, seg := range segments {
		if i > 0 {
			sb.WriteByte('\n')
		}
		label := seg.SpeakerID
		if role, ok := roles[seg.SpeakerID]; ok && role != analysis.RoleUnknown {
			label = string(role)
		}
		sb.WriteString(label)
		sb.WriteString(": ")
		sb.WriteString(seg.Text)
	}
	return sb.String()
}

// turnMarker matches a labelled speaker-turn line.
var turnMarker = regexp.MustCompile(`(?m)^[^\n:]{1,64}: `)

// countTurns counts speaker-turn markers in a rendered transcript.
func countTurns(text string) int {
	return len(turnMarker.FindAllStringIndex(text, -1))
}

func countWords(text string) int {
	return len(strings.Fields(text))
}

// Run corrects the transcript for job, walking the fallback chain. Each
// provider gets one standard attempt and, on validation failure, one retry
// with an amended prompt naming the dropped-turn count. The returned
// [router.Result] is the accepted call (nil when no call was accepted).
//
// On [ErrValidationExhausted] the returned result still carries the raw
// transcript with FallbackToRaw set, so callers never lose the source text.
func (c *Corrector) Run(ctx context.Context, job *analysis.Job, segments []analysis.Segment, roles map[string]analysis.Role) (*analysis.CorrectionResult, *router.Result, error) {
	if len(segments) == 0 {
		return nil, nil, ErrEmptyTranscript
	}

	original := FormatTranscript(segments, roles)
	wantTurns := countTurns(original)
	origWords := countWords(original)

	chain := c.caller.Chain(analysis.TypeCorrection, job.PlanTier)
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("correction: %w", router.ErrNoProviders)
	}

	log := observe.Logger(ctx).With("job_id", job.ID, "analysis_type", analysis.TypeCorrection)

	for _, providerID := range chain {
		messages := []llm.Message{llm.UserMessage(original)}

		for attempt := 0; attempt < 2; attempt++ {
			if err := c.check(ctx); err != nil {
				return nil, nil, err
			}

			res, err := c.caller.CallProvider(ctx, providerID, analysis.TypeCorrection, llm.CompletionRequest{
				SystemPrompt: systemPrompt,
				Temperature:  c.temperature,
				Messages:     messages,
			})
			if err != nil {
				if llm.IsPermanent(err) {
					return nil, nil, err
				}
				log.Warn("correction provider failed", "provider", providerID, "err", err)
				break // next provider
			}

			corrected := strings.TrimSpace(res.Content)
			issue := c.validate(corrected, wantTurns, origWords)
			if issue == "" {
				result := &analysis.CorrectionResult{
					CorrectedText:      corrected,
					Diff:               Diff(original, corrected),
					TurnCount:          wantTurns,
					OriginalWordCount:  origWords,
					CorrectedWordCount: countWords(corrected),
				}
				return result, res, nil
			}

			log.Warn("correction output rejected",
				"provider", providerID, "attempt", attempt+1, "issue", issue)

			// Amend the conversation so the retry sees its own bad output and
			// the specific defect.
			messages = append(messages,
				llm.AssistantMessage(res.Content),
				llm.UserMessage(fmt.Sprintf(
					"Your previous output was invalid: %s. Reproduce ALL %d turns, one per line, with their original \"Label:\" prefixes, and do not drop any content.",
					issue, wantTurns)),
			)
		}
	}

	// Every provider failed validation: preserve the raw transcript.
	fallback := &analysis.CorrectionResult{
		CorrectedText:      original,
		TurnCount:          wantTurns,
		OriginalWordCount:  origWords,
		CorrectedWordCount: origWords,
		FallbackToRaw:      true,
	}
	return fallback, nil, ErrValidationExhausted
}

// validate returns an empty string for acceptable output, or a short
// description of the defect.
func (c *Corrector) validate(corrected string, wantTurns, origWords int) string {
	if corrected == "" {
		return "empty output"
	}
	if got := countTurns(corrected); got != wantTurns {
		return fmt.Sprintf("turn count mismatch: got %d, want %d", got, wantTurns)
	}
	minWords := int(float64(origWords) * (1 - c.wordDropGuard))
	if got := countWords(corrected); got < minWords {
		return fmt.Sprintf("word count dropped below guard: got %d, floor %d", got, minWords)
	}
	return ""
}

func (c *Corrector) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.checkpoint != nil {
		return c.checkpoint(ctx)
	}
	return nil
}
