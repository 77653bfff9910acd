package insight

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/coachlens/coachlens/internal/analysis"
	"github.com/coachlens/coachlens/internal/router"
	"github.com/coachlens/coachlens/pkg/provider/llm"
)

type callOutcome struct {
	content string
	err     error
}

type fakeCaller struct {
	chain    []string
	outcomes map[string][]callOutcome

	calls    []string
	requests []llm.CompletionRequest
}

func (f *fakeCaller) Chain(typ analysis.Type, tier analysis.PlanTier) []string {
	return f.chain
}

func (f *fakeCaller) CallProvider(ctx context.Context, providerID string, typ analysis.Type, req llm.CompletionRequest) (*router.Result, error) {
	f.calls = append(f.calls, providerID)
	f.requests = append(f.requests, req)

	queue := f.outcomes[providerID]
	var out callOutcome
	if len(queue) > 0 {
		out = queue[0]
		if len(queue) > 1 {
			f.outcomes[providerID] = queue[1:]
		}
	}
	if out.err != nil {
		return nil, out.err
	}
	return &router.Result{Content: out.content, ProviderID: providerID}, nil
}

func testInput() Input {
	return Input{
		Transcript:        "coach: What would you like to focus on today?\nclient: My confidence at work.",
		CompetencySummary: "Strong listening, room to deepen awareness.",
		History:           "Prior sessions: recurring theme of seeking external validation.",
	}
}

func testJob() *analysis.Job {
	return &analysis.Job{ID: "job-3", SessionID: "sess-1", Type: analysis.TypeInsight, PlanTier: analysis.PlanEnterprise}
}

func TestRun_HappyPath(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{
		chain:    []string{"premium"},
		outcomes: map[string][]callOutcome{"premium": {{content: sampleMarkdown}}},
	}
	g := New(caller)

	result, res, err := g.Run(context.Background(), testJob(), testInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderID != "premium" {
		t.Errorf("provider = %q, want premium", res.ProviderID)
	}
	if len(result.Insights) != 7 {
		t.Errorf("insights = %d, want 7", len(result.Insights))
	}
	if result.Markdown != sampleMarkdown {
		t.Error("raw markdown must be retained for audit")
	}

	// Prompt carries transcript, summary, and history block.
	prompt := caller.requests[0].Messages[0].Content
	for _, want := range []string{"confidence at work", "deepen awareness", "external validation"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestRun_MissingHeadingsTriggersAmendedRetry(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{
		chain: []string{"premium"},
		outcomes: map[string][]callOutcome{
			"premium": {
				{content: "The coach asked good questions and the client had a breakthrough."},
				{content: sampleMarkdown},
			},
		},
	}
	g := New(caller)

	result, _, err := g.Run(context.Background(), testJob(), testInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Insights) == 0 {
		t.Fatal("expected insights from retry")
	}
	if len(caller.calls) != 2 {
		t.Fatalf("calls = %v, want two calls to premium", caller.calls)
	}
	retry := caller.requests[1]
	if len(retry.Messages) != 3 {
		t.Fatalf("retry messages = %d, want 3", len(retry.Messages))
	}
	if !strings.Contains(retry.Messages[2].Content, "## Questioning Patterns") {
		t.Errorf("amended prompt should list the required headings, got %q", retry.Messages[2].Content)
	}
}

func TestRun_FallsBackThenExhausts(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{
		chain: []string{"balanced", "premium"},
		outcomes: map[string][]callOutcome{
			"balanced": {{content: "no headings here"}},
			"premium":  {{content: "still no headings"}},
		},
	}
	g := New(caller)

	result, _, err := g.Run(context.Background(), testJob(), testInput())
	if !errors.Is(err, ErrValidationExhausted) {
		t.Fatalf("err = %v, want ErrValidationExhausted", err)
	}
	if result != nil {
		t.Error("result must be nil on exhaustion")
	}
	// Two attempts per provider.
	if len(caller.calls) != 4 {
		t.Errorf("calls = %v, want 4", caller.calls)
	}
}

func TestRun_PermanentErrorAborts(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{
		chain: []string{"balanced", "premium"},
		outcomes: map[string][]callOutcome{
			"balanced": {{err: llm.Permanent(errors.New("model retired"))}},
		},
	}
	g := New(caller)

	_, _, err := g.Run(context.Background(), testJob(), testInput())
	if err == nil || !llm.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if len(caller.calls) != 1 {
		t.Errorf("calls = %v, want 1", caller.calls)
	}
}

func TestRun_EmptyTranscript(t *testing.T) {
	t.Parallel()
	g := New(&fakeCaller{chain: []string{"premium"}})
	if _, _, err := g.Run(context.Background(), testJob(), Input{}); !errors.Is(err, ErrEmptyTranscript) {
		t.Fatalf("err = %v, want ErrEmptyTranscript", err)
	}
}

func TestRun_CheckpointAborts(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{
		chain:    []string{"premium"},
		outcomes: map[string][]callOutcome{"premium": {{content: sampleMarkdown}}},
	}
	wantErr := errors.New("cancel requested")
	g := New(caller, WithCheckpoint(func(ctx context.Context) error { return wantErr }))

	if _, _, err := g.Run(context.Background(), testJob(), testInput()); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want checkpoint error", err)
	}
	if len(caller.calls) != 0 {
		t.Error("no provider call should happen after checkpoint abort")
	}
}
