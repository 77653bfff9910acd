package competency

import (
	"context"
	"encoding/json"
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
	return &router.Result{
		Content:    out.content,
		ProviderID: providerID,
		Usage:      llm.Usage{PromptTokens: 900, CompletionTokens: 600},
	}, nil
}

const testTranscript = `coach: What would you like to focus on today?
client: I think it's my confidence at work, honestly.
coach: Tell me more about that.
client: When I present to leadership I freeze up completely.`

func testJob() *analysis.Job {
	return &analysis.Job{ID: "job-2", SessionID: "sess-1", Type: analysis.TypeCompetency, PlanTier: analysis.PlanPro}
}

// makePayload builds a schema-conforming v1 payload. Tests mutate the result
// before marshalling to produce specific defects.
func makePayload() *payload {
	p := &payload{OverallSummary: "A solid session with strong listening and room to deepen awareness."}
	for _, name := range CompetenciesV1 {
		p.Competencies = append(p.Competencies, payloadEntry{
			Name:          name,
			Score:         3,
			Justification: "Demonstrated consistently through the session.",
			Evidence: []payloadEvidence{
				{SpeakerRole: "coach", Quote: "Tell me more about that."},
			},
			Recommendation: "Keep building on this strength.",
		})
	}
	return p
}

func marshal(t *testing.T, p *payload) string {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return string(b)
}

func TestRun_HappyPath(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{
		chain:    []string{"balanced"},
		outcomes: map[string][]callOutcome{"balanced": {{content: marshal(t, makePayload())}}},
	}
	a := New(caller)

	result, res, err := a.Run(context.Background(), testJob(), testTranscript)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderID != "balanced" {
		t.Errorf("provider = %q, want balanced", res.ProviderID)
	}
	if result.SchemaVersion != SchemaVersionV1 {
		t.Errorf("schema version = %q, want %q", result.SchemaVersion, SchemaVersionV1)
	}
	if len(result.Competencies) != 8 {
		t.Fatalf("competencies = %d, want 8", len(result.Competencies))
	}
	for _, c := range result.Competencies {
		if c.AnalysisID != "job-2" {
			t.Errorf("%s: analysis id = %q, want job-2", c.Name, c.AnalysisID)
		}
		if len(c.Evidence) != 1 || c.Evidence[0].SpeakerRole != analysis.RoleCoach {
			t.Errorf("%s: evidence = %+v", c.Name, c.Evidence)
		}
	}
}

func TestRun_MarkdownFencedJSONAccepted(t *testing.T) {
	t.Parallel()
	fenced := "```json\n" + marshal(t, makePayload()) + "\n```"
	caller := &fakeCaller{
		chain:    []string{"balanced"},
		outcomes: map[string][]callOutcome{"balanced": {{content: fenced}}},
	}
	a := New(caller)

	result, _, err := a.Run(context.Background(), testJob(), testTranscript)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Competencies) != 8 {
		t.Errorf("competencies = %d, want 8", len(result.Competencies))
	}
}

func TestRun_ParseFailureSelfRepairsSameProvider(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{
		chain: []string{"balanced"},
		outcomes: map[string][]callOutcome{
			"balanced": {
				{content: `Here are the scores: {"overall_summary": "truncat`},
				{content: marshal(t, makePayload())},
			},
		},
	}
	a := New(caller)

	result, _, err := a.Run(context.Background(), testJob(), testTranscript)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Competencies) != 8 {
		t.Errorf("competencies = %d, want 8", len(result.Competencies))
	}
	if len(caller.calls) != 2 || caller.calls[0] != "balanced" || caller.calls[1] != "balanced" {
		t.Fatalf("calls = %v, want two calls to balanced", caller.calls)
	}

	retry := caller.requests[1]
	if len(retry.Messages) != 3 {
		t.Fatalf("retry messages = %d, want 3 (prompt + bad output + repair)", len(retry.Messages))
	}
	if !strings.Contains(retry.Messages[2].Content, "valid JSON") {
		t.Errorf("repair prompt = %q", retry.Messages[2].Content)
	}
}

func TestRun_SevenCompetenciesFallsBackWithoutRetry(t *testing.T) {
	t.Parallel()
	seven := makePayload()
	seven.Competencies = seven.Competencies[:7]
	caller := &fakeCaller{
		chain: []string{"balanced", "premium"},
		outcomes: map[string][]callOutcome{
			"balanced": {{content: marshal(t, seven)}},
			"premium":  {{content: marshal(t, makePayload())}},
		},
	}
	a := New(caller)

	_, res, err := a.Run(context.Background(), testJob(), testTranscript)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderID != "premium" {
		t.Errorf("provider = %q, want premium", res.ProviderID)
	}
	// Schema failures skip the self-repair retry: one call per provider.
	if len(caller.calls) != 2 {
		t.Errorf("calls = %v, want [balanced premium]", caller.calls)
	}
}

func TestRun_ScoreOutOfBoundsRejected(t *testing.T) {
	t.Parallel()
	bad := makePayload()
	bad.Competencies[3].Score = 7
	caller := &fakeCaller{
		chain:    []string{"balanced"},
		outcomes: map[string][]callOutcome{"balanced": {{content: marshal(t, bad)}}},
	}
	a := New(caller)

	result, _, err := a.Run(context.Background(), testJob(), testTranscript)
	if !errors.Is(err, ErrValidationExhausted) {
		t.Fatalf("err = %v, want ErrValidationExhausted", err)
	}
	if result != nil {
		t.Error("no partial result may be returned on validation failure")
	}
}

func TestRun_HallucinatedQuoteRejected(t *testing.T) {
	t.Parallel()
	bad := makePayload()
	bad.Competencies[5].Evidence = []payloadEvidence{
		{SpeakerRole: "coach", Quote: "You should quit your job immediately."},
	}
	caller := &fakeCaller{
		chain:    []string{"balanced"},
		outcomes: map[string][]callOutcome{"balanced": {{content: marshal(t, bad)}}},
	}
	a := New(caller)

	_, _, err := a.Run(context.Background(), testJob(), testTranscript)
	if !errors.Is(err, ErrValidationExhausted) {
		t.Fatalf("err = %v, want ErrValidationExhausted for hallucinated quote", err)
	}
}

func TestRun_PunctuationDriftedQuoteAccepted(t *testing.T) {
	t.Parallel()
	p := makePayload()
	// Same words as the transcript line, punctuation and casing drifted.
	p.Competencies[1].Evidence = []payloadEvidence{
		{SpeakerRole: "client", Quote: "when I present to leadership, I freeze up completely"},
	}
	caller := &fakeCaller{
		chain:    []string{"balanced"},
		outcomes: map[string][]callOutcome{"balanced": {{content: marshal(t, p)}}},
	}
	a := New(caller)

	if _, _, err := a.Run(context.Background(), testJob(), testTranscript); err != nil {
		t.Fatalf("drifted-punctuation quote should pass normalized matching: %v", err)
	}
}

func TestRun_DuplicateCompetencyRejected(t *testing.T) {
	t.Parallel()
	bad := makePayload()
	bad.Competencies[7].Name = bad.Competencies[0].Name
	caller := &fakeCaller{
		chain:    []string{"balanced"},
		outcomes: map[string][]callOutcome{"balanced": {{content: marshal(t, bad)}}},
	}
	a := New(caller)

	if _, _, err := a.Run(context.Background(), testJob(), testTranscript); !errors.Is(err, ErrValidationExhausted) {
		t.Fatalf("err = %v, want ErrValidationExhausted for duplicate competency", err)
	}
}

func TestRun_TransientErrorAdvancesChain(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{
		chain: []string{"balanced", "premium"},
		outcomes: map[string][]callOutcome{
			"balanced": {{err: llm.Transient(errors.New("overloaded"))}},
			"premium":  {{content: marshal(t, makePayload())}},
		},
	}
	a := New(caller)

	_, res, err := a.Run(context.Background(), testJob(), testTranscript)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderID != "premium" {
		t.Errorf("provider = %q, want premium", res.ProviderID)
	}
}

func TestRun_PermanentErrorAborts(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{
		chain: []string{"balanced", "premium"},
		outcomes: map[string][]callOutcome{
			"balanced": {{err: llm.Permanent(errors.New("content policy"))}},
		},
	}
	a := New(caller)

	_, _, err := a.Run(context.Background(), testJob(), testTranscript)
	if err == nil || !llm.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if len(caller.calls) != 1 {
		t.Errorf("calls = %v, fallback must not run after permanent error", caller.calls)
	}
}

func TestRun_EmptyTranscript(t *testing.T) {
	t.Parallel()
	a := New(&fakeCaller{chain: []string{"balanced"}})
	if _, _, err := a.Run(context.Background(), testJob(), "  \n "); !errors.Is(err, ErrEmptyTranscript) {
		t.Fatalf("err = %v, want ErrEmptyTranscript", err)
	}
}

func TestRun_CheckpointAborts(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{
		chain:    []string{"balanced"},
		outcomes: map[string][]callOutcome{"balanced": {{content: marshal(t, makePayload())}}},
	}
	wantErr := errors.New("cancel requested")
	a := New(caller, WithCheckpoint(func(ctx context.Context) error { return wantErr }))

	if _, _, err := a.Run(context.Background(), testJob(), testTranscript); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want checkpoint error", err)
	}
	if len(caller.calls) != 0 {
		t.Error("no provider call should happen after checkpoint abort")
	}
}

func TestExtractJSON(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced no language", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding prose", `Sure! {"a":1} Hope that helps.`, `{"a":1}`},
		{"no object", "no json here", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := extractJSON(tc.in); got != tc.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
