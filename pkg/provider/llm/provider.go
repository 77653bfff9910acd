// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o,
// Anthropic Claude, or a local Ollama instance) and exposes a uniform interface
// so the analysis router can perform completions, count tokens, and inspect
// cost/context metadata without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt. This value directly affects billing.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Provided as a convenience;
	// some providers return it directly rather than computing it from the parts.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Lower
	// values produce more deterministic outputs. Analysis tiers use low values
	// (0.1–0.3) since they want reproducible, faithful output.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default (usually the model's MaxOutputTokens).
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history. Providers without a dedicated system slot
	// prepend it as a "system"-role message.
	SystemPrompt string
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// LatencyClass is a coarse latency bucket declared by each provider, used by
// the router to order fallback chains per analysis tier.
type LatencyClass string

const (
	// LatencyFast identifies cheap low-latency models suitable for transcript
	// correction (sub-second to a few seconds).
	LatencyFast LatencyClass = "fast"

	// LatencyBalanced identifies mid-tier reasoning models (seconds).
	LatencyBalanced LatencyClass = "balanced"

	// LatencySlow identifies premium or long-context models where responses
	// may take tens of seconds to minutes.
	LatencySlow LatencyClass = "slow"
)

// Capabilities describes the static cost/context profile of a provider's
// underlying model. The router records a snapshot of these values on every
// completed analysis job so historical cost figures stay accurate even after
// pricing changes.
type Capabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// CostPerInputToken is the USD price of a single prompt token.
	CostPerInputToken float64

	// CostPerOutputToken is the USD price of a single completion token.
	CostPerOutputToken float64

	// Latency is the declared latency class for routing decisions.
	Latency LatencyClass
}

// Cost computes the USD cost of a call with the given usage under this
// capability snapshot.
func (c Capabilities) Cost(u Usage) float64 {
	return float64(u.PromptTokens)*c.CostPerInputToken +
		float64(u.CompletionTokens)*c.CostPerOutputToken
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method should propagate context cancellation promptly.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or if ctx is cancelled before the
	// completion arrives. Implementations classify backend failures with
	// [Transient] or [Permanent] so the router can decide whether to fall back.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens that the given message list
	// would consume in the model's context window. Used by the router to skip
	// providers whose window the payload would overflow.
	//
	// Implementations may call the provider's tokenisation API or perform a
	// local approximation. The result need not be exact but should not
	// undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata describing the provider's cost and
	// context profile. The result is assumed to be constant for the lifetime
	// of the Provider instance.
	Capabilities() Capabilities
}
