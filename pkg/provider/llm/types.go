package llm

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// UserMessage is a convenience constructor for a "user"-role message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// AssistantMessage is a convenience constructor for an "assistant"-role message.
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}
