package llm

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotConfigured is returned when the reply provider has no credentials.
var ErrNotConfigured = errors.New("llm: reply provider not configured")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a conversation message.
type Message struct {
	Role    string // "user", "assistant"
	Content string
}

// Client defines the interface for LLM providers.
type Client interface {
	// StreamReply generates the next assistant message for the conversation.
	// Text fragments are yielded as they arrive; a non-nil error is always
	// the last value of the sequence.
	StreamReply(ctx context.Context, messages []Message) iter.Seq2[string, error]
}

// Collect drains a reply stream into a single string. On error it returns
// whatever text arrived before the failure along with the error.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var sb strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

// failed yields a single error.
func failed(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}
