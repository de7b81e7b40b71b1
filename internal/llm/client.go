// Package llm produces assistant replies for the development backend.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// StreamCallback is called for each text increment, in order.
type StreamCallback func(token string, index int) error

// Roles accepted in ChatMessage.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest is one reply request.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage is one turn of the prompt.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse summarizes a finished reply.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client streams assistant replies.
type Client interface {
	// CompleteStream generates a reply and hands each increment to callback.
	// A callback error stops generation and is returned.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderEcho      Provider = "echo"
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates the client for provider. The echo provider needs no key.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderEcho, "":
		return NewEchoClient(0), nil
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

// splitSystem separates system turns from the conversation, joining their
// text with blank lines.
func splitSystem(msgs []ChatMessage) (string, []ChatMessage) {
	var (
		system []string
		rest   = make([]ChatMessage, 0, len(msgs))
	)
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// lastUser returns the content of the final user turn.
func lastUser(msgs []ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
