package llm

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// EchoClient answers by repeating the last user turn word by word. It is the
// default replier when no provider key is configured.
type EchoClient struct {
	delay time.Duration
}

// NewEchoClient creates an echo replier that pauses delay between words.
func NewEchoClient(delay time.Duration) *EchoClient {
	return &EchoClient{delay: delay}
}

// Name returns the provider name.
func (c *EchoClient) Name() string {
	return string(ProviderEcho)
}

// CompleteStream streams "You said: <text>" one word at a time. Whitespace
// stays attached to the word before it so the increments concatenate back to
// the full reply.
func (c *EchoClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	start := time.Now()

	text := "You said: " + lastUser(req.Messages)
	if strings.TrimSpace(lastUser(req.Messages)) == "" {
		text = "Hello! How can I help?"
	}

	var content strings.Builder
	for i, token := range SplitWords(text) {
		if c.delay > 0 && i > 0 {
			timer := time.NewTimer(c.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content.WriteString(token)
		if err := callback(token, i); err != nil {
			return nil, err
		}
	}

	out := content.String()
	return &CompletionResponse{
		Content:    out,
		Model:      "echo",
		TokensIn:   len(lastUser(req.Messages)) / 4,
		TokensOut:  len(out) / 4,
		StopReason: "end_turn",
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// SplitWords cuts s after each run of whitespace, so that joining the result
// reproduces s exactly.
func SplitWords(s string) []string {
	var (
		out   []string
		start int
		inWS  bool
	)
	for i, r := range s {
		ws := unicode.IsSpace(r)
		if inWS && !ws {
			out = append(out, s[start:i])
			start = i
		}
		inWS = ws
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
