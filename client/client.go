// Package client holds the OpenAI-compatible wire types that flow
// through the proxy, plus the interfaces the core uses to talk to
// upstream chat and embedding providers.  Keeping these in a leaf
// package lets core, openai, and mock all share them without import
// cycles.
package client

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role values used on the wire.
const (
	RoleSystem = "system"
	RoleUser   = "user"
	RoleAI     = "assistant"
)

// Message is a single role-tagged chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the subset of a chat completion request that the
// proxy understands and forwards.  Any other fields a client sends are
// dropped on parse; the upstream request is rebuilt from these two
// fields only.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// ParseChatRequest decodes a chat completion request body.
func ParseChatRequest(body []byte) (req *ChatRequest, err error) {
	req = &ChatRequest{}
	err = json.Unmarshal(body, req)
	if err != nil {
		return nil, fmt.Errorf("parsing chat request: %w", err)
	}
	return
}

// ChatResponse is a chat completion response.  Everything but the
// choices is optional -- some OpenAI-compatible servers omit fields.
type ChatResponse struct {
	ID      string   `json:"id,omitempty"`
	Object  string   `json:"object,omitempty"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model,omitempty"`
	Usage   *Usage   `json:"usage,omitempty"`
	Choices []Choice `json:"choices"`
}

// ParseChatResponse decodes a chat completion response body.
func ParseChatResponse(body []byte) (res *ChatResponse, err error) {
	res = &ChatResponse{}
	err = json.Unmarshal(body, res)
	if err != nil {
		return nil, fmt.Errorf("parsing chat response: %w", err)
	}
	return
}

// Choice is one completion alternative in a ChatResponse.
type Choice struct {
	Index        int64   `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage reports upstream token accounting.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ErrorResponse is the body shape for HTTP error replies.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the human-readable error message.
type ErrorDetail struct {
	Message string `json:"message"`
}

// ChatClient forwards a chat request to an OpenAI-compatible endpoint
// and returns the parsed response.
type ChatClient interface {
	CompleteChat(baseURL, key string, req *ChatRequest) (*ChatResponse, error)
}

// Embedder returns the embedding vector for a text.
type Embedder interface {
	EmbedText(text string) ([]float64, error)
}

// messageLine renders a message as a single prefixed line for use
// inside a merged system context.
func messageLine(m Message) string {
	switch m.Role {
	case RoleUser:
		return fmt.Sprintf("User: %s", m.Content)
	case RoleAI:
		return fmt.Sprintf("Assistant: %s", m.Content)
	case RoleSystem:
		return fmt.Sprintf("System Note: %s", m.Content)
	default:
		return fmt.Sprintf("%s: %s", m.Role, m.Content)
	}
}

// CompressSystemContext merges a leading run of context messages into
// a single system message.  If the first message is a system message
// and at least one more system message follows it, every message from
// the start through the last system message is folded into the first
// one, each on its own prefixed line.  Messages after the last system
// message are kept as-is.  Anything else returns the input unchanged.
func CompressSystemContext(messages []Message) []Message {
	first := -1
	last := -1
	for i, m := range messages {
		if m.Role == RoleSystem {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first != 0 || first == last {
		return messages
	}
	var sb strings.Builder
	sb.WriteString(messages[0].Content)
	for i := first + 1; i <= last; i++ {
		sb.WriteString("\n")
		sb.WriteString(messageLine(messages[i]))
	}
	compressed := []Message{{Role: RoleSystem, Content: sb.String()}}
	compressed = append(compressed, messages[last+1:]...)
	return compressed
}
