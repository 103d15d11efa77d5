// Package mock provides in-memory stand-ins for the LLM provider and
// the embedding service so tests can run without network access.
package mock

import (
	"hash/fnv"

	"github.com/stevegt/reservoir/client"
)

// Client is a mock LLM provider for testing.
// It implements the ChatClient interface and returns pre-configured responses
// based on the model name. Tests can configure responses using SetResponse.
type Client struct {
	Responses map[string]string     // model name -> response content
	Requests  []*client.ChatRequest // requests received, in order
}

// NewClient creates a new mock client.
func NewClient() *Client {
	return &Client{
		Responses: make(map[string]string),
	}
}

// SetResponse sets the response content for a given model name.
// This allows tests to configure the mock provider with specific responses.
func (c *Client) SetResponse(model, response string) {
	c.Responses[model] = response
}

// LastRequest returns the most recent request received, or nil if none.
func (c *Client) LastRequest() *client.ChatRequest {
	if len(c.Requests) == 0 {
		return nil
	}
	return c.Requests[len(c.Requests)-1]
}

// CompleteChat returns a pre-configured response based on the model name.
// If no response has been configured for the given model, it returns a
// default response. The request is recorded so tests can inspect the
// messages that were actually sent upstream.
func (c *Client) CompleteChat(baseURL, key string, req *client.ChatRequest) (*client.ChatResponse, error) {
	c.Requests = append(c.Requests, req)
	content, ok := c.Responses[req.Model]
	if !ok {
		content = "default mock response"
	}
	return &client.ChatResponse{
		ID:      "chatcmpl-mock",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   req.Model,
		Choices: []client.Choice{
			{
				Index: 0,
				Message: client.Message{
					Role:    client.RoleAI,
					Content: content,
				},
				FinishReason: "stop",
			},
		},
	}, nil
}

// Embedder is a mock embedding service for testing.
// It implements the Embedder interface. Tests can pin exact vectors per
// text with SetEmbedding; any other text gets a deterministic vector
// derived from its content, so equal texts always embed equally.
type Embedder struct {
	Embeddings map[string][]float64 // text -> embedding
	Dims       int                  // dimension of generated vectors
}

// NewEmbedder creates a new mock embedder producing vectors of the
// given dimension.
func NewEmbedder(dims int) *Embedder {
	return &Embedder{
		Embeddings: make(map[string][]float64),
		Dims:       dims,
	}
}

// SetEmbedding pins the embedding returned for a given text.
func (e *Embedder) SetEmbedding(text string, embedding []float64) {
	e.Embeddings[text] = embedding
}

// EmbedText returns the pinned embedding for text if one was set,
// otherwise a deterministic pseudo-random vector seeded by the text.
func (e *Embedder) EmbedText(text string) (embedding []float64, err error) {
	if pinned, ok := e.Embeddings[text]; ok {
		return pinned, nil
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	embedding = make([]float64, e.Dims)
	for i := range embedding {
		// xorshift keeps the sequence stable across runs
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		embedding[i] = float64(seed%2000)/1000.0 - 1.0
	}
	return embedding, nil
}
