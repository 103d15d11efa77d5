// Package openai forwards chat requests to OpenAI-compatible
// endpoints over HTTP.
package openai

import (
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/reservoir/client"
)

// Client is the real upstream forwarder.  It implements
// client.ChatClient.
type Client struct {
	rest *resty.Client
}

func NewClient() (c *Client) {
	c = &Client{rest: resty.New()}
	return
}

// CompleteChat sends a chat request to baseURL with a bearer key and
// returns the parsed response.  The request is rebuilt from the model
// name and messages only, so client-specific extras never reach the
// upstream API, and the leading system-message run is compressed into
// a single message first.
func (c *Client) CompleteChat(baseURL, key string, req *client.ChatRequest) (resp *client.ChatResponse, err error) {
	defer Return(&err)
	messages := client.CompressSystemContext(req.Messages)
	upstream := &client.ChatRequest{Model: req.Model, Messages: messages}
	body, err := json.Marshal(upstream)
	Ck(err)
	Debug("sending chat request to %s:\n%s", baseURL, body)
	res, err := c.rest.R().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("Authorization", Spf("Bearer %s", key)).
		SetBody(body).
		Post(baseURL)
	Ck(err)
	raw := res.Body()
	if !res.IsSuccess() {
		return nil, fmt.Errorf("llm api error %d: %s", res.StatusCode(), raw)
	}
	resp, err = client.ParseChatResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w\nraw response: %s", err, raw)
	}
	return
}
