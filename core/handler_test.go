package core

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/reservoir/client"
	"github.com/stevegt/reservoir/mock"
)

func testReservoir(t *testing.T) (*Reservoir, *mock.Client, *mock.Embedder) {
	rsv, err := Open(t.TempDir())
	Tassert(t, err == nil, "Open: %v", err)
	t.Cleanup(func() { rsv.Close() })
	chat := mock.NewClient()
	embedder := mock.NewEmbedder(8)
	rsv.SetChatClient(chat)
	rsv.SetEmbedder(embedder)
	return rsv, chat, embedder
}

func TestHandleChatBasic(t *testing.T) {
	rsv, chat, _ := testReservoir(t)
	chat.SetResponse("gpt-4o", "Your name is Stephen.")

	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"What is my name?"}]}`)
	respBody, err := rsv.HandleChat("default", "default", body)
	Tassert(t, err == nil, "HandleChat: %v", err)

	resp, err := client.ParseChatResponse(respBody)
	Tassert(t, err == nil, "ParseChatResponse: %v", err)
	Tassert(t, len(resp.Choices) == 1, "got %d choices", len(resp.Choices))
	Tassert(t, resp.Choices[0].Message.Content == "Your name is Stephen.",
		"got %q", resp.Choices[0].Message.Content)
	Tassert(t, resp.Choices[0].FinishReason == "stop", "got %q", resp.Choices[0].FinishReason)

	// request and reply stored under one trace
	nodes, err := rsv.store.AllMessages("default")
	Tassert(t, err == nil, "AllMessages: %v", err)
	Tassert(t, len(nodes) == 2, "got %d nodes", len(nodes))
	byRole := make(map[string]MessageNode)
	for _, node := range nodes {
		byRole[node.Role] = node
		Tassert(t, len(node.Embedding) > 0, "node %q missing embedding", node.Content)
	}
	Tassert(t, byRole[client.RoleUser].Content == "What is my name?",
		"got %q", byRole[client.RoleUser].Content)
	Tassert(t, byRole[client.RoleAI].Content == "Your name is Stephen.",
		"got %q", byRole[client.RoleAI].Content)
	Tassert(t, byRole[client.RoleUser].TraceID == byRole[client.RoleAI].TraceID,
		"traces differ: %q %q", byRole[client.RoleUser].TraceID, byRole[client.RoleAI].TraceID)

	// upstream saw the enrichment block even with an empty store
	sent := chat.LastRequest()
	Tassert(t, sent != nil, "no upstream request recorded")
	Tassert(t, sent.Model == "gpt-4o", "got %q", sent.Model)
	Tassert(t, len(sent.Messages) == 3, "got %d messages", len(sent.Messages))
	Tassert(t, sent.Messages[0].Role == client.RoleSystem, "got %q", sent.Messages[0].Role)
	Tassert(t, sent.Messages[1].Role == client.RoleSystem, "got %q", sent.Messages[1].Role)
	Tassert(t, sent.Messages[2].Content == "What is my name?", "got %q", sent.Messages[2].Content)
}

func TestHandleChatRecall(t *testing.T) {
	rsv, chat, embedder := testReservoir(t)
	chat.SetResponse("gpt-4o", "Your name is Stephen.")

	// an earlier exchange already in the store
	err := rsv.store.SaveMessage(&MessageNode{
		TraceID: "trace-0", Partition: "default", Instance: "default",
		Role: client.RoleUser, Content: "My name is Stephen.",
		Embedding: []float64{1, 0, 0, 0, 0, 0, 0, 0}, Timestamp: 1000,
	})
	Tassert(t, err == nil, "SaveMessage: %v", err)
	err = rsv.store.SaveMessage(&MessageNode{
		TraceID: "trace-0", Partition: "default", Instance: "default",
		Role: client.RoleAI, Content: "Nice to meet you, Stephen.",
		Embedding: []float64{0, 1, 0, 0, 0, 0, 0, 0}, Timestamp: 1001,
	})
	Tassert(t, err == nil, "SaveMessage: %v", err)

	// make the new question embed right next to the stored name
	embedder.SetEmbedding("What is my name?", []float64{1, 0, 0, 0, 0, 0, 0, 0})

	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"What is my name?"}]}`)
	_, err = rsv.HandleChat("default", "default", body)
	Tassert(t, err == nil, "HandleChat: %v", err)

	// the upstream request carries the recalled context: the semantic
	// prompt, the matched message, the recent prompt, the prior
	// exchange in order, then the question
	sent := chat.LastRequest()
	Tassert(t, sent != nil, "no upstream request recorded")
	got := contents(sent.Messages)
	want := []string{
		semanticPrompt,
		"My name is Stephen.",
		recentPrompt,
		"My name is Stephen.",
		"Nice to meet you, Stephen.",
		"What is my name?",
	}
	Tassert(t, len(got) == len(want), "got %d messages: %v", len(got), got)
	for i := range want {
		Tassert(t, got[i] == want[i], "message %d: got %q, want %q", i, got[i], want[i])
	}

	// the new exchange landed in the store too
	nodes, err := rsv.store.AllMessages("default")
	Tassert(t, err == nil, "AllMessages: %v", err)
	Tassert(t, len(nodes) == 4, "got %d nodes", len(nodes))
}

func TestHandleChatBadRequests(t *testing.T) {
	rsv, _, _ := testReservoir(t)

	// no messages
	_, err := rsv.HandleChat("default", "default", []byte(`{"model":"gpt-4o","messages":[]}`))
	Tassert(t, err != nil, "expected an error")
	var bre *BadRequestError
	Tassert(t, errors.As(err, &bre), "expected BadRequestError, got %T", err)
	Tassert(t, err.Error() == "There are no messages in the request", "got %q", err.Error())

	// last message from the assistant
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`)
	_, err = rsv.HandleChat("default", "default", body)
	Tassert(t, errors.As(err, &bre), "expected BadRequestError, got %T", err)
	Tassert(t, err.Error() == "Last message is not a user message", "got %q", err.Error())

	// malformed body
	_, err = rsv.HandleChat("default", "default", []byte(`{not json`))
	Tassert(t, errors.As(err, &bre), "expected BadRequestError, got %T", err)
	Tassert(t, strings.Contains(err.Error(), "parsing chat request"), "got %q", err.Error())

	// nothing was stored or forwarded
	nodes, err := rsv.store.AllMessages("")
	Tassert(t, err == nil, "AllMessages: %v", err)
	Tassert(t, len(nodes) == 0, "got %d nodes", len(nodes))
}

func TestHandleChatTooBig(t *testing.T) {
	rsv, chat, _ := testReservoir(t)

	// gpt-4o-mini has the smallest input window
	req := &client.ChatRequest{
		Model: "gpt-4o-mini",
		Messages: []client.Message{
			{Role: client.RoleUser, Content: strings.Repeat("hello ", 60000)},
		},
	}
	body, err := json.Marshal(req)
	Tassert(t, err == nil, "Marshal: %v", err)

	respBody, err := rsv.HandleChat("default", "default", body)
	Tassert(t, err == nil, "HandleChat: %v", err)

	resp, err := client.ParseChatResponse(respBody)
	Tassert(t, err == nil, "ParseChatResponse: %v", err)
	Tassert(t, len(resp.Choices) == 1, "got %d choices", len(resp.Choices))
	Tassert(t, resp.Choices[0].FinishReason == "length", "got %q", resp.Choices[0].FinishReason)
	Tassert(t, strings.HasPrefix(resp.Choices[0].Message.Content, "Your last message is too long."),
		"got %q", resp.Choices[0].Message.Content)

	// nothing stored, nothing forwarded
	nodes, err := rsv.store.AllMessages("")
	Tassert(t, err == nil, "AllMessages: %v", err)
	Tassert(t, len(nodes) == 0, "got %d nodes", len(nodes))
	Tassert(t, len(chat.Requests) == 0, "got %d upstream requests", len(chat.Requests))
}

// emptyChatClient answers every chat with no choices at all.
type emptyChatClient struct{}

func (c *emptyChatClient) CompleteChat(baseURL, key string, req *client.ChatRequest) (*client.ChatResponse, error) {
	return &client.ChatResponse{}, nil
}

func TestHandleChatNoChoices(t *testing.T) {
	rsv, _, _ := testReservoir(t)
	rsv.SetChatClient(&emptyChatClient{})

	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	_, err := rsv.HandleChat("default", "default", body)
	Tassert(t, err != nil, "expected an error")
	Tassert(t, strings.Contains(err.Error(), "no choices"), "got %q", err.Error())
}

func TestSaveChatRequest(t *testing.T) {
	rsv, _, _ := testReservoir(t)

	req := &client.ChatRequest{
		Model: "gpt-4o",
		Messages: []client.Message{
			{Role: client.RoleSystem, Content: "you are helpful"},
			{Role: client.RoleUser, Content: "a question"},
			{Role: client.RoleAI, Content: "an answer"},
		},
	}
	err := rsv.SaveChatRequest(req, "trace-1", "default", "default")
	Tassert(t, err == nil, "SaveChatRequest: %v", err)

	// the system message is skipped, the rest share the trace
	nodes, err := rsv.store.AllMessages("default")
	Tassert(t, err == nil, "AllMessages: %v", err)
	Tassert(t, len(nodes) == 2, "got %d nodes", len(nodes))
	for _, node := range nodes {
		Tassert(t, node.TraceID == "trace-1", "got %q", node.TraceID)
		Tassert(t, len(node.Embedding) > 0, "missing embedding on %q", node.Content)
	}
}
