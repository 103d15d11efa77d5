package core

import (
	"sort"

	"github.com/stevegt/reservoir/client"
)

const (
	semanticPrompt = "The following is the result of a semantic search of the most related messages by cosine similarity to previous conversations"
	recentPrompt   = "The following are the most recent messages in the conversation in chronological order"
)

// EnrichChatRequest builds a new request with recalled context spliced
// in ahead of the caller's messages.  The enrichment block is a system
// prompt introducing the semantically similar messages, those
// messages, a second system prompt introducing the recent messages,
// and the recent messages in chronological order.  Nodes with empty
// content are dropped.  The block lands after the caller's leading
// system message if there is one, otherwise at the front.
func EnrichChatRequest(similar, recent []MessageNode, req *client.ChatRequest) (enriched *client.ChatRequest) {
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].Timestamp < recent[j].Timestamp
	})

	var block []client.Message
	block = append(block, client.Message{Role: client.RoleSystem, Content: semanticPrompt})
	for _, node := range similar {
		block = append(block, node.ToMessage())
	}
	block = append(block, client.Message{Role: client.RoleSystem, Content: recentPrompt})
	for _, node := range recent {
		block = append(block, node.ToMessage())
	}
	kept := block[:0]
	for _, msg := range block {
		if msg.Content != "" {
			kept = append(kept, msg)
		}
	}
	block = kept

	insertAt := 0
	if len(req.Messages) > 0 && req.Messages[0].Role == client.RoleSystem {
		insertAt = 1
	}

	messages := make([]client.Message, 0, len(req.Messages)+len(block))
	messages = append(messages, req.Messages[:insertAt]...)
	messages = append(messages, block...)
	messages = append(messages, req.Messages[insertAt:]...)

	enriched = &client.ChatRequest{
		Model:    req.Model,
		Messages: messages,
	}
	return
}
