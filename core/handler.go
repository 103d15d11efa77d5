package core

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/reservoir/client"
)

const (
	// SimilarMessagesLimit is how many semantically similar messages
	// are recalled for enrichment.
	SimilarMessagesLimit = 7
	// LastMessagesLimit is how many recent messages are recalled for
	// enrichment.
	LastMessagesLimit = 15
)

// BadRequestError marks a caller mistake, as opposed to a pipeline
// failure; the server maps it to a 400.
type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string {
	return e.Msg
}

// dedupeNodes returns nodes with duplicate contents removed, keeping
// the first occurrence.
func dedupeNodes(nodes []MessageNode) (out []MessageNode) {
	seen := make(map[string]bool)
	for _, node := range nodes {
		if seen[node.Content] {
			continue
		}
		seen[node.Content] = true
		out = append(out, node)
	}
	return
}

// HandleChat runs one chat completion through the pipeline: recall
// similar and recent history for the partition, store the request
// messages, forward the enriched request upstream, store the reply
// under the same trace, and return the upstream response.
//
// A failing embedding service degrades the pipeline instead of
// failing the request: recall is skipped and messages are stored
// without embeddings.
func (rsv *Reservoir) HandleChat(partition, instance string, body []byte) (respBody []byte, err error) {
	defer Return(&err)

	req, perr := client.ParseChatRequest(body)
	if perr != nil {
		err = &BadRequestError{perr.Error()}
		return
	}
	model := rsv.models.FindModel(req.Model)
	traceID := uuid.NewString()

	if len(req.Messages) == 0 {
		err = &BadRequestError{"There are no messages in the request"}
		return
	}
	last := &req.Messages[len(req.Messages)-1]

	// a last message that can't fit in the model's input window gets
	// a synthetic reply instead of an upstream call
	lastTokens, err := CountMessage(last)
	Ck(err)
	if lastTokens > model.InputLimit {
		log.Printf("last message token count (%d) exceeds limit (%d), returning error response", lastTokens, model.InputLimit)
		respBody, err = tooBigResponse(lastTokens, model.InputLimit)
		Ck(err)
		return
	}

	if last.Role != client.RoleUser {
		err = &BadRequestError{"Last message is not a user message"}
		return
	}
	searchTerm := last.Content
	log.Printf("using search term: %q", searchTerm)

	var similar []MessageNode
	embedding, eerr := rsv.EmbedTextMean(searchTerm)
	if eerr != nil {
		log.Printf("error embedding search term: %v", eerr)
	} else if len(embedding) > 0 {
		similar, eerr = rsv.store.SimilarMessages(embedding, partition, instance, client.RoleUser, SimilarMessagesLimit)
		if eerr != nil {
			log.Printf("error finding similar messages: %v", eerr)
			similar = nil
		}
	}
	similar = dedupeNodes(similar)

	pairs, err := rsv.store.ConnectionsBetween(similar)
	Ck(err)
	similar = append(similar, pairs...)

	// when the best match sits in a web of synapse links, recall the
	// whole web instead of the flat search results
	if len(similar) > 0 {
		nodes, err := rsv.store.ConnectedTo(&similar[0])
		Ck(err)
		nodes = dedupeNodes(nodes)
		if len(nodes) > 2 {
			similar = nodes
		}
	}

	// recent history is fetched before the request is stored so the
	// request doesn't recall itself
	recent, rerr := rsv.store.LastMessages(partition, instance, LastMessagesLimit)
	if rerr != nil {
		log.Printf("error finding last messages: %v", rerr)
		recent = nil
	}

	err = rsv.SaveChatRequest(req, traceID, partition, instance)
	Ck(err)

	enriched := EnrichChatRequest(similar, recent, req)
	enriched.Model = model.Name
	enriched.Messages, err = TruncateMessages(enriched.Messages, model.InputLimit)
	Ck(err)

	resp, err := rsv.chat.CompleteChat(model.BaseURL(), model.Key(), enriched)
	Ck(err)
	if len(resp.Choices) == 0 {
		err = fmt.Errorf("no choices in upstream response")
		return
	}

	// store the reply under the same trace as the request
	reply := resp.Choices[0].Message
	replyEmbedding, eerr := rsv.EmbedTextMean(reply.Content)
	if eerr != nil {
		log.Printf("error embedding reply: %v", eerr)
		replyEmbedding = nil
	}
	err = rsv.store.SaveMessage(&MessageNode{
		TraceID:   traceID,
		Partition: partition,
		Instance:  instance,
		Role:      reply.Role,
		Content:   reply.Content,
		Embedding: replyEmbedding,
		Timestamp: NowMillis(),
	})
	Ck(err)

	err = rsv.store.ConnectSynapses()
	Ck(err)

	respBody, err = json.Marshal(resp)
	Ck(err)
	return
}

// tooBigResponse builds the synthetic reply returned when the last
// message alone exceeds the model's input window.
func tooBigResponse(tokens, limit int) (body []byte, err error) {
	defer Return(&err)
	content := Spf("Your last message is too long. It contains approximately %d tokens, which exceeds the maximum limit of %d. Please shorten your message.", tokens, limit)
	resp := &client.ChatResponse{
		Choices: []client.Choice{
			{
				Index: 0,
				Message: client.Message{
					Role:    client.RoleAI,
					Content: content,
				},
				FinishReason: "length",
			},
		},
	}
	body, err = json.Marshal(resp)
	Ck(err)
	return
}

// SaveChatRequest stores every message of a request under one trace.
// System messages are skipped before embedding so they never cost an
// API call.
func (rsv *Reservoir) SaveChatRequest(req *client.ChatRequest, traceID, partition, instance string) (err error) {
	defer Return(&err)
	for i := range req.Messages {
		msg := &req.Messages[i]
		if strings.EqualFold(msg.Role, client.RoleSystem) {
			continue
		}
		embedding, eerr := rsv.EmbedTextMean(msg.Content)
		if eerr != nil {
			log.Printf("error embedding message: %v", eerr)
			embedding = nil
		}
		err = rsv.store.SaveMessage(&MessageNode{
			TraceID:   traceID,
			Partition: partition,
			Instance:  instance,
			Role:      msg.Role,
			Content:   msg.Content,
			Embedding: embedding,
			Timestamp: NowMillis(),
		})
		Ck(err)
	}
	return
}
