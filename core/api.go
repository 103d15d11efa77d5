package core

import (
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/reservoir/client"
)

// searchLimit is how many results a semantic search returns.
const searchLimit = 10

// View returns the last count messages for a partition and instance,
// oldest first.
func (rsv *Reservoir) View(partition, instance string, count int) (messages []client.Message, err error) {
	defer Return(&err)
	nodes, err := rsv.store.LastMessages(partition, instance, count)
	Ck(err)
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Timestamp < nodes[j].Timestamp
	})
	for i := range nodes {
		messages = append(messages, nodes[i].ToMessage())
	}
	return
}

// SearchSemantic returns the stored user messages most similar to a
// term, best first.
func (rsv *Reservoir) SearchSemantic(term, partition, instance string) (nodes []MessageNode, err error) {
	defer Return(&err)
	embedding, err := rsv.EmbedTextMean(term)
	Ck(err)
	nodes, err = rsv.store.SimilarMessages(embedding, partition, instance, client.RoleUser, searchLimit)
	Ck(err)
	return
}

// SearchKeyword returns the stored messages whose content contains
// the term, case-insensitively.  The scan covers every partition.
func (rsv *Reservoir) SearchKeyword(term string) (nodes []MessageNode, err error) {
	defer Return(&err)
	all, err := rsv.store.AllMessages("")
	Ck(err)
	needle := strings.ToLower(term)
	for _, node := range all {
		if strings.Contains(strings.ToLower(node.Content), needle) {
			nodes = append(nodes, node)
		}
	}
	return
}

// Ingest stores a single message under a fresh trace and returns the
// trace id.
func (rsv *Reservoir) Ingest(content, partition, instance, role string) (traceID string, err error) {
	defer Return(&err)
	traceID = uuid.NewString()
	embedding, err := rsv.EmbedTextMean(content)
	Ck(err)
	err = rsv.store.SaveMessage(&MessageNode{
		TraceID:   traceID,
		Partition: partition,
		Instance:  instance,
		Role:      role,
		Content:   content,
		Embedding: embedding,
		Timestamp: NowMillis(),
	})
	Ck(err)
	return
}

// Export writes every stored message node as pretty-printed JSON.
func (rsv *Reservoir) Export(w io.Writer) (err error) {
	defer Return(&err)
	nodes, err := rsv.store.AllMessages("")
	Ck(err)
	if nodes == nil {
		// an empty database exports as an empty array, not null
		nodes = make([]MessageNode, 0)
	}
	buf, err := json.MarshalIndent(nodes, "", "  ")
	Ck(err)
	_, err = w.Write(buf)
	Ck(err)
	_, err = w.Write([]byte("\n"))
	Ck(err)
	return
}

// Import reads a JSON array of message nodes and stores each one,
// returning how many the file held.  Nodes keep their original
// traces and timestamps, so an export can be imported elsewhere.
func (rsv *Reservoir) Import(r io.Reader) (count int, err error) {
	defer Return(&err)
	buf, err := io.ReadAll(r)
	Ck(err)
	var nodes []MessageNode
	err = json.Unmarshal(buf, &nodes)
	Ck(err)
	for i := range nodes {
		err = rsv.store.SaveMessage(&nodes[i])
		Ck(err)
	}
	count = len(nodes)
	return
}

// Replay recomputes and stores the embedding for every message in a
// partition.  It returns how many were re-embedded and the trace ids
// of messages with no content.  A failing embedding call skips the
// message rather than aborting the walk.
func (rsv *Reservoir) Replay(partition string) (replayed int, empty []string, err error) {
	defer Return(&err)
	nodes, err := rsv.store.AllMessages(partition)
	Ck(err)
	for i := range nodes {
		node := &nodes[i]
		if node.Content == "" {
			empty = append(empty, node.TraceID)
			continue
		}
		embedding, eerr := rsv.EmbedTextMean(node.Content)
		if eerr != nil {
			Fpf(os.Stderr, "error fetching embeddings: %v\n", eerr)
			continue
		}
		node.Embedding = embedding
		err = rsv.store.SaveMessage(node)
		Ck(err)
		replayed++
	}
	return
}
