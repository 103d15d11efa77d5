package core

import (
	"path/filepath"
	"testing"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/reservoir/client"
)

func testStore(t *testing.T) *Store {
	store, err := OpenStore(filepath.Join(t.TempDir(), "reservoir.db"))
	Tassert(t, err == nil, "OpenStore: %v", err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveMessage(t *testing.T) {
	store := testStore(t)

	user := &MessageNode{
		TraceID:   "trace-1",
		Partition: "default",
		Instance:  "default",
		Role:      client.RoleUser,
		Content:   "hello",
		Embedding: []float64{1, 0, 0},
		Timestamp: 1000,
	}
	err := store.SaveMessage(user)
	Tassert(t, err == nil, "SaveMessage: %v", err)
	Tassert(t, user.ID != "", "expected an ID to be assigned")

	ai := &MessageNode{
		TraceID:   "trace-1",
		Partition: "default",
		Instance:  "default",
		Role:      client.RoleAI,
		Content:   "hi there",
		Embedding: []float64{0.9, 0.1, 0},
		Timestamp: 1001,
	}
	err = store.SaveMessage(ai)
	Tassert(t, err == nil, "SaveMessage: %v", err)

	// system messages are dropped silently
	system := &MessageNode{
		TraceID:   "trace-1",
		Partition: "default",
		Instance:  "default",
		Role:      client.RoleSystem,
		Content:   "you are helpful",
		Timestamp: 1002,
	}
	err = store.SaveMessage(system)
	Tassert(t, err == nil, "SaveMessage: %v", err)

	nodes, err := store.AllMessages("")
	Tassert(t, err == nil, "AllMessages: %v", err)
	Tassert(t, len(nodes) == 2, "got %d nodes", len(nodes))
	// oldest first
	Tassert(t, nodes[0].Content == "hello", "got %q", nodes[0].Content)
	Tassert(t, nodes[1].Content == "hi there", "got %q", nodes[1].Content)

	// partition filter
	nodes, err = store.AllMessages("other")
	Tassert(t, err == nil, "AllMessages: %v", err)
	Tassert(t, len(nodes) == 0, "got %d nodes", len(nodes))
}

func TestLastMessages(t *testing.T) {
	store := testStore(t)

	for i := 0; i < 5; i++ {
		node := &MessageNode{
			TraceID:   Spf("trace-%d", i),
			Partition: "default",
			Instance:  "default",
			Role:      client.RoleUser,
			Content:   Spf("message %d", i),
			Timestamp: int64(1000 + i),
		}
		err := store.SaveMessage(node)
		Tassert(t, err == nil, "SaveMessage: %v", err)
	}
	// one node in another partition, newer than all the others
	err := store.SaveMessage(&MessageNode{
		TraceID:   "trace-x",
		Partition: "other",
		Instance:  "other",
		Role:      client.RoleUser,
		Content:   "elsewhere",
		Timestamp: 9999,
	})
	Tassert(t, err == nil, "SaveMessage: %v", err)

	nodes, err := store.LastMessages("default", "default", 3)
	Tassert(t, err == nil, "LastMessages: %v", err)
	Tassert(t, len(nodes) == 3, "got %d nodes", len(nodes))
	// newest first
	Tassert(t, nodes[0].Content == "message 4", "got %q", nodes[0].Content)
	Tassert(t, nodes[1].Content == "message 3", "got %q", nodes[1].Content)
	Tassert(t, nodes[2].Content == "message 2", "got %q", nodes[2].Content)
}

func TestSimilarMessages(t *testing.T) {
	store := testStore(t)

	save := func(content string, embedding []float64, role string) {
		err := store.SaveMessage(&MessageNode{
			TraceID:   "trace-" + content,
			Partition: "default",
			Instance:  "default",
			Role:      role,
			Content:   content,
			Embedding: embedding,
			Timestamp: NowMillis(),
		})
		Tassert(t, err == nil, "SaveMessage: %v", err)
	}
	save("about cats", []float64{1, 0, 0}, client.RoleUser)
	save("about dogs", []float64{0.9, 0.1, 0}, client.RoleUser)
	save("about math", []float64{0, 0, 1}, client.RoleUser)
	save("a reply", []float64{1, 0, 0}, client.RoleAI)

	query := []float64{1, 0, 0}
	nodes, err := store.SimilarMessages(query, "default", "default", client.RoleUser, 2)
	Tassert(t, err == nil, "SimilarMessages: %v", err)
	Tassert(t, len(nodes) == 2, "got %d nodes", len(nodes))
	// best match first, assistant reply excluded by the role filter
	Tassert(t, nodes[0].Content == "about cats", "got %q", nodes[0].Content)
	Tassert(t, nodes[1].Content == "about dogs", "got %q", nodes[1].Content)

	// empty query embedding yields nothing
	nodes, err = store.SimilarMessages(nil, "default", "default", client.RoleUser, 2)
	Tassert(t, err == nil, "SimilarMessages: %v", err)
	Tassert(t, len(nodes) == 0, "got %d nodes", len(nodes))
}

func TestConnectionsBetween(t *testing.T) {
	store := testStore(t)

	// a user message and its reply share a trace, so the cross-trace
	// reply walk finds nothing
	user := &MessageNode{
		TraceID: "trace-1", Partition: "default", Instance: "default",
		Role: client.RoleUser, Content: "question", Timestamp: 1000,
	}
	err := store.SaveMessage(user)
	Tassert(t, err == nil, "SaveMessage: %v", err)
	ai := &MessageNode{
		TraceID: "trace-1", Partition: "default", Instance: "default",
		Role: client.RoleAI, Content: "answer", Timestamp: 1001,
	}
	err = store.SaveMessage(ai)
	Tassert(t, err == nil, "SaveMessage: %v", err)

	connected, err := store.ConnectionsBetween([]MessageNode{*user, *ai})
	Tassert(t, err == nil, "ConnectionsBetween: %v", err)
	Tassert(t, len(connected) == 0, "got %d nodes", len(connected))

	connected, err = store.ConnectionsBetween(nil)
	Tassert(t, err == nil, "ConnectionsBetween: %v", err)
	Tassert(t, len(connected) == 0, "got %d nodes", len(connected))
}

func TestConnectSynapses(t *testing.T) {
	store := testStore(t)

	// three similar messages in a row, then an unrelated one
	similar := []float64{1, 0, 0}
	unrelated := []float64{0, 1, 0}
	save := func(trace string, embedding []float64, ts int64) *MessageNode {
		node := &MessageNode{
			TraceID:   trace,
			Partition: "default",
			Instance:  "default",
			Role:      client.RoleUser,
			Content:   "content " + trace,
			Embedding: embedding,
			Timestamp: ts,
		}
		err := store.SaveMessage(node)
		Tassert(t, err == nil, "SaveMessage: %v", err)
		return node
	}
	a := save("trace-a", similar, 1000)
	save("trace-b", similar, 1001)
	save("trace-c", similar, 1002)
	d := save("trace-d", unrelated, 1003)

	err := store.ConnectSynapses()
	Tassert(t, err == nil, "ConnectSynapses: %v", err)

	// a-b and b-c link; c-d scores 0 and is dropped
	nodes, err := store.ConnectedTo(a)
	Tassert(t, err == nil, "ConnectedTo: %v", err)
	Tassert(t, len(nodes) == 3, "got %d nodes", len(nodes))
	for _, n := range nodes {
		Tassert(t, n.TraceID != "trace-d", "unrelated node leaked in: %v", n)
	}

	// the unrelated node has no links at all
	nodes, err = store.ConnectedTo(d)
	Tassert(t, err == nil, "ConnectedTo: %v", err)
	Tassert(t, len(nodes) == 0, "got %d nodes", len(nodes))
}

func TestDeleteByTrace(t *testing.T) {
	store := testStore(t)

	for _, trace := range []string{"trace-1", "trace-1", "trace-2"} {
		err := store.SaveMessage(&MessageNode{
			TraceID:   trace,
			Partition: "default",
			Instance:  "default",
			Role:      client.RoleUser,
			Content:   "content",
			Timestamp: NowMillis(),
		})
		Tassert(t, err == nil, "SaveMessage: %v", err)
	}

	count, err := store.DeleteByTrace("trace-1")
	Tassert(t, err == nil, "DeleteByTrace: %v", err)
	Tassert(t, count == 2, "got %d", count)

	nodes, err := store.AllMessages("")
	Tassert(t, err == nil, "AllMessages: %v", err)
	Tassert(t, len(nodes) == 1, "got %d nodes", len(nodes))
	Tassert(t, nodes[0].TraceID == "trace-2", "got %q", nodes[0].TraceID)

	// deleting a missing trace is a no-op
	count, err = store.DeleteByTrace("trace-9")
	Tassert(t, err == nil, "DeleteByTrace: %v", err)
	Tassert(t, count == 0, "got %d", count)
}

func TestStoreConfig(t *testing.T) {
	store := testStore(t)

	value, err := store.GetConfig("port")
	Tassert(t, err == nil, "GetConfig: %v", err)
	Tassert(t, value == "", "got %q", value)

	err = store.SetConfig("port", "4040")
	Tassert(t, err == nil, "SetConfig: %v", err)
	value, err = store.GetConfig("port")
	Tassert(t, err == nil, "GetConfig: %v", err)
	Tassert(t, value == "4040", "got %q", value)
}
