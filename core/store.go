package core

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/reservoir/client"
	"github.com/stevegt/reservoir/util"
	bolt "go.etcd.io/bbolt"
)

// SynapseThreshold is the minimum cosine similarity for a synapse
// link between chronologically adjacent messages to survive.
const SynapseThreshold = 0.85

// bucket names
const (
	messagesBucket  = "messages"  // node id -> MessageNode JSON
	chronoBucket    = "chrono"    // zero-padded timestamp/id -> node id
	tracesBucket    = "traces"    // trace id/node id -> node id
	respondedBucket = "responded" // user node id -> assistant node id
	synapsesBucket  = "synapses"  // node id/node id -> cosine score
	configBucket    = "config"    // config key -> value
)

var buckets = []string{
	messagesBucket, chronoBucket, tracesBucket,
	respondedBucket, synapsesBucket, configBucket,
}

// MessageNode is one stored chat message with its embedding and
// bookkeeping fields.  The JSON form is the exchange format for
// export and import.
type MessageNode struct {
	ID        string    `json:"id,omitempty"`
	TraceID   string    `json:"trace_id"`
	Partition string    `json:"partition"`
	Instance  string    `json:"instance"`
	Role      string    `json:"role"`
	Content   string    `json:"content,omitempty"`
	URL       string    `json:"url,omitempty"`
	Embedding []float64 `json:"embedding,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// ToMessage converts a stored node back into a chat message.
func (node *MessageNode) ToMessage() client.Message {
	return client.Message{
		Role:    node.Role,
		Content: node.Content,
	}
}

// NowMillis returns the current time in milliseconds since the
// epoch, the timestamp resolution used throughout the store.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Store is the message database.  Nodes live in the messages bucket;
// the chrono and traces buckets index them by time and by trace, and
// the responded and synapses buckets hold the links between them.
type Store struct {
	db *bolt.DB
}

// OpenStore opens the database at path, creating it and its buckets
// if they don't exist.
func OpenStore(path string) (s *Store, err error) {
	defer Return(&err)
	s = &Store{}
	opts := &bolt.Options{Timeout: 10 * time.Second}
	s.db, err = bolt.Open(path, 0600, opts)
	Ck(err)
	err = s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	Ck(err)
	return
}

// Close closes the database.
func (s *Store) Close() (err error) {
	defer Return(&err)
	err = s.db.Close()
	Ck(err)
	return
}

func chronoKey(node *MessageNode) string {
	return Spf("%020d/%s", node.Timestamp, node.ID)
}

func traceKey(node *MessageNode) string {
	return Spf("%s/%s", node.TraceID, node.ID)
}

func synapseKey(a, b string) string {
	return Spf("%s/%s", a, b)
}

func loadNode(tx *bolt.Tx, id []byte) (node *MessageNode, err error) {
	data := tx.Bucket([]byte(messagesBucket)).Get(id)
	if data == nil {
		return nil, nil
	}
	node = &MessageNode{}
	err = json.Unmarshal(data, node)
	if err != nil {
		return nil, err
	}
	return
}

// SaveMessage stores a node, indexing it by time and trace.  System
// messages are never stored.  An assistant message is linked to the
// user messages sharing its trace so replies can be walked later.
// The node gets an ID if it doesn't have one.
func (s *Store) SaveMessage(node *MessageNode) (err error) {
	defer Return(&err)
	if strings.EqualFold(node.Role, client.RoleSystem) {
		return
	}
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(messagesBucket)).Put([]byte(node.ID), data); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(chronoBucket)).Put([]byte(chronoKey(node)), []byte(node.ID)); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(tracesBucket)).Put([]byte(traceKey(node)), []byte(node.ID)); err != nil {
			return err
		}
		if !strings.EqualFold(node.Role, client.RoleAI) {
			return nil
		}
		// link the user messages of this trace to the reply
		responded := tx.Bucket([]byte(respondedBucket))
		traces := tx.Bucket([]byte(tracesBucket))
		prefix := []byte(node.TraceID + "/")
		c := traces.Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			other, err := loadNode(tx, id)
			if err != nil {
				return err
			}
			if other == nil || !strings.EqualFold(other.Role, client.RoleUser) {
				continue
			}
			if err := responded.Put([]byte(other.ID), []byte(node.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	Ck(err)
	return
}

// AllMessages returns every stored node, oldest first.  A non-empty
// partition restricts the result to that partition.
func (s *Store) AllMessages(partition string) (nodes []MessageNode, err error) {
	defer Return(&err)
	err = s.db.View(func(tx *bolt.Tx) error {
		chrono := tx.Bucket([]byte(chronoBucket))
		c := chrono.Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			node, err := loadNode(tx, id)
			if err != nil {
				return err
			}
			if node == nil {
				continue
			}
			if partition != "" && node.Partition != partition {
				continue
			}
			nodes = append(nodes, *node)
		}
		return nil
	})
	Ck(err)
	return
}

// LastMessages returns up to count nodes for a partition and
// instance, newest first.
func (s *Store) LastMessages(partition, instance string, count int) (nodes []MessageNode, err error) {
	defer Return(&err)
	if count <= 0 {
		return
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		chrono := tx.Bucket([]byte(chronoBucket))
		c := chrono.Cursor()
		for k, id := c.Last(); k != nil && len(nodes) < count; k, id = c.Prev() {
			node, err := loadNode(tx, id)
			if err != nil {
				return err
			}
			if node == nil {
				continue
			}
			if node.Partition != partition || node.Instance != instance {
				continue
			}
			nodes = append(nodes, *node)
		}
		return nil
	})
	Ck(err)
	return
}

// SimilarMessages returns the topK stored nodes most similar to the
// given embedding by cosine similarity, best first, restricted to a
// partition, instance, and role.
func (s *Store) SimilarMessages(embedding []float64, partition, instance, role string, topK int) (nodes []MessageNode, err error) {
	defer Return(&err)
	if topK <= 0 || len(embedding) == 0 {
		return
	}
	type scored struct {
		node  MessageNode
		score float64
	}
	var candidates []scored
	err = s.db.View(func(tx *bolt.Tx) error {
		messages := tx.Bucket([]byte(messagesBucket))
		return messages.ForEach(func(k, v []byte) error {
			var node MessageNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.Partition != partition || node.Instance != instance {
				return nil
			}
			if !strings.EqualFold(node.Role, role) {
				return nil
			}
			if len(node.Embedding) == 0 {
				return nil
			}
			score := util.Similarity(embedding, node.Embedding)
			candidates = append(candidates, scored{node, score})
			return nil
		})
	})
	Ck(err)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	for _, c := range candidates {
		nodes = append(nodes, c.node)
	}
	return
}

// ConnectionsBetween returns the distinct nodes from the input list
// that a reply link joins across two different traces.  Reply links
// are created within a single trace, so this is normally empty.
func (s *Store) ConnectionsBetween(nodes []MessageNode) (connected []MessageNode, err error) {
	defer Return(&err)
	if len(nodes) == 0 {
		return
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		responded := tx.Bucket([]byte(respondedBucket))
		seen := make(map[string]bool)
		for i := range nodes {
			for j := range nodes {
				a, b := &nodes[i], &nodes[j]
				if a.TraceID >= b.TraceID {
					continue
				}
				if a.ID == "" || b.ID == "" {
					continue
				}
				linked := string(responded.Get([]byte(a.ID))) == b.ID ||
					string(responded.Get([]byte(b.ID))) == a.ID
				if !linked {
					continue
				}
				for _, n := range []*MessageNode{a, b} {
					if !seen[n.ID] {
						seen[n.ID] = true
						connected = append(connected, *n)
					}
				}
			}
		}
		return nil
	})
	Ck(err)
	return
}

// ConnectedTo walks synapse links outward from the nodes of a trace,
// up to ten hops, and returns every node on the paths found.  A node
// with no synapse links yields nothing.
func (s *Store) ConnectedTo(node *MessageNode) (nodes []MessageNode, err error) {
	defer Return(&err)
	err = s.db.View(func(tx *bolt.Tx) error {
		traces := tx.Bucket([]byte(tracesBucket))
		synapses := tx.Bucket([]byte(synapsesBucket))

		var starts []string
		prefix := []byte(node.TraceID + "/")
		c := traces.Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			starts = append(starts, string(id))
		}

		neighbors := func(id string) (out []string) {
			p := []byte(id + "/")
			sc := synapses.Cursor()
			for k, _ := sc.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = sc.Next() {
				out = append(out, string(k[len(p):]))
			}
			return
		}

		collected := make(map[string]bool)
		for _, start := range starts {
			if len(neighbors(start)) == 0 {
				continue
			}
			visited := map[string]bool{start: true}
			frontier := []string{start}
			for hop := 0; hop < 10 && len(frontier) > 0; hop++ {
				var next []string
				for _, id := range frontier {
					for _, nb := range neighbors(id) {
						if visited[nb] {
							continue
						}
						visited[nb] = true
						next = append(next, nb)
					}
				}
				frontier = next
			}
			for id := range visited {
				collected[id] = true
			}
		}

		for id := range collected {
			n, err := loadNode(tx, []byte(id))
			if err != nil {
				return err
			}
			if n != nil {
				nodes = append(nodes, *n)
			}
		}
		return nil
	})
	Ck(err)
	// map iteration order is random; keep the result stable
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Timestamp == nodes[j].Timestamp {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].Timestamp < nodes[j].Timestamp
	})
	return
}

// ConnectSynapses links each chronologically adjacent pair of stored
// nodes whose embeddings are comparable, scoring the link by cosine
// similarity.  Links scoring under SynapseThreshold are removed.
// The walk is global across partitions.
func (s *Store) ConnectSynapses() (err error) {
	defer Return(&err)
	err = s.db.Update(func(tx *bolt.Tx) error {
		chrono := tx.Bucket([]byte(chronoBucket))
		synapses := tx.Bucket([]byte(synapsesBucket))

		var nodes []MessageNode
		c := chrono.Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			node, err := loadNode(tx, id)
			if err != nil {
				return err
			}
			if node == nil || len(node.Embedding) == 0 {
				continue
			}
			nodes = append(nodes, *node)
		}

		for i := 0; i+1 < len(nodes); i++ {
			a, b := &nodes[i], &nodes[i+1]
			if len(a.Embedding) != len(b.Embedding) {
				continue
			}
			score := util.Similarity(a.Embedding, b.Embedding)
			if score < SynapseThreshold {
				Debug("dropping synapse %s - %s: score %f", a.ID, b.ID, score)
				if err := synapses.Delete([]byte(synapseKey(a.ID, b.ID))); err != nil {
					return err
				}
				if err := synapses.Delete([]byte(synapseKey(b.ID, a.ID))); err != nil {
					return err
				}
				continue
			}
			value := []byte(strconv.FormatFloat(score, 'g', -1, 64))
			if err := synapses.Put([]byte(synapseKey(a.ID, b.ID)), value); err != nil {
				return err
			}
			if err := synapses.Put([]byte(synapseKey(b.ID, a.ID)), value); err != nil {
				return err
			}
		}
		return nil
	})
	Ck(err)
	return
}

// DeleteByTrace removes every node of a trace along with its index
// entries and links, and returns how many nodes went away.
func (s *Store) DeleteByTrace(traceID string) (count int, err error) {
	defer Return(&err)
	err = s.db.Update(func(tx *bolt.Tx) error {
		traces := tx.Bucket([]byte(tracesBucket))
		messages := tx.Bucket([]byte(messagesBucket))
		chrono := tx.Bucket([]byte(chronoBucket))
		responded := tx.Bucket([]byte(respondedBucket))
		synapses := tx.Bucket([]byte(synapsesBucket))

		prefix := []byte(traceID + "/")
		var traceKeys []string
		ids := make(map[string]bool)
		c := traces.Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			traceKeys = append(traceKeys, string(k))
			ids[string(id)] = true
		}

		for id := range ids {
			node, err := loadNode(tx, []byte(id))
			if err != nil {
				return err
			}
			if node != nil {
				if err := chrono.Delete([]byte(chronoKey(node))); err != nil {
					return err
				}
			}
			if err := messages.Delete([]byte(id)); err != nil {
				return err
			}
		}
		for _, k := range traceKeys {
			if err := traces.Delete([]byte(k)); err != nil {
				return err
			}
		}

		// drop links touching the deleted nodes
		var stale [][]byte
		err := responded.ForEach(func(k, v []byte) error {
			if ids[string(k)] || ids[string(v)] {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := responded.Delete(k); err != nil {
				return err
			}
		}
		stale = nil
		err = synapses.ForEach(func(k, v []byte) error {
			parts := strings.SplitN(string(k), "/", 2)
			if ids[parts[0]] || (len(parts) > 1 && ids[parts[1]]) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := synapses.Delete(k); err != nil {
				return err
			}
		}

		count = len(ids)
		return nil
	})
	Ck(err)
	return
}

// GetConfig returns the stored value for a config key, or empty if
// the key has never been set.
func (s *Store) GetConfig(key string) (value string, err error) {
	defer Return(&err)
	err = s.db.View(func(tx *bolt.Tx) error {
		value = string(tx.Bucket([]byte(configBucket)).Get([]byte(key)))
		return nil
	})
	Ck(err)
	return
}

// SetConfig stores a value for a config key.
func (s *Store) SetConfig(key, value string) (err error) {
	defer Return(&err)
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(configBucket)).Put([]byte(key), []byte(value))
	})
	Ck(err)
	return
}
