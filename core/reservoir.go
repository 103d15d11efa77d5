// Package core implements the reservoir proxy: it stores every chat
// message flowing through it, embeds them, and enriches later
// requests with semantically similar and recent history before
// forwarding them upstream.
package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/reservoir/client"
	"github.com/stevegt/reservoir/openai"
)

// Reservoir is the top-level handle on the message store and the
// clients that feed it.
type Reservoir struct {
	dataDir  string
	store    *Store
	models   *Models
	embedder client.Embedder
	chat     client.ChatClient
	lock     *flock.Flock
}

// Open opens or creates the reservoir database under dir and wires up
// the default clients.  A database written by an older release is
// migrated forward.
func Open(dir string) (rsv *Reservoir, err error) {
	defer Return(&err)
	rsv = &Reservoir{dataDir: dir}
	rsv.store, err = OpenStore(filepath.Join(dir, dbFileName))
	Ck(err)
	migrated, was, now, err := rsv.migrate()
	Ck(err)
	if migrated {
		Fpf(os.Stderr, "migrated reservoir db from %s to %s\n", was, now)
	}
	rsv.models = NewModels()
	rsv.embedder = NewOpenAIEmbedder()
	rsv.chat = openai.NewClient()
	err = InitTokenizer()
	Ck(err)
	return
}

// Lock takes the daemon lock so a second daemon can't open the same
// database.
func (rsv *Reservoir) Lock() (err error) {
	defer Return(&err)
	lockpath := filepath.Join(rsv.dataDir, lockFileName)
	// ensure the lock file exists
	lockfh, err := os.OpenFile(lockpath, os.O_CREATE, 0644)
	Ck(err)
	err = lockfh.Close()
	Ck(err)
	rsv.lock = flock.New(lockpath)
	locked, err := rsv.lock.TryLock()
	Ck(err)
	if !locked {
		err = fmt.Errorf("another reservoir daemon is using %s", lockpath)
		return
	}
	return
}

// Close releases the daemon lock if held and closes the database.
func (rsv *Reservoir) Close() (err error) {
	defer Return(&err)
	if rsv.lock != nil {
		err = rsv.lock.Unlock()
		Ck(err)
		rsv.lock = nil
	}
	err = rsv.store.Close()
	Ck(err)
	return
}

// SetChatClient replaces the upstream LLM client.  Tests use this to
// inject a mock.
func (rsv *Reservoir) SetChatClient(c client.ChatClient) {
	rsv.chat = c
}

// SetEmbedder replaces the embedding client.  Tests use this to
// inject a mock.
func (rsv *Reservoir) SetEmbedder(e client.Embedder) {
	rsv.embedder = e
}
