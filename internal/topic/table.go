// Package topic implements the topic → subscriber-set routing table of
// spec §3/§4.4: subscription lifecycle, cascade cleanup on connection
// death, and fanout.
package topic

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/tinyfabric/mesh/internal/conn"
	"github.com/tinyfabric/mesh/internal/wire"
)

// shardCount bounds lock contention across the up to 10000 connections
// spec §6 sizes for. Shard selection hashes the topic name with xxhash, the
// same hash the source pack's cache libraries (badger/ristretto) use for
// their own shard selection.
const shardCount = 32

type shard struct {
	mu   sync.RWMutex
	subs map[string]map[string]*conn.Connection // topic -> connID -> Connection
}

// Table is a single owning object for all subscription state (spec §9's
// design note against file-scope mutable singletons). One Table is shared
// by every connection handler goroutine in a broker process.
type Table struct {
	shards [shardCount]*shard

	// reverse is the per-connection topic index (spec §9: "a reverse index
	// ... so remove_all is O(subscriptions-of-that-connection)"). It is
	// small relative to the subscriber sets and changes far less often
	// under contention, so one mutex for it is enough.
	reverseMu sync.Mutex
	reverse   map[string]map[string]struct{}
}

// NewTable returns an empty table.
func NewTable() *Table {
	t := &Table{reverse: make(map[string]map[string]struct{})}
	for i := range t.shards {
		t.shards[i] = &shard{subs: make(map[string]map[string]*conn.Connection)}
	}
	return t
}

func (t *Table) shardFor(topicName string) *shard {
	h := xxhash.Sum64String(topicName)
	return t.shards[h%uint64(shardCount)]
}

// Add subscribes c to topicName, idempotently (spec §4.2's SUB is
// idempotent; spec §3 invariant (i): a connection id never appears twice in
// one set).
func (t *Table) Add(topicName string, c *conn.Connection) {
	sh := t.shardFor(topicName)
	sh.mu.Lock()
	set, ok := sh.subs[topicName]
	if !ok {
		set = make(map[string]*conn.Connection)
		sh.subs[topicName] = set
	}
	set[c.ID] = c
	sh.mu.Unlock()

	t.reverseMu.Lock()
	topics, ok := t.reverse[c.ID]
	if !ok {
		topics = make(map[string]struct{})
		t.reverse[c.ID] = topics
	}
	topics[topicName] = struct{}{}
	t.reverseMu.Unlock()
}

// Remove unsubscribes c from topicName if present. If the set becomes
// empty the topic entry is dropped immediately — spec §3 invariant (ii), no
// topic is retained with an empty set after an operation that empties it.
func (t *Table) Remove(topicName string, c *conn.Connection) {
	sh := t.shardFor(topicName)
	sh.mu.Lock()
	if set, ok := sh.subs[topicName]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(sh.subs, topicName)
		}
	}
	sh.mu.Unlock()

	t.reverseMu.Lock()
	if topics, ok := t.reverse[c.ID]; ok {
		delete(topics, topicName)
		if len(topics) == 0 {
			delete(t.reverse, c.ID)
		}
	}
	t.reverseMu.Unlock()
}

// RemoveAll removes c from every topic it belongs to — called when a
// connection is torn down, including after its output queue hits a fatal
// write error (spec §8 invariant (iii): a destroyed connection is referenced by no
// set). Cost is proportional to c's own subscription count, not the total
// number of topics.
func (t *Table) RemoveAll(c *conn.Connection) {
	t.reverseMu.Lock()
	topics := t.reverse[c.ID]
	delete(t.reverse, c.ID)
	t.reverseMu.Unlock()

	for topicName := range topics {
		sh := t.shardFor(topicName)
		sh.mu.Lock()
		if set, ok := sh.subs[topicName]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(sh.subs, topicName)
			}
		}
		sh.mu.Unlock()
	}
}

// GC sweeps every shard for topic entries whose subscriber set emptied out
// without going through Remove/RemoveAll and returns how many it dropped.
// Add/Remove/RemoveAll already delete empty sets inline, so under normal
// operation GC finds nothing; it exists as the explicit operation spec
// §4.4 names and as a cheap consistency check callable from tests or an
// operator command.
func (t *Table) GC() int {
	removed := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for topicName, set := range sh.subs {
			if len(set) == 0 {
				delete(sh.subs, topicName)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Fanout enqueues payload, framed with its 4-byte length prefix, to every
// current subscriber of topicName and returns the subscriber count
// (spec §4.4, §8 scenario 2: zero subscribers is not an error). A
// subscriber whose socket has already failed is discovered by its writer
// goroutine, which closes that socket; the connection's handler then tears
// it down and calls RemoveAll on it — Fanout itself never
// blocks on a slow or dead subscriber, since Enqueue only appends to that
// subscriber's own queue and returns without waiting on that queue's
// writer goroutine or its underlying socket.
func (t *Table) Fanout(topicName string, payload []byte) int {
	sh := t.shardFor(topicName)
	sh.mu.RLock()
	set := sh.subs[topicName]
	subs := make([]*conn.Connection, 0, len(set))
	for _, c := range set {
		subs = append(subs, c)
	}
	sh.mu.RUnlock()

	if len(subs) == 0 {
		return 0
	}
	frame := wire.EncodeFrame(payload)
	for _, c := range subs {
		c.Out.Enqueue(frame)
	}
	return len(subs)
}

// SubscriberCount reports the current subscriber set size of topicName,
// mainly for tests.
func (t *Table) SubscriberCount(topicName string) int {
	sh := t.shardFor(topicName)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.subs[topicName])
}

// TopicExists reports whether topicName currently has a (non-empty, by
// invariant) entry.
func (t *Table) TopicExists(topicName string) bool {
	sh := t.shardFor(topicName)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.subs[topicName]
	return ok
}
