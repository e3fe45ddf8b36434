package conn

import (
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/tinyfabric/mesh/internal/wire"
)

// Connection represents one accepted TCP endpoint, per spec §3. Unlike the
// source design's descriptor-indexed struct, identity is a generated UUID
// rather than the OS file descriptor number, so a connection object never
// collides with a reused descriptor (spec §9's design note).
type Connection struct {
	ID         string
	Conn       net.Conn
	RemoteAddr string
	Parser     *wire.Parser
	Out        *OutQueue

	mu            sync.Mutex
	role          wire.Role
	nodeID        string
	authenticated bool
	currentTopic  string
}

// New wraps an accepted net.Conn in a Connection with a fresh parser and
// output queue.
func New(netConn net.Conn) *Connection {
	return &Connection{
		ID:         uuid.NewString(),
		Conn:       netConn,
		RemoteAddr: netConn.RemoteAddr().String(),
		Parser:     wire.NewParser(),
		Out:        NewOutQueue(),
	}
}

// SetHello records the role and node-id declared by a HELLO line and marks
// the connection authenticated (spec's stub auth: any HELLO is accepted).
func (c *Connection) SetHello(role wire.Role, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
	c.nodeID = nodeID
	c.authenticated = true
}

// Identity returns the role, node-id, and authenticated flag under lock.
func (c *Connection) Identity() (wire.Role, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role, c.nodeID, c.authenticated
}

// SetCurrentTopic records the topic of an in-flight PUB, per spec §3's
// current-topic attribute.
func (c *Connection) SetCurrentTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTopic = topic
}

// CurrentTopic returns the topic of an in-flight PUB, or "" when none.
func (c *Connection) CurrentTopic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTopic
}

// Close closes the output queue and the underlying socket immediately,
// without waiting for a pending write to flush. It's meant for abrupt
// teardown (e.g. a protocol-fatal error discovered before any writer
// goroutine was started); callers that already run Out via a writer
// goroutine should signal Out.Close(), join that goroutine, and only then
// close Conn themselves, so a queued final reply (BYE's OK\n, an ERR line)
// reaches the peer before the socket goes away (spec §4.2, §4.5).
func (c *Connection) Close() error {
	c.Out.Close()
	return c.Conn.Close()
}
