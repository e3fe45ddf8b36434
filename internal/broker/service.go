// Package broker implements the broker side of the message fabric: it
// accepts publisher, subscriber, and gateway connections, runs the wire
// protocol state machine per connection, and fans messages out through the
// topic table.
//
// There is no single event loop thread here; Go's runtime netpoller already
// multiplexes readiness across every accepted socket, so each connection
// gets its own reader goroutine (parsing in arrival order, as spec §5
// requires) plus its own writer goroutine draining its output queue. The
// Service struct is the single owning object for the topic table and the
// live connection set, in place of the file-scope globals spec §9 flags.
package broker

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/netutil"

	"github.com/tinyfabric/mesh/internal/conn"
	"github.com/tinyfabric/mesh/internal/config"
	"github.com/tinyfabric/mesh/internal/telemetry"
	"github.com/tinyfabric/mesh/internal/topic"
	"github.com/tinyfabric/mesh/internal/wire"
)

// Service is a running broker: one listener, one topic table, and the set
// of currently-live connections.
type Service struct {
	cfg     config.BrokerConfig
	logger  *log.Logger
	metrics *telemetry.BrokerMetrics

	topics *topic.Table

	mu          sync.Mutex
	connections map[string]*conn.Connection

	listener net.Listener
	ready    chan struct{}
}

// NewService builds a broker bound to cfg. metrics may be nil, in which
// case fanout and eviction counts simply aren't recorded.
func NewService(cfg config.BrokerConfig, metrics *telemetry.BrokerMetrics) *Service {
	return &Service{
		cfg:         cfg,
		logger:      log.New(log.Writer(), "[broker] ", log.LstdFlags),
		metrics:     metrics,
		topics:      topic.NewTable(),
		connections: make(map[string]*conn.Connection),
		ready:       make(chan struct{}),
	}
}

// Addr blocks until the listener is bound and returns its address. Mainly
// useful in tests that bind to ":0" and need the ephemeral port.
func (s *Service) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr()
}

// Start binds the listener and runs the accept loop until ctx is
// cancelled. It returns once every accepted connection has been torn down.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", s.cfg.Listen, err)
	}
	// Descriptor cap (spec §6) via an associative limiter instead of a
	// fixed-size array indexed by descriptor number (spec §9).
	s.mu.Lock()
	s.listener = netutil.LimitListener(ln, s.cfg.MaxConnections)
	s.mu.Unlock()
	close(s.ready)
	s.logger.Printf("listening on %s (max connections %d)", s.cfg.Listen, s.cfg.MaxConnections)

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				s.logger.Printf("shutdown complete")
				return nil
			default:
				return fmt.Errorf("broker: accept: %w", err)
			}
		}
		c := conn.New(netConn)
		s.register(c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, c)
		}()
	}
}

func (s *Service) register(c *conn.Connection) {
	s.mu.Lock()
	s.connections[c.ID] = c
	s.mu.Unlock()
}

func (s *Service) unregister(c *conn.Connection) {
	s.mu.Lock()
	delete(s.connections, c.ID)
	s.mu.Unlock()
	s.topics.RemoveAll(c)
}

// handleConnection is one connection's reader: it owns the writer goroutine
// started via c.Out.Run, reads bytes into the parser, and dispatches
// complete protocol events until EOF, a protocol-fatal error, or BYE.
func (s *Service) handleConnection(ctx context.Context, c *conn.Connection) {
	s.logger.Printf("accepted %s from %s", c.ID, c.RemoteAddr)

	writeErrCh := make(chan error, 1)
	go func() {
		err := c.Out.Run(c.Conn)
		if err != nil {
			// Closing the socket ends the read loop below, whose teardown
			// removes this connection from every topic set.
			c.Conn.Close()
		}
		writeErrCh <- err
	}()

	// Cancelling ctx closes the socket, which ends the read loop below.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		s.unregister(c)
		// Signal the writer and wait for it to drain any queued reply
		// (BYE's OK\n, a protocol ERR line) before closing the socket out
		// from under it (spec §4.2: "OK\n, then close after reply flush").
		c.Out.Close()
		if err := <-writeErrCh; err != nil {
			s.logger.Printf("%s writer error: %v", c.ID, err)
			if s.metrics != nil {
				s.metrics.RecordEviction(ctx)
			}
		}
		c.Conn.Close()
		s.logger.Printf("closed %s", c.ID)
	}()

	buf := make([]byte, 4096)
	for {
		n, readErr := c.Conn.Read(buf)
		if n > 0 {
			if err := c.Parser.Append(buf[:n]); err != nil {
				s.logger.Printf("%s input overrun: %v", c.ID, err)
				c.Out.Enqueue([]byte(wire.RespErrIntl))
				return
			}
			if fatal := s.drain(ctx, c); fatal {
				return
			}
		}
		if readErr != nil {
			// One final parser pass already happened above, honoring any
			// in-flight command before acting on EOF (spec §4.3).
			return
		}
	}
}

// drain repeatedly pulls events out of c.Parser and dispatches them,
// stopping when the parser needs more bytes. It returns true if the
// connection should be torn down.
func (s *Service) drain(ctx context.Context, c *conn.Connection) (fatal bool) {
	for {
		ev, err := c.Parser.Next()
		if err != nil {
			s.logger.Printf("%s protocol error: %v", c.ID, err)
			if err == wire.ErrLengthMismatch {
				c.Out.Enqueue([]byte(wire.RespErrLen))
			} else {
				c.Out.Enqueue([]byte(wire.RespErrProto))
			}
			return true
		}
		switch ev.Kind {
		case wire.EventNone:
			return false
		case wire.EventLine:
			if bye := s.handleLine(ctx, c, ev.Line); bye {
				return true
			}
		case wire.EventPayload:
			s.handlePayload(ctx, c, ev.Payload)
		}
	}
}

// handleLine dispatches one control line and reports whether the
// connection should close afterward (BYE, or a protocol-fatal argument
// error).
func (s *Service) handleLine(ctx context.Context, c *conn.Connection, line string) (closeConn bool) {
	cmd := wire.ParseCommand(line)
	switch cmd.Verb {
	case "HELLO":
		return s.handleHello(c, cmd.Args)
	case "SUB":
		return s.handleSub(c, cmd.Args)
	case "UNSUB":
		return s.handleUnsub(c, cmd.Args)
	case "PUB":
		return s.handlePubHeader(c, cmd.Args)
	case "PING":
		c.Out.Enqueue([]byte(wire.RespPong))
		return false
	case "BYE":
		c.Out.Enqueue([]byte(wire.RespOK))
		return true
	default:
		c.Out.Enqueue([]byte(wire.RespErrProto))
		return true
	}
}

func (s *Service) handleHello(c *conn.Connection, args []string) (closeConn bool) {
	if len(args) < 2 {
		c.Out.Enqueue([]byte(wire.RespErrProto))
		return true
	}
	role := wire.ParseRole(args[0])
	nodeID := args[1]
	if len(nodeID) > wire.MaxNodeID {
		nodeID = nodeID[:wire.MaxNodeID]
	}
	c.SetHello(role, nodeID)
	s.logger.Printf("%s HELLO role=%s node=%s", c.ID, role, nodeID)
	c.Out.Enqueue([]byte(wire.RespOK))
	return false
}

func (s *Service) handleSub(c *conn.Connection, args []string) (closeConn bool) {
	if len(args) < 1 {
		c.Out.Enqueue([]byte(wire.RespErrProto))
		return true
	}
	topicName := args[0]
	if len(topicName) > wire.MaxTopic {
		c.Out.Enqueue([]byte(wire.RespErrProto))
		return true
	}
	s.topics.Add(topicName, c)
	c.Out.Enqueue([]byte(wire.RespOK))
	return false
}

func (s *Service) handleUnsub(c *conn.Connection, args []string) (closeConn bool) {
	if len(args) < 1 {
		c.Out.Enqueue([]byte(wire.RespErrProto))
		return true
	}
	topicName := args[0]
	s.topics.Remove(topicName, c)
	c.Out.Enqueue([]byte(wire.RespOK))
	return false
}

func (s *Service) handlePubHeader(c *conn.Connection, args []string) (closeConn bool) {
	if len(args) < 2 {
		c.Out.Enqueue([]byte(wire.RespErrProto))
		return true
	}
	topicName := args[0]
	if len(topicName) > wire.MaxTopic {
		c.Out.Enqueue([]byte(wire.RespErrProto))
		return true
	}
	declaredLen, err := parseDeclaredLength(args[1])
	if err != nil || declaredLen <= 0 || declaredLen > wire.MaxPayload {
		c.Out.Enqueue([]byte(wire.RespErrOver))
		return true
	}
	c.SetCurrentTopic(topicName)
	c.Parser.ExpectPayload(declaredLen)
	// No immediate response: the broker stays silent on PUB, per spec §4.2.
	return false
}

func (s *Service) handlePayload(ctx context.Context, c *conn.Connection, payload []byte) {
	topicName := c.CurrentTopic()
	n := s.topics.Fanout(topicName, payload)
	if s.metrics != nil {
		s.metrics.RecordFanout(ctx, int64(n))
	}
	if n == 0 {
		s.logger.Printf("publish: no subscribers for %s", topicName)
		return
	}
	s.logger.Printf("published topic=%s -> %d subscribers (%s)", topicName, n, humanize.Bytes(uint64(len(payload))))
}

func parseDeclaredLength(s string) (int, error) {
	return strconv.Atoi(s)
}
