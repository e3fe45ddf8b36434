package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/tinyfabric/mesh/internal/conn"
	"github.com/tinyfabric/mesh/internal/config"
	"github.com/tinyfabric/mesh/internal/telemetry"
	"github.com/tinyfabric/mesh/internal/wire"
)

// Service is a running gateway: a publisher-facing listener plus the
// forwarding queue and sender described in spec §4.6.
type Service struct {
	cfg     config.GatewayConfig
	logger  *log.Logger
	metrics *telemetry.GatewayMetrics

	queue  *Queue
	sender *Sender

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewService builds a gateway bound to cfg. metrics may be nil.
func NewService(cfg config.GatewayConfig, metrics *telemetry.GatewayMetrics) *Service {
	logger := log.New(log.Writer(), "[gateway] ", log.LstdFlags)
	queue := NewQueue(cfg.QueueCapacity)
	return &Service{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		queue:   queue,
		sender:  NewSender(cfg.BrokerAddress, queue, logger),
		ready:   make(chan struct{}),
	}
}

// Addr blocks until the listener is bound and returns its address.
func (s *Service) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr()
}

// QueueLen reports the current forwarding-queue depth.
func (s *Service) QueueLen() int { return s.queue.Len() }

// Start binds the publisher-facing listener, starts the sender goroutine,
// and runs the accept loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = netutil.LimitListener(ln, s.cfg.MaxConnections)
	s.mu.Unlock()
	close(s.ready)
	s.logger.Printf("listening on %s, forwarding to broker at %s", s.cfg.Listen, s.cfg.BrokerAddress)

	go s.sender.Run(ctx)

	go func() {
		<-ctx.Done()
		s.listener.Close()
		s.queue.Close()
	}()

	var wg sync.WaitGroup
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				s.logger.Printf("shutdown complete")
				return nil
			default:
				return fmt.Errorf("gateway: accept: %w", err)
			}
		}
		c := conn.New(netConn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, c)
		}()
	}
}

// handleConnection runs the publisher-facing side of spec §4.6: the same
// parser as the broker, scoped to HELLO and PUB.
func (s *Service) handleConnection(ctx context.Context, c *conn.Connection) {
	s.logger.Printf("accepted publisher %s from %s", c.ID, c.RemoteAddr)

	writeErrCh := make(chan error, 1)
	go func() { writeErrCh <- c.Out.Run(c.Conn) }()

	defer func() {
		// Signal the writer and wait for it to drain any queued reply (the
		// OK\n for the publish that just completed) before closing the
		// socket out from under it.
		c.Out.Close()
		if err := <-writeErrCh; err != nil {
			s.logger.Printf("%s writer error: %v", c.ID, err)
		}
		c.Conn.Close()
		s.logger.Printf("closed publisher %s", c.ID)
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
			return
		}
	}
}

func (s *Service) drain(ctx context.Context, c *conn.Connection) (fatal bool) {
	for {
		ev, err := c.Parser.Next()
		if err != nil {
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
			if closeConn := s.handleLine(c, ev.Line); closeConn {
				return true
			}
		case wire.EventPayload:
			s.handlePayload(ctx, c, ev.Payload)
		}
	}
}

func (s *Service) handleLine(c *conn.Connection, line string) (closeConn bool) {
	cmd := wire.ParseCommand(line)
	switch cmd.Verb {
	case "HELLO":
		if len(cmd.Args) < 2 {
			c.Out.Enqueue([]byte(wire.RespErrProto))
			return true
		}
		role := wire.ParseRole(cmd.Args[0])
		nodeID := cmd.Args[1]
		if len(nodeID) > wire.MaxNodeID {
			nodeID = nodeID[:wire.MaxNodeID]
		}
		c.SetHello(role, nodeID)
		c.Out.Enqueue([]byte(wire.RespOK))
		return false
	case "PUB":
		if len(cmd.Args) < 2 {
			c.Out.Enqueue([]byte(wire.RespErrProto))
			return true
		}
		topicName := cmd.Args[0]
		if len(topicName) > wire.MaxTopic {
			c.Out.Enqueue([]byte(wire.RespErrProto))
			return true
		}
		declaredLen, err := strconv.Atoi(cmd.Args[1])
		if err != nil || declaredLen <= 0 || declaredLen > wire.MaxPayload {
			c.Out.Enqueue([]byte(wire.RespErrOver))
			return true
		}
		c.SetCurrentTopic(topicName)
		c.Parser.ExpectPayload(declaredLen)
		return false
	default:
		c.Out.Enqueue([]byte(wire.RespErrProto))
		return true
	}
}

// handlePayload builds the framed forwarding item (header line + length
// prefix + payload, spec §4.6), pushes it onto the forwarding queue, and
// replies OK unconditionally — the drop of some other, older item is never
// reported upstream.
func (s *Service) handlePayload(ctx context.Context, c *conn.Connection, payload []byte) {
	topicName := c.CurrentTopic()
	header := fmt.Sprintf("PUB %s %d\n", topicName, len(payload))
	item := make([]byte, 0, len(header)+wire.LengthPrefixSize+len(payload))
	item = append(item, header...)
	item = append(item, wire.EncodeFrame(payload)...)

	dropped := s.queue.Push(item)
	if dropped && s.metrics != nil {
		s.metrics.RecordDrop(ctx)
	}
	c.Out.Enqueue([]byte(wire.RespOK))
}
