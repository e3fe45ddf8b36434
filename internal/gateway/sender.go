package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// Sender is the single owner of the outbound broker socket (spec §3's
// "broker link"). It dequeues framed items and transmits each one
// atomically, reconnecting with exponential backoff and jitter on failure
// — spec §9's suggested improvement over the source design's fixed
// 1-second sleep.
type Sender struct {
	brokerAddr string
	queue      *Queue
	logger     *log.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewSender builds a sender that dials brokerAddr and drains queue.
func NewSender(brokerAddr string, queue *Queue, logger *log.Logger) *Sender {
	return &Sender{brokerAddr: brokerAddr, queue: queue, logger: logger}
}

// Run dequeues items until the queue is closed and drained, or ctx is
// cancelled while waiting out a reconnect backoff.
func (s *Sender) Run(ctx context.Context) {
	defer s.closeConn()
	for {
		item, ok := s.queue.Pop()
		if !ok {
			return
		}
		if err := s.sendOne(ctx, item); err != nil {
			// Only a cancelled context unwinds sendOne with an error; a
			// failed write is handled internally (item dropped, loop
			// continues to the queue head per spec §4.6).
			return
		}
	}
}

// sendOne transmits item, reconnecting as many times as it takes. It
// returns a non-nil error only when ctx is cancelled mid-backoff.
func (s *Sender) sendOne(ctx context.Context, item []byte) error {
	c, err := s.ensureConn(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	_, writeErr := c.Write(item)
	s.mu.Unlock()
	if writeErr == nil {
		return nil
	}
	s.logger.Printf("write to broker failed, dropping item: %v", writeErr)
	s.closeConn()
	return nil
}

// ensureConn returns the current broker connection, dialing (and retrying
// with backoff) if disconnected.
func (s *Sender) ensureConn(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	if s.conn != nil {
		c := s.conn
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.Reset()

	for {
		c, dialErr := net.DialTimeout("tcp", s.brokerAddr, 5*time.Second)
		if dialErr == nil {
			s.mu.Lock()
			s.conn = c
			s.mu.Unlock()
			s.logger.Printf("connected to broker at %s", s.brokerAddr)
			go s.drainReads(c)
			return c, nil
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = b.MaxInterval
		}
		s.logger.Printf("cannot connect to broker at %s (%v), retrying in %s", s.brokerAddr, dialErr, wait)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gateway: reconnect cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (s *Sender) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// drainReads discards anything the broker sends back, so the sender socket
// never stalls waiting on a read buffer that this protocol never expects
// the broker to fill (spec §9's open question on the gateway not reading
// the broker's response stream — resolved here by always reading and
// throwing the result away).
func (s *Sender) drainReads(c net.Conn) {
	buf := make([]byte, 512)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}
