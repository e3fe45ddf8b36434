package broker

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/tinyfabric/mesh/internal/config"
)

func startTestBroker(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	cfg := config.BrokerConfig{Listen: "127.0.0.1:0", MaxConnections: 100}
	svc := NewService(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	a := svc.Addr()
	return a.String(), func() {
		cancel()
		<-done
	}
}

func mustDial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

func mustReadLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	return line
}

func sendPub(t *testing.T, w net.Conn, topic string, payload []byte) {
	t.Helper()
	header := "PUB " + topic + " " + strconv.Itoa(len(payload)) + "\n"
	if _, err := w.Write([]byte(header)); err != nil {
		t.Fatalf("write header: %v", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		t.Fatalf("write length prefix: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

// TestSingleSubscriberRoundTrip is spec §8 end-to-end scenario 1.
func TestSingleSubscriberRoundTrip(t *testing.T) {
	addr, shutdown := startTestBroker(t)
	defer shutdown()

	sub := mustDial(t, addr)
	defer sub.Close()
	subR := bufio.NewReader(sub)
	sub.Write([]byte("HELLO SUBSCRIBER s1\n"))
	if got := mustReadLine(t, subR); got != "OK\n" {
		t.Fatalf("HELLO response = %q", got)
	}
	sub.Write([]byte("SUB temp\n"))
	if got := mustReadLine(t, subR); got != "OK\n" {
		t.Fatalf("SUB response = %q", got)
	}

	pub := mustDial(t, addr)
	defer pub.Close()
	pubR := bufio.NewReader(pub)
	pub.Write([]byte("HELLO PUBLISHER p1\n"))
	if got := mustReadLine(t, pubR); got != "OK\n" {
		t.Fatalf("HELLO response = %q", got)
	}
	sendPub(t, pub, "temp", []byte("hello"))

	frame := make([]byte, 4+5)
	if _, err := readFull(subR, frame); err != nil {
		t.Fatalf("reading delivered frame: %v", err)
	}
	if binary.BigEndian.Uint32(frame[:4]) != 5 {
		t.Fatalf("length prefix = %d, want 5", binary.BigEndian.Uint32(frame[:4]))
	}
	if string(frame[4:]) != "hello" {
		t.Fatalf("payload = %q, want %q", frame[4:], "hello")
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// TestNoSubscribers is spec §8 scenario 2: publishing to a topic with no
// subscribers is not an error.
func TestNoSubscribers(t *testing.T) {
	addr, shutdown := startTestBroker(t)
	defer shutdown()

	pub := mustDial(t, addr)
	defer pub.Close()
	pubR := bufio.NewReader(pub)
	pub.Write([]byte("HELLO PUBLISHER p1\n"))
	mustReadLine(t, pubR)
	sendPub(t, pub, "ghost", []byte("x"))

	// PUB on the broker produces no response; PING afterward confirms the
	// connection is still alive and the PUB didn't wedge the parser.
	pub.Write([]byte("PING\n"))
	if got := mustReadLine(t, pubR); got != "PONG\n" {
		t.Fatalf("PING response = %q", got)
	}
}

// TestUnsubscribeThenGC is spec §8 scenario 3.
func TestUnsubscribeThenGC(t *testing.T) {
	addr, shutdown := startTestBroker(t)
	defer shutdown()

	sub := mustDial(t, addr)
	defer sub.Close()
	subR := bufio.NewReader(sub)
	sub.Write([]byte("HELLO SUBSCRIBER s1\n"))
	mustReadLine(t, subR)
	sub.Write([]byte("SUB a\n"))
	mustReadLine(t, subR)
	sub.Write([]byte("UNSUB a\n"))
	if got := mustReadLine(t, subR); got != "OK\n" {
		t.Fatalf("UNSUB response = %q", got)
	}

	pub := mustDial(t, addr)
	defer pub.Close()
	pubR := bufio.NewReader(pub)
	pub.Write([]byte("HELLO PUBLISHER p1\n"))
	mustReadLine(t, pubR)
	sendPub(t, pub, "a", []byte("x"))

	// No delivery should arrive on sub; confirm the connection is healthy
	// and idle instead of racing a read against silence.
	sub.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := sub.Read(buf); err == nil {
		t.Fatalf("expected no delivery to an unsubscribed connection")
	}
}

// TestPubOverflowBoundaries is spec §8's boundary behaviors for declared
// length 0 and 8193.
func TestPubOverflowBoundaries(t *testing.T) {
	addr, shutdown := startTestBroker(t)
	defer shutdown()

	for _, badLen := range []string{"0", "8193"} {
		pub := mustDial(t, addr)
		pubR := bufio.NewReader(pub)
		pub.Write([]byte("HELLO PUBLISHER p1\n"))
		mustReadLine(t, pubR)
		pub.Write([]byte("PUB t " + badLen + "\n"))
		if got := mustReadLine(t, pubR); got != "ERR OVERFLOW\n" {
			t.Fatalf("declared length %s: response = %q, want ERR OVERFLOW", badLen, got)
		}
		pub.Close()
	}
}

// TestPubLengthPrefixMismatch is spec §8's "length-prefix mismatch aborts
// the connection with ERR and no delivery" boundary behavior.
func TestPubLengthPrefixMismatch(t *testing.T) {
	addr, shutdown := startTestBroker(t)
	defer shutdown()

	pub := mustDial(t, addr)
	defer pub.Close()
	pubR := bufio.NewReader(pub)
	pub.Write([]byte("HELLO PUBLISHER p1\n"))
	mustReadLine(t, pubR)

	pub.Write([]byte("PUB t 5\n"))
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], 4) // header declared 5, prefix says 4
	pub.Write(lenPrefix[:])

	if got := mustReadLine(t, pubR); got != "ERR LEN\n" {
		t.Fatalf("response = %q, want ERR LEN", got)
	}
}
