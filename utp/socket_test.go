package utp

import (
	"io"
	"net"
	"testing"
	"time"

	"dcdn/dht/logger"
)

// pumpUntil wires two Contexts' sockets together by hand: there is no
// reactor tick running in these tests, so the datagrams arriving on each
// side's UDP socket (sent by the other side) are read off it and fed
// straight into that side's own ProcessUDP, the same demux entry point a
// real reactor tick would use.
func pumpUntil(t *testing.T, a, b *net.UDPConn, actx, bctx *Context, done <-chan struct{}) {
	go pumpOne(a, actx, done)
	go pumpOne(b, bctx, done)
}

func pumpOne(conn *net.UDPConn, dst *Context, done <-chan struct{}) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-done:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		dst.ProcessUDP(append([]byte(nil), buf[:n]...), addr)
	}
}

func twoContexts(t *testing.T) (ca, cb *Context, connA, connB *net.UDPConn) {
	t.Helper()
	log := &logger.NullLogger{}
	a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	b, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	return NewContext(a, log), NewContext(b, log), a, b
}

func TestDialAndAcceptHandshake(t *testing.T) {
	ca, cb, connA, connB := twoContexts(t)
	defer connA.Close()
	defer connB.Close()

	done := make(chan struct{})
	defer close(done)
	pumpUntil(t, connA, connB, ca, cb, done)

	clientSock, err := ca.Dial(connB.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case serverSock := <-cb.Accepted():
		if serverSock == nil {
			t.Fatal("accepted a nil socket")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	_ = clientSock
}

func TestDataTransferBothDirections(t *testing.T) {
	ca, cb, connA, connB := twoContexts(t)
	defer connA.Close()
	defer connB.Close()

	done := make(chan struct{})
	defer close(done)
	pumpUntil(t, connA, connB, ca, cb, done)

	client, err := ca.Dial(connB.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var server *Socket
	select {
	case server = <-cb.Accepted():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	payload := []byte("hello from the client")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("client write: %v", err)
	}

	got := make([]byte, len(payload))
	if err := readFull(server, got); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("server got %q, want %q", got, payload)
	}

	reply := []byte("hello back")
	if _, err := server.Write(reply); err != nil {
		t.Fatalf("server write: %v", err)
	}
	gotReply := make([]byte, len(reply))
	if err := readFull(client, gotReply); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(gotReply) != string(reply) {
		t.Errorf("client got %q, want %q", gotReply, reply)
	}
}

func TestCloseSendsFinAndPeerSeesEOF(t *testing.T) {
	ca, cb, connA, connB := twoContexts(t)
	defer connA.Close()
	defer connB.Close()

	done := make(chan struct{})
	defer close(done)
	pumpUntil(t, connA, connB, ca, cb, done)

	client, err := ca.Dial(connB.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var server *Socket
	select {
	case server = <-cb.Accepted():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	client.Close()

	buf := make([]byte, 16)
	deadlineCh := time.After(2 * time.Second)
	for {
		n, err := server.Read(buf)
		if n > 0 {
			continue
		}
		if err == io.EOF {
			return
		}
		select {
		case <-deadlineCh:
			t.Fatal("timed out waiting for EOF after peer close")
		default:
		}
	}
}

func readFull(s *Socket, buf []byte) error {
	total := 0
	deadline := time.Now().Add(2 * time.Second)
	for total < len(buf) {
		n, err := s.Read(buf[total:])
		total += n
		if err != nil && err != io.EOF {
			return err
		}
		if time.Now().After(deadline) {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}
