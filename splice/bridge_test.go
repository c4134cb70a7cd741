package splice

import (
	"io"
	"net"
	"testing"
	"time"

	"dcdn/dht/logger"
	"dcdn/utp"
)

// pumpOne feeds conn's incoming datagrams into dst.ProcessUDP. There is no
// reactor tick running in these tests, so the datagrams arriving on each
// uTP context's socket have to be handed to that context by hand, the same
// pattern utp's own tests use.
func pumpOne(conn *net.UDPConn, dst *utp.Context, done <-chan struct{}) {
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

func twoContexts(t *testing.T) (ca, cb *utp.Context, connA, connB *net.UDPConn, stop func()) {
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
	ca = utp.NewContext(a, log)
	cb = utp.NewContext(b, log)
	done := make(chan struct{})
	go pumpOne(a, ca, done)
	go pumpOne(b, cb, done)
	return ca, cb, a, b, func() {
		close(done)
		a.Close()
		b.Close()
	}
}

// echoServer accepts one TCP connection and copies everything it reads
// straight back, standing in for the injector's pipeline listener.
func echoServer(t *testing.T) *net.TCPListener {
	t.Helper()
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	go func() {
		conn, err := ln.AcceptTCP()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
		conn.Close()
	}()
	return ln
}

// TestBridgeCarriesBytesBothWays drives the full helper-side/injector-side
// pairing: TCPConnectUTP bridges a local TCP connection to a dialed uTP
// socket (the helper's AcceptTCP path); UTPConnectTCP on the far end bridges
// the accepted uTP socket to a loopback TCP connection against an echo
// server (the injector's utp_on_accept path). A byte written into the
// originating TCP connection must come back out the same way.
func TestBridgeCarriesBytesBothWays(t *testing.T) {
	ca, cb, _, connB, stop := twoContexts(t)
	defer stop()

	echoLn := echoServer(t)
	defer echoLn.Close()

	clientLn, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	defer clientLn.Close()

	serverSideDone := make(chan *net.TCPConn, 1)
	go func() {
		conn, err := clientLn.AcceptTCP()
		if err != nil {
			return
		}
		serverSideDone <- conn
	}()

	clientSide, err := net.DialTCP("tcp4", nil, clientLn.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("dial client side: %v", err)
	}
	defer clientSide.Close()

	var serverSide *net.TCPConn
	select {
	case serverSide = <-serverSideDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out accepting client-side TCP connection")
	}

	log := &logger.NullLogger{}
	helperBridge, err := TCPConnectUTP(serverSide, ca, connB.LocalAddr().(*net.UDPAddr), log)
	if err != nil {
		t.Fatalf("TCPConnectUTP: %v", err)
	}
	defer helperBridge.Close()

	var accepted *utp.Socket
	select {
	case accepted = <-cb.Accepted():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for uTP accept")
	}

	injectorBridge, err := UTPConnectTCP(accepted, echoLn.Addr().(*net.TCPAddr), log)
	if err != nil {
		t.Fatalf("UTPConnectTCP: %v", err)
	}
	defer injectorBridge.Close()

	const payload = "round trip through the splice"
	if _, err := clientSide.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, len(payload))
	clientSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(clientSide, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != payload {
		t.Errorf("got %q, want %q", buf, payload)
	}
}

// TestBridgeClosePropagatesBothDirections checks that closing one side's
// raw connection tears the whole Bridge down instead of leaking goroutines
// blocked forever on a dead peer.
func TestBridgeClosePropagatesBothDirections(t *testing.T) {
	ca, _, _, connB, stop := twoContexts(t)
	defer stop()

	echoLn := echoServer(t)
	defer echoLn.Close()

	clientLn, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	defer clientLn.Close()

	serverSideDone := make(chan *net.TCPConn, 1)
	go func() {
		conn, err := clientLn.AcceptTCP()
		if err != nil {
			return
		}
		serverSideDone <- conn
	}()

	clientSide, err := net.DialTCP("tcp4", nil, clientLn.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("dial client side: %v", err)
	}

	var serverSide *net.TCPConn
	select {
	case serverSide = <-serverSideDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out accepting client-side TCP connection")
	}

	log := &logger.NullLogger{}
	bridge, err := TCPConnectUTP(serverSide, ca, connB.LocalAddr().(*net.UDPAddr), log)
	if err != nil {
		t.Fatalf("TCPConnectUTP: %v", err)
	}

	clientSide.Close()

	done := make(chan struct{})
	go func() {
		bridge.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after peer closed")
	}
}
