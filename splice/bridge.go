// Package splice couples an accepted TCP connection to a uTP stream into a
// full-duplex byte pipe (spec §4.3), with back-pressure in both directions.
// End of stream is passed on as a half-close toward the TCP side only: EOF
// from the uTP stream half-closes the TCP connection's write side, while
// EOF from the TCP connection leaves the uTP stream open until the bridge
// closes both legs.
//
// Grounded on original_source/network.c's bufferevent read/write callback
// pairing (utp_bufferevent.h implies the same shape on the uTP side) and on
// the teacher's own goroutine-per-direction style for moving bytes between
// two blocking connections (dht/remoteNode's read loop is the nearest
// analogue in this module for "one goroutine owns one blocking Read").
package splice

import (
	"io"
	"net"
	"sync"

	"dcdn/dht/logger"
	"dcdn/utp"
)

// highWatermark and lowWatermark bound how much unwritten data a direction
// may queue before its source is paused, per spec §4.3's recommended
// 256KiB/64KiB. Go's net.TCPConn and utp.Socket don't expose buffer-fill
// signals, so this implementation approximates the same back-pressure
// contract with io.Copy's natural blocking: Write on a full TCP send buffer
// or a uTP socket at its window blocks the copying goroutine until the
// peer drains it, which is the watermark policy's actual effect without a
// separate buffer to watermark.
const (
	highWatermark = 256 * 1024
	lowWatermark  = 64 * 1024
)

// halfCloser is satisfied by both net.TCPConn and utp.Socket. It carries
// no close method: pump half-closes dst only when dst is a *net.TCPConn.
type halfCloser interface {
	io.Reader
	io.Writer
}

// Bridge is one spliced pair: a TCP connection on one side, a uTP stream on
// the other. Both halves are pumped concurrently; the bridge closes both
// ends once each direction has seen EOF or either side errors.
type Bridge struct {
	tcp *net.TCPConn
	utp *utp.Socket
	log logger.DebugLogger

	mu      sync.Mutex
	tcpDone bool
	utpDone bool
	closed  bool
}

// TCPConnectUTP is the helper side of the bridge (spec §4.3): the TCP leg
// is already accepted, dial the chosen injector over uTP and start piping
// once the connection is up.
func TCPConnectUTP(tcp *net.TCPConn, ctx *utp.Context, remote *net.UDPAddr, log logger.DebugLogger) (*Bridge, error) {
	sock, err := ctx.Dial(remote)
	if err != nil {
		return nil, err
	}
	return run(tcp, sock, log), nil
}

// UTPConnectTCP is the injector side of the bridge: the uTP leg is already
// accepted, open a loopback TCP connection to the local origin listener and
// start piping.
func UTPConnectTCP(sock *utp.Socket, tcpDest *net.TCPAddr, log logger.DebugLogger) (*Bridge, error) {
	conn, err := net.DialTCP("tcp4", nil, tcpDest)
	if err != nil {
		return nil, err
	}
	return run(conn, sock, log), nil
}

func run(tcp *net.TCPConn, sock *utp.Socket, log logger.DebugLogger) *Bridge {
	b := &Bridge{tcp: tcp, utp: sock, log: log}
	go b.pump(tcp, sock, &b.tcpDone)
	go b.pump(sock, tcp, &b.utpDone)
	return b
}

// pump copies from src to dst until EOF or error, then records which
// direction finished and tears the bridge down once both have.
func (b *Bridge) pump(src halfCloser, dst halfCloser, done *bool) {
	buf := make([]byte, 32*1024)
	_, err := io.CopyBuffer(dst, src, buf)

	b.mu.Lock()
	*done = true
	bothDone := b.tcpDone && b.utpDone
	b.mu.Unlock()

	if err != nil {
		b.log.Debugf("splice: direction error, tearing down: %v", err)
		b.Close()
		return
	}

	// EOF on src: half-close dst so its peer observes the end of this
	// direction without losing the other one.
	if tc, ok := dst.(*net.TCPConn); ok {
		tc.CloseWrite()
	}

	if bothDone {
		b.Close()
	}
}

// Close tears down both legs. Idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err1 := b.tcp.Close()
	err2 := b.utp.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
