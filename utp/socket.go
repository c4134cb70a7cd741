package utp

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"dcdn/dht/logger"
)

// ErrClosed is returned by Read/Write once the socket has torn down.
var ErrClosed = errors.New("utp: socket closed")

const (
	stateSynSent = iota
	stateConnected
	stateFinSent
	stateClosed
)

// window is the send/receive window in bytes. uTP negotiates this
// dynamically; this implementation keeps it fixed, which is enough for a
// single splice-bridge stream per socket.
const window = 64 * 1024

// retransmitTimeout is how long an unacked packet waits before resend.
// uTP computes this from measured RTT; a fixed timeout is the
// simplification this implementation makes (see DESIGN.md).
const retransmitTimeout = 500 * time.Millisecond

const maxRetransmits = 8

// outPacket is an unacked packet still eligible for retransmission.
type outPacket struct {
	seqNr   uint16
	payload []byte
	sentAt  time.Time
	tries   int
}

// Socket is one uTP stream, reliable and ordered, multiplexed with others
// on the Context's shared UDP socket by (remote address, connection id).
type Socket struct {
	ctx    *Context
	remote *net.UDPAddr

	connIDRecv uint16
	connIDSend uint16

	mu State

	log logger.DebugLogger
}

// State holds the mutable per-connection protocol state, separated out so
// Socket's exported surface stays small.
type State struct {
	sync.Mutex

	state int

	seqNr uint16 // next sequence number this side will use
	ackNr uint16 // last seqNr from the peer we've acked (cumulative)

	unacked []outPacket
	outbox  [][]byte // payloads queued but not yet sent (window-limited)

	recvOOO map[uint16][]byte // out-of-order segments keyed by seqNr
	readBuf bytes.Buffer

	finSeq    uint16
	haveFin   bool
	peerFined bool

	readCond  chan struct{}
	closeOnce sync.Once
	closedCh  chan struct{}
}

func newSocket(ctx *Context, remote *net.UDPAddr, connIDRecv, connIDSend uint16) *Socket {
	s := &Socket{
		ctx:        ctx,
		remote:     remote,
		connIDRecv: connIDRecv,
		connIDSend: connIDSend,
		log:        ctx.log,
	}
	s.mu.recvOOO = make(map[uint16][]byte)
	s.mu.readCond = make(chan struct{}, 1)
	s.mu.closedCh = make(chan struct{})
	return s
}

// RemoteAddr returns the peer this socket is connected to.
func (s *Socket) RemoteAddr() *net.UDPAddr { return s.remote }

// Write queues b for delivery and returns once it has been handed to the
// send window (not once it's acked). The reactor's tick drains the window
// via flush.
func (s *Socket) Write(b []byte) (int, error) {
	s.mu.Lock()
	if s.mu.state == stateClosed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.mu.outbox = append(s.mu.outbox, append([]byte(nil), b...))
	s.mu.Unlock()
	s.flush()
	return len(b), nil
}

// Read returns reassembled, in-order bytes. It returns io.EOF once the
// peer's FIN has been seen and every byte before it has been delivered.
func (s *Socket) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.mu.readBuf.Len() == 0 {
		if s.mu.peerFined || s.mu.state == stateClosed {
			return 0, io.EOF
		}
		s.mu.Unlock()
		<-s.mu.readCond
		s.mu.Lock()
	}
	return s.mu.readBuf.Read(b)
}

// Close sends a FIN and releases local resources. Idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	already := s.mu.state == stateClosed
	s.mu.state = stateClosed
	s.mu.Unlock()
	if already {
		return nil
	}
	s.sendFin()
	s.mu.closeOnce.Do(func() { close(s.mu.closedCh) })
	s.ctx.forget(s)
	s.wakeReader()
	return nil
}

func (s *Socket) sendFin() {
	s.mu.Lock()
	seq := s.mu.seqNr
	s.mu.seqNr++
	ack := s.mu.ackNr
	s.mu.Unlock()
	h := header{typeVer: stFin << 4, connID: s.connIDSend, seqNr: seq, ackNr: ack}
	s.ctx.sendRaw(s.remote, h.marshal())
}

// flush pushes as much of outbox into flight as the window allows.
func (s *Socket) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.state == stateClosed {
		return
	}
	inFlight := 0
	for _, p := range s.mu.unacked {
		inFlight += len(p.payload)
	}
	for len(s.mu.outbox) > 0 && inFlight < window {
		payload := s.mu.outbox[0]
		s.mu.outbox = s.mu.outbox[1:]
		seq := s.mu.seqNr
		s.mu.seqNr++
		s.sendDataLocked(seq, payload)
		s.mu.unacked = append(s.mu.unacked, outPacket{seqNr: seq, payload: payload, sentAt: time.Now()})
		inFlight += len(payload)
	}
}

func (s *Socket) sendDataLocked(seq uint16, payload []byte) {
	h := header{typeVer: stData << 4, connID: s.connIDSend, seqNr: seq, ackNr: s.mu.ackNr, windowSize: window}
	pkt := append(h.marshal(), payload...)
	s.ctx.sendRaw(s.remote, pkt)
}

func (s *Socket) sendState() {
	s.mu.Lock()
	ack := s.mu.ackNr
	seq := s.mu.seqNr
	s.mu.Unlock()
	h := header{typeVer: stState << 4, connID: s.connIDSend, seqNr: seq, ackNr: ack, windowSize: window}
	s.ctx.sendRaw(s.remote, h.marshal())
}

// handlePacket processes one already-demuxed datagram addressed to this
// socket.
func (s *Socket) handlePacket(h header, payload []byte) {
	switch h.packetType() {
	case stSyn:
		// Retransmitted SYN for a connection we already accepted; just
		// re-ack.
		s.sendState()
	case stState:
		s.ackUpTo(h.ackNr)
	case stData:
		s.receiveData(h.seqNr, payload)
		s.ackUpTo(h.ackNr)
		s.sendState()
	case stFin:
		s.receiveFin(h.seqNr)
		s.sendState()
	case stReset:
		s.mu.Lock()
		s.mu.state = stateClosed
		s.mu.Unlock()
		s.wakeReader()
	}
}

func (s *Socket) ackUpTo(ackNr uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.mu.unacked[:0]
	for _, p := range s.mu.unacked {
		if seqLess(ackNr, p.seqNr) {
			kept = append(kept, p)
		}
	}
	s.mu.unacked = kept
	if s.mu.state == stateSynSent {
		s.mu.state = stateConnected
	}
}

func (s *Socket) receiveData(seqNr uint16, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.ackNr == 0 && len(s.mu.recvOOO) == 0 {
		// First segment on a freshly accepted connection: take its seqNr
		// as the base so our cumulative ack tracks the peer's numbering.
		s.mu.ackNr = seqNr - 1
	}
	if !seqGreater(seqNr, s.mu.ackNr) {
		return // duplicate, already delivered
	}
	s.mu.recvOOO[seqNr] = payload
	for {
		next := s.mu.ackNr + 1
		chunk, ok := s.mu.recvOOO[next]
		if !ok {
			break
		}
		delete(s.mu.recvOOO, next)
		s.mu.readBuf.Write(chunk)
		s.mu.ackNr = next
	}
	s.wakeReaderLocked()
}

func (s *Socket) receiveFin(seqNr uint16) {
	s.mu.Lock()
	s.mu.haveFin = true
	s.mu.finSeq = seqNr
	if s.mu.ackNr == seqNr-1 || (s.mu.ackNr == 0 && len(s.mu.recvOOO) == 0) {
		s.mu.peerFined = true
	}
	s.mu.Unlock()
	s.wakeReader()
}

func (s *Socket) wakeReader() {
	select {
	case s.mu.readCond <- struct{}{}:
	default:
	}
}

func (s *Socket) wakeReaderLocked() {
	select {
	case s.mu.readCond <- struct{}{}:
	default:
	}
}

// checkTimeouts retransmits anything that's been unacked for too long,
// resetting the connection after maxRetransmits failed attempts.
func (s *Socket) checkTimeouts(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.mu.unacked {
		p := &s.mu.unacked[i]
		if now.Sub(p.sentAt) < retransmitTimeout {
			continue
		}
		if p.tries >= maxRetransmits {
			s.mu.state = stateClosed
			s.log.Debugf("utp: giving up on seq %d to %v after %d tries", p.seqNr, s.remote, p.tries)
			continue
		}
		p.tries++
		p.sentAt = now
		s.sendDataLocked(p.seqNr, p.payload)
	}
}

func seqLess(a, b uint16) bool    { return int16(a-b) < 0 }
func seqGreater(a, b uint16) bool { return int16(a-b) > 0 }
