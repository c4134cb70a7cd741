package utp

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"dcdn/dht/logger"
)

type connKey struct {
	addr   string
	connID uint16
}

// Context owns every Socket multiplexed on one shared UDP connection, and
// is the uTP half of the reactor's demux (spec §4.1): ProcessUDP either
// claims a datagram or hands it back so the DHT engine gets a turn.
//
// Grounded on original_source/network.c's utp_context, whose callbacks
// (UTP_SENDTO, UTP_ON_ACCEPT, utp_process_udp, utp_issue_deferred_acks,
// utp_check_timeouts) this type's methods correspond to directly.
type Context struct {
	conn *net.UDPConn
	log  logger.DebugLogger

	mu      sync.Mutex
	sockets map[connKey]*Socket

	accepted chan *Socket
}

// NewContext wraps conn (already bound by the reactor) with uTP state.
func NewContext(conn *net.UDPConn, log logger.DebugLogger) *Context {
	return &Context{
		conn:     conn,
		log:      log,
		sockets:  make(map[connKey]*Socket),
		accepted: make(chan *Socket, 16),
	}
}

// Accepted is the channel the reactor drains for inbound connections,
// mirroring UTP_ON_ACCEPT.
func (c *Context) Accepted() <-chan *Socket { return c.accepted }

func (c *Context) sendRaw(addr *net.UDPAddr, b []byte) {
	if _, err := c.conn.WriteToUDP(b, addr); err != nil {
		c.log.Debugf("utp: sendto %v failed: %v", addr, err)
	}
}

func newConnID() uint16 {
	var b [2]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

// Dial initiates an outbound uTP connection, the helper side of
// tcp_connect_utp: the TCP side is already open, this begins the uTP
// handshake toward the chosen injector.
func (c *Context) Dial(addr *net.UDPAddr) (*Socket, error) {
	recvID := newConnID()
	sendID := recvID + 1
	s := newSocket(c, addr, recvID, sendID)
	s.mu.state = stateSynSent
	// The SYN itself consumes sequence number 1; the first data packet
	// must start at 2 so the acceptor's ackNr (primed from the SYN's
	// seqNr) doesn't see it as a duplicate.
	s.mu.seqNr = 2
	c.mu.Lock()
	c.sockets[connKey{addr.String(), recvID}] = s
	c.mu.Unlock()
	h := header{typeVer: stSyn << 4, connID: recvID, seqNr: 1, windowSize: window}
	c.sendRaw(addr, h.marshal())
	return s, nil
}

// ProcessUDP is the demux entry point (spec §4.1): it returns true if the
// datagram was uTP and has been consumed, false if it should be offered to
// the DHT engine next.
func (c *Context) ProcessUDP(b []byte, from *net.UDPAddr) bool {
	h, ok := parseHeader(b)
	if !ok {
		return false
	}
	payload := b[headerLen:]

	if h.packetType() == stSyn {
		c.mu.Lock()
		key := connKey{from.String(), h.connID + 1}
		if existing, ok := c.sockets[key]; ok {
			c.mu.Unlock()
			existing.handlePacket(h, payload)
			return true
		}
		s := newSocket(c, from, h.connID+1, h.connID)
		s.mu.state = stateConnected
		s.mu.seqNr = 1
		s.mu.ackNr = h.seqNr
		c.sockets[key] = s
		c.mu.Unlock()
		s.sendState()
		select {
		case c.accepted <- s:
		default:
			c.log.Debugf("utp: accept backlog full, dropping inbound connection from %v", from)
		}
		return true
	}

	c.mu.Lock()
	s, ok := c.sockets[connKey{from.String(), h.connID}]
	c.mu.Unlock()
	if !ok {
		c.log.Debugf("utp: packet for unknown connection %d from %v", h.connID, from)
		return true
	}
	s.handlePacket(h, payload)
	return true
}

func (c *Context) forget(s *Socket) {
	c.mu.Lock()
	delete(c.sockets, connKey{s.remote.String(), s.connIDRecv})
	c.mu.Unlock()
}

// IssueDeferredAcks flushes any socket with pending outbound data or an
// owed ACK. Called once per reactor tick after the UDP read loop drains.
func (c *Context) IssueDeferredAcks() {
	c.mu.Lock()
	sockets := make([]*Socket, 0, len(c.sockets))
	for _, s := range c.sockets {
		sockets = append(sockets, s)
	}
	c.mu.Unlock()
	for _, s := range sockets {
		s.flush()
	}
}

// CheckTimeouts drives retransmission across every open socket. Called
// once per reactor tick.
func (c *Context) CheckTimeouts() {
	now := time.Now()
	c.mu.Lock()
	sockets := make([]*Socket, 0, len(c.sockets))
	for _, s := range c.sockets {
		sockets = append(sockets, s)
	}
	c.mu.Unlock()
	for _, s := range sockets {
		s.checkTimeouts(now)
	}
}
