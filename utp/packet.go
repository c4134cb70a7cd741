// Package utp implements a reliable ordered stream transport over UDP in
// the shape of BEP-29, demultiplexed against DHT traffic on a shared
// socket. It is hand-written: no third-party package in the retrieved
// corpus implements uTP, so this follows original_source/utp_bufferevent.h
// and network.c's callback wiring directly.
package utp

import "encoding/binary"

// Packet types, the high nibble of the first header byte.
const (
	stData  = 0
	stFin   = 1
	stState = 2
	stReset = 3
	stSyn   = 4
)

// protoVersion is the low nibble of the first header byte. uTP is at
// version 1; this is also what makes a datagram "self-describing" enough
// for the demux to recognise it without context (spec §4.1).
const protoVersion = 1

// headerLen is the fixed uTP header size, with no extensions.
const headerLen = 20

// header mirrors the on-wire uTP header. All integers are network order.
type header struct {
	typeVer       byte
	extension     byte
	connID        uint16
	timestamp     uint32
	timestampDiff uint32
	windowSize    uint32
	seqNr         uint16
	ackNr         uint16
}

func (h header) packetType() byte { return h.typeVer >> 4 }

func (h header) marshal() []byte {
	b := make([]byte, headerLen)
	b[0] = h.typeVer | protoVersion
	b[1] = h.extension
	binary.BigEndian.PutUint16(b[2:4], h.connID)
	binary.BigEndian.PutUint32(b[4:8], h.timestamp)
	binary.BigEndian.PutUint32(b[8:12], h.timestampDiff)
	binary.BigEndian.PutUint32(b[12:16], h.windowSize)
	binary.BigEndian.PutUint16(b[16:18], h.seqNr)
	binary.BigEndian.PutUint16(b[18:20], h.ackNr)
	return b
}

// looksLikeUTP is the demux sniff test (spec §4.1): a uTP packet is
// self-describing via its header byte, so the reactor never needs to ask
// the DHT first. It does not guarantee the packet is otherwise well
// formed; a malformed payload is still handed to parseHeader, which can
// reject it.
func looksLikeUTP(b []byte) bool {
	if len(b) < headerLen {
		return false
	}
	ver := b[0] & 0x0f
	typ := b[0] >> 4
	return ver == protoVersion && typ <= stSyn
}

func parseHeader(b []byte) (header, bool) {
	if !looksLikeUTP(b) {
		return header{}, false
	}
	return header{
		typeVer:       b[0],
		extension:     b[1],
		connID:        binary.BigEndian.Uint16(b[2:4]),
		timestamp:     binary.BigEndian.Uint32(b[4:8]),
		timestampDiff: binary.BigEndian.Uint32(b[8:12]),
		windowSize:    binary.BigEndian.Uint32(b[12:16]),
		seqNr:         binary.BigEndian.Uint16(b[16:18]),
		ackNr:         binary.BigEndian.Uint16(b[18:20]),
	}, true
}
