package util

import (
	"encoding/binary"
	"net"
	"strconv"
)

// Endpoint is an IPv4 address plus port, held host-native in memory and
// encoded network order on the wire (spec §3). Equality is bytewise, which
// is why AddNode-style dedup can just compare the 6-byte binary form instead
// of comparing net.UDPAddr values.
type Endpoint struct {
	IP   [4]byte
	Port uint16
}

// IsZero reports whether the endpoint's address is the all-zero IPv4
// address (whatever its port), which the rendezvous controller must reject
// on insertion (spec §4.4).
func (e Endpoint) IsZero() bool {
	return e.IP == [4]byte{}
}

func (e Endpoint) String() string {
	return net.JoinHostPort(net.IP(e.IP[:]).String(), strconv.Itoa(int(e.Port)))
}

// DecodeCompactEndpoint byte-copies a 6-byte compact peer record (4-byte
// IPv4 big endian, 2-byte port big endian) into an Endpoint. It never casts
// the input bytes to a struct pointer: on strict-alignment targets that
// cast is unsound (spec §9), so every field is copied out explicitly.
func DecodeCompactEndpoint(b []byte) (Endpoint, bool) {
	if len(b) < 6 {
		return Endpoint{}, false
	}
	var e Endpoint
	copy(e.IP[:], b[0:4])
	e.Port = binary.BigEndian.Uint16(b[4:6])
	return e, true
}

// EncodeCompactEndpoint is the inverse of DecodeCompactEndpoint.
func EncodeCompactEndpoint(e Endpoint) []byte {
	b := make([]byte, 6)
	copy(b[0:4], e.IP[:])
	binary.BigEndian.PutUint16(b[4:6], e.Port)
	return b
}

// DottedPortToBinary converts a "host:port" string into the 6-byte compact
// peer record format used on the wire and as map keys throughout the
// routing table and peer store.
func DottedPortToBinary(hostPort string) string {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return ""
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return ""
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return ""
	}
	b := make([]byte, 6)
	copy(b[0:4], ip4)
	binary.BigEndian.PutUint16(b[4:6], uint16(port))
	return string(b)
}

// BinaryToDottedPort is the inverse of DottedPortToBinary.
func BinaryToDottedPort(b string) string {
	if len(b) != 6 {
		return ""
	}
	ip := net.IPv4(b[0], b[1], b[2], b[3])
	port := binary.BigEndian.Uint16([]byte(b[4:6]))
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}
