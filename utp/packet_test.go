package utp

import "testing"

func TestLooksLikeUTP(t *testing.T) {
	cases := []struct {
		name string
		b    []byte
		want bool
	}{
		{"too short", []byte{0x01}, false},
		{"valid syn", append([]byte{byte(stSyn<<4) | protoVersion}, make([]byte, headerLen-1)...), true},
		{"bad version", append([]byte{byte(stData<<4) | 0x7}, make([]byte, headerLen-1)...), false},
		{"bencode dict", append([]byte("d1:ad2:id20:"), make([]byte, 10)...), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := looksLikeUTP(c.b); got != c.want {
				t.Errorf("looksLikeUTP(%v) = %v, want %v", c.b, got, c.want)
			}
		})
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := header{
		typeVer:       byte(stData<<4) | protoVersion,
		connID:        1234,
		timestamp:     999,
		timestampDiff: 1,
		windowSize:    65536,
		seqNr:         7,
		ackNr:         6,
	}
	b := h.marshal()
	got, ok := parseHeader(b)
	if !ok {
		t.Fatalf("parseHeader rejected a packet this package just marshaled")
	}
	if got != h {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestSeqComparisons(t *testing.T) {
	if !seqGreater(5, 4) {
		t.Error("5 should be greater than 4")
	}
	if seqGreater(4, 5) {
		t.Error("4 should not be greater than 5")
	}
	// Wraparound: 1 comes after 65535.
	if !seqGreater(1, 65535) {
		t.Error("sequence wraparound: 1 should be greater than 65535")
	}
}
