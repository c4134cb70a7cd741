package util

import "golang.org/x/crypto/blake2b"

// ContentHash is a streaming BLAKE2b-256 state used by the injector pipeline
// to hash a response body incrementally, one received chunk at a time,
// without ever buffering the full body (spec §4.5).
type ContentHash struct {
	h hash256
}

type hash256 interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

// NewContentHash starts a fresh BLAKE2b-256 state.
func NewContentHash() *ContentHash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for an oversized key, and we pass none.
		panic(err)
	}
	return &ContentHash{h: h}
}

// Write feeds another chunk of the body through the hash, in the order the
// bytes arrived on the wire.
func (c *ContentHash) Write(p []byte) {
	c.h.Write(p)
}

// Sum finalizes the hash and returns the 32-byte BLAKE2b-256 digest.
func (c *ContentHash) Sum() [32]byte {
	var out [32]byte
	copy(out[:], c.h.Sum(nil))
	return out
}

// HashURL computes the full BLAKE2b-256 digest of a request URI.
func HashURL(requestURI string) [32]byte {
	return blake2b.Sum256([]byte(requestURI))
}

// HashURLKey is the DHT target a URLCommitment is published under (spec
// §4.5, §5.1 Open Question resolution 1): the low 20 bytes of
// BLAKE2b-256(request_uri). Every other InfoHash in this package (node
// IDs, torrent-style targets) is 20 bytes because HashDistance's XOR only
// works between equal-length keys; truncating here keeps a URLCommitment
// key routable through the same k-buckets as everything else, at the cost
// of the full 256 bits of preimage resistance the hash normally gives. The
// content hash stored as the item's value keeps all 32 bytes.
func HashURLKey(requestURI string) InfoHash {
	full := HashURL(requestURI)
	return InfoHash(full[:20])
}
