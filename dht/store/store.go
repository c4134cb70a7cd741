// Package store implements BEP-44 mutable and immutable item storage for
// the DHT engine, following the same LRU-bounded shape as dht/peer's peer
// contact cache.
package store

import (
	"crypto/ed25519"
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/golang/groupcache/lru"

	"dcdn/dht/util"
)

// MaxValueLen is the BEP-44 limit on a stored value (spec §3).
const MaxValueLen = 1000

// MutableItem is the BEP-44 tuple described in spec §3: a public key, an
// optional salt, a value, a monotonic sequence number and the signature
// over (salt, seq, value) that makes the tuple authentic.
type MutableItem struct {
	PublicKey ed25519.PublicKey
	Salt      []byte
	Value     []byte
	Seq       int64
	Signature []byte
}

// MutableKey is the SHA-1 of publicKey‖salt, the BEP-44 lookup key for a
// mutable item (spec §3).
func MutableKey(publicKey ed25519.PublicKey, salt []byte) util.InfoHash {
	h := sha1.New()
	h.Write(publicKey)
	h.Write(salt)
	return util.InfoHash(h.Sum(nil))
}

// SignaturePayload is the byte sequence a mutable item's signature covers.
// Mirrors the canonical BEP-44 "3:salt...1:seqi...e1:v..." signing form
// closely enough for our purposes: salt, then the big-endian seq, then the
// value, concatenated unambiguously by length-prefixing each field.
func SignaturePayload(salt []byte, seq int64, value []byte) []byte {
	buf := make([]byte, 0, len(salt)+len(value)+16)
	buf = appendLenPrefixed(buf, salt)
	buf = appendInt64(buf, seq)
	buf = appendLenPrefixed(buf, value)
	return buf
}

func appendLenPrefixed(buf []byte, b []byte) []byte {
	buf = append(buf, byte(len(b)>>24), byte(len(b)>>16), byte(len(b)>>8), byte(len(b)))
	return append(buf, b...)
}

func appendInt64(buf []byte, v int64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Store holds immutable values (keyed by a caller-supplied content hash)
// and mutable items (keyed by MutableKey), bounded by an LRU of each so a
// single malicious publisher can't grow the store unboundedly.
type Store struct {
	mu        sync.Mutex
	immutable *lru.Cache
	mutable   *lru.Cache
}

// New creates a Store that retains up to maxItems of each kind.
func New(maxItems int) *Store {
	return &Store{
		immutable: lru.New(maxItems),
		mutable:   lru.New(maxItems),
	}
}

// PutImmutable stores value under key, rejecting values longer than
// MaxValueLen as BEP-44 requires. Immutable items are overwrite-once: once a key is populated,
// later puts with the same key and same value are no-ops, and puts with a
// *different* value are rejected (the key is meant to be the content hash
// of the value, so a mismatch indicates a hash collision or a bug).
func (s *Store) PutImmutable(key util.InfoHash, value []byte) error {
	if len(value) > MaxValueLen {
		return fmt.Errorf("store: immutable value too large: %d > %d", len(value), MaxValueLen)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.immutable.Get(string(key)); ok {
		if string(existing.([]byte)) != string(value) {
			return fmt.Errorf("store: immutable key %x already holds a different value", string(key))
		}
		return nil
	}
	s.immutable.Add(string(key), append([]byte(nil), value...))
	return nil
}

// GetImmutable returns the value stored under key, if any.
func (s *Store) GetImmutable(key util.InfoHash) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.immutable.Get(string(key))
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// PutMutable stores item, enforcing BEP-44's monotonic sequence number rule
// per (public_key, salt): a put with a seq not strictly greater than what's
// already stored is rejected (spec §5, "conflict resolution is monotonic
// sequence number").
func (s *Store) PutMutable(item MutableItem) error {
	if len(item.Value) > MaxValueLen {
		return fmt.Errorf("store: mutable value too large: %d > %d", len(item.Value), MaxValueLen)
	}
	if !ed25519.Verify(item.PublicKey, SignaturePayload(item.Salt, item.Seq, item.Value), item.Signature) {
		return fmt.Errorf("store: mutable item signature verification failed")
	}
	key := MutableKey(item.PublicKey, item.Salt)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.mutable.Get(string(key)); ok {
		old := existing.(MutableItem)
		if item.Seq <= old.Seq {
			return fmt.Errorf("store: stale mutable put: seq %d <= stored seq %d", item.Seq, old.Seq)
		}
	}
	s.mutable.Add(string(key), item)
	return nil
}

// GetMutableByKey returns the mutable item stored directly under key, the
// form a remote get query or a local Get by target key uses (it doesn't
// carry the public key and salt separately, only their combined digest).
func (s *Store) GetMutableByKey(key util.InfoHash) (MutableItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.mutable.Get(string(key))
	if !ok {
		return MutableItem{}, false
	}
	return v.(MutableItem), true
}

// GetMutable returns the most recently stored item for (publicKey, salt).
func (s *Store) GetMutable(publicKey ed25519.PublicKey, salt []byte) (MutableItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.mutable.Get(string(MutableKey(publicKey, salt)))
	if !ok {
		return MutableItem{}, false
	}
	return v.(MutableItem), true
}

// SignMutable produces the signature for a mutable item about to be put,
// given the corresponding secret key. Callers build the MutableItem, call
// SignMutable, then PutMutable (locally) or send it over the wire.
func SignMutable(secretKey ed25519.PrivateKey, salt []byte, seq int64, value []byte) []byte {
	return ed25519.Sign(secretKey, SignaturePayload(salt, seq, value))
}
