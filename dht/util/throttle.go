package util

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// ClientThrottle protects the DHT engine from spammy clients (spec §2,
// "Client throttler"). It tracks a packet count per source host in an LRU
// of bounded size and blocks hosts that exceed ClientPerMinuteLimit packets
// within the current minute window. The window resets on its own ticker so
// CheckBlock stays a cheap, lock-protected map lookup on the hot path.
type ClientThrottle struct {
	mu          sync.Mutex
	perMinute   int
	counts      *lru.Cache
	stop        chan struct{}
	stopOnce    sync.Once
	resetTicker *time.Ticker
}

// NewThrottler creates a throttle that tracks up to trackedClients distinct
// hosts and blocks any host sending more than perMinute packets per minute.
// A non-positive perMinute disables throttling entirely.
func NewThrottler(perMinute int, trackedClients int64) *ClientThrottle {
	t := &ClientThrottle{
		perMinute: perMinute,
		counts:    lru.New(int(trackedClients)),
		stop:      make(chan struct{}),
	}
	if perMinute > 0 {
		t.resetTicker = time.NewTicker(time.Minute)
		go t.resetLoop()
	}
	return t
}

func (t *ClientThrottle) resetLoop() {
	for {
		select {
		case <-t.resetTicker.C:
			t.mu.Lock()
			t.counts = lru.New(t.counts.MaxEntries)
			t.mu.Unlock()
		case <-t.stop:
			return
		}
	}
}

// CheckBlock increments the packet count for host and returns false if host
// must now be dropped (over the limit), true if the packet may be
// processed.
func (t *ClientThrottle) CheckBlock(host string) bool {
	if t.perMinute <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var count int
	if c, ok := t.counts.Get(host); ok {
		count = c.(int)
	}
	count++
	t.counts.Add(host, count)
	return count <= t.perMinute
}

// Stop releases the reset ticker. Idempotent.
func (t *ClientThrottle) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		if t.resetTicker != nil {
			t.resetTicker.Stop()
		}
	})
}
