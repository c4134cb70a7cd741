package reactor

import (
	"net"
	"sync"
	"testing"

	"dcdn/dht/logger"
)

// fakeDHT is a DHTEngine stub that records every datagram routed to it and
// answers claimed according to a configurable predicate.
type fakeDHT struct {
	mu      sync.Mutex
	claim   bool
	claimed [][]byte
}

func (f *fakeDHT) ProcessUDP(b []byte, from *net.UDPAddr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed = append(f.claimed, append([]byte(nil), b...))
	return f.claim
}

func (f *fakeDHT) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claimed)
}

func newTestReactor(t *testing.T, dht DHTEngine) *Reactor {
	t.Helper()
	r, err := Setup("127.0.0.1", 0, dht, &logger.NullLogger{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestDispatchRoutesUnclaimedDatagramToDHT(t *testing.T) {
	fd := &fakeDHT{claim: true}
	r := newTestReactor(t, fd)

	// A bencoded dict's leading byte 'd' decodes to a uTP type nibble (6)
	// outside stData..stSyn (0..4), so the uTP context always declines it
	// and it falls through to the DHT, same as a real KRPC packet would.
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
	r.dispatch([]byte("d1:ad2:id20:aaaaaaaaaaaaaaaaaaaaee"), addr)

	if fd.count() != 1 {
		t.Fatalf("DHT.ProcessUDP called %d times, want 1", fd.count())
	}
}

func TestDispatchDropsDatagramNeitherSideClaims(t *testing.T) {
	fd := &fakeDHT{claim: false}
	r := newTestReactor(t, fd)

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
	r.dispatch([]byte("garbage"), addr)

	if fd.count() != 1 {
		t.Fatalf("DHT.ProcessUDP called %d times, want 1", fd.count())
	}
}

func TestPostAndDrainJobsRunsQueuedFunc(t *testing.T) {
	r := newTestReactor(t, &fakeDHT{})

	ran := make(chan struct{}, 1)
	r.Post(func() { ran <- struct{}{} })
	r.drainJobs()

	select {
	case <-ran:
	default:
		t.Fatal("posted job was not run by drainJobs")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	r := newTestReactor(t, &fakeDHT{})

	r.Shutdown()
	r.Shutdown() // must not panic or double-close r.stop

	select {
	case <-r.stop:
	default:
		t.Fatal("stop channel was not closed")
	}
}

func TestRunReturnsZeroWhenAlreadyShutDown(t *testing.T) {
	r := newTestReactor(t, &fakeDHT{})
	r.Shutdown()

	if got := r.Run(); got != 0 {
		t.Errorf("Run() = %d, want 0", got)
	}
}

func TestConnAndLocalAddrAgree(t *testing.T) {
	r := newTestReactor(t, &fakeDHT{})

	if r.Conn().LocalAddr().String() != r.LocalAddr().String() {
		t.Error("Conn() and LocalAddr() disagree on the bound address")
	}
}
