package rendezvous

import (
	"math/rand"
	"testing"

	"dcdn/dht"
	"dcdn/dht/util"
	"dcdn/reactor"
)

// newTestController builds a Controller with just enough state for the
// bookkeeping methods (mergeDiscovered, PickRandom, MarkConnected,
// MarkFailed) to run without a reactor tick loop. Its DHT is never
// attached to a socket, so the announce mergeDiscovered issues when the
// first injector appears only queues a request. It deliberately skips
// NewController so no goroutine is spawned reading the DHT's results
// channel.
func newTestController() *Controller {
	d, err := dht.New(nil)
	if err != nil {
		panic(err)
	}
	return &Controller{
		reactor:   &reactor.Reactor{Sched: reactor.NewScheduler()},
		dht:       d,
		rng:       rand.New(rand.NewSource(1)),
		injectors: make(map[util.Endpoint]*InjectorRecord),
	}
}

func testEndpoint(a, b, c, d byte, port uint16) util.Endpoint {
	return util.Endpoint{IP: [4]byte{a, b, c, d}, Port: port}
}

func TestMergeDiscoveredAddsNewAsKnown(t *testing.T) {
	c := newTestController()
	ep := testEndpoint(1, 2, 3, 4, 5000)

	c.mergeDiscovered([]util.Endpoint{ep})

	rec, ok := c.injectors[ep]
	if !ok {
		t.Fatal("endpoint was not recorded")
	}
	if rec.State != StateKnown {
		t.Errorf("state = %v, want Known", rec.State)
	}
}

func TestMergeDiscoveredDedupsExisting(t *testing.T) {
	c := newTestController()
	ep := testEndpoint(1, 2, 3, 4, 5000)

	c.mergeDiscovered([]util.Endpoint{ep})
	c.MarkConnected(ep)
	c.mergeDiscovered([]util.Endpoint{ep})

	if c.injectors[ep].State != StateInUse {
		t.Error("rediscovering a known endpoint must not reset its state")
	}
	if len(c.injectors) != 1 {
		t.Errorf("got %d records, want 1", len(c.injectors))
	}
}

func TestPickRandomExcludesEvicted(t *testing.T) {
	c := newTestController()
	alive := testEndpoint(1, 1, 1, 1, 1)
	dead := testEndpoint(2, 2, 2, 2, 2)
	c.injectors[alive] = &InjectorRecord{Endpoint: alive, State: StateKnown}
	c.injectors[dead] = &InjectorRecord{Endpoint: dead, State: StateEvicted}

	for i := 0; i < 20; i++ {
		got, ok := c.PickRandom()
		if !ok {
			t.Fatal("PickRandom found nothing despite a live candidate")
		}
		if got == dead {
			t.Fatal("PickRandom returned an evicted endpoint")
		}
	}
}

func TestPickRandomEmptySet(t *testing.T) {
	c := newTestController()
	if _, ok := c.PickRandom(); ok {
		t.Error("PickRandom on an empty set should report nothing found")
	}
}

func TestMarkFailedThreeTimesEvicts(t *testing.T) {
	c := newTestController()
	ep := testEndpoint(1, 2, 3, 4, 5000)
	c.injectors[ep] = &InjectorRecord{Endpoint: ep, State: StateInUse}

	c.MarkFailed(ep)
	if c.injectors[ep].State != StateFailing {
		t.Fatalf("after 1 failure: state = %v, want Failing", c.injectors[ep].State)
	}
	c.MarkFailed(ep)
	if c.injectors[ep].State != StateFailing {
		t.Fatalf("after 2 failures: state = %v, want Failing", c.injectors[ep].State)
	}
	c.MarkFailed(ep)
	if c.injectors[ep].State != StateEvicted {
		t.Fatalf("after 3 failures: state = %v, want Evicted", c.injectors[ep].State)
	}
}

func TestMarkConnectedResetsFailureCount(t *testing.T) {
	c := newTestController()
	ep := testEndpoint(1, 2, 3, 4, 5000)
	c.injectors[ep] = &InjectorRecord{Endpoint: ep, State: StateInUse}

	c.MarkFailed(ep)
	c.MarkFailed(ep)
	c.MarkConnected(ep)
	c.MarkFailed(ep)
	c.MarkFailed(ep)

	if c.injectors[ep].State == StateEvicted {
		t.Error("a successful connection should have reset the failure streak, not let it carry into eviction")
	}
}

func TestMergeDiscoveredSkipsEvictedDuringCooldown(t *testing.T) {
	c := newTestController()
	ep := testEndpoint(1, 2, 3, 4, 5000)
	c.injectors[ep] = &InjectorRecord{Endpoint: ep, State: StateInUse}
	c.MarkFailed(ep)
	c.MarkFailed(ep)
	c.MarkFailed(ep) // now evicted at generation 0

	c.mergeDiscovered([]util.Endpoint{ep}) // still generation 0: same cycle, must not reinstate

	if c.injectors[ep].State != StateEvicted {
		t.Error("an endpoint must not be reinstated within the discovery cycle it was evicted in")
	}

	c.generation++
	c.mergeDiscovered([]util.Endpoint{ep}) // next cycle: eligible again

	if c.injectors[ep].State != StateKnown {
		t.Errorf("state after cooldown = %v, want Known", c.injectors[ep].State)
	}
}

func TestDecodePeersDropsAllZero(t *testing.T) {
	zero := make([]byte, 6)
	real := util.EncodeCompactEndpoint(testEndpoint(10, 0, 0, 1, 80))

	got := decodePeers([]string{string(zero), string(real)})

	if len(got) != 1 {
		t.Fatalf("got %d endpoints, want 1 (all-zero must be dropped)", len(got))
	}
	if got[0].Port != 80 {
		t.Errorf("got port %d, want 80", got[0].Port)
	}
}
