// Package rendezvous implements the helper's injector discovery and
// announce state machine (spec §4.4), grounded on
// original_source/injector_helper.c's dht_get_peers/dht_announce wiring and
// its per-injector bookkeeping.
package rendezvous

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"dcdn/dht"
	"dcdn/dht/logger"
	"dcdn/dht/util"
	"dcdn/reactor"
	"dcdn/splice"
	"dcdn/swarm"
)

// discoveryIdleInterval and discoveryActiveInterval are the two cadences a
// discovery tick re-arms itself at: one minute when the known set is
// empty, twenty five minutes once it's not (spec §4.4).
const (
	discoveryIdleInterval   = 1 * time.Minute
	discoveryActiveInterval = 25 * time.Minute
	announceInterval        = 1 * time.Hour

	// discoverySettle is how long a discovery tick waits for get_peers
	// results to trickle in before deciding the lookup is done and
	// scheduling the next one. The teacher's DHT never signals lookup
	// completion explicitly (spec §4.2 describes an idealized terminal
	// empty-peer callback the teacher's iterative, node-driven lookup
	// doesn't model) so this settle window is the Go translation: long
	// enough for a few rounds of UDP round trips, short enough not to
	// stall the "no stacked discoveries" invariant.
	discoverySettle = 5 * time.Second
)

// Controller owns the helper's view of the injector swarm: which
// endpoints are known, their lifecycle state, and the discovery/announce
// timers that keep that view current.
type Controller struct {
	reactor *reactor.Reactor
	dht     *dht.DHT
	log     logger.DebugLogger
	rng     *rand.Rand

	mu         sync.Mutex
	injectors  map[util.Endpoint]*InjectorRecord
	generation int

	discoveryTimer *reactor.Timer
	announceTimer  *reactor.Timer
}

// NewController wires a controller to an already-running reactor and DHT.
// The caller must call Start once the reactor's tick loop is live.
func NewController(r *reactor.Reactor, d *dht.DHT, log logger.DebugLogger) *Controller {
	c := &Controller{
		reactor:   r,
		dht:       d,
		log:       log,
		rng:       rand.New(rand.NewSource(1)),
		injectors: make(map[util.Endpoint]*InjectorRecord),
	}
	go c.readResults()
	return c
}

// Start arms the first discovery tick immediately. Discovery and announce
// ticks don't stack: each one only arms the next once it has finished
// (spec §4.4, "at most one outstanding discovery at a time").
func (c *Controller) Start() {
	c.reactor.Post(func() {
		c.discoveryTimer = c.reactor.Sched.Start(0, c.runDiscovery)
	})
}

// Stop cancels both timers, so no callback fires after the helper that
// owns this controller has gone away (spec §4.6's destruction contract).
func (c *Controller) Stop() {
	c.reactor.Post(func() {
		c.reactor.Sched.Cancel(c.discoveryTimer)
		c.reactor.Sched.Cancel(c.announceTimer)
	})
}

// readResults drains the DHT's shared peer-discovery channel and routes
// each batch by which swarm it was found under. It runs on its own
// goroutine (the DHT delivers here from its own loop) and immediately
// hands off to the reactor so every mutation of controller state happens
// on one thread.
func (c *Controller) readResults() {
	for result := range c.dht.PeersRequestResults {
		for ih, peers := range result {
			batch := decodePeers(peers)
			switch ih {
			case swarm.InjectorSwarm:
				c.reactor.Post(func() { c.mergeDiscovered(batch) })
			case swarm.InjectorProxySwarm:
				c.log.Debugf("rendezvous: helper announce acknowledged by %d peers", len(batch))
			}
		}
	}
}

func decodePeers(compact []string) []util.Endpoint {
	out := make([]util.Endpoint, 0, len(compact))
	for _, rec := range compact {
		ep, ok := util.DecodeCompactEndpoint([]byte(rec))
		if !ok || ep.IsZero() {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// runDiscovery issues a get_peers lookup under the injector swarm, then
// arms a settle timer to let results arrive before re-scheduling the next
// discovery tick.
func (c *Controller) runDiscovery() {
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()

	c.dht.GetPeers(swarm.InjectorSwarm)
	c.discoveryTimer = c.reactor.Sched.Start(discoverySettle, c.scheduleNextDiscovery)
}

func (c *Controller) scheduleNextDiscovery() {
	interval := discoveryActiveInterval
	if c.knownCount() == 0 {
		interval = discoveryIdleInterval
	}
	c.discoveryTimer = c.reactor.Sched.Start(interval, c.runDiscovery)
}

// mergeDiscovered folds one discovery batch into the known set: new
// endpoints are added as Known, duplicates are no-ops, the all-zero
// endpoint never reaches here (decodePeers already dropped it), and an
// endpoint still cooling down from a recent eviction is skipped until at
// least one full discovery cycle has passed.
func (c *Controller) mergeDiscovered(peers []util.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.activeCountLocked()
	for _, ep := range peers {
		if rec, ok := c.injectors[ep]; ok {
			if rec.State == StateEvicted && c.generation <= rec.evictedAtGeneration {
				continue
			}
			if rec.State == StateEvicted {
				rec.State = StateKnown
				rec.consecutiveFailures = 0
			}
			continue
		}
		c.injectors[ep] = &InjectorRecord{Endpoint: ep, State: StateKnown}
	}
	after := c.activeCountLocked()

	if before == 0 && after > 0 {
		c.startAnnouncingLocked()
	}
}

func (c *Controller) activeCountLocked() int {
	n := 0
	for _, rec := range c.injectors {
		if rec.State != StateEvicted {
			n++
		}
	}
	return n
}

func (c *Controller) knownCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCountLocked()
}

// startAnnouncingLocked begins the helper's own announce under
// injector_proxy_swarm: fires immediately, then hourly (spec §4.4).
// Must be called with mu held and from the reactor goroutine (Sched.Start
// touches reactor-owned state).
func (c *Controller) startAnnouncingLocked() {
	if c.announceTimer != nil {
		return
	}
	c.announceOnce()
	c.announceTimer = c.reactor.Sched.Repeating(announceInterval, c.announceOnce)
}

func (c *Controller) announceOnce() {
	c.dht.Announce(swarm.InjectorProxySwarm)
}

// stopAnnouncingIfEmpty cancels and nulls the announce timer once the
// known set drops back to zero, per the Open Question resolution recorded
// in DESIGN.md: unlike the original source, this implementation does stop
// announcing rather than leaving a dangling timer.
func (c *Controller) stopAnnouncingIfEmpty() {
	c.mu.Lock()
	empty := c.activeCountLocked() == 0
	timer := c.announceTimer
	if empty {
		c.announceTimer = nil
	}
	c.mu.Unlock()
	if empty && timer != nil {
		c.reactor.Sched.Cancel(timer)
	}
}

// PickRandom selects uniformly among every tracked injector that isn't
// currently evicted (spec §4.4's pick_random).
func (c *Controller) PickRandom() (util.Endpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidates := make([]util.Endpoint, 0, len(c.injectors))
	for _, rec := range c.injectors {
		if rec.State != StateEvicted {
			candidates = append(candidates, rec.Endpoint)
		}
	}
	if len(candidates) == 0 {
		return util.Endpoint{}, false
	}
	return candidates[c.rng.Intn(len(candidates))], true
}

// MarkConnected transitions an injector to InUse on a successful
// connection, resetting its failure count.
func (c *Controller) MarkConnected(ep util.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.injectors[ep]; ok {
		rec.State = StateInUse
		rec.consecutiveFailures = 0
	}
}

// MarkFailed records a connect refusal or transport error against ep
// (spec §4.4): InUse moves to Failing on the first failure, and three
// consecutive failures evict it, starting its cooldown generation.
func (c *Controller) MarkFailed(ep util.Endpoint) {
	c.mu.Lock()
	rec, ok := c.injectors[ep]
	if !ok {
		c.mu.Unlock()
		return
	}
	rec.State = StateFailing
	rec.consecutiveFailures++
	evicted := rec.consecutiveFailures >= maxConsecutiveFailures
	if evicted {
		rec.State = StateEvicted
		rec.evictedAtGeneration = c.generation
	}
	empty := c.activeCountLocked() == 0
	c.mu.Unlock()

	if empty {
		c.stopAnnouncingIfEmpty()
	}
}

// AcceptTCP is the TCP→uTP redirect listener's accept path (spec §6,
// supplemented from original_source/injector_helper.c's
// start_tcp_to_utp_redirect/listener_cb): pick a random injector and
// splice the freshly accepted connection to a fresh uTP stream toward it.
func (c *Controller) AcceptTCP(tcp *net.TCPConn) {
	ep, ok := c.PickRandom()
	if !ok {
		c.log.Debugf("rendezvous: redirect accept with no known injector, dropping")
		tcp.Close()
		return
	}
	addr := &net.UDPAddr{IP: net.IP(ep.IP[:]), Port: int(ep.Port)}
	bridge, err := splice.TCPConnectUTP(tcp, c.reactor.UTP, addr, c.log)
	if err != nil {
		c.log.Debugf("rendezvous: uTP connect to %v failed: %v", ep, err)
		c.MarkFailed(ep)
		tcp.Close()
		return
	}
	c.MarkConnected(ep)
	_ = bridge
}
