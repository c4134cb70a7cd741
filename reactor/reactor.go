// Package reactor implements the single-threaded I/O loop: one UDP socket
// shared between uTP and the DHT, one TCP listener, and a timer scheduler,
// all driven from one goroutine's tick (spec §4.1, §5).
//
// Grounded on the teacher's DHT.loop (dht/dht.go) for the channel-select
// shape, and on original_source/network.c's network_poll/network_loop for
// the demux-then-timers-then-deadline sequencing. Go's goroutine model
// doesn't give us a literal single OS thread the way the C source's libevent
// loop does; this package keeps the spec's ordering and ownership
// invariants (one thread drives all DHT/timer/demux state) by running
// exactly one goroutine that owns the Reactor, and exposes Post for other
// goroutines (such as the rendezvous controller's DHT-results reader) to
// hand work back onto it instead of touching Reactor state directly.
package reactor

import (
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dcdn/dht/logger"
	"dcdn/utp"
)

// DHTEngine is the collaborator contract the DHT engine must satisfy (spec
// §4.2) for the reactor to drive it. dht.DHT.ProcessUDP implements this.
type DHTEngine interface {
	ProcessUDP(b []byte, from *net.UDPAddr) bool
}

// pollCeiling bounds how long one tick blocks waiting on the UDP socket,
// the Go translation of spec §4.1's 500ms poll() ceiling.
const pollCeiling = 500 * time.Millisecond

const maxUDPPacket = 4096

// Reactor owns the shared UDP socket, the TCP listener, the uTP context,
// and the timer scheduler. Every other component in this module holds only
// borrowed references valid for the duration of a tick (spec §3,
// Ownership).
type Reactor struct {
	conn        *net.UDPConn
	tcpListener *net.TCPListener
	UTP         *utp.Context
	dht         DHTEngine
	Sched       *Scheduler
	log         logger.DebugLogger

	tcpAccepted chan *net.TCPConn
	jobs        chan func()

	stop    chan struct{}
	sigints int
}

// Setup binds the shared UDP socket on bindPort and the TCP listener on an
// ephemeral port (see TCPAddr). A bind failure is a Configuration error
// (spec §7): fatal, the caller should exit 1.
func Setup(bindAddr string, bindPort int, dht DHTEngine, log logger.DebugLogger) (*Reactor, error) {
	udpAddr := &net.UDPAddr{IP: net.ParseIP(bindAddr), Port: bindPort}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}
	tcpAddr := &net.TCPAddr{IP: net.ParseIP(bindAddr), Port: 0}
	tcpListener, err := net.ListenTCP("tcp4", tcpAddr)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r := &Reactor{
		conn:        conn,
		tcpListener: tcpListener,
		dht:         dht,
		log:         log,
		tcpAccepted: make(chan *net.TCPConn, 16),
		jobs:        make(chan func(), 64),
		stop:        make(chan struct{}),
	}
	r.UTP = utp.NewContext(conn, log)
	r.Sched = NewScheduler()
	go r.acceptLoop()
	return r, nil
}

// LocalAddr returns the bound UDP address (useful when bindPort was 0).
func (r *Reactor) LocalAddr() *net.UDPAddr { return r.conn.LocalAddr().(*net.UDPAddr) }

// Conn returns the shared UDP socket, for a DHTEngine to Attach to so its
// own outbound traffic (queries, replies, bootstrap pings) goes out the
// same socket the reactor reads (spec §5, "the UDP socket is shared
// between uTP and DHT").
func (r *Reactor) Conn() *net.UDPConn { return r.conn }

// TCPAddr returns the bound TCP listener address.
func (r *Reactor) TCPAddr() *net.TCPAddr { return r.tcpListener.Addr().(*net.TCPAddr) }

// Accepted is drained by whichever role (helper or injector) owns the
// reactor's TCP listener.
func (r *Reactor) Accepted() <-chan *net.TCPConn { return r.tcpAccepted }

// Post schedules fn to run on the reactor's own tick, for other goroutines
// (the rendezvous controller's DHT-results reader, for one) that need to
// touch reactor-owned state without a lock.
func (r *Reactor) Post(fn func()) {
	select {
	case r.jobs <- fn:
	case <-r.stop:
	}
}

func (r *Reactor) acceptLoop() {
	for {
		conn, err := r.tcpListener.AcceptTCP()
		if err != nil {
			return
		}
		select {
		case r.tcpAccepted <- conn:
		case <-r.stop:
			conn.Close()
			return
		}
	}
}

// tick is one poll cycle (spec §4.1): drain the UDP socket with a 500ms
// ceiling, demux every datagram (uTP first, then DHT, else drop+log),
// flush uTP's deferred acks and timeouts, run any posted jobs, then fire
// due timers.
func (r *Reactor) tick() {
	deadline := time.Now().Add(pollCeiling)
	r.conn.SetReadDeadline(deadline)
	buf := make([]byte, maxUDPPacket)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			r.log.Errorf("reactor: fatal socket error: %v", err)
			r.Shutdown()
			return
		}
		b := append([]byte(nil), buf[:n]...)
		r.dispatch(b, addr)
	}

	r.UTP.IssueDeferredAcks()
	r.UTP.CheckTimeouts()

	r.drainJobs()
	r.Sched.fire(time.Now())
}

func (r *Reactor) dispatch(b []byte, addr *net.UDPAddr) {
	if r.UTP.ProcessUDP(b, addr) {
		return
	}
	if r.dht != nil && r.dht.ProcessUDP(b, addr) {
		return
	}
	r.log.Debugf("reactor: dropping unrecognised datagram from %v", addr)
}

func (r *Reactor) drainJobs() {
	for {
		select {
		case fn := <-r.jobs:
			fn()
		default:
			return
		}
	}
}

// Shutdown sets the shutdown flag polled once per tick (spec §5,
// "Cancellation"); Run observes it and cancels every owned timer before
// returning.
func (r *Reactor) Shutdown() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// Run loops tick until the shutdown flag is set by SIGINT, per spec §4.1
// and §8 scenario F: the first SIGINT begins shutdown and returns exit
// code 1; a second SIGINT received before Run returns yields exit code 2.
// §6 separately describes a clean signal-driven shutdown as exiting 0;
// scenario F's own numbers are followed here since it's the more specific
// of the two.
func (r *Reactor) Run() int {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			r.Shutdown()
			r.Sched.CancelAll()
			select {
			case <-sigCh:
				return 2
			default:
				return 1
			}
		case <-r.stop:
			r.Sched.CancelAll()
			return 0
		default:
		}
		r.tick()
	}
}

// Close releases the UDP socket and TCP listener. Call after Run returns.
func (r *Reactor) Close() error {
	r.Shutdown()
	err1 := r.conn.Close()
	err2 := r.tcpListener.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
