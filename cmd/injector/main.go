// Command injector is the fetch-and-publish half of the system (spec §4.5,
// §6): it answers inbound uTP connections from helpers by splicing them to
// its own local HTTP pipeline, which fetches the requested URL from its real
// origin, streams the response back while hashing it, and publishes a
// URL→content-hash commitment to the DHT.
//
// Modeled on examples/find_infohash_and_wait/main.go's flag/usage style and
// on original_source/injector.c's main(): a UTP_ON_ACCEPT callback that
// wires every inbound uTP socket to a loopback TCP connection aimed at its
// own evhttp server on port 8005, plus a 6-hour repeating self-announce.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"dcdn/dht"
	"dcdn/dht/logger"
	"dcdn/pipeline"
	"dcdn/reactor"
	"dcdn/splice"
	"dcdn/swarm"

	"github.com/sirupsen/logrus"
)

// localPipelinePort is the loopback TCP port the injector's own HTTP
// pipeline listens on; every accepted uTP socket is spliced to a fresh
// connection against this port, the Go translation of original_source/
// injector.c's evhttp server bound to 127.0.0.1:8005.
const localPipelinePort = 8005

// selfAnnounceInterval matches original_source/injector.c's
// timer_repeating(n, 6 * 60 * 60 * 1000, ...): the injector re-announces
// itself under the injector swarm every 6 hours, armed only once Start
// succeeds, never on an immediate first fire.
const selfAnnounceInterval = 6 * time.Hour

func usage() {
	fmt.Fprintf(os.Stderr, "\nUsage:\n    %s [options] -p <listening-port>\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Options:\n")
	fmt.Fprintf(os.Stderr, "    -h          Help\n")
	fmt.Fprintf(os.Stderr, "    -p <port>   Local port\n")
	fmt.Fprintf(os.Stderr, "    -s <IP>     Source IP\n\n")
	os.Exit(1)
}

func main() {
	os.Exit(run())
}

func run() int {
	address := flag.String("s", "0.0.0.0", "Source IP")
	port := flag.Int("p", 0, "Local port")
	help := flag.Bool("h", false, "Help")
	flag.Usage = usage
	flag.Parse()

	if *help || *port == 0 {
		usage()
	}

	log := logger.NewLogrusLogger(logrus.InfoLevel)

	d, err := dht.New(dht.NewConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "injector: dht.New: %v\n", err)
		return 1
	}
	d.DebugLogger = log

	r, err := reactor.Setup(*address, *port, d, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "injector: reactor.Setup: %v\n", err)
		return 1
	}
	defer r.Close()

	d.Attach(r.Conn())
	if err := d.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "injector: dht.Start: %v\n", err)
		return 1
	}
	defer d.Stop()

	pipelineAddr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: localPipelinePort}
	srv := &http.Server{
		Addr: pipelineAddr.String(),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			pipeline.Serve(w, req, http.DefaultTransport, d, log)
		}),
	}
	ln, err := net.ListenTCP("tcp4", pipelineAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "injector: pipeline listen: %v\n", err)
		return 1
	}
	go srv.Serve(ln)
	defer srv.Close()

	go acceptLoop(r, pipelineAddr, log)

	r.Sched.Repeating(selfAnnounceInterval, func() {
		d.Announce(swarm.InjectorSwarm)
	})

	log.Infof("injector: listening on %v (pipeline on %v)", r.LocalAddr(), pipelineAddr)
	return r.Run()
}

// acceptLoop is this program's translation of utp_on_accept: every inbound
// uTP socket (from a helper dialing this injector) is spliced to a fresh
// loopback TCP connection against the local pipeline server.
func acceptLoop(r *reactor.Reactor, pipelineAddr *net.TCPAddr, log logger.DebugLogger) {
	for sock := range r.UTP.Accepted() {
		log.Debugf("injector: accepted inbound uTP socket")
		if _, err := splice.UTPConnectTCP(sock, pipelineAddr, log); err != nil {
			log.Errorf("injector: splicing accepted socket to pipeline: %v", err)
			sock.Close()
		}
	}
}
