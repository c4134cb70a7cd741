// Command helper is the browser-facing half of the system (spec §4.4, §6):
// it listens for proxy-style HTTP requests, forwards each one over a
// loopback hop that its own TCP→uTP redirect listener splices to a
// randomly chosen injector discovered through the DHT.
//
// Modeled on original_source/injector_helper.c's proxy_create/
// start_taking_requests/start_tcp_to_utp_redirect: three sockets (the
// shared DHT/uTP UDP socket, the redirect TCP listener, and the
// browser-facing HTTP listener), the last two distinct ports.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"dcdn/dht"
	"dcdn/dht/logger"
	"dcdn/reactor"
	"dcdn/rendezvous"

	"github.com/sirupsen/logrus"
)

// clientListenPort is the browser-facing proxy port, original_source/
// injector_helper.c's start_taking_requests default.
const clientListenPort = 5678

func usage() {
	fmt.Fprintf(os.Stderr, "\nUsage:\n    %s [options] -p <listening-port>\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Options:\n")
	fmt.Fprintf(os.Stderr, "    -h          Help\n")
	fmt.Fprintf(os.Stderr, "    -p <port>   Local port (DHT/uTP; the redirect listener takes an ephemeral port)\n")
	fmt.Fprintf(os.Stderr, "    -s <IP>     Source IP\n")
	fmt.Fprintf(os.Stderr, "    -l <port>   Browser-facing proxy port (default %d)\n\n", clientListenPort)
	os.Exit(1)
}

func main() {
	os.Exit(run())
}

func run() int {
	address := flag.String("s", "0.0.0.0", "Source IP")
	port := flag.Int("p", 0, "Local port")
	listenPort := flag.Int("l", clientListenPort, "Browser-facing proxy port")
	help := flag.Bool("h", false, "Help")
	flag.Usage = usage
	flag.Parse()

	if *help || *port == 0 {
		usage()
	}

	log := logger.NewLogrusLogger(logrus.InfoLevel)

	d, err := dht.New(dht.NewConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "helper: dht.New: %v\n", err)
		return 1
	}
	d.DebugLogger = log

	r, err := reactor.Setup(*address, *port, d, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "helper: reactor.Setup: %v\n", err)
		return 1
	}
	defer r.Close()

	d.Attach(r.Conn())
	if err := d.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "helper: dht.Start: %v\n", err)
		return 1
	}
	defer d.Stop()

	controller := rendezvous.NewController(r, d, log)
	controller.Start()
	defer controller.Stop()

	go acceptRedirectLoop(r, controller, log)

	redirectAddr := r.TCPAddr().String()

	clientAddr := &net.TCPAddr{IP: net.ParseIP(*address), Port: *listenPort}
	srv := &http.Server{
		Addr:    clientAddr.String(),
		Handler: proxyHandler{transport: newRedirectTransport(redirectAddr)},
	}
	ln, err := net.ListenTCP("tcp4", clientAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "helper: client listen: %v\n", err)
		return 1
	}
	go srv.Serve(ln)
	defer srv.Close()

	log.Infof("helper: listening on %v (proxy on %v, redirect on %v)", r.LocalAddr(), clientAddr, redirectAddr)
	return r.Run()
}

// acceptRedirectLoop drains the reactor's TCP listener, the helper's
// redirect socket (original_source/injector_helper.c's listener_cb): every
// accepted connection is spliced over uTP to a randomly chosen injector.
func acceptRedirectLoop(r *reactor.Reactor, controller *rendezvous.Controller, log logger.DebugLogger) {
	for conn := range r.Accepted() {
		controller.AcceptTCP(conn)
	}
}
