package main

import (
	"context"
	"io"
	"net"
	"net/http"
)

// newRedirectTransport builds an http.RoundTripper that ignores whatever
// host the outbound request names and always dials redirectAddr, the
// helper's own TCP→uTP redirect listener.
func newRedirectTransport(redirectAddr string) http.RoundTripper {
	return &http.Transport{
		DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
			return net.Dial("tcp", redirectAddr)
		},
	}
}

// proxyHandler is the helper's browser-facing leg (original_source/
// injector_helper.c's handle_client_request/handle_injector_response): every
// inbound proxy-style request is forwarded, with only its Host header kept
// and Connection: close added, over a fresh connection that always dials
// the redirect listener regardless of the request's actual target host. The
// redirect listener's accept side (rendezvous.Controller.AcceptTCP) is what
// actually gets the request to an injector.
type proxyHandler struct {
	transport http.RoundTripper
}

func (h proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Scheme == "" || r.URL.Host == "" {
		http.Error(w, "Proxy request must carry an absolute URI", http.StatusBadRequest)
		return
	}

	outbound, err := http.NewRequest(r.Method, r.URL.String(), nil)
	if err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	if host := r.Header.Get("Host"); host != "" {
		outbound.Host = host
	} else {
		outbound.Host = r.Host
	}
	outbound.Header.Set("Connection", "close")

	resp, err := h.transport.RoundTrip(outbound)
	if err != nil {
		http.Error(w, "Proxy has no injectors", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
