// Package pipeline implements the injector's inbound request handling
// (spec §4.5): parse, dial origin, stream the response back to the
// client while hashing it, follow redirects by replacing the in-flight
// request, and publish a URL→content-hash commitment to the DHT on
// completion.
//
// Grounded on original_source/injector.c's header_cb/error_cb/
// request_header_whitelist pairing; translated from evhttp's callback
// registration into Go's http.RoundTripper plus an explicit streaming
// copy loop, since net/http's client already gives us chunked transfer
// without libevent's buffered-event plumbing.
package pipeline

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"dcdn/dht"
	"dcdn/dht/logger"
	"dcdn/dht/util"
)

// maxRedirects bounds how many times one inbound request may be replaced
// by a redirect-following ProxyRequest (spec §4.5: "recommended cap: 10").
const maxRedirects = 10

// responseHeaderWhitelist is copied from the origin's response to the
// downstream reply, nothing else (spec §4.5 step 5).
var responseHeaderWhitelist = []string{"Content-Length", "Content-Type"}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// ProxyRequest carries one inbound request through to completion. A
// redirect replaces it with a fresh ProxyRequest that takes over the
// downstream handle; the original's depth is inherited plus one, and the
// original's completion becomes a no-op once replaced (spec §5,
// Cancellation).
type ProxyRequest struct {
	downstream http.ResponseWriter
	requestURI string
	method     string

	depth     int
	replaced  bool
	transport http.RoundTripper

	log logger.DebugLogger
	dht *dht.DHT
}

// Serve drives req through to completion: dial the origin, stream the
// response downstream while hashing it, follow redirects, and publish a
// commitment when the body finishes cleanly.
//
// The inbound request-target may arrive in either form. A browser talking
// to the helper's proxy sends absolute-form (r.RequestURI already carries
// scheme and host), but the helper's own tunnel to this injector is a
// splice.Bridge fed by net/http.Transport on the far end, which always
// writes origin-form on the wire (path only, host moved to the Host
// header) — net/http.Server decodes that into r.RequestURI = path and
// r.Host = the header value. requestURI below reconstructs the absolute
// form from those two in the origin-form case, so buildOutbound and the
// published commitment key always see the same absolute URI regardless of
// which leg the request came in on.
func Serve(w http.ResponseWriter, r *http.Request, transport http.RoundTripper, d *dht.DHT, log logger.DebugLogger) {
	p := &ProxyRequest{
		downstream: w,
		requestURI: requestURI(r),
		method:     r.Method,
		transport:  transport,
		log:        log,
		dht:        d,
	}
	p.run(r.Header.Get("Referer"))
}

// requestURI returns the absolute request URI a proxied request was for,
// reconstructing it from the Host header when r arrived in origin-form.
func requestURI(r *http.Request) string {
	if strings.HasPrefix(r.RequestURI, "http://") || strings.HasPrefix(r.RequestURI, "https://") {
		return r.RequestURI
	}
	return "http://" + r.Host + r.RequestURI
}

func (p *ProxyRequest) run(referer string) {
	outbound, err := p.buildOutbound(referer)
	if err != nil {
		p.fail()
		return
	}
	resp, err := p.transport.RoundTrip(outbound)
	if err != nil {
		p.log.Debugf("pipeline: origin request for %s failed: %v", p.requestURI, err)
		p.fail()
		return
	}
	defer resp.Body.Close()
	p.handleResponse(outbound, resp)
}

// buildOutbound constructs the origin request per spec §4.5 steps 1-3:
// same method and path-plus-query, Referer copied, Host overwritten,
// every other inbound header dropped, scheme-default port filled in when
// absent.
func (p *ProxyRequest) buildOutbound(referer string) (*http.Request, error) {
	u, err := url.ParseRequestURI(p.requestURI)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("pipeline: request URI %q has no host", p.requestURI)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		u.Host = net.JoinHostPort(u.Host, port)
	}

	req, err := http.NewRequest(p.method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Host = u.Host
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	return req, nil
}

func (p *ProxyRequest) handleResponse(outbound *http.Request, resp *http.Response) {
	if isRedirectStatus(resp.StatusCode) {
		loc := resp.Header.Get("Location")
		if loc != "" && p.depth < maxRedirects {
			p.followRedirect(outbound, loc)
			return
		}
		if loc != "" {
			p.log.Debugf("pipeline: redirect depth cap hit for %s", p.requestURI)
		}
	}
	p.streamBody(resp)
}

// followRedirect replaces this ProxyRequest with a fresh one that takes
// over the downstream handle; the original is marked replaced so its own
// completion path becomes a no-op (spec §4.5 step 5, §5 Cancellation).
func (p *ProxyRequest) followRedirect(outbound *http.Request, location string) {
	target, err := outbound.URL.Parse(location)
	if err != nil {
		p.fail()
		return
	}
	next := &ProxyRequest{
		downstream: p.downstream,
		requestURI: target.String(),
		method:     p.method,
		depth:      p.depth + 1,
		transport:  p.transport,
		log:        p.log,
		dht:        p.dht,
	}
	p.replaced = true
	next.run(outbound.Header.Get("Referer"))
}

// streamBody is spec §4.5 steps 5-7: copy the response headers whitelist,
// begin a chunked downstream reply, feed every chunk through a streaming
// BLAKE2b-256 hash in arrival order, and on clean completion publish the
// URL→content commitment.
func (p *ProxyRequest) streamBody(resp *http.Response) {
	if p.replaced {
		return
	}
	for _, h := range responseHeaderWhitelist {
		if v := resp.Header.Get(h); v != "" {
			p.downstream.Header().Set(h, v)
		}
	}
	p.downstream.WriteHeader(resp.StatusCode)

	hash := util.NewContentHash()
	sent := 0
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			hash.Write(chunk)
			if _, werr := p.downstream.Write(chunk); werr != nil {
				p.log.Debugf("pipeline: downstream write failed for %s: %v", p.requestURI, werr)
				return
			}
			sent += n
			if flusher, ok := p.downstream.(http.Flusher); ok {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			p.complete(hash)
			return
		}
		if err != nil {
			p.log.Debugf("pipeline: origin read failed for %s after %d bytes: %v", p.requestURI, sent, err)
			// The status line is already committed by this point
			// (WriteHeader above ran before this loop started), so
			// there is nothing left to do but end the chunked reply
			// without publishing (spec §4.5 step 8): a second
			// WriteHeader call here would not change the response
			// status, only corrupt the body with an appended error.
			return
		}
	}
}

// complete finalizes the hash and publishes the URL→content-hash
// commitment (spec §4.5 step 7, §5.1 Open Question resolution 1): the
// target is the low 20 bytes of BLAKE2b-256(request_uri), the value is
// the full 32-byte content hash.
func (p *ProxyRequest) complete(hash *util.ContentHash) {
	sum := hash.Sum()
	key := util.HashURLKey(p.requestURI)
	p.dht.PutAt(key, sum[:])
}

// fail emits 502 if nothing has been sent downstream yet (spec §4.5
// step 8); otherwise there is nothing to do, the chunked reply already
// ended without a completion.
func (p *ProxyRequest) fail() {
	if p.replaced {
		return
	}
	http.Error(p.downstream, "Bad Gateway", http.StatusBadGateway)
}
