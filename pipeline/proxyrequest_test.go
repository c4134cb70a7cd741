package pipeline

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dcdn/dht"
	"dcdn/dht/logger"
)

func TestIsRedirectStatus(t *testing.T) {
	for _, code := range []int{301, 302, 307, 308} {
		if !isRedirectStatus(code) {
			t.Errorf("%d should be a redirect status", code)
		}
	}
	for _, code := range []int{200, 404, 500, 303} {
		if isRedirectStatus(code) {
			t.Errorf("%d should not be a redirect status", code)
		}
	}
}

func TestBuildOutboundCopiesMethodAndFillsDefaultPort(t *testing.T) {
	p := &ProxyRequest{requestURI: "http://example.com/path?q=1", method: "GET"}
	req, err := p.buildOutbound("")
	if err != nil {
		t.Fatalf("buildOutbound: %v", err)
	}
	if req.Host != "example.com:80" {
		t.Errorf("Host = %q, want example.com:80", req.Host)
	}
	if req.URL.Path != "/path" || req.URL.RawQuery != "q=1" {
		t.Errorf("path+query = %q?%q, want /path?q=1", req.URL.Path, req.URL.RawQuery)
	}
}

func TestBuildOutboundCopiesRefererOnly(t *testing.T) {
	p := &ProxyRequest{requestURI: "http://example.com/", method: "GET"}
	req, err := p.buildOutbound("http://referer.example/")
	if err != nil {
		t.Fatalf("buildOutbound: %v", err)
	}
	if got := req.Header.Get("Referer"); got != "http://referer.example/" {
		t.Errorf("Referer = %q, want http://referer.example/", got)
	}
	if len(req.Header) != 1 {
		t.Errorf("outbound request carries extra headers: %v", req.Header)
	}
}

func TestServeStreamsBodyAndPublishesCommitment(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Should-Not-Be-Copied", "nope")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "hello world")
	}))
	defer origin.Close()

	d, err := dht.New(nil)
	if err != nil {
		t.Fatalf("dht.New: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", origin.URL+"/page", nil)
	req.RequestURI = origin.URL + "/page"

	Serve(rec, req, http.DefaultTransport, d, &logger.NullLogger{})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hello world" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "hello world")
	}
	if rec.Header().Get("X-Should-Not-Be-Copied") != "" {
		t.Error("a header outside the whitelist was copied downstream")
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Error("Content-Type was not copied downstream")
	}
	// complete() publishes via d.PutAt, which only enqueues onto a
	// buffered channel the DHT's own loop goroutine drains; with that
	// loop not running in this test, successfully returning from Serve
	// without blocking on a full channel is what we can observe here.
}

func TestRequestURIPassesThroughAbsoluteForm(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com/foo?x=1", nil)
	req.RequestURI = "http://example.com/foo?x=1"
	if got := requestURI(req); got != "http://example.com/foo?x=1" {
		t.Errorf("requestURI = %q, want http://example.com/foo?x=1", got)
	}
}

func TestRequestURIReconstructsOriginForm(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com/foo?x=1", nil)
	req.RequestURI = "/foo?x=1"
	req.Host = "example.com"
	if got := requestURI(req); got != "http://example.com/foo?x=1" {
		t.Errorf("requestURI = %q, want http://example.com/foo?x=1", got)
	}
}

// TestServeHandlesOriginFormRequest exercises the path the helper's own
// tunnel actually produces (net/http.Transport always writes origin-form
// on the wire): no absolute URI in RequestURI, just a path plus a Host
// header. Before reconstructing the absolute URI this 502'd every time.
func TestServeHandlesOriginFormRequest(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "origin-form ok")
	}))
	defer origin.Close()
	host := strings.TrimPrefix(origin.URL, "http://")

	d, err := dht.New(nil)
	if err != nil {
		t.Fatalf("dht.New: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", origin.URL+"/page", nil)
	req.RequestURI = "/page"
	req.Host = host

	Serve(rec, req, http.DefaultTransport, d, &logger.NullLogger{})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "origin-form ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "origin-form ok")
	}
}

func TestStreamBodyDoesNotCorruptResponseOnMidStreamReadError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "partial")
		// Closing the connection here (by returning without writing the
		// remaining declared Content-Length) makes the client's Body.Read
		// surface an unexpected-EOF error partway through the body.
	}))
	defer origin.Close()

	d, err := dht.New(nil)
	if err != nil {
		t.Fatalf("dht.New: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", origin.URL+"/truncated", nil)
	req.RequestURI = origin.URL + "/truncated"

	Serve(rec, req, http.DefaultTransport, d, &logger.NullLogger{})

	// The status line was already committed as 200 before the read error
	// happened; the old code called fail() here, which appended a second
	// "Bad Gateway" status attempt and corrupted the body. The fix must
	// leave the body as exactly what streamed before the error, with no
	// appended error text.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (already committed before the read error)", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "Bad Gateway") {
		t.Errorf("body = %q, must not contain an appended error after headers were sent", rec.Body.String())
	}
}

func TestServeEmitsBadGatewayOnDialFailure(t *testing.T) {
	d, err := dht.New(nil)
	if err != nil {
		t.Fatalf("dht.New: %v", err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "http://127.0.0.1:1/unreachable", nil)
	req.RequestURI = "http://127.0.0.1:1/unreachable"

	Serve(rec, req, http.DefaultTransport, d, &logger.NullLogger{})

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}
