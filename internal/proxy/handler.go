package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/koltyakov/steer/internal/domain"
	"github.com/koltyakov/steer/internal/netutil"
)

const acmeChallengePrefix = "/.well-known/acme-challenge/"

// Handler returns the shared request handler used by both listeners.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// handle evaluates the request short-circuits in their fixed order (health,
// ACME challenge), then routes by host and path. No error may escape to
// crash the worker; panics map to 500.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("handler panic", "panic", rec, "stack", string(debug.Stack()))
			textResponse(w, http.StatusInternalServerError, "Internal Server Error")
		}
	}()

	if r.URL.Path == "/health" {
		textResponse(w, http.StatusOK, "OK")
		return
	}

	if token, ok := strings.CutPrefix(r.URL.Path, acmeChallengePrefix); ok {
		if keyAuth, found := s.certs.ChallengeResponse(token); found {
			s.met.IncChallengeServed()
			textResponse(w, http.StatusOK, keyAuth)
			return
		}
		textResponse(w, http.StatusNotFound, "Challenge not found")
		return
	}

	proto := schemeOf(r)
	host := netutil.NormalizeHost(r.Host)
	if host == "" {
		s.met.ObserveRequest(proto, http.StatusBadRequest)
		textResponse(w, http.StatusBadRequest, "Missing Host header")
		return
	}

	if s.cfg.ForceHTTPS && r.TLS == nil && !hasForwardedHTTPS(r.Header) {
		location := "https://" + host + r.URL.RequestURI()
		w.Header().Set("Location", location)
		w.WriteHeader(http.StatusMovedPermanently)
		return
	}

	m, err := s.store.Get(r.Context(), host, r.URL.Path)
	if errors.Is(err, domain.ErrRouteNotFound) {
		if netutil.IsUpgradeRequest(r.Header) {
			// Unroutable upgrades die silently on the raw socket.
			s.destroyConnection(w)
			return
		}
		s.met.ObserveRequest(proto, http.StatusNotFound)
		textResponse(w, http.StatusNotFound, "Not Found")
		return
	}
	if err != nil {
		s.log.Error("mapping lookup failed", "host", host, "err", err)
		s.met.ObserveRequest(proto, http.StatusInternalServerError)
		textResponse(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if r.TLS != nil {
		// The handshake already produced usable material; this detached call
		// only warms the cache and triggers renewal inside the 30-day window.
		go func() {
			_, _ = s.certs.Ensure(context.Background(), host, true)
		}()
	}

	target, err := TargetURL(m, r.URL.Path, r.URL.RawQuery)
	if err != nil {
		s.log.Error("target build failed", "host", host, "mapping", m.ID, "err", err)
		s.met.ObserveRequest(proto, http.StatusInternalServerError)
		textResponse(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if netutil.IsUpgradeRequest(r.Header) {
		s.proxyUpgrade(w, r, target)
		return
	}
	s.proxyHTTP(w, r, target, proto)
}

// proxyHTTP streams one exchange through the shared transport. Bodies are
// never buffered whole; trailers and chunked responses pass through.
func (s *Server) proxyHTTP(w http.ResponseWriter, r *http.Request, target *url.URL, proto string) {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = target
			// The backend sees the public Host; the socket goes to the target.
			pr.Out.Host = pr.In.Host

			// Seed the outbound chain so SetXForwarded appends rather than
			// replaces the caller-supplied hops.
			if prior := pr.In.Header.Get("X-Forwarded-For"); prior != "" {
				pr.Out.Header.Set("X-Forwarded-For", prior)
			}
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Proto", proto)
			pr.Out.Header.Set("X-Forwarded-Host", pr.In.Host)
			pr.Out.Header.Set("X-Forwarded-Port", forwardedPort(pr.In))
		},
		Transport:     s.transport,
		FlushInterval: 100 * time.Millisecond,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Error("upstream failure", "host", r.Host, "target", target.String(), "err", err)
			s.met.IncUpstreamError()
			s.met.ObserveRequest(proto, http.StatusBadGateway)
			textResponse(w, http.StatusBadGateway, "Bad Gateway")
		},
	}

	rec := &statusRecorder{ResponseWriter: w}
	rp.ServeHTTP(rec, r)
	if rec.status != 0 && rec.status != http.StatusBadGateway {
		s.met.ObserveRequest(proto, rec.status)
	}
}

// destroyConnection tears down the underlying TCP connection without writing
// a response.
func (s *Server) destroyConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

// schemeOf implements the forwarded-proto contract: https iff the connection
// itself is TLS or an upstream proxy already marked it as such.
func schemeOf(r *http.Request) string {
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		return "https"
	}
	return "http"
}

// hasForwardedHTTPS recognizes the header conventions of TLS-terminating
// proxies in front of us, so force-HTTPS does not redirect in a loop.
func hasForwardedHTTPS(h http.Header) bool {
	if h.Get("X-Forwarded-Proto") == "https" {
		return true
	}
	if h.Get("X-Forwarded-Ssl") == "on" {
		return true
	}
	if h.Get("Front-End-Https") == "on" {
		return true
	}
	return false
}

func forwardedPort(r *http.Request) string {
	if _, port, err := net.SplitHostPort(strings.TrimSpace(r.Host)); err == nil && port != "" {
		return port
	}
	if r.TLS != nil {
		return "443"
	}
	return "80"
}

func textResponse(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// statusRecorder captures the status code for metrics while staying
// transparent to flushing via Unwrap.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
