package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/koltyakov/steer/internal/config"
	"github.com/koltyakov/steer/internal/netutil"
)

// proxyUpgrade forwards a Connection: Upgrade handshake (WebSocket or
// otherwise) by hijacking the client socket, replaying the request toward
// the target, and splicing both directions byte-for-byte. Subprotocol and
// custom headers pass through untouched; the 101 travels inside the splice.
func (s *Server) proxyUpgrade(w http.ResponseWriter, r *http.Request, target *url.URL) {
	backend, err := net.DialTimeout("tcp", target.Host, config.DefaultUpstreamDial)
	if err != nil {
		s.log.Error("upstream connect failed", "target", target.Host, "err", err)
		s.met.IncUpstreamError()
		textResponse(w, http.StatusBadGateway, "Bad Gateway")
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = backend.Close()
		textResponse(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		_ = backend.Close()
		s.log.Error("hijack failed", "err", err)
		return
	}

	outHeader := r.Header.Clone()
	netutil.RemoveHopByHopHeadersPreserveUpgrade(outHeader)
	appendForwardedFor(outHeader, r.RemoteAddr)
	outHeader.Set("X-Forwarded-Host", r.Host)
	outHeader.Set("X-Forwarded-Proto", schemeOf(r))
	outHeader.Set("X-Forwarded-Port", forwardedPort(r))

	var req bytes.Buffer
	fmt.Fprintf(&req, "%s %s HTTP/1.1\r\n", r.Method, target.RequestURI())
	fmt.Fprintf(&req, "Host: %s\r\n", r.Host)
	if err := outHeader.Write(&req); err != nil {
		_ = backend.Close()
		_ = clientConn.Close()
		return
	}
	req.WriteString("\r\n")

	if _, err := backend.Write(req.Bytes()); err != nil {
		s.log.Error("upgrade request write failed", "target", target.Host, "err", err)
		_ = backend.Close()
		_ = clientConn.Close()
		return
	}

	// Splice until either side closes; closing both cancels the peer copy so
	// a client disconnect tears down the upstream immediately.
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(backend, clientBuf)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(clientConn, backend)
		done <- struct{}{}
	}()
	<-done
	_ = backend.Close()
	_ = clientConn.Close()
	<-done
}

// appendForwardedFor extends the X-Forwarded-For chain with the peer address.
func appendForwardedFor(h http.Header, remoteAddr string) {
	ip := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		ip = host
	}
	if ip == "" {
		return
	}
	if existing := h.Get("X-Forwarded-For"); existing != "" {
		h.Set("X-Forwarded-For", existing+", "+ip)
		return
	}
	h.Set("X-Forwarded-For", ip)
}
