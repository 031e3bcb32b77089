// Package metrics provides Prometheus instrumentation for steer.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's Prometheus collectors. A nil *Metrics is a valid
// no-op receiver so components can run uninstrumented.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	UpstreamErrors      prometheus.Counter
	ChallengesServed    prometheus.Counter
	CertsIssued         prometheus.Counter
	AcmeFailures        prometheus.Counter
	SelfSignedFallbacks prometheus.Counter
}

// New creates a Metrics instance backed by its own registry, so multiple
// workers (and tests) never collide on collector registration.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "steer"
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total proxied requests by listener protocol and status code",
			},
			[]string{"protocol", "code"},
		),
		UpstreamErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Total backend connect failures and timeouts",
			},
		),
		ChallengesServed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acme_challenges_served_total",
				Help:      "Total HTTP-01 key authorizations served",
			},
		),
		CertsIssued: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "certificates_issued_total",
				Help:      "Total certificates obtained from the ACME CA",
			},
		),
		AcmeFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acme_failures_total",
				Help:      "Total failed ACME issuance attempts",
			},
		),
		SelfSignedFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "self_signed_fallbacks_total",
				Help:      "Total handshakes answered with self-signed material",
			},
		),
	}
}

// ObserveRequest counts one proxied request.
func (m *Metrics) ObserveRequest(protocol string, status int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(protocol, strconv.Itoa(status)).Inc()
}

// IncUpstreamError counts one backend failure.
func (m *Metrics) IncUpstreamError() {
	if m == nil {
		return
	}
	m.UpstreamErrors.Inc()
}

// IncChallengeServed counts one answered HTTP-01 probe.
func (m *Metrics) IncChallengeServed() {
	if m == nil {
		return
	}
	m.ChallengesServed.Inc()
}

// IncCertIssued counts one successful ACME issuance.
func (m *Metrics) IncCertIssued() {
	if m == nil {
		return
	}
	m.CertsIssued.Inc()
}

// IncAcmeFailure counts one failed ACME issuance.
func (m *Metrics) IncAcmeFailure() {
	if m == nil {
		return
	}
	m.AcmeFailures.Inc()
}

// IncSelfSignedFallback counts one self-signed handshake fallback.
func (m *Metrics) IncSelfSignedFallback() {
	if m == nil {
		return
	}
	m.SelfSignedFallbacks.Inc()
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a dedicated /metrics listener until ctx is canceled. The metrics
// surface stays off the proxied ports on purpose.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if m == nil || addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listener started", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
