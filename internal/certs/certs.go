// Package certs implements the TLS certificate broker: on-disk and in-memory
// certificate storage, on-demand ACME issuance with self-signed fallback, and
// the SNI callback that ties both into the TLS handshake.
package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/steer/internal/domain"
	"github.com/koltyakov/steer/internal/metrics"
	"github.com/koltyakov/steer/internal/netutil"
)

const (
	// renewalWindow forces reissue once a certificate is within 30 days of
	// expiry: IsValid treats such material as already stale.
	renewalWindow = 30 * 24 * time.Hour

	selfSignedTTL = 365 * 24 * time.Hour
	rsaKeyBits    = 2048

	// selfSignedOrg is the sentinel organization that marks generated
	// material as not CA-issued.
	selfSignedOrg = "Test"

	// Per-host ACME throttling.
	attemptMinInterval = 5 * time.Minute
	attemptCeiling     = 5

	// Single-flight wait for a concurrent issuance of the same host.
	processingWait = 30 * time.Second
	processingPoll = 100 * time.Millisecond

	defaultCertName = "default"
)

type cacheEntry struct {
	cert tls.Certificate
	leaf *x509.Certificate
}

// Manager owns the certs directory and the per-worker in-memory certificate
// cache. Disk is the source of truth; the cache only saves rereads and keeps
// a known-good entry alive while a renewal is in flight.
type Manager struct {
	dir    string
	log    *slog.Logger
	met    *metrics.Metrics
	broker *Broker

	mu    sync.RWMutex
	cache map[string]cacheEntry

	procMu     sync.Mutex
	processing map[string]struct{}

	attemptMu sync.Mutex
	attempts  map[string]*attemptState
}

type attemptState struct {
	last  time.Time
	count int
}

// New prepares the certs directory, initializes the ACME broker (account key,
// registration sentinel, challenge directory), preloads unexpired on-disk
// certificates into the cache, and ensures the default certificate exists.
func New(ctx context.Context, dir, acmeDirectoryURL string, logger *slog.Logger, met *metrics.Metrics) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCertLoad, err)
	}
	if err := os.MkdirAll(challengeDir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCertLoad, err)
	}

	m := &Manager{
		dir:        dir,
		log:        logger,
		met:        met,
		cache:      map[string]cacheEntry{},
		processing: map[string]struct{}{},
		attempts:   map[string]*attemptState{},
	}
	m.broker = newBroker(dir, acmeDirectoryURL, logger)
	m.broker.init(ctx)

	m.preloadDiskCerts()

	if _, err := m.Default(); err != nil {
		return nil, err
	}
	return m, nil
}

// preloadDiskCerts walks *.crt files and caches every pair whose certificate
// has not expired yet. Unreadable pairs are skipped with a warning.
func (m *Manager) preloadDiskCerts() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.log.Warn("certs directory scan failed", "dir", m.dir, "err", err)
		return
	}
	now := time.Now()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".crt") {
			continue
		}
		host := strings.TrimSuffix(name, ".crt")
		cert, leaf, err := m.loadKeyPair(host)
		if err != nil {
			m.log.Warn("skipping unreadable certificate", "host", host, "err", err)
			continue
		}
		if now.After(leaf.NotAfter) {
			continue
		}
		m.install(host, cert, leaf)
	}
	m.log.Info("certificate cache primed", "count", len(m.cache))
}

// Default returns the static listener certificate (CN=localhost), generating
// and persisting it on first use.
func (m *Manager) Default() (tls.Certificate, error) {
	if cert, leaf, err := m.loadKeyPair(defaultCertName); err == nil {
		m.install(defaultCertName, cert, leaf)
		return cert, nil
	}
	cert, leaf, err := m.generateSelfSigned("localhost", defaultCertName)
	if err != nil {
		return tls.Certificate{}, err
	}
	m.install(defaultCertName, cert, leaf)
	return cert, nil
}

// Ensure is the primary certificate entry point: it returns usable TLS
// material for host, consulting disk, then the cache, then wildcard material
// for the apex, and finally ACME when the host is authorized. Every failure
// path degrades to a freshly generated self-signed certificate so the
// handshake still completes.
func (m *Manager) Ensure(ctx context.Context, host string, authorized bool) (tls.Certificate, error) {
	host = netutil.NormalizeHost(host)
	if host == "" {
		return m.Default()
	}

	// Disk first: another worker may have completed issuance already.
	if cert, leaf, err := m.loadKeyPair(host); err == nil && IsValid(leaf) {
		if IsReal(leaf) {
			m.install(host, cert, leaf)
			return cert, nil
		}
		if cached, ok := m.cached(host); ok && IsReal(cached.leaf) && IsValid(cached.leaf) {
			return cached.cert, nil
		}
		m.install(host, cert, leaf)
		return cert, nil
	}

	if cached, ok := m.cached(host); ok && IsValid(cached.leaf) {
		return cached.cert, nil
	}
	m.evict(host)

	// A strict subdomain can ride on wildcard material placed on disk for
	// its apex. Wildcards are never requested, only served.
	apex := Apex(host)
	if host != apex && host != "www."+apex {
		wildcardName := "wildcard." + apex
		if cached, ok := m.cached(wildcardName); ok && IsValid(cached.leaf) {
			m.install(host, cached.cert, cached.leaf)
			return cached.cert, nil
		}
		if cert, leaf, err := m.loadKeyPair(wildcardName); err == nil && IsValid(leaf) {
			m.install(host, cert, leaf)
			return cert, nil
		}
	}

	if !authorized {
		return m.selfSignedFallback(host)
	}

	// Concurrent callers for the same host wait on the winner instead of
	// racing the CA; only the winner consumes a rate-limit slot.
	if !m.beginProcessing(host) {
		return m.awaitProcessing(host)
	}
	defer m.endProcessing(host)

	// An issuance may have completed between the cache check and the gate.
	if cached, ok := m.cached(host); ok && IsValid(cached.leaf) {
		return cached.cert, nil
	}

	if !m.reserveAttempt(host) {
		m.log.Warn("acme attempt rate limited", "host", host)
		return m.selfSignedFallback(host)
	}

	certPEM, keyPEM, err := m.broker.Obtain(ctx, host)
	if err != nil {
		m.log.Warn("acme issuance failed", "host", host, "err", err)
		m.met.IncAcmeFailure()
		return m.selfSignedFallback(host)
	}

	if err := m.persistKeyPair(host, certPEM, keyPEM); err != nil {
		m.log.Warn("failed to persist issued certificate", "host", host, "err", err)
	}
	cert, leaf, err := parseKeyPair(certPEM, keyPEM)
	if err != nil {
		m.log.Error("issued certificate unparseable", "host", host, "err", err)
		return m.selfSignedFallback(host)
	}
	m.install(host, cert, leaf)
	m.met.IncCertIssued()
	m.log.Info("certificate issued", "host", host, "not_after", leaf.NotAfter.UTC().Format(time.RFC3339))
	return cert, nil
}

// ChallengeResponse resolves an HTTP-01 token to its key authorization,
// checking this worker's memory first and the shared challenge directory
// second, so any worker can answer a validation request.
func (m *Manager) ChallengeResponse(token string) (string, bool) {
	return m.broker.ChallengeResponse(token)
}

// IsValid reports whether now falls inside [NotBefore, NotAfter - 30d).
// Certificates inside the renewal window count as invalid so access triggers
// reissue while the old material still works.
func IsValid(leaf *x509.Certificate) bool {
	if leaf == nil {
		return false
	}
	now := time.Now()
	return !now.Before(leaf.NotBefore) && now.Before(leaf.NotAfter.Add(-renewalWindow))
}

// IsReal reports whether the certificate came from a CA: the subject differs
// from the issuer and the organization is not the self-signed sentinel.
func IsReal(leaf *x509.Certificate) bool {
	if leaf == nil {
		return false
	}
	if leaf.Subject.String() == leaf.Issuer.String() {
		return false
	}
	for _, org := range leaf.Subject.Organization {
		if org == selfSignedOrg {
			return false
		}
	}
	return true
}

func (m *Manager) cached(key string) (cacheEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.cache[key]
	return e, ok
}

func (m *Manager) install(key string, cert tls.Certificate, leaf *x509.Certificate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key] = cacheEntry{cert: cert, leaf: leaf}
}

func (m *Manager) evict(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
}

// reserveAttempt enforces the per-host ACME throttles: at most one attempt
// per five minutes and at most five attempts for the life of the process.
func (m *Manager) reserveAttempt(host string) bool {
	m.attemptMu.Lock()
	defer m.attemptMu.Unlock()

	now := time.Now()
	st, ok := m.attempts[host]
	if !ok {
		m.attempts[host] = &attemptState{last: now, count: 1}
		return true
	}
	if now.Sub(st.last) < attemptMinInterval {
		return false
	}
	if st.count >= attemptCeiling {
		return false
	}
	st.last = now
	st.count++
	return true
}

func (m *Manager) beginProcessing(host string) bool {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	if _, busy := m.processing[host]; busy {
		return false
	}
	m.processing[host] = struct{}{}
	return true
}

func (m *Manager) endProcessing(host string) {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	delete(m.processing, host)
}

// awaitProcessing polls for the result of a concurrent issuance of the same
// host and falls back to self-signed if nothing lands in time.
func (m *Manager) awaitProcessing(host string) (tls.Certificate, error) {
	deadline := time.Now().Add(processingWait)
	for time.Now().Before(deadline) {
		m.procMu.Lock()
		_, busy := m.processing[host]
		m.procMu.Unlock()
		if !busy {
			break
		}
		time.Sleep(processingPoll)
	}
	if cached, ok := m.cached(host); ok && IsValid(cached.leaf) {
		return cached.cert, nil
	}
	return m.selfSignedFallback(host)
}

// selfSignedFallback generates, persists, and caches a self-signed
// certificate for host. If generation itself fails the default certificate is
// the last resort; no static key material is ever embedded.
func (m *Manager) selfSignedFallback(host string) (tls.Certificate, error) {
	m.met.IncSelfSignedFallback()
	cert, leaf, err := m.generateSelfSigned(host, host)
	if err != nil {
		m.log.Error("self-signed generation failed", "host", host, "err", err)
		return m.Default()
	}
	m.install(host, cert, leaf)
	return cert, nil
}

// generateSelfSigned creates a 2048-bit RSA self-signed certificate for
// commonName, valid one year, and persists it under fileName.crt/.key.
func (m *Manager) generateSelfSigned(commonName, fileName string) (tls.Certificate, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("%w: generate key: %w", domain.ErrCertLoad, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("%w: serial: %w", domain.ErrCertLoad, err)
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{selfSignedOrg},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(selfSignedTTL),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{commonName},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("%w: create certificate: %w", domain.ErrCertLoad, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := m.persistKeyPair(fileName, certPEM, keyPEM); err != nil {
		return tls.Certificate{}, nil, err
	}
	return parseKeyPair(certPEM, keyPEM)
}

func (m *Manager) certPath(name string) string {
	return filepath.Join(m.dir, sanitizeName(name)+".crt")
}

func (m *Manager) keyPath(name string) string {
	return filepath.Join(m.dir, sanitizeName(name)+".key")
}

func (m *Manager) loadKeyPair(name string) (tls.Certificate, *x509.Certificate, error) {
	certPEM, err := os.ReadFile(m.certPath(name))
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("%w: %w", domain.ErrCertLoad, err)
	}
	keyPEM, err := os.ReadFile(m.keyPath(name))
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("%w: %w", domain.ErrCertLoad, err)
	}
	return parseKeyPair(certPEM, keyPEM)
}

// persistKeyPair writes the pair atomically enough for peer workers:
// last-writer-wins is acceptable because concurrent writers hold logically
// equivalent material for the same host.
func (m *Manager) persistKeyPair(name string, certPEM, keyPEM []byte) error {
	if err := os.WriteFile(m.certPath(name), certPEM, 0o644); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCertLoad, err)
	}
	if err := os.WriteFile(m.keyPath(name), keyPEM, 0o600); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCertLoad, err)
	}
	return nil
}

func parseKeyPair(certPEM, keyPEM []byte) (tls.Certificate, *x509.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("%w: %w", domain.ErrCertLoad, err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("%w: %w", domain.ErrCertLoad, err)
	}
	cert.Leaf = leaf
	return cert, leaf, nil
}

// sanitizeName keeps host-derived file names inside the certs directory.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "*", "wildcard")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}

func challengeDir(dir string) string {
	return filepath.Join(dir, ".well-known", "acme-challenge")
}
