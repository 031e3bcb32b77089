package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/koltyakov/steer/internal/domain"
)

const (
	accountKeyFile = "account-key.pem"
	registeredFile = ".account-registered"
	accountLock    = ".account-create.lock"

	// Account creation is serialized across peer workers through the lock
	// file; these bound how long a worker spins before giving up.
	lockAcquireTimeout = 5 * time.Second
	lockPollInterval   = 100 * time.Millisecond
	sentinelWait       = 2 * time.Second

	obtainTimeout = 2 * time.Minute
)

// acmeClient is the slice of [acme.Client] the broker needs. Keeping it as an
// interface lets tests drive the full order flow without a network.
type acmeClient interface {
	Register(ctx context.Context, acct *acme.Account, prompt func(tosURL string) bool) (*acme.Account, error)
	AuthorizeOrder(ctx context.Context, ids []acme.AuthzID, opts ...acme.OrderOption) (*acme.Order, error)
	GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	HTTP01ChallengeResponse(token string) (string, error)
	Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error)
	WaitAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	WaitOrder(ctx context.Context, url string) (*acme.Order, error)
	CreateOrderCert(ctx context.Context, finalizeURL string, csr []byte, bundle bool) ([][]byte, string, error)
}

// Broker runs the ACME account lifecycle and single-name HTTP-01 issuance.
// Challenge key authorizations live both in this worker's memory and as files
// under <certs>/.well-known/acme-challenge so whichever peer worker receives
// the validation request can answer it.
type Broker struct {
	dir          string
	directoryURL string
	log          *slog.Logger

	// client stays nil when registration could not be confirmed; every
	// Obtain then fails fast and callers fall back to self-signed.
	client acmeClient

	chalMu     sync.RWMutex
	challenges map[string]string
}

func newBroker(dir, directoryURL string, logger *slog.Logger) *Broker {
	if directoryURL == "" {
		directoryURL = acme.LetsEncryptURL
	}
	return &Broker{
		dir:          dir,
		directoryURL: directoryURL,
		log:          logger,
		challenges:   map[string]string{},
	}
}

// init loads or creates the account key and makes sure the account is
// registered exactly once across all workers. Registration failure is not
// fatal: the broker degrades to self-signed-only operation.
func (b *Broker) init(ctx context.Context) {
	key, err := b.loadOrCreateAccountKey()
	if err != nil {
		b.log.Warn("acme account key unavailable; self-signed fallback only", "err", err)
		return
	}
	client := &acme.Client{Key: key, DirectoryURL: b.directoryURL}
	if b.ensureRegistered(ctx, client) {
		b.client = client
	}
}

func (b *Broker) loadOrCreateAccountKey() (*rsa.PrivateKey, error) {
	path := filepath.Join(b.dir, accountKeyFile)
	if pemBytes, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(pemBytes)
		if block == nil {
			return nil, errors.New("account key: no PEM block")
		}
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// ensureRegistered performs the lock-file/sentinel dance: whichever worker
// wins the exclusive-create on the lock registers the account and writes the
// sentinel; everyone else waits for the sentinel to appear.
func (b *Broker) ensureRegistered(ctx context.Context, client acmeClient) bool {
	sentinel := filepath.Join(b.dir, registeredFile)
	if fileExists(sentinel) {
		return true
	}

	lock := filepath.Join(b.dir, accountLock)
	if b.acquireLock(lock) {
		defer func() { _ = os.Remove(lock) }()

		if fileExists(sentinel) {
			return true
		}
		_, err := client.Register(ctx, &acme.Account{}, func(string) bool { return true })
		if err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
			b.log.Warn("acme account registration failed; self-signed fallback only", "err", err)
			return false
		}
		stamp := time.Now().UTC().Format(time.RFC3339)
		if err := os.WriteFile(sentinel, []byte(stamp), 0o644); err != nil {
			b.log.Warn("failed to write registration sentinel", "err", err)
		}
		b.log.Info("acme account registered", "directory", b.directoryURL)
		return true
	}

	// Another worker holds the lock; wait for it to finish.
	deadline := time.Now().Add(sentinelWait)
	for time.Now().Before(deadline) {
		if fileExists(sentinel) {
			return true
		}
		time.Sleep(lockPollInterval)
	}
	b.log.Warn("acme registration not confirmed by peer worker; self-signed fallback only")
	return false
}

// acquireLock spins on exclusive-create of the lock file.
func (b *Broker) acquireLock(path string) bool {
	deadline := time.Now().Add(lockAcquireTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return true
		}
		if !errors.Is(err, os.ErrExist) {
			b.log.Warn("account lock open failed", "err", err)
			return false
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(lockPollInterval)
	}
}

// Obtain runs one single-name HTTP-01 order for host and returns the PEM
// chain and private key. All failures wrap [domain.ErrAcmeFailure].
func (b *Broker) Obtain(ctx context.Context, host string) (certPEM, keyPEM []byte, err error) {
	if b.client == nil {
		return nil, nil, fmt.Errorf("%w: account not registered", domain.ErrAcmeFailure)
	}
	ctx, cancel := context.WithTimeout(ctx, obtainTimeout)
	defer cancel()

	order, err := b.client.AuthorizeOrder(ctx, acme.DomainIDs(host))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: authorize order: %w", domain.ErrAcmeFailure, err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := b.completeAuthorization(ctx, authzURL); err != nil {
			return nil, nil, err
		}
	}

	order, err = b.client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: wait order: %w", domain.ErrAcmeFailure, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generate key: %w", domain.ErrAcmeFailure, err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: host},
		DNSNames: []string{host},
	}, key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: create csr: %w", domain.ErrAcmeFailure, err)
	}

	der, _, err := b.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: finalize: %w", domain.ErrAcmeFailure, err)
	}

	var chain []byte
	for _, block := range der {
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: block})...)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return chain, keyPEM, nil
}

// completeAuthorization publishes the HTTP-01 challenge for one authorization
// and waits for the CA to validate it.
func (b *Broker) completeAuthorization(ctx context.Context, authzURL string) error {
	authz, err := b.client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("%w: get authorization: %w", domain.ErrAcmeFailure, err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var challenge *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			challenge = c
			break
		}
	}
	if challenge == nil {
		return fmt.Errorf("%w: no http-01 challenge offered", domain.ErrAcmeFailure)
	}

	keyAuth, err := b.client.HTTP01ChallengeResponse(challenge.Token)
	if err != nil {
		return fmt.Errorf("%w: challenge response: %w", domain.ErrAcmeFailure, err)
	}

	b.putChallenge(challenge.Token, keyAuth)
	defer b.removeChallenge(challenge.Token)

	if _, err := b.client.Accept(ctx, challenge); err != nil {
		return fmt.Errorf("%w: accept challenge: %w", domain.ErrAcmeFailure, err)
	}
	if _, err := b.client.WaitAuthorization(ctx, authz.URI); err != nil {
		return fmt.Errorf("%w: wait authorization: %w", domain.ErrAcmeFailure, err)
	}
	return nil
}

// putChallenge stores the key authorization in memory and mirrors it to the
// shared challenge directory for peer workers.
func (b *Broker) putChallenge(token, keyAuth string) {
	b.chalMu.Lock()
	b.challenges[token] = keyAuth
	b.chalMu.Unlock()

	path := filepath.Join(challengeDir(b.dir), token)
	if err := os.WriteFile(path, []byte(keyAuth), 0o644); err != nil {
		b.log.Warn("failed to write challenge file", "token", token, "err", err)
	}
}

func (b *Broker) removeChallenge(token string) {
	b.chalMu.Lock()
	delete(b.challenges, token)
	b.chalMu.Unlock()

	_ = os.Remove(filepath.Join(challengeDir(b.dir), token))
}

// ChallengeResponse looks the token up in memory, then in the shared
// challenge directory.
func (b *Broker) ChallengeResponse(token string) (string, bool) {
	if token == "" || strings.ContainsAny(token, "/\\") || strings.Contains(token, "..") {
		return "", false
	}

	b.chalMu.RLock()
	keyAuth, ok := b.challenges[token]
	b.chalMu.RUnlock()
	if ok {
		return keyAuth, true
	}

	bts, err := os.ReadFile(filepath.Join(challengeDir(b.dir), token))
	if err != nil {
		return "", false
	}
	return string(bts), true
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
