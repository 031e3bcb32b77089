// Package config resolves the steer runtime configuration from environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Production / development port defaults per NODE_ENV.
const (
	defaultHTTPPort      = 8080
	defaultHTTPSPort     = 8443
	productionHTTPPort   = 80
	productionHTTPSPort  = 443
	defaultDBPath        = "./data/current.db"
	defaultCertsDir      = "./certs"
	defaultACMEDirectory = "https://acme-v02.api.letsencrypt.org/directory"

	// DefaultUpstreamDial bounds backend connection establishment.
	DefaultUpstreamDial = 30 * time.Second
	// DefaultUpstreamIdle bounds the wait for upstream response headers.
	DefaultUpstreamIdle = 30 * time.Second
	// ShutdownDrainTimeout bounds graceful listener shutdown.
	ShutdownDrainTimeout = 5 * time.Second
)

// Config carries every runtime knob for a worker or supervisor process.
// Zero ports mean "use the NODE_ENV default"; Normalize resolves them.
type Config struct {
	HTTPPort         int    `env:"HTTP_PORT"`
	HTTPSPort        int    `env:"HTTPS_PORT"`
	EnableHTTPSRaw   string `env:"ENABLE_HTTPS"`
	ForceHTTPS       bool   `env:"FORCE_HTTPS"`
	DBPath           string `env:"DB_PATH"`
	CertsDir         string `env:"CERTS_DIR"`
	ACMEDirectoryURL string `env:"ACME_DIRECTORY_URL"`
	LogLevel         string `env:"LOG_LEVEL"`
	Env              string `env:"NODE_ENV"`
	WorkerID         int    `env:"WORKER_ID" envDefault:"-1"`
	MetricsPort      int    `env:"METRICS_PORT"`

	EnableHTTPS bool `env:"-"`
}

// Parse reads the environment and resolves all defaults.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Normalize fills NODE_ENV-dependent defaults and validates ranges.
func (c *Config) Normalize() error {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Env != "development" && c.Env != "production" {
		return errors.New("NODE_ENV must be development or production")
	}

	production := c.Env == "production"
	if c.HTTPPort == 0 {
		c.HTTPPort = defaultHTTPPort
		if production {
			c.HTTPPort = productionHTTPPort
		}
	}
	if c.HTTPSPort == 0 {
		c.HTTPSPort = defaultHTTPSPort
		if production {
			c.HTTPSPort = productionHTTPSPort
		}
	}
	if err := validPort(c.HTTPPort, "HTTP_PORT"); err != nil {
		return err
	}
	if err := validPort(c.HTTPSPort, "HTTPS_PORT"); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.EnableHTTPSRaw)) {
	case "":
		c.EnableHTTPS = production
	case "true", "1", "yes":
		c.EnableHTTPS = true
	case "false", "0", "no":
		c.EnableHTTPS = false
	default:
		return errors.New("ENABLE_HTTPS must be true or false")
	}

	if c.DBPath == "" {
		c.DBPath = defaultDBPath
	}
	if c.CertsDir == "" {
		c.CertsDir = defaultCertsDir
	}
	if c.ACMEDirectoryURL == "" {
		c.ACMEDirectoryURL = defaultACMEDirectory
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsPort != 0 {
		if err := validPort(c.MetricsPort, "METRICS_PORT"); err != nil {
			return err
		}
	}
	return nil
}

func validPort(p int, name string) error {
	if p < 1 || p > 65535 {
		return errors.New(name + " must be between 1 and 65535, got " + strconv.Itoa(p))
	}
	return nil
}
