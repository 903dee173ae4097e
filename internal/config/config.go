package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// DefaultRemoteURL is CloudFlare's public relay, the usual third-party
// network to bridge from.
const DefaultRemoteURL = "https://relay-next.cloudflare.mediaoverquic.com"

type Config struct {
	HomeURL           string
	RemoteURL         string
	RegistryURL       string
	RelayToken        string
	PollIntervalSec   int
	BridgeOrigin      string
	NamespaceDomain   string
	AnnounceFirst     bool
	HTTPPort          int
	TelemetryEndpoint string
}

// Load reads configuration from the environment (and .env when present) and
// validates it. Validation failures here are the only fatal error class: with
// a bad URL or credential no bridging is possible at all.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, reading from environment variables")
	}

	cfg := &Config{
		RemoteURL:       DefaultRemoteURL,
		PollIntervalSec: 5,
		BridgeOrigin:    "cloudflare",
		AnnounceFirst:   true,
		HTTPPort:        8081,
	}

	cfg.HomeURL = os.Getenv("HOME_RELAY_URL")
	if v := os.Getenv("REMOTE_RELAY_URL"); v != "" {
		cfg.RemoteURL = v
	}
	cfg.RegistryURL = os.Getenv("STREAM_REGISTRY_URL")
	cfg.RelayToken = os.Getenv("RELAY_TOKEN")
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL %q: %w", v, err)
		}
		cfg.PollIntervalSec = p
	}
	if v := os.Getenv("BRIDGE_ORIGIN"); v != "" {
		cfg.BridgeOrigin = v
	}
	cfg.NamespaceDomain = os.Getenv("NAMESPACE_DOMAIN")
	if v := os.Getenv("ANNOUNCE_FIRST"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ANNOUNCE_FIRST %q: %w", v, err)
		}
		cfg.AnnounceFirst = b
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = p
		}
	}
	cfg.TelemetryEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HomeURL == "" {
		return fmt.Errorf("HOME_RELAY_URL is required")
	}
	home, err := url.Parse(c.HomeURL)
	if err != nil {
		return fmt.Errorf("invalid HOME_RELAY_URL: %w", err)
	}
	if home.Host == "" {
		return fmt.Errorf("HOME_RELAY_URL %q has no host", c.HomeURL)
	}
	if _, err := url.Parse(c.RemoteURL); err != nil {
		return fmt.Errorf("invalid REMOTE_RELAY_URL: %w", err)
	}
	if c.RegistryURL == "" {
		return fmt.Errorf("STREAM_REGISTRY_URL is required")
	}
	if _, err := url.Parse(c.RegistryURL); err != nil {
		return fmt.Errorf("invalid STREAM_REGISTRY_URL: %w", err)
	}
	if c.PollIntervalSec <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %d", c.PollIntervalSec)
	}
	if c.NamespaceDomain == "" {
		c.NamespaceDomain = home.Host
	}
	return nil
}

// HomeDialURL is the home relay URL with the cluster credential attached,
// when one is configured.
func (c *Config) HomeDialURL() (string, error) {
	u, err := url.Parse(c.HomeURL)
	if err != nil {
		return "", fmt.Errorf("invalid HOME_RELAY_URL: %w", err)
	}
	if c.RelayToken != "" {
		q := u.Query()
		q.Set("jwt", c.RelayToken)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
