package client

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/carp-registry/carp/internal/distribution"
)

// Named registry endpoints accepted by the endpoint setting.
const (
	EndpointDevelopment = "development"
	EndpointProduction  = "production"

	DevelopmentURL = "http://localhost:8080"
	ProductionURL  = "https://api.carp.refcell.org"
)

const (
	DefaultTimeout = 30 * time.Second
	MaxTimeout     = 5 * time.Minute
	MaxRetries     = 10
)

// Environment overrides, applied after the config file.
const (
	EnvAPIKey      = "CARP_API_KEY"
	EnvRegistryURL = "CARP_REGISTRY_URL"
	EnvTimeout     = "CARP_TIMEOUT"
)

// RetrySettings configures artifact download retries.
type RetrySettings struct {
	MaxAttempts  int           `yaml:"max_attempts,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
	MaxDelay     time.Duration `yaml:"max_delay,omitempty"`
}

// Settings is the CLI configuration file.
type Settings struct {
	// Endpoint is "development", "production" or an explicit base URL.
	Endpoint         string        `yaml:"endpoint,omitempty"`
	APIKey           string        `yaml:"api_key,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	Retry            RetrySettings `yaml:"retry,omitempty"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes,omitempty"`
	DefaultOutputDir string        `yaml:"default_output_dir,omitempty"`
}

// ConfigPath returns the config file location under configHome.
func ConfigPath(configHome string) string {
	return filepath.Join(configHome, "carp", "config.yaml")
}

// DefaultConfigPath returns the config file location using XDG base directory conventions.
func DefaultConfigPath() string {
	return ConfigPath(xdg.ConfigHome)
}

// LoadSettings reads path. A missing file yields empty settings.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{}
	raw, err := os.ReadFile(path) // #nosec G304 -- path is the user's own config file
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return s, nil
}

// SaveSettings writes s to path, readable by the owner only since it may hold an API key.
func SaveSettings(path string, s *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	raw, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

// Config is the resolved client configuration. It is built once at startup and passed
// explicitly to every component.
type Config struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	Fetch            distribution.FetcherOptions
	DefaultOutputDir string
}

// Resolve applies environment overrides to s and validates the result.
// getenv is os.Getenv outside tests.
func Resolve(s *Settings, getenv func(string) string) (*Config, error) {
	merged := *s
	if v := getenv(EnvRegistryURL); v != "" {
		merged.Endpoint = v
	}
	if v := getenv(EnvAPIKey); v != "" {
		merged.APIKey = v
	}
	if v := getenv(EnvTimeout); v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return nil, err
		}
		merged.Timeout = d
	}

	base, err := ResolveEndpoint(merged.Endpoint)
	if err != nil {
		return nil, err
	}

	timeout := merged.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if timeout < 0 || timeout > MaxTimeout {
		return nil, fmt.Errorf("timeout must be between 1s and %s", MaxTimeout)
	}
	if merged.Retry.MaxAttempts < 0 || merged.Retry.MaxAttempts > MaxRetries {
		return nil, fmt.Errorf("retry.max_attempts must be between 0 and %d", MaxRetries)
	}
	if merged.MaxDownloadBytes < 0 {
		return nil, fmt.Errorf("max_download_bytes must not be negative")
	}

	return &Config{
		BaseURL: base,
		APIKey:  strings.TrimSpace(merged.APIKey),
		Timeout: timeout,
		Fetch: distribution.FetcherOptions{
			RequestTimeout:  timeout,
			MaxAttempts:     merged.Retry.MaxAttempts,
			InitialInterval: merged.Retry.InitialDelay,
			MaxInterval:     merged.Retry.MaxDelay,
			MaxBytes:        merged.MaxDownloadBytes,
		},
		DefaultOutputDir: merged.DefaultOutputDir,
	}, nil
}

// ResolveEndpoint maps a named endpoint to its URL, or validates an explicit one.
// An empty endpoint means production.
func ResolveEndpoint(endpoint string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(endpoint)) {
	case "", EndpointProduction:
		return ProductionURL, nil
	case EndpointDevelopment:
		return DevelopmentURL, nil
	}

	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("endpoint must be %q, %q or an http(s) URL", EndpointDevelopment, EndpointProduction)
	}
	u.RawQuery, u.Fragment = "", ""
	return strings.TrimRight(u.String(), "/"), nil
}

// parseTimeout accepts a Go duration ("45s") or a whole number of seconds.
func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q", EnvTimeout, v)
	}
	return d, nil
}
