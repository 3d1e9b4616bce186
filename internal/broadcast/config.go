package broadcast

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config stores connectivity information for the streaming provider.
type Config struct {
	BaseURL       string
	Token         string
	KeySecret     string
	Mode          string
	HTTPClient    *http.Client
	Timeout       time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
}

const (
	// ModeHTTP talks to the provider's REST API.
	ModeHTTP = "http"
	// ModeStatic derives keys locally from a shared secret; useful when the
	// media server validates keys with the same secret and no control API
	// exists.
	ModeStatic = "static"
)

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:       strings.TrimSpace(os.Getenv("CLASSCAST_PROVIDER_API")),
		Token:         strings.TrimSpace(os.Getenv("CLASSCAST_PROVIDER_TOKEN")),
		KeySecret:     strings.TrimSpace(os.Getenv("CLASSCAST_PROVIDER_KEY_SECRET")),
		Mode:          strings.TrimSpace(os.Getenv("CLASSCAST_PROVIDER_MODE")),
		Timeout:       10 * time.Second,
		MaxAttempts:   2,
		RetryInterval: 500 * time.Millisecond,
	}

	if timeout := strings.TrimSpace(os.Getenv("CLASSCAST_PROVIDER_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse CLASSCAST_PROVIDER_TIMEOUT: %w", err)
		}
		if parsed > 0 {
			cfg.Timeout = parsed
		}
	}

	if attempts := strings.TrimSpace(os.Getenv("CLASSCAST_PROVIDER_MAX_ATTEMPTS")); attempts != "" {
		parsed, err := strconv.Atoi(attempts)
		if err != nil {
			return Config{}, fmt.Errorf("parse CLASSCAST_PROVIDER_MAX_ATTEMPTS: %w", err)
		}
		if parsed > 0 {
			cfg.MaxAttempts = parsed
		}
	}

	if interval := strings.TrimSpace(os.Getenv("CLASSCAST_PROVIDER_RETRY_INTERVAL")); interval != "" {
		parsed, err := time.ParseDuration(interval)
		if err != nil {
			return Config{}, fmt.Errorf("parse CLASSCAST_PROVIDER_RETRY_INTERVAL: %w", err)
		}
		if parsed >= 0 {
			cfg.RetryInterval = parsed
		}
	}

	if cfg.Mode == "" {
		cfg.Mode = ModeHTTP
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether enough configuration has been provided to mint real
// stream keys.
func (c Config) Enabled() bool {
	if !c.hasAnyConfig() {
		return false
	}
	return len(c.missingRequiredFields()) == 0
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if !c.hasAnyConfig() {
		return nil
	}
	switch c.Mode {
	case "", ModeHTTP, ModeStatic:
	default:
		return fmt.Errorf("unknown provider mode %q", c.Mode)
	}
	if missing := c.missingRequiredFields(); len(missing) > 0 {
		return fmt.Errorf("missing provider configuration: %s", strings.Join(missing, ", "))
	}
	if c.MaxAttempts <= 0 {
		return errors.New("provider max attempts must be positive")
	}
	if c.RetryInterval < 0 {
		return errors.New("provider retry interval cannot be negative")
	}
	return nil
}

func (c Config) hasAnyConfig() bool {
	return c.BaseURL != "" || c.Token != "" || c.KeySecret != ""
}

func (c Config) missingRequiredFields() []string {
	missing := make([]string, 0, 2)
	switch c.Mode {
	case ModeStatic:
		if c.KeySecret == "" {
			missing = append(missing, "CLASSCAST_PROVIDER_KEY_SECRET")
		}
	default:
		if c.BaseURL == "" {
			missing = append(missing, "CLASSCAST_PROVIDER_API")
		}
		if c.Token == "" {
			missing = append(missing, "CLASSCAST_PROVIDER_TOKEN")
		}
	}
	return missing
}

// NewProvider constructs the Provider selected by Mode. An empty
// configuration yields a NoopProvider.
func (c Config) NewProvider() (Provider, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if !c.Enabled() {
		return NoopProvider{}, nil
	}
	if c.Mode == ModeStatic {
		return NewStaticProvider(c.KeySecret), nil
	}
	return c.NewHTTPProvider()
}

// NewHTTPProvider constructs a Provider backed by the provider's REST API.
func (c Config) NewHTTPProvider() (*HTTPProvider, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	provider := &HTTPProvider{config: c}
	if provider.config.HTTPClient == nil {
		provider.config.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return provider, nil
}
