package session

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"authsession/securestore"
)

// Hardcoded timeout and token defaults
const (
	DefaultDiscoveryTimeout = 10 * time.Second
	DefaultTokenTimeout     = 30 * time.Second
	DefaultAuthorizeTimeout = 5 * time.Minute
	DefaultAPITimeout       = 10 * time.Second
	DefaultExpiresIn        = 3600
	DefaultTokenType        = "Bearer"
)

// DefaultScopes are requested when the config names none.
var DefaultScopes = []string{"openid", "email"}

// Config captures the full client configuration loaded from YAML and environment variables.
type Config struct {
	OAuth     OAuthConfig        `yaml:"oauth"`
	Discovery DiscoveryConfig    `yaml:"discovery"`
	Storage   securestore.Config `yaml:"storage"`
	API       APIConfig          `yaml:"api"`
	Timeouts  TimeoutConfig      `yaml:"timeouts"`
}

// OAuthConfig describes the client registration at the authorization server.
type OAuthConfig struct {
	Issuer       string            `yaml:"issuer"`
	ClientID     string            `yaml:"client_id"`
	ClientSecret string            `yaml:"client_secret"`
	AppScheme    string            `yaml:"app_scheme"`
	RedirectPath string            `yaml:"redirect_path"`
	Scopes       []string          `yaml:"scopes"`
	ExtraParams  map[string]string `yaml:"extra_params"`
}

// DiscoveryConfig controls environment-specific endpoint rewriting.
type DiscoveryConfig struct {
	DevMode     bool        `yaml:"dev_mode"`
	HostRewrite HostRewrite `yaml:"host_rewrite"`
}

// HostRewrite substitutes the host portion of every discovered endpoint,
// e.g. localhost to 10.0.2.2 for an Android emulator.
type HostRewrite struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// APIConfig describes the resource server reached through the request gate.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// TimeoutConfig bounds each suspension point that talks to the network or the user.
type TimeoutConfig struct {
	Discovery time.Duration `yaml:"discovery"`
	Token     time.Duration `yaml:"token"`
	Authorize time.Duration `yaml:"authorize"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		OAuth: OAuthConfig{
			Issuer:       "http://localhost:8180/realms/app",
			ClientID:     "mobile-app",
			AppScheme:    "http",
			RedirectPath: "127.0.0.1:8765/oauthredirect",
			Scopes:       append([]string(nil), DefaultScopes...),
		},
		Storage: securestore.Config{
			Backend:      "memory",
			Service:      securestore.DefaultService,
			MaxValueSize: securestore.DefaultMaxValueSize,
		},
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: DefaultAPITimeout,
		},
		Timeouts: TimeoutConfig{
			Discovery: DefaultDiscoveryTimeout,
			Token:     DefaultTokenTimeout,
			Authorize: DefaultAuthorizeTimeout,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func (c *Config) applyDefaults() {
	if len(c.OAuth.Scopes) == 0 {
		c.OAuth.Scopes = append([]string(nil), DefaultScopes...)
	}
	if c.Storage.Service == "" {
		c.Storage.Service = securestore.DefaultService
	}
	if c.Timeouts.Discovery <= 0 {
		c.Timeouts.Discovery = DefaultDiscoveryTimeout
	}
	if c.Timeouts.Token <= 0 {
		c.Timeouts.Token = DefaultTokenTimeout
	}
	if c.Timeouts.Authorize <= 0 {
		c.Timeouts.Authorize = DefaultAuthorizeTimeout
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = DefaultAPITimeout
	}
}

// RedirectURI builds the redirect URI registered with the OS (custom app
// scheme deep link) or the loopback listener when the scheme is http(s).
func (c OAuthConfig) RedirectURI() string {
	scheme := strings.TrimSuffix(c.AppScheme, "://")
	path := strings.TrimPrefix(c.RedirectPath, "/")
	return scheme + "://" + path
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHSESSION_OAUTH_ISSUER":           func(v string) { cfg.OAuth.Issuer = v },
		"AUTHSESSION_OAUTH_CLIENT_ID":        func(v string) { cfg.OAuth.ClientID = v },
		"AUTHSESSION_OAUTH_CLIENT_SECRET":    func(v string) { cfg.OAuth.ClientSecret = v },
		"AUTHSESSION_OAUTH_APP_SCHEME":       func(v string) { cfg.OAuth.AppScheme = v },
		"AUTHSESSION_OAUTH_REDIRECT_PATH":    func(v string) { cfg.OAuth.RedirectPath = v },
		"AUTHSESSION_OAUTH_SCOPES":           func(v string) { cfg.OAuth.Scopes = splitAndTrim(v) },
		"AUTHSESSION_DISCOVERY_DEV_MODE":     func(v string) { cfg.Discovery.DevMode = parseBool(v, cfg.Discovery.DevMode) },
		"AUTHSESSION_STORAGE_BACKEND":        func(v string) { cfg.Storage.Backend = v },
		"AUTHSESSION_STORAGE_PATH":           func(v string) { cfg.Storage.Path = v },
		"AUTHSESSION_STORAGE_ENCRYPTION_KEY": func(v string) { cfg.Storage.EncryptionKey = v },
		"AUTHSESSION_API_BASE_URL":           func(v string) { cfg.API.BaseURL = v },
		"AUTHSESSION_API_TIMEOUT":            func(v string) { cfg.API.Timeout = parseDuration(v, cfg.API.Timeout) },
		"AUTHSESSION_TIMEOUTS_DISCOVERY":     func(v string) { cfg.Timeouts.Discovery = parseDuration(v, cfg.Timeouts.Discovery) },
		"AUTHSESSION_TIMEOUTS_TOKEN":         func(v string) { cfg.Timeouts.Token = parseDuration(v, cfg.Timeouts.Token) },
		"AUTHSESSION_TIMEOUTS_AUTHORIZE":     func(v string) { cfg.Timeouts.Authorize = parseDuration(v, cfg.Timeouts.Authorize) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.OAuth.Issuer == "" {
		slog.Error("Missing required configuration", "field", "oauth.issuer")
		return errors.New("oauth.issuer is required")
	}
	if !strings.HasPrefix(c.OAuth.Issuer, "http://") && !strings.HasPrefix(c.OAuth.Issuer, "https://") {
		slog.Error("Invalid configuration value", "field", "oauth.issuer", "value", c.OAuth.Issuer, "reason", "must start with http:// or https://")
		return fmt.Errorf("oauth.issuer must start with http:// or https://, got: %s", c.OAuth.Issuer)
	}
	if c.OAuth.ClientID == "" {
		slog.Error("Missing required configuration", "field", "oauth.client_id")
		return errors.New("oauth.client_id is required")
	}
	if c.OAuth.AppScheme == "" {
		slog.Error("Missing required configuration", "field", "oauth.app_scheme")
		return errors.New("oauth.app_scheme is required")
	}
	if c.OAuth.RedirectPath == "" {
		slog.Error("Missing required configuration", "field", "oauth.redirect_path")
		return errors.New("oauth.redirect_path is required")
	}
	if _, err := url.Parse(c.OAuth.RedirectURI()); err != nil {
		slog.Error("Invalid redirect URI", "redirect_uri", c.OAuth.RedirectURI(), "error", err)
		return fmt.Errorf("oauth redirect uri %q is invalid: %w", c.OAuth.RedirectURI(), err)
	}

	if (c.Discovery.HostRewrite.From == "") != (c.Discovery.HostRewrite.To == "") {
		slog.Error("Incomplete host rewrite", "field", "discovery.host_rewrite")
		return errors.New("discovery.host_rewrite requires both from and to")
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "", "memory":
	case "file", "buntdb":
		if c.Storage.Path == "" {
			slog.Error("Missing required configuration", "field", "storage.path")
			return errors.New("storage.path is required for the file backend")
		}
		if c.Storage.EncryptionKey == "" {
			slog.Error("Missing required configuration", "field", "storage.encryption_key")
			return errors.New("storage.encryption_key is required for the file backend")
		}
	default:
		slog.Error("Invalid storage backend", "field", "storage.backend", "value", c.Storage.Backend, "valid_values", []string{"memory", "file"})
		return fmt.Errorf("storage.backend must be 'memory' or 'file', got: %s", c.Storage.Backend)
	}
	if c.Storage.MaxValueSize < 0 {
		return fmt.Errorf("storage.max_value_size must not be negative, got: %d", c.Storage.MaxValueSize)
	}

	if c.API.BaseURL != "" && !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		slog.Error("Invalid configuration value", "field", "api.base_url", "value", c.API.BaseURL)
		return fmt.Errorf("api.base_url must start with http:// or https://, got: %s", c.API.BaseURL)
	}

	return nil
}
