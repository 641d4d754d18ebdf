package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Backend      BackendConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig
	Cache        CacheConfig
	Auth         AuthConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
	// APIToken guards the management API. Secret.
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type BackendConfig struct {
	// BaseURL is where queued writes are replayed.
	BaseURL string
	// Origin is the application the interception cache fronts. Defaults
	// to BaseURL.
	Origin string
}

type SyncConfig struct {
	Interval    time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	AutoClear   bool
}

type ConnectivityConfig struct {
	// CheckURL is polled to derive reachability. Empty disables checking;
	// the host then reports state through the API.
	CheckURL      string
	CheckInterval time.Duration
}

type CacheConfig struct {
	Enabled       bool
	ManifestPath  string
	APIPrefixes   string
	OfflinePage   string
	MaxEntryBytes int
	SkipWaiting   bool
	Concurrency   int
}

type AuthConfig struct {
	// AccessToken is the backend credential. Secret.
	AccessToken string
	// TokenFile is rewritten by the auth collaborator on refresh.
	TokenFile string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 256,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8080",
		},
		Sync: SyncConfig{
			Interval:    30 * time.Second,
			MaxAttempts: 20,
			BaseBackoff: 5 * time.Second,
			MaxBackoff:  10 * time.Minute,
			AutoClear:   true,
		},
		Connectivity: ConnectivityConfig{
			CheckInterval: 15 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:       true,
			APIPrefixes:   "/api/,/qa/api/,/ipqc/api/",
			OfflinePage:   "/offline/",
			MaxEntryBytes: 5 << 20,
			Concurrency:   4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.transsflow.fieldsync).
// Elsewhere it is a JSON file at $XDG_CONFIG_HOME/fieldsync/config.json.
// Secrets come from FIELDSYNC_* environment variables or the secret store.
//
// Environment variables (FIELDSYNC_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Auth.AccessToken == "" {
		if tok, err := kc.Get(keychainService, accessTokenAccount); err == nil && tok != "" {
			cfg.Auth.AccessToken = tok
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := url.ParseRequestURI(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("invalid backend.base_url %q: %w", c.Backend.BaseURL, err)
	}
	if c.Backend.Origin != "" {
		if _, err := url.ParseRequestURI(c.Backend.Origin); err != nil {
			return fmt.Errorf("invalid backend.origin %q: %w", c.Backend.Origin, err)
		}
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.BaseBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		return fmt.Errorf("sync backoff must satisfy 0 < base_backoff <= max_backoff, got %s and %s",
			c.Sync.BaseBackoff, c.Sync.MaxBackoff)
	}
	return nil
}

// OriginURL is the origin fronted by the interception cache.
func (c Config) OriginURL() (*url.URL, error) {
	raw := c.Backend.Origin
	if raw == "" {
		raw = c.Backend.BaseURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing origin: %w", err)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// APIPrefixList splits cache.api_prefixes.
func (c Config) APIPrefixList() []string {
	var out []string
	for _, p := range strings.Split(c.Cache.APIPrefixes, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
