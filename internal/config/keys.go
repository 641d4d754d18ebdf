package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FIELDSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "FIELDSYNC_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.api_token", typ: kString, env: "FIELDSYNC_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FIELDSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "backend.base_url", typ: kString, env: "FIELDSYNC_BACKEND_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Backend.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.BaseURL },
	},
	{
		key: "backend.origin", typ: kString, env: "FIELDSYNC_BACKEND_ORIGIN",
		apply:   func(cfg *Config, v any) { cfg.Backend.Origin = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.Origin },
	},
	{
		key: "sync.interval", typ: kDuration, env: "FIELDSYNC_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.max_attempts", typ: kInt, env: "FIELDSYNC_SYNC_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxAttempts },
	},
	{
		key: "sync.base_backoff", typ: kDuration, env: "FIELDSYNC_SYNC_BASE_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Sync.BaseBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.BaseBackoff },
	},
	{
		key: "sync.max_backoff", typ: kDuration, env: "FIELDSYNC_SYNC_MAX_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.MaxBackoff },
	},
	{
		key: "sync.auto_clear", typ: kBool, env: "FIELDSYNC_SYNC_AUTO_CLEAR",
		apply:   func(cfg *Config, v any) { cfg.Sync.AutoClear = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sync.AutoClear },
	},
	{
		key: "connectivity.check_url", typ: kString, env: "FIELDSYNC_CONNECTIVITY_CHECK_URL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.CheckURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Connectivity.CheckURL },
	},
	{
		key: "connectivity.check_interval", typ: kDuration, env: "FIELDSYNC_CONNECTIVITY_CHECK_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.CheckInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Connectivity.CheckInterval },
	},
	{
		key: "cache.enabled", typ: kBool, env: "FIELDSYNC_CACHE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Cache.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cache.Enabled },
	},
	{
		key: "cache.manifest_path", typ: kString, env: "FIELDSYNC_CACHE_MANIFEST_PATH",
		apply:   func(cfg *Config, v any) { cfg.Cache.ManifestPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.ManifestPath },
	},
	{
		key: "cache.api_prefixes", typ: kString, env: "FIELDSYNC_CACHE_API_PREFIXES",
		apply:   func(cfg *Config, v any) { cfg.Cache.APIPrefixes = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.APIPrefixes },
	},
	{
		key: "cache.offline_page", typ: kString, env: "FIELDSYNC_CACHE_OFFLINE_PAGE",
		apply:   func(cfg *Config, v any) { cfg.Cache.OfflinePage = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.OfflinePage },
	},
	{
		key: "cache.max_entry_bytes", typ: kInt, env: "FIELDSYNC_CACHE_MAX_ENTRY_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxEntryBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxEntryBytes },
	},
	{
		key: "cache.skip_waiting", typ: kBool, env: "FIELDSYNC_CACHE_SKIP_WAITING",
		apply:   func(cfg *Config, v any) { cfg.Cache.SkipWaiting = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cache.SkipWaiting },
	},
	{
		key: "cache.concurrency", typ: kInt, env: "FIELDSYNC_CACHE_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Cache.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.Concurrency },
	},
	{
		key: "auth.access_token", typ: kString, env: "FIELDSYNC_ACCESS_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.AccessToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.AccessToken },
	},
	{
		key: "auth.token_file", typ: kString, env: "FIELDSYNC_AUTH_TOKEN_FILE",
		apply:   func(cfg *Config, v any) { cfg.Auth.TokenFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.TokenFile },
	},
	{
		key: "log.level", typ: kString, env: "FIELDSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// lookupSpec finds the spec for a key a user may write.
func lookupSpec(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return keySpec{}, fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
		}
		return s, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key: %q", key)
}

// parseValue converts raw text into the Go type a key holds.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		v, ok, err := b.Get(s.key, s.typ)
		var bad *badValueError
		if errors.As(err, &bad) {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%v: %v. Using default value.\n", s.key, bad.raw, bad.err)
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || v == "" {
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
