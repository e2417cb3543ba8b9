// Package config loads the client configuration from a JSON file with
// environment-variable overrides, falling back to embedded defaults.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config is the JSON configuration shape.
type Config struct {
	DefaultRelays      []string `json:"defaultRelays"`
	NostrConnectRelays []string `json:"nostrConnectRelays"`
	ProfileRelays      []string `json:"profileRelays"`
	RedisURL           string   `json:"redisUrl"`
}

var (
	current *Config
	mu      sync.RWMutex
	once    sync.Once
)

// Get returns the current configuration. The first call loads it from the
// file named by NOSTRTV_CONFIG (default config/nostrtv.json).
func Get() *Config {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if current == nil {
			current = loadFromFile()
		}
	})

	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Reload re-reads the configuration from file.
func Reload() {
	fresh := loadFromFile()
	mu.Lock()
	current = fresh
	mu.Unlock()
	slog.Info("configuration reloaded")
}

func loadFromFile() *Config {
	path := os.Getenv("NOSTRTV_CONFIG")
	if path == "" {
		path = "config/nostrtv.json"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", path)
		} else {
			slog.Warn("could not read config, using defaults", "path", path, "error", err)
		}
		return defaults()
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Error("invalid JSON in config, using defaults", "path", path, "error", err)
		return defaults()
	}

	applyEnv(&cfg)
	slog.Info("loaded configuration",
		"path", path,
		"default", len(cfg.DefaultRelays),
		"nostrconnect", len(cfg.NostrConnectRelays),
		"profile", len(cfg.ProfileRelays))
	return &cfg
}

// applyEnv lets individual settings be overridden without editing the file.
// Relay lists are comma-separated.
func applyEnv(cfg *Config) {
	if v := os.Getenv("NOSTRTV_RELAYS"); v != "" {
		cfg.DefaultRelays = splitList(v)
	}
	if v := os.Getenv("NOSTRTV_SIGNER_RELAYS"); v != "" {
		cfg.NostrConnectRelays = splitList(v)
	}
	if v := os.Getenv("NOSTRTV_PROFILE_RELAYS"); v != "" {
		cfg.ProfileRelays = splitList(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaults() *Config {
	return &Config{
		DefaultRelays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://relay.primal.net",
			"wss://nos.lol",
		},
		NostrConnectRelays: []string{
			"wss://relay.nsec.app",
			"wss://relay.damus.io",
		},
		ProfileRelays: []string{
			"wss://relay.nostr.band",
		},
		RedisURL: os.Getenv("REDIS_URL"),
	}
}

// DefaultRelays returns the general-purpose relay list.
func DefaultRelays() []string {
	cfg := Get()
	if len(cfg.DefaultRelays) > 0 {
		return cfg.DefaultRelays
	}
	return defaults().DefaultRelays
}

// NostrConnectRelays returns the relay list used for remote-signer traffic.
func NostrConnectRelays() []string {
	cfg := Get()
	if len(cfg.NostrConnectRelays) > 0 {
		return cfg.NostrConnectRelays
	}
	return defaults().NostrConnectRelays
}

// ProfileRelays returns the relay list favored for profile lookups.
func ProfileRelays() []string {
	cfg := Get()
	if len(cfg.ProfileRelays) > 0 {
		return cfg.ProfileRelays
	}
	return defaults().ProfileRelays
}

// InitLogger installs the JSON structured logger. The level comes from the
// LOG_LEVEL env var (debug/info/warn/error).
func InitLogger() {
	var level slog.Level
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	slog.Info("logger initialized", "level", level.String())
}
