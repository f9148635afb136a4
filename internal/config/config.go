package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Auth    AuthConfig
	Storage StorageConfig
	Cloud   CloudConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type AuthConfig struct {
	Token string
}

type StorageConfig struct {
	DataDir   string
	Mode      string
	Directory string
}

type CloudConfig struct {
	IdentityURL  string
	BlobURL      string
	UserID       string
	AuthToken    string
	SyncInterval string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4000,
			MCPPort: 4001,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Mode:    "local",
		},
		Cloud: CloudConfig{
			IdentityURL:  "https://identity.firstdataunion.org",
			BlobURL:      "https://gateway.firstdataunion.org/blob",
			SyncInterval: "5m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.fidu.vault) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/fidu/config.json
// and secrets must be provided via environment variables.
//
// Environment variables (FIDU_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try platform keychain for secrets still empty after env.
	if cfg.Auth.Token == "" {
		if tok, err := kc.Get("fidu", "api_token"); err == nil && tok != "" {
			cfg.Auth.Token = tok
		}
	}
	if cfg.Cloud.AuthToken == "" {
		if tok, err := kc.Get("fidu", "cloud_auth_token"); err == nil && tok != "" {
			cfg.Cloud.AuthToken = tok
		}
	}

	if cfg.Auth.Token == "" {
		msg := "missing required config: API bearer token. " +
			"Set it via environment variable FIDU_AUTH_TOKEN" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	switch cfg.Storage.Mode {
	case "local", "cloud", "filesystem":
	default:
		return Config{}, fmt.Errorf("invalid storage.mode %q (want local, cloud, or filesystem)", cfg.Storage.Mode)
	}

	if _, err := cfg.SyncInterval(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// SyncInterval parses the configured cloud sync interval. Zero disables the
// background scheduler.
func (c Config) SyncInterval() (time.Duration, error) {
	raw := c.Cloud.SyncInterval
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid cloud.sync_interval %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("cloud.sync_interval must not be negative, got %q", raw)
	}
	return d, nil
}

// keychainReader reads from macOS Keychain via the security CLI.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
