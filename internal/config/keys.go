package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
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
		key: "server.port", typ: kInt, env: "FIDU_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "FIDU_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "auth.token", typ: kString, env: "FIDU_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FIDU_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.mode", typ: kString, env: "FIDU_STORAGE_MODE",
		apply:   func(cfg *Config, v any) { cfg.Storage.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Mode },
	},
	{
		key: "storage.directory", typ: kString, env: "FIDU_STORAGE_DIRECTORY",
		apply:   func(cfg *Config, v any) { cfg.Storage.Directory = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Directory },
	},
	{
		key: "cloud.identity_url", typ: kString, env: "FIDU_CLOUD_IDENTITY_URL",
		apply:   func(cfg *Config, v any) { cfg.Cloud.IdentityURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.IdentityURL },
	},
	{
		key: "cloud.blob_url", typ: kString, env: "FIDU_CLOUD_BLOB_URL",
		apply:   func(cfg *Config, v any) { cfg.Cloud.BlobURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.BlobURL },
	},
	{
		key: "cloud.user_id", typ: kString, env: "FIDU_CLOUD_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Cloud.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.UserID },
	},
	{
		key: "cloud.auth_token", typ: kString, env: "FIDU_CLOUD_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Cloud.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.AuthToken },
	},
	{
		key: "cloud.sync_interval", typ: kString, env: "FIDU_CLOUD_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cloud.SyncInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.SyncInterval },
	},
	{
		key: "log.level", typ: kString, env: "FIDU_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
