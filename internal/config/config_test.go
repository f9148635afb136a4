package config

import (
	"strings"
	"testing"
	"time"
)

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend struct {
	data map[string]any
}

func (b *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (b *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	return v.(int), true, nil
}

func (b *mapBackend) SetString(key, val string) error { b.data[key] = val; return nil }
func (b *mapBackend) SetInt(key string, val int) error { b.data[key] = val; return nil }
func (b *mapBackend) Delete(key string) error          { delete(b.data, key); return nil }

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	values map[string]string
	err    error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.values[service+"/"+account], nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		if s.env != "" {
			t.Setenv(s.env, "")
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("FIDU_AUTH_TOKEN", "test-token")

	cfg, err := loadWith(&mapBackend{data: map[string]any{}}, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Server.MCPPort != 4001 {
		t.Errorf("Server.MCPPort = %d, want 4001", cfg.Server.MCPPort)
	}
	if cfg.Storage.Mode != "local" {
		t.Errorf("Storage.Mode = %q, want local", cfg.Storage.Mode)
	}
	if cfg.Cloud.SyncInterval != "5m" {
		t.Errorf("Cloud.SyncInterval = %q, want 5m", cfg.Cloud.SyncInterval)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir must have a default")
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("FIDU_AUTH_TOKEN", "test-token")

	b := &mapBackend{data: map[string]any{
		"server.port":         5000,
		"server.mcp_port":     5001,
		"storage.data_dir":    "/tmp/fidu-test",
		"storage.mode":        "cloud",
		"cloud.identity_url":  "http://identity.local",
		"cloud.blob_url":      "http://blob.local",
		"cloud.user_id":       "u1",
		"cloud.sync_interval": "30s",
	}}

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/fidu-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Storage.Mode != "cloud" {
		t.Errorf("Storage.Mode = %q", cfg.Storage.Mode)
	}
	if cfg.Cloud.IdentityURL != "http://identity.local" {
		t.Errorf("Cloud.IdentityURL = %q", cfg.Cloud.IdentityURL)
	}
	if d, err := cfg.SyncInterval(); err != nil || d != 30*time.Second {
		t.Errorf("SyncInterval() = %v, %v, want 30s", d, err)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("FIDU_AUTH_TOKEN", "test-token")
	t.Setenv("FIDU_SERVER_PORT", "6000")
	t.Setenv("FIDU_STORAGE_MODE", "filesystem")

	b := &mapBackend{data: map[string]any{
		"server.port":  5000,
		"storage.mode": "cloud",
	}}

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want env override 6000", cfg.Server.Port)
	}
	if cfg.Storage.Mode != "filesystem" {
		t.Errorf("Storage.Mode = %q, want env override filesystem", cfg.Storage.Mode)
	}
}

func TestMissingTokenFailsLoad(t *testing.T) {
	clearEnv(t)

	_, err := loadWith(&mapBackend{data: map[string]any{}}, mockKeychain{})
	if err == nil {
		t.Fatal("expected error for missing token, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q, want it to mention missing required config", err)
	}
}

func TestKeychainFallback(t *testing.T) {
	clearEnv(t)

	kc := mockKeychain{values: map[string]string{
		"fidu/api_token":        "keychain-token",
		"fidu/cloud_auth_token": "keychain-cloud",
	}}
	cfg, err := loadWith(&mapBackend{data: map[string]any{}}, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.Token != "keychain-token" {
		t.Errorf("Auth.Token = %q, want keychain fallback", cfg.Auth.Token)
	}
	if cfg.Cloud.AuthToken != "keychain-cloud" {
		t.Errorf("Cloud.AuthToken = %q, want keychain fallback", cfg.Cloud.AuthToken)
	}
}

func TestInvalidModeRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("FIDU_AUTH_TOKEN", "test-token")
	t.Setenv("FIDU_STORAGE_MODE", "teleport")

	if _, err := loadWith(&mapBackend{data: map[string]any{}}, mockKeychain{}); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestInvalidSyncIntervalRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("FIDU_AUTH_TOKEN", "test-token")
	t.Setenv("FIDU_CLOUD_SYNC_INTERVAL", "often")

	if _, err := loadWith(&mapBackend{data: map[string]any{}}, mockKeychain{}); err == nil {
		t.Fatal("expected error for unparsable sync interval")
	}
}

func TestSetKeyRejectsSecrets(t *testing.T) {
	if err := SetKey("auth.token", "nope"); err == nil {
		t.Error("expected refusal to store a secret in the backend")
	}
	if err := SetKey("definitely.not.a.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}
