package config

import (
	"os"
	"testing"
	"time"
)

const sampleConfig = `
api:
  base_url: https://chat.example.com/v1
  token: dummy
  page_size: 25
realtime:
  driver: redis
  redis_url: redis://localhost:6379/0
chat:
  typing_idle: 2s
identity:
  id: 0b9f6c1e-8f5c-4a55-9d1a-0c9e6a3b2f10
  kind: company
  display_name: Acme
log:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString(body); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()
	return tmp.Name()
}

// TestLoad verifies that Load unmarshals every section and fills defaults.
func TestLoad(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.API.BaseURL != "https://chat.example.com/v1" || cfg.API.PageSize != 25 {
		t.Fatalf("unexpected api section: %+v", cfg.API)
	}
	if cfg.API.Timeout != 15*time.Second {
		t.Fatalf("expected default timeout, got %s", cfg.API.Timeout)
	}
	if cfg.Realtime.Driver != DriverRedis || cfg.Realtime.RedisURL == "" {
		t.Fatalf("unexpected realtime section: %+v", cfg.Realtime)
	}
	if cfg.Chat.TypingIdle != 2*time.Second || cfg.Chat.TypingClear != 5*time.Second {
		t.Fatalf("unexpected chat timings: %+v", cfg.Chat)
	}
	if cfg.Chat.ResolverMaxPages != 3 || cfg.Chat.ResolverPageSize != 20 {
		t.Fatalf("unexpected resolver bounds: %+v", cfg.Chat)
	}

	id, err := cfg.Identity.Identity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if id.Kind != "organization" || id.DisplayName != "Acme" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

// TestLoad_EnvOverride verifies CHATSYNC_* variables take precedence over the file.
func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))
	t.Setenv("CHATSYNC_API_TOKEN", "from-env")
	t.Setenv("CHATSYNC_METRICS_ADDR", ":9100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.API.Token != "from-env" {
		t.Fatalf("env override not applied: %q", cfg.API.Token)
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Fatalf("env-only key not bound: %q", cfg.Metrics.Addr)
	}
}

// TestLoad_UnknownDriver verifies validation rejects unsupported brokers.
func TestLoad_UnknownDriver(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "realtime:\n  driver: carrier-pigeon\n"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

// TestLoad_UnknownIdentityKind verifies validation rejects unknown profile kinds.
func TestLoad_UnknownIdentityKind(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "identity:\n  id: x\n  kind: robot\n"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown identity kind")
	}
}
