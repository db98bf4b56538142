package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
port: "8080"
databaseURL: "postgres://localhost/repochat"
redisAddr: "127.0.0.1:6379"
computeServiceURL: "http://127.0.0.1:8001"
proxyTimeout: "15s"
processTimeout: "45s"
chatTimeout: "2m"
processRateLimitPerMinute: 10
contextMaxBytes: 65536
`

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.ComputeServiceURL != "http://127.0.0.1:8001" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ProcessRateLimitPerMinute != 10 || cfg.ContextMaxBytes != 65536 {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
	if cfg.ProxyTimeout != "15s" || cfg.ProcessTimeout != "45s" || cfg.ChatTimeout != "2m" {
		t.Fatalf("unexpected route timeouts: %+v", cfg)
	}
}

func TestLoadRequiresCoreFields(t *testing.T) {
	cases := []string{
		`databaseURL: "x"` + "\n" + `redisAddr: "x"` + "\n" + `computeServiceURL: "x"`,
		`port: "8080"` + "\n" + `redisAddr: "x"` + "\n" + `computeServiceURL: "x"`,
		`port: "8080"` + "\n" + `databaseURL: "x"` + "\n" + `computeServiceURL: "x"`,
		`port: "8080"` + "\n" + `databaseURL: "x"` + "\n" + `redisAddr: "x"`,
	}
	for i, content := range cases {
		path := writeConfig(t, content)
		if _, err := Load(path); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	path := writeConfig(t, validConfig+`staleProcessingAfter: "soon"`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, validConfig)
	t.Setenv("GATEWAY_PORT", "9090")
	t.Setenv("COMPUTE_SERVICE_URL", "http://10.0.0.5:8001")
	t.Setenv("GATEWAY_PROCESS_TIMEOUT", "90s")
	t.Setenv("GATEWAY_CHAT_TIMEOUT", "5m")
	t.Setenv("GATEWAY_PROCESS_RATE_LIMIT_PER_MINUTE", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("port override not applied: %q", cfg.Port)
	}
	if cfg.ComputeServiceURL != "http://10.0.0.5:8001" {
		t.Fatalf("compute url override not applied: %q", cfg.ComputeServiceURL)
	}
	if cfg.ProcessTimeout != "90s" {
		t.Fatalf("process timeout override not applied: %q", cfg.ProcessTimeout)
	}
	if cfg.ChatTimeout != "5m" {
		t.Fatalf("chat timeout override not applied: %q", cfg.ChatTimeout)
	}
	if cfg.ProcessRateLimitPerMinute != 3 {
		t.Fatalf("rate limit override not applied: %d", cfg.ProcessRateLimitPerMinute)
	}
}

func TestParseDurationOr(t *testing.T) {
	if got := ParseDurationOr("30s", time.Minute); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
	if got := ParseDurationOr("", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %s", got)
	}
	if got := ParseDurationOr("garbage", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback on garbage, got %s", got)
	}
	if got := ParseDurationOr("-5s", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback on negative, got %s", got)
	}
}
