package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "notifyd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
logging:
  level: debug
  console: true
http:
  enabled: true
  address: "127.0.0.1:8780"
  token: "secret"
gateway:
  base_url: "http://127.0.0.1:7070"
  client_id: "clinic-01"
engine:
  dispatch_tick: 500ms
  rate_per_min: 12
session:
  dir: "/tmp/sessions"
source:
  path: "/tmp/notify.db"
`

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.ClientID != "clinic-01" {
		t.Fatalf("client_id = %q, want clinic-01", cfg.Gateway.ClientID)
	}
	if cfg.Engine.RatePerMin != 12 {
		t.Fatalf("rate_per_min = %d, want 12", cfg.Engine.RatePerMin)
	}
	if d := DurationOr(cfg.Engine.DispatchTick, time.Second); d != 500*time.Millisecond {
		t.Fatalf("dispatch_tick = %v, want 500ms", d)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, validYAML+"\nbogus_section:\n  x: 1\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidateRequiresGateway(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, `
session:
  dir: "/tmp/sessions"
source:
  path: "/tmp/notify.db"
`))
	_, err := m.Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "gateway.base_url") {
		t.Fatalf("error should name gateway.base_url, got: %v", err)
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, validYAML+"\nmetrics:\n  interval: \"soon\"\n"))
	_, err := m.Load()
	if err == nil {
		t.Fatal("expected duration error")
	}
	if !strings.Contains(err.Error(), "metrics.interval") {
		t.Fatalf("error should name metrics.interval, got: %v", err)
	}
}

func TestEnvOverridesToken(t *testing.T) {
	t.Setenv("NOTIFYD_HTTP_TOKEN", "from-env")

	m := NewManager(writeConfig(t, validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Token != "from-env" {
		t.Fatalf("http token = %q, want from-env", cfg.HTTP.Token)
	}
}

func TestValidatorBlocksReload(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, validYAML)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(next *Config) error {
		if next.Gateway.ClientID != cfg.Gateway.ClientID {
			return errors.New("client_id is pinned")
		}
		return nil
	})

	// An edit the validator rejects must keep the previous config committed.
	if err := os.WriteFile(path, []byte(strings.Replace(validYAML, "clinic-01", "clinic-02", 1)), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	m.reload()
	if got := m.Get().Gateway.ClientID; got != "clinic-01" {
		t.Fatalf("client_id = %q, rejected reload must not commit", got)
	}

	// An edit the validator accepts goes through.
	if err := os.WriteFile(path, []byte(strings.Replace(validYAML, "rate_per_min: 12", "rate_per_min: 30", 1)), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	m.reload()
	if got := m.Get().Engine.RatePerMin; got != 30 {
		t.Fatalf("rate_per_min = %d, want 30 after accepted reload", got)
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("subscriber got wrong config")
		}
	default:
		t.Fatal("subscriber should have received the update")
	}

	// A full buffer drops the stale item in favor of the newest.
	m.publish(cfg)
	next := &Config{}
	m.publish(next)
	if got := <-ch; got != next {
		t.Fatal("subscriber should see the newest config")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}
