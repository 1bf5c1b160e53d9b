package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config is the full engine configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Gateway   GatewayConfig   `json:"gateway"`
	Engine    EngineConfig    `json:"engine"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Queue     QueueConfig     `json:"queue"`
	Metrics   MetricsConfig   `json:"metrics"`
	Session   SessionConfig   `json:"session"`
	Source    SourceConfig    `json:"source"`
	Alerts    AlertsConfig    `json:"alerts,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// HTTPConfig controls the operator API front door.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"` // default "127.0.0.1:8780"
	// Token authenticates mutating endpoints. Override with NOTIFYD_HTTP_TOKEN.
	Token string `json:"token,omitempty"`
}

// GatewayConfig points at the external one-device messaging gateway.
type GatewayConfig struct {
	BaseURL  string `json:"base_url"`
	ClientID string `json:"client_id"`
	Token    string `json:"token,omitempty"`

	DialTimeout string `json:"dial_timeout,omitempty"` // default "15s"
	HTTPTimeout string `json:"http_timeout,omitempty"` // default "10s"
}

type EngineConfig struct {
	// DispatchTick is the fixed period of the single-flight dispatch loop.
	DispatchTick string `json:"dispatch_tick,omitempty"` // default "1s"
	SendTimeout  string `json:"send_timeout,omitempty"`  // default "30s"
	RatePerMin   int    `json:"rate_per_min,omitempty"`  // outbound cap, default 20
	// PullSpec is a cron spec (or @every form) for pulling due notifications.
	PullSpec  string `json:"pull_spec,omitempty"`  // default "@every 30s"
	PullLimit int    `json:"pull_limit,omitempty"` // default 50
}

type ReconnectConfig struct {
	BaseInterval   string `json:"base_interval,omitempty"`   // default "5s"
	MaxDelay       string `json:"max_delay,omitempty"`       // default "5m"
	MaxAttempts    int    `json:"max_attempts,omitempty"`    // default 10
	HealthInterval string `json:"health_interval,omitempty"` // default "30s"
}

type QueueConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"` // default 3
	BackoffUnit string `json:"backoff_unit,omitempty"` // default "30s"
	MaxDepth    int    `json:"max_depth,omitempty"`    // default 1000
}

type MetricsConfig struct {
	Interval string `json:"interval,omitempty"` // default "60s"
}

type SessionConfig struct {
	Dir        string `json:"dir"`
	BackupSpec string `json:"backup_spec,omitempty"` // default "@every 5m"
}

type SourceConfig struct {
	Path        string `json:"path"`                   // sqlite database file
	BusyTimeout string `json:"busy_timeout,omitempty"` // default "5s"
}

type AlertsConfig struct {
	Telegram struct {
		Enabled    bool   `json:"enabled"`
		Token      string `json:"token,omitempty"`
		ChatID     int64  `json:"chat_id,omitempty"`
		RatePerMin int    `json:"rate_per_min,omitempty"`
	} `json:"telegram,omitempty"`
}

// envOverrides holds secrets that may come from the environment instead of
// the config file (file values are kept when the variable is unset).
type envOverrides struct {
	HTTPToken    string `env:"NOTIFYD_HTTP_TOKEN"`
	GatewayToken string `env:"NOTIFYD_GATEWAY_TOKEN"`
	AlertToken   string `env:"NOTIFYD_ALERT_TOKEN"`
}

// ApplyEnv folds environment secrets over the file config.
func (c *Config) ApplyEnv() error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("config: env overrides: %w", err)
	}
	if ov.HTTPToken != "" {
		c.HTTP.Token = ov.HTTPToken
	}
	if ov.GatewayToken != "" {
		c.Gateway.Token = ov.GatewayToken
	}
	if ov.AlertToken != "" {
		c.Alerts.Telegram.Token = ov.AlertToken
	}
	return nil
}

// Validate rejects configs the engine cannot start with. Only startup
// configuration problems are fatal; everything else self-heals at runtime.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Gateway.BaseURL) == "" {
		errs = append(errs, errors.New("gateway.base_url is required"))
	}
	if strings.TrimSpace(c.Gateway.ClientID) == "" {
		errs = append(errs, errors.New("gateway.client_id is required"))
	}
	if strings.TrimSpace(c.Session.Dir) == "" {
		errs = append(errs, errors.New("session.dir is required"))
	}
	if strings.TrimSpace(c.Source.Path) == "" {
		errs = append(errs, errors.New("source.path is required"))
	}
	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.Token) == "" {
		errs = append(errs, errors.New("http.token is required when http is enabled (or set NOTIFYD_HTTP_TOKEN)"))
	}
	if c.Queue.MaxAttempts < 0 || c.Queue.MaxDepth < 0 {
		errs = append(errs, errors.New("queue bounds must not be negative"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	for _, field := range []struct{ path, raw string }{
		{"engine.dispatch_tick", c.Engine.DispatchTick},
		{"engine.send_timeout", c.Engine.SendTimeout},
		{"reconnect.base_interval", c.Reconnect.BaseInterval},
		{"reconnect.max_delay", c.Reconnect.MaxDelay},
		{"reconnect.health_interval", c.Reconnect.HealthInterval},
		{"queue.backoff_unit", c.Queue.BackoffUnit},
		{"metrics.interval", c.Metrics.Interval},
		{"gateway.dial_timeout", c.Gateway.DialTimeout},
		{"gateway.http_timeout", c.Gateway.HTTPTimeout},
		{"source.busy_timeout", c.Source.BusyTimeout},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
