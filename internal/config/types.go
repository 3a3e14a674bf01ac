package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "5s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	HTTP      HTTPConfig      `json:"http"`
	AMQP      AMQPConfig      `json:"amqp"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the run record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dsn": "./data/jobd.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://jobd@localhost/jobd?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type SchedulerConfig struct {
	// Timezone cron expressions are evaluated in (IANA name). Empty is local time.
	Timezone string `json:"timezone,omitempty"`
}

// EngineConfig controls execution.
//
// Defaults (when fields are omitted/zero):
//   - grace_period: "5s"
//   - output_limit_bytes: 0 (unbounded)
//   - shell: "/bin/sh"
//   - reconcile_on_start: true
type EngineConfig struct {
	GracePeriod      string   `json:"grace_period,omitempty"`
	OutputLimitBytes int      `json:"output_limit_bytes,omitempty"`
	Shell            string   `json:"shell,omitempty"`
	Env              []string `json:"env,omitempty"`
	// ReconcileOnStart is a pointer so an omitted key keeps the default (true).
	ReconcileOnStart *bool `json:"reconcile_on_start,omitempty"`
}

// HTTPConfig controls the API listener.
//
// Security note: the API can run arbitrary commands. Keep it on loopback
// unless a token is set.
type HTTPConfig struct {
	Addr  string `json:"addr,omitempty"`  // default: "127.0.0.1:7420"
	Token string `json:"token,omitempty"` // optional bearer token (never logged)
	Pprof bool   `json:"pprof,omitempty"` // mount /debug/pprof

	ReadTimeout     string `json:"read_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// AMQPConfig controls the optional status event forwarder.
type AMQPConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"`
	Exchange   string `json:"exchange,omitempty"`    // default: "jobd.events"
	RoutingKey string `json:"routing_key,omitempty"` // default: the event type
}

// DurationField parses the duration string at field. Empty or zero yields
// def; negative values are rejected.
func DurationField(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	case d == 0:
		return def, nil
	}
	return d, nil
}
