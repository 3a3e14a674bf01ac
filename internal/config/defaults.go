package config

import (
	"errors"
	"fmt"
	"strings"

	logx "jobd/pkg/logx"
)

const (
	DefaultHTTPAddr     = "127.0.0.1:7420"
	DefaultStorageDSN   = "./data/jobd.db"
	DefaultAMQPExchange = "jobd.events"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", DSN: DefaultStorageDSN},
		HTTP:    HTTPConfig{Addr: DefaultHTTPAddr},
	}
}

// Normalize fills empty fields with defaults.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Storage.DSN) == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = DefaultStorageDSN
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.AMQP.Enabled && strings.TrimSpace(c.AMQP.Exchange) == "" {
		c.AMQP.Exchange = DefaultAMQPExchange
	}
}

// ReconcileEnabled resolves the pointer default.
func (e EngineConfig) ReconcileEnabled() bool {
	return e.ReconcileOnStart == nil || *e.ReconcileOnStart
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}
	if _, err := DurationField("storage.busy_timeout", c.Storage.BusyTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if _, err := DurationField("engine.grace_period", c.Engine.GracePeriod, 0); err != nil {
		errs = append(errs, err)
	}
	if c.Engine.OutputLimitBytes < 0 {
		errs = append(errs, errors.New("engine.output_limit_bytes: must be >= 0"))
	}
	for _, kv := range c.Engine.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("engine.env: %q is not KEY=VALUE", kv))
		}
	}
	if _, err := DurationField("http.read_timeout", c.HTTP.ReadTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if _, err := DurationField("http.shutdown_timeout", c.HTTP.ShutdownTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if c.AMQP.Enabled && strings.TrimSpace(c.AMQP.URL) == "" {
		errs = append(errs, errors.New("amqp.url: required when amqp is enabled"))
	}
	return errors.Join(errs...)
}
