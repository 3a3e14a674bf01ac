package app

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"jobd/internal/config"
	"jobd/internal/engine"
	"jobd/internal/process"
	"jobd/internal/scheduler"
	"jobd/internal/storage"
	"jobd/internal/transport/amqpsink"
	"jobd/internal/transport/httpapi"
	logx "jobd/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	dsn := strings.TrimSpace(sc.DSN)
	switch driver {
	case "", "sqlite", "sqlite3":
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=sqlite")
		}
		busy, err := config.DurationField("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", DSN: dsn, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEngineConfig(cfg *Config) (engine.Config, error) {
	grace, err := config.DurationField("engine.grace_period", cfg.Engine.GracePeriod, engine.DefaultGracePeriod)
	if err != nil {
		return engine.Config{}, err
	}
	shell := strings.TrimSpace(cfg.Engine.Shell)
	if shell == "" {
		shell = process.DefaultShell
	}
	return engine.Config{
		GracePeriod:      grace,
		OutputLimit:      cfg.Engine.OutputLimitBytes,
		Shell:            shell,
		Env:              append([]string(nil), cfg.Engine.Env...),
		ReconcileOnStart: cfg.Engine.ReconcileEnabled(),
	}, nil
}

func mapSchedulerConfig(cfg *Config) scheduler.Config {
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

func mapHTTPConfig(cfg *Config) (httpapi.Config, error) {
	rt, err := config.DurationField("http.read_timeout", cfg.HTTP.ReadTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:        cfg.HTTP.Addr,
		Token:       strings.TrimSpace(cfg.HTTP.Token),
		Pprof:       cfg.HTTP.Pprof,
		ReadTimeout: rt,
	}, nil
}

func httpShutdownTimeout(cfg *Config) time.Duration {
	d, err := config.DurationField("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout, 3*time.Second)
	if err != nil {
		return 3 * time.Second
	}
	return d
}

func mapAMQPConfig(cfg *Config) (amqpsink.Config, bool) {
	if !cfg.AMQP.Enabled {
		return amqpsink.Config{}, false
	}
	return amqpsink.Config{
		URL:        cfg.AMQP.URL,
		Exchange:   cfg.AMQP.Exchange,
		RoutingKey: cfg.AMQP.RoutingKey,
	}, true
}

// changedSections lists the top-level config sections that differ.
func changedSections(prev, next *Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var out []string
	pv, nv := reflect.ValueOf(*prev), reflect.ValueOf(*next)
	t := pv.Type()
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(pv.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		name := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if name == "" {
			name = strings.ToLower(t.Field(i).Name)
		}
		out = append(out, name)
	}
	return out
}

// restartRequired reports sections that are only read at startup.
func restartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "http", "amqp":
			out = append(out, s)
		}
	}
	return out
}
