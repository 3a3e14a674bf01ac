package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. They win over file values.
const (
	EnvStorageDriver = "JOBD_STORAGE_DRIVER"
	EnvStorageDSN    = "JOBD_STORAGE_DSN"
	EnvHTTPAddr      = "JOBD_HTTP_ADDR"
	EnvHTTPToken     = "JOBD_HTTP_TOKEN"
	EnvLogLevel      = "JOBD_LOG_LEVEL"
	EnvTimezone      = "JOBD_TIMEZONE"
	EnvAMQPURL       = "JOBD_AMQP_URL"
	EnvOutputLimit   = "JOBD_OUTPUT_LIMIT_BYTES"
)

// LoadDotEnv loads .env files into the process environment. Variables that
// are already set are kept. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnv overrides cfg from JOBD_* variables.
func ApplyEnv(cfg *Config) {
	set := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvStorageDriver, &cfg.Storage.Driver)
	set(EnvStorageDSN, &cfg.Storage.DSN)
	set(EnvHTTPAddr, &cfg.HTTP.Addr)
	set(EnvHTTPToken, &cfg.HTTP.Token)
	set(EnvLogLevel, &cfg.Logging.Level)
	set(EnvTimezone, &cfg.Scheduler.Timezone)
	if v, ok := os.LookupEnv(EnvAMQPURL); ok && strings.TrimSpace(v) != "" {
		cfg.AMQP.URL = strings.TrimSpace(v)
		cfg.AMQP.Enabled = true
	}
	if v, ok := os.LookupEnv(EnvOutputLimit); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			cfg.Engine.OutputLimitBytes = n
		}
	}
}
