package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the relay. The shape of
// this struct mirrors the configuration surface documented in DESIGN.md
// to keep configuration deterministic and discoverable.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Queue  QueueConfig
	Retry  RetryConfig
	Health HealthConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// DBConfig carries the connection string for the database driving the
// queue. Pool sizing and credentials are the external collaborator's
// concern; the relay only needs a DSN to open connections against.
type DBConfig struct {
	DSN string
}

// QueueConfig controls which Service Broker queue is consumed and how many
// listener workers the supervisor keeps alive against it.
type QueueConfig struct {
	Name               string
	ListenerThreads    int
	MaxQueueNameLength int
}

// RetryConfig controls the per-conversation retry and backoff behaviour
// applied by the error classifier.
type RetryConfig struct {
	MaxRetries            int
	BaseRetryDelay        time.Duration
	MaxRetryDelay         time.Duration
	UseExponentialBackoff bool
	GracefulTimeout       time.Duration
}

// HealthConfig controls the read-only telemetry HTTP surface.
type HealthConfig struct {
	ListenAddr string
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.DB.DSN = ldr.getString("RELAY_DB_DSN", "", true)

	cfg.Queue.Name = ldr.getString("RELAY_QUEUE_NAME", "", true)
	cfg.Queue.ListenerThreads = ldr.getInt("RELAY_LISTENER_THREADS", 4, false)
	cfg.Queue.MaxQueueNameLength = ldr.getInt("RELAY_MAX_QUEUE_NAME_LENGTH", 128, false)

	cfg.Retry.MaxRetries = ldr.getInt("RELAY_MAX_RETRIES", 3, false)
	cfg.Retry.BaseRetryDelay = ldr.getDuration("RELAY_BASE_RETRY_DELAY", 2*time.Second, false)
	cfg.Retry.MaxRetryDelay = ldr.getDuration("RELAY_MAX_RETRY_DELAY", 60*time.Second, false)
	cfg.Retry.UseExponentialBackoff = ldr.getBool("RELAY_USE_EXPONENTIAL_BACKOFF", true, false)
	cfg.Retry.GracefulTimeout = ldr.getDuration("RELAY_GRACEFUL_TIMEOUT", 10*time.Second, false)

	cfg.Health.ListenAddr = ldr.getString("RELAY_HEALTH_LISTEN_ADDR", ":8090", false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}
	if err := cfg.validateInvariants(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validateInvariants() error {
	if len(c.Queue.Name) > c.Queue.MaxQueueNameLength {
		return fmt.Errorf("config: queue name exceeds max length of %d", c.Queue.MaxQueueNameLength)
	}
	if c.Queue.ListenerThreads < 1 {
		return fmt.Errorf("config: listener threads must be >= 1")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: max retries must be >= 0")
	}
	return nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid boolean", key))
			return def
		}
		return parsed
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getDuration(key string, def time.Duration, required bool) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid duration", key))
			return def
		}
		return d
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
