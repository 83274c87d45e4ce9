package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-once/pkg/executor"
	"github.com/Mindburn-Labs/helm-once/pkg/observability"
	"github.com/Mindburn-Labs/helm-once/pkg/outbox"
	"github.com/Mindburn-Labs/helm-once/pkg/saga"
)

// Driver names a storage backend.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config holds process configuration.
type Config struct {
	Service     string `yaml:"service"`
	Driver      Driver `yaml:"database_driver"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"` // empty keeps saga locks in the database
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // "json" | "text"

	RecordTTL     time.Duration `yaml:"record_ttl"`
	Lease         time.Duration `yaml:"lease_duration"`
	DuplicateWait time.Duration `yaml:"duplicate_wait"`

	Outbox OutboxConfig `yaml:"outbox"`
	Saga   SagaConfig   `yaml:"saga"`
	OTel   OTelConfig   `yaml:"otel"`
}

// OutboxConfig tunes the relay.
type OutboxConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	Rate         float64       `yaml:"rate"`
}

// SagaConfig tunes the coordinator.
type SagaConfig struct {
	StepAttempts int           `yaml:"step_attempts"`
	Retention    time.Duration `yaml:"retention"`
}

// OTelConfig controls OTLP export.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Service:       "default",
		Driver:        DriverSQLite,
		DatabaseURL:   "helm-once.db",
		LogLevel:      "INFO",
		LogFormat:     "json",
		RecordTTL:     24 * time.Hour,
		Lease:         30 * time.Second,
		DuplicateWait: 30 * time.Second,
		Outbox: OutboxConfig{
			BatchSize:    100,
			PollInterval: time.Second,
			MaxAttempts:  10,
			BaseBackoff:  time.Second,
			MaxBackoff:   5 * time.Minute,
		},
		Saga: SagaConfig{
			StepAttempts: 3,
			Retention:    7 * 24 * time.Hour,
		},
		OTel: OTelConfig{Endpoint: "localhost:4317"},
	}
}

// Load loads configuration from environment variables on top of Default.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a YAML file over Default, then applies environment
// overrides, so env wins over file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

type envReader struct {
	errs []string
}

func (r *envReader) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*dst = d
}

func (r *envReader) int(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*dst = n
}

func (r *envReader) float(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*dst = f
}

func (c *Config) applyEnv() error {
	r := &envReader{}
	r.str("HELM_ONCE_SERVICE", &c.Service)
	driver := string(c.Driver)
	r.str("DATABASE_DRIVER", &driver)
	c.Driver = Driver(strings.ToLower(driver))
	r.str("DATABASE_URL", &c.DatabaseURL)
	r.str("REDIS_ADDR", &c.RedisAddr)
	r.str("LOG_LEVEL", &c.LogLevel)
	r.str("LOG_FORMAT", &c.LogFormat)
	r.duration("RECORD_TTL", &c.RecordTTL)
	r.duration("LEASE_DURATION", &c.Lease)
	r.duration("DUPLICATE_WAIT", &c.DuplicateWait)
	r.int("OUTBOX_BATCH_SIZE", &c.Outbox.BatchSize)
	r.duration("OUTBOX_POLL_INTERVAL", &c.Outbox.PollInterval)
	r.int("OUTBOX_MAX_ATTEMPTS", &c.Outbox.MaxAttempts)
	r.duration("OUTBOX_BASE_BACKOFF", &c.Outbox.BaseBackoff)
	r.duration("OUTBOX_MAX_BACKOFF", &c.Outbox.MaxBackoff)
	r.float("OUTBOX_RATE", &c.Outbox.Rate)
	r.int("SAGA_STEP_ATTEMPTS", &c.Saga.StepAttempts)
	r.duration("SAGA_RETENTION", &c.Saga.Retention)
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		c.OTel.Enabled = v == "true" || v == "1"
	}
	r.str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTel.Endpoint)

	if len(r.errs) > 0 {
		return fmt.Errorf("config: invalid environment: %s", strings.Join(r.errs, "; "))
	}
	return nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	var problems []string
	switch c.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.DatabaseURL == "" {
			problems = append(problems, "database_url is required for "+string(c.Driver))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown database_driver %q", c.Driver))
	}
	if c.Service == "" {
		problems = append(problems, "service is required")
	}
	if c.RecordTTL <= 0 {
		problems = append(problems, "record_ttl must be positive")
	}
	if c.Lease <= 0 || c.Lease >= c.RecordTTL {
		problems = append(problems, "lease_duration must be positive and shorter than record_ttl")
	}
	if c.DuplicateWait <= 0 {
		problems = append(problems, "duplicate_wait must be positive")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.MaxAttempts <= 0 {
		problems = append(problems, "outbox batch_size and max_attempts must be positive")
	}
	if c.Outbox.PollInterval <= 0 {
		problems = append(problems, "outbox poll_interval must be positive")
	}
	if c.Outbox.BaseBackoff <= 0 || c.Outbox.MaxBackoff < c.Outbox.BaseBackoff {
		problems = append(problems, "outbox backoff needs 0 < base_backoff <= max_backoff")
	}
	if c.Outbox.Rate < 0 {
		problems = append(problems, "outbox rate cannot be negative")
	}
	if c.Saga.StepAttempts <= 0 {
		problems = append(problems, "saga step_attempts must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_format %q", c.LogFormat))
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Executor maps the configuration onto executor settings.
func (c *Config) Executor() executor.Config {
	x := executor.DefaultConfig()
	x.Service = c.Service
	x.RecordTTL = c.RecordTTL
	x.Lease = c.Lease
	x.DefaultTimeout = c.DuplicateWait
	x.StepRetry.MaxAttempts = c.Saga.StepAttempts
	return x
}

// Relay maps the configuration onto outbox processor settings.
func (c *Config) Relay(workerID string) outbox.Config {
	o := outbox.DefaultConfig()
	o.WorkerID = workerID
	o.BatchSize = c.Outbox.BatchSize
	o.PollInterval = c.Outbox.PollInterval
	o.RatePerSecond = c.Outbox.Rate
	o.Backoff.BaseMs = c.Outbox.BaseBackoff.Milliseconds()
	o.Backoff.MaxMs = c.Outbox.MaxBackoff.Milliseconds()
	o.Backoff.MaxAttempts = c.Outbox.MaxAttempts
	return o
}

// Coordinator maps the configuration onto saga coordinator settings.
func (c *Config) Coordinator(holder string) saga.Config {
	s := saga.DefaultConfig()
	s.Holder = holder
	s.LockTTL = c.Lease
	s.StepRetry.MaxAttempts = c.Saga.StepAttempts
	return s
}

// Observability maps the configuration onto provider settings.
func (c *Config) Observability() *observability.Config {
	o := observability.DefaultConfig()
	o.ServiceName = "helm-once-" + c.Service
	o.Enabled = c.OTel.Enabled
	o.OTLPEndpoint = c.OTel.Endpoint
	return o
}
