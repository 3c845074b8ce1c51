// Package config loads atomjob's YAML configuration and applies
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/atomjob/internal/lifecycle"
	"github.com/roach88/atomjob/internal/usage"
)

// Providers and drivers accepted by Validate.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full runtime configuration.
type Config struct {
	Job     JobConfig     `yaml:"job"`
	Limits  LimitsConfig  `yaml:"limits"`
	Model   ModelConfig   `yaml:"model"`
	Pricing PricingConfig `yaml:"pricing"`
	Store   StoreConfig   `yaml:"store"`
	Proof   ProofConfig   `yaml:"proof"`
	Policy  PolicyConfig  `yaml:"policy"`
	Log     LogConfig     `yaml:"log"`
}

type JobConfig struct {
	TTL              time.Duration `yaml:"ttl"`
	MaxRetries       int           `yaml:"max_retries"`
	Workers          int           `yaml:"workers"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	MaxOutputTokens  int           `yaml:"max_output_tokens"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`

	// MaxDocumentChars truncates each rendered document. Zero disables.
	MaxDocumentChars int `yaml:"max_document_chars"`
	FileConcurrency  int `yaml:"file_concurrency"`
}

type LimitsConfig struct {
	MaxFiles      int   `yaml:"max_files"`
	MaxFileBytes  int64 `yaml:"max_file_bytes"`
	MaxTotalBytes int64 `yaml:"max_total_bytes"`
}

type ModelConfig struct {
	Provider    string        `yaml:"provider"`
	Name        string        `yaml:"name"`
	BaseURL     string        `yaml:"base_url"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`

	// APIKey is read from OPENAI_API_KEY or GEMINI_API_KEY, never from the file.
	APIKey string `yaml:"-"`
}

type PricingConfig struct {
	Default         *usage.Price           `yaml:"default"`
	Models          map[string]usage.Price `yaml:"models"`
	DisplayCurrency string                 `yaml:"display_currency"`
	ConversionRate  float64                `yaml:"conversion_rate"`
}

type StoreConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type ProofConfig struct {
	// SigningKeyEnv names the environment variable holding the HMAC key.
	SigningKeyEnv string `yaml:"signing_key_env"`

	SigningKey []byte `yaml:"-"`
}

type PolicyConfig struct {
	// Path is a CUE policy file. Empty uses the compiled-in policy.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	lc := lifecycle.DefaultConfig()
	return &Config{
		Job: JobConfig{
			TTL:              lc.TTL,
			MaxRetries:       lc.MaxRetries,
			Workers:          lc.Workers,
			ExecutionTimeout: lc.ExecutionTimeout,
			MaxOutputTokens:  4096,
			MaxDocumentChars: 200_000,
			FileConcurrency:  4,
		},
		Limits: LimitsConfig{
			MaxFiles:      lc.Limits.MaxFiles,
			MaxFileBytes:  lc.Limits.MaxFileBytes,
			MaxTotalBytes: lc.Limits.MaxTotalBytes,
		},
		Model: ModelConfig{
			Provider: ProviderOpenAI,
			Timeout:  90 * time.Second,
		},
		Pricing: PricingConfig{
			DisplayCurrency: usage.BillingCurrency,
			ConversionRate:  1,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			DSN:    "atomjob.db",
		},
		Proof: ProofConfig{SigningKeyEnv: "ATOMJOB_SIGNING_KEY"},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	// Reject unknown fields so typos such as "max_retry:" fail loudly.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// ApplyEnv overlays ATOMJOB_* variables and provider API keys.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) error {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
		return nil
	}

	str("ATOMJOB_STORE_DRIVER", &c.Store.Driver)
	str("ATOMJOB_STORE_DSN", &c.Store.DSN)
	str("ATOMJOB_MODEL_PROVIDER", &c.Model.Provider)
	str("ATOMJOB_MODEL_NAME", &c.Model.Name)
	str("ATOMJOB_MODEL_BASE_URL", &c.Model.BaseURL)
	str("ATOMJOB_POLICY_PATH", &c.Policy.Path)
	str("ATOMJOB_LOG_LEVEL", &c.Log.Level)
	str("ATOMJOB_LOG_FORMAT", &c.Log.Format)

	if err := duration("ATOMJOB_JOB_TTL", &c.Job.TTL); err != nil {
		return err
	}
	if err := duration("ATOMJOB_EXECUTION_TIMEOUT", &c.Job.ExecutionTimeout); err != nil {
		return err
	}
	if err := integer("ATOMJOB_MAX_RETRIES", &c.Job.MaxRetries); err != nil {
		return err
	}
	if err := integer("ATOMJOB_WORKERS", &c.Job.Workers); err != nil {
		return err
	}

	switch c.Model.Provider {
	case ProviderOpenAI:
		str("OPENAI_API_KEY", &c.Model.APIKey)
	case ProviderGemini:
		str("GEMINI_API_KEY", &c.Model.APIKey)
	}

	if c.Proof.SigningKeyEnv != "" {
		if v, ok := lookup(c.Proof.SigningKeyEnv); ok && v != "" {
			c.Proof.SigningKey = []byte(v)
		}
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Lifecycle().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("job: %w", err))
	}
	if c.Job.MaxOutputTokens < 1 {
		errs = append(errs, fmt.Errorf("job.max_output_tokens must be at least 1, got %d", c.Job.MaxOutputTokens))
	}
	if c.Job.SweepInterval < 0 {
		errs = append(errs, errors.New("job.sweep_interval must not be negative"))
	}
	switch c.Model.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("model.provider %q: must be %s or %s", c.Model.Provider, ProviderOpenAI, ProviderGemini))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: must be memory, sqlite or postgres", c.Store.Driver))
	}
	if c.Pricing.ConversionRate < 0 {
		errs = append(errs, errors.New("pricing.conversion_rate must not be negative"))
	}
	for name, p := range c.Pricing.Models {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			errs = append(errs, fmt.Errorf("pricing.models.%s: prices must not be negative", name))
		}
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Lifecycle returns the Manager configuration.
func (c *Config) Lifecycle() lifecycle.Config {
	lc := lifecycle.DefaultConfig()
	lc.TTL = c.Job.TTL
	lc.MaxRetries = c.Job.MaxRetries
	lc.Workers = c.Job.Workers
	lc.ExecutionTimeout = c.Job.ExecutionTimeout
	lc.SweepInterval = c.Job.SweepInterval
	lc.Limits = lifecycle.Limits{
		MaxFiles:      c.Limits.MaxFiles,
		MaxFileBytes:  c.Limits.MaxFileBytes,
		MaxTotalBytes: c.Limits.MaxTotalBytes,
	}
	return lc
}

// PriceTable overlays configured prices on the compiled-in table.
func (c *Config) PriceTable() *usage.PriceTable {
	t := usage.DefaultPriceTable()
	for name, p := range c.Pricing.Models {
		t.Models[name] = p
	}
	if c.Pricing.Default != nil {
		t.Default = *c.Pricing.Default
	}
	if c.Pricing.DisplayCurrency != "" {
		t.DisplayCurrency = c.Pricing.DisplayCurrency
	}
	if c.Pricing.ConversionRate > 0 {
		t.ConversionRate = c.Pricing.ConversionRate
	}
	return t
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q: must be debug, info, warn or error", c.Log.Level)
}
