package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/FrenchMajesty/turbo-batch/clients"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Providers []ProviderConfig `yaml:"providers"`
	Batch     BatchConfig      `yaml:"batch"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Tracing   TracingConfig    `yaml:"tracing"`
	Store     StoreConfig      `yaml:"store"`
}

// ProviderConfig is one provider entry. Options are decoded into the typed options of the named provider.
type ProviderConfig struct {
	Name              string        `yaml:"name"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	TokensPerMinute   *int          `yaml:"tokens_per_minute"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Timeout           time.Duration `yaml:"timeout"`
	TestMode          bool          `yaml:"test_mode"`
	CircuitBreaker    bool          `yaml:"circuit_breaker"`
	Options           yaml.Node     `yaml:"options"`
}

type BatchConfig struct {
	TestMode        bool           `yaml:"test_mode"`
	TokensPerMinute *int           `yaml:"tokens_per_minute"`
	Burst           int            `yaml:"burst"`
	Workers         int            `yaml:"workers"`
	RequestTimeout  time.Duration  `yaml:"request_timeout"`
	Requests        RequestsConfig `yaml:"requests"`
}

// RequestsConfig describes the synthetic requests sent by the demo binary
type RequestsConfig struct {
	Count  int    `yaml:"count"`
	System string `yaml:"system"`
	Prompt string `yaml:"prompt"`
}

// MetricsConfig controls the /metrics endpoint. The server stops once the batch
// finishes, after Linger has passed so a scraper can collect the final counters.
type MetricsConfig struct {
	ListenAddr string        `yaml:"listen_addr"`
	Linger     time.Duration `yaml:"linger"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

func Default() Config {
	return Config{
		Providers: []ProviderConfig{
			{
				Name:   clients.ProviderOpenAI,
				APIKey: os.Getenv("OPENAI_API_KEY"),
			},
		},
		Batch: BatchConfig{
			TestMode:       true,
			RequestTimeout: 60 * time.Second,
			Requests: RequestsConfig{
				Count:  100,
				System: "You are a helpful assistant.",
				Prompt: "Write a haiku about rate limits.",
			},
		},
		Tracing: TracingConfig{
			ServiceName: "turbo-batch",
		},
	}
}

// Load reads a .env file (envFiles, or ./.env by default) when present, then the YAML config at path.
// ${VAR} references in the YAML are expanded from the environment before decoding.
// A missing config file yields the defaults.
func Load(path string, envFiles ...string) (Config, error) {
	// Missing .env files are not an error
	_ = godotenv.Load(envFiles...)

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			expanded := os.ExpandEnv(string(data))
			decoder := yaml.NewDecoder(strings.NewReader(expanded))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv lets a few batch settings be overridden without editing the file
func applyEnv(cfg *Config) error {
	if raw, ok := os.LookupEnv("TURBO_BATCH_TEST_MODE"); ok {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid TURBO_BATCH_TEST_MODE: %w", err)
		}
		cfg.Batch.TestMode = v
	}

	if raw, ok := os.LookupEnv("TURBO_BATCH_WORKERS"); ok {
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid TURBO_BATCH_WORKERS: %w", err)
		}
		cfg.Batch.Workers = v
	}

	if raw, ok := os.LookupEnv("TURBO_BATCH_TOKENS_PER_MINUTE"); ok {
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid TURBO_BATCH_TOKENS_PER_MINUTE: %w", err)
		}
		cfg.Batch.TokensPerMinute = &v
	}

	return nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Batch.Workers < 0 {
		return fmt.Errorf("batch.workers must not be negative (got %d)", cfg.Batch.Workers)
	}
	if cfg.Batch.Burst < 0 {
		return fmt.Errorf("batch.burst must not be negative (got %d)", cfg.Batch.Burst)
	}
	if cfg.Batch.TokensPerMinute != nil && *cfg.Batch.TokensPerMinute < 0 {
		return fmt.Errorf("batch.tokens_per_minute must not be negative (got %d)", *cfg.Batch.TokensPerMinute)
	}
	if cfg.Metrics.Linger < 0 {
		return fmt.Errorf("metrics.linger must not be negative (got %s)", cfg.Metrics.Linger)
	}
	if cfg.Batch.Requests.Count < 0 {
		return fmt.Errorf("batch.requests.count must not be negative (got %d)", cfg.Batch.Requests.Count)
	}

	if _, err := cfg.ProviderConfigs(); err != nil {
		return err
	}
	return nil
}

// ProviderConfigs converts the provider entries into validated client configs
func (c Config) ProviderConfigs() ([]clients.ProviderConfig, error) {
	providers := make([]clients.ProviderConfig, 0, len(c.Providers))
	for i, p := range c.Providers {
		pc := clients.ProviderConfig{
			Name:              strings.ToLower(strings.TrimSpace(p.Name)),
			APIKey:            p.APIKey,
			BaseURL:           p.BaseURL,
			TokensPerMinute:   p.TokensPerMinute,
			RequestsPerMinute: p.RequestsPerMinute,
			Timeout:           p.Timeout,
			TestMode:          p.TestMode,
			CircuitBreaker:    p.CircuitBreaker,
		}

		switch pc.Name {
		case clients.ProviderOpenAI:
			opts := clients.DefaultOpenAIOptions()
			if err := decodeOptions(p.Options, opts); err != nil {
				return nil, fmt.Errorf("providers[%d].options: %w", i, err)
			}
			pc.OpenAI = opts
		case clients.ProviderAnthropic:
			opts := clients.DefaultAnthropicOptions()
			if err := decodeOptions(p.Options, opts); err != nil {
				return nil, fmt.Errorf("providers[%d].options: %w", i, err)
			}
			pc.Anthropic = opts
		}

		providers = append(providers, pc)
	}

	if err := clients.ValidateAll(providers); err != nil {
		return nil, err
	}
	return providers, nil
}

// decodeOptions overlays the options node onto the defaults in out, rejecting unknown keys
func decodeOptions(node yaml.Node, out any) error {
	if node.Kind == 0 {
		return nil
	}

	data, err := yaml.Marshal(&node)
	if err != nil {
		return err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
