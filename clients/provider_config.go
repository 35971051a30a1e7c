package clients

import (
	"fmt"
	"strings"
	"time"

	"github.com/FrenchMajesty/turbo-batch/rate_limit"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	DefaultOpenAIBaseURL    = "https://api.openai.com"
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
)

// OpenAIOptions are the per-provider options accepted by the openai transport
type OpenAIOptions struct {
	Model            string   `yaml:"model"`
	Temperature      *float64 `yaml:"temperature"`
	MaxTokens        *int     `yaml:"max_tokens"`
	TopP             *float64 `yaml:"top_p"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty"`
	PresencePenalty  *float64 `yaml:"presence_penalty"`
}

// AnthropicOptions are the per-provider options accepted by the anthropic transport
type AnthropicOptions struct {
	Model       string   `yaml:"model"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
}

// DefaultOpenAIOptions returns the options used when a caller does not provide any
func DefaultOpenAIOptions() *OpenAIOptions {
	temperature := 0.7
	return &OpenAIOptions{
		Model:       "gpt-3.5-turbo",
		Temperature: &temperature,
	}
}

// DefaultAnthropicOptions returns the options used when a caller does not provide any
func DefaultAnthropicOptions() *AnthropicOptions {
	temperature := 0.7
	return &AnthropicOptions{
		Model:       "claude-3-opus-20240229",
		MaxTokens:   1024,
		Temperature: &temperature,
	}
}

// ProviderConfig identifies one provider endpoint.
// Two configs with the same name and different base URLs are distinct providers.
type ProviderConfig struct {
	Name    string
	APIKey  string
	BaseURL string

	// Exactly one of these is set, matching Name
	OpenAI    *OpenAIOptions
	Anthropic *AnthropicOptions

	// TokensPerMinute is only read from the first provider of a batch. Nil or 0 means unlimited.
	TokensPerMinute *int
	// RequestsPerMinute gates this provider only. 0 means unlimited.
	RequestsPerMinute int

	TestMode       bool
	Timeout        time.Duration
	CircuitBreaker bool
}

// NewOpenAIConfig builds an openai provider config
func NewOpenAIConfig(apiKey string, opts *OpenAIOptions) ProviderConfig {
	return ProviderConfig{Name: ProviderOpenAI, APIKey: apiKey, OpenAI: opts}
}

// NewAnthropicConfig builds an anthropic provider config
func NewAnthropicConfig(apiKey string, opts *AnthropicOptions) ProviderConfig {
	return ProviderConfig{Name: ProviderAnthropic, APIKey: apiKey, Anthropic: opts}
}

// ResolvedBaseURL returns the base URL override or the provider default, without a trailing slash
func (c ProviderConfig) ResolvedBaseURL() string {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		switch c.Name {
		case ProviderOpenAI:
			base = DefaultOpenAIBaseURL
		case ProviderAnthropic:
			base = DefaultAnthropicBaseURL
		}
	}
	return strings.TrimRight(base, "/")
}

// Key returns the provider identity key used for grouping and per-provider results
func (c ProviderConfig) Key() string {
	return fmt.Sprintf("%s:%s", c.Name, c.ResolvedBaseURL())
}

// Limits returns the provider's rate limits, zero meaning unlimited
func (c ProviderConfig) Limits() rate_limit.RateLimit {
	return rate_limit.RateLimit{RPM: c.RequestsPerMinute, TPM: c.TPM()}
}

// TPM returns the configured tokens-per-minute, 0 when unset
func (c ProviderConfig) TPM() int {
	if c.TokensPerMinute == nil {
		return 0
	}
	return *c.TokensPerMinute
}

// MaxOutputTokens returns the configured completion cap, 0 when unset
func (c ProviderConfig) MaxOutputTokens() int {
	switch {
	case c.OpenAI != nil && c.OpenAI.MaxTokens != nil:
		return *c.OpenAI.MaxTokens
	case c.Anthropic != nil:
		return c.Anthropic.MaxTokens
	}
	return 0
}

// Validate checks the config and returns a *ConfigurationError describing the first problem
func (c ProviderConfig) Validate() error {
	if c.TokensPerMinute != nil && *c.TokensPerMinute < 0 {
		return &ConfigurationError{Provider: c.Name, Field: "tokens_per_minute", Reason: "must not be negative"}
	}
	if c.RequestsPerMinute < 0 {
		return &ConfigurationError{Provider: c.Name, Field: "requests_per_minute", Reason: "must not be negative"}
	}
	if c.Timeout < 0 {
		return &ConfigurationError{Provider: c.Name, Field: "timeout", Reason: "must not be negative"}
	}

	switch c.Name {
	case ProviderOpenAI:
		if c.Anthropic != nil {
			return &ConfigurationError{Provider: c.Name, Field: "options", Reason: "anthropic options given to an openai provider"}
		}
		if c.OpenAI == nil {
			return &ConfigurationError{Provider: c.Name, Field: "options", Reason: "model and temperature are required"}
		}
		if strings.TrimSpace(c.OpenAI.Model) == "" {
			return &ConfigurationError{Provider: c.Name, Field: "model", Reason: "is required"}
		}
		if c.OpenAI.Temperature == nil {
			return &ConfigurationError{Provider: c.Name, Field: "temperature", Reason: "is required"}
		}
		if c.OpenAI.MaxTokens != nil && *c.OpenAI.MaxTokens <= 0 {
			return &ConfigurationError{Provider: c.Name, Field: "max_tokens", Reason: "must be positive"}
		}
	case ProviderAnthropic:
		if c.OpenAI != nil {
			return &ConfigurationError{Provider: c.Name, Field: "options", Reason: "openai options given to an anthropic provider"}
		}
		if c.Anthropic == nil {
			return &ConfigurationError{Provider: c.Name, Field: "options", Reason: "model and max_tokens are required"}
		}
		if strings.TrimSpace(c.Anthropic.Model) == "" {
			return &ConfigurationError{Provider: c.Name, Field: "model", Reason: "is required"}
		}
		if c.Anthropic.MaxTokens <= 0 {
			return &ConfigurationError{Provider: c.Name, Field: "max_tokens", Reason: "must be positive"}
		}
	default:
		return &ConfigurationError{Provider: c.Name, Reason: "Unsupported provider", Err: ErrUnsupportedProvider}
	}

	return nil
}

// ValidateAll checks a provider list for a batch
func ValidateAll(providers []ProviderConfig) error {
	if len(providers) == 0 {
		return &ConfigurationError{Reason: ErrNoProviders.Error(), Err: ErrNoProviders}
	}
	for i, p := range providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %d: %w", i, err)
		}
	}
	return nil
}
