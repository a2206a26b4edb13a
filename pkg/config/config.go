package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/binlift/binlift/pkg/types"
)

// defaultAPIKeySalt is rejected by Validate in production mode; operators
// must set their own salt before exposing the service.
const defaultAPIKeySalt = "binlift-dev-salt"

// TierLimit is a (window, max requests) pair for one API key tier
type TierLimit struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxRequests   int `yaml:"max_requests"`
}

// BreakerConfig tunes the per-provider-key circuit breakers
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	WindowSeconds    int `yaml:"window_seconds"`
	CoolDownSeconds  int `yaml:"cool_down_seconds"`
	SuccessThreshold int `yaml:"success_threshold"`
	ProbeLimit       int `yaml:"probe_limit"`
}

// BlobKindConfig sets the TTL for one blob kind
type BlobKindConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// StorageConfig locates the structured store and blob tier
type StorageConfig struct {
	RootDir string                    `yaml:"root_dir"`
	Kinds   map[string]BlobKindConfig `yaml:"kinds"`
}

// AuthConfig holds credential hashing settings
type AuthConfig struct {
	APIKeySalt string `yaml:"api_key_salt"`
}

// ProviderDefaults fills request fields a submission omitted
type ProviderDefaults struct {
	EndpointURL string `yaml:"endpoint_url"`
	Model       string `yaml:"model"`
	// CostPer1KTokens feeds cost estimation; zero means unknown.
	CostPer1KTokens float64 `yaml:"cost_per_1k_tokens"`
}

// DisassemblerConfig locates and bounds the external tool
type DisassemblerConfig struct {
	Binary             string `yaml:"binary"`
	StepTimeoutSeconds int    `yaml:"step_timeout_seconds"`
}

// TranslationConfig bounds the per-job LLM fan-out
type TranslationConfig struct {
	Concurrency             int `yaml:"concurrency"`
	CallTimeoutSeconds      int `yaml:"call_timeout_seconds"`
	MaxStringsStandard      int `yaml:"max_strings_standard"`
	MaxStringsComprehensive int `yaml:"max_strings_comprehensive"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	ListenAddr          string `yaml:"listen_addr"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full recognized configuration surface. Unknown keys are
// rejected at parse time.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`

	MaxFileSizeMB            int `yaml:"max_file_size_mb"`
	AnalysisTimeoutSeconds   int `yaml:"analysis_timeout_seconds"`
	ResultTTLHours           int `yaml:"result_ttl_hours"`
	WorkerCount              int `yaml:"worker_count"`
	StaleLeaseSeconds        int `yaml:"stale_lease_seconds"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	Disassembler DisassemblerConfig `yaml:"disassembler"`
	Translation  TranslationConfig  `yaml:"translation"`

	RateLimits     map[string]TierLimit        `yaml:"rate_limits"`
	GlobalLimit    TierLimit                   `yaml:"global_limit"`
	CircuitBreaker BreakerConfig               `yaml:"circuit_breaker"`
	Storage        StorageConfig               `yaml:"storage"`
	Auth           AuthConfig                  `yaml:"auth"`
	Providers      map[string]ProviderDefaults `yaml:"providers"`
}

// Default returns a Config populated with service defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:          ":8080",
			ReadTimeoutSeconds:  300,
			WriteTimeoutSeconds: 300,
		},
		Log: LogConfig{Level: "info", JSON: true},

		MaxFileSizeMB:            100,
		AnalysisTimeoutSeconds:   1200,
		ResultTTLHours:           24,
		WorkerCount:              2,
		StaleLeaseSeconds:        60,
		HeartbeatIntervalSeconds: 10,

		Disassembler: DisassemblerConfig{
			Binary:             "radare2",
			StepTimeoutSeconds: 60,
		},
		Translation: TranslationConfig{
			Concurrency:             4,
			CallTimeoutSeconds:      120,
			MaxStringsStandard:      200,
			MaxStringsComprehensive: 1000,
		},

		RateLimits: map[string]TierLimit{
			string(types.TierBasic):      {WindowSeconds: 60, MaxRequests: 10},
			string(types.TierStandard):   {WindowSeconds: 60, MaxRequests: 60},
			string(types.TierPremium):    {WindowSeconds: 60, MaxRequests: 300},
			string(types.TierEnterprise): {WindowSeconds: 60, MaxRequests: 1000},
		},
		GlobalLimit: TierLimit{WindowSeconds: 60, MaxRequests: 5000},
		CircuitBreaker: BreakerConfig{
			FailureThreshold: 5,
			WindowSeconds:    60,
			CoolDownSeconds:  30,
			SuccessThreshold: 2,
			ProbeLimit:       1,
		},
		Storage: StorageConfig{
			RootDir: "/var/lib/binlift",
			Kinds: map[string]BlobKindConfig{
				"upload": {TTLSeconds: 3600},
				"result": {TTLSeconds: 24 * 3600},
			},
		},
		Auth: AuthConfig{APIKeySalt: defaultAPIKeySalt},
		Providers: map[string]ProviderDefaults{
			"openai":    {EndpointURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
			"anthropic": {EndpointURL: "https://api.anthropic.com", Model: "claude-3-5-haiku-latest"},
			"gemini":    {EndpointURL: "https://generativelanguage.googleapis.com/v1beta", Model: "gemini-1.5-flash"},
			"local":     {EndpointURL: "http://localhost:8000/v1", Model: "local"},
		},
	}
}

// Load reads a YAML config file over the defaults. Unknown keys are errors.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(false); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and, in production mode, rejects the default salt.
func (c *Config) Validate(production bool) error {
	if c.MaxFileSizeMB <= 0 {
		return fmt.Errorf("max_file_size_mb must be positive, got %d", c.MaxFileSizeMB)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive, got %d", c.WorkerCount)
	}
	if c.Translation.Concurrency <= 0 {
		return fmt.Errorf("translation.concurrency must be positive, got %d", c.Translation.Concurrency)
	}
	if c.StaleLeaseSeconds <= 0 {
		return fmt.Errorf("stale_lease_seconds must be positive, got %d", c.StaleLeaseSeconds)
	}
	if c.Auth.APIKeySalt == "" {
		return fmt.Errorf("auth.api_key_salt must not be empty")
	}
	if production && c.Auth.APIKeySalt == defaultAPIKeySalt {
		return fmt.Errorf("auth.api_key_salt must differ from the built-in default in production")
	}
	for tier, limit := range c.RateLimits {
		if limit.WindowSeconds <= 0 || limit.MaxRequests <= 0 {
			return fmt.Errorf("rate_limits.%s: window_seconds and max_requests must be positive", tier)
		}
	}
	return nil
}

// TierLimitFor returns the rate limit for a tier, falling back to basic.
func (c *Config) TierLimitFor(tier types.APIKeyTier) TierLimit {
	if limit, ok := c.RateLimits[string(tier)]; ok {
		return limit
	}
	return c.RateLimits[string(types.TierBasic)]
}

// StepTimeout returns the per-command disassembler timeout.
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Disassembler.StepTimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the worker progress-report interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// StaleLease returns the lease age past which a job is reclaimed.
func (c *Config) StaleLease() time.Duration {
	return time.Duration(c.StaleLeaseSeconds) * time.Second
}

// MaxFileSizeBytes returns the upload size cap in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// BlobTTL returns the TTL for a blob kind; zero means no expiry configured.
func (c *Config) BlobTTL(kind string) time.Duration {
	if k, ok := c.Storage.Kinds[kind]; ok {
		return time.Duration(k.TTLSeconds) * time.Second
	}
	return 0
}
