package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the pvebatch server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Proxmox   ProxmoxConfig
	AI        AIConfig
	Batch     BatchConfig
	RateLimit RateLimitConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL       string
	StatusTTL time.Duration
}

type ProxmoxConfig struct {
	Host       string
	User       string
	Password   string
	TokenName  string
	TokenValue string
	VerifySSL  bool
	Timeout    time.Duration
}

// UsesToken reports whether API token authentication is configured.
func (p ProxmoxConfig) UsesToken() bool {
	return p.TokenName != "" && p.TokenValue != ""
}

type AIConfig struct {
	Provider          string
	InferenceTimeout  time.Duration
	MaxTokens         int
	MaxRetries        int
	RequestsPerMinute int
	Ollama            OllamaConfig
	VLLM              VLLMConfig
	OpenAI            OpenAIConfig
	Anthropic         AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// BatchConfig controls the batch job engine.
type BatchConfig struct {
	Size             int
	OutputDir        string
	FailureThreshold float64
	ExclusiveJobs    bool
	Stages           StageToggles
}

// StageToggles enables or disables each pipeline stage and the summary report.
type StageToggles struct {
	ConfigSnapshot bool
	Analysis       bool
	SecurityReview bool
	Optimization   bool
	Terraform      bool
	Ansible        bool
	SummaryReport  bool
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type TelemetryConfig struct {
	TracingEnabled bool
	ServiceName    string
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PVEBATCH_PORT", 8000),
			Env:  envString("PVEBATCH_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			StatusTTL: envDuration("REDIS_STATUS_TTL", 24*time.Hour),
		},
		Proxmox: ProxmoxConfig{
			Host:       os.Getenv("PROXMOX_HOST"),
			User:       os.Getenv("PROXMOX_USER"),
			Password:   os.Getenv("PROXMOX_PASSWORD"),
			TokenName:  os.Getenv("PROXMOX_TOKEN_NAME"),
			TokenValue: os.Getenv("PROXMOX_TOKEN_VALUE"),
			VerifySSL:  envBool("PROXMOX_VERIFY_SSL", false),
			Timeout:    envDuration("PROXMOX_TIMEOUT", 30*time.Second),
		},
		AI: AIConfig{
			Provider:          envString("AI_PROVIDER", "anthropic"),
			InferenceTimeout:  envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 120*time.Second),
			MaxTokens:         envInt("AI_MAX_TOKENS", 8000),
			MaxRetries:        envInt("AI_MAX_RETRIES", 3),
			RequestsPerMinute: envInt("AI_REQUESTS_PER_MINUTE", 0),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000"),
				Model:   envString("VLLM_MODEL", ""),
			},
			OpenAI: OpenAIConfig{
				APIKey: os.Getenv("OPENAI_API_KEY"),
				Model:  envString("OPENAI_MODEL", "gpt-4"),
			},
			Anthropic: AnthropicConfig{
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				Model:   envString("CLAUDE_MODEL", "claude-sonnet-4-20250514"),
			},
		},
		Batch: BatchConfig{
			Size:             envInt("BATCH_SIZE", 5),
			OutputDir:        envString("OUTPUT_DIR", "./output"),
			FailureThreshold: envFloat("BATCH_FAILURE_THRESHOLD", 0),
			ExclusiveJobs:    envBool("BATCH_EXCLUSIVE_JOBS", false),
			Stages: StageToggles{
				ConfigSnapshot: envBool("ENABLE_CONFIG_SNAPSHOT", true),
				Analysis:       envBool("ENABLE_ANALYSIS", true),
				SecurityReview: envBool("ENABLE_SECURITY_REVIEW", true),
				Optimization:   envBool("ENABLE_OPTIMIZATION", true),
				Terraform:      envBool("ENABLE_TERRAFORM", true),
				Ansible:        envBool("ENABLE_ANSIBLE", true),
				SummaryReport:  envBool("ENABLE_SUMMARY_REPORT", true),
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 120),
		},
		Telemetry: TelemetryConfig{
			TracingEnabled: envBool("TRACING_ENABLED", false),
			ServiceName:    envString("OTEL_SERVICE_NAME", "pvebatch"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Proxmox.Host == "" {
		return fmt.Errorf("PROXMOX_HOST is required")
	}
	if c.Proxmox.User == "" {
		return fmt.Errorf("PROXMOX_USER is required")
	}
	if !c.Proxmox.UsesToken() && c.Proxmox.Password == "" {
		return fmt.Errorf("either PROXMOX_PASSWORD or PROXMOX_TOKEN_NAME and PROXMOX_TOKEN_VALUE must be set")
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai, anthropic; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.Provider == "vllm" && c.AI.VLLM.Model == "" {
		return fmt.Errorf("VLLM_MODEL is required when AI_PROVIDER is vllm")
	}
	if c.AI.MaxRetries < 0 {
		return fmt.Errorf("AI_MAX_RETRIES must not be negative, got %d", c.AI.MaxRetries)
	}
	if c.AI.RequestsPerMinute < 0 {
		return fmt.Errorf("AI_REQUESTS_PER_MINUTE must not be negative, got %d", c.AI.RequestsPerMinute)
	}

	if c.Batch.Size < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1, got %d", c.Batch.Size)
	}
	if c.Batch.OutputDir == "" {
		return fmt.Errorf("OUTPUT_DIR must not be empty")
	}
	if c.Batch.FailureThreshold < 0 || c.Batch.FailureThreshold > 1 {
		return fmt.Errorf("BATCH_FAILURE_THRESHOLD must be between 0 and 1, got %v", c.Batch.FailureThreshold)
	}

	return nil
}

// BaseURL returns the Proxmox API root for the configured host. A bare host
// gets https:// and the default API port 8006.
func (p ProxmoxConfig) BaseURL() string {
	host := strings.TrimSuffix(p.Host, "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	if !strings.Contains(host, ":") {
		host += ":8006"
	}
	return "https://" + host
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
