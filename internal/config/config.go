package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default configuration file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML. Environment variables
// override the file values so deployments can keep secrets out of the file.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL  string `yaml:"databaseURL"`
	EmbeddingDim int    `yaml:"embeddingDim"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	// Compute service: where it listens and, when the gateway supervises it,
	// how to launch it.
	ComputeServiceURL string   `yaml:"computeServiceURL"`
	ComputeCommand    string   `yaml:"computeCommand"`
	ComputeArgs       []string `yaml:"computeArgs"`
	ComputeWorkDir    string   `yaml:"computeWorkDir"`
	ComputeExtraEnv   []string `yaml:"computeExtraEnv"`

	// Timeouts per route class. Chat calls invoke a language model and
	// legitimately take far longer than metadata calls; the process fetch
	// sits in between.
	ProxyTimeout      string `yaml:"proxyTimeout"`
	ProcessTimeout    string `yaml:"processTimeout"`
	ChatTimeout       string `yaml:"chatTimeout"`
	ReadyBackoffLimit string `yaml:"readyBackoffLimit"`

	ProcessRateLimitPerMinute int      `yaml:"processRateLimitPerMinute"`
	TrustedProxyCIDRs         []string `yaml:"trustedProxyCidrs"`

	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	ContextMaxBytes      int    `yaml:"contextMaxBytes"`
	StaleProcessingAfter string `yaml:"staleProcessingAfter"`
	SweepInterval        string `yaml:"sweepInterval"`
	PollIntervalSeconds  int    `yaml:"pollIntervalSeconds"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	InternalTokenSecret string `yaml:"internalTokenSecret"`
	InternalTokenTTL    string `yaml:"internalTokenTTL"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *FileConfig) {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("COMPUTE_SERVICE_URL"); v != "" {
		cfg.ComputeServiceURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("COMPUTE_COMMAND"); v != "" {
		cfg.ComputeCommand = strings.TrimSpace(v)
	}
	if v := os.Getenv("COMPUTE_WORKDIR"); v != "" {
		cfg.ComputeWorkDir = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_PROXY_TIMEOUT"); v != "" {
		cfg.ProxyTimeout = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_PROCESS_TIMEOUT"); v != "" {
		cfg.ProcessTimeout = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_CHAT_TIMEOUT"); v != "" {
		cfg.ChatTimeout = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_PROCESS_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProcessRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("GATEWAY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("GATEWAY_CONTEXT_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ContextMaxBytes = n
		}
	}
	if v := os.Getenv("REPOCHAT_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingDim = n
		}
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("INTERNAL_TOKEN_SECRET"); v != "" {
		cfg.InternalTokenSecret = v
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or GATEWAY_PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.ComputeServiceURL == "" {
		return errors.New("config: computeServiceURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for the embed queue and rate limiting")
	}
	if cfg.ProcessRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.ContextMaxBytes < 0 {
		return errors.New("config: contextMaxBytes must be >= 0")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"proxyTimeout", cfg.ProxyTimeout},
		{"processTimeout", cfg.ProcessTimeout},
		{"chatTimeout", cfg.ChatTimeout},
		{"readyBackoffLimit", cfg.ReadyBackoffLimit},
		{"staleProcessingAfter", cfg.StaleProcessingAfter},
		{"sweepInterval", cfg.SweepInterval},
		{"internalTokenTTL", cfg.InternalTokenTTL},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("config: invalid %s duration: %w", field.name, err)
		}
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseDurationOr parses an optional duration string, returning fallback when
// empty or invalid.
func ParseDurationOr(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	dur, err := time.ParseDuration(raw)
	if err != nil || dur <= 0 {
		return fallback
	}
	return dur
}
