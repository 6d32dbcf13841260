package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key when read from the environment.
const EnvPrefix = "TALLY"

// legacyEnv maps configuration keys to the variable names older deployments export.
var legacyEnv = map[string][]string{
	"broker.amqp.host":            {"RABBITMQ_HOST"},
	"broker.amqp.port":            {"RABBITMQ_PORT"},
	"broker.amqp.user":            {"RABBITMQ_USER"},
	"broker.amqp.password":        {"RABBITMQ_PASS"},
	"broker.redis.url":            {"REDIS_URL"},
	"broker.redis.password":       {"REDIS_PASSWORD"},
	"inference.url":               {"OLLAMA_API_URL"},
	"inference.models.ocr":        {"OCR_MODEL"},
	"inference.models.categorize": {"BUDGET_MODEL"},
	"inference.models.budget":     {"BUDGET_MODEL"},
	"inference.models.advice":     {"ADVICE_MODEL"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.kind", BrokerAMQP)
	v.SetDefault("broker.amqp.host", "localhost")
	v.SetDefault("broker.amqp.port", 5672)
	v.SetDefault("broker.amqp.user", "guest")
	v.SetDefault("broker.amqp.password", "guest")
	v.SetDefault("broker.amqp.vhost", "/")
	v.SetDefault("broker.amqp.heartbeat", 60*time.Second)
	v.SetDefault("broker.redis.url", "")
	v.SetDefault("broker.redis.password", "")
	v.SetDefault("broker.redis.consumer_group", "tally-workers")
	v.SetDefault("broker.redis.block", 5*time.Second)
	v.SetDefault("broker.redis.claim_idle", 45*time.Minute)

	v.SetDefault("inference.backend", BackendOllama)
	v.SetDefault("inference.url", "http://localhost:11434")
	v.SetDefault("inference.api_key", "")
	v.SetDefault("inference.timeout", 5*time.Minute)
	v.SetDefault("inference.budget_timeout", 30*time.Minute)
	v.SetDefault("inference.rate_limit", 0.0)
	v.SetDefault("inference.rate_burst", 1)
	v.SetDefault("inference.models.ocr", "qwen3-vl:8b")
	v.SetDefault("inference.models.categorize", "qwen3:14b")
	v.SetDefault("inference.models.advice", "qwen3:0.6b")
	v.SetDefault("inference.models.budget", "qwen3:14b")

	for _, p := range []string{PipelineOCR, PipelineAdvice, PipelineBudget} {
		v.SetDefault("pipelines."+p+".tasks", p+"_tasks")
		v.SetDefault("pipelines."+p+".results", p+"_results")
		v.SetDefault("pipelines."+p+".dead_letter", "")
	}

	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("usage.disabled", false)
	v.SetDefault("usage.db_path", defaultUsagePath())
	v.SetDefault("usage.queue", "tally_usage")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("health.addr", "")
	v.SetDefault("assets_dir", "")
}

func defaultUsagePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tally-usage.db"
	}
	return filepath.Join(home, ".tally", "usage.db")
}

// Load reads configuration. Environment variables take precedence over the
// file at path (optional), which takes precedence over defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		envs := append([]string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and the cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Broker.Kind == BrokerRedis {
		if c.Broker.Redis.URL == "" {
			return errors.New("invalid config: broker.redis.url is required when broker.kind is redis")
		}
		if err := c.checkClaimIdle(); err != nil {
			return err
		}
	}
	if !c.Usage.Disabled && c.Usage.DBPath == "" {
		return errors.New("invalid config: usage.db_path is required unless usage.disabled is set")
	}
	return nil
}

// checkClaimIdle keeps a live task from being taken over by a second
// consumer: an OCR task makes two inference calls, a budget task one call
// bounded by budget_timeout.
func (c *Config) checkClaimIdle() error {
	idle := c.Broker.Redis.ClaimIdle
	if longest := 2 * c.Inference.Timeout; idle <= longest {
		return fmt.Errorf("invalid config: broker.redis.claim_idle (%s) must exceed twice inference.timeout (%s)", idle, longest)
	}
	if idle <= c.Inference.BudgetTimeout {
		return fmt.Errorf("invalid config: broker.redis.claim_idle (%s) must exceed inference.budget_timeout (%s)", idle, c.Inference.BudgetTimeout)
	}
	return nil
}
