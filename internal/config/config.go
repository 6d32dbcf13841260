// Package config loads worker configuration from defaults, an optional YAML
// file and the environment.
package config

import "time"

// Broker kinds.
const (
	BrokerAMQP  = "amqp"
	BrokerRedis = "redis"
)

// Inference backends.
const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
)

// Pipeline names.
const (
	PipelineOCR    = "ocr"
	PipelineAdvice = "advice"
	PipelineBudget = "budget"
)

// Config holds all worker configuration.
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker" yaml:"broker" validate:"required"`
	Inference InferenceConfig `mapstructure:"inference" yaml:"inference" validate:"required"`
	Pipelines PipelinesConfig `mapstructure:"pipelines" yaml:"pipelines" validate:"required"`
	Worker    WorkerConfig    `mapstructure:"worker" yaml:"worker"`
	Usage     UsageConfig     `mapstructure:"usage" yaml:"usage"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`

	// AssetsDir overrides the embedded schemas and prompts when set.
	AssetsDir string `mapstructure:"assets_dir" yaml:"assets_dir"`
}

// BrokerConfig selects and configures the message broker.
type BrokerConfig struct {
	Kind  string      `mapstructure:"kind" yaml:"kind" validate:"required,oneof=amqp redis"`
	AMQP  AMQPConfig  `mapstructure:"amqp" yaml:"amqp"`
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// AMQPConfig contains RabbitMQ connection settings.
type AMQPConfig struct {
	Host      string        `mapstructure:"host" yaml:"host" validate:"required"`
	Port      int           `mapstructure:"port" yaml:"port" validate:"required,gt=0,lt=65536"`
	User      string        `mapstructure:"user" yaml:"user" validate:"required"`
	Password  string        `mapstructure:"password" yaml:"password"`
	VHost     string        `mapstructure:"vhost" yaml:"vhost"`
	Heartbeat time.Duration `mapstructure:"heartbeat" yaml:"heartbeat" validate:"gte=0"`
}

// RedisConfig contains Redis Streams settings.
type RedisConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	Password      string        `mapstructure:"password" yaml:"password"`
	ConsumerGroup string        `mapstructure:"consumer_group" yaml:"consumer_group" validate:"required"`
	Block         time.Duration `mapstructure:"block" yaml:"block" validate:"gt=0"`
	ClaimIdle     time.Duration `mapstructure:"claim_idle" yaml:"claim_idle" validate:"gte=0"`
}

// InferenceConfig configures the inference backend.
type InferenceConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" validate:"required,oneof=ollama openai"`
	URL     string `mapstructure:"url" yaml:"url" validate:"required,url"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`

	// Timeout bounds every inference call except budget analysis.
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	BudgetTimeout time.Duration `mapstructure:"budget_timeout" yaml:"budget_timeout" validate:"gt=0"`

	// RateLimit is requests per second against the backend; 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst" validate:"gte=0"`

	Models ModelsConfig `mapstructure:"models" yaml:"models" validate:"required"`
}

// ModelsConfig names the backend model serving each pipeline stage.
type ModelsConfig struct {
	OCR        string `mapstructure:"ocr" yaml:"ocr" validate:"required"`
	Categorize string `mapstructure:"categorize" yaml:"categorize" validate:"required"`
	Advice     string `mapstructure:"advice" yaml:"advice" validate:"required"`
	Budget     string `mapstructure:"budget" yaml:"budget" validate:"required"`
}

// QueueConfig names the queues used by one pipeline.
type QueueConfig struct {
	Tasks   string `mapstructure:"tasks" yaml:"tasks" validate:"required"`
	Results string `mapstructure:"results" yaml:"results" validate:"required"`

	// DeadLetter receives rejected tasks; empty leaves rejection to the broker.
	DeadLetter string `mapstructure:"dead_letter" yaml:"dead_letter"`
}

// PipelinesConfig holds queue names per pipeline.
type PipelinesConfig struct {
	OCR    QueueConfig `mapstructure:"ocr" yaml:"ocr" validate:"required"`
	Advice QueueConfig `mapstructure:"advice" yaml:"advice" validate:"required"`
	Budget QueueConfig `mapstructure:"budget" yaml:"budget" validate:"required"`
}

// Queues returns the queue configuration for a pipeline.
func (p PipelinesConfig) Queues(pipeline string) (QueueConfig, bool) {
	switch pipeline {
	case PipelineOCR:
		return p.OCR, true
	case PipelineAdvice:
		return p.Advice, true
	case PipelineBudget:
		return p.Budget, true
	}
	return QueueConfig{}, false
}

// WorkerConfig controls redelivery.
type WorkerConfig struct {
	// MaxAttempts caps deliveries of a transiently failing task.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
}

// UsageConfig controls the local usage ledger.
type UsageConfig struct {
	Disabled bool   `mapstructure:"disabled" yaml:"disabled"`
	DBPath   string `mapstructure:"db_path" yaml:"db_path"`
	Queue    string `mapstructure:"queue" yaml:"queue"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=auto console json"`
}

// HealthConfig enables the gRPC health endpoint when Addr is set.
type HealthConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}
