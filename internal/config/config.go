// Package config loads and validates ingestor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	DB         DBConfig         `mapstructure:"db"`
	CrawlerAPI CrawlerAPIConfig `mapstructure:"crawler_api"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Realtime   RealtimeConfig   `mapstructure:"realtime"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the ops/websocket HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// KafkaConfig governs the crawler event subscription.
type KafkaConfig struct {
	Brokers          []string `mapstructure:"brokers"`
	Topic            string   `mapstructure:"topic"`
	GroupID          string   `mapstructure:"group_id"`
	PollTimeoutMs    int      `mapstructure:"poll_timeout_ms"`
	CommitIntervalMs int      `mapstructure:"commit_interval_ms"`
	WarmupDelayMs    int      `mapstructure:"warmup_delay_ms"`
}

// DBConfig controls access to the chat/report store.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// CrawlerAPIConfig points at the crawler status API used as a fallback
// source of truth when event payloads are incomplete.
type CrawlerAPIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// NormalizerConfig controls the out-of-band normalization dispatcher.
type NormalizerConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	QueueDepth     int    `mapstructure:"queue_depth"`
}

// RealtimeConfig tunes the websocket hub.
type RealtimeConfig struct {
	WriteTimeoutMs int `mapstructure:"write_timeout_ms"`
	SendBuffer     int `mapstructure:"send_buffer"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "crawler-events")
	v.SetDefault("kafka.group_id", "classpilot-crawl-ingest")
	v.SetDefault("kafka.poll_timeout_ms", 1000)
	v.SetDefault("kafka.commit_interval_ms", 1000)
	v.SetDefault("kafka.warmup_delay_ms", 5000)
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("crawler_api.timeout_seconds", 10)
	v.SetDefault("normalizer.timeout_seconds", 30)
	v.SetDefault("normalizer.queue_depth", 256)
	v.SetDefault("realtime.write_timeout_ms", 5000)
	v.SetDefault("realtime.send_buffer", 64)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must not be empty")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic must be set")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("kafka.group_id must be set")
	}
	if c.Kafka.PollTimeoutMs <= 0 {
		return fmt.Errorf("kafka.poll_timeout_ms must be > 0")
	}
	if c.Normalizer.QueueDepth <= 0 {
		return fmt.Errorf("normalizer.queue_depth must be > 0")
	}
	return nil
}

// PollTimeout converts the poll timeout config into a duration.
func (c KafkaConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMs) * time.Millisecond
}

// CommitInterval converts the commit interval config into a duration.
func (c KafkaConfig) CommitInterval() time.Duration {
	return time.Duration(c.CommitIntervalMs) * time.Millisecond
}

// WarmupDelay converts the warm-up delay config into a duration.
func (c KafkaConfig) WarmupDelay() time.Duration {
	return time.Duration(c.WarmupDelayMs) * time.Millisecond
}

// Timeout converts the crawler API timeout config into a duration.
func (c CrawlerAPIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout converts the normalizer timeout config into a duration.
func (c NormalizerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WriteTimeout converts the websocket write timeout config into a duration.
func (c RealtimeConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}
