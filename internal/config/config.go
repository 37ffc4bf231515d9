package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	libconfig "github.com/cryptofolio/syncd/libs/config"
	"github.com/spf13/viper"
)

type DBConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	JobsTopic     string   `mapstructure:"jobs_topic"`
	DLQTopic      string   `mapstructure:"dlq_topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

// Enabled reports whether queued dispatch can be used at all.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type SyncConfig struct {
	CooldownWindow    time.Duration `mapstructure:"cooldown_window"`
	ScheduleInterval  time.Duration `mapstructure:"schedule_interval"`
	WorkerConcurrency int           `mapstructure:"worker_concurrency"`
}

type CredsConfig struct {
	// EncryptionKey is the base64-encoded 32-byte key for API
	// credential decryption.
	EncryptionKey string `mapstructure:"encryption_key"`
}

type Config struct {
	App   *libconfig.AppConfig
	DB    DBConfig    `mapstructure:"db"`
	Redis RedisConfig `mapstructure:"redis"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	Sync  SyncConfig  `mapstructure:"sync"`
	Creds CredsConfig `mapstructure:"creds"`
}

func Load(path string) (*Config, error) {
	app, err := libconfig.Load(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{App: app}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DB.URL == "" {
		return fmt.Errorf("db.url is required")
	}
	if c.Creds.EncryptionKey == "" {
		return fmt.Errorf("creds.encryption_key is required")
	}
	if c.Kafka.Enabled() {
		if c.Kafka.JobsTopic == "" || c.Kafka.DLQTopic == "" {
			return fmt.Errorf("kafka topics are required when brokers are set")
		}
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for queued dispatch")
		}
	}
	if c.Sync.WorkerConcurrency <= 0 {
		return fmt.Errorf("sync.worker_concurrency must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults make the keys visible to AutomaticEnv.
	v.SetDefault("db.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("creds.encryption_key", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.jobs_topic", "portfolio.sync.jobs")
	v.SetDefault("kafka.dlq_topic", "portfolio.sync.jobs.dlq")
	v.SetDefault("kafka.consumer_group", "sync-engine")
	v.SetDefault("sync.cooldown_window", "5m")
	v.SetDefault("sync.schedule_interval", "8h")
	v.SetDefault("sync.worker_concurrency", 3)
}
