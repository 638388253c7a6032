package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Metadata store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Settings is the decoded configuration of a bus process.
type Settings struct {
	Redis     RedisSettings
	Streams   StreamSettings
	Consumer  ConsumerSettings
	Retry     RetrySettings
	DLQ       DLQSettings
	Retention RetentionSettings
	Metadata  MetadataSettings
	Log       LogSettings
}

// RedisSettings locates the broker.
type RedisSettings struct {
	Addr     string
	Password string
	DB       int
}

// StreamSettings names the logs.
type StreamSettings struct {
	Main         string
	DLQ          string
	ReplayPrefix string
}

// ConsumerSettings tunes the consumer loop.
type ConsumerSettings struct {
	Group            string
	Name             string
	Block            time.Duration
	BatchSize        int
	ReadErrorCeiling int
	// Tenants restricts handling to these tenant ids. Empty accepts all.
	Tenants []string
}

// RetrySettings configures redelivery.
type RetrySettings struct {
	Backoff    []time.Duration
	MaxRetries int
}

// DLQSettings configures dead letter monitoring.
type DLQSettings struct {
	Capacity      int
	WarnRatio     float64
	CriticalRatio float64
}

// RetentionSettings configures how long each log keeps entries.
type RetentionSettings struct {
	Main      time.Duration
	DLQ       time.Duration
	ReplayTTL time.Duration
	Interval  time.Duration
}

// MetadataSettings selects the metadata store.
type MetadataSettings struct {
	Driver       string
	DSN          string
	AutoMigrate  bool
	MaxOpenConns int
	MaxIdleConns int
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level string
	JSON  bool
}

// Defaults returns the built-in configuration as dotted keys.
func Defaults() map[string]any {
	return map[string]any{
		"redis.addr":                  "localhost:6379",
		"redis.password":              "",
		"redis.db":                    0,
		"streams.main":                "events.main",
		"streams.dlq":                 "events.dlq",
		"streams.replay_prefix":       "events.replay.",
		"consumer.group":              "eventbus",
		"consumer.name":               "",
		"consumer.block":              "5s",
		"consumer.batch_size":         10,
		"consumer.read_error_ceiling": 20,
		"consumer.tenants":            []any{},
		"retry.backoff":               []any{"60s", "300s", "1800s"},
		"retry.max_retries":           3,
		"dlq.capacity":                10000,
		"dlq.warn_ratio":              0.80,
		"dlq.critical_ratio":          0.95,
		"retention.main":              "720h",
		"retention.dlq":               "2160h",
		"retention.replay_ttl":        "24h",
		"retention.interval":          "1h",
		"metadata.driver":             DriverMemory,
		"metadata.dsn":                "",
		"metadata.auto_migrate":       true,
		"metadata.max_open_conns":     10,
		"metadata.max_idle_conns":     5,
		"log.level":                   "info",
		"log.json":                    false,
	}
}

// DefaultConsumerName identifies this process within the consumer group.
func DefaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "eventbus"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// Settings decodes and validates the bus settings.
func (c Config) Settings() (Settings, error) {
	s := Settings{
		Redis: RedisSettings{
			Addr:     c.String("redis.addr", "localhost:6379"),
			Password: c.String("redis.password", ""),
			DB:       c.Int("redis.db", 0),
		},
		Streams: StreamSettings{
			Main:         c.String("streams.main", "events.main"),
			DLQ:          c.String("streams.dlq", "events.dlq"),
			ReplayPrefix: c.String("streams.replay_prefix", "events.replay."),
		},
		Consumer: ConsumerSettings{
			Group:            c.String("consumer.group", "eventbus"),
			Name:             c.String("consumer.name", ""),
			Block:            c.Duration("consumer.block", 5*time.Second),
			BatchSize:        c.Int("consumer.batch_size", 10),
			ReadErrorCeiling: c.Int("consumer.read_error_ceiling", 20),
			Tenants:          c.StringSlice("consumer.tenants", nil),
		},
		Retry: RetrySettings{
			Backoff:    c.DurationSlice("retry.backoff", []time.Duration{60 * time.Second, 300 * time.Second, 1800 * time.Second}),
			MaxRetries: c.Int("retry.max_retries", 3),
		},
		DLQ: DLQSettings{
			Capacity:      c.Int("dlq.capacity", 10000),
			WarnRatio:     c.Float("dlq.warn_ratio", 0.80),
			CriticalRatio: c.Float("dlq.critical_ratio", 0.95),
		},
		Retention: RetentionSettings{
			Main:      c.Duration("retention.main", 30*24*time.Hour),
			DLQ:       c.Duration("retention.dlq", 90*24*time.Hour),
			ReplayTTL: c.Duration("retention.replay_ttl", 24*time.Hour),
			Interval:  c.Duration("retention.interval", time.Hour),
		},
		Metadata: MetadataSettings{
			Driver:       c.String("metadata.driver", DriverMemory),
			DSN:          c.String("metadata.dsn", ""),
			AutoMigrate:  c.Bool("metadata.auto_migrate", true),
			MaxOpenConns: c.Int("metadata.max_open_conns", 10),
			MaxIdleConns: c.Int("metadata.max_idle_conns", 5),
		},
		Log: LogSettings{
			Level: c.String("log.level", "info"),
			JSON:  c.Bool("log.json", false),
		},
	}

	if s.Consumer.Name == "" {
		s.Consumer.Name = DefaultConsumerName()
	}

	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	switch s.Metadata.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if s.Metadata.DSN == "" {
			return fmt.Errorf("metadata.dsn is required for driver %q", s.Metadata.Driver)
		}
	default:
		return fmt.Errorf("unknown metadata.driver %q", s.Metadata.Driver)
	}
	if len(s.Retry.Backoff) == 0 {
		return fmt.Errorf("retry.backoff must not be empty")
	}
	if s.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if s.Consumer.BatchSize <= 0 {
		return fmt.Errorf("consumer.batch_size must be positive")
	}
	if s.Consumer.ReadErrorCeiling <= 0 {
		return fmt.Errorf("consumer.read_error_ceiling must be positive")
	}
	if s.DLQ.WarnRatio <= 0 || s.DLQ.WarnRatio > s.DLQ.CriticalRatio || s.DLQ.CriticalRatio > 1 {
		return fmt.Errorf("dlq ratios must satisfy 0 < warn_ratio <= critical_ratio <= 1")
	}
	if s.Streams.Main == s.Streams.DLQ {
		return fmt.Errorf("streams.main and streams.dlq must differ")
	}
	return nil
}
