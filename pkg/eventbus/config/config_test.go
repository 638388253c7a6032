package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNew verifies Config creation and flattening of nested maps.
func TestNew(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		key  string
		has  bool
	}{
		{"nil map", nil, "key", false},
		{"flat key", map[string]any{"key": "value"}, "key", true},
		{"nested key", map[string]any{"consumer": map[string]any{"group": "g"}}, "consumer.group", true},
		{"nested parent is not a key", map[string]any{"consumer": map[string]any{"group": "g"}}, "consumer", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(tt.data)
			assert.Equal(t, tt.has, cfg.Has(tt.key))
		})
	}
}

// TestString verifies string extraction with defaults.
func TestString(t *testing.T) {
	tests := []struct {
		name       string
		data       map[string]any
		key        string
		defaultVal string
		want       string
	}{
		{"key exists", map[string]any{"name": "alice"}, "name", "default", "alice"},
		{"key missing", map[string]any{"other": "value"}, "name", "default", "default"},
		{"empty string", map[string]any{"name": ""}, "name", "default", ""},
		{"wrong type int", map[string]any{"name": 123}, "name", "default", "default"},
		{"nil map", nil, "name", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(tt.data)
			assert.Equal(t, tt.want, cfg.String(tt.key, tt.defaultVal))
		})
	}
}

// TestDuration verifies duration extraction with various input types.
func TestDuration(t *testing.T) {
	tests := []struct {
		name       string
		value      any
		defaultVal time.Duration
		want       time.Duration
	}{
		{"string", "5s", time.Second, 5 * time.Second},
		{"padded string", " 1m ", time.Second, time.Minute},
		{"invalid string", "soon", time.Second, time.Second},
		{"int seconds", 30, time.Second, 30 * time.Second},
		{"int64 seconds", int64(2), time.Second, 2 * time.Second},
		{"float seconds", 1.5, time.Second, 1500 * time.Millisecond},
		{"duration", 3 * time.Millisecond, time.Second, 3 * time.Millisecond},
		{"bool", true, time.Second, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(map[string]any{"d": tt.value})
			assert.Equal(t, tt.want, cfg.Duration("d", tt.defaultVal))
		})
	}

	t.Run("missing", func(t *testing.T) {
		assert.Equal(t, time.Hour, config.New(nil).Duration("d", time.Hour))
	})
}

// TestDurationSlice verifies list and comma-separated duration parsing.
func TestDurationSlice(t *testing.T) {
	def := []time.Duration{time.Second}

	tests := []struct {
		name  string
		value any
		want  []time.Duration
	}{
		{"any list", []any{"10s", 60, "1m"}, []time.Duration{10 * time.Second, time.Minute, time.Minute}},
		{"string list", []string{"1s", "2s"}, []time.Duration{time.Second, 2 * time.Second}},
		{"comma string", "10s, 1m,30m", []time.Duration{10 * time.Second, time.Minute, 30 * time.Minute}},
		{"invalid element", []any{"10s", "never"}, def},
		{"wrong type", true, def},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(map[string]any{"backoff": tt.value})
			assert.Equal(t, tt.want, cfg.DurationSlice("backoff", def))
		})
	}
}

// TestBool verifies boolean extraction including string coercion.
func TestBool(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  bool
	}{
		{"true", true, true},
		{"false", false, false},
		{"string true", "true", true},
		{"string 0", "0", false},
		{"garbage string", "maybe", true},
		{"int", 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(map[string]any{"b": tt.value})
			assert.Equal(t, tt.want, cfg.Bool("b", true))
		})
	}
}

// TestInt verifies integer extraction including string coercion.
func TestInt(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int
	}{
		{"int", 42, 42},
		{"int64", int64(7), 7},
		{"whole float", 3.0, 3},
		{"fractional float", 3.5, -1},
		{"string", "20", 20},
		{"bad string", "twenty", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(map[string]any{"n": tt.value})
			assert.Equal(t, tt.want, cfg.Int("n", -1))
		})
	}
}

// TestFloat verifies float extraction.
func TestFloat(t *testing.T) {
	cfg := config.New(map[string]any{"f": 0.8, "i": 2, "s": "0.95", "bad": "x"})
	assert.Equal(t, 0.8, cfg.Float("f", 0))
	assert.Equal(t, 2.0, cfg.Float("i", 0))
	assert.Equal(t, 0.95, cfg.Float("s", 0))
	assert.Equal(t, 1.0, cfg.Float("bad", 1))
}

// TestStringSlice verifies slice extraction.
func TestStringSlice(t *testing.T) {
	cfg := config.New(map[string]any{
		"list":  []any{"a", "b"},
		"mixed": []any{"a", 1},
		"csv":   "x, y",
		"empty": "",
	})
	assert.Equal(t, []string{"a", "b"}, cfg.StringSlice("list", nil))
	assert.Equal(t, []string{"def"}, cfg.StringSlice("mixed", []string{"def"}))
	assert.Equal(t, []string{"x", "y"}, cfg.StringSlice("csv", nil))
	assert.Equal(t, []string{}, cfg.StringSlice("empty", nil))
	assert.Nil(t, cfg.StringSlice("missing", nil))
}

// TestFromYAML verifies YAML parsing and flattening.
func TestFromYAML(t *testing.T) {
	t.Run("nested", func(t *testing.T) {
		cfg, err := config.FromYAML([]byte(`
consumer:
  block: 2s
  batch_size: 25
retry:
  backoff: [10s, 1m]
`))
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, cfg.Duration("consumer.block", 0))
		assert.Equal(t, 25, cfg.Int("consumer.batch_size", 0))
		assert.Equal(t, []time.Duration{10 * time.Second, time.Minute}, cfg.DurationSlice("retry.backoff", nil))
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := config.FromYAML([]byte("key: [unclosed"))
		assert.Error(t, err)
	})
}

// TestFromJSON verifies JSON parsing.
func TestFromJSON(t *testing.T) {
	cfg, err := config.FromJSON([]byte(`{"dlq": {"capacity": 500}}`))
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Int("dlq.capacity", 0))

	_, err = config.FromJSON([]byte(`{`))
	assert.Error(t, err)
}

// TestFromFile verifies extension detection.
func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "bus.YML")
	require.NoError(t, os.WriteFile(yamlPath, []byte("streams:\n  main: orders\n"), 0o600))
	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "orders", cfg.String("streams.main", ""))

	jsonPath := filepath.Join(dir, "bus.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"streams": {"dlq": "dead"}}`), 0o600))
	cfg, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "dead", cfg.String("streams.dlq", ""))

	tomlPath := filepath.Join(dir, "bus.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(""), 0o600))
	_, err = config.FromFile(tomlPath)
	assert.ErrorContains(t, err, "unsupported")

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

// TestLoad verifies the defaults, file and environment layering.
func TestLoad(t *testing.T) {
	t.Run("defaults only", func(t *testing.T) {
		cfg, err := config.Load("", "EBTEST_DEFAULTS_")
		require.NoError(t, err)

		s, err := cfg.Settings()
		require.NoError(t, err)
		assert.Equal(t, "events.main", s.Streams.Main)
		assert.Equal(t, "events.dlq", s.Streams.DLQ)
		assert.Equal(t, 5*time.Second, s.Consumer.Block)
		assert.Equal(t, 20, s.Consumer.ReadErrorCeiling)
		assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}, s.Retry.Backoff)
		assert.Equal(t, 3, s.Retry.MaxRetries)
		assert.Equal(t, 10000, s.DLQ.Capacity)
		assert.Equal(t, 0.80, s.DLQ.WarnRatio)
		assert.Equal(t, 0.95, s.DLQ.CriticalRatio)
		assert.Empty(t, s.Consumer.Tenants)
		assert.Equal(t, 30*24*time.Hour, s.Retention.Main)
		assert.Equal(t, 90*24*time.Hour, s.Retention.DLQ)
		assert.Equal(t, 24*time.Hour, s.Retention.ReplayTTL)
		assert.Equal(t, config.DriverMemory, s.Metadata.Driver)
		assert.NotEmpty(t, s.Consumer.Name)
	})

	t.Run("file overrides defaults and env overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "eventbus.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
consumer:
  group: billing
  batch_size: 50
dlq:
  capacity: 100
  warn_ratio: 0.5
`), 0o600))

		t.Setenv("EBTEST_CONSUMER__BATCH_SIZE", "7")
		t.Setenv("EBTEST_RETRY__BACKOFF", "1s,2s")
		t.Setenv("EBTEST_METADATA__DRIVER", "sqlite")
		t.Setenv("EBTEST_METADATA__DSN", "file:bus.db")
		t.Setenv("EBTEST_CONSUMER__TENANTS", "acme, globex")

		cfg, err := config.Load(path, "EBTEST_")
		require.NoError(t, err)

		s, err := cfg.Settings()
		require.NoError(t, err)
		assert.Equal(t, "billing", s.Consumer.Group)
		assert.Equal(t, 7, s.Consumer.BatchSize)
		assert.Equal(t, 100, s.DLQ.Capacity)
		assert.Equal(t, 0.5, s.DLQ.WarnRatio)
		assert.Equal(t, 0.95, s.DLQ.CriticalRatio)
		assert.Equal(t, []string{"acme", "globex"}, s.Consumer.Tenants)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.Retry.Backoff)
		assert.Equal(t, config.DriverSQLite, s.Metadata.Driver)
		assert.Equal(t, "file:bus.db", s.Metadata.DSN)
		assert.Equal(t, "events.main", s.Streams.Main)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"), "EBTEST_MISSING_")
		assert.Error(t, err)
	})
}

// TestSettingsValidation verifies rejected configurations.
func TestSettingsValidation(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{"unknown driver", map[string]any{"metadata.driver": "mongo"}, "unknown metadata.driver"},
		{"postgres without dsn", map[string]any{"metadata.driver": "postgres"}, "metadata.dsn is required"},
		{"empty backoff", map[string]any{"retry.backoff": []any{}}, "retry.backoff"},
		{"negative retries", map[string]any{"retry.max_retries": -1}, "retry.max_retries"},
		{"zero batch", map[string]any{"consumer.batch_size": 0}, "consumer.batch_size"},
		{"zero ceiling", map[string]any{"consumer.read_error_ceiling": 0}, "consumer.read_error_ceiling"},
		{"same streams", map[string]any{"streams.main": "x", "streams.dlq": "x"}, "must differ"},
		{"zero warn ratio", map[string]any{"dlq.warn_ratio": 0}, "dlq ratios"},
		{"warn above critical", map[string]any{"dlq.warn_ratio": 0.99, "dlq.critical_ratio": 0.9}, "dlq ratios"},
		{"critical above one", map[string]any{"dlq.critical_ratio": 1.5}, "dlq ratios"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.New(tt.data).Settings()
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestSettings_ExplicitConsumerName(t *testing.T) {
	s, err := config.New(map[string]any{"consumer": map[string]any{"name": "worker-1"}}).Settings()
	require.NoError(t, err)
	assert.Equal(t, "worker-1", s.Consumer.Name)
}
