/*
Package config loads event bus configuration and provides type-safe value
extraction from map[string]any.

# Overview

Config wraps a flat map of dotted keys and provides typed accessor methods
that handle missing keys and type mismatches gracefully by returning default
values. Nested YAML/JSON maps are flattened on construction.

	cfg := config.New(map[string]any{
	    "consumer": map[string]any{"block": "5s", "batch_size": 10},
	})

	block := cfg.Duration("consumer.block", time.Second) // 5s
	batch := cfg.Int("consumer.batch_size", 1)          // 10
	missing := cfg.String("missing", "default")         // "default"

# Loading

Load layers built-in defaults, an optional YAML file and environment
variables:

	cfg, err := config.Load("eventbus.yaml", "EVENTBUS_")
	if err != nil {
	    log.Fatal(err)
	}
	settings, err := cfg.Settings()

Environment variables use a double underscore between key segments, so
EVENTBUS_RETRY__MAX_RETRIES=5 overrides retry.max_retries. Because
environment values are strings, every accessor coerces strings to the
requested type; lists accept comma-separated strings
(EVENTBUS_RETRY__BACKOFF=10s,1m).

# Type Coercion

Duration handles multiple input types:
  - string: parsed with time.ParseDuration ("30s", "1h30m")
  - int/float64: interpreted as seconds
  - time.Duration: used directly

All methods return the default value if:
  - The key is missing
  - The value cannot be converted to the requested type
  - The conversion would lose precision (e.g., float to int with fraction)

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
