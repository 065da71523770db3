// Package config provides environment-based configuration for the build farm core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration shared by the evaluator and the listener.
type Config struct {
	// Database configuration
	DatabaseDSN string

	// Evaluator is the path to the external evaluator binary that turns a
	// jobset expression into a job graph.
	Evaluator string

	// EvalTimeout bounds a single external evaluator invocation.
	EvalTimeout time.Duration

	// MaxRuntime is the hard wall-clock ceiling for one whole evaluation
	// run, including input resolution and the scheduling transaction.
	MaxRuntime time.Duration

	// Substituter is the remote content store that resolved input paths
	// are fetched from when they are missing locally.
	Substituter string

	// FetchTimeout bounds a single content store fetch.
	FetchTimeout time.Duration

	// DryRun evaluates and reports but never mutates persistent state.
	DryRun bool

	// Trace emits the exact external evaluator invocation before running it.
	Trace bool

	// Listener configuration
	Listener ListenerConfig
}

// ListenerConfig holds event bus listener configuration.
type ListenerConfig struct {
	// HTTPPort serves the /healthz endpoint. Zero disables the endpoint.
	HTTPPort int

	// MinReconnect and MaxReconnect bound the pub/sub reconnect backoff.
	MinReconnect time.Duration
	MaxReconnect time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseDSN:  getEnv("DATABASE_URL", "postgres://localhost:5432/buildfarm?sslmode=disable"),
		Evaluator:    getEnv("EVALUATOR_BIN", "hydra-eval-jobs"),
		EvalTimeout:  getDurationEnv("EVAL_TIMEOUT", 30*time.Minute),
		MaxRuntime:   getDurationEnv("EVAL_MAX_RUNTIME", time.Hour),
		Substituter:  getEnv("SUBSTITUTER_URL", "https://cache.nixos.org"),
		FetchTimeout: getDurationEnv("FETCH_TIMEOUT", 10*time.Minute),
		DryRun:       getBoolEnv("HYDRA_DRY_RUN", false),
		Trace:        getBoolEnv("HYDRA_DEBUG", false),
		Listener: ListenerConfig{
			HTTPPort:     getIntEnv("LISTENER_HTTP_PORT", 8091),
			MinReconnect: getDurationEnv("LISTENER_MIN_RECONNECT", 10*time.Second),
			MaxReconnect: getDurationEnv("LISTENER_MAX_RECONNECT", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration values are sane.
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Evaluator == "" {
		return fmt.Errorf("EVALUATOR_BIN is required")
	}
	if c.EvalTimeout <= 0 {
		return fmt.Errorf("EVAL_TIMEOUT must be positive")
	}
	if c.MaxRuntime < c.EvalTimeout {
		return fmt.Errorf("EVAL_MAX_RUNTIME (%s) must not be shorter than EVAL_TIMEOUT (%s)", c.MaxRuntime, c.EvalTimeout)
	}
	return nil
}

// getEnv returns the value of the environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv returns the integer value of the environment variable or a default.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getBoolEnv returns the boolean value of the environment variable or a default.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv returns the duration value of the environment variable or a default.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
