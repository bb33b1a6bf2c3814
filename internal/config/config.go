// Package config provides configuration management functionality.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultCycleSchedule runs the allocation cycle after the close on weekdays (seconds field first)
const DefaultCycleSchedule = "0 0 21 * * MON-FRI"

// defaultStrategyFile is read when present; STRATEGY_FILE makes the file mandatory
const defaultStrategyFile = "strategy.yaml"

// Config holds application configuration
type Config struct {
	DataDir       string // Base directory for all databases (always absolute)
	LogLevel      string
	Port          int
	DevMode       bool
	StrategyFile  string // Empty when running on built-in defaults
	CycleSchedule string
	// ShutdownTimeout bounds the graceful HTTP shutdown
	ShutdownTimeout time.Duration
	Strategy        *Strategy
}

// Load reads configuration from .env, environment variables and the strategy file
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("ALLOCATOR_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	strategyFile, err := resolveStrategyFile()
	if err != nil {
		return nil, err
	}
	strategy, err := LoadStrategy(strategyFile)
	if err != nil {
		return nil, err
	}
	if err := applyStrategyEnv(strategy); err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:         absDataDir,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Port:            getEnvAsInt("PORT", 8080),
		DevMode:         getEnvAsBool("DEV_MODE", false),
		StrategyFile:    strategyFile,
		CycleSchedule:   getEnv("CYCLE_SCHEDULE", DefaultCycleSchedule),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Strategy:        strategy,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if err := ValidateSchedule(c.CycleSchedule); err != nil {
		return err
	}
	if c.Strategy == nil {
		return fmt.Errorf("strategy is required")
	}
	return c.Strategy.Validate()
}

// DatabasePath returns the path of a named database inside the data directory
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

func resolveStrategyFile() (string, error) {
	if path := os.Getenv("STRATEGY_FILE"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("strategy file %s: %w", path, err)
		}
		return path, nil
	}
	if _, err := os.Stat(defaultStrategyFile); err == nil {
		return defaultStrategyFile, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("strategy file %s: %w", defaultStrategyFile, err)
	}
	return "", nil
}

// applyStrategyEnv lets the environment override the allocation settings of the strategy file
func applyStrategyEnv(s *Strategy) error {
	if v := os.Getenv("ALLOCATOR_OBJECTIVE"); v != "" {
		s.Allocation.Objective = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("ALLOCATOR_REBALANCE_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ALLOCATOR_REBALANCE_DAYS: %w", err)
		}
		s.Allocation.RebalanceDays = days
	}
	return s.Validate()
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
