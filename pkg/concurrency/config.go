package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// RecoveryMode defines how persisted cases are recovered at startup
type RecoveryMode string

const (
	RecoveryModeParallel   RecoveryMode = "parallel"
	RecoveryModeSequential RecoveryMode = "sequential"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// Config holds the engine's concurrency parameters
type Config struct {
	// MaxConcurrentCases bounds how many cases may be live at once.
	// Launching beyond the bound blocks until a case finishes.
	MaxConcurrentCases int

	// DispatchWorkers sizes the worker pool that applies executor
	// responses to case runners.
	DispatchWorkers int

	// RecoveryMode controls whether startup recovery replays persisted
	// cases in parallel or one at a time.
	RecoveryMode RecoveryMode

	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection > defaults
func LoadConfig() *Config {
	config := &Config{}

	config.IsKubernetes = isKubernetes()
	config.EffectiveCPUs = runtime.GOMAXPROCS(0)

	if maxCases := getEnvInt("DAEDALUS_MAX_CONCURRENT_CASES", 0); maxCases > 0 {
		config.MaxConcurrentCases = maxCases
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("DAEDALUS_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.MaxConcurrentCases = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrentCases = defaultMaxConcurrentCases(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}

	if config.MaxConcurrentCases < 1 {
		config.MaxConcurrentCases = 1
	}

	if workers := getEnvInt("DAEDALUS_DISPATCH_WORKERS", 0); workers > 0 {
		config.DispatchWorkers = workers
	} else {
		config.DispatchWorkers = defaultDispatchWorkers(config.IsKubernetes, config.EffectiveCPUs)
	}

	if mode := getEnv("DAEDALUS_RECOVERY_MODE", ""); mode != "" {
		config.RecoveryMode = RecoveryMode(strings.ToLower(mode))
	} else {
		// Sequential keeps recovery ordering deterministic by default.
		config.RecoveryMode = RecoveryModeSequential
	}

	if config.RecoveryMode != RecoveryModeParallel && config.RecoveryMode != RecoveryModeSequential {
		config.RecoveryMode = RecoveryModeSequential
	}

	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	// Kubernetes sets this environment variable in all containers
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// defaultMaxConcurrentCases returns sensible defaults based on environment
func defaultMaxConcurrentCases(isK8s bool, cpus int) int {
	if isK8s {
		// Conservative for Kubernetes to prevent resource exhaustion
		return cpus * 8
	}
	return cpus * 16
}

// defaultDispatchWorkers returns sensible defaults for the response worker pool
func defaultDispatchWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// max returns the maximum of two integers
func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrentCases: %d, DispatchWorkers: %d, RecoveryMode: %s, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrentCases,
		c.DispatchWorkers,
		c.RecoveryMode,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
