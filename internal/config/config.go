package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

type Config struct {
	// APIBaseURL is the assistant backend root, e.g. http://localhost:8080/api
	APIBaseURL  string
	Environment string
	// StateDir holds the session state file and log files
	StateDir string

	// Poll schedule for async-job turns
	PollInitialDelay  time.Duration
	PollMaxDelay      time.Duration
	PollBackoffFactor float64
	PollMaxAttempts   int

	// ResumeInitialDelay is the first poll delay for reattached turns
	ResumeInitialDelay time.Duration

	// Log file retention
	LogMaxFiles int

	// Debug enables verbose logging
	Debug bool
}

func Load() *Config {
	env := getEnv("ENVIRONMENT", "dev")

	return &Config{
		APIBaseURL:  getEnv("ASTER_API_URL", "http://localhost:8080/api"),
		Environment: env,
		StateDir:    getEnv("ASTER_STATE_DIR", defaultStateDir()),

		PollInitialDelay:  getDurationMS("ASTER_POLL_INITIAL_MS", 1000),
		PollMaxDelay:      getDurationMS("ASTER_POLL_MAX_MS", 5000),
		PollBackoffFactor: getFloat("ASTER_POLL_FACTOR", 1.5),
		PollMaxAttempts:   getInt("ASTER_POLL_MAX_ATTEMPTS", 60),

		ResumeInitialDelay: getDurationMS("ASTER_RESUME_INITIAL_MS", 500),

		LogMaxFiles: getInt("ASTER_LOG_MAX_FILES", 5),

		// Debug defaults to true outside production
		Debug: getEnv("DEBUG", getDefaultDebug(env)) == "true",
	}
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.APIBaseURL, validation.Required, is.URL),
		validation.Field(&c.PollMaxAttempts, validation.Min(1)),
		validation.Field(&c.PollBackoffFactor, validation.Min(1.0).Error("backoff factor must be at least 1")),
	)
}

// getDefaultDebug returns the default debug setting based on environment
func getDefaultDebug(env string) string {
	if env == "prod" {
		return "false"
	}
	return "true"
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aster"
	}
	return filepath.Join(home, ".aster")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		fmt.Fprintf(os.Stderr, "warning: ignoring invalid %s=%q\n", key, value)
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		fmt.Fprintf(os.Stderr, "warning: ignoring invalid %s=%q\n", key, value)
	}
	return defaultValue
}

func getDurationMS(key string, defaultMS int) time.Duration {
	return time.Duration(getInt(key, defaultMS)) * time.Millisecond
}
