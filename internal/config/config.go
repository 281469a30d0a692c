// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	DataDir       string // Base directory for the database and archives, always absolute
	DBPath        string // SQLite database file inside DataDir
	ArchiveDir    string // Directory for msgpack snapshot archives
	LogLevel      string
	Port          int
	DevMode       bool
	SchemaVersion string // Stamped into every snapshot

	// External data sources
	OddsAPIKey           string
	OddsAPIBaseURL       string
	KalshiAPIKeyID       string
	KalshiPrivateKeyPath string
	KalshiBaseURL        string

	// Market tickers to follow on the Kalshi websocket feed. Empty
	// disables the feed.
	KalshiWSTickers []string

	// Requests per minute per client
	OddsAPIRateLimit int
	KalshiRateLimit  int

	// Cron schedules
	CollectSchedule  string
	AnalyzeSchedule  string
	EvaluateSchedule string

	// Versions stamped into analyses
	AnalysisVersion string
	CodeVersion     string

	Sports []SportConfig
}

// SportConfig describes one sport to collect, loaded from sports.yaml.
type SportConfig struct {
	Key     string `yaml:"key"`     // Odds API sport key, e.g. "basketball_nba"
	Series  string `yaml:"series"`  // Kalshi series ticker, e.g. "KXNBA"
	Enabled bool   `yaml:"enabled"`
}

// Load reads configuration from environment variables and sports.yaml
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("MARKETLEDGER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	archiveDir := getEnv("MARKETLEDGER_ARCHIVE_DIR", filepath.Join(absDataDir, "archives"))

	cfg := &Config{
		DataDir:       absDataDir,
		DBPath:        filepath.Join(absDataDir, "marketledger.db"),
		ArchiveDir:    archiveDir,
		Port:          getEnvAsInt("MARKETLEDGER_PORT", 8090),
		DevMode:       getEnvAsBool("DEV_MODE", false),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		SchemaVersion: getEnv("MARKETLEDGER_SCHEMA_VERSION", "1.0.0"),

		OddsAPIKey:           getEnv("ODDS_API_KEY", ""),
		OddsAPIBaseURL:       getEnv("ODDS_API_BASE_URL", "https://api.the-odds-api.com/v4"),
		KalshiAPIKeyID:       getEnv("KALSHI_API_KEY_ID", ""),
		KalshiPrivateKeyPath: getEnv("KALSHI_PRIVATE_KEY_PATH", ""),
		KalshiBaseURL:        getEnv("KALSHI_BASE_URL", "https://api.elections.kalshi.com/trade-api/v2"),
		KalshiWSTickers:      splitList(getEnv("KALSHI_WS_TICKERS", "")),

		OddsAPIRateLimit: getEnvAsInt("ODDS_API_RATE_LIMIT", 30),
		KalshiRateLimit:  getEnvAsInt("KALSHI_RATE_LIMIT", 60),

		CollectSchedule:  getEnv("COLLECT_SCHEDULE", "*/15 * * * *"),
		AnalyzeSchedule:  getEnv("ANALYZE_SCHEDULE", "5,20,35,50 * * * *"),
		EvaluateSchedule: getEnv("EVALUATE_SCHEDULE", "0 */6 * * *"),

		AnalysisVersion: getEnv("MARKETLEDGER_ANALYSIS_VERSION", "1.0.0"),
		CodeVersion:     getEnv("MARKETLEDGER_CODE_VERSION", "dev"),
	}

	sports, err := loadSports(getEnv("MARKETLEDGER_SPORTS_FILE", filepath.Join(absDataDir, "sports.yaml")))
	if err != nil {
		return nil, err
	}
	cfg.Sports = sports

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.SchemaVersion == "" {
		return fmt.Errorf("schema version must not be empty")
	}
	// Note: API credentials optional, collection degrades to the sources
	// that are configured.
	return nil
}

// EnabledSports returns the sports with collection enabled.
func (c *Config) EnabledSports() []SportConfig {
	var out []SportConfig
	for _, s := range c.Sports {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// loadSports reads the sports file. A missing file is not an error; the
// collector then has nothing to do until one is provided.
func loadSports(path string) ([]SportConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sports file: %w", err)
	}

	var doc struct {
		Sports []SportConfig `yaml:"sports"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse sports file %s: %w", path, err)
	}
	return doc.Sports, nil
}

// splitList parses a comma-separated env value.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
