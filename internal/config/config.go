// Package config provides configuration for the relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the relay configuration.
type Config struct {
	// Server settings
	HTTPPort   int    `yaml:"http_port"`
	CORSOrigin string `yaml:"cors_origin"`
	RPCAddr    string `yaml:"rpc_addr"` // admin JSON-RPC listener, empty disables it

	// Storage
	StoreDriver string `yaml:"store_driver"` // sqlite or badger
	DatabaseURL string `yaml:"database_url"`
	BadgerDir   string `yaml:"badger_dir"`

	// Completion provider
	LLMProvider   string        `yaml:"llm_provider"` // litellm, openai or mock
	LiteLLMURL    string        `yaml:"litellm_url"`
	LiteLLMAPIKey string        `yaml:"litellm_api_key"`
	OpenAIBaseURL string        `yaml:"openai_base_url"`
	OpenAIAPIKey  string        `yaml:"openai_api_key"`
	LLMTimeout    time.Duration `yaml:"-"`
	LLMTimeoutMs  int           `yaml:"llm_timeout_ms"`
	DefaultModel  string        `yaml:"default_model"`

	// Sessions
	TitleMaxLength     int           `yaml:"title_max_length"`
	StaleTurnTimeoutMs int           `yaml:"stale_turn_timeout_ms"`
	StaleTurnTimeout   time.Duration `yaml:"-"`

	// Tools
	SearchURL        string        `yaml:"search_url"`
	SearchAPIKey     string        `yaml:"search_api_key"`
	SearchResultsJQ  string        `yaml:"search_results_jq"`
	SearchMaxResults int           `yaml:"search_max_results"`
	SearchTimeoutMs  int           `yaml:"search_timeout_ms"` // web_search HTTP timeout, separate from LLM_TIMEOUT_MS
	SearchTimeout    time.Duration `yaml:"-"`
	BlockedTools     []string      `yaml:"blocked_tools"`
	PolicyFile       string        `yaml:"policy_file"` // rego module replacing the built-in tool policy

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		HTTPPort:           8000,
		CORSOrigin:         "http://localhost:3000",
		RPCAddr:            "127.0.0.1:8001",
		StoreDriver:        "sqlite",
		DatabaseURL:        "file:relay.db?mode=rwc",
		BadgerDir:          "relay-data",
		LLMProvider:        "litellm",
		LiteLLMURL:         "http://localhost:4000",
		LLMTimeoutMs:       120000,
		LLMTimeout:         120 * time.Second,
		DefaultModel:       "gpt-4",
		TitleMaxLength:     50,
		StaleTurnTimeoutMs: 600000,
		StaleTurnTimeout:   10 * time.Minute,
		SearchResultsJQ:    DefaultSearchResultsJQ,
		SearchMaxResults:   5,
		SearchTimeoutMs:    15000,
		SearchTimeout:      15 * time.Second,
		LogLevel:           "info",
	}
}

// DefaultSearchResultsJQ extracts "title: snippet" lines from a typical
// search API response.
const DefaultSearchResultsJQ = `[.results[]? | "\(.title): \(.snippet // .content // "")"]`

// Load loads configuration from the optional YAML file at path, then applies
// environment variable overrides. An empty path falls back to RELAY_CONFIG.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.LLMTimeout = time.Duration(cfg.LLMTimeoutMs) * time.Millisecond
	cfg.StaleTurnTimeout = time.Duration(cfg.StaleTurnTimeoutMs) * time.Millisecond
	cfg.SearchTimeout = time.Duration(cfg.SearchTimeoutMs) * time.Millisecond
	if os.Getenv("GOGO_MODE") == "MOCK" {
		cfg.LLMProvider = "mock"
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.CORSOrigin = getEnv("CORS_ORIGIN", c.CORSOrigin)
	c.RPCAddr = getEnv("RPC_ADDR", c.RPCAddr)
	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.BadgerDir = getEnv("BADGER_DIR", c.BadgerDir)
	c.LLMProvider = getEnv("LLM_PROVIDER", c.LLMProvider)
	c.LiteLLMURL = getEnv("LITELLM_URL", c.LiteLLMURL)
	c.LiteLLMAPIKey = getEnv("LITELLM_API_KEY", c.LiteLLMAPIKey)
	c.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.LLMTimeoutMs = getEnvInt("LLM_TIMEOUT_MS", c.LLMTimeoutMs)
	c.DefaultModel = getEnv("DEFAULT_MODEL", c.DefaultModel)
	c.TitleMaxLength = getEnvInt("TITLE_MAX_LENGTH", c.TitleMaxLength)
	c.StaleTurnTimeoutMs = getEnvInt("STALE_TURN_TIMEOUT_MS", c.StaleTurnTimeoutMs)
	c.SearchURL = getEnv("SEARCH_URL", c.SearchURL)
	c.SearchAPIKey = getEnv("SEARCH_API_KEY", c.SearchAPIKey)
	c.SearchResultsJQ = getEnv("SEARCH_RESULTS_JQ", c.SearchResultsJQ)
	c.SearchMaxResults = getEnvInt("SEARCH_MAX_RESULTS", c.SearchMaxResults)
	c.SearchTimeoutMs = getEnvInt("SEARCH_TIMEOUT_MS", c.SearchTimeoutMs)
	if v := os.Getenv("BLOCKED_TOOLS"); v != "" {
		c.BlockedTools = splitList(v)
	}
	c.PolicyFile = getEnv("POLICY_FILE", c.PolicyFile)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
