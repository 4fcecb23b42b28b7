package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ControlPlanePort   string
	ControlPlaneURL    string
	LogLevel           string
	LogFormat          string
	StoreBackend       string
	PostgresURL        string
	PostgresMigrate    bool
	PebblePath         string
	TranscriptKey      string
	UploadDir          string
	ArtifactDir        string
	CapabilityURL      string
	CapabilityManifest string
	CapabilityTimeout  time.Duration
	TemporalEnabled    bool
	TemporalAddress    string
	TemporalTaskQueue  string
	LLMProvider        string
	LLMModel           string
	LLMBaseURL         string
	LLMTemperature     float64
	LLMMaxTokens       int
	LLMAttempts        int
	OpenAIAPIKey       string
	AnthropicAPIKey    string
	GeminiAPIKey       string
	PersonaDir         string
	TurnMaxIterations  int
	TurnTimeout        time.Duration
	TurnHistoryWindow  int
	StreamBuffer       int
	MaxConcurrentTurns int
	ConfidenceFloor    float64
	FindingsMax        int
	GreetingEnabled    bool
	GreetingMaxWords   int
	GreetingPhrases    []string
	ChatRPS            float64
	ChatBurst          int
}

func Load() Config {
	controlPlanePort := getEnv("CONTROL_PLANE_PORT", "8080")
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	return Config{
		ControlPlanePort:   controlPlanePort,
		ControlPlaneURL:    getEnv("CONTROL_PLANE_URL", "http://localhost:"+controlPlanePort),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		StoreBackend:       getEnv("STORE_BACKEND", "memory"),
		PostgresURL:        postgresURL,
		PostgresMigrate:    getEnvBool("POSTGRES_AUTO_MIGRATE", false),
		PebblePath:         getEnv("PEBBLE_PATH", "./data/threads"),
		TranscriptKey:      getEnv("TRANSCRIPT_KEY", ""),
		UploadDir:          getEnv("UPLOAD_DIR", "./data/uploads"),
		ArtifactDir:        getEnv("ARTIFACT_DIR", "./data/artifacts"),
		CapabilityURL:      getEnv("CAPABILITY_URL", "http://localhost:8081"),
		CapabilityManifest: getEnv("CAPABILITY_MANIFEST", ""),
		CapabilityTimeout:  getEnvDuration("CAPABILITY_TIMEOUT", 2*time.Minute),
		TemporalEnabled:    getEnvBool("TEMPORAL_ENABLED", false),
		TemporalAddress:    getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue:  getEnv("TEMPORAL_TASK_QUEUE", "radiology-analyses"),
		LLMProvider:        getEnv("LLM_PROVIDER", "openai"),
		LLMModel:           getEnv("LLM_MODEL", "gpt-4o"),
		LLMBaseURL:         getEnv("LLM_BASE_URL", ""),
		LLMTemperature:     getEnvFloat("LLM_TEMPERATURE", 0.2),
		LLMMaxTokens:       getEnvInt("LLM_MAX_TOKENS", 1500),
		LLMAttempts:        getEnvInt("LLM_ATTEMPTS", 2),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),
		PersonaDir:         getEnv("PERSONA_DIR", ""),
		TurnMaxIterations:  getEnvInt("TURN_MAX_ITERATIONS", 6),
		TurnTimeout:        getEnvDuration("TURN_TIMEOUT", 3*time.Minute),
		TurnHistoryWindow:  getEnvInt("TURN_HISTORY_WINDOW", 20),
		StreamBuffer:       getEnvInt("STREAM_BUFFER", 32),
		MaxConcurrentTurns: getEnvInt("MAX_CONCURRENT_TURNS", 8),
		ConfidenceFloor:    getEnvFloat("CONFIDENCE_THRESHOLD", 0.15),
		FindingsMax:        getEnvInt("FINDINGS_MAX", 3),
		GreetingEnabled:    getEnvBool("GREETING_SHORT_CIRCUIT", true),
		GreetingMaxWords:   getEnvInt("GREETING_MAX_WORDS", 4),
		GreetingPhrases:    getEnvList("GREETING_PHRASES", nil),
		ChatRPS:            getEnvFloat("CHAT_RPS", 2),
		ChatBurst:          getEnvInt("CHAT_BURST", 5),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	items := []string{}
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "radiology")
	password := getEnv("POSTGRES_PASSWORD", "radiology")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "radiology")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
