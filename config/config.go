// Package config loads runtime configuration from the environment, with an
// optional .env file picked up from the working directory.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	// ProviderHash selects the deterministic local embedder. It needs no
	// network access and is mainly useful for fixtures and offline runs.
	ProviderHash = "hash"
)

type EmbeddingsConfig struct {
	Provider  string
	Model     string
	Dimension int
}

type LLMConfig struct {
	Provider string
	Model    string
}

type SegmenterConfig struct {
	// WindowTokens bounds the size of a chunk; OverlapTokens bounds how much
	// adjacent chunks share. A window never splits a script line.
	WindowTokens  int
	OverlapTokens int
}

type RetrievalConfig struct {
	TopK     int
	MinScore float64
}

type OrchestratorConfig struct {
	MaxSteps int
	Timeout  time.Duration
}

type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	CallTimeout     time.Duration
}

type Config struct {
	PostgresDSN string
	Neo4jURI    string
	Neo4jUser   string
	Neo4jPass   string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Corpus     string
	ScriptPath string
	ListenAddr string

	Embeddings   EmbeddingsConfig
	LLM          LLMConfig
	Segmenter    SegmenterConfig
	Retrieval    RetrievalConfig
	Orchestrator OrchestratorConfig
	Retry        RetryConfig
}

func Load() Config {
	// Missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	return Config{
		PostgresDSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/script-agent?sslmode=disable"),
		Neo4jURI:    getEnv("NEO4J_URI", "neo4j://localhost:7687"),
		Neo4jUser:   getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPass:   getEnv("NEO4J_PASSWORD", "password"),

		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),

		Corpus:     getEnv("SCRIPT_CORPUS", "the-matrix-1999"),
		ScriptPath: getEnv("SCRIPT_PATH", "resources/the-matrix-1999.pdf"),
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		Embeddings: EmbeddingsConfig{
			Provider:  getEnv("EMBEDDINGS_PROVIDER", ProviderOpenAI),
			Model:     getEnv("EMBEDDINGS_MODEL", "text-embedding-3-large"),
			Dimension: getEnvInt("EMBEDDINGS_DIMENSION", 256),
		},
		LLM: LLMConfig{
			Provider: getEnv("LLM_PROVIDER", ProviderOpenAI),
			Model:    getEnv("LLM_MODEL", "gpt-4.1-mini"),
		},
		Segmenter: SegmenterConfig{
			WindowTokens:  getEnvInt("SEGMENT_WINDOW_TOKENS", 120),
			OverlapTokens: getEnvInt("SEGMENT_OVERLAP_TOKENS", 30),
		},
		Retrieval: RetrievalConfig{
			TopK:     getEnvInt("RETRIEVAL_TOP_K", 10),
			MinScore: getEnvFloat("RETRIEVAL_MIN_SCORE", 0.25),
		},
		Orchestrator: OrchestratorConfig{
			MaxSteps: getEnvInt("ORCHESTRATOR_MAX_STEPS", 8),
			Timeout:  getEnvDuration("ORCHESTRATOR_TIMEOUT", 90*time.Second),
		},
		Retry: RetryConfig{
			MaxRetries:      uint64(getEnvInt("PROVIDER_MAX_RETRIES", 3)),
			InitialInterval: getEnvDuration("PROVIDER_RETRY_INTERVAL", 500*time.Millisecond),
			CallTimeout:     getEnvDuration("PROVIDER_CALL_TIMEOUT", 30*time.Second),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
