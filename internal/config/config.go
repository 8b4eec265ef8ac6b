// Package config loads pipeline configuration from a YAML file with
// environment-variable overrides. File values fill in over defaults,
// then environment variables win over both.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/scholar-graph-pipeline/internal/ingest"
)

// Config is the full pipeline configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	NATS          NATSConfig          `yaml:"nats"`
	LLM           LLMConfig           `yaml:"llm"`
	Vector        VectorConfig        `yaml:"vector"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Normalization NormalizationConfig `yaml:"normalization"`
	NLQ           NLQConfig           `yaml:"nlq"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StoreConfig points at the Neo4j HTTP endpoint.
type StoreConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RedisConfig enables the distributed rate limiter and cache L2 when
// Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// LLMConfig selects the language-model provider. Credentials stay in
// the environment (OPENAI_API_KEY, ANTHROPIC_API_KEY).
type LLMConfig struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// VectorConfig enables qdrant-backed similarity retrieval when Enabled.
type VectorConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
}

// IngestionConfig tunes the ingestion service and declares recurring
// schedules.
type IngestionConfig struct {
	MaxConcurrency        int                     `yaml:"max_concurrency"`
	DefaultMaxResults     int                     `yaml:"default_max_results"`
	UnpaywallEmail        string                  `yaml:"unpaywall_email"`
	SemanticScholarAPIKey string                  `yaml:"semantic_scholar_api_key"`
	Schedules             []ingest.ScheduleConfig `yaml:"schedules"`
}

// NormalizationConfig tunes the normalization cascade.
type NormalizationConfig struct {
	RulesPath           string  `yaml:"rules_path"`
	UseLLMConfirmation  bool    `yaml:"use_llm_confirmation"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	AutoRegisterAliases bool    `yaml:"auto_register_aliases"`
}

// NLQConfig tunes natural-language querying.
type NLQConfig struct {
	HintsPath string `yaml:"hints_path"`
	Language  string `yaml:"language"`
}

// Default returns the configuration for a fully local deployment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Store: StoreConfig{
			URI:      "http://localhost:7474",
			Database: "neo4j",
		},
		Vector: VectorConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "entities",
		},
		Ingestion: IngestionConfig{
			MaxConcurrency:    4,
			DefaultMaxResults: 50,
		},
		Normalization: NormalizationConfig{
			RulesPath:           "configs/normalization-rules.yaml",
			UseLLMConfirmation:  true,
			SimilarityThreshold: 0.8,
			AutoRegisterAliases: true,
		},
		NLQ: NLQConfig{
			HintsPath: "configs/intent-hints.yaml",
			Language:  "en",
		},
	}
}

// Load reads path (optional) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setInt(&c.Server.Port, "PORT")
	setString(&c.Store.URI, "NEO4J_URI")
	setString(&c.Store.Database, "NEO4J_DATABASE")
	setString(&c.Store.Username, "NEO4J_USERNAME")
	setString(&c.Store.Password, "NEO4J_PASSWORD")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.LLM.Provider, "LLM_PROVIDER")
	setString(&c.LLM.Model, "LLM_MODEL")
	setString(&c.LLM.BaseURL, "LLM_BASE_URL")
	setString(&c.Vector.Host, "QDRANT_HOST")
	setInt(&c.Vector.Port, "QDRANT_PORT")
	setString(&c.Ingestion.UnpaywallEmail, "UNPAYWALL_EMAIL")
	setString(&c.Ingestion.SemanticScholarAPIKey, "SEMANTIC_SCHOLAR_API_KEY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
