package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	BackendSQLite   = "sqlite"
	BackendPGVector = "pgvector"
	BackendMemory   = "memory"

	StrategyFixed     = "fixed"
	StrategyRecursive = "recursive"
)

// ErrMissingAPIKey is returned by client constructors when an OpenAI provider
// is selected without a key.
var ErrMissingAPIKey = errors.New("openai provider selected but OPENAI_API_KEY not set")

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
}

type ChunkingConfig struct {
	Size     int    `yaml:"size"`
	Overlap  int    `yaml:"overlap"`
	Strategy string `yaml:"strategy"`
	Workers  int    `yaml:"workers"`
}

type LogConfig struct {
	Path       string `yaml:"path"`
	Production bool   `yaml:"production"`
}

type Config struct {
	BaseDir     string `yaml:"base_dir"`
	DefaultBase string `yaml:"default_base"`

	LLM        LLMConfig       `yaml:"llm"`
	Embeddings EmbeddingConfig `yaml:"embeddings"`
	Chunking   ChunkingConfig  `yaml:"chunking"`
	TopK       int             `yaml:"top_k"`

	VectorBackend string `yaml:"vector_backend"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	Neo4jURI      string `yaml:"neo4j_uri"`
	Neo4jUser     string `yaml:"neo4j_username"`
	Neo4jPass     string `yaml:"neo4j_password"`

	OllamaHost    string `yaml:"ollama_host"`
	OpenAIAPIKey  string `yaml:"-"`
	OpenAIBaseURL string `yaml:"openai_base_url"`

	PromptsDir string        `yaml:"prompts_dir"`
	HTTPAddr   string        `yaml:"http_addr"`
	SessionTTL time.Duration `yaml:"session_ttl"`

	Log LogConfig `yaml:"log"`
}

// Default returns the configuration used when neither a config file nor the
// environment override a value.
func Default() Config {
	return Config{
		BaseDir:     "./document_bases",
		DefaultBase: "default",
		LLM: LLMConfig{
			Provider: ProviderOpenAI,
			Model:    "gpt-4o-mini",
		},
		Embeddings: EmbeddingConfig{
			Provider:  ProviderOpenAI,
			Model:     "text-embedding-3-small",
			Dimension: 1536,
			BatchSize: 64,
		},
		Chunking: ChunkingConfig{
			Size:     1000,
			Overlap:  200,
			Strategy: StrategyFixed,
			Workers:  4,
		},
		TopK:          6,
		VectorBackend: BackendSQLite,
		PostgresDSN:   "postgres://localhost:5432/docbase?sslmode=disable",
		Neo4jUser:     "neo4j",
		Neo4jPass:     "password",
		OllamaHost:    "http://localhost:11434",
		HTTPAddr:      ":8080",
		SessionTTL:    time.Hour,
	}
}

// Load reads .env (if present), an optional YAML file named by DOCBASE_CONFIG
// and finally the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("DOCBASE_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.BaseDir = getEnv("DOCBASE_DIR", c.BaseDir)
	c.DefaultBase = getEnv("DOCBASE_DEFAULT_BASE", c.DefaultBase)

	c.LLM.Provider = getEnv("LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.Embeddings.Provider = getEnv("EMBEDDINGS_PROVIDER", c.Embeddings.Provider)
	c.Embeddings.Model = getEnv("EMBEDDINGS_MODEL", c.Embeddings.Model)
	c.Chunking.Strategy = getEnv("CHUNK_STRATEGY", c.Chunking.Strategy)
	c.VectorBackend = getEnv("VECTOR_BACKEND", c.VectorBackend)

	c.PostgresDSN = getEnv("POSTGRES_DSN", c.PostgresDSN)
	c.Neo4jURI = getEnv("NEO4J_URI", c.Neo4jURI)
	c.Neo4jUser = getEnv("NEO4J_USERNAME", c.Neo4jUser)
	c.Neo4jPass = getEnv("NEO4J_PASSWORD", c.Neo4jPass)

	c.OllamaHost = getEnv("OLLAMA_HOST", c.OllamaHost)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.OpenAIBaseURL)

	c.PromptsDir = getEnv("PROMPTS_DIR", c.PromptsDir)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.Log.Path = getEnv("LOG_PATH", c.Log.Path)

	var err error
	if c.LLM.Temperature, err = getEnvFloat("LLM_TEMPERATURE", c.LLM.Temperature); err != nil {
		return err
	}
	if c.Embeddings.Dimension, err = getEnvInt("EMBEDDINGS_DIMENSION", c.Embeddings.Dimension); err != nil {
		return err
	}
	if c.Embeddings.BatchSize, err = getEnvInt("EMBEDDINGS_BATCH_SIZE", c.Embeddings.BatchSize); err != nil {
		return err
	}
	if c.Chunking.Size, err = getEnvInt("CHUNK_SIZE", c.Chunking.Size); err != nil {
		return err
	}
	if c.Chunking.Overlap, err = getEnvInt("CHUNK_OVERLAP", c.Chunking.Overlap); err != nil {
		return err
	}
	if c.TopK, err = getEnvInt("RETRIEVAL_TOP_K", c.TopK); err != nil {
		return err
	}
	if c.SessionTTL, err = getEnvDuration("SESSION_TTL", c.SessionTTL); err != nil {
		return err
	}
	if c.Log.Production, err = getEnvBool("LOG_PRODUCTION", c.Log.Production); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.BaseDir == "" {
		errs = append(errs, errors.New("base directory must be set"))
	}
	if c.Chunking.Size <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.Chunking.Size))
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		errs = append(errs, fmt.Errorf("chunk overlap must be in [0, %d), got %d", c.Chunking.Size, c.Chunking.Overlap))
	}
	switch c.Chunking.Strategy {
	case StrategyFixed, StrategyRecursive:
	default:
		errs = append(errs, fmt.Errorf("unknown chunk strategy: %s", c.Chunking.Strategy))
	}
	switch c.VectorBackend {
	case BackendSQLite, BackendPGVector, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown vector backend: %s", c.VectorBackend))
	}
	for _, provider := range []string{c.LLM.Provider, c.Embeddings.Provider} {
		if provider != ProviderOpenAI && provider != ProviderOllama {
			errs = append(errs, fmt.Errorf("unknown provider: %s", provider))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := getEnv(key, "")
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvFloat(key string, fallback float32) (float32, error) {
	value := getEnv(key, "")
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return float32(parsed), nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value := getEnv(key, "")
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := getEnv(key, "")
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}
