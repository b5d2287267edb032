package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string `yaml:"env"`

	LLM struct {
		Provider    string  `yaml:"provider"`
		BaseURL     string  `yaml:"base_url"`
		APIKey      string  `yaml:"api_key"`
		Model       string  `yaml:"model"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float64 `yaml:"temperature"`
	} `yaml:"llm"`

	Embedding struct {
		Provider  string  `yaml:"provider"`
		BaseURL   string  `yaml:"base_url"`
		APIKey    string  `yaml:"api_key"`
		Model     string  `yaml:"model"`
		BatchSize int     `yaml:"batch_size"`
		RateLimit float64 `yaml:"rate_limit"`
	} `yaml:"embedding"`

	Processor struct {
		ChunkSize    int  `yaml:"chunk_size"`
		ChunkOverlap int  `yaml:"chunk_overlap"`
		BreakOnSpace bool `yaml:"break_on_space"`
	} `yaml:"processor"`

	Retrieval struct {
		TopK            int  `yaml:"top_k"`
		ExcerptChars    int  `yaml:"excerpt_chars"`
		CheckGeneration bool `yaml:"check_generation"`
		WatchIndex      bool `yaml:"watch_index"`
	} `yaml:"retrieval"`

	Storage Storage `yaml:"storage"`

	Reader struct {
		MaxBytes  int64         `yaml:"max_bytes"`
		Timeout   time.Duration `yaml:"timeout"`
		RateLimit float64       `yaml:"rate_limit"`
	} `yaml:"reader"`

	Retry struct {
		MaxAttempts int           `yaml:"max_attempts"`
		Initial     time.Duration `yaml:"initial"`
		Max         time.Duration `yaml:"max"`
	} `yaml:"retry"`

	Server struct {
		Port           string  `yaml:"port"`
		UploadDir      string  `yaml:"upload_dir"`
		MaxUploadBytes int64   `yaml:"max_upload_bytes"`
		QueryRateLimit float64 `yaml:"query_rate_limit"`
		QueryBurst     int     `yaml:"query_burst"`
	} `yaml:"server"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Storage selects the index backend. Location is a directory for "file", a
// database file for "sqlite" and a connection string for "postgres". Records
// overrides where documents and answers are kept ("memory" or a backend name).
type Storage struct {
	Backend  string        `yaml:"backend"`
	Location string        `yaml:"location"`
	Records  string        `yaml:"records"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
	Table    string        `yaml:"table"`
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/formulary/config.yaml"),
			"/etc/formulary/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := newConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(config)
	applyDefaults(config)

	return config, nil
}

// unsetOverlap marks a chunk_overlap the file did not mention; an explicit 0
// is a valid overlap.
const unsetOverlap = -1

func newConfig() *Config {
	config := &Config{}
	config.Processor.ChunkOverlap = unsetOverlap
	return config
}

func getDefaultConfig() (*Config, error) {
	config := newConfig()
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.Env == "" {
		config.Env = "production"
	}

	if config.LLM.Provider == "" {
		config.LLM.Provider = "openai"
	}
	if config.LLM.Model == "" {
		if config.LLM.Provider == "ollama" {
			config.LLM.Model = "mistral"
		} else {
			config.LLM.Model = "gpt-4o"
		}
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 1024
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.2
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == "ollama" {
		config.LLM.BaseURL = "http://localhost:11434"
	}

	if config.Embedding.Provider == "" {
		config.Embedding.Provider = config.LLM.Provider
	}
	if config.Embedding.Model == "" {
		if config.Embedding.Provider == "ollama" {
			config.Embedding.Model = "nomic-embed-text:latest"
		} else {
			config.Embedding.Model = "text-embedding-ada-002"
		}
	}
	if config.Embedding.BaseURL == "" {
		if config.Embedding.Provider == config.LLM.Provider {
			config.Embedding.BaseURL = config.LLM.BaseURL
		} else if config.Embedding.Provider == "ollama" {
			config.Embedding.BaseURL = "http://localhost:11434"
		}
	}
	if config.Embedding.APIKey == "" && config.Embedding.Provider == config.LLM.Provider {
		config.Embedding.APIKey = config.LLM.APIKey
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = 64
	}
	if config.Embedding.RateLimit == 0 {
		config.Embedding.RateLimit = 5
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 500
	}
	if config.Processor.ChunkOverlap == unsetOverlap {
		config.Processor.ChunkOverlap = 50
	}

	if config.Retrieval.TopK == 0 {
		config.Retrieval.TopK = 20
	}
	if config.Retrieval.ExcerptChars == 0 {
		config.Retrieval.ExcerptChars = 300
	}

	if config.Storage.Backend == "" {
		config.Storage.Backend = "file"
	}
	if config.Storage.Location == "" && config.Storage.Backend == "file" {
		config.Storage.Location = "faiss_dosage_index"
	}
	if config.Storage.LockTTL == 0 {
		config.Storage.LockTTL = 30 * time.Minute
	}
	if config.Storage.Table == "" {
		config.Storage.Table = "formulary_index"
	}

	if config.Reader.MaxBytes == 0 {
		config.Reader.MaxBytes = 64 << 20
	}
	if config.Reader.Timeout == 0 {
		config.Reader.Timeout = 30 * time.Second
	}
	if config.Reader.RateLimit == 0 {
		config.Reader.RateLimit = 2
	}

	if config.Retry.MaxAttempts == 0 {
		config.Retry.MaxAttempts = 4
	}
	if config.Retry.Initial == 0 {
		config.Retry.Initial = 500 * time.Millisecond
	}
	if config.Retry.Max == 0 {
		config.Retry.Max = 8 * time.Second
	}

	if config.Server.Port == "" {
		config.Server.Port = "8000"
	}
	if config.Server.UploadDir == "" {
		config.Server.UploadDir = filepath.Join(os.TempDir(), "formulary-uploads")
	}
	if config.Server.MaxUploadBytes == 0 {
		config.Server.MaxUploadBytes = 50 << 20
	}
	if config.Server.QueryRateLimit == 0 {
		config.Server.QueryRateLimit = 2
	}
	if config.Server.QueryBurst == 0 {
		config.Server.QueryBurst = 5
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
}

func mergeWithEnv(config *Config) {
	if env := os.Getenv("ENV"); env != "" {
		config.Env = env
	}
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.Provider = "ollama"
		config.LLM.BaseURL = baseURL
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		config.LLM.APIKey = key
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.Backend = "postgres"
		config.Storage.Location = dbURL
	}
	if dir := os.Getenv("FORMULARY_INDEX_DIR"); dir != "" {
		config.Storage.Backend = "file"
		config.Storage.Location = dir
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Auth.JWTSecret = secret
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Port = port
	}
}
