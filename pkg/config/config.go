package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Neo4j     Neo4jConfig
	Graph     GraphConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Ingestion IngestionConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	ReadTimeout        int
	WriteTimeout       int
	BodyLimit          int
	RateLimitPerMinute int
	MaxContentSize     int
	AllowedOrigins     []string
	Development        bool
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// GraphConfig selects the graph store backend: "neo4j" or "memory".
type GraphConfig struct {
	Backend string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled     bool
	Host        string
	Port        int
	Password    string
	DB          int
	CacheTTLSec int
	LockTTLSec  int
}

type LLMConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type IngestionConfig struct {
	ChunkSize     int
	MaxAttempts   int
	RetryDelaySec int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func (c RedisConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSec) * time.Second
}

func (c IngestionConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySec) * time.Second
}

func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads the config from path, or from the default search paths when
// path is empty. A missing default config file is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/storygraph")
	}

	v.SetEnvPrefix("STORYGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	switch c.Graph.Backend {
	case "neo4j", "memory":
	default:
		return fmt.Errorf("unsupported graph backend %q", c.Graph.Backend)
	}
	if c.Ingestion.ChunkSize <= 0 {
		return fmt.Errorf("ingestion.chunkSize must be positive")
	}
	if c.Ingestion.MaxAttempts <= 0 {
		return fmt.Errorf("ingestion.maxAttempts must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 300)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.rateLimitPerMinute", 20)
	v.SetDefault("server.maxContentSize", 1048576)
	v.SetDefault("server.development", false)

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("graph.backend", "neo4j")

	v.SetDefault("sqlite.path", "./data/storygraph.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cacheTTLSec", 300)
	v.SetDefault("redis.lockTTLSec", 120)

	v.SetDefault("llm.baseURL", "https://api.deepseek.com/v1")
	v.SetDefault("llm.model", "deepseek-chat")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 2000)
	v.SetDefault("llm.timeoutSec", 120)

	v.SetDefault("ingestion.chunkSize", 5000)
	v.SetDefault("ingestion.maxAttempts", 3)
	v.SetDefault("ingestion.retryDelaySec", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
