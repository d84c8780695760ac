package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research pipeline
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Research  ResearchConfig  `mapstructure:"research"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address                  string `mapstructure:"address"`
	JWTSecret                string `mapstructure:"jwt_secret"`
	CleanupSchedule          string `mapstructure:"cleanup_schedule"` // cron expression
	DiagnosticsRetentionDays int    `mapstructure:"diagnostics_retention_days"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address is required")
	}
	if s.DiagnosticsRetentionDays < 0 {
		return fmt.Errorf("server.diagnostics_retention_days cannot be negative")
	}
	return nil
}

// ResearchConfig tunes the retrieval/evaluation/synthesis pipeline.
type ResearchConfig struct {
	Workers        int               `mapstructure:"workers"`
	OverallTimeout time.Duration     `mapstructure:"overall_timeout"`
	ToolTimeout    time.Duration     `mapstructure:"tool_timeout"`
	MaxRetries     int               `mapstructure:"max_retries"`
	RetryBackoff   time.Duration     `mapstructure:"retry_backoff"`
	Evaluator      EvaluatorConfig   `mapstructure:"evaluator"`
	Synthesizer    SynthesizerConfig `mapstructure:"synthesizer"`
}

func (r ResearchConfig) Validate() error {
	if r.Workers <= 0 {
		return fmt.Errorf("research.workers must be > 0")
	}
	if r.OverallTimeout <= 0 {
		return fmt.Errorf("research.overall_timeout must be > 0")
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("research.max_retries cannot be negative")
	}
	return nil
}

// EvaluatorConfig controls evidence scoring and filtering.
type EvaluatorConfig struct {
	QualityThreshold float64            `mapstructure:"quality_threshold"`
	DedupThreshold   float64            `mapstructure:"dedup_threshold"`
	MaxAgeDays       int                `mapstructure:"max_age_days"`
	Reputation       map[string]float64 `mapstructure:"reputation"`
	Weights          WeightsConfig      `mapstructure:"weights"`
}

// WeightsConfig are the quality formula coefficients. Redundancy should be
// negative.
type WeightsConfig struct {
	Reputation float64 `mapstructure:"reputation"`
	Recency    float64 `mapstructure:"recency"`
	Relevance  float64 `mapstructure:"relevance"`
	Redundancy float64 `mapstructure:"redundancy"`
}

func (e EvaluatorConfig) Validate() error {
	if e.QualityThreshold < 0 || e.QualityThreshold > 1 {
		return fmt.Errorf("research.evaluator.quality_threshold must be within [0,1]")
	}
	if e.DedupThreshold < 0 || e.DedupThreshold > 1 {
		return fmt.Errorf("research.evaluator.dedup_threshold must be within [0,1]")
	}
	for kind, score := range e.Reputation {
		if score < 0 || score > 1 {
			return fmt.Errorf("research.evaluator.reputation.%s must be within [0,1]", kind)
		}
	}
	return nil
}

// SynthesizerConfig controls response assembly.
type SynthesizerConfig struct {
	MaxFragmentsPerSection int `mapstructure:"max_fragments_per_section"`
	MaxPerspectives        int `mapstructure:"max_perspectives"`
	MaxResponseLength      int `mapstructure:"max_response_length"`
}

// ToolsConfig contains per-tool retrieval settings
type ToolsConfig struct {
	DocSearch DocSearchConfig `mapstructure:"docsearch"`
	WebSearch WebSearchConfig `mapstructure:"websearch"`
	Scholar   ScholarConfig   `mapstructure:"scholar"`
	MemSearch MemSearchConfig `mapstructure:"memsearch"`
}

// DocSearchConfig configures the bleve-backed document tool
type DocSearchConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	IndexPath  string        `mapstructure:"index_path"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// WebSearchConfig configures the web search tool
type WebSearchConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	Endpoint     string        `mapstructure:"endpoint"`
	MaxResults   int           `mapstructure:"max_results"`
	FetchPages   bool          `mapstructure:"fetch_pages"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ScholarConfig configures the academic paper tool
type ScholarConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Endpoint   string        `mapstructure:"endpoint"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MemSearchConfig configures conversation-memory retrieval
type MemSearchConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	MaxResults int           `mapstructure:"max_results"`
	WindowSize int           `mapstructure:"window_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// MemoryConfig controls conversation history behaviour.
type MemoryConfig struct {
	Backend      string `mapstructure:"backend"` // redis or memory
	HistoryLimit int    `mapstructure:"history_limit"`
}

func (m MemoryConfig) Validate() error {
	switch m.Backend {
	case "", "redis", "memory":
	default:
		return fmt.Errorf("memory.backend must be redis or memory, got %q", m.Backend)
	}
	if m.HistoryLimit < 0 {
		return fmt.Errorf("memory.history_limit cannot be negative")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	LogFile string `mapstructure:"log_file"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name

	setDefaults()

	if path == "" {
		viper.AddConfigPath("./app/config") // path to look for the config file in
		viper.AddConfigPath("./config")     // path to look for the config file in
		viper.AddConfigPath(".")            // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)                                // bin/
		viper.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("SCOUT")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (SCOUT_*)

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Server.Validate(); err != nil {
		panic(err)
	}
	if err := config.Research.Validate(); err != nil {
		panic(err)
	}
	if err := config.Research.Evaluator.Validate(); err != nil {
		panic(err)
	}
	if err := config.Memory.Validate(); err != nil {
		panic(err)
	}
	if config.Memory.Backend == "redis" {
		if err := config.Storage.Redis.Validate(); err != nil {
			panic(err)
		}
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}

// Default returns a config carrying only the built-in defaults, without
// reading a file. Used by the one-shot CLI path and tests.
func Default() *Config {
	v := viper.New()
	applyDefaults(v)
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("defaults unmarshal: %w", err))
	}
	return &config
}

func setDefaults() {
	applyDefaults(viper.GetViper())
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")

	v.SetDefault("server.address", ":10002")
	v.SetDefault("server.cleanup_schedule", "0 3 * * *")
	v.SetDefault("server.diagnostics_retention_days", 14)

	v.SetDefault("research.workers", 4)
	v.SetDefault("research.overall_timeout", 15*time.Second)
	v.SetDefault("research.tool_timeout", 8*time.Second)
	v.SetDefault("research.max_retries", 2)
	v.SetDefault("research.retry_backoff", 300*time.Millisecond)

	v.SetDefault("research.evaluator.quality_threshold", 0.6)
	v.SetDefault("research.evaluator.dedup_threshold", 0.9)
	v.SetDefault("research.evaluator.max_age_days", 365)
	v.SetDefault("research.evaluator.weights.reputation", 0.30)
	v.SetDefault("research.evaluator.weights.recency", 0.20)
	v.SetDefault("research.evaluator.weights.relevance", 0.40)
	v.SetDefault("research.evaluator.weights.redundancy", -0.10)
	v.SetDefault("research.evaluator.reputation", map[string]float64{
		"academic": 0.95,
		"document": 0.80,
		"web":      0.70,
		"memory":   0.60,
	})

	v.SetDefault("research.synthesizer.max_fragments_per_section", 5)
	v.SetDefault("research.synthesizer.max_perspectives", 2)
	v.SetDefault("research.synthesizer.max_response_length", 5000)

	v.SetDefault("tools.docsearch.enabled", true)
	v.SetDefault("tools.docsearch.index_path", "./data/docs.bleve")
	v.SetDefault("tools.docsearch.max_results", 10)
	v.SetDefault("tools.docsearch.timeout", 3*time.Second)

	v.SetDefault("tools.websearch.enabled", true)
	v.SetDefault("tools.websearch.endpoint", "https://google.serper.dev/search")
	v.SetDefault("tools.websearch.max_results", 10)
	v.SetDefault("tools.websearch.fetch_pages", false)
	v.SetDefault("tools.websearch.timeout", 8*time.Second)

	v.SetDefault("tools.scholar.enabled", true)
	v.SetDefault("tools.scholar.endpoint", "http://export.arxiv.org/api/query")
	v.SetDefault("tools.scholar.max_results", 10)
	v.SetDefault("tools.scholar.timeout", 8*time.Second)

	v.SetDefault("tools.memsearch.enabled", true)
	v.SetDefault("tools.memsearch.max_results", 5)
	v.SetDefault("tools.memsearch.window_size", 50)
	v.SetDefault("tools.memsearch.timeout", 2*time.Second)

	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.timeout", 5*time.Second)

	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.user", "scout")
	v.SetDefault("storage.postgres.dbname", "scout")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.timeout", 10*time.Second)

	v.SetDefault("memory.backend", "memory")
	v.SetDefault("memory.history_limit", 200)

	v.SetDefault("telemetry.enabled", true)
}
