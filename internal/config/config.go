package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Schema    SchemaConfig    `yaml:"schema" mapstructure:"schema"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
	Mistral   MistralConfig   `yaml:"mistral" mapstructure:"mistral"`
	OCR       OCRConfig       `yaml:"ocr" mapstructure:"ocr"`
	Dedupe    DedupeConfig    `yaml:"dedupe" mapstructure:"dedupe"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Refine    RefineConfig    `yaml:"refine" mapstructure:"refine"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SchemaConfig points at the JSON Schema that declares record fields.
type SchemaConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// AnthropicConfig holds Anthropic API settings. Models lists the fallback
// chain tried in order when a model fails or refuses.
type AnthropicConfig struct {
	Key       string   `yaml:"key" mapstructure:"key"`
	Models    []string `yaml:"models" mapstructure:"models"`
	MaxTokens int64    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// OpenAIConfig holds embedding provider settings.
type OpenAIConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	EmbeddingModel string `yaml:"embedding_model" mapstructure:"embedding_model"`
}

// MistralConfig holds the Mistral OCR API key.
type MistralConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// OCRConfig configures PDF text extraction.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
}

// DedupeConfig selects the similarity strategy and its threshold.
type DedupeConfig struct {
	Method    string  `yaml:"method" mapstructure:"method"`
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
}

// PipelineConfig configures document processing.
type PipelineConfig struct {
	MaxConcurrentDocuments int     `yaml:"max_concurrent_documents" mapstructure:"max_concurrent_documents"`
	StageTimeoutSecs       int     `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
	RequestsPerSecond      float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// RefineConfig configures the opt-in refinement stage. ListPath names a YAML
// file enumerating the document ids to refine.
type RefineConfig struct {
	ListPath string `yaml:"list_path" mapstructure:"list_path"`
}

// ServerConfig configures the review API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ECOEXTRACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "ecoextract.db")
	v.SetDefault("schema.path", "schema.json")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.models", []string{
		"claude-sonnet-4-5-20250929",
		"claude-haiku-4-5-20251001",
	})
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("ocr.provider", "local")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.mistral_model", "mistral-ocr-latest")
	v.SetDefault("dedupe.method", "lexical")
	v.SetDefault("dedupe.threshold", 0.85)
	v.SetDefault("pipeline.max_concurrent_documents", 4)
	v.SetDefault("pipeline.stage_timeout_secs", 300)
	v.SetDefault("pipeline.requests_per_second", 2.0)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// ValidateProcess checks the settings the process command needs. Bad
// configuration aborts before any document is touched.
func (c *Config) ValidateProcess() error {
	if c.Schema.Path == "" {
		return eris.New("config: schema.path is required")
	}
	if c.Anthropic.Key == "" {
		return eris.New("config: anthropic.key is required")
	}
	if len(c.Anthropic.Models) == 0 {
		return eris.New("config: anthropic.models must list at least one model")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return eris.New("config: store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for the postgres driver")
		}
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Dedupe.Method == "embedding" && c.OpenAI.Key == "" {
		return eris.New("config: openai.key is required for the embedding dedupe method")
	}
	if c.Dedupe.Threshold <= 0 || c.Dedupe.Threshold > 1 {
		return eris.Errorf("config: dedupe.threshold %v out of range (0, 1]", c.Dedupe.Threshold)
	}
	if c.Pipeline.MaxConcurrentDocuments < 1 {
		return eris.New("config: pipeline.max_concurrent_documents must be at least 1")
	}
	return nil
}

// ValidateServe checks the settings the serve command needs.
func (c *Config) ValidateServe() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return eris.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	return nil
}

// refineList is the on-disk shape of the refinement inclusion list.
type refineList struct {
	Documents []string `yaml:"documents"`
}

// LoadRefineList reads the per-document refinement inclusion list. An empty
// path means refinement is disabled for every document.
func LoadRefineList(path string) (map[string]struct{}, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read refine list %s", path)
	}
	var list refineList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, eris.Wrapf(err, "config: parse refine list %s", path)
	}
	out := make(map[string]struct{}, len(list.Documents))
	for _, id := range list.Documents {
		out[id] = struct{}{}
	}
	return out, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
