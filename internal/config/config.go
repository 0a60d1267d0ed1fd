package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nidhogg/deep-research/internal/embedding"
	"github.com/nidhogg/deep-research/internal/provider"
	"github.com/nidhogg/deep-research/internal/search"
	"github.com/nidhogg/deep-research/internal/tracing"
	"github.com/nidhogg/deep-research/internal/vectorstore"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig              `json:"server" yaml:"server"`
	Providers []provider.ProviderConfig `json:"providers" yaml:"providers" validate:"dive"`
	Research  ResearchConfig            `json:"research" yaml:"research"`
	Search    search.Config             `json:"search" yaml:"search"`
	Embedding embedding.Config          `json:"embedding" yaml:"embedding"`
	Database  DatabaseConfig            `json:"database" yaml:"database"`
	Notify    NotifyConfig              `json:"notify" yaml:"notify"`
	Tracing   tracing.Config            `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP listener and logging settings.
type ServerConfig struct {
	Port        int      `json:"port" yaml:"port" validate:"min=1,max=65535"`
	LogLevel    string   `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Env         string   `json:"env" yaml:"env" validate:"omitempty,oneof=development production"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`
	RateLimit   float64  `json:"rate_limit" yaml:"rate_limit" validate:"gte=0"` // requests per second for POST /api/research
	RateBurst   int      `json:"rate_burst" yaml:"rate_burst" validate:"gte=0"`
}

// ResearchConfig controls the workflow and its workers.
type ResearchConfig struct {
	WorkspaceDir      string `json:"workspace_dir" yaml:"workspace_dir" validate:"required"`
	EnableWebSearch   bool   `json:"enable_web_search" yaml:"enable_web_search"`
	EnableDocAnalysis bool   `json:"enable_doc_analysis" yaml:"enable_doc_analysis"`
	MaxToolRounds     int    `json:"max_tool_rounds" yaml:"max_tool_rounds" validate:"gte=1"`
	MaxTokens         int    `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
	MaxConcurrent     int    `json:"max_concurrent" yaml:"max_concurrent" validate:"gte=1"`
	MinExtractLength  int    `json:"min_extract_length" yaml:"min_extract_length" validate:"gte=1"`
	MinReportLength   int    `json:"min_report_length" yaml:"min_report_length" validate:"gte=0"`
	MaxReportLength   int    `json:"max_report_length" yaml:"max_report_length" validate:"gte=0"`
	SearchResults     int    `json:"search_results" yaml:"search_results" validate:"gte=0"`
	RetrievalTopK     int    `json:"retrieval_top_k" yaml:"retrieval_top_k" validate:"gte=0"`
	PromptsDir        string `json:"prompts_dir" yaml:"prompts_dir"`

	// RetentionDays > 0 purges workspaces older than that on PurgeSchedule.
	RetentionDays int    `json:"retention_days" yaml:"retention_days" validate:"gte=0"`
	PurgeSchedule string `json:"purge_schedule" yaml:"purge_schedule"`

	// Bindings map a worker role or "planner" to a provider id; Fallbacks
	// list providers tried after it. Models overrides the model per role.
	Bindings  map[string]string   `json:"bindings" yaml:"bindings"`
	Fallbacks map[string][]string `json:"fallbacks" yaml:"fallbacks"`
	Models    map[string]string   `json:"models" yaml:"models"`
}

// DatabaseConfig groups the optional backends. Empty sections are skipped.
type DatabaseConfig struct {
	Postgres PostgresConfig           `json:"postgres" yaml:"postgres"`
	Neo4j    Neo4jConfig              `json:"neo4j" yaml:"neo4j"`
	Redis    RedisConfig              `json:"redis" yaml:"redis"`
	Qdrant   vectorstore.QdrantConfig `json:"qdrant" yaml:"qdrant"`
}

// PostgresConfig locates the result store.
type PostgresConfig struct {
	DSN           string `json:"dsn" yaml:"dsn"`
	MigrationsDir string `json:"migrations_dir" yaml:"migrations_dir"`
}

// Neo4jConfig locates the lineage graph.
type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

// RedisConfig locates the stage event bus.
type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

// NotifyConfig lists completion notifiers.
type NotifyConfig struct {
	Slack   SlackConfig   `json:"slack" yaml:"slack"`
	Discord DiscordConfig `json:"discord" yaml:"discord"`
}

// SlackConfig posts completion messages to one channel.
type SlackConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token" validate:"required_if=Enabled true"`
	Channel  string `json:"channel" yaml:"channel" validate:"required_if=Enabled true"`
}

// DiscordConfig posts completion messages through a bot token.
type DiscordConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BotToken  string `json:"bot_token" yaml:"bot_token" validate:"required_if=Enabled true"`
	ChannelID string `json:"channel_id" yaml:"channel_id" validate:"required_if=Enabled true"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON or YAML config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data as YAML when ext is .yaml or .yml and as JSON otherwise.
func Parse(data []byte, ext string) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(resolved), &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 1
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 5
	}

	r := &c.Research
	if r.WorkspaceDir == "" {
		r.WorkspaceDir = "./data/workspaces"
	}
	if r.MaxToolRounds == 0 {
		r.MaxToolRounds = 8
	}
	if r.MaxConcurrent == 0 {
		r.MaxConcurrent = 4
	}
	if r.MinExtractLength == 0 {
		r.MinExtractLength = 200
	}
	if r.SearchResults == 0 {
		r.SearchResults = 5
	}
	if r.RetrievalTopK == 0 {
		r.RetrievalTopK = 5
	}
	if r.PurgeSchedule == "" {
		r.PurgeSchedule = "@daily"
	}

	if c.Database.Postgres.MigrationsDir == "" {
		c.Database.Postgres.MigrationsDir = "migrations"
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
	if c.Database.Qdrant.Collection == "" {
		c.Database.Qdrant.Collection = "research_docs"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "deep-research"
	}
}

var validate = validator.New()

// Validate checks field constraints and provider references.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	ids := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("invalid config: provider without id")
		}
		ids[p.ID] = true
	}
	for key, id := range c.Research.Bindings {
		if !ids[id] {
			return fmt.Errorf("invalid config: binding %q refers to unknown provider %q", key, id)
		}
	}
	for key, chain := range c.Research.Fallbacks {
		for _, id := range chain {
			if !ids[id] {
				return fmt.Errorf("invalid config: fallback for %q refers to unknown provider %q", key, id)
			}
		}
	}
	return nil
}
