// Package config handles ponder configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/logging"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// Server
	Server  ServerConfig   `yaml:"server" json:"server"`
	Logging logging.Config `yaml:"logging" json:"logging"`

	// Analysis loop
	Analysis   AnalysisConfig   `yaml:"analysis" json:"analysis"`
	Thresholds core.Thresholds  `yaml:"thresholds" json:"thresholds"`
	HighStakes HighStakesConfig `yaml:"high_stakes" json:"high_stakes"`
	Context    ContextConfig    `yaml:"context" json:"context"`
	Orphans    OrphanConfig     `yaml:"orphans" json:"orphans"`

	// Services
	LLM        LLMConfig        `yaml:"llm" json:"llm"`
	Qdrant     QdrantConfig     `yaml:"qdrant" json:"qdrant"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Google     GoogleConfig     `yaml:"google" json:"google"`

	// Daemon housekeeping
	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port        int      `yaml:"port" json:"port"`
	Host        string   `yaml:"host" json:"host"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AnalysisConfig bounds the pass loop
type AnalysisConfig struct {
	MaxPasses        int               `yaml:"max_passes" json:"max_passes"`
	MaxPassesPerTier map[core.Tier]int `yaml:"max_passes_per_tier" json:"max_passes_per_tier"`
	StopConfidence   float64           `yaml:"stop_confidence" json:"stop_confidence"`
	Concurrency      int               `yaml:"concurrency" json:"concurrency"`
}

// HighStakesConfig holds the predicates that force a top-tier review.
// AmountCeiling and DeadlineWindow have no sensible default and must be set.
type HighStakesConfig struct {
	AmountCeiling  float64       `yaml:"amount_ceiling" json:"amount_ceiling"`
	DeadlineWindow time.Duration `yaml:"deadline_window" json:"deadline_window"`
	VIPSenders     []string      `yaml:"vip_senders" json:"vip_senders"`
}

// ContextConfig for the context searcher
type ContextConfig struct {
	MaxPerSource    int           `yaml:"max_per_source" json:"max_per_source"`
	ProviderTimeout time.Duration `yaml:"provider_timeout" json:"provider_timeout"`
	DateWindow      time.Duration `yaml:"date_window" json:"date_window"`
	Sources         SourceToggles `yaml:"sources" json:"sources"`
}

// SourceToggles enables individual context sources
type SourceToggles struct {
	Notes    bool `yaml:"notes" json:"notes"`
	Semantic bool `yaml:"semantic" json:"semantic"`
	Gmail    bool `yaml:"gmail" json:"gmail"`
	Calendar bool `yaml:"calendar" json:"calendar"`
}

// Rejection policies for orphan questions
const (
	RejectPermanent = "permanent"
	RejectExpiring  = "expiring"
)

// OrphanConfig for the orphan question manager
type OrphanConfig struct {
	RejectionPolicy string        `yaml:"rejection_policy" json:"rejection_policy"`
	RejectionTTL    time.Duration `yaml:"rejection_ttl" json:"rejection_ttl"`
}

// TierBackend maps a tier to a provider and model
type TierBackend struct {
	Provider string `yaml:"provider" json:"provider"` // claude, azure, ollama
	Model    string `yaml:"model" json:"model"`
}

// LLMConfig for the model gateway
type LLMConfig struct {
	Tiers        map[core.Tier]TierBackend `yaml:"tiers" json:"tiers"`
	MaxRetries   int                       `yaml:"max_retries" json:"max_retries"`
	RetryBackoff time.Duration             `yaml:"retry_backoff" json:"retry_backoff"`
	Timeout      time.Duration             `yaml:"timeout" json:"timeout"`

	Claude ClaudeConfig `yaml:"claude" json:"claude"`
	Azure  AzureConfig  `yaml:"azure" json:"azure"`
	Ollama OllamaConfig `yaml:"ollama" json:"ollama"`
}

// ClaudeConfig for Claude API
type ClaudeConfig struct {
	APIKey  string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	BaseURL string `yaml:"base_url" json:"base_url"`
}

// AzureConfig for Azure OpenAI
type AzureConfig struct {
	Endpoint   string `yaml:"endpoint" json:"endpoint"`
	APIKey     string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	APIVersion string `yaml:"api_version" json:"api_version"`
}

// OllamaConfig for local LLM
type OllamaConfig struct {
	URL string `yaml:"url" json:"url"`
}

// QdrantConfig for vector database
type QdrantConfig struct {
	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port" json:"port"`
	Collection string `yaml:"collection" json:"collection"`
}

// EmbeddingsConfig for the embedding model
type EmbeddingsConfig struct {
	URL        string `yaml:"url" json:"url"`
	Model      string `yaml:"model" json:"model"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
}

// GoogleConfig for the Gmail and Calendar context sources
type GoogleConfig struct {
	ClientID     string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	TokenFile    string `yaml:"token_file" json:"token_file"`
}

// MaintenanceConfig schedules ponderd's housekeeping jobs. A zero
// interval or empty time disables the job.
type MaintenanceConfig struct {
	LedgerVerifyInterval time.Duration `yaml:"ledger_verify_interval" json:"ledger_verify_interval"`
	ReindexAt            string        `yaml:"reindex_at" json:"reindex_at"` // HH:MM local
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".ponder")

	return &Config{
		DataDir: dataDir,
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
		Analysis: AnalysisConfig{
			MaxPasses: 5,
			MaxPassesPerTier: map[core.Tier]int{
				core.TierCheap: 3,
				core.TierMid:   1,
				core.TierTop:   1,
			},
			StopConfidence: 0.95,
			Concurrency:    4,
		},
		Thresholds: core.DefaultThresholds(),
		Context: ContextConfig{
			MaxPerSource:    5,
			ProviderTimeout: 5 * time.Second,
			DateWindow:      72 * time.Hour,
			Sources:         SourceToggles{Notes: true},
		},
		LLM: LLMConfig{
			Tiers: map[core.Tier]TierBackend{
				core.TierCheap: {Provider: "ollama", Model: "llama3.2"},
				core.TierMid:   {Provider: "azure", Model: "gpt-4o-mini"},
				core.TierTop:   {Provider: "claude", Model: "claude-sonnet-4-20250514"},
			},
			MaxRetries:   2,
			RetryBackoff: 500 * time.Millisecond,
			Timeout:      60 * time.Second,
			Claude: ClaudeConfig{
				BaseURL: "https://api.anthropic.com",
			},
			Azure: AzureConfig{
				APIVersion: "2024-10-21",
			},
			Ollama: OllamaConfig{
				URL: "http://localhost:11434",
			},
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "ponder_notes",
		},
		Embeddings: EmbeddingsConfig{
			URL:        "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 768,
		},
		Google: GoogleConfig{
			TokenFile: filepath.Join(dataDir, "google_token.json"),
		},
		Maintenance: MaintenanceConfig{
			LedgerVerifyInterval: time.Hour,
			ReindexAt:            "03:00",
		},
	}
}

// DefaultPath returns the config path used when none is given
func DefaultPath() string {
	if p := os.Getenv("PONDER_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(Default().DataDir, "config.yaml")
}

// Load loads config from file, falling back to defaults.
// The result is not validated; call Validate before using it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil // Use defaults
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Google.TokenFile = expandHome(cfg.Google.TokenFile)
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment
func (c *Config) applyEnv() {
	setFromEnv(&c.LLM.Claude.APIKey, "ANTHROPIC_API_KEY")
	setFromEnv(&c.LLM.Azure.Endpoint, "AZURE_OPENAI_ENDPOINT")
	setFromEnv(&c.LLM.Azure.APIKey, "AZURE_OPENAI_API_KEY")
	setFromEnv(&c.LLM.Ollama.URL, "OLLAMA_HOST")
	setFromEnv(&c.Google.ClientID, "GOOGLE_CLIENT_ID")
	setFromEnv(&c.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")

	if dep := os.Getenv("AZURE_OPENAI_DEPLOYMENT"); dep != "" {
		for tier, b := range c.LLM.Tiers {
			if b.Provider == "azure" {
				b.Model = dep
				c.LLM.Tiers[tier] = b
			}
		}
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the configuration, including the operator-tunable values
// that have no default.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	t := c.Thresholds
	for name, v := range map[string]float64{
		"thresholds.action":              t.Action,
		"thresholds.required_enrichment": t.RequiredEnrichment,
		"thresholds.optional_enrichment": t.OptionalEnrichment,
	} {
		if v <= 0 || v > 1 {
			add("%s must be in (0,1], got %v", name, v)
		}
	}

	a := c.Analysis
	if a.MaxPasses < 1 {
		add("analysis.max_passes must be at least 1")
	}
	for _, tier := range core.Tiers {
		if a.MaxPassesPerTier[tier] < 1 {
			add("analysis.max_passes_per_tier.%s must be at least 1", tier)
		}
	}
	if a.StopConfidence <= 0 || a.StopConfidence > 1 {
		add("analysis.stop_confidence must be in (0,1]")
	}
	if a.Concurrency < 1 {
		add("analysis.concurrency must be at least 1")
	}

	if c.HighStakes.AmountCeiling <= 0 {
		add("high_stakes.amount_ceiling is required")
	}
	if c.HighStakes.DeadlineWindow <= 0 {
		add("high_stakes.deadline_window is required")
	}

	switch c.Orphans.RejectionPolicy {
	case RejectPermanent:
	case RejectExpiring:
		if c.Orphans.RejectionTTL <= 0 {
			add("orphans.rejection_ttl is required when rejection_policy is expiring")
		}
	case "":
		add("orphans.rejection_policy is required (permanent or expiring)")
	default:
		add("orphans.rejection_policy %q is not one of permanent, expiring", c.Orphans.RejectionPolicy)
	}

	if c.Context.MaxPerSource < 1 {
		add("context.max_per_source must be at least 1")
	}
	if c.Context.ProviderTimeout <= 0 {
		add("context.provider_timeout must be positive")
	}

	for tier, b := range c.LLM.Tiers {
		switch b.Provider {
		case "claude", "azure", "ollama":
		default:
			add("llm.tiers.%s.provider %q is not one of claude, azure, ollama", tier, b.Provider)
		}
	}

	if c.Maintenance.LedgerVerifyInterval < 0 {
		add("maintenance.ledger_verify_interval must not be negative")
	}
	if at := c.Maintenance.ReindexAt; at != "" {
		if _, err := time.Parse("15:04", at); err != nil {
			add("maintenance.reindex_at must be HH:MM, got %q", at)
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", core.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.yaml")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Don't save secrets to file
	safeCfg := *c
	safeCfg.LLM.Claude.APIKey = ""
	safeCfg.LLM.Azure.APIKey = ""
	safeCfg.Google.ClientSecret = ""

	data, err := yaml.Marshal(&safeCfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
