// Package llm provides the tiered model gateway and its provider backends.
package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/quantumlife/ponder/internal/core"
)

const (
	claudeBaseURL    = "https://api.anthropic.com"
	claudeModel      = "claude-sonnet-4-20250514"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

// ClaudeConfig configures the Anthropic backend
type ClaudeConfig struct {
	APIKey  string
	BaseURL string
	Model   string // used when a route names no model
	Timeout time.Duration
}

// ClaudeClient is the Anthropic Messages API backend
type ClaudeClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewClaudeClient creates an Anthropic backend. Without an API key it
// reports itself unconfigured.
func NewClaudeClient(cfg ClaudeConfig) *ClaudeClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = claudeBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = claudeModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &ClaudeClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
}

type claudeResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Name implements Backend
func (c *ClaudeClient) Name() string { return "claude" }

// IsConfigured implements Backend
func (c *ClaudeClient) IsConfigured() bool { return c.apiKey != "" }

// Generate implements Backend. Text blocks of the answer are concatenated.
func (c *ClaudeClient) Generate(ctx context.Context, model string, p core.Prompt) (*Completion, error) {
	if model == "" {
		model = c.model
	}
	header := http.Header{}
	header.Set("x-api-key", c.apiKey)
	header.Set("anthropic-version", anthropicVersion)

	var resp claudeResponse
	err := postJSON(ctx, c.http, c.Name(), c.baseURL+"/v1/messages", header, claudeRequest{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		System:    p.System,
		Messages:  []claudeMessage{{Role: "user", Content: p.User}},
	}, &resp)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, ErrEmptyResponse
	}

	return &Completion{
		Text:  text.String(),
		Model: resp.Model,
		Usage: core.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}, nil
}
