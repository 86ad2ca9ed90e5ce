package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/quantumlife/ponder/internal/core"
)

const (
	ollamaBaseURL = "http://localhost:11434"
	ollamaModel   = "llama3.2"
)

// OllamaConfig configures the local Ollama backend
type OllamaConfig struct {
	BaseURL string
	Model   string // used when a route names no model
	Timeout time.Duration
}

// OllamaClient is the Ollama chat backend for local inference
type OllamaClient struct {
	baseURL string
	model   string
	http    *http.Client
}

// NewOllamaClient creates an Ollama backend
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ollamaBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = ollamaModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Name implements Backend
func (c *OllamaClient) Name() string { return "ollama" }

// IsConfigured implements Backend. It does not check reachability.
func (c *OllamaClient) IsConfigured() bool { return c.baseURL != "" }

// Generate implements Backend with JSON-constrained, non-streaming output
func (c *OllamaClient) Generate(ctx context.Context, model string, p core.Prompt) (*Completion, error) {
	if model == "" {
		model = c.model
	}

	var resp ollamaResponse
	err := postJSON(ctx, c.http, c.Name(), c.baseURL+"/api/chat", nil, ollamaRequest{
		Model: model,
		Messages: []ollamaMessage{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Format:  "json",
		Options: &ollamaOptions{Temperature: 0.1},
	}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.Message.Content == "" {
		return nil, ErrEmptyResponse
	}
	return &Completion{
		Text:  resp.Message.Content,
		Model: resp.Model,
		Usage: core.Usage{InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount},
	}, nil
}
