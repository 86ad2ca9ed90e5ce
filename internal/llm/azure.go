package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quantumlife/ponder/internal/core"
)

const azureAPIVersion = "2024-10-21"

// AzureConfig configures the Azure OpenAI backend
type AzureConfig struct {
	Endpoint   string
	APIKey     string
	Deployment string // used when a route names no model
	APIVersion string
	Timeout    time.Duration
}

// AzureClient is the Azure OpenAI chat completions backend. A route's
// model names the deployment.
type AzureClient struct {
	endpoint   string
	apiKey     string
	deployment string
	apiVersion string
	http       *http.Client
}

// NewAzureClient creates an Azure OpenAI backend. It is configured only
// when both endpoint and key are set.
func NewAzureClient(cfg AzureConfig) *AzureClient {
	if cfg.APIVersion == "" {
		cfg.APIVersion = azureAPIVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &AzureClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		deployment: cfg.Deployment,
		apiVersion: cfg.APIVersion,
		http:       &http.Client{Timeout: cfg.Timeout},
	}
}

type azureMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type azureFormat struct {
	Type string `json:"type"`
}

type azureRequest struct {
	Messages       []azureMessage `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    float64        `json:"temperature,omitempty"`
	ResponseFormat *azureFormat   `json:"response_format,omitempty"`
}

type azureResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      azureMessage `json:"message"`
		FinishReason string       `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Name implements Backend
func (c *AzureClient) Name() string { return "azure" }

// IsConfigured implements Backend
func (c *AzureClient) IsConfigured() bool {
	return c.endpoint != "" && c.apiKey != ""
}

// Generate implements Backend, asking the deployment for a JSON object
func (c *AzureClient) Generate(ctx context.Context, model string, p core.Prompt) (*Completion, error) {
	deployment := model
	if deployment == "" {
		deployment = c.deployment
	}
	if deployment == "" {
		return nil, fmt.Errorf("azure: no deployment configured")
	}

	endpoint := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.endpoint, url.PathEscape(deployment), url.QueryEscape(c.apiVersion))
	header := http.Header{}
	header.Set("api-key", c.apiKey)

	var resp azureResponse
	err := postJSON(ctx, c.http, c.Name(), endpoint, header, azureRequest{
		Messages: []azureMessage{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		MaxTokens:      defaultMaxTokens,
		ResponseFormat: &azureFormat{Type: "json_object"},
	}, &resp)
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, ErrEmptyResponse
	}
	return &Completion{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: core.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}, nil
}
