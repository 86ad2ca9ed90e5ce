// Package embeddings turns text into vectors with a local Ollama model.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config for the embedding service
type Config struct {
	BaseURL   string
	Model     string
	Dimension uint64 // vector size the model produces; answers of another size are rejected
	Timeout   time.Duration
}

// DefaultConfig matches nomic-embed-text on a local Ollama
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://localhost:11434",
		Model:     "nomic-embed-text",
		Dimension: 768,
		Timeout:   30 * time.Second,
	}
}

// Service calls Ollama's batch embed endpoint
type Service struct {
	baseURL   string
	model     string
	dimension uint64
	http      *http.Client
}

// NewService fills unset fields from DefaultConfig
func NewService(cfg Config) *Service {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = def.Dimension
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	return &Service{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		http:      &http.Client{Timeout: cfg.Timeout},
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the vector for one text
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request; vectors come back in input order
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Model: s.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embed %s: %s: %s", s.model, resp.Status, strings.TrimSpace(string(msg)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed %s: got %d vectors for %d inputs", s.model, len(out.Embeddings), len(texts))
	}
	for i, v := range out.Embeddings {
		if len(v) == 0 {
			return nil, fmt.Errorf("embed %s: empty vector for input %d", s.model, i)
		}
		if uint64(len(v)) != s.dimension {
			return nil, fmt.Errorf("embed %s: vector size %d, collection expects %d", s.model, len(v), s.dimension)
		}
	}
	return out.Embeddings, nil
}

// Dimension is the vector size the index must be created with
func (s *Service) Dimension() uint64 { return s.dimension }

// ModelName returns the embedding model
func (s *Service) ModelName() string { return s.model }

// Health checks that Ollama answers
func (s *Service) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama unhealthy: %s", resp.Status)
	}
	return nil
}
