package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultOpenRouterBaseURL   = "https://openrouter.ai/api/v1"
	defaultOpenRouterMaxTokens = 4096
)

// OpenRouterConfig holds configuration for the OpenRouter provider.
type OpenRouterConfig struct {
	APIKey     string
	BaseURL    string
	MaxTokens  int
	Referer    string // HTTP-Referer header, required by OpenRouter
	Title      string // X-Title header, shown in the OpenRouter dashboard
	HTTPClient *http.Client
}

// OpenRouterProvider implements Provider using the OpenRouter Chat Completions
// API (OpenAI-compatible).
type OpenRouterProvider struct {
	config OpenRouterConfig
}

// NewOpenRouterProvider creates a new OpenRouter provider with the given config.
func NewOpenRouterProvider(cfg OpenRouterConfig) *OpenRouterProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenRouterBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultOpenRouterMaxTokens
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &OpenRouterProvider{config: cfg}
}

func (p *OpenRouterProvider) Name() string { return "openrouter" }

// openrouterRequest is the request body for the Chat Completions API.
type openrouterRequest struct {
	Model         string              `json:"model"`
	Messages      []openrouterMessage `json:"messages"`
	MaxTokens     int                 `json:"max_tokens,omitempty"`
	Stream        bool                `json:"stream"`
	StreamOptions *streamOptions      `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openrouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openrouterUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (p *OpenRouterProvider) Stream(ctx context.Context, model string, messages []Message) (<-chan Chunk, error) {
	reqBody := openrouterRequest{
		Model:         model,
		MaxTokens:     p.config.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	for _, msg := range messages {
		reqBody.Messages = append(reqBody.Messages, openrouterMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("openrouter: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openrouter: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	if p.config.Referer != "" {
		req.Header.Set("HTTP-Referer", p.config.Referer)
	}
	if p.config.Title != "" {
		req.Header.Set("X-Title", p.config.Title)
	}

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openrouter: send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("openrouter: %w", &APIError{Status: resp.StatusCode, Message: string(body)})
	}

	ch := make(chan Chunk, 16)
	go p.readSSE(resp.Body, ch)
	return ch, nil
}

// openrouterStreamChunk is one SSE data frame of a streaming response.
type openrouterStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *openrouterUsage `json:"usage"`
}

// readSSE parses the SSE stream from the OpenRouter API.
func (p *OpenRouterProvider) readSSE(body io.ReadCloser, ch chan<- Chunk) {
	defer func() { _ = body.Close() }()
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var usage *Usage

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			ch <- Chunk{Type: "done", Usage: usage}
			return
		}

		var chunk openrouterStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		// Usage arrives in the final data frame before [DONE]
		if chunk.Usage != nil {
			usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		if c := chunk.Choices[0].Delta.Content; c != nil && *c != "" {
			ch <- Chunk{Type: "token", Token: *c}
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- Chunk{Type: "error", Err: err.Error()}
		return
	}
	ch <- Chunk{Type: "error", Err: "openrouter: stream ended before [DONE]"}
}
