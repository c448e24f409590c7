package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaConfig holds configuration for the Ollama provider.
type OllamaConfig struct {
	BaseURL    string
	APIKey     string // required for Ollama Cloud, unused locally
	HTTPClient *http.Client
}

// OllamaProvider implements Provider using the Ollama chat API. It works
// against both a local daemon and Ollama Cloud.
type OllamaProvider struct {
	config OllamaConfig
}

// NewOllamaProvider creates a new Ollama provider with the given config.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &OllamaProvider{config: cfg}
}

func (p *OllamaProvider) Name() string { return "ollama" }

// ollamaRequest is the request body for the /api/chat endpoint.
type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChunk is one NDJSON line of a streaming /api/chat response.
// The final chunk (done=true) carries token counts and eval durations.
type ollamaChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done               bool   `json:"done"`
	PromptEvalCount    int    `json:"prompt_eval_count"`
	EvalCount          int    `json:"eval_count"`
	PromptEvalDuration int64  `json:"prompt_eval_duration"` // nanoseconds
	EvalDuration       int64  `json:"eval_duration"`        // nanoseconds
	Error              string `json:"error,omitempty"`
}

func (p *OllamaProvider) Stream(ctx context.Context, model string, messages []Message) (<-chan Chunk, error) {
	reqBody := ollamaRequest{Model: model, Stream: true}
	for _, msg := range messages {
		reqBody.Messages = append(reqBody.Messages, ollamaMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("ollama: %w", &APIError{Status: resp.StatusCode, Message: string(body)})
	}

	ch := make(chan Chunk, 16)
	go p.readNDJSON(resp.Body, ch)
	return ch, nil
}

// readNDJSON parses the newline-delimited JSON stream from the Ollama API.
func (p *OllamaProvider) readNDJSON(body io.ReadCloser, ch chan<- Chunk) {
	defer func() { _ = body.Close() }()
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if chunk.Error != "" {
			ch <- Chunk{Type: "error", Err: chunk.Error}
			return
		}

		if chunk.Message.Content != "" {
			ch <- Chunk{Type: "token", Token: chunk.Message.Content}
		}

		if chunk.Done {
			ch <- Chunk{
				Type: "done",
				Usage: &Usage{
					InputTokens:  chunk.PromptEvalCount,
					OutputTokens: chunk.EvalCount,
					EvalDuration: time.Duration(chunk.PromptEvalDuration + chunk.EvalDuration),
				},
			}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- Chunk{Type: "error", Err: err.Error()}
		return
	}
	// Stream ended without a done chunk, treat as a truncated response.
	ch <- Chunk{Type: "error", Err: "ollama: stream ended before final chunk"}
}
