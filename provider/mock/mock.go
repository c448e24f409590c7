// Package mock provides a scripted inference provider for testing.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentflow/agentflow/provider"
)

const defaultResponse = "Task acknowledged. Working on it."

// Script describes one scripted Stream call.
type Script struct {
	Tokens []string       // token chunks to emit in order
	Usage  provider.Usage // usage reported in the "done" chunk
	Err    error          // returned from Stream immediately, nothing streamed
	Fail   string         // emitted as a terminal "error" chunk after Tokens
	Delay  time.Duration  // pause between tokens, for concurrency tests
}

// Provider implements provider.Provider. It cycles through its scripts,
// one per Stream call, and records every model it was invoked with.
type Provider struct {
	mu      sync.Mutex
	scripts []Script
	idx     int
	calls   []string
}

// New creates a Provider that cycles through the given scripts.
// With no scripts, every call streams a default response.
func New(scripts ...Script) *Provider {
	return &Provider{scripts: scripts}
}

// Reply builds a simple success script that streams text word by word.
func Reply(text string) Script {
	words := strings.SplitAfter(text, " ")
	return Script{
		Tokens: words,
		Usage:  provider.Usage{InputTokens: 10, OutputTokens: len(words)},
	}
}

// Name returns the provider identifier.
func (m *Provider) Name() string { return "mock" }

// Calls returns the models passed to Stream, in invocation order.
func (m *Provider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// Stream plays back the next script.
func (m *Provider) Stream(ctx context.Context, model string, _ []provider.Message) (<-chan provider.Chunk, error) {
	m.mu.Lock()
	m.calls = append(m.calls, model)
	var script Script
	if len(m.scripts) == 0 {
		script = Reply(defaultResponse)
	} else {
		script = m.scripts[m.idx%len(m.scripts)]
		m.idx++
	}
	m.mu.Unlock()

	if script.Err != nil {
		return nil, script.Err
	}

	ch := make(chan provider.Chunk, len(script.Tokens)+1)
	go func() {
		defer close(ch)
		for _, tok := range script.Tokens {
			if script.Delay > 0 {
				select {
				case <-ctx.Done():
					ch <- provider.Chunk{Type: "error", Err: ctx.Err().Error()}
					return
				case <-time.After(script.Delay):
				}
			}
			ch <- provider.Chunk{Type: "token", Token: tok}
		}
		if script.Fail != "" {
			ch <- provider.Chunk{Type: "error", Err: script.Fail}
			return
		}
		usage := script.Usage
		ch <- provider.Chunk{Type: "done", Usage: &usage}
	}()
	return ch, nil
}
