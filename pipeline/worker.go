package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agentflow/agentflow/event"
	"github.com/agentflow/agentflow/provider"
)

// Router picks the provider that serves a given model. Models are matched
// by prefix, longest first, with a default for everything else.
type Router struct {
	def      provider.Provider
	prefixes []prefixRoute
}

type prefixRoute struct {
	prefix string
	prov   provider.Provider
}

// NewRouter creates a Router with def serving any unmatched model.
func NewRouter(def provider.Provider) *Router {
	return &Router{def: def}
}

// Route sends models whose name starts with prefix to p.
func (rt *Router) Route(prefix string, p provider.Provider) {
	rt.prefixes = append(rt.prefixes, prefixRoute{prefix: prefix, prov: p})
	sort.SliceStable(rt.prefixes, func(i, j int) bool {
		return len(rt.prefixes[i].prefix) > len(rt.prefixes[j].prefix)
	})
}

// Resolve returns the provider for model.
func (rt *Router) Resolve(model string) provider.Provider {
	for _, pr := range rt.prefixes {
		if strings.HasPrefix(model, pr.prefix) {
			return pr.prov
		}
	}
	return rt.def
}

// personas are the per-category system prompts workers run under.
var personas = map[string]string{
	"coding":    "You are an expert software engineer. Write clean, correct, well-structured code. Explain key decisions briefly.",
	"reasoning": "You are a rigorous analytical thinker. Work through the problem step by step and state your conclusion clearly.",
	"research":  "You are a meticulous researcher. Gather the relevant facts, cite what you rely on, and summarize findings clearly.",
	"writing":   "You are a skilled writer. Produce clear, engaging, well-organized prose suited to the audience.",
	"vision":    "You are a visual analysis specialist. Describe and interpret visual content precisely.",
	"math":      "You are a mathematician. Solve precisely, show the essential steps, and verify the result.",
	"data":      "You are a data analyst. Analyze the data carefully and present findings with supporting evidence.",
	"general":   "You are a capable assistant. Complete the task thoroughly and accurately.",
}

func persona(category string) string {
	if p, ok := personas[strings.ToLower(category)]; ok {
		return p
	}
	return personas["general"]
}

// Per-dependency character budget for upstream context. Each dependency
// output is truncated so the combined context stays bounded no matter how
// many dependencies a subtask has.
const (
	depContextFloor = 2000
	depContextTotal = 8000
)

func depBudget(n int) int {
	if n == 0 {
		return 0
	}
	b := depContextTotal / n
	if b < depContextFloor {
		b = depContextFloor
	}
	return b
}

// buildMessages assembles the worker's chat: persona system prompt, then a
// user message carrying the overall goal, truncated upstream outputs, and
// the subtask description. Called by the scheduler before dispatch, so every
// dependency is already settled.
func (r *Run) buildMessages(task Subtask) []provider.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall goal: %s\n\n", r.req.Prompt)

	deps := make([]int, 0, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		if r.states[dep].status == StatusCompleted {
			deps = append(deps, dep)
		}
	}
	sort.Ints(deps)
	if len(deps) > 0 {
		budget := depBudget(len(deps))
		b.WriteString("Results from earlier steps:\n\n")
		for _, dep := range deps {
			st := r.states[dep]
			out := st.output
			if len(out) > budget {
				out = out[:budget] + "\n[...truncated]"
			}
			fmt.Fprintf(&b, "--- %s ---\n%s\n\n", st.task.Title, out)
		}
	}

	fmt.Fprintf(&b, "Your task: %s\n%s", task.Title, task.Description)

	return []provider.Message{
		{Role: provider.RoleSystem, Content: persona(task.Category)},
		{Role: provider.RoleUser, Content: b.String()},
	}
}

// runWorker executes one subtask to a terminal outcome and reports it on the
// results channel. Transient failures are retried with doubling backoff;
// terminal API errors and context cancellation are not.
func (r *Run) runWorker(ctx context.Context, id int, model string, messages []provider.Message) {
	backoff := r.engine.cfg.RetryBackoff
	attempts := r.engine.cfg.RetryLimit + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		output, usage, err := r.streamOnce(ctx, id, model, messages)
		if err == nil {
			r.results <- workerResult{id: id, output: output, usage: usage}
			return
		}
		lastErr = err
		if provider.Terminal(err) || ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			r.engine.logger.Warn("worker retrying",
				slog.String("run", r.ID),
				slog.Int("subtask", id),
				slog.Int("attempt", attempt),
				slog.Any("err", err))
			workerRetries.Inc()
			r.emit(event.TypeAgentRetrying, event.AgentRetrying{
				ID:      id,
				Attempt: attempt + 1,
				Error:   err.Error(),
			})
			select {
			case <-ctx.Done():
				attempt = attempts
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}
	r.results <- workerResult{id: id, err: lastErr}
}

// streamOnce runs a single inference attempt under the per-worker timeout,
// forwarding each token to subscribers as it arrives. Partial output from a
// failed attempt is discarded before any retry.
func (r *Run) streamOnce(ctx context.Context, id int, model string, messages []provider.Message) (string, provider.Usage, error) {
	wctx, cancel := context.WithTimeout(ctx, r.engine.cfg.WorkerTimeout)
	defer cancel()

	prov := r.engine.router.Resolve(model)
	ch, err := prov.Stream(wctx, model, messages)
	if err != nil {
		return "", provider.Usage{}, err
	}

	st := r.states[id]
	r.mu.Lock()
	st.partial.Reset()
	r.mu.Unlock()

	for chunk := range ch {
		switch chunk.Type {
		case provider.ChunkToken:
			r.mu.Lock()
			st.partial.WriteString(chunk.Token)
			r.mu.Unlock()
			r.emit(event.TypeAgentToken, event.AgentToken{ID: id, Token: chunk.Token})
		case provider.ChunkDone:
			r.mu.Lock()
			output := st.partial.String()
			r.mu.Unlock()
			usage := provider.Usage{}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if usage.InputTokens == 0 && usage.OutputTokens == 0 {
				usage = estimateUsage(messages, output)
			}
			return output, usage, nil
		case provider.ChunkError:
			return "", provider.Usage{}, errors.New(chunk.Err)
		}
	}
	return "", provider.Usage{}, errors.New("stream closed without terminal chunk")
}

// estimateUsage approximates token counts at four characters per token when
// the provider reports none.
func estimateUsage(messages []provider.Message, output string) provider.Usage {
	in := 0
	for _, m := range messages {
		in += len(m.Content)
	}
	return provider.Usage{
		InputTokens:  max(1, in/4),
		OutputTokens: max(1, len(output)/4),
	}
}
