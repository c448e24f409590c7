package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/agentflow/agentflow/carbon"
	"github.com/agentflow/agentflow/event"
	"github.com/agentflow/agentflow/provider"
)

const synthesisSystemPrompt = "You are an orchestrator synthesizing the work of specialist agents into one " +
	"coherent answer. Merge their outputs, resolve overlaps, and respond to the " +
	"user's original request directly. Do not describe the agents or the process."

// synthesize merges the completed subtask outputs into the final answer via
// the orchestrator model, streaming tokens as it goes, then emits the carbon
// summary. Called by the scheduler loop after every subtask has settled with
// at least one completion.
func (r *Run) synthesize(ctx context.Context) {
	r.emit(event.TypeSynthesizing, event.Synthesizing{})

	ids := make([]int, 0, len(r.states))
	for id, st := range r.states {
		if st.status == StatusCompleted {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\n\nAgent outputs:\n\n", r.req.Prompt)
	for _, id := range ids {
		st := r.states[id]
		fmt.Fprintf(&b, "### Agent %d: %s (%s)\n%s\n\n", id, st.task.Title, st.task.AssignedModel, st.output)
	}
	b.WriteString("Synthesize these into a single final answer.")

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: synthesisSystemPrompt},
		{Role: provider.RoleUser, Content: b.String()},
	}

	model := r.req.OrchestratorModel
	output, usage, err := r.streamSynthesis(ctx, model, messages)
	if err != nil {
		r.engine.logger.Error("synthesis failed",
			slog.String("run", r.ID),
			slog.String("model", model),
			slog.Any("err", err))
		output = fmt.Sprintf("Synthesis failed (%v). The individual agent outputs above stand as the result.", err)
	}

	synthTokens := usage.InputTokens + usage.OutputTokens
	synthCost := r.engine.prices.Price(model, usage.InputTokens, usage.OutputTokens)
	synthGCO2 := carbon.Grams(model, synthTokens, r.intensity)
	if usage.EvalDuration > 0 {
		synthGCO2 = carbon.GramsFromDuration(usage.EvalDuration, r.intensity)
	}

	r.mu.Lock()
	r.synthesis = output
	r.agg.addSynthesis(synthTokens, synthCost.Total, synthGCO2)
	r.mu.Unlock()

	r.emit(event.TypeSynthesisComplete, event.SynthesisComplete{
		Output: output,
		Model:  model,
		Tokens: synthTokens,
	})
	r.emitCarbonSummary(synthTokens, synthGCO2)
}

// streamSynthesis runs the orchestrator model under the same timeout and
// streaming contract as workers, emitting synthesis_token events.
func (r *Run) streamSynthesis(ctx context.Context, model string, messages []provider.Message) (string, provider.Usage, error) {
	sctx, cancel := context.WithTimeout(ctx, r.engine.cfg.WorkerTimeout)
	defer cancel()

	prov := r.engine.router.Resolve(model)
	ch, err := prov.Stream(sctx, model, messages)
	if err != nil {
		return "", provider.Usage{}, err
	}

	var out strings.Builder
	for chunk := range ch {
		switch chunk.Type {
		case provider.ChunkToken:
			out.WriteString(chunk.Token)
			r.emit(event.TypeSynthesisToken, event.SynthesisToken{Token: chunk.Token})
		case provider.ChunkDone:
			usage := provider.Usage{}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if usage.InputTokens == 0 && usage.OutputTokens == 0 {
				usage = estimateUsage(messages, out.String())
			}
			return out.String(), usage, nil
		case provider.ChunkError:
			return "", provider.Usage{}, errors.New(chunk.Err)
		}
	}
	return "", provider.Usage{}, fmt.Errorf("synthesis stream closed without terminal chunk")
}
