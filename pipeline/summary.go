package pipeline

import (
	"time"

	"github.com/agentflow/agentflow/carbon"
	"github.com/agentflow/agentflow/event"
)

// aggregator accumulates run-level totals. Only the scheduler loop writes
// it, under r.mu so snapshots can read it.
type aggregator struct {
	tokens     int
	costMicro  int64
	gco2       float64
	sequential time.Duration // sum of agent wall-clock durations

	synthTokens int
	synthMicro  int64
	synthGCO2   float64
}

func (a *aggregator) add(tokens int, costMicro int64, gco2 float64, d time.Duration) {
	a.tokens += tokens
	a.costMicro += costMicro
	a.gco2 += gco2
	a.sequential += d
}

func (a *aggregator) addSynthesis(tokens int, costMicro int64, gco2 float64) {
	a.synthTokens = tokens
	a.synthMicro = costMicro
	a.synthGCO2 = gco2
}

// emitCarbonSummary publishes the final accounting: pipeline emissions and
// cost against the single-large-model baseline, and parallel against
// sequential wall clock. The baseline is how many grams and dollars the same
// total token volume would have cost on the reference model.
func (r *Run) emitCarbonSummary(synthTokens int, synthGCO2 float64) {
	r.mu.Lock()
	agg := r.agg
	started := r.started
	agentsEnd := r.agentsEnd
	zone := r.req.Zone
	intensity := r.intensity
	r.mu.Unlock()

	totalTokens := agg.tokens + synthTokens
	pipelineGCO2 := agg.gco2 + synthGCO2
	baselineGCO2 := carbon.BaselineGrams(totalTokens, intensity)

	savingsPct := 0.0
	if baselineGCO2 > 0 {
		savingsPct = (baselineGCO2 - pipelineGCO2) / baselineGCO2 * 100
	}

	pipelineTime := agentsEnd.Sub(started).Seconds()
	sequentialTime := agg.sequential.Seconds()
	timeSavingsPct := 0.0
	if sequentialTime > 0 {
		timeSavingsPct = (sequentialTime - pipelineTime) / sequentialTime * 100
		if timeSavingsPct < 0 {
			timeSavingsPct = 0
		}
	}

	agentsCost := agg.costMicro + agg.synthMicro
	baselineCost := r.engine.prices.BaselinePrice(totalTokens)

	r.emit(event.TypeCarbonSummary, event.CarbonSummary{
		PipelineGCO2:    pipelineGCO2,
		AgentGCO2:       agg.gco2,
		BaselineGCO2:    baselineGCO2,
		SavingsPct:      savingsPct,
		TimeSavingsPct:  timeSavingsPct,
		PipelineTimeS:   roundS(pipelineTime),
		SequentialTimeS: roundS(sequentialTime),
		CarbonIntensity: intensity,
		Zone:            zone,
		TotalTokens:     totalTokens,
		AgentsCostUSD:   usd(agentsCost),
		BaselineCostUSD: usd(baselineCost),
	})
}
