package pipeline

import "sort"

// RunSnapshot is a point-in-time view of a run for status queries.
type RunSnapshot struct {
	ID              string            `json:"id"`
	State           State             `json:"state"`
	Prompt          string            `json:"prompt"`
	UserID          string            `json:"user_id"`
	Zone            string            `json:"zone"`
	Subtasks        []SubtaskSnapshot `json:"subtasks"`
	Synthesis       string            `json:"synthesis,omitempty"`
	TotalTokens     int               `json:"total_tokens"`
	TotalCostUSD    float64           `json:"total_cost_usd"`
	TotalGCO2       float64           `json:"total_gco2"`
	CarbonIntensity float64           `json:"carbon_intensity"`
}

// SubtaskSnapshot is the externally visible state of one subtask.
type SubtaskSnapshot struct {
	ID           int     `json:"id"`
	Title        string  `json:"title"`
	Category     string  `json:"category"`
	Model        string  `json:"model"`
	Status       Status  `json:"status"`
	Output       string  `json:"output,omitempty"`
	Error        string  `json:"error,omitempty"`
	Blocked      bool    `json:"blocked,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	GCO2         float64 `json:"gco2,omitempty"`
}

// Snapshot returns a consistent copy of the run's current state. Running
// subtasks report their partial output so far.
func (r *Run) Snapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := RunSnapshot{
		ID:              r.ID,
		State:           r.state,
		Prompt:          r.req.Prompt,
		UserID:          r.req.UserID,
		Zone:            r.req.Zone,
		Synthesis:       r.synthesis,
		TotalTokens:     r.agg.tokens + r.agg.synthTokens,
		TotalCostUSD:    usd(r.agg.costMicro + r.agg.synthMicro),
		TotalGCO2:       r.agg.gco2 + r.agg.synthGCO2,
		CarbonIntensity: r.intensity,
	}

	ids := make([]int, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		st := r.states[id]
		ss := SubtaskSnapshot{
			ID:       id,
			Title:    st.task.Title,
			Category: st.task.Category,
			Model:    st.task.AssignedModel,
			Status:   st.status,
			Error:    st.failure,
			Blocked:  st.blocked,
		}
		switch st.status {
		case StatusRunning:
			ss.Output = st.partial.String()
		case StatusCompleted:
			ss.Output = st.output
			ss.InputTokens = st.usage.InputTokens
			ss.OutputTokens = st.usage.OutputTokens
			ss.CostUSD = usd(st.cost.Total)
			ss.GCO2 = st.gco2
		}
		snap.Subtasks = append(snap.Subtasks, ss)
	}
	return snap
}
