// Package event defines the typed, ordered event stream a pipeline run emits
// and the SSE hub that fans it out to connected clients.
package event

// Type discriminates run event records.
type Type string

const (
	TypeAgentStarted      Type = "agent_started"
	TypeAgentToken        Type = "agent_token"
	TypeAgentRetrying     Type = "agent_retrying"
	TypeAgentCompleted    Type = "agent_completed"
	TypeAgentFailed       Type = "agent_failed"
	TypeWalletUpdated     Type = "wallet_updated"
	TypeBillingRequired   Type = "billing_required"
	TypeSynthesizing      Type = "synthesizing"
	TypeSynthesisToken    Type = "synthesis_token"
	TypeSynthesisComplete Type = "synthesis_complete"
	TypeCarbonUpdate      Type = "carbon_update"
	TypeCarbonSummary     Type = "carbon_summary"
	TypePipelineError     Type = "pipeline_error"
)

// Event is one record of a run's output stream.
type Event struct {
	Type Type `json:"event"`
	Data any  `json:"data"`
}

// AgentStarted announces a subtask's transition to running.
type AgentStarted struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Model string `json:"model"`
}

// AgentToken carries one streamed output token of a running subtask.
type AgentToken struct {
	ID    int    `json:"id"`
	Token string `json:"token"`
}

// AgentRetrying announces a fresh attempt after a transient failure. The
// token stream restarts; clients must discard the subtask's partial output.
type AgentRetrying struct {
	ID      int    `json:"id"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

// AgentCompleted carries a subtask's final output and its usage accounting.
// Costs are USD; gCO2 is grams.
type AgentCompleted struct {
	ID           int     `json:"id"`
	Title        string  `json:"title"`
	Model        string  `json:"model"`
	Output       string  `json:"output"`
	Duration     float64 `json:"duration"` // seconds
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Tokens       int     `json:"tokens"`
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`
	TotalCost    float64 `json:"total_cost"`
	GCO2         float64 `json:"gco2"`
}

// AgentFailed reports a subtask's terminal failure, including
// failed-by-propagation when an upstream dependency failed.
type AgentFailed struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Error string `json:"error"`
}

// WalletUpdated reports the balance after a successful debit or credit.
type WalletUpdated struct {
	UserID              string `json:"user_id"`
	BalanceMicrodollars int64  `json:"balance_microdollars"`
}

// BillingRequired reports that the admission gate refused a dispatch.
type BillingRequired struct {
	UserID               string `json:"user_id"`
	SubtaskID            int    `json:"subtask_id"`
	RequiredMicrodollars int64  `json:"required_microdollars"`
	BalanceMicrodollars  int64  `json:"balance_microdollars"`
}

// Synthesizing announces the start of the synthesis pass.
type Synthesizing struct{}

// SynthesisToken carries one streamed token of the synthesis output.
type SynthesisToken struct {
	Token string `json:"token"`
}

// SynthesisComplete carries the final synthesized answer.
type SynthesisComplete struct {
	Output string `json:"output"`
	Model  string `json:"model"`
	Tokens int    `json:"tokens"`
}

// CarbonUpdate is the periodic running CO2 total, emitted at least once per
// subtask completion.
type CarbonUpdate struct {
	TotalGCO2 float64 `json:"total_gco2"`
}

// CarbonSummary is the final cost and carbon accounting for a run.
type CarbonSummary struct {
	PipelineGCO2    float64 `json:"pipeline_gco2"`
	AgentGCO2       float64 `json:"agent_gco2"`
	BaselineGCO2    float64 `json:"baseline_gco2"`
	SavingsPct      float64 `json:"savings_pct"`
	TimeSavingsPct  float64 `json:"time_savings_pct"`
	PipelineTimeS   float64 `json:"pipeline_time_s"`
	SequentialTimeS float64 `json:"sequential_time_s"`
	CarbonIntensity float64 `json:"carbon_intensity"`
	Zone            string  `json:"zone"`
	TotalTokens     int     `json:"total_tokens"`
	AgentsCostUSD   float64 `json:"agents_cost_usd"`
	BaselineCostUSD float64 `json:"baseline_cost_usd"`
}

// PipelineError reports a run-level failure, distinct from any single
// subtask's failure.
type PipelineError struct {
	Error string `json:"error"`
}
