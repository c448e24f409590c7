// Package pipeline implements the execution engine: it takes a validated DAG
// of subtasks, runs each on its assigned model with bounded parallelism,
// gates every dispatch on the wallet, streams progress events, accumulates
// cost and carbon, and synthesizes a final answer from the completed outputs.
//
// The scheduler is a single loop per run. Worker goroutines own their
// subtask's state while it is running and report terminal outcomes over a
// channel; only the loop mutates the dependency graph, the ledger, and the
// running totals.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow/agentflow/carbon"
	"github.com/agentflow/agentflow/event"
	"github.com/agentflow/agentflow/graph"
	"github.com/agentflow/agentflow/ledger"
	"github.com/agentflow/agentflow/pricing"
	"github.com/agentflow/agentflow/provider"
)

// Subtask is one unit of decomposed work, as received from the planner.
type Subtask struct {
	ID            int    `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Category      string `json:"category"`
	AssignedModel string `json:"assigned_model"`
	DependsOn     []int  `json:"depends_on"`
}

// Request starts one pipeline run.
type Request struct {
	Prompt            string    `json:"prompt"`
	OrchestratorModel string    `json:"orchestrator_model"`
	UserID            string    `json:"user_id"`
	Zone              string    `json:"zone,omitempty"`
	Subtasks          []Subtask `json:"subtasks"`
}

// Status is the lifecycle state of a subtask.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// State is the global lifecycle state of a run.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateDraining     State = "draining"
	StateSettled      State = "settled"
	StateUnfunded     State = "unfunded"
	StateCanceled     State = "canceled"
)

// Config tunes the engine.
type Config struct {
	MaxConcurrency int           // parallel worker cap, default 4
	WorkerTimeout  time.Duration // per-attempt inference deadline, default 5m
	RetryLimit     int           // transient-failure retries per subtask, default 2
	RetryBackoff   time.Duration // initial backoff, doubles per retry, default 2s
	ReserveTokens  int           // typical token volume for admission estimates, default 2000
	FundingWait    time.Duration // how long a paused run waits for a top-up, default 0
	Zone           string        // grid zone for carbon intensity, default FR
	Intensity      float64       // fixed gCO2/kWh override; 0 means resolve by zone
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = 5 * time.Minute
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.ReserveTokens <= 0 {
		c.ReserveTokens = 2000
	}
	if c.Zone == "" {
		c.Zone = "FR"
	}
	return c
}

// Engine creates and tracks pipeline runs.
type Engine struct {
	cfg       Config
	router    *Router
	wallet    *ledger.Store
	prices    *pricing.Table
	intensity *carbon.IntensityClient
	hub       *event.Hub
	logger    *slog.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// New creates an Engine. All dependencies are required except intensity,
// which may be nil to always use the static per-zone fallback.
func New(cfg Config, router *Router, wallet *ledger.Store, prices *pricing.Table, intensity *carbon.IntensityClient, hub *event.Hub, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		router:    router,
		wallet:    wallet,
		prices:    prices,
		intensity: intensity,
		hub:       hub,
		logger:    logger,
		runs:      make(map[string]*Run),
	}
}

// subtaskState is the mutable execution state of one subtask. The scheduler
// loop owns it except while running, when the worker goroutine appends
// partial output; r.mu covers snapshot reads.
type subtaskState struct {
	task     Subtask
	status   Status
	partial  strings.Builder
	output   string
	failure  string
	blocked  bool // failed by propagation, not its own execution
	usage    provider.Usage
	cost     pricing.Cost
	gco2     float64
	reserve  int64 // microdollars held by the admission gate while in flight
	notified bool  // billing_required already emitted for the current shortfall
	started  time.Time
	settled  time.Time
}

// Run is one executing pipeline.
type Run struct {
	ID string

	engine    *Engine
	req       Request
	graph     *graph.Graph
	states    map[int]*subtaskState
	results   chan workerResult
	intensity float64

	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	reserved  int64
	agg       aggregator
	synthesis string
	started   time.Time
	agentsEnd time.Time
}

type workerResult struct {
	id     int
	output string
	usage  provider.Usage
	err    error
}

// Start validates the request, creates the run, and launches its scheduler
// loop. Input validation errors (cyclic DAG, dangling references, empty
// subtask list) reject the run synchronously before anything executes.
func (e *Engine) Start(ctx context.Context, req Request) (*Run, error) {
	if len(req.Subtasks) == 0 {
		return nil, errors.New("run has no subtasks")
	}
	if req.UserID == "" {
		return nil, errors.New("run has no user id")
	}

	nodes := make([]graph.Node, len(req.Subtasks))
	for i, st := range req.Subtasks {
		nodes[i] = graph.Node{ID: st.ID, DependsOn: st.DependsOn}
	}
	g, err := graph.Ingest(nodes)
	if err != nil {
		return nil, fmt.Errorf("invalid subtask graph: %w", err)
	}

	zone := req.Zone
	if zone == "" {
		zone = e.cfg.Zone
	}
	req.Zone = zone

	intensity := e.cfg.Intensity
	if intensity <= 0 {
		if e.intensity != nil {
			intensity = e.intensity.Intensity(ctx, zone)
		} else {
			intensity = carbon.FallbackIntensity(zone)
		}
	}

	// The run context is created here, not in the loop goroutine, so Cancel
	// works the moment Start returns.
	runCtx, cancel := context.WithCancel(ctx)

	r := &Run{
		ID:        uuid.NewString(),
		engine:    e,
		req:       req,
		graph:     g,
		states:    make(map[int]*subtaskState, len(req.Subtasks)),
		results:   make(chan workerResult, len(req.Subtasks)),
		intensity: intensity,
		cancel:    cancel,
		state:     StateInitializing,
		started:   time.Now(),
	}
	for _, st := range req.Subtasks {
		r.states[st.ID] = &subtaskState{task: st, status: StatusPending}
	}

	e.mu.Lock()
	e.runs[r.ID] = r
	e.mu.Unlock()

	go r.loop(runCtx)
	return r, nil
}

// Get returns a tracked run by id.
func (e *Engine) Get(runID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[runID]
	return r, ok
}

// Cancel requests cancellation: the run transitions to draining, dispatches
// nothing new, and propagates cancellation to in-flight inference calls.
// Work already debited stays debited.
func (r *Run) Cancel() {
	r.cancel()
}

// State returns the run's current global state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Run) emit(t event.Type, data any) {
	r.engine.hub.Publish(r.ID, event.Event{Type: t, Data: data})
}

// loop is the scheduler: the only goroutine that mutates the graph, settles
// states, writes the ledger, and updates the aggregator.
func (r *Run) loop(ctx context.Context) {
	defer r.cancel()

	r.setState(StateRunning)
	runsStarted.Inc()

	queue := r.graph.Runnable()
	inFlight := 0
	paused := false
	draining := false

	for r.graph.Remaining() > 0 {
		// Cancellation must stop dispatch even when the fan-in select below
		// consumed a buffered result instead of observing ctx.Done.
		if !draining && ctx.Err() != nil {
			draining = true
			r.setState(StateDraining)
		}

		for !paused && !draining && inFlight < r.engine.cfg.MaxConcurrency && len(queue) > 0 {
			id := queue[0]
			if !r.admit(id) {
				paused = true
				break
			}
			queue = queue[1:]
			inFlight++
			r.dispatch(ctx, id)
		}

		if inFlight == 0 {
			if draining {
				r.failRemaining(queue, "canceled before dispatch")
				queue = nil
				continue
			}
			if paused {
				if r.awaitFunding(ctx, queue[0]) {
					paused = false
					r.states[queue[0]].notified = false
					continue
				}
				r.failRemaining(queue, "insufficient wallet balance")
				queue = nil
				continue
			}
			if len(queue) == 0 {
				// Graph validation guarantees progress; reaching here means
				// every unsettled node is waiting on an in-flight result,
				// and there are none. Treat as an internal error.
				r.engine.logger.Error("scheduler stalled", slog.String("run", r.ID))
				break
			}
			continue
		}

		if draining {
			res := <-r.results
			inFlight--
			queue = append(queue, r.settle(res)...)
			continue
		}

		select {
		case <-ctx.Done():
			draining = true
			r.setState(StateDraining)
		case res := <-r.results:
			inFlight--
			queue = append(queue, r.settle(res)...)
			// A settle releases its reserve and may have credited or
			// debited the wallet; let the gate re-evaluate.
			paused = false
		}
	}

	r.agentsEnd = time.Now()

	switch {
	case ctx.Err() != nil:
		r.setState(StateCanceled)
		runsFinished.WithLabelValues(string(StateCanceled)).Inc()
		return
	case paused:
		r.setState(StateUnfunded)
		r.emit(event.TypePipelineError, event.PipelineError{
			Error: "run incomplete: insufficient wallet balance",
		})
		runsFinished.WithLabelValues(string(StateUnfunded)).Inc()
		return
	}

	if r.completedCount() == 0 {
		r.emit(event.TypePipelineError, event.PipelineError{
			Error: "all subtasks failed; nothing to synthesize",
		})
		r.emitCarbonSummary(0, 0)
		r.setState(StateSettled)
		runsFinished.WithLabelValues("failed").Inc()
		return
	}

	r.synthesize(ctx)
	r.setState(StateSettled)
	runsFinished.WithLabelValues(string(StateSettled)).Inc()
}

// admit applies the admission gate: the wallet must cover a conservative
// estimate of the subtask's cost on top of everything already reserved for
// in-flight work. Nothing is written; the one real debit happens on
// completion with actual token counts.
func (r *Run) admit(id int) bool {
	st := r.states[id]
	est := r.engine.prices.Estimate(st.task.AssignedModel, r.engine.cfg.ReserveTokens)
	if est == 0 {
		return true
	}

	balance, err := r.engine.wallet.Balance(r.req.UserID)
	if err != nil {
		r.engine.logger.Error("admission balance check", slog.String("run", r.ID), slog.Any("err", err))
		return false
	}

	r.mu.Lock()
	reserved := r.reserved
	r.mu.Unlock()

	if balance-reserved < est {
		// The gate re-evaluates after every settle; report the shortfall
		// once, not once per sibling still in flight.
		if !st.notified {
			st.notified = true
			r.emit(event.TypeBillingRequired, event.BillingRequired{
				UserID:               r.req.UserID,
				SubtaskID:            id,
				RequiredMicrodollars: est,
				BalanceMicrodollars:  balance - reserved,
			})
		}
		return false
	}

	st.reserve = est
	r.mu.Lock()
	r.reserved += est
	r.mu.Unlock()
	return true
}

// awaitFunding polls the wallet while the run is paused on the gate.
// Returns true once the balance can cover the blocked subtask's estimate.
func (r *Run) awaitFunding(ctx context.Context, id int) bool {
	wait := r.engine.cfg.FundingWait
	if wait <= 0 {
		return false
	}
	est := r.engine.prices.Estimate(r.states[id].task.AssignedModel, r.engine.cfg.ReserveTokens)
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
		balance, err := r.engine.wallet.Balance(r.req.UserID)
		if err == nil && balance >= est {
			return true
		}
	}
	return false
}

// dispatch flips a subtask to running and hands it to a worker goroutine.
func (r *Run) dispatch(ctx context.Context, id int) {
	st := r.states[id]
	r.mu.Lock()
	st.status = StatusRunning
	st.started = time.Now()
	r.mu.Unlock()

	r.emit(event.TypeAgentStarted, event.AgentStarted{
		ID:    id,
		Title: st.task.Title,
		Model: st.task.AssignedModel,
	})
	inflightWorkers.Inc()

	messages := r.buildMessages(st.task)
	go r.runWorker(ctx, id, st.task.AssignedModel, messages)
}

// settle applies one worker's terminal outcome: ledger debit, aggregator
// update, lifecycle events, and graph propagation. Returns newly runnable
// subtask ids. Dependents blocked by a failure are settled here too,
// cascading until the frontier is clean.
func (r *Run) settle(res workerResult) []int {
	inflightWorkers.Dec()

	success := res.err == nil
	if success {
		success = r.settleCompleted(res)
	} else {
		r.settleFailed(res.id, res.err.Error(), false)
	}

	runnable, blocked := r.graph.Settle(res.id, success)
	for len(blocked) > 0 {
		id := blocked[0]
		blocked = blocked[1:]
		r.settleFailed(id, r.blockedReason(id), true)
		more, moreBlocked := r.graph.Settle(id, false)
		runnable = append(runnable, more...)
		blocked = append(blocked, moreBlocked...)
	}
	return runnable
}

// settleCompleted prices the work, writes the one true ledger debit, and
// flips the subtask to completed atomically with the aggregate update.
// Returns false if the debit could not be covered, which converts the
// completion into a failure.
func (r *Run) settleCompleted(res workerResult) bool {
	st := r.states[res.id]
	cost := r.engine.prices.Price(st.task.AssignedModel, res.usage.InputTokens, res.usage.OutputTokens)

	r.releaseReserve(st)

	result, err := r.engine.wallet.DebitUsage(ledger.DebitRequest{
		UserID:       r.req.UserID,
		RunID:        r.ID,
		SubtaskID:    res.id,
		Model:        st.task.AssignedModel,
		InputTokens:  res.usage.InputTokens,
		OutputTokens: res.usage.OutputTokens,
		Amount:       cost.Total,
	})
	if err != nil {
		r.settleFailed(res.id, fmt.Sprintf("ledger debit: %v", err), false)
		return false
	}
	switch result.Status {
	case ledger.StatusInsufficient:
		r.emit(event.TypeBillingRequired, event.BillingRequired{
			UserID:               r.req.UserID,
			SubtaskID:            res.id,
			RequiredMicrodollars: cost.Total,
			BalanceMicrodollars:  result.Balance,
		})
		r.settleFailed(res.id, "insufficient wallet balance", false)
		return false
	case ledger.StatusDebited:
		r.emit(event.TypeWalletUpdated, event.WalletUpdated{
			UserID:              r.req.UserID,
			BalanceMicrodollars: result.Balance,
		})
		debitedMicrodollars.Add(float64(cost.Total))
	}

	totalTokens := res.usage.InputTokens + res.usage.OutputTokens
	gco2 := carbon.Grams(st.task.AssignedModel, totalTokens, r.intensity)
	if res.usage.EvalDuration > 0 {
		gco2 = carbon.GramsFromDuration(res.usage.EvalDuration, r.intensity)
	}

	r.mu.Lock()
	st.status = StatusCompleted
	st.output = res.output
	st.usage = res.usage
	st.cost = cost
	st.gco2 = gco2
	st.settled = time.Now()
	duration := st.settled.Sub(st.started)
	r.agg.add(totalTokens, cost.Total, gco2, duration)
	totalGCO2 := r.agg.gco2
	r.mu.Unlock()

	subtasksSettled.WithLabelValues(string(StatusCompleted)).Inc()
	tokensProcessed.Add(float64(totalTokens))
	subtaskDuration.Observe(duration.Seconds())

	r.emit(event.TypeAgentCompleted, event.AgentCompleted{
		ID:           res.id,
		Title:        st.task.Title,
		Model:        st.task.AssignedModel,
		Output:       res.output,
		Duration:     roundS(duration.Seconds()),
		InputTokens:  res.usage.InputTokens,
		OutputTokens: res.usage.OutputTokens,
		Tokens:       totalTokens,
		InputCost:    usd(cost.Input),
		OutputCost:   usd(cost.Output),
		TotalCost:    usd(cost.Total),
		GCO2:         gco2,
	})
	r.emit(event.TypeCarbonUpdate, event.CarbonUpdate{TotalGCO2: totalGCO2})
	return true
}

func (r *Run) settleFailed(id int, reason string, blocked bool) {
	st := r.states[id]
	r.releaseReserve(st)

	r.mu.Lock()
	st.status = StatusFailed
	st.failure = reason
	st.blocked = blocked
	st.settled = time.Now()
	r.mu.Unlock()

	subtasksSettled.WithLabelValues(string(StatusFailed)).Inc()
	r.emit(event.TypeAgentFailed, event.AgentFailed{
		ID:    id,
		Title: st.task.Title,
		Error: reason,
	})
}

// failRemaining settles every not-yet-dispatched subtask as failed with the
// given reason, cascading blocked dependents.
func (r *Run) failRemaining(queue []int, reason string) {
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if r.graph.Settled(id) {
			continue
		}
		r.settleFailed(id, reason, false)
		more, blocked := r.graph.Settle(id, false)
		queue = append(queue, more...)
		queue = append(queue, blocked...)
	}
}

func (r *Run) releaseReserve(st *subtaskState) {
	if st.reserve == 0 {
		return
	}
	r.mu.Lock()
	r.reserved -= st.reserve
	r.mu.Unlock()
	st.reserve = 0
}

// blockedReason names the first failed dependency for the propagation
// failure message.
func (r *Run) blockedReason(id int) string {
	for _, dep := range r.states[id].task.DependsOn {
		if r.states[dep].status == StatusFailed {
			return fmt.Sprintf("skipped: upstream task #%d failed", dep)
		}
	}
	return "skipped: upstream task failed"
}

func (r *Run) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if st.status == StatusCompleted {
			n++
		}
	}
	return n
}

func usd(micro int64) float64 {
	return float64(micro) / 1e6
}

func roundS(s float64) float64 {
	return float64(int64(s*100+0.5)) / 100
}
