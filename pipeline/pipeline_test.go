package pipeline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentflow/agentflow/event"
	"github.com/agentflow/agentflow/ledger"
	"github.com/agentflow/agentflow/pricing"
	"github.com/agentflow/agentflow/provider"
	"github.com/agentflow/agentflow/provider/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness bundles an engine with its collaborators for inspection.
type harness struct {
	engine *Engine
	wallet *ledger.Store
	hub    *event.Hub
	events <-chan event.Event
}

func newHarness(t *testing.T, cfg Config, router *Router, prices *pricing.Table) *harness {
	t.Helper()
	wallet, err := ledger.Open(filepath.Join(t.TempDir(), "wallet.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = wallet.Close() })

	if prices == nil {
		prices = pricing.DefaultTable()
	}
	if cfg.Intensity == 0 {
		cfg.Intensity = 100 // fixed so no intensity lookup happens
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}

	hub := event.NewHub(testLogger())
	ch, cancel := hub.Subscribe(event.Firehose)
	t.Cleanup(cancel)

	return &harness{
		engine: New(cfg, router, wallet, prices, nil, hub, testLogger()),
		wallet: wallet,
		hub:    hub,
		events: ch,
	}
}

// waitState polls until the run reaches want or the deadline passes.
func waitState(t *testing.T, r *Run, want State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run stuck in state %s, want %s", r.State(), want)
}

// drainEvents reads whatever the run published, stopping once the channel
// has been idle briefly. Call only after the run reached a terminal state.
func (h *harness) drainEvents() []event.Event {
	var out []event.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func eventsOf(events []event.Event, typ event.Type) []event.Event {
	var out []event.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func indexOf(events []event.Event, match func(event.Event) bool) int {
	for i, ev := range events {
		if match(ev) {
			return i
		}
	}
	return -1
}

func startedID(ev event.Event) (int, bool) {
	d, ok := ev.Data.(event.AgentStarted)
	return d.ID, ok
}

// capturingProvider records the messages of every Stream call and delegates
// the streaming to scripted replies, keyed round-robin like the mock.
type capturingProvider struct {
	inner *mock.Provider

	mu       sync.Mutex
	messages [][]provider.Message
}

func newCapturing(scripts ...mock.Script) *capturingProvider {
	return &capturingProvider{inner: mock.New(scripts...)}
}

func (c *capturingProvider) Name() string { return "capture" }

func (c *capturingProvider) Stream(ctx context.Context, model string, messages []provider.Message) (<-chan provider.Chunk, error) {
	c.mu.Lock()
	copied := make([]provider.Message, len(messages))
	copy(copied, messages)
	c.messages = append(c.messages, copied)
	c.mu.Unlock()
	return c.inner.Stream(ctx, model, messages)
}

func (c *capturingProvider) captured() [][]provider.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]provider.Message(nil), c.messages...)
}

// hookProvider invokes onDone just before forwarding each done chunk.
type hookProvider struct {
	inner  provider.Provider
	onDone func()
}

func (p *hookProvider) Name() string { return "hook" }

func (p *hookProvider) Stream(ctx context.Context, model string, messages []provider.Message) (<-chan provider.Chunk, error) {
	inner, err := p.inner.Stream(ctx, model, messages)
	if err != nil {
		return nil, err
	}
	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		for chunk := range inner {
			if chunk.Type == provider.ChunkDone && p.onDone != nil {
				p.onDone()
			}
			out <- chunk
		}
	}()
	return out, nil
}

func TestDiamondRunExecutesInDependencyOrder(t *testing.T) {
	h := newHarness(t, Config{}, NewRouter(mock.New()), nil)

	run, err := h.engine.Start(context.Background(), Request{
		Prompt:            "write a report",
		OrchestratorModel: "gemma3:12b",
		UserID:            "alice",
		Subtasks: []Subtask{
			{ID: 1, Title: "outline", AssignedModel: "free:7b"},
			{ID: 2, Title: "half A", AssignedModel: "free:7b", DependsOn: []int{1}},
			{ID: 3, Title: "half B", AssignedModel: "free:7b", DependsOn: []int{1}},
			{ID: 4, Title: "merge", AssignedModel: "free:7b", DependsOn: []int{2, 3}},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, run, StateSettled)
	events := h.drainEvents()

	if got := len(eventsOf(events, event.TypeAgentCompleted)); got != 4 {
		t.Fatalf("agent_completed count = %d, want 4", got)
	}
	if got := len(eventsOf(events, event.TypeAgentFailed)); got != 0 {
		t.Fatalf("agent_failed count = %d, want 0", got)
	}

	// A node may only start after every dependency completed.
	started := func(id int) int {
		return indexOf(events, func(ev event.Event) bool {
			gotID, ok := startedID(ev)
			return ok && gotID == id
		})
	}
	completed := func(id int) int {
		return indexOf(events, func(ev event.Event) bool {
			d, ok := ev.Data.(event.AgentCompleted)
			return ok && d.ID == id
		})
	}
	if started(2) < completed(1) || started(3) < completed(1) {
		t.Error("dependents of 1 started before 1 completed")
	}
	if started(4) < completed(2) || started(4) < completed(3) {
		t.Error("4 started before both dependencies completed")
	}

	// Synthesis runs last: synthesizing, tokens, complete, then the summary.
	if len(eventsOf(events, event.TypeSynthesizing)) != 1 {
		t.Error("missing synthesizing event")
	}
	synth := eventsOf(events, event.TypeSynthesisComplete)
	if len(synth) != 1 {
		t.Fatal("missing synthesis_complete event")
	}
	if out := synth[0].Data.(event.SynthesisComplete).Output; out == "" {
		t.Error("synthesis output is empty")
	}
	summaries := eventsOf(events, event.TypeCarbonSummary)
	if len(summaries) != 1 {
		t.Fatal("missing carbon_summary event")
	}
	if events[len(events)-1].Type != event.TypeCarbonSummary {
		t.Errorf("last event = %s, want carbon_summary", events[len(events)-1].Type)
	}

	sum := summaries[0].Data.(event.CarbonSummary)
	if sum.TotalTokens == 0 || sum.PipelineGCO2 <= 0 || sum.BaselineGCO2 <= 0 {
		t.Errorf("summary not populated: %+v", sum)
	}
	if sum.CarbonIntensity != 100 {
		t.Errorf("intensity = %v, want configured 100", sum.CarbonIntensity)
	}
}

func TestIndependentSubtasksRunConcurrently(t *testing.T) {
	slow := mock.New(mock.Script{
		Tokens: []string{"a", "b"},
		Delay:  60 * time.Millisecond,
		Usage:  provider.Usage{InputTokens: 5, OutputTokens: 2},
	})
	h := newHarness(t, Config{MaxConcurrency: 4}, NewRouter(slow), nil)

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "free:7b", UserID: "alice",
		Subtasks: []Subtask{
			{ID: 1, Title: "a", AssignedModel: "free:7b"},
			{ID: 2, Title: "b", AssignedModel: "free:7b"},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, run, StateSettled)
	events := h.drainEvents()

	// Both workers dispatch before either slow stream finishes.
	firstCompleted := indexOf(events, func(ev event.Event) bool {
		_, ok := ev.Data.(event.AgentCompleted)
		return ok
	})
	starts := eventsOf(events, event.TypeAgentStarted)
	if len(starts) != 2 {
		t.Fatalf("agent_started count = %d, want 2", len(starts))
	}
	for _, s := range starts {
		if idx := indexOf(events, func(ev event.Event) bool { return ev == s }); idx > firstCompleted {
			t.Error("second worker only started after the first completed")
		}
	}
}

func TestConcurrencyLimitSerializes(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 1}, NewRouter(mock.New()), nil)

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "free:7b", UserID: "alice",
		Subtasks: []Subtask{
			{ID: 1, Title: "a", AssignedModel: "free:7b"},
			{ID: 2, Title: "b", AssignedModel: "free:7b"},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, run, StateSettled)
	events := h.drainEvents()

	second := indexOf(events, func(ev event.Event) bool {
		id, ok := startedID(ev)
		return ok && id == 2
	})
	firstDone := indexOf(events, func(ev event.Event) bool {
		d, ok := ev.Data.(event.AgentCompleted)
		return ok && d.ID == 1
	})
	if second == -1 || firstDone == -1 || second < firstDone {
		t.Errorf("with limit 1, subtask 2 started (%d) before 1 completed (%d)", second, firstDone)
	}
}

func TestFailurePropagatesToDependents(t *testing.T) {
	bad := mock.New(mock.Script{Fail: "model exploded"})
	router := NewRouter(mock.New())
	router.Route("bad:", bad)
	h := newHarness(t, Config{RetryLimit: 0}, router, nil)

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "free:7b", UserID: "alice",
		Subtasks: []Subtask{
			{ID: 1, Title: "doomed", AssignedModel: "bad:7b"},
			{ID: 2, Title: "dependent", AssignedModel: "free:7b", DependsOn: []int{1}},
			{ID: 3, Title: "independent", AssignedModel: "free:7b"},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, run, StateSettled)
	events := h.drainEvents()

	failures := eventsOf(events, event.TypeAgentFailed)
	if len(failures) != 2 {
		t.Fatalf("agent_failed count = %d, want 2", len(failures))
	}
	byID := map[int]string{}
	for _, f := range failures {
		d := f.Data.(event.AgentFailed)
		byID[d.ID] = d.Error
	}
	if !strings.Contains(byID[1], "model exploded") {
		t.Errorf("failure 1 = %q", byID[1])
	}
	if byID[2] != "skipped: upstream task #1 failed" {
		t.Errorf("failure 2 = %q, want propagation message", byID[2])
	}

	// The independent branch still completes and synthesis still runs.
	done := eventsOf(events, event.TypeAgentCompleted)
	if len(done) != 1 || done[0].Data.(event.AgentCompleted).ID != 3 {
		t.Fatalf("agent_completed = %+v, want only subtask 3", done)
	}
	if len(eventsOf(events, event.TypeSynthesisComplete)) != 1 {
		t.Error("synthesis skipped despite a completed subtask")
	}

	snap := run.Snapshot()
	for _, st := range snap.Subtasks {
		if st.ID == 2 && !st.Blocked {
			t.Error("subtask 2 not marked blocked in snapshot")
		}
	}
}

func TestTokensStreamInOrderPerSubtask(t *testing.T) {
	scripted := mock.New(mock.Script{
		Tokens: []string{"alpha ", "beta ", "gamma"},
		Usage:  provider.Usage{InputTokens: 3, OutputTokens: 3},
	})
	h := newHarness(t, Config{}, NewRouter(scripted), nil)

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "free:7b", UserID: "alice",
		Subtasks: []Subtask{{ID: 1, Title: "stream", AssignedModel: "free:7b"}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, run, StateSettled)
	events := h.drainEvents()

	var got []string
	for _, ev := range eventsOf(events, event.TypeAgentToken) {
		d := ev.Data.(event.AgentToken)
		if d.ID != 1 {
			t.Fatalf("token for unexpected subtask %d", d.ID)
		}
		got = append(got, d.Token)
	}
	if strings.Join(got, "") != "alpha beta gamma" {
		t.Fatalf("tokens = %v", got)
	}

	done := eventsOf(events, event.TypeAgentCompleted)
	if len(done) != 1 {
		t.Fatal("missing agent_completed")
	}
	if out := done[0].Data.(event.AgentCompleted).Output; out != "alpha beta gamma" {
		t.Errorf("output = %q", out)
	}
}

func paidTable() *pricing.Table {
	return &pricing.Table{
		Models: map[string]pricing.Rate{
			"paid:7b": {Input: 5, Output: 5},
		},
		Baseline: pricing.Baseline{Model: "llama3:70b", Blended: 5.69827},
	}
}

func TestAdmissionGateStopsUnfundedDispatch(t *testing.T) {
	// Each subtask estimates and costs exactly $0.01; the wallet holds $0.02.
	metered := mock.New(mock.Script{
		Tokens: []string{"done"},
		Usage:  provider.Usage{InputTokens: 1000, OutputTokens: 1000},
		Delay:  20 * time.Millisecond,
	})
	h := newHarness(t, Config{ReserveTokens: 2000}, NewRouter(metered), paidTable())
	if _, err := h.wallet.Credit("alice", 20_000, "pay_test"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "paid:7b", UserID: "alice",
		Subtasks: []Subtask{
			{ID: 1, Title: "a", AssignedModel: "paid:7b"},
			{ID: 2, Title: "b", AssignedModel: "paid:7b"},
			{ID: 3, Title: "c", AssignedModel: "paid:7b"},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, run, StateUnfunded)
	events := h.drainEvents()

	if got := len(eventsOf(events, event.TypeAgentStarted)); got != 2 {
		t.Fatalf("agent_started count = %d, want exactly 2", got)
	}
	// The shortfall is reported once, not re-announced as each funded
	// sibling settles.
	if got := len(eventsOf(events, event.TypeBillingRequired)); got != 1 {
		t.Fatalf("billing_required count = %d, want 1", got)
	}
	if len(eventsOf(events, event.TypePipelineError)) == 0 {
		t.Fatal("no pipeline_error for the unfunded end")
	}
	if len(eventsOf(events, event.TypeSynthesizing)) != 0 {
		t.Error("unfunded run must not synthesize")
	}

	// Both completed subtasks debited; the refused one did not.
	balance, err := h.wallet.Balance("alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance = %d, want 0 after two $0.01 debits", balance)
	}
	entries, err := h.wallet.Entries("alice", 0)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	usage := 0
	for _, e := range entries {
		if e.Type == ledger.TypeUsage {
			usage++
		}
	}
	if usage != 2 {
		t.Fatalf("usage entries = %d, want 2", usage)
	}

	wallets := eventsOf(events, event.TypeWalletUpdated)
	if len(wallets) != 2 {
		t.Fatalf("wallet_updated count = %d, want 2", len(wallets))
	}
	if last := wallets[1].Data.(event.WalletUpdated).BalanceMicrodollars; last != 0 {
		t.Errorf("final wallet_updated balance = %d, want 0", last)
	}
}

func TestZeroBalanceDispatchesNothing(t *testing.T) {
	h := newHarness(t, Config{}, NewRouter(mock.New()), paidTable())

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "paid:7b", UserID: "broke",
		Subtasks: []Subtask{{ID: 1, Title: "a", AssignedModel: "paid:7b"}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, run, StateUnfunded)
	events := h.drainEvents()

	if got := len(eventsOf(events, event.TypeAgentStarted)); got != 0 {
		t.Fatalf("agent_started count = %d, want 0", got)
	}
	if got := len(eventsOf(events, event.TypeBillingRequired)); got != 1 {
		t.Fatalf("billing_required count = %d, want 1", got)
	}
}

func TestAllSubtasksFailedSkipsSynthesis(t *testing.T) {
	bad := mock.New(mock.Script{Fail: "down"})
	h := newHarness(t, Config{RetryLimit: 0}, NewRouter(bad), nil)

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "free:7b", UserID: "alice",
		Subtasks: []Subtask{
			{ID: 1, Title: "a", AssignedModel: "free:7b"},
			{ID: 2, Title: "b", AssignedModel: "free:7b"},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, run, StateSettled)
	events := h.drainEvents()

	if got := len(eventsOf(events, event.TypeAgentFailed)); got != 2 {
		t.Fatalf("agent_failed count = %d, want 2", got)
	}
	if len(eventsOf(events, event.TypeSynthesizing)) != 0 {
		t.Error("synthesizing emitted despite zero completions")
	}
	if len(eventsOf(events, event.TypeSynthesisComplete)) != 0 {
		t.Error("synthesis_complete emitted despite zero completions")
	}
	if len(eventsOf(events, event.TypePipelineError)) != 1 {
		t.Error("missing pipeline_error")
	}
}

func TestCancelDrainsWithoutSynthesis(t *testing.T) {
	slow := mock.New(mock.Script{
		Tokens: []string{"a", "b", "c", "d", "e"},
		Delay:  200 * time.Millisecond,
	})
	h := newHarness(t, Config{MaxConcurrency: 1}, NewRouter(slow), nil)

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "free:7b", UserID: "alice",
		Subtasks: []Subtask{
			{ID: 1, Title: "slow", AssignedModel: "free:7b"},
			{ID: 2, Title: "queued", AssignedModel: "free:7b"},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for the first worker to start, then cancel mid-stream.
	deadline := time.Now().Add(5 * time.Second)
	for run.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	run.Cancel()

	waitState(t, run, StateCanceled)
	events := h.drainEvents()

	if len(eventsOf(events, event.TypeAgentCompleted)) != 0 {
		t.Error("subtask completed despite cancellation mid-stream")
	}
	if len(eventsOf(events, event.TypeSynthesizing)) != 0 {
		t.Error("canceled run must not synthesize")
	}
	// Undispatched work settles as failed so the run fully drains.
	if got := len(eventsOf(events, event.TypeAgentFailed)); got != 2 {
		t.Errorf("agent_failed count = %d, want 2", got)
	}
}

func TestCancelWithBufferedResultStopsDispatch(t *testing.T) {
	// A cancel that lands while a worker result is already buffered must not
	// let the freshly unblocked dependent dispatch. The interleaving is
	// timing-sensitive, so the scenario repeats.
	for i := 0; i < 20; i++ {
		runCh := make(chan *Run, 1)
		prov := &hookProvider{inner: mock.New(), onDone: func() {
			r := <-runCh
			r.Cancel()
		}}
		h := newHarness(t, Config{}, NewRouter(prov), nil)

		run, err := h.engine.Start(context.Background(), Request{
			Prompt: "p", OrchestratorModel: "free:7b", UserID: "alice",
			Subtasks: []Subtask{
				{ID: 1, Title: "first", AssignedModel: "free:7b"},
				{ID: 2, Title: "second", AssignedModel: "free:7b", DependsOn: []int{1}},
			},
		})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		runCh <- run

		waitState(t, run, StateCanceled)
		events := h.drainEvents()
		for _, ev := range eventsOf(events, event.TypeAgentStarted) {
			if ev.Data.(event.AgentStarted).ID == 2 {
				t.Fatal("dependent dispatched after cancellation")
			}
		}
		if len(eventsOf(events, event.TypeSynthesizing)) != 0 {
			t.Fatal("canceled run must not synthesize")
		}
	}
}

func TestCancelImmediatelyAfterStart(t *testing.T) {
	slow := mock.New(mock.Script{
		Tokens: []string{"a", "b", "c"},
		Delay:  50 * time.Millisecond,
	})
	h := newHarness(t, Config{}, NewRouter(slow), nil)

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "free:7b", UserID: "alice",
		Subtasks: []Subtask{{ID: 1, Title: "only", AssignedModel: "free:7b"}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run.Cancel()

	waitState(t, run, StateCanceled)
	events := h.drainEvents()
	if got := len(eventsOf(events, event.TypeAgentCompleted)); got != 0 {
		t.Errorf("agent_completed count = %d, want 0", got)
	}
}

func TestPausedRunResumesAfterTopup(t *testing.T) {
	metered := mock.New(mock.Script{
		Tokens: []string{"x"},
		Usage:  provider.Usage{InputTokens: 1000, OutputTokens: 1000},
	})
	h := newHarness(t, Config{ReserveTokens: 2000, FundingWait: 30 * time.Second},
		NewRouter(metered), paidTable())

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "paid:7b", UserID: "late",
		Subtasks: []Subtask{{ID: 1, Title: "gated", AssignedModel: "paid:7b"}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for the gate refusal, then fund the wallet while the run is
	// paused and polling.
	deadline := time.Now().Add(5 * time.Second)
	funded := false
	for !funded {
		select {
		case ev := <-h.events:
			if ev.Type == event.TypeBillingRequired {
				if _, err := h.wallet.Credit("late", 100_000, "pay_resume"); err != nil {
					t.Fatalf("Credit: %v", err)
				}
				funded = true
			}
		case <-time.After(time.Until(deadline)):
			t.Fatal("no billing_required before funding")
		}
	}

	waitState(t, run, StateSettled)
	events := h.drainEvents()
	if got := len(eventsOf(events, event.TypeAgentCompleted)); got != 1 {
		t.Fatalf("agent_completed count = %d, want 1 after resume", got)
	}
	if len(eventsOf(events, event.TypeSynthesisComplete)) != 1 {
		t.Error("resumed run did not synthesize")
	}

	balance, err := h.wallet.Balance("late")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 90_000 {
		t.Errorf("balance = %d, want 90000 after the resumed debit", balance)
	}
}

func TestRetryRestartsTokenStream(t *testing.T) {
	flaky := mock.New(
		mock.Script{Tokens: []string{"par", "tial "}, Fail: "temporary glitch"},
		mock.Reply("clean second answer"),
	)
	router := NewRouter(mock.New())
	router.Route("flaky:", flaky)
	h := newHarness(t, Config{RetryLimit: 1}, router, nil)

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "free:7b", UserID: "alice",
		Subtasks: []Subtask{{ID: 1, Title: "retry me", AssignedModel: "flaky:7b"}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, run, StateSettled)
	events := h.drainEvents()

	retries := eventsOf(events, event.TypeAgentRetrying)
	if len(retries) != 1 {
		t.Fatalf("agent_retrying count = %d, want 1", len(retries))
	}
	marker := retries[0].Data.(event.AgentRetrying)
	if marker.ID != 1 || marker.Attempt != 2 {
		t.Errorf("retry marker = %+v, want id 1 attempt 2", marker)
	}
	if !strings.Contains(marker.Error, "temporary glitch") {
		t.Errorf("retry marker error = %q", marker.Error)
	}

	// A client that clears its buffer at the marker reconstructs exactly
	// the final output from the tokens that follow it.
	markerIdx := indexOf(events, func(ev event.Event) bool {
		return ev.Type == event.TypeAgentRetrying
	})
	var after []string
	for _, ev := range events[markerIdx+1:] {
		if ev.Type == event.TypeAgentToken {
			after = append(after, ev.Data.(event.AgentToken).Token)
		}
	}
	done := eventsOf(events, event.TypeAgentCompleted)
	if len(done) != 1 {
		t.Fatal("missing agent_completed")
	}
	out := done[0].Data.(event.AgentCompleted).Output
	if strings.Join(after, "") != out {
		t.Errorf("post-retry tokens = %q, want final output %q", strings.Join(after, ""), out)
	}
}

func TestTransientFailureRetries(t *testing.T) {
	flaky := mock.New(
		mock.Script{Fail: "temporary glitch"},
		mock.Reply("recovered fine"),
	)
	router := NewRouter(mock.New())
	router.Route("flaky:", flaky)
	h := newHarness(t, Config{RetryLimit: 1}, router, nil)

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "free:7b", UserID: "alice",
		Subtasks: []Subtask{{ID: 1, Title: "retry me", AssignedModel: "flaky:7b"}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, run, StateSettled)
	events := h.drainEvents()

	done := eventsOf(events, event.TypeAgentCompleted)
	if len(done) != 1 {
		t.Fatalf("agent_completed count = %d, want 1 after retry", len(done))
	}
	if out := done[0].Data.(event.AgentCompleted).Output; out != "recovered fine" {
		t.Errorf("output = %q, want the second attempt's reply", out)
	}
	if calls := flaky.Calls(); len(calls) != 2 {
		t.Errorf("provider called %d times, want 2", len(calls))
	}
}

func TestTerminalAPIErrorDoesNotRetry(t *testing.T) {
	rejecting := mock.New(mock.Script{Err: &provider.APIError{Status: 404, Message: "no such model"}})
	router := NewRouter(mock.New())
	router.Route("gone:", rejecting)
	h := newHarness(t, Config{RetryLimit: 3}, router, nil)

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "free:7b", UserID: "alice",
		Subtasks: []Subtask{{ID: 1, Title: "missing model", AssignedModel: "gone:7b"}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, run, StateSettled)
	h.drainEvents()

	if calls := rejecting.Calls(); len(calls) != 1 {
		t.Fatalf("provider called %d times, want 1 (no retry on 4xx)", len(calls))
	}
}

func TestInvalidGraphRejectedSynchronously(t *testing.T) {
	h := newHarness(t, Config{}, NewRouter(mock.New()), nil)

	tests := []struct {
		name     string
		subtasks []Subtask
	}{
		{"empty", nil},
		{"cycle", []Subtask{
			{ID: 1, AssignedModel: "free:7b", DependsOn: []int{2}},
			{ID: 2, AssignedModel: "free:7b", DependsOn: []int{1}},
		}},
		{"dangling dep", []Subtask{
			{ID: 1, AssignedModel: "free:7b", DependsOn: []int{42}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Start(context.Background(), Request{
				Prompt: "p", OrchestratorModel: "free:7b", UserID: "alice",
				Subtasks: tt.subtasks,
			})
			if err == nil {
				t.Fatal("Start succeeded, want validation error")
			}
		})
	}
}

func TestDependencyOutputsFlowIntoPrompts(t *testing.T) {
	capture := newCapturing(
		mock.Reply("UPSTREAM FINDINGS"),
		mock.Reply("downstream answer"),
		mock.Reply("final synthesis"),
	)
	h := newHarness(t, Config{}, NewRouter(capture), nil)

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "investigate the incident", OrchestratorModel: "free:7b", UserID: "alice",
		Subtasks: []Subtask{
			{ID: 1, Title: "research", Category: "research", AssignedModel: "free:7b"},
			{ID: 2, Title: "write up", Category: "writing", AssignedModel: "free:7b", DependsOn: []int{1}},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, run, StateSettled)
	h.drainEvents()

	captured := capture.captured()
	if len(captured) != 3 {
		t.Fatalf("captured %d calls, want 3 (two workers + synthesis)", len(captured))
	}

	// The dependent worker's prompt carries the upstream output and the
	// overall goal, under its category persona.
	second := captured[1]
	if second[0].Role != provider.RoleSystem || !strings.Contains(second[0].Content, "writer") {
		t.Errorf("system prompt = %q, want writing persona", second[0].Content)
	}
	user := second[1].Content
	if !strings.Contains(user, "investigate the incident") {
		t.Error("prompt missing overall goal")
	}
	if !strings.Contains(user, "UPSTREAM FINDINGS") {
		t.Error("prompt missing upstream output")
	}

	// Synthesis sees each completed subtask as a titled section.
	synthesis := captured[2][1].Content
	if !strings.Contains(synthesis, "### Agent 1: research") {
		t.Errorf("synthesis prompt missing agent 1 section:\n%s", synthesis)
	}
	if !strings.Contains(synthesis, "### Agent 2: write up") {
		t.Errorf("synthesis prompt missing agent 2 section:\n%s", synthesis)
	}
}

func TestDependencyContextTruncation(t *testing.T) {
	if got := depBudget(1); got != 8000 {
		t.Errorf("depBudget(1) = %d, want 8000", got)
	}
	if got := depBudget(4); got != 2000 {
		t.Errorf("depBudget(4) = %d, want 2000", got)
	}
	if got := depBudget(10); got != 2000 {
		t.Errorf("depBudget(10) = %d, want floor 2000", got)
	}
	if got := depBudget(0); got != 0 {
		t.Errorf("depBudget(0) = %d, want 0", got)
	}

	long := strings.Repeat("x", 20_000)
	capture := newCapturing(
		mock.Reply(long),
		mock.Reply("short"),
		mock.Reply("synthesis"),
	)
	h := newHarness(t, Config{}, NewRouter(capture), nil)

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "free:7b", UserID: "alice",
		Subtasks: []Subtask{
			{ID: 1, Title: "verbose", AssignedModel: "free:7b"},
			{ID: 2, Title: "reader", AssignedModel: "free:7b", DependsOn: []int{1}},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, run, StateSettled)
	h.drainEvents()

	captured := capture.captured()
	if len(captured) < 2 {
		t.Fatalf("captured %d calls", len(captured))
	}
	user := captured[1][1].Content
	if !strings.Contains(user, "truncated") {
		t.Error("oversized upstream output was not truncated")
	}
	if len(user) > 12_000 {
		t.Errorf("dependent prompt is %d bytes, truncation ineffective", len(user))
	}
}

func TestDebitIdempotencePerSubtask(t *testing.T) {
	metered := mock.New(mock.Script{
		Tokens: []string{"x"},
		Usage:  provider.Usage{InputTokens: 500, OutputTokens: 500},
	})
	h := newHarness(t, Config{ReserveTokens: 1000}, NewRouter(metered), paidTable())
	if _, err := h.wallet.Credit("alice", 100_000, "pay_idem"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "paid:7b", UserID: "alice",
		Subtasks: []Subtask{
			{ID: 1, Title: "a", AssignedModel: "paid:7b"},
			{ID: 2, Title: "b", AssignedModel: "paid:7b"},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, run, StateSettled)
	h.drainEvents()

	// 1000 tokens at 5 microdollars each, per subtask.
	balance, err := h.wallet.Balance("alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 90_000 {
		t.Fatalf("balance = %d, want 90000", balance)
	}

	// Replaying the same (user, run, subtask) debit is a noop.
	res, err := h.wallet.DebitUsage(ledger.DebitRequest{
		UserID: "alice", RunID: run.ID, SubtaskID: 1, Amount: 5_000,
	})
	if err != nil {
		t.Fatalf("DebitUsage: %v", err)
	}
	if res.Status != ledger.StatusNoop {
		t.Fatalf("replay status = %s, want noop", res.Status)
	}
}

func TestSnapshotTracksRun(t *testing.T) {
	h := newHarness(t, Config{}, NewRouter(mock.New()), nil)

	run, err := h.engine.Start(context.Background(), Request{
		Prompt: "p", OrchestratorModel: "free:7b", UserID: "alice", Zone: "DE",
		Subtasks: []Subtask{{ID: 1, Title: "only", AssignedModel: "free:7b"}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, ok := h.engine.Get(run.ID)
	if !ok || got != run {
		t.Fatal("engine does not track the run")
	}

	waitState(t, run, StateSettled)
	snap := run.Snapshot()
	if snap.State != StateSettled {
		t.Errorf("snapshot state = %s", snap.State)
	}
	if snap.Zone != "DE" {
		t.Errorf("snapshot zone = %s", snap.Zone)
	}
	if len(snap.Subtasks) != 1 || snap.Subtasks[0].Status != StatusCompleted {
		t.Errorf("snapshot subtasks = %+v", snap.Subtasks)
	}
	if snap.Subtasks[0].Output == "" {
		t.Error("snapshot missing subtask output")
	}
	if snap.Synthesis == "" {
		t.Error("snapshot missing synthesis")
	}
	if snap.TotalGCO2 <= 0 {
		t.Error("snapshot missing carbon total")
	}
}
