package event

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// subscriber is a single consumer of one run's event stream.
type subscriber struct {
	ch chan Event
}

// Hub fans each run's ordered event stream out to its subscribers: SSE
// connections and in-process listeners. Delivery is best-effort; a slow
// subscriber loses events rather than stalling the pipeline.
type Hub struct {
	mu     sync.RWMutex
	runs   map[string]map[*subscriber]struct{}
	logger *slog.Logger
}

// NewHub creates a Hub ready to accept subscribers.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		runs:   make(map[string]map[*subscriber]struct{}),
		logger: logger,
	}
}

// Firehose is the pseudo run id that receives every run's events.
const Firehose = "*"

// Publish delivers an event to every subscriber of the run, in publish order.
// Firehose subscribers receive it too.
func (h *Hub) Publish(runID string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.runs[runID] {
		select {
		case sub.ch <- ev:
		default:
			// Drop event if the subscriber is slow, don't block the pipeline
		}
	}
	if runID != Firehose {
		for sub := range h.runs[Firehose] {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// Subscribe registers an in-process listener for a run's events. Pass
// Firehose to listen across all runs. The returned cancel function
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, 256)}

	h.mu.Lock()
	if h.runs[runID] == nil {
		h.runs[runID] = make(map[*subscriber]struct{})
	}
	h.runs[runID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.runs[runID], sub)
			if len(h.runs[runID]) == 0 {
				delete(h.runs, runID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// ServeSSE streams a run's events to an SSE client until it disconnects.
// A client that connects mid-run receives only events emitted after it
// subscribed; there is no replay.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	ch, cancel := h.Subscribe(runID)
	defer cancel()

	fmt.Fprintf(w, "data: {\"event\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("hub marshal event", slog.Any("err", err))
				continue
			}
			// Each SSE "data:" line must not contain newlines
			for _, line := range strings.Split(string(data), "\n") {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}
