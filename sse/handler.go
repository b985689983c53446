// Package sse streams pipeline run events to HTTP clients as Server-Sent
// Events. Stored events are replayed first, then live events follow from
// the event bus.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/petal-labs/pipef/bus"
	"github.com/petal-labs/pipef/runtime"
)

// HeartbeatInterval is the default interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// wireEvent is the JSON form of a runtime event on the stream.
type wireEvent struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	StageID   uint32         `json:"stage_id,omitempty"`
	StageName string         `json:"stage_name,omitempty"`
	StageKind string         `json:"stage_kind,omitempty"`
	Time      time.Time      `json:"time"`
	Iteration int            `json:"iteration"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

func toWire(e runtime.Event) wireEvent {
	return wireEvent{
		Kind:      string(e.Kind),
		RunID:     e.RunID,
		StageID:   uint32(e.StageID),
		StageName: e.StageName,
		StageKind: string(e.StageKind),
		Time:      e.Time,
		Iteration: e.Iteration,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
		Seq:       e.Seq,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock sets the clock driving heartbeats.
func WithClock(clock clockz.Clock) Option {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithHeartbeat sets the heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// Handler serves the event stream of one run.
//
// It expects a "run_id" path value and accepts two query parameters:
// "after", the last sequence number the client has seen, and "kinds", a
// comma-separated list of event kinds to send.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping" is sent every heartbeat interval. The stream
// closes after run.finished or when the client disconnects.
type Handler struct {
	store     bus.EventStore
	bus       bus.EventBus
	clock     clockz.Clock
	heartbeat time.Duration
}

// NewHandler creates a Handler over a store and a bus.
func NewHandler(store bus.EventStore, eb bus.EventBus, opts ...Option) *Handler {
	h := &Handler{
		store:     store,
		bus:       eb,
		clock:     clockz.RealClock,
		heartbeat: HeartbeatInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// stream holds the per-request state.
type stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	kinds   map[runtime.EventKind]bool
	lastSeq uint64
}

// wants reports whether the client asked for events of kind. run.finished
// is always wanted since it ends the stream.
func (s *stream) wants(kind runtime.EventKind) bool {
	return len(s.kinds) == 0 || s.kinds[kind] || kind == runtime.EventRunFinished
}

// send writes evt unless it was already sent. It reports whether the
// stream is finished.
func (s *stream) send(evt runtime.Event) (finished bool, err error) {
	if evt.Seq <= s.lastSeq {
		return false, nil
	}
	s.lastSeq = evt.Seq
	if !s.wants(evt.Kind) {
		return false, nil
	}
	data, err := json.Marshal(toWire(evt))
	if err != nil {
		return false, err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data); err != nil {
		return false, err
	}
	s.flusher.Flush()
	return evt.Kind == runtime.EventRunFinished, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	st := &stream{w: w, flusher: flusher}
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		st.lastSeq = parsed
	}
	if kinds := r.URL.Query().Get("kinds"); kinds != "" {
		st.kinds = make(map[runtime.EventKind]bool)
		for _, k := range strings.Split(kinds, ",") {
			st.kinds[runtime.EventKind(strings.TrimSpace(k))] = true
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so events arriving in between are not lost.
	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	finished, err := h.replay(ctx, st, runID)
	if err != nil || finished {
		return
	}
	h.live(ctx, st, sub)
}

func (h *Handler) replay(ctx context.Context, st *stream, runID string) (bool, error) {
	events, err := h.store.List(ctx, runID, st.lastSeq, 0)
	if err != nil {
		return false, err
	}
	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		finished, err := st.send(evt)
		if err != nil || finished {
			return finished, err
		}
	}
	return false, nil
}

func (h *Handler) live(ctx context.Context, st *stream, sub bus.Subscription) {
	heartbeat := h.clock.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			finished, err := st.send(evt)
			if err != nil || finished {
				return
			}

		case <-heartbeat.C():
			if _, err := fmt.Fprint(st.w, ": ping\n\n"); err != nil {
				return
			}
			st.flusher.Flush()
		}
	}
}

// runSummary is one entry of the run listing.
type runSummary struct {
	RunID     string `json:"run_id"`
	LatestSeq uint64 `json:"latest_seq"`
}

// RunsHandler lists the stored runs as JSON.
func RunsHandler(store bus.EventStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids, err := store.RunIDs(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		runs := make([]runSummary, 0, len(ids))
		for _, id := range ids {
			seq, err := store.LatestSeq(r.Context(), id)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			runs = append(runs, runSummary{RunID: id, LatestSeq: seq})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"runs": runs})
	})
}

// Router is implemented by *http.ServeMux and promexport.Server.
type Router interface {
	Handle(pattern string, handler http.Handler)
}

// Mount registers GET /runs and GET /runs/{run_id}/events on mux.
func Mount(mux Router, store bus.EventStore, eb bus.EventBus, opts ...Option) {
	mux.Handle("GET /runs", RunsHandler(store))
	mux.Handle("GET /runs/{run_id}/events", NewHandler(store, eb, opts...))
}
