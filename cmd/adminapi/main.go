package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/feedforge/duroq/internal/config"
	"github.com/feedforge/duroq/internal/events"
	"github.com/feedforge/duroq/internal/logger"
	"github.com/feedforge/duroq/internal/queue"
)

type server struct {
	store *queue.Store
	hub   *events.Hub
	stale time.Duration
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	lg := logger.Setup(cfg.LogLevel)

	store, err := queue.Open(cfg.DBPath, lg)
	if err != nil {
		lg.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	hub := events.NewHub(64)
	// Every store transition in this process streams to SSE subscribers.
	store.SetEventHub(hub)
	s := &server{store: store, hub: hub, stale: cfg.StaleAfter}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", s.listTasks)
		r.Post("/tasks", s.enqueueTask)
		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/", s.getTask)
			r.Get("/logs", s.getTaskLogs)
			r.Post("/cancel", s.cancelTask)
			r.Post("/pause", s.pauseTask)
			r.Post("/resume", s.resumeTask)
			r.Post("/requeue", s.requeueTask)
			r.Post("/events", s.publishEvent)
			r.Get("/events/stream", s.streamEvents)
		})
		r.Get("/stats", s.stats)
		r.Get("/workers", s.listWorkers)
	})

	srv := &http.Server{
		Addr:              cfg.AdminListen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	lg.Info("adminapi listening", "addr", cfg.AdminListen)
	if err := srv.ListenAndServe(); err != nil {
		lg.Error("adminapi stopped", "error", err)
		os.Exit(1)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.Is(err, queue.ErrNotCancellable), errors.Is(err, queue.ErrNotDeadLettered):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

func taskID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (s *server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	tasks, err := s.store.List(r.Context(), r.URL.Query().Get("status"), r.URL.Query().Get("type"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *server) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type           string          `json:"type"`
		Parameters     json.RawMessage `json:"parameters"`
		Priority       int             `json:"priority"`
		MaxAttempts    int             `json:"max_attempts"`
		IdempotencyKey string          `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	opts := []queue.EnqueueOption{queue.WithPriority(body.Priority)}
	if body.MaxAttempts > 0 {
		opts = append(opts, queue.WithMaxAttempts(body.MaxAttempts))
	}
	if body.IdempotencyKey != "" {
		opts = append(opts, queue.WithIdempotencyKey(body.IdempotencyKey))
	}
	t, err := s.store.Enqueue(r.Context(), body.Type, body.Parameters, opts...)
	if err != nil {
		var ve *queue.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": ve.Error()})
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid id"})
		return
	}
	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *server) getTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid id"})
		return
	}
	logs, err := s.store.Logs(r.Context(), id, 200)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid id"})
		return
	}
	if err := s.store.Cancel(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) pauseTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid id"})
		return
	}
	var body struct {
		PauseFor string `json:"pause_for"`
		Until    string `json:"until"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	var until time.Time
	switch {
	case body.PauseFor != "":
		dur, err := time.ParseDuration(body.PauseFor)
		if err != nil || dur <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid pause_for"})
			return
		}
		until = time.Now().UTC().Add(dur)
	case body.Until != "":
		tm, err := time.Parse(time.RFC3339Nano, body.Until)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid until"})
			return
		}
		until = tm.UTC()
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "pause_for or until required"})
		return
	}
	if err := s.store.Pause(r.Context(), id, until); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "paused_until": until.Format(time.RFC3339Nano)})
}

func (s *server) resumeTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid id"})
		return
	}
	if err := s.store.Resume(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) requeueTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid id"})
		return
	}
	copyTask, err := s.store.Requeue(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, copyTask)
}

func (s *server) publishEvent(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid id"})
		return
	}
	var body struct {
		Level   string          `json:"level"`
		Kind    string          `json:"kind"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	s.hub.Publish(events.Event{
		TaskID:  id,
		TS:      time.Now().UTC(),
		Level:   body.Level,
		Kind:    body.Kind,
		Message: body.Message,
		Data:    body.Data,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid id"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsub := s.hub.Subscribe(id)
	defer unsub()
	enc := json.NewEncoder(w)
	fmt.Fprintf(w, ": subscribed to %d\n\n", id)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if ev.Kind != "" {
				fmt.Fprintf(w, "event: %s\n", ev.Kind)
			}
			fmt.Fprintf(w, "data: ")
			_ = enc.Encode(ev)
			fmt.Fprintf(w, "\n")
			flusher.Flush()
		}
	}
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	depth, err := s.store.DepthByStatus(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	byType, err := s.store.DepthByType(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := map[string]any{
		"depth_by_status": depth,
		"depth_by_type":   byType,
	}
	if age, ok, err := s.store.OldestQueuedAge(ctx); err == nil && ok {
		out["oldest_queued_seconds"] = int64(age.Seconds())
	}
	window := time.Minute
	if succ, fail, err := s.store.SuccessFailureRate(ctx, window); err == nil {
		out["completed_1m"] = succ
		out["failed_1m"] = fail
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) listWorkers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	active, err := s.store.ActiveWorkers(ctx, s.stale)
	if err != nil {
		writeErr(w, err)
		return
	}
	stale, err := s.store.StaleWorkers(ctx, s.stale)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "stale": stale})
}
