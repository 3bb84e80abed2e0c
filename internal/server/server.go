package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"relpose/internal/pipeline"
	"relpose/internal/relpose"
	"relpose/internal/storage"
)

// RunFunc executes one run. An empty mode selects the configured default.
type RunFunc func(ctx context.Context, runID string, mode relpose.Mode, progress pipeline.Reporter) (relpose.Summary, error)

// RunStore exposes persisted run records.
type RunStore interface {
	RecentRuns(limit int) ([]storage.RunRecord, error)
	Run(id string) (storage.RunRecord, error)
	RunSummary(id string) (map[string]any, error)
}

// Server exposes run records, run submission and live progress over HTTP.
// At most one run executes at a time.
type Server struct {
	addr     string
	store    RunStore
	run      RunFunc
	hub      *Hub
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	active  string
	baseCtx context.Context
	runs    sync.WaitGroup
}

// NewServer creates a server listening on addr.
func NewServer(addr string, store RunStore, run RunFunc, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:  addr,
		store: store,
		run:   run,
		hub:   NewHub(),
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx: context.Background(),
	}
}

// Hub returns the progress hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/api/runs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/api/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/api/progress", s.handleProgressStream).Methods("GET")
	r.HandleFunc("/ws/progress", s.handleWebSocket).Methods("GET")
	return r
}

// Start serves until ctx is cancelled, then shuts down and waits for the
// running run to finish.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("Server starting", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctxShutdown)
	})
	err := g.Wait()
	s.Wait()
	return err
}

// Wait blocks until the submitted run, if any, has finished.
func (s *Server) Wait() { s.runs.Wait() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Run(id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"run": rec}
	if summary, err := s.store.RunSummary(id); err == nil {
		resp["summary"] = summary
	}
	writeJSON(w, http.StatusOK, resp)
}

type submitRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	var mode relpose.Mode
	if req.Mode != "" {
		m, err := relpose.ParseMode(req.Mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mode = m
	}

	s.mu.Lock()
	if s.active != "" {
		active := s.active
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a run is already in progress", "run_id": active})
		return
	}
	id := uuid.NewString()
	s.active = id
	ctx := s.baseCtx
	s.runs.Add(1)
	s.mu.Unlock()

	go s.execute(ctx, id, mode)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (s *Server) execute(ctx context.Context, id string, mode relpose.Mode) {
	defer s.runs.Done()
	s.hub.Publish(ProgressEvent{RunID: id, Status: storage.StatusRunning})

	summary, err := s.run(ctx, id, mode, s.hub.Reporter(id))
	ev := ProgressEvent{RunID: id, Percent: 100, Status: storage.StatusCompleted}
	if err != nil {
		s.log.Error("run failed", "id", id, "error", err)
		ev.Status, ev.Error = storage.StatusFailed, err.Error()
	} else {
		s.log.Info("run finished", "id", id, "summary", summary.Map())
	}

	s.mu.Lock()
	s.active = ""
	s.mu.Unlock()
	s.hub.Publish(ev)
}

func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
