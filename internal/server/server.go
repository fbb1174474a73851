package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"thermalsharp/internal/pipeline"
	"thermalsharp/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const defaultRunLimit = 100

// Pipeline is the part of the job pipeline the HTTP API drives.
type Pipeline interface {
	Submit(job pipeline.Job) error
	Cancel(id string) bool
	Subscribe() (<-chan pipeline.Result, func())
	SubscribeProgress() (<-chan pipeline.Progress, func())
}

// Server exposes the run ledger and the job pipeline over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline Pipeline
	log      *slog.Logger
	hub      *hub
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a server listening on addr once started.
func NewServer(addr string, store *storage.Store, pipe Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		log:      log,
		hub:      newHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.startBackground(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// startBackground runs the websocket hub and feeds it window progress.
func (s *Server) startBackground(ctx context.Context) {
	go s.hub.run(ctx)
	progress, unsubscribe := s.pipeline.SubscribeProgress()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-progress:
				if !ok {
					return
				}
				payload, err := json.Marshal(newProgressEvent(ev))
				if err != nil {
					continue
				}
				s.hub.publish(payload)
			}
		}
	}()
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs", s.handleSubmitRun).Methods(http.MethodPost)
	r.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}", s.handleCancelRun).Methods(http.MethodDelete)
	r.HandleFunc("/runs/{id}/windows", s.handleRunWindows).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleResultStream).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	return r
}

// Serve runs a server on addr until ctx is canceled.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe Pipeline, log *slog.Logger) error {
	return NewServer(addr, store, pipe, log).Start(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
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

// runRequest is the body of POST /runs.
type runRequest struct {
	Scene   string         `json:"scene"`
	Output  string         `json:"output,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Scene == "" {
		http.Error(w, "scene is required", http.StatusBadRequest)
		return
	}
	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      pipeline.JobSharpen,
		InputPath: req.Scene,
		Output:    req.Output,
		Options:   req.Options,
	}
	if err := s.pipeline.Submit(job); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) || errors.Is(err, pipeline.ErrStopped) {
			code = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), code)
		return
	}
	s.log.Info("run submitted", "id", job.ID, "scene", job.InputPath)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": storage.StatusQueued})
}

// runDetail is the body of GET /runs/{id}.
type runDetail struct {
	storage.RunRecord
	Meta    map[string]any `json:"meta,omitempty"`
	Windows map[string]int `json:"windows"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Run(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	detail := runDetail{RunRecord: rec}
	if meta, err := s.store.RunMeta(id); err == nil {
		detail.Meta = meta
	} else if !errors.Is(err, sql.ErrNoRows) {
		s.log.Warn("failed to read run meta", "id", id, "error", err)
	}
	if detail.Windows, err = s.store.WindowCounts(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.pipeline.Cancel(id) {
		http.Error(w, "run is not queued or running", http.StatusNotFound)
		return
	}
	s.log.Info("run cancel requested", "id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "canceling"})
}

func (s *Server) handleRunWindows(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RunWindows(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.WindowRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// resultEvent is one job result as sent on /stream.
type resultEvent struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Input  string         `json:"input"`
	Output string         `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func newResultEvent(res pipeline.Result) resultEvent {
	ev := resultEvent{
		ID:     res.Job.ID,
		Type:   string(res.Job.Type),
		Input:  res.Job.InputPath,
		Output: res.Job.Output,
		Meta:   res.Meta,
	}
	if res.Error != nil {
		ev.Error = res.Error.Error()
	}
	return ev
}

func (s *Server) handleResultStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(newResultEvent(res))
			if err != nil {
				s.log.Warn("failed to encode result", "id", res.Job.ID, "error", err)
				continue
			}
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	if !s.hub.add(conn) {
		conn.Close()
		return
	}
	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
