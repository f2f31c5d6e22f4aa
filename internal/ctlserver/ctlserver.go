// Package ctlserver is the daemon's read-only operational surface (spec
// SPEC_FULL.md §"ctlserver": the UI/dashboard push layer itself is out of
// scope, but something must expose the orchestrator's snapshot stream and
// recent events to an operator). Grounded on
// internal/server/server.go's "thin adapter wrapping a manager" shape,
// with the ConnectRPC/protobuf layer replaced by plain net/http + JSON
// (see DESIGN.md's dropped-dependency entry for connectrpc.com/connect).
package ctlserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/musepi/drivemonitord/internal/analyzer"
)

// PipelineSource is the subset of *pipeline.Pipeline this server reads
// from.
type PipelineSource interface {
	Snapshot() analyzer.Snapshot
	Subscribe(buffer int) chan analyzer.Snapshot
	Unsubscribe(ch chan analyzer.Snapshot)
}

// Config configures the HTTP listener.
type Config struct {
	ListenAddr string
}

// Server is the thin read-only adapter over a Pipeline.
type Server struct {
	cfg      Config
	pipeline PipelineSource
	log      *slog.Logger
	http     *http.Server
}

// New builds a Server. reg is the Prometheus registry /metrics serves;
// pass the same registry the daemon's metrics.Collector was built with.
func New(cfg Config, pipelineSrc PipelineSource, reg prometheus.Gatherer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{cfg: cfg, pipeline: pipelineSrc, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /watch", s.handleWatch)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the underlying http.Handler, for tests that want to
// drive it with httptest without binding a real port.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks serving HTTP until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// snapshotView is the wire shape for an analyzer.Snapshot: Level is
// rendered as its String() form rather than the bare int the analyzer
// uses internally, since operators reading /status or /watch shouldn't
// need to know the enum's ordering.
type snapshotView struct {
	Score      float64              `json:"score"`
	Level      string               `json:"level"`
	Detections []analyzer.Detection `json:"detections"`
	Events     []analyzer.Event     `json:"events,omitempty"`
	EventCount int                  `json:"eventCount"`
}

func newSnapshotView(snap analyzer.Snapshot) snapshotView {
	return snapshotView{
		Score:      snap.Score,
		Level:      snap.Level.String(),
		Detections: snap.Detections,
		EventCount: len(snap.Events),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSnapshotView(s.pipeline.Snapshot()))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	snap := s.pipeline.Snapshot()
	events := snap.Events

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		if limit < len(events) {
			events = events[len(events)-limit:]
		}
	}

	writeJSON(w, http.StatusOK, events)
}

// handleWatch streams newline-delimited JSON snapshots over a chunked
// response until the client disconnects (spec: "GET /watch (newline-
// delimited JSON snapshot stream, chunked transfer)").
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.pipeline.Subscribe(8)
	defer s.pipeline.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-sub:
			if !ok {
				return
			}
			view := newSnapshotView(snap)
			view.Events = snap.Events
			if err := enc.Encode(view); err != nil {
				s.log.Warn("ctlserver: watch stream encode failed, closing", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
