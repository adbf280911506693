// Package server runs the ops HTTP listener: probes, metrics and job status.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/qna-reconciler/internal/batch"
	"github.com/mohammed-shakir/qna-reconciler/internal/health"
	"github.com/mohammed-shakir/qna-reconciler/internal/middleware"
	"github.com/mohammed-shakir/qna-reconciler/internal/scheduler"
)

const defaultRunLimit = 20

// TriggerReporter reports the scheduler's per-trigger state.
type TriggerReporter interface {
	Status() []scheduler.TriggerStatus
}

type Options struct {
	Addr         string
	Logger       *slog.Logger
	Metrics      http.Handler
	Ready        map[string]health.Pinger
	ReadyTimeout time.Duration
	History      *batch.History
	Triggers     TriggerReporter
}

type jobsResp struct {
	Triggers []scheduler.TriggerStatus `json:"triggers"`
	Runs     []batch.JobRun            `json:"runs"`
}

func NewRouter(o Options) http.Handler {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 2 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.Recover(o.Logger))
	r.Use(middleware.Logging(o.Logger))

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(o.ReadyTimeout, o.Ready))
	if o.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", o.Metrics)
	}
	r.Get("/jobs", listJobs(o))
	r.Get("/jobs/runs/{id}", getRun(o))
	return r
}

func listJobs(o Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultRunLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		out := jobsResp{Triggers: []scheduler.TriggerStatus{}, Runs: []batch.JobRun{}}
		if o.Triggers != nil {
			out.Triggers = o.Triggers.Status()
		}
		if o.History != nil {
			out.Runs = o.History.Recent(limit)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func getRun(o Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if o.History == nil {
			http.NotFound(w, r)
			return
		}
		run, ok := o.History.Get(chi.URLParam(r, "id"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves until ctx ends, then shuts down gracefully.
func Run(ctx context.Context, o Options) error {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              o.Addr,
		Handler:           NewRouter(o),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		o.Logger.Info("ops http listen", "addr", o.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
