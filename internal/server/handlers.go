package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/unrolled/logger"
	"go.uber.org/zap"

	"nearest-departures/internal/pipeline"
)

// Pipeline is the read side of the controller plus the external run trigger.
type Pipeline interface {
	Snapshot() pipeline.State
	Start(ctx context.Context)
}

// RegisterHandlers mounts the snapshot API. runCtx bounds triggered runs; it
// must outlive individual requests.
func RegisterHandlers(router *mux.Router, log *zap.Logger, p Pipeline, runCtx context.Context) {
	h := handlers{
		router: router,
		logger: log,
		p:      p,
		runCtx: runCtx,
	}

	l := logger.New(logger.Options{
		Prefix: "departures",
		Out:    zap.NewStdLog(log).Writer(),
	})
	router.Use(l.Handler)

	h.registerHealth()
	h.registerState()
	h.registerRuns()
}

type handlers struct {
	router *mux.Router
	logger *zap.Logger
	p      Pipeline
	runCtx context.Context
}

func (h handlers) registerHealth() {
	h.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
}

func (h handlers) registerState() {
	h.router.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusOK, h.p.Snapshot())
	}).Methods(http.MethodGet)
}

func (h handlers) registerRuns() {
	h.router.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		h.p.Start(h.runCtx)
		h.writeJSON(w, http.StatusAccepted, h.p.Snapshot())
	}).Methods(http.MethodPost)
}

func (h handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("error writing response", zap.Error(err))
	}
}
