package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"single-thread-dispatcher/internal/infra/etcd"
	"single-thread-dispatcher/internal/metrics"
)

// WorkerLister reports the dispatcher threads known across the cluster.
type WorkerLister interface {
	Workers() []etcd.WorkerInfo
}

// WorkersHandler serves GET /workers.
type WorkersHandler struct {
	lister WorkerLister
	logger *slog.Logger
}

func NewWorkersHandler(lister WorkerLister, logger *slog.Logger) *WorkersHandler {
	return &WorkersHandler{lister: lister, logger: logger.With("component", "workers-handler")}
}

func (h *WorkersHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/workers", func(w http.ResponseWriter, r *http.Request) {
		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		if r.Method != http.MethodGet {
			http.Error(iw, "Method not allowed", http.StatusMethodNotAllowed)
		} else {
			writeJSON(iw, http.StatusOK, h.lister.Workers())
		}
		metrics.HttpRequestsTotal.WithLabelValues("/workers", r.Method, strconv.Itoa(iw.statusCode)).Inc()
	})
}
