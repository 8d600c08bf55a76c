package interfaces

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// AdminHandler lets an operator force a trending batch outside the schedule.
type AdminHandler struct {
	scheduler *Scheduler
	metrics   http.Handler
}

func NewAdminHandler(scheduler *Scheduler, metricsHandler http.Handler) *AdminHandler {
	return &AdminHandler{scheduler: scheduler, metrics: metricsHandler}
}

func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	mux.HandleFunc("POST /trending/recompute", h.handleRecompute)
}

func (h *AdminHandler) handleRecompute(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	report, ran := h.scheduler.Tick(ctx)
	if !ran {
		http.Error(w, "trending batch not run: another batch holds the lock", http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
