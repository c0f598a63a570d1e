package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BlockRunAI/ClawRouter/internal/balance"
	"github.com/BlockRunAI/ClawRouter/internal/catalog"
	"github.com/BlockRunAI/ClawRouter/internal/dedup"
	"github.com/BlockRunAI/ClawRouter/internal/dispatch"
	"github.com/BlockRunAI/ClawRouter/internal/events"
	"github.com/BlockRunAI/ClawRouter/internal/metrics"
	"github.com/BlockRunAI/ClawRouter/internal/routing"
	"github.com/BlockRunAI/ClawRouter/internal/stats"
)

// Dependencies carries everything the handlers need. Balance, Metrics, and
// EventBus may be nil (clawcredit mode runs without a balance monitor).
type Dependencies struct {
	Catalog  *catalog.Catalog
	Router   *routing.Router
	Dedup    *dedup.Cache
	Executor *dispatch.Executor
	Balance  *balance.Monitor
	Stats    *stats.Collector
	Metrics  *metrics.Registry
	EventBus *events.Bus
	Logger   *slog.Logger

	PaymentMode   string
	WalletAddress string
}

// MountRoutes attaches all ClawRouter endpoints to the chi router.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Post("/v1/chat/completions", ChatCompletionsHandler(d))
	r.Get("/v1/models", ModelsHandler(d))
	r.Get("/health", HealthHandler(d))
	r.Get("/stats", StatsHandler(d))

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
	if d.EventBus != nil {
		r.Get("/events", SSEHandler(d.EventBus))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Not found"})
	})
}
