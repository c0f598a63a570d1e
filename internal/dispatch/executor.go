package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/BlockRunAI/ClawRouter/internal/catalog"
	"github.com/BlockRunAI/ClawRouter/internal/events"
	"github.com/BlockRunAI/ClawRouter/internal/metrics"
	"github.com/BlockRunAI/ClawRouter/internal/routing"
	"github.com/BlockRunAI/ClawRouter/internal/stats"
)

const (
	minAttemptTimeout = 10 * time.Second
	maxAttemptTimeout = 60 * time.Second

	// defaultEstimateTokens stands in for max_tokens when the client did
	// not set one; used only for pre-authorization sizing.
	defaultEstimateTokens = 1024
)

// BalanceState reports the last known wallet funding state. A nil state or
// an unknown balance never restricts the chain.
type BalanceState interface {
	Empty() bool
}

// Executor walks a candidate chain sequentially, one attempt at a time.
// Attempts never fan out in parallel, so a request can never double-charge.
type Executor struct {
	dispatcher *Dispatcher
	catalog    *catalog.Catalog
	pins       *routing.PinStore
	stats      *stats.Collector
	metrics    *metrics.Registry
	bus        *events.Bus
	balance    BalanceState
	logger     *slog.Logger
}

// NewExecutor wires the fallback loop. stats, metrics, bus, and bal may be nil.
func NewExecutor(d *Dispatcher, cat *catalog.Catalog, pins *routing.PinStore, col *stats.Collector, reg *metrics.Registry, bus *events.Bus, bal BalanceState, logger *slog.Logger) *Executor {
	return &Executor{
		dispatcher: d,
		catalog:    cat,
		pins:       pins,
		stats:      col,
		metrics:    reg,
		bus:        bus,
		balance:    bal,
		logger:     logger,
	}
}

// Execute tries each candidate in order until one succeeds, a fatal client
// error occurs, or the chain is exhausted. On success with a session id the
// winning model is pinned. Returns the final outcome plus every model id
// attempted, in order.
func (e *Executor) Execute(ctx context.Context, decision routing.Decision, body []byte, headers http.Header, stream bool, sessionID string) (*Outcome, []string) {
	chain := decision.Chain
	if e.balance != nil && e.balance.Empty() {
		chain = e.unpaidOnly(chain)
	}
	attempted := make([]string, 0, len(chain))
	maxTokens := requestMaxTokens(body)

	var last *Outcome
	for i, model := range chain {
		if ctx.Err() != nil {
			break
		}
		remaining := len(chain) - i
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout(ctx, remaining))

		start := time.Now()
		out := e.dispatcher.Dispatch(attemptCtx, body, model, headers, stream, e.preAuthMicroUSD(model, maxTokens))
		cancel()
		attempted = append(attempted, model)
		elapsed := time.Since(start)

		if out.Kind == KindSuccess {
			e.recordSuccess(decision, model, elapsed, i > 0, maxTokens)
			if sessionID != "" && ctx.Err() == nil {
				e.pins.Set(sessionID, decision.TierProfile, model)
			}
			return out, attempted
		}

		if !out.Kind.Recoverable() {
			e.recordFailure(decision, model, elapsed, out)
			return out, attempted
		}

		// Recoverable: move to the next candidate.
		last = out
		if e.stats != nil && i+1 < len(chain) {
			e.stats.RecordAttempt(model, out.Kind == KindPaymentError)
		}
		if out.Kind == KindPaymentError {
			if e.metrics != nil {
				e.metrics.PaymentFailuresTotal.WithLabelValues(model).Inc()
			}
			if e.bus != nil {
				e.bus.Publish(events.Event{Type: events.EventPaymentFailure, ModelID: model, Profile: decision.TierProfile})
			}
		}
		if i+1 < len(chain) {
			next := chain[i+1]
			e.logger.Info("falling back",
				slog.String("from", model),
				slog.String("to", next),
				slog.String("kind", out.Kind.String()),
			)
			if e.metrics != nil {
				e.metrics.FallbacksTotal.WithLabelValues(model, next).Inc()
			}
			if e.bus != nil {
				e.bus.Publish(events.Event{Type: events.EventFallback, FromModel: model, ModelID: next, Profile: decision.TierProfile})
			}
		}
	}

	if last == nil {
		// Chain never produced an attempt result (cancelled before the
		// first dispatch completed).
		last = &Outcome{
			Kind:       KindTransportError,
			StatusCode: http.StatusGatewayTimeout,
			Body:       errorBody("request cancelled before any model responded", "transport_error"),
			Err:        ctx.Err(),
		}
	}
	e.recordFailure(decision, last.Model, 0, last)
	return last, attempted
}

// unpaidOnly strips candidates that require payment. With an exhausted
// wallet only free models can settle, so the chain collapses to its free
// tail, at minimum the emergency model. Models unknown to the catalog are
// kept: they carry no payment requirement the router can see.
func (e *Executor) unpaidOnly(chain []string) []string {
	out := make([]string, 0, len(chain))
	for _, id := range chain {
		if m, ok := e.catalog.Get(id); ok && m.RequiresPayment {
			continue
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		em := e.catalog.EmergencyFree()
		if em.ID == "" {
			return chain
		}
		out = append(out, em.ID)
	}
	if len(out) < len(chain) {
		e.logger.Info("wallet empty, skipping paid candidates",
			slog.Int("skipped", len(chain)-len(out)),
			slog.String("first", out[0]),
		)
	}
	return out
}

// attemptTimeout divides the remaining request budget evenly across the
// models not yet tried, clamped to [10s, 60s]. With no deadline the cap
// alone applies.
func attemptTimeout(ctx context.Context, remainingAttempts int) time.Duration {
	timeout := maxAttemptTimeout
	if deadline, ok := ctx.Deadline(); ok && remainingAttempts > 0 {
		share := time.Until(deadline) / time.Duration(remainingAttempts)
		if share < timeout {
			timeout = share
		}
	}
	if timeout < minAttemptTimeout {
		timeout = minAttemptTimeout
	}
	return timeout
}

// preAuthMicroUSD estimates the attempt's cost in micro-USD from catalog
// pricing. Models unknown to the catalog authorize zero and rely on the
// backend's minimum charge.
func (e *Executor) preAuthMicroUSD(model string, maxTokens int) int64 {
	m, ok := e.catalog.Get(model)
	if !ok || !m.RequiresPayment {
		return 0
	}
	if maxTokens <= 0 {
		maxTokens = defaultEstimateTokens
	}
	// price per MTok USD × tokens = micro-USD.
	return int64(m.PricePerMTok * float64(maxTokens))
}

func (e *Executor) recordSuccess(decision routing.Decision, model string, elapsed time.Duration, fellBack bool, maxTokens int) {
	if maxTokens <= 0 {
		maxTokens = defaultEstimateTokens
	}
	costUSD := 0.0
	if m, ok := e.catalog.Get(model); ok {
		costUSD = m.PricePerMTok * float64(maxTokens) / 1e6
	}
	if e.stats != nil {
		e.stats.Record(stats.Snapshot{
			ModelID:   model,
			Profile:   decision.TierProfile,
			LatencyMs: float64(elapsed.Milliseconds()),
			CostUSD:   costUSD,
			SavedUSD:  decision.Savings * costUSD,
			Success:   true,
			Fallback:  fellBack,
		})
	}
	if e.metrics != nil {
		e.metrics.RequestsTotal.WithLabelValues(decision.TierProfile, model, "success").Inc()
		e.metrics.RequestLatency.WithLabelValues(decision.TierProfile, model).Observe(float64(elapsed.Milliseconds()))
		e.metrics.EstimatedCostUSD.WithLabelValues(model).Add(costUSD)
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:      events.EventRouteSuccess,
			ModelID:   model,
			Profile:   decision.TierProfile,
			LatencyMs: float64(elapsed.Milliseconds()),
			CostUSD:   costUSD,
		})
	}
}

func (e *Executor) recordFailure(decision routing.Decision, model string, elapsed time.Duration, out *Outcome) {
	if model == "" {
		model = decision.Primary
	}
	if e.stats != nil {
		e.stats.Record(stats.Snapshot{
			ModelID:        model,
			Profile:        decision.TierProfile,
			LatencyMs:      float64(elapsed.Milliseconds()),
			Success:        false,
			PaymentFailure: out.Kind == KindPaymentError,
		})
	}
	if e.metrics != nil {
		e.metrics.RequestsTotal.WithLabelValues(decision.TierProfile, model, out.Kind.String()).Inc()
	}
	if e.bus != nil {
		msg := ""
		if out.Err != nil {
			msg = out.Err.Error()
		}
		e.bus.Publish(events.Event{
			Type:       events.EventRouteError,
			ModelID:    model,
			Profile:    decision.TierProfile,
			ErrorClass: out.Kind.String(),
			ErrorMsg:   msg,
		})
	}
}

// requestMaxTokens extracts max_tokens from the raw body for cost sizing.
func requestMaxTokens(body []byte) int {
	var probe struct {
		MaxTokens int `json:"max_tokens"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.MaxTokens
}
