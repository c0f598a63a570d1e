package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BlockRunAI/ClawRouter/internal/classify"
	"github.com/BlockRunAI/ClawRouter/internal/dedup"
	"github.com/BlockRunAI/ClawRouter/internal/dispatch"
	"github.com/BlockRunAI/ClawRouter/internal/routing"
)

const (
	// requestTimeout bounds one chat completion end to end, including every
	// fallback attempt.
	requestTimeout = 120 * time.Second

	// maxBodyBytes caps the client request body.
	maxBodyBytes = 10 << 20
)

// openaiError is the OpenAI-compatible error envelope:
//
//	{"error": {"message": "...", "type": "..."}}
type openaiError struct {
	Error openaiErrorDetail `json:"error"`
}

type openaiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeOpenAIError(w http.ResponseWriter, msg, errType string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(openaiError{
		Error: openaiErrorDetail{Message: msg, Type: errType},
	})
}

// ChatCompletionsHandler runs the full pipeline for one request: classify,
// plan the candidate chain, dedup, then walk the chain until a model answers.
func ChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeOpenAIError(w, "failed to read request body", "invalid_request_error", http.StatusBadRequest)
			return
		}

		var req routing.ChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeOpenAIError(w, "invalid JSON: "+err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 {
			writeOpenAIError(w, "messages is required", "invalid_request_error", http.StatusBadRequest)
			return
		}

		sessionID := r.Header.Get("X-Session-Id")
		tags := classify.Classify(req)
		balanceEmpty := d.Balance != nil && d.Balance.Empty()
		decision := d.Router.Plan(req, tags, sessionID, balanceEmpty)

		d.Logger.Debug("routing decision",
			slog.String("profile", decision.TierProfile),
			slog.String("primary", decision.Primary),
			slog.Int("chain_len", len(decision.Chain)),
			slog.String("reasoning", decision.Reasoning),
		)

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		// Streaming bypasses dedup entirely and forwards SSE bytes as-is.
		if req.Stream {
			out, _ := d.Executor.Execute(ctx, decision, body, r.Header, true, sessionID)
			if out.Kind == dispatch.KindSuccess && out.Stream != nil {
				streamResponse(w, out, d)
				return
			}
			writeOutcome(w, outcomeResponse(out))
			return
		}

		fp := dedup.Fingerprint(req)
		resp, cached, err := d.Dedup.Do(ctx, fp, func() (*dedup.Response, error) {
			out, _ := d.Executor.Execute(ctx, decision, body, r.Header, false, sessionID)
			return outcomeResponse(out), nil
		})
		if err != nil {
			writeOpenAIError(w, err.Error(), "server_error", http.StatusBadGateway)
			return
		}
		if cached && d.Metrics != nil {
			d.Metrics.DedupHitsTotal.WithLabelValues("hit").Inc()
		}
		if resp.Model != "" {
			w.Header().Set("X-Clawrouter-Model", resp.Model)
		}
		writeOutcome(w, resp)
	}
}

// outcomeResponse shapes the executor's final outcome into the client-facing
// response. Success and fatal client errors pass through verbatim; an
// exhausted chain is reported as a provider_error envelope carrying the last
// upstream message, with the last upstream status.
func outcomeResponse(out *dispatch.Outcome) *dedup.Response {
	switch out.Kind {
	case dispatch.KindSuccess, dispatch.KindClientError:
		return &dedup.Response{StatusCode: out.StatusCode, Body: out.Body, Model: out.Model}
	}

	status := out.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	body, _ := json.Marshal(openaiError{
		Error: openaiErrorDetail{
			Message: upstreamMessage(out),
			Type:    "provider_error",
		},
	})
	return &dedup.Response{StatusCode: status, Body: body, Model: out.Model}
}

// upstreamMessage extracts a human-readable message from the last upstream
// response, falling back to the raw body or transport error.
func upstreamMessage(out *dispatch.Outcome) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(out.Body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	if len(out.Body) > 0 {
		return string(out.Body)
	}
	if out.Err != nil {
		return out.Err.Error()
	}
	return "all candidate models failed"
}

func writeOutcome(w http.ResponseWriter, resp *dedup.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// streamResponse copies upstream SSE bytes to the client, flushing as they
// arrive.
func streamResponse(w http.ResponseWriter, out *dispatch.Outcome, d Dependencies) {
	defer func() { _ = out.Stream.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Clawrouter-Model", out.Model)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := out.Stream.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				d.Logger.Warn("stream write error", slog.String("error", writeErr.Error()))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				d.Logger.Warn("stream read error",
					slog.String("model", out.Model),
					slog.String("error", readErr.Error()),
				)
			}
			return
		}
	}
}

// ModelsHandler returns the catalog plus the routing aliases in the
// OpenAI-compatible list format.
func ModelsHandler(d Dependencies) http.HandlerFunc {
	type modelObj struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		var data []modelObj
		for _, alias := range []string{"auto", "eco", "premium", "free"} {
			data = append(data, modelObj{ID: alias, Object: "model", OwnedBy: "clawrouter"})
		}
		for _, m := range d.Catalog.List() {
			data = append(data, modelObj{ID: m.ID, Object: "model", OwnedBy: "blockrun"})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
		})
	}
}

// HealthHandler reports liveness plus the wallet address; ?full=true adds
// the latest balance snapshot when the monitor has one.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"status": "ok",
			"mode":   d.PaymentMode,
		}
		if d.WalletAddress != "" {
			out["wallet"] = d.WalletAddress
		}
		if r.URL.Query().Get("full") == "true" {
			if d.Balance == nil {
				out["balanceError"] = "balance monitor disabled"
			} else if snap := d.Balance.Snapshot(); snap != nil {
				out["balance"] = snap
			} else {
				out["balanceError"] = "balance not yet sampled"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

// StatsHandler exposes lifetime per-model counters plus rolling windows.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models":  d.Stats.PerModel(),
			"windows": d.Stats.Summary(),
		})
	}
}
