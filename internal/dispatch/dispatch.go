// Package dispatch executes upstream attempts: a Dispatcher performs one
// candidate call through the payment backend and classifies the outcome, and
// an Executor walks a candidate chain until success or exhaustion.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/BlockRunAI/ClawRouter/internal/payment"
)

// Kind classifies an upstream attempt result.
type Kind int

const (
	KindSuccess Kind = iota
	KindPaymentError
	KindProviderError
	KindClientError
	KindTransportError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindPaymentError:
		return "payment_failed"
	case KindProviderError:
		return "provider_error"
	case KindClientError:
		return "client_error"
	case KindTransportError:
		return "transport_error"
	}
	return "unknown"
}

// Recoverable reports whether the fallback loop may continue past this kind.
func (k Kind) Recoverable() bool {
	return k == KindPaymentError || k == KindProviderError || k == KindTransportError
}

// Outcome is the classified result of one upstream attempt.
type Outcome struct {
	Kind       Kind
	StatusCode int
	Body       []byte
	Stream     io.ReadCloser
	Model      string
	Err        error
}

// Dispatcher performs a single attempt against the upstream endpoint.
type Dispatcher struct {
	backend  payment.Backend
	endpoint string
	logger   *slog.Logger
}

// NewDispatcher builds a dispatcher calling endpoint (the full chat
// completions URL) through the given payment backend.
func NewDispatcher(backend payment.Backend, endpoint string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{backend: backend, endpoint: endpoint, logger: logger}
}

// Endpoint returns the upstream URL attempts are sent to.
func (d *Dispatcher) Endpoint() string { return d.endpoint }

// Dispatch rewrites the body to carry model, invokes the payment backend,
// and classifies the response. Only the model field of the client body is
// mutated; everything else is forwarded verbatim.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte, model string, headers http.Header, stream bool, preAuthMicroUSD int64) *Outcome {
	rewritten, err := rewriteModel(body, model)
	if err != nil {
		return &Outcome{Kind: KindClientError, StatusCode: http.StatusBadRequest, Model: model, Err: err,
			Body: errorBody("invalid request body", "client_error")}
	}

	res, err := d.backend.Invoke(ctx, &payment.UpstreamRequest{
		URL:     d.endpoint,
		Body:    rewritten,
		Headers: headers,
		Stream:  stream,
	}, preAuthMicroUSD)
	if err != nil {
		d.logger.Warn("upstream attempt failed",
			slog.String("model", model),
			slog.String("error", err.Error()),
		)
		return &Outcome{Kind: KindTransportError, Model: model, Err: err}
	}

	out := &Outcome{
		Kind:       classify(res),
		StatusCode: res.StatusCode,
		Body:       res.Body,
		Stream:     res.Stream,
		Model:      model,
	}
	if out.Kind != KindSuccess {
		d.logger.Info("upstream attempt rejected",
			slog.String("model", model),
			slog.Int("status", res.StatusCode),
			slog.String("kind", out.Kind.String()),
		)
	}
	return out
}

// classify maps a backend result to an outcome kind. Payment failures win
// over status-based classification so a wrapped 400 falls back like a 402.
func classify(res *payment.Result) Kind {
	switch {
	case res.PaymentFailure:
		return KindPaymentError
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return KindSuccess
	case res.StatusCode >= 500:
		return KindProviderError
	case isProviderErrorBody(res.Body):
		return KindProviderError
	default:
		return KindClientError
	}
}

// providerErrorMarkers are billing/credit phrases that make a 4xx
// recoverable; the request itself was fine, the provider side was not.
var providerErrorMarkers = [][]byte{
	[]byte(`"provider_error"`),
	[]byte("insufficient"),
	[]byte("billing"),
	[]byte("credit"),
	[]byte("quota"),
	[]byte("capacity"),
}

func isProviderErrorBody(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, m := range providerErrorMarkers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}

// rewriteModel replaces the model field of a JSON object body, leaving all
// other fields byte-for-byte intact.
func rewriteModel(body []byte, model string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("parse request body: %w", err)
	}
	id, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	fields["model"] = id
	return json.Marshal(fields)
}

func errorBody(message, errType string) []byte {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]string{"message": message, "type": errType},
	})
	return b
}
