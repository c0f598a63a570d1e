package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	sdkName    = "clawrouter"
	sdkVersion = "1.0.0"

	// clawCreditTimeout bounds a single pay call; the custodial service does
	// settlement plus the upstream call in one round trip.
	clawCreditTimeout = 60 * time.Second
)

// minChargeUSD is the smallest amount the custodial service accepts.
var minChargeUSD = decimal.RequireFromString("0.01")

// ClawCreditBackend routes upstream calls through the claw.credit custodial
// pay endpoint instead of calling the inference API directly.
type ClawCreditBackend struct {
	baseURL  string
	apiToken string
	chain    string
	asset    string
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

// NewClawCreditBackend builds the custodial backend. chain is upper-cased;
// asset is passed through opaquely (contract address or symbol).
func NewClawCreditBackend(baseURL, apiToken, chain, asset string, logger *slog.Logger) *ClawCreditBackend {
	return &ClawCreditBackend{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		chain:    strings.ToUpper(chain),
		asset:    asset,
		client:   newHTTPClient(),
		logger:   logger,
		now:      time.Now,
	}
}

type ccTransaction struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Chain     string          `json:"chain"`
	Asset     string          `json:"asset"`
}

type ccHTTPRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

type ccRequestBody struct {
	HTTP ccHTTPRequest   `json:"http"`
	Body json.RawMessage `json:"body"`
}

type ccAuditContext struct {
	CurrentTask      string `json:"current_task"`
	ReasoningProcess string `json:"reasoning_process"`
	Timestamp        string `json:"timestamp"`
}

type ccSDKMeta struct {
	SDKName    string `json:"sdk_name"`
	SDKVersion string `json:"sdk_version"`
}

type ccEnvelope struct {
	Transaction  ccTransaction  `json:"transaction"`
	RequestBody  ccRequestBody  `json:"request_body"`
	AuditContext ccAuditContext `json:"audit_context"`
	SDKMeta      ccSDKMeta      `json:"sdk_meta"`
}

type ccResponse struct {
	MerchantResponse json.RawMessage `json:"merchant_response"`
}

// AmountUSD converts a micro-USD pre-authorization into the USD figure the
// pay endpoint expects: divide by 1e6, round to 6 decimal places, and floor
// at the minimum chargeable amount.
func AmountUSD(microUSD int64) decimal.Decimal {
	amount := decimal.NewFromInt(microUSD).Div(decimal.NewFromInt(1_000_000)).Round(6)
	if amount.LessThan(minChargeUSD) {
		return minChargeUSD
	}
	return amount
}

// Invoke wraps the upstream call in a pay envelope and POSTs it to
// {base_url}/v1/transaction/pay. A 2xx wrapper yields a 200 result carrying
// the extracted merchant_response; a non-2xx is propagated with its status
// and body. Streaming is not supported custodially, so stream requests are
// answered with a buffered body the caller can replay as a reader.
func (b *ClawCreditBackend) Invoke(ctx context.Context, req *UpstreamRequest, preAuthMicroUSD int64) (*Result, error) {
	ctx, span := otel.Tracer("clawrouter.payment").Start(ctx, "clawcredit.pay",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("recipient", req.URL)),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, clawCreditTimeout)
	defer cancel()

	envelope := ccEnvelope{
		Transaction: ccTransaction{
			Recipient: req.URL,
			Amount:    AmountUSD(preAuthMicroUSD),
			Chain:     b.chain,
			Asset:     b.asset,
		},
		RequestBody: ccRequestBody{
			HTTP: ccHTTPRequest{
				URL:     req.URL,
				Method:  http.MethodPost,
				Headers: embedHeaders(req.Headers),
			},
			Body: req.Body,
		},
		AuditContext: ccAuditContext{
			CurrentTask:      "chat completion",
			ReasoningProcess: "routed inference request",
			Timestamp:        b.now().UTC().Format(time.RFC3339),
		},
		SDKMeta: ccSDKMeta{SDKName: sdkName, SDKVersion: sdkVersion},
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal envelope failed")
		return nil, fmt.Errorf("marshal pay envelope: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/transaction/pay", bytes.NewReader(payload))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		return nil, fmt.Errorf("create pay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiToken)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pay request failed")
		return nil, fmt.Errorf("pay request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, fmt.Errorf("read pay response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return &Result{
			StatusCode:     resp.StatusCode,
			Body:           body,
			PaymentFailure: IsPaymentFailure(resp.StatusCode, body),
		}, nil
	}

	var wrapper ccResponse
	if err := json.Unmarshal(body, &wrapper); err != nil || len(wrapper.MerchantResponse) == 0 {
		span.SetStatus(codes.Error, "missing merchant_response")
		b.logger.Warn("pay response missing merchant_response", slog.Int("status", resp.StatusCode))
		return &Result{StatusCode: http.StatusBadGateway, Body: body}, nil
	}

	span.SetStatus(codes.Ok, "")
	res := &Result{StatusCode: http.StatusOK, Body: wrapper.MerchantResponse}
	if req.Stream {
		res.Stream = io.NopCloser(bytes.NewReader(wrapper.MerchantResponse))
		res.Body = nil
	}
	return res, nil
}

// embedHeaders flattens caller headers for the envelope, stripping the
// fields the custodial service recomputes.
func embedHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		switch http.CanonicalHeaderKey(k) {
		case "Host", "Content-Length", "Connection", "Authorization", "X-Payment":
			continue
		}
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	out["Content-Type"] = "application/json"
	return out
}
