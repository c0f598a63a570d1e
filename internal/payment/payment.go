// Package payment attaches payment credentials to upstream inference calls.
// Two backends exist: the x402 wallet backend signs a per-request payment
// header with a local key, and the claw.credit backend delegates the whole
// call to a custodial pay endpoint. Both are selected once at startup.
package payment

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Marker that identifies a payment failure wrapped inside a provider-error
// envelope. Its presence in a response body means payment failed regardless
// of the HTTP status code.
const paymentFailureMarker = "x402_payment_failed"

// UpstreamRequest is one upstream attempt as prepared by the dispatcher.
// Body already carries the candidate model id.
type UpstreamRequest struct {
	URL     string
	Body    []byte
	Headers http.Header
	Stream  bool
}

// Result is the upstream outcome as seen through a payment backend. For
// streaming requests that succeed, Stream is non-nil and Body is empty; the
// caller owns closing it. Errors are reserved for transport failures.
type Result struct {
	StatusCode     int
	Body           []byte
	Stream         io.ReadCloser
	PaymentFailure bool
}

// Backend attaches payment credentials and executes one upstream call.
// preAuthMicroUSD is the estimated cost in micro-USD the backend should
// authorize before dispatch.
type Backend interface {
	Invoke(ctx context.Context, req *UpstreamRequest, preAuthMicroUSD int64) (*Result, error)
}

// IsPaymentFailure reports whether an upstream response signals a payment
// failure: a direct 402, or any status whose body contains the wrapped
// x402 marker.
func IsPaymentFailure(status int, body []byte) bool {
	if status == http.StatusPaymentRequired {
		return true
	}
	return bytes.Contains(body, []byte(paymentFailureMarker))
}

// newHTTPClient builds the shared upstream client. Timeouts are enforced per
// attempt through the request context, so the client itself only bounds the
// TLS handshake and connection setup.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// forwardHeaders copies caller headers onto an outgoing request, skipping
// hop-by-hop and auto-computed fields plus the headers the payment backend
// sets itself (Content-Type, X-Payment).
func forwardHeaders(dst *http.Request, src http.Header) {
	for k, vs := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Host", "Content-Length", "Connection", "Authorization", "Content-Type", "X-Payment":
			continue
		}
		for _, v := range vs {
			dst.Header.Add(k, v)
		}
	}
}
