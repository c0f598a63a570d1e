package payment

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BlockRunAI/ClawRouter/internal/wallet"
)

// x402Version is the payment protocol version carried in every header.
const x402Version = 1

// paymentValidity bounds how long a signed payment header stays usable.
const paymentValidity = 60 * time.Second

// x402Payload is the signed portion of the X-Payment header. Amounts are in
// the asset's atomic units; for USDC (6 decimals) that is micro-USD.
type x402Payload struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	From        string `json:"from"`
	ChainID     int64  `json:"chainId"`
	Asset       string `json:"asset"`
	MaxAmount   string `json:"maxAmount"`
	ValidUntil  int64  `json:"validUntil"`
	Nonce       string `json:"nonce"`
}

type x402Header struct {
	Payload   x402Payload `json:"payload"`
	Signature string      `json:"signature"`
}

// WalletBackend signs x402 payment headers with a local key and calls the
// inference endpoint directly.
type WalletBackend struct {
	wallet *wallet.Wallet
	client *http.Client
	chain  int64
	asset  string
	logger *slog.Logger
}

// NewWalletBackend builds the x402 backend. chainID and asset identify the
// settlement network and token contract.
func NewWalletBackend(w *wallet.Wallet, chainID int64, asset string, logger *slog.Logger) *WalletBackend {
	return &WalletBackend{
		wallet: w,
		client: newHTTPClient(),
		chain:  chainID,
		asset:  asset,
		logger: logger,
	}
}

// Invoke signs a payment header for preAuthMicroUSD and executes the call.
// The result carries PaymentFailure when the response is a direct 402 or a
// wrapped x402 failure inside any other status.
func (b *WalletBackend) Invoke(ctx context.Context, req *UpstreamRequest, preAuthMicroUSD int64) (*Result, error) {
	ctx, span := otel.Tracer("clawrouter.payment").Start(ctx, "x402.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", req.URL)),
	)
	defer span.End()

	header, err := b.signPayment(preAuthMicroUSD)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sign payment failed")
		return nil, fmt.Errorf("sign payment: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Payment", header)
	forwardHeaders(httpReq, req.Headers)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if req.Stream && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		span.SetStatus(codes.Ok, "")
		return &Result{StatusCode: resp.StatusCode, Stream: resp.Body}, nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	res := &Result{
		StatusCode:     resp.StatusCode,
		Body:           body,
		PaymentFailure: IsPaymentFailure(resp.StatusCode, body),
	}
	if res.PaymentFailure {
		span.SetStatus(codes.Error, "payment failure")
		b.logger.Warn("x402 payment failure",
			slog.Int("status", resp.StatusCode),
			slog.String("from", b.wallet.Address().Hex()),
		)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return res, nil
}

// signPayment builds and signs the X-Payment header value: base64 over the
// JSON {payload, signature}, where signature covers the keccak256 digest of
// the payload JSON.
func (b *WalletBackend) signPayment(preAuthMicroUSD int64) (string, error) {
	if preAuthMicroUSD < 0 {
		preAuthMicroUSD = 0
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	payload := x402Payload{
		X402Version: x402Version,
		Scheme:      "exact",
		From:        b.wallet.Address().Hex(),
		ChainID:     b.chain,
		Asset:       b.asset,
		MaxAmount:   strconv.FormatInt(preAuthMicroUSD, 10),
		ValidUntil:  time.Now().Add(paymentValidity).Unix(),
		Nonce:       hexutil.Encode(nonce),
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	sig, err := b.wallet.SignHash(crypto.Keccak256(payloadJSON))
	if err != nil {
		return "", err
	}

	headerJSON, err := json.Marshal(x402Header{
		Payload:   payload,
		Signature: hexutil.Encode(sig),
	})
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(headerJSON), nil
}
