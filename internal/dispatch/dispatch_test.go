package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/BlockRunAI/ClawRouter/internal/catalog"
	"github.com/BlockRunAI/ClawRouter/internal/payment"
	"github.com/BlockRunAI/ClawRouter/internal/routing"
	"github.com/BlockRunAI/ClawRouter/internal/stats"
)

// scriptedBackend returns canned results keyed by the model id found in the
// rewritten request body.
type scriptedBackend struct {
	results map[string]*payment.Result
	errs    map[string]error
	calls   []string
	preAuth []int64
}

func (b *scriptedBackend) Invoke(ctx context.Context, req *payment.UpstreamRequest, preAuthMicroUSD int64) (*payment.Result, error) {
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(req.Body, &probe); err != nil {
		return nil, err
	}
	b.calls = append(b.calls, probe.Model)
	b.preAuth = append(b.preAuth, preAuthMicroUSD)
	if err, ok := b.errs[probe.Model]; ok {
		return nil, err
	}
	if res, ok := b.results[probe.Model]; ok {
		return res, nil
	}
	return &payment.Result{StatusCode: 200, Body: []byte(`{"choices":[]}`)}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBalance is a fixed wallet funding state.
type fakeBalance struct{ empty bool }

func (f fakeBalance) Empty() bool { return f.empty }

func newExecutor(backend payment.Backend) (*Executor, *routing.PinStore, *stats.Collector) {
	return newExecutorWithBalance(backend, nil)
}

func newExecutorWithBalance(backend payment.Backend, bal BalanceState) (*Executor, *routing.PinStore, *stats.Collector) {
	d := NewDispatcher(backend, "https://api.blockrun.xyz/v1/chat/completions", testLogger())
	pins := routing.NewPinStore(time.Minute, 64)
	col := stats.NewCollector()
	exec := NewExecutor(d, catalog.Default(), pins, col, nil, nil, bal, testLogger())
	return exec, pins, col
}

func decisionFor(chain ...string) routing.Decision {
	return routing.Decision{
		TierProfile: "auto",
		Primary:     chain[0],
		Chain:       chain,
	}
}

func TestRewriteModelPreservesOtherFields(t *testing.T) {
	body := []byte(`{"model":"auto","messages":[{"role":"user","content":"hi"}],"temperature":0.7,"max_tokens":64}`)
	out, err := rewriteModel(body, "deepseek/deepseek-chat")
	if err != nil {
		t.Fatalf("rewriteModel: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("rewritten body not JSON: %v", err)
	}
	if string(fields["model"]) != `"deepseek/deepseek-chat"` {
		t.Fatalf("model = %s", fields["model"])
	}
	if string(fields["temperature"]) != "0.7" || string(fields["max_tokens"]) != "64" {
		t.Fatal("unrelated fields were mutated")
	}
}

func TestDispatchClassification(t *testing.T) {
	cases := []struct {
		name string
		res  *payment.Result
		want Kind
	}{
		{"success", &payment.Result{StatusCode: 200, Body: []byte(`{}`)}, KindSuccess},
		{"direct 402", &payment.Result{StatusCode: 402, Body: []byte(`{}`), PaymentFailure: true}, KindPaymentError},
		{"wrapped payment failure", &payment.Result{StatusCode: 400, Body: []byte(`x402_payment_failed`), PaymentFailure: true}, KindPaymentError},
		{"server error", &payment.Result{StatusCode: 503, Body: []byte(`{}`)}, KindProviderError},
		{"billing 4xx", &payment.Result{StatusCode: 403, Body: []byte(`{"error":{"type":"provider_error","message":"insufficient credit"}}`)}, KindProviderError},
		{"plain 400", &payment.Result{StatusCode: 400, Body: []byte(`{"error":"malformed"}`)}, KindClientError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := &scriptedBackend{results: map[string]*payment.Result{"m": tc.res}}
			d := NewDispatcher(backend, "https://up/v1/chat/completions", testLogger())
			out := d.Dispatch(context.Background(), []byte(`{"model":"auto"}`), "m", nil, false, 0)
			if out.Kind != tc.want {
				t.Fatalf("kind = %s, want %s", out.Kind, tc.want)
			}
		})
	}
}

func TestExecuteStopsOnFirstSuccess(t *testing.T) {
	backend := &scriptedBackend{}
	exec, pins, _ := newExecutor(backend)

	out, attempted := exec.Execute(context.Background(),
		decisionFor("deepseek/deepseek-chat", "nvidia/gpt-oss-120b"),
		[]byte(`{"model":"auto","messages":[]}`), nil, false, "sess-1")

	if out.Kind != KindSuccess {
		t.Fatalf("kind = %s", out.Kind)
	}
	if len(attempted) != 1 || attempted[0] != "deepseek/deepseek-chat" {
		t.Fatalf("attempted = %v", attempted)
	}
	if pinned, ok := pins.Get("sess-1", "auto"); !ok || pinned != "deepseek/deepseek-chat" {
		t.Fatalf("pin = %q, %v", pinned, ok)
	}
}

func TestExecuteFallsBackOnProviderError(t *testing.T) {
	backend := &scriptedBackend{results: map[string]*payment.Result{
		"openai/gpt-4o": {StatusCode: 500, Body: []byte(`{"error":{"type":"provider_error"}}`)},
	}}
	exec, _, col := newExecutor(backend)

	out, attempted := exec.Execute(context.Background(),
		decisionFor("openai/gpt-4o", "deepseek/deepseek-chat"),
		[]byte(`{"model":"auto"}`), nil, false, "")

	if out.Kind != KindSuccess || out.Model != "deepseek/deepseek-chat" {
		t.Fatalf("outcome = %s %s", out.Kind, out.Model)
	}
	if len(attempted) != 2 {
		t.Fatalf("attempted = %v", attempted)
	}
	totals := col.PerModel()
	if totals["openai/gpt-4o"].Attempts != 1 {
		t.Fatalf("primary attempts = %d", totals["openai/gpt-4o"].Attempts)
	}
	if totals["deepseek/deepseek-chat"].Successes != 1 {
		t.Fatal("fallback success not recorded")
	}
}

func TestExecuteWrappedPaymentFailureFallsBack(t *testing.T) {
	backend := &scriptedBackend{results: map[string]*payment.Result{
		"xai/grok-code-fast-1": {StatusCode: 400, Body: []byte(`{"error":{"message":"x402_payment_failed"}}`), PaymentFailure: true},
	}}
	exec, _, col := newExecutor(backend)

	out, attempted := exec.Execute(context.Background(),
		decisionFor("xai/grok-code-fast-1", "nvidia/gpt-oss-120b"),
		[]byte(`{"model":"xai/grok-code-fast-1"}`), nil, false, "")

	if out.Kind != KindSuccess || out.Model != "nvidia/gpt-oss-120b" {
		t.Fatalf("outcome = %s %s", out.Kind, out.Model)
	}
	want := []string{"xai/grok-code-fast-1", "nvidia/gpt-oss-120b"}
	for i := range want {
		if attempted[i] != want[i] {
			t.Fatalf("attempted = %v, want %v", attempted, want)
		}
	}
	if col.PerModel()["xai/grok-code-fast-1"].PaymentFailures != 1 {
		t.Fatal("payment failure not counted")
	}
}

func TestExecuteClientErrorIsFatal(t *testing.T) {
	backend := &scriptedBackend{results: map[string]*payment.Result{
		"deepseek/deepseek-chat": {StatusCode: 400, Body: []byte(`{"error":"malformed request"}`)},
	}}
	exec, _, _ := newExecutor(backend)

	out, attempted := exec.Execute(context.Background(),
		decisionFor("deepseek/deepseek-chat", "nvidia/gpt-oss-120b"),
		[]byte(`{"model":"deepseek/deepseek-chat"}`), nil, false, "")

	if out.Kind != KindClientError {
		t.Fatalf("kind = %s", out.Kind)
	}
	if len(attempted) != 1 {
		t.Fatalf("client error must not fall back, attempted = %v", attempted)
	}
}

func TestExecuteExhaustedReturnsLastRecoverable(t *testing.T) {
	fail := &payment.Result{StatusCode: 503, Body: []byte(`{"error":{"type":"provider_error","message":"down"}}`)}
	backend := &scriptedBackend{results: map[string]*payment.Result{
		"openai/gpt-4o":       fail,
		"nvidia/gpt-oss-120b": fail,
	}}
	exec, _, _ := newExecutor(backend)

	out, attempted := exec.Execute(context.Background(),
		decisionFor("openai/gpt-4o", "nvidia/gpt-oss-120b"),
		[]byte(`{"model":"auto"}`), nil, false, "")

	if out.Kind != KindProviderError || out.StatusCode != 503 {
		t.Fatalf("outcome = %s %d", out.Kind, out.StatusCode)
	}
	if len(attempted) != 2 {
		t.Fatalf("attempted = %v", attempted)
	}
}

func TestExecuteDoesNotPinWithoutSession(t *testing.T) {
	backend := &scriptedBackend{}
	exec, pins, _ := newExecutor(backend)

	exec.Execute(context.Background(), decisionFor("deepseek/deepseek-chat"),
		[]byte(`{"model":"auto"}`), nil, false, "")

	if pins.Len() != 0 {
		t.Fatal("pin written without a session id")
	}
}

func TestExecuteCancelledContextDoesNotPin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backend := &scriptedBackend{}
	exec, pins, _ := newExecutor(backend)

	out, _ := exec.Execute(ctx, decisionFor("deepseek/deepseek-chat"),
		[]byte(`{"model":"auto"}`), nil, false, "sess-1")

	if out.Kind == KindSuccess {
		t.Fatal("cancelled request must not succeed")
	}
	if pins.Len() != 0 {
		t.Fatal("cancelled request must not write a pin")
	}
}

func TestExecuteEmptyWalletSkipsPaidModels(t *testing.T) {
	backend := &scriptedBackend{}
	exec, _, _ := newExecutorWithBalance(backend, fakeBalance{empty: true})

	// A premium-style chain: two paid models backed by the free emergency one.
	out, attempted := exec.Execute(context.Background(),
		decisionFor("anthropic/claude-sonnet-4", "deepseek/deepseek-r1", "nvidia/gpt-oss-120b"),
		[]byte(`{"model":"premium"}`), nil, false, "")

	if out.Kind != KindSuccess || out.Model != "nvidia/gpt-oss-120b" {
		t.Fatalf("outcome = %s %s", out.Kind, out.Model)
	}
	if len(attempted) != 1 || attempted[0] != "nvidia/gpt-oss-120b" {
		t.Fatalf("attempted = %v, paid models must be skipped on an empty wallet", attempted)
	}
}

func TestExecuteEmptyWalletExplicitModelGoesStraightToEmergency(t *testing.T) {
	backend := &scriptedBackend{}
	exec, _, _ := newExecutorWithBalance(backend, fakeBalance{empty: true})

	_, attempted := exec.Execute(context.Background(),
		decisionFor("xai/grok-code-fast-1", "nvidia/gpt-oss-120b"),
		[]byte(`{"model":"xai/grok-code-fast-1"}`), nil, false, "")

	if len(attempted) != 1 || attempted[0] != "nvidia/gpt-oss-120b" {
		t.Fatalf("attempted = %v", attempted)
	}
	if len(backend.calls) != 1 {
		t.Fatalf("upstream calls = %v, the explicit paid model must never be dialed", backend.calls)
	}
}

func TestExecuteFundedWalletKeepsPaidChain(t *testing.T) {
	backend := &scriptedBackend{}
	exec, _, _ := newExecutorWithBalance(backend, fakeBalance{empty: false})

	out, attempted := exec.Execute(context.Background(),
		decisionFor("deepseek/deepseek-chat", "nvidia/gpt-oss-120b"),
		[]byte(`{"model":"auto"}`), nil, false, "")

	if out.Kind != KindSuccess || out.Model != "deepseek/deepseek-chat" {
		t.Fatalf("outcome = %s %s", out.Kind, out.Model)
	}
	if len(attempted) != 1 {
		t.Fatalf("attempted = %v", attempted)
	}
}

func TestRecordedCostTracksMaxTokens(t *testing.T) {
	backend := &scriptedBackend{}
	exec, _, col := newExecutor(backend)

	exec.Execute(context.Background(), decisionFor("openai/gpt-4o"),
		[]byte(`{"model":"openai/gpt-4o","max_tokens":2000}`), nil, false, "")

	// gpt-4o is 10 USD/MTok: 2000 tokens -> 0.02 USD.
	got := col.PerModel()["openai/gpt-4o"].CostUSD
	if got < 0.0199 || got > 0.0201 {
		t.Fatalf("recorded cost = %f, want 0.02", got)
	}
}

func TestPreAuthScalesWithMaxTokens(t *testing.T) {
	backend := &scriptedBackend{}
	exec, _, _ := newExecutor(backend)

	exec.Execute(context.Background(), decisionFor("openai/gpt-4o"),
		[]byte(`{"model":"openai/gpt-4o","max_tokens":2000}`), nil, false, "")

	if len(backend.preAuth) != 1 {
		t.Fatalf("calls = %d", len(backend.preAuth))
	}
	// gpt-4o is 10 USD/MTok: 2000 tokens -> 20000 micro-USD.
	if backend.preAuth[0] != 20_000 {
		t.Fatalf("preAuth = %d, want 20000", backend.preAuth[0])
	}
}

func TestAttemptTimeoutClamps(t *testing.T) {
	// No deadline: capped at 60s.
	if got := attemptTimeout(context.Background(), 3); got != maxAttemptTimeout {
		t.Fatalf("no-deadline timeout = %v", got)
	}

	// Tight deadline: floored at 10s.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if got := attemptTimeout(ctx, 4); got != minAttemptTimeout {
		t.Fatalf("tight timeout = %v", got)
	}

	// Generous deadline split across attempts.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel2()
	got := attemptTimeout(ctx2, 3)
	if got < 25*time.Second || got > 30*time.Second {
		t.Fatalf("split timeout = %v, want ~30s", got)
	}
}

func TestKindRecoverable(t *testing.T) {
	if !KindPaymentError.Recoverable() || !KindProviderError.Recoverable() || !KindTransportError.Recoverable() {
		t.Fatal("payment/provider/transport errors must be recoverable")
	}
	if KindClientError.Recoverable() || KindSuccess.Recoverable() {
		t.Fatal("client errors and success are not recoverable")
	}
}
