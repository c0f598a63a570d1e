package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BlockRunAI/ClawRouter/internal/routing"
)

func fpReq(body string) routing.ChatRequest {
	var req routing.ChatRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		panic(err)
	}
	return req
}

func TestFingerprintStableUnderFieldOrder(t *testing.T) {
	a := fpReq(`{"model":"auto","messages":[{"role":"user","content":"hi"}],"max_tokens":100,"temperature":0.5}`)
	b := fpReq(`{"temperature":0.5,"max_tokens":100,"messages":[{"content":"hi","role":"user"}],"model":"auto"}`)
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("fingerprint changed with JSON field order")
	}
}

func TestFingerprintNormalizesModel(t *testing.T) {
	a := fpReq(`{"model":"DEEPSEEK/deepseek-chat","messages":[{"role":"user","content":"hi"}]}`)
	b := fpReq(`{"model":"deepseek/deepseek-chat","messages":[{"role":"user","content":"hi"}]}`)
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("fingerprint should normalize the model id")
	}
}

func TestFingerprintDistinguishesRequests(t *testing.T) {
	base := `{"model":"auto","messages":[{"role":"user","content":"hi"}],"max_tokens":100}`
	variants := []string{
		`{"model":"eco","messages":[{"role":"user","content":"hi"}],"max_tokens":100}`,
		`{"model":"auto","messages":[{"role":"user","content":"bye"}],"max_tokens":100}`,
		`{"model":"auto","messages":[{"role":"user","content":"hi"}],"max_tokens":200}`,
		`{"model":"auto","messages":[{"role":"user","content":"hi"}],"max_tokens":100,"seed":7}`,
	}
	fp := Fingerprint(fpReq(base))
	for _, v := range variants {
		if Fingerprint(fpReq(v)) == fp {
			t.Errorf("fingerprint collision for %s", v)
		}
	}
}

func TestDoCoalescesConcurrentCalls(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Stop()

	var calls int32
	release := make(chan struct{})
	fn := func() (*Response, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &Response{StatusCode: 200, Body: []byte("ok"), Model: "m"}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, _, err := c.Do(context.Background(), "fp", fn)
			if err != nil {
				t.Errorf("Do: %v", err)
				return
			}
			results[i] = r
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 upstream call, got %d", got)
	}
	for i, r := range results {
		if r == nil || string(r.Body) != "ok" {
			t.Fatalf("waiter %d got %v", i, r)
		}
	}
}

func TestDoCachesSuccess(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Stop()

	var calls int32
	fn := func() (*Response, error) {
		atomic.AddInt32(&calls, 1)
		return &Response{StatusCode: 200, Body: []byte("ok")}, nil
	}

	if _, cached, _ := c.Do(context.Background(), "fp", fn); cached {
		t.Fatal("first call should not be cached")
	}
	if _, cached, _ := c.Do(context.Background(), "fp", fn); !cached {
		t.Fatal("second call should hit the cache")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoDoesNotCacheErrors(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Stop()

	calls := 0
	failing := func() (*Response, error) {
		calls++
		return nil, errors.New("upstream down")
	}
	if _, _, err := c.Do(context.Background(), "fp", failing); err == nil {
		t.Fatal("expected error")
	}
	if _, _, err := c.Do(context.Background(), "fp", failing); err == nil {
		t.Fatal("expected error on retry too")
	}
	if calls != 2 {
		t.Fatalf("errors must not be cached; calls=%d", calls)
	}
}

func TestDoDoesNotCacheNon2xx(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Stop()

	calls := 0
	fn := func() (*Response, error) {
		calls++
		return &Response{StatusCode: 502, Body: []byte("bad")}, nil
	}
	c.Do(context.Background(), "fp", fn)
	c.Do(context.Background(), "fp", fn)
	if calls != 2 {
		t.Fatalf("non-2xx must not be cached; calls=%d", calls)
	}
}

func TestDoSkipsCacheOnCancelledContext(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	fn := func() (*Response, error) {
		cancel() // cancelled while the call is in flight
		return &Response{StatusCode: 200, Body: []byte("ok")}, nil
	}
	c.Do(ctx, "fp", fn)
	if c.Len() != 0 {
		t.Fatal("cancelled request committed to the cache")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := New(40*time.Millisecond, 10)
	defer c.Stop()

	calls := 0
	fn := func() (*Response, error) {
		calls++
		return &Response{StatusCode: 200, Body: []byte("ok")}, nil
	}
	c.Do(context.Background(), "fp", fn)
	time.Sleep(80 * time.Millisecond)
	c.Do(context.Background(), "fp", fn)
	if calls != 2 {
		t.Fatalf("expected TTL expiry to force a second call, got %d", calls)
	}
}

func TestCacheSizeCap(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Stop()

	mk := func(body string) func() (*Response, error) {
		return func() (*Response, error) {
			return &Response{StatusCode: 200, Body: []byte(body)}, nil
		}
	}
	c.Do(context.Background(), "a", mk("a"))
	time.Sleep(time.Millisecond)
	c.Do(context.Background(), "b", mk("b"))
	time.Sleep(time.Millisecond)
	c.Do(context.Background(), "c", mk("c"))

	if c.Len() != 2 {
		t.Fatalf("size cap not enforced, len=%d", c.Len())
	}
	if _, ok := c.get("a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
}
