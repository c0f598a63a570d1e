package balance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BlockRunAI/ClawRouter/internal/events"
)

type fakeReader struct {
	mu      sync.Mutex
	balance decimal.Decimal
	err     error
}

func (f *fakeReader) BalanceUSD(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.err
}

func (f *fakeReader) set(usd string, err error) {
	f.mu.Lock()
	f.balance = decimal.RequireFromString(usd)
	f.err = err
	f.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSnapshotThresholds(t *testing.T) {
	cases := []struct {
		usd     string
		isLow   bool
		isEmpty bool
	}{
		{"5.00", false, false},
		{"1.00", true, false},
		{"0.50", true, false},
		{"0.01", true, true},
		{"0.00", true, true},
	}
	for _, tc := range cases {
		s := newSnapshot(decimal.RequireFromString(tc.usd))
		if s.IsLow != tc.isLow || s.IsEmpty != tc.isEmpty {
			t.Errorf("snapshot(%s): low=%v empty=%v, want low=%v empty=%v",
				tc.usd, s.IsLow, s.IsEmpty, tc.isLow, tc.isEmpty)
		}
	}
}

func TestMonitorPublishesSnapshot(t *testing.T) {
	reader := &fakeReader{balance: decimal.RequireFromString("3.00")}
	m := NewMonitor(reader, time.Hour, "0xabc", nil, nil, testLogger())
	m.Start(context.Background())
	defer m.Stop()

	deadline := time.After(time.Second)
	for m.Snapshot() == nil {
		select {
		case <-deadline:
			t.Fatal("snapshot never published")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	s := m.Snapshot()
	if !s.BalanceUSD.Equal(decimal.RequireFromString("3.00")) {
		t.Fatalf("balance = %s", s.BalanceUSD)
	}
	if m.Empty() {
		t.Fatal("balance should not be empty")
	}
}

func TestMonitorUnknownBalanceIsNotEmpty(t *testing.T) {
	reader := &fakeReader{err: errors.New("rpc down")}
	m := NewMonitor(reader, time.Hour, "0xabc", nil, nil, testLogger())
	m.Start(context.Background())
	defer m.Stop()

	time.Sleep(30 * time.Millisecond)
	if m.Snapshot() != nil {
		t.Fatal("failed poll must not publish a snapshot")
	}
	if m.Empty() {
		t.Fatal("unknown balance must count as not empty")
	}
}

func TestMonitorEmitsTransitionEvents(t *testing.T) {
	reader := &fakeReader{balance: decimal.RequireFromString("5.00")}
	bus := events.NewBus()
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)

	m := NewMonitor(reader, 20*time.Millisecond, "0xabc", bus, nil, testLogger())
	m.Start(context.Background())
	defer m.Stop()

	waitSnapshot := func(pred func(*Snapshot) bool) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			if s := m.Snapshot(); s != nil && pred(s) {
				return
			}
			select {
			case <-deadline:
				t.Fatal("snapshot condition never reached")
			default:
				time.Sleep(5 * time.Millisecond)
			}
		}
	}

	waitSnapshot(func(s *Snapshot) bool { return !s.IsLow })

	reader.set("0.50", nil)
	waitSnapshot(func(s *Snapshot) bool { return s.IsLow })

	reader.set("0.005", nil)
	waitSnapshot(func(s *Snapshot) bool { return s.IsEmpty })

	if !m.Empty() {
		t.Fatal("Empty() should report exhausted balance")
	}

	var sawLow, sawEmpty bool
	timeout := time.After(time.Second)
	for !(sawLow && sawEmpty) {
		select {
		case e := <-sub.C:
			switch e.Type {
			case events.EventLowBalance:
				sawLow = true
			case events.EventInsufficientFunds:
				sawEmpty = true
			}
		case <-timeout:
			t.Fatalf("missing events: low=%v empty=%v", sawLow, sawEmpty)
		}
	}
}
