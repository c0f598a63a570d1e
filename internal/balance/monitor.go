package balance

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BlockRunAI/ClawRouter/internal/events"
	"github.com/BlockRunAI/ClawRouter/internal/metrics"
)

const (
	defaultPollInterval = 60 * time.Second
	rpcTimeout          = 10 * time.Second
)

// Monitor polls a Reader on a fixed interval and publishes the latest
// snapshot. Threshold transitions emit low_balance and insufficient_funds
// events on the bus.
type Monitor struct {
	reader   Reader
	interval time.Duration
	bus      *events.Bus
	metrics  *metrics.Registry
	logger   *slog.Logger
	address  string

	snapshot atomic.Pointer[Snapshot]

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor builds a monitor; bus and reg may be nil. interval <= 0 selects
// the 60 s default.
func NewMonitor(reader Reader, interval time.Duration, address string, bus *events.Bus, reg *metrics.Registry, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Monitor{
		reader:   reader,
		interval: interval,
		bus:      bus,
		metrics:  reg,
		logger:   logger,
		address:  address,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins polling in a background goroutine. The first poll happens
// immediately so health checks have data soon after boot.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		m.poll(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.poll(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Snapshot returns the latest reading, or nil when no poll has succeeded yet.
func (m *Monitor) Snapshot() *Snapshot {
	return m.snapshot.Load()
}

// Empty reports whether the last known balance is at or below the empty
// threshold. A nil monitor or an unknown balance counts as not empty.
func (m *Monitor) Empty() bool {
	if m == nil {
		return false
	}
	s := m.snapshot.Load()
	return s != nil && s.IsEmpty
}

func (m *Monitor) poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	usd, err := m.reader.BalanceUSD(ctx)
	if err != nil {
		if m.metrics != nil {
			m.metrics.BalanceChecksTotal.WithLabelValues("error").Inc()
		}
		m.logger.Warn("balance poll failed", slog.String("error", err.Error()))
		return
	}

	prev := m.snapshot.Load()
	next := newSnapshot(usd)
	m.snapshot.Store(next)

	if m.metrics != nil {
		m.metrics.BalanceChecksTotal.WithLabelValues("ok").Inc()
		f, _ := usd.Float64()
		m.metrics.WalletBalanceUSD.Set(f)
	}

	m.notifyTransitions(prev, next)
}

// notifyTransitions emits events only when a threshold is newly crossed, so
// a persistently low balance does not flood the bus.
func (m *Monitor) notifyTransitions(prev, next *Snapshot) {
	if m.bus == nil {
		return
	}
	bal, _ := next.BalanceUSD.Float64()
	if next.IsEmpty && (prev == nil || !prev.IsEmpty) {
		m.logger.Error("wallet balance exhausted",
			slog.String("balance_usd", next.BalanceUSD.String()),
			slog.String("address", m.address),
		)
		m.bus.Publish(events.Event{
			Type:       events.EventInsufficientFunds,
			BalanceUSD: bal,
			Address:    m.address,
		})
		return
	}
	if next.IsLow && (prev == nil || !prev.IsLow) {
		m.logger.Warn("wallet balance low",
			slog.String("balance_usd", next.BalanceUSD.String()),
			slog.String("address", m.address),
		)
		m.bus.Publish(events.Event{
			Type:       events.EventLowBalance,
			BalanceUSD: bal,
			Address:    m.address,
		})
	}
}
