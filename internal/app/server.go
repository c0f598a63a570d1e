// Package app wires the router together: config, logging, payment backend
// selection, the balance monitor, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/BlockRunAI/ClawRouter/internal/balance"
	"github.com/BlockRunAI/ClawRouter/internal/catalog"
	"github.com/BlockRunAI/ClawRouter/internal/dedup"
	"github.com/BlockRunAI/ClawRouter/internal/dispatch"
	"github.com/BlockRunAI/ClawRouter/internal/events"
	"github.com/BlockRunAI/ClawRouter/internal/httpapi"
	"github.com/BlockRunAI/ClawRouter/internal/logging"
	"github.com/BlockRunAI/ClawRouter/internal/metrics"
	"github.com/BlockRunAI/ClawRouter/internal/payment"
	"github.com/BlockRunAI/ClawRouter/internal/routing"
	"github.com/BlockRunAI/ClawRouter/internal/stats"
	"github.com/BlockRunAI/ClawRouter/internal/tracing"
	"github.com/BlockRunAI/ClawRouter/internal/wallet"
)

// usdcDecimals is the decimal count of the settlement asset.
const usdcDecimals = 6

const shutdownTimeout = 5 * time.Second

type Server struct {
	cfg Config

	r *chi.Mux

	dedup   *dedup.Cache
	monitor *balance.Monitor
	reader  *balance.ERC20Reader
	logger  *slog.Logger

	tracingShutdown func(context.Context) error
}

// NewServer builds the full pipeline from config. In wallet mode the signing
// key is loaded (or generated and persisted) and a balance monitor is
// started; clawcredit mode runs custodially with neither.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "clawrouter",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Session-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	cat := catalog.Default()
	pins := routing.NewPinStore(cfg.SessionPinTTL, 1024)
	cache := dedup.New(cfg.DedupTTL, 256)
	col := stats.NewCollector()
	reg := metrics.New()
	bus := events.NewBus()

	s := &Server{
		cfg:             cfg,
		r:               r,
		dedup:           cache,
		logger:          logger,
		tracingShutdown: tracingShutdown,
	}

	var backend payment.Backend
	var walletAddr string

	switch cfg.PaymentMode {
	case ModeClawCredit:
		backend = payment.NewClawCreditBackend(
			cfg.ClawCreditBaseURL, cfg.ClawCreditToken,
			cfg.ClawCreditChain, cfg.ClawCreditAsset, logger,
		)
		logger.Info("payment backend ready", slog.String("mode", ModeClawCredit))

	default:
		w, err := loadWallet(cfg, logger)
		if err != nil {
			cache.Stop()
			return nil, err
		}
		walletAddr = w.Address().Hex()
		backend = payment.NewWalletBackend(w, cfg.ChainID, cfg.Asset, logger)
		logger.Info("payment backend ready",
			slog.String("mode", ModeWallet),
			slog.String("address", walletAddr),
		)

		reader, err := balance.NewERC20Reader(cfg.RPCURL, common.HexToAddress(cfg.Asset), w.Address(), usdcDecimals)
		if err != nil {
			// Balance monitoring is advisory; run without it.
			logger.Warn("balance monitor disabled", slog.String("error", err.Error()))
		} else {
			s.reader = reader
			s.monitor = balance.NewMonitor(reader, cfg.BalanceInterval, walletAddr, bus, reg, logger)
			s.monitor.Start(context.Background())
		}
	}

	endpoint := cfg.APIBaseURL + "/v1/chat/completions"
	dispatcher := dispatch.NewDispatcher(backend, endpoint, logger)
	exec := dispatch.NewExecutor(dispatcher, cat, pins, col, reg, bus, s.monitor, logger)

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Catalog:       cat,
		Router:        routing.New(cat, pins),
		Dedup:         cache,
		Executor:      exec,
		Balance:       s.monitor,
		Stats:         col,
		Metrics:       reg,
		EventBus:      bus,
		Logger:        logger,
		PaymentMode:   cfg.PaymentMode,
		WalletAddress: walletAddr,
	})

	return s, nil
}

// loadWallet resolves the signing key: env key first, then the key file,
// generating and persisting a fresh key when neither exists.
func loadWallet(cfg Config, logger *slog.Logger) (*wallet.Wallet, error) {
	if cfg.WalletKeyHex != "" {
		w, err := wallet.FromHex(cfg.WalletKeyHex)
		if err != nil {
			return nil, fmt.Errorf("BLOCKRUN_WALLET_KEY: %w", err)
		}
		return w, nil
	}

	path := cfg.WalletPath
	if path == "" {
		var err error
		path, err = wallet.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	w, created, err := wallet.LoadOrCreate(path)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("generated new wallet",
			slog.String("address", w.Address().Hex()),
			slog.String("path", path),
		)
	}
	return w, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Close tears down background work: the balance monitor, the dedup cleanup
// goroutine, the RPC connection, and the tracer provider.
func (s *Server) Close() error {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.reader != nil {
		s.reader.Close()
	}
	s.dedup.Stop()
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.tracingShutdown(ctx)
	}
	return nil
}
