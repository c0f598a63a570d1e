package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BlockRunAI/ClawRouter/internal/app"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	var (
		showVersion = flag.Bool("version", false, "print version and exit")
		port        = flag.Int("port", 0, "listen port (overrides BLOCKRUN_PROXY_PORT)")
	)
	flag.BoolVar(showVersion, "v", false, "print version and exit (shorthand)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "clawrouter — local OpenAI-compatible proxy for the BlockRun marketplace\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: clawrouter [--port N] [--version]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("clawrouter %s\n", version)
		os.Exit(0)
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Printf("config error: %v", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
		if err := cfg.Validate(); err != nil {
			log.Printf("config error: %v", err)
			os.Exit(1)
		}
	}

	srv, err := app.NewServer(cfg)
	if err != nil {
		log.Printf("init error: %v", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      300 * time.Second, // allow long streaming responses
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("clawrouter %s listening on %s", version, addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown: drain in-flight requests, then close resources.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Printf("listen error: %v", err)
		_ = srv.Close()
		os.Exit(1)
	case <-stop:
	}
	log.Printf("shutting down (draining in-flight requests)...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := srv.Close(); err != nil {
		log.Printf("server close error: %v", err)
	}
	log.Printf("shutdown complete")
}
