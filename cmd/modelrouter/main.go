package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jordanhubbard/modelrouter/internal/app"
)

// version is set at build time via -ldflags.
var version = "dev"

const defaultListenAddr = ":8080"

// healthCheckAddr returns the address the -healthcheck mode probes.
func healthCheckAddr() string {
	if addr := os.Getenv("MODELROUTER_LISTEN_ADDR"); addr != "" {
		return addr
	}
	return defaultListenAddr
}

// runHealthCheck probes /healthz on the local listener. addr is ":port" or
// "host:port"; a bare port is dialled on localhost.
func runHealthCheck(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost%s/healthz", addr))
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	// Docker HEALTHCHECK entry point; distroless images have no curl.
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		if err := runHealthCheck(healthCheckAddr()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	log.Printf("modelrouter version %s", version)
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("shutdown complete")
}

// serve runs the router until ctx is cancelled, reloading configuration on
// SIGHUP, then drains in-flight requests and releases resources.
func serve(ctx context.Context, cfg app.Config) error {
	srv, err := app.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("server init error: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      300 * time.Second, // slow generations on large models
	}

	listenErr := make(chan error, 1)
	go func() {
		log.Printf("modelrouter listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	for {
		select {
		case <-reload:
			log.Printf("SIGHUP received, reloading configuration")
			newCfg, err := app.LoadConfig()
			if err != nil {
				log.Printf("config reload error: %v (keeping current config)", err)
				continue
			}
			if err := srv.Reload(newCfg); err != nil {
				log.Printf("reload rejected: %v (keeping current config)", err)
			}

		case err, ok := <-listenErr:
			if ok && err != nil {
				_ = srv.Close()
				return fmt.Errorf("listen error: %w", err)
			}
			return srv.Close()

		case <-ctx.Done():
			log.Printf("shutting down (draining in-flight requests)")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP shutdown error: %v", err)
			}
			if err := srv.Close(); err != nil {
				log.Printf("server close error: %v", err)
			}
			return nil
		}
	}
}
