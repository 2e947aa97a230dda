package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"example.com/h1core/internal/admin"
	"example.com/h1core/internal/config"
	"example.com/h1core/internal/handlers/echo"
	"example.com/h1core/internal/logger"
	"example.com/h1core/internal/metrics"
	"example.com/h1core/internal/router"
	"example.com/h1core/internal/server"
)

const adminReadHeaderTimeout = 5 * time.Second

var configFilePath string

func main() {
	flag.StringVar(&configFilePath, "config", "", "Path to the configuration file (JSON, TOML or YAML)")
	flag.Parse()

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "Error: Configuration file path must be provided via -config flag.")
		flag.Usage()
		os.Exit(1)
	}
	absConfigPath, err := filepath.Abs(configFilePath)
	if err != nil {
		log.Fatalf("Error getting absolute path for config file %s: %v", configFilePath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, absConfigPath); err != nil {
		log.Printf("Server exited with an error: %v", err)
		stop()
		os.Exit(1)
	}
}

// newRouter registers the built-in handler types and builds the router for
// the configured routes.
func newRouter(cfg *config.Config, lg *logger.Logger) (*router.Router, error) {
	registry := server.NewHandlerRegistry()
	if err := registry.Register(config.HandlerTypeEcho, echo.New); err != nil {
		return nil, err
	}
	if err := registry.Register(config.HandlerTypeUpgradeEcho, echo.NewUpgrade); err != nil {
		return nil, err
	}
	return router.NewRouter(cfg.Routing.Routes, registry, lg)
}

// run serves until ctx is cancelled or a listener fails, then drains.
func run(ctx context.Context, path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.CloseLogFiles()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	rtr, err := newRouter(cfg, lg)
	if err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	srv, err := server.NewServer(server.Options{
		Config:  cfg,
		Handler: rtr,
		Logger:  lg,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	l, err := srv.Listen()
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Serve(l); !errors.Is(err, server.ErrServerClosed) {
			errCh <- err
		}
	}()

	var adminSrv *http.Server
	if *cfg.Admin.Enabled {
		al, err := net.Listen("tcp", *cfg.Admin.Address)
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("failed to listen for admin on %s: %w", *cfg.Admin.Address, err)
		}
		adminSrv = &http.Server{
			Handler:           admin.NewHandler(srv.Registry(), m.Handler(), lg).Router(),
			ReadHeaderTimeout: adminReadHeaderTimeout,
		}
		lg.Info("Admin endpoint listening", logger.LogFields{"address": al.Addr().String()})
		go func() {
			if err := adminSrv.Serve(al); !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			lg.Info("Shutdown signal received", nil)
			break loop
		case <-hup:
			if err := lg.ReopenLogFiles(); err != nil {
				lg.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
			} else {
				lg.Info("Log files reopened", nil)
			}
		case serveErr = <-errCh:
			lg.Error("Listener failed", logger.LogFields{"error": serveErr.Error()})
			break loop
		}
	}

	if adminSrv != nil {
		actx, cancel := context.WithTimeout(context.Background(), adminReadHeaderTimeout)
		_ = adminSrv.Shutdown(actx)
		cancel()
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		return errors.Join(serveErr, err)
	}
	return serveErr
}
