package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ineyio/offload"
	"github.com/ineyio/offload/httpapi"
	"github.com/ineyio/offload/ledger"
	logpkg "github.com/ineyio/offload/logger"
	"github.com/ineyio/offload/meter"
	"github.com/ineyio/offload/provider/openaicompat"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (defaults apply when empty)")
		addr       = flag.String("addr", "", "override server.addr")
		showUsage  = flag.Bool("usage", false, "print the usage ledger as JSON and exit")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger, err := logpkg.New(cfg.Logging.Env, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create logger:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	usage, err := ledger.FromConfig(cfg, logger.Named("ledger"))
	if err != nil {
		logger.Fatal("Failed to open ledger", zap.Error(err))
	}

	if *showUsage {
		if err := printUsage(usage); err != nil {
			logger.Fatal("Failed to read ledger", zap.Error(err))
		}
		return
	}

	if err := serve(cfg, usage, logger); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}

func loadConfig(path string) (offload.Config, error) {
	if path == "" {
		cfg := offload.DefaultConfig()
		cfg.Gateway.APIKey = os.Getenv("MINIMAX_API_KEY")
		return cfg, cfg.Validate()
	}
	return offload.LoadConfig(path)
}

func printUsage(l *ledger.FileLedger) error {
	ctx := context.Background()
	st, err := l.Snapshot(ctx)
	if err != nil {
		return err
	}
	remaining, err := l.Remaining(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"limit":             l.Limit(),
		"prompts_remaining": remaining,
		"ledger":            st,
	})
}

func serve(cfg offload.Config, usage *ledger.FileLedger, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := meter.NewPromMeter(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := []offload.Option{
		offload.WithLogger(logger),
		offload.WithMeter(meter.Multi{meter.NewLogMeter(logger.Named("gateway")), prom}),
	}

	// A missing credential only disables dispatch; usage reads keep working.
	var gateway offload.Gateway
	gw, err := openaicompat.FromConfig(cfg.Gateway)
	if err != nil {
		logger.Error("Gateway not initialized", zap.Error(err))
		opts = append(opts, offload.WithInitError(err))
	} else {
		gateway = gw
	}

	off, err := offload.NewOffloader(cfg, gateway, usage, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: httpapi.NewServer(off, usage, reg, logger.Named("http")).Handler(),
	}

	logger.Info("Starting offload server",
		zap.String("addr", cfg.Server.Addr),
		zap.String("model", cfg.Gateway.Model),
		zap.String("ledger", usage.Path()),
		zap.Int64("quota_limit", cfg.Quota.Limit),
		zap.Duration("quota_window", cfg.Quota.Window),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Server stopped gracefully")
	return nil
}
