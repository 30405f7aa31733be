package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"neargate/config"
	"neargate/gateway"
	"neargate/observability/logging"
	telemetry "neargate/observability/otel"
	"neargate/service"
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to the gateway configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		// The logger is not configured yet; write plainly and bail.
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		return 1
	}

	env := strings.TrimSpace(os.Getenv("NEARGATE_ENV"))
	log := logging.Setup("neargate", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "err", err)
		return 1
	}
	log.Info("configuration loaded",
		"nodeUrl", cfg.NodeURL,
		"networkId", cfg.NetworkID,
		"masterAccountId", cfg.MasterAccountID,
		logging.MaskField("masterPrivateKey", cfg.MasterPrivateKey),
		logging.MaskField("adminToken", cfg.AdminToken),
		"contractId", cfg.ContractID,
		"extraKeys", cfg.ExtraKeys,
		"batchSize", cfg.BatchSize,
		"maxConcurrentBatches", cfg.MaxConcurrentBatches)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "neargate",
		Environment: env,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    true,
		Metrics:     true,
	})
	if err != nil {
		log.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	reg := prometheus.NewRegistry()
	svc, err := service.New(cfg, reg, log)
	if err != nil {
		log.Error("service construction failed", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancelBoot := context.WithTimeout(ctx, time.Minute)
	err = svc.Start(bootCtx)
	cancelBoot()
	if err != nil {
		log.Error("bootstrap failed", "err", err)
		return 1
	}

	handler := otelhttp.NewHandler(gateway.New(svc, cfg, reg, log).Router(), "neargate")
	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddress)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			return 1
		}
	}

	// Stop accepting connections first, then drain the pipeline.
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 10*time.Second)
	if err := server.Shutdown(httpCtx); err != nil {
		log.Warn("http shutdown incomplete", "err", err)
	}
	cancelHTTP()

	if err := svc.Shutdown(context.Background()); err != nil {
		log.Error("pipeline drain incomplete", "err", err)
	}
	return 0
}
