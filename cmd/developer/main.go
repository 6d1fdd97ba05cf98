package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentnet/internal/api"
	"agentnet/internal/broker"
	"agentnet/internal/config"
	"agentnet/internal/consumer"
	"agentnet/internal/monitor"
	"agentnet/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("AGENTNET_CONFIG"), "path to TOML config file")
		httpAddr   = flag.String("http", "", "observability API listen address (overrides config)")
		storeDSN   = flag.String("store", "", "state store DSN (overrides config)")
		executor   = flag.String("executor", "", "executor kind: static, script or handoff (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "developer ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *storeDSN != "" {
		cfg.StoreDSN = *storeDSN
	}
	if *executor != "" {
		cfg.Executor = *executor
		if err := cfg.Validate(); err != nil {
			logger.Fatalf("config: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		logger.Print("shutting down")
		cancel()
	}()

	st, err := store.Open(ctx, cfg.StoreDSN, cfg.ActivityLimit)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	bk, err := broker.Connect(ctx, cfg.Broker, logger)
	if err != nil {
		logger.Fatalf("connect broker: %v", err)
	}
	defer bk.Close()

	ex, err := consumer.NewExecutor(cfg, logger)
	if err != nil {
		logger.Fatalf("executor: %v", err)
	}
	cons := consumer.New(cfg, st, bk, ex, logger)
	mon := monitor.New(cfg, st, bk, logger)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.New(cfg, st, bk, mon).Router(),
	}
	go func() {
		logger.Printf("api listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("listen: %v", err)
		}
	}()

	logger.Printf("developer %s consuming %s with %s executor",
		cfg.DeveloperID, cfg.Broker.DeveloperQueue, cfg.Executor)
	if err := cons.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("consumer stopped: %v", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
