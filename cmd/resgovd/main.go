package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"resgov/internal/config"
	"resgov/internal/governor"
	"resgov/internal/logging"
	"resgov/internal/server"
	"resgov/internal/tracing"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	bootLogger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger.Fatal("load config", zap.Error(err))
	}

	logger, err := logging.NewLoggerAtLevel(logging.ParseLevel(cfg.Logging.Level))
	if err != nil {
		bootLogger.Fatal("init logger", zap.Error(err))
	}
	defer logger.Sync()

	tracer, err := tracing.New(cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer tracer.Shutdown()

	gov, err := governor.New(cfg, nil, logger)
	if err != nil {
		logger.Fatal("init governor", zap.Error(err))
	}
	gov.SetTracer(tracer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gov.Start(ctx); err != nil {
		logger.Fatal("start governor", zap.Error(err))
	}

	srv := server.New(cfg.Server, gov, tracer, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("start server", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	gov.Stop()
}
