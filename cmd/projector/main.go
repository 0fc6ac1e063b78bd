package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/storefront-checkout/internal/config"
	kafkax "github.com/ariefcatur/storefront-checkout/internal/kafka"
	"github.com/ariefcatur/storefront-checkout/internal/logging"
	"github.com/ariefcatur/storefront-checkout/internal/orders"
	"github.com/ariefcatur/storefront-checkout/internal/projector"
	"github.com/ariefcatur/storefront-checkout/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.MustNew(cfg.ServiceName+"-projector", cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &projector.Service{Cache: redisx.NewCache(rdb), Log: log}
	topics := []string{orders.TopicOrderPlaced, orders.TopicOrderStatusChanged}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ProjectorGroup, topics, cfg.ProjectorWorkers, log)

	log.Info("projector started",
		zap.String("group", cfg.ProjectorGroup),
		zap.Strings("topics", topics),
		zap.Int("workers", cfg.ProjectorWorkers),
	)
	if err := cons.Start(ctx, svc.Handle); err != nil {
		log.Error("consumer exit", zap.Error(err))
		os.Exit(1)
	}
	log.Info("projector stopped")
}
