package main

import (
	"context"
	"time"

	"github.com/ariefcatur/storefront-checkout/internal/config"
	"github.com/ariefcatur/storefront-checkout/internal/logging"
	"github.com/ariefcatur/storefront-checkout/internal/postgres"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.MustNew(cfg.ServiceName+"-migrate", cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, 2)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db, log); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}
}
