package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/storefront-checkout/internal/checkout"
	"github.com/ariefcatur/storefront-checkout/internal/config"
	"github.com/ariefcatur/storefront-checkout/internal/httpx"
	kafkax "github.com/ariefcatur/storefront-checkout/internal/kafka"
	"github.com/ariefcatur/storefront-checkout/internal/logging"
	"github.com/ariefcatur/storefront-checkout/internal/orders"
	"github.com/ariefcatur/storefront-checkout/internal/postgres"
	"github.com/ariefcatur/storefront-checkout/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.MustNew(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMaxConn)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, db, log); err != nil {
			log.Fatal("migrate", zap.Error(err))
		}
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, running without cache", zap.Error(err))
	}

	// Kafka producers, one per topic
	placed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPlaced, 1024, log)
	placed.Start(ctx)
	changed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatusChanged, 1024, log)
	changed.Start(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store := orders.NewPGStore(db, cfg.Checkout.Isolation)
	svc := checkout.NewService(store, redisx.NewCache(rdb),
		checkout.Events{Placed: placed, StatusChanged: changed},
		checkout.NewMetrics(reg),
		log.Named("checkout"),
		checkout.Options{
			MaxRetries:  cfg.Checkout.MaxRetries,
			RetryBase:   cfg.Checkout.RetryBase,
			Timeout:     cfg.Checkout.Timeout,
			ServiceName: cfg.ServiceName,
		},
	)

	router := httpx.NewRouter(log.Named("http"), reg)
	(&httpx.CheckoutHandler{Service: svc, Log: log.Named("http")}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	placed.Close()
	changed.Close()
	placed.WaitClosed()
	changed.WaitClosed()
}
