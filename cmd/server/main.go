package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/rl1809/ticket-inventory/internal/adapter/handler"
	"github.com/rl1809/ticket-inventory/internal/adapter/metrics"
	"github.com/rl1809/ticket-inventory/internal/adapter/storage"
	"github.com/rl1809/ticket-inventory/internal/config"
	"github.com/rl1809/ticket-inventory/internal/core/service"
	"github.com/rl1809/ticket-inventory/internal/port"
)

func main() {
	configPath := pflag.String("config", "configs/default.yaml", "path to the YAML config file")
	pflag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize MySQL
	if cfg.MySQL.Migrate {
		version, err := storage.RunMigrations(cfg.MySQL.DSN)
		if err != nil {
			log.WithError(err).Fatal("failed to migrate mysql")
		}
		log.WithField("version", version).Info("schema migrated")
	}

	db, err := sqlx.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		log.WithError(err).Fatal("failed to connect mysql")
	}
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Fatal("failed to ping mysql")
	}
	log.Info("connected to mysql")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	opts := []service.Option{
		service.WithLogger(log),
		service.WithRecorder(m),
	}

	// Initialize adapters
	eventStore := storage.NewMySQLEventStore(db, cfg.MySQL.LockWait, cfg.MySQL.TxTimeout)
	reservationRepo := storage.NewMySQLReservationRepository(db)

	inventoryRepo := service.NewInventoryRepository(eventStore, opts...)
	inventoryService := service.NewInventoryService(inventoryRepo)
	reservationService := service.NewReservationService(inventoryService, reservationRepo, cfg.Reservation.MaxAttempts, cfg.Reservation.TTL, opts...)
	sweeper := service.NewSweeper(reservationRepo, reservationService, cfg.Sweeper.Workers, cfg.Sweeper.BatchSize, cfg.Sweeper.Interval, opts...)

	// Initialize Redis
	var (
		rdb          *redis.Client
		availability *service.AvailabilityCache
		idempotency  port.IdempotencyStore
	)
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("failed to connect redis")
		}
		log.Info("connected to redis")

		redisAdapter := storage.NewRedisAdapter(rdb, cfg.Cache.TTL)
		availability = service.NewAvailabilityCache(inventoryRepo, redisAdapter, cfg.Cache.WarmInterval, opts...)
		idempotency = redisAdapter
	}

	// Start background workers
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	if availability != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			availability.Run(ctx)
		}()
	}
	log.WithField("workers", cfg.Sweeper.Workers).Info("started reservation sweeper")

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.TenantInterceptor))
	handler.RegisterInventoryServer(grpcServer, handler.NewGRPCHandler(inventoryService))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.WithError(err).Fatal("failed to listen")
	}

	go func() {
		log.WithField("addr", cfg.GRPCAddr).Info("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.WithError(err).Error("gRPC server error")
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(inventoryService, reservationService, availability, idempotency, log)
	router := httpHandler.Routes(m.Middleware)
	router.Handle("/metrics", m.Handler())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}
	log.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	cancel()
	wg.Wait()
	log.Info("workers stopped")

	if rdb != nil {
		rdb.Close()
	}
	db.Close()
	log.Info("connections closed")
}
