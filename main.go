package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/andreyschmidt0/cbtwebsocket/server"
)

func main() {
	cfg := server.LoadConfig()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// State store: Redis when configured, in-process otherwise.
	var store server.Store
	if cfg.RedisURL != "" {
		store, err = server.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connect failed", zap.Error(err))
		}
		logger.Info("state store: redis")
	} else {
		store = server.NewMemStore()
		logger.Warn("state store: in-memory, single instance only")
	}
	defer store.Close()

	// Match database: Postgres when configured, in-process otherwise.
	var db server.MatchDB
	if cfg.DatabaseURL != "" {
		db, err = server.NewPostgresDB(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres connect failed", zap.Error(err))
		}
		logger.Info("match db: postgres")
	} else {
		db = server.NewMemDB()
		logger.Warn("match db: in-memory, results will not survive a restart")
	}
	defer db.Close()

	coordinator := server.NewServer(cfg, logger, store, db)
	go coordinator.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", coordinator.HandleWebSocket)
	mux.HandleFunc("/health", coordinator.HandleHealth)
	mux.HandleFunc("/api/queue", coordinator.HandleQueueStats)
	mux.Handle("/metrics", coordinator.HandleMetrics())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("coordinator listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	coordinator.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}

	logger.Info("coordinator stopped")
}
