package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
		}
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(cfg, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_orders_archive.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
