package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/soms/backend/internal/config"
	"github.com/soms/backend/internal/database"
	"github.com/soms/backend/internal/ledger"
)

func main() {
	_ = godotenv.Load()
	log.Println("💰 Starting SOMS Wallet...")

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	l := ledger.New(db)
	demurrage, err := l.StartDemurrageCron(os.Getenv("DEMURRAGE_CRON"))
	if err != nil {
		log.Fatalf("demurrage cron: %v", err)
	}
	defer demurrage.Stop()

	server := ledger.NewServer(l)
	srv := &http.Server{
		Addr:         ":" + cfg.Wallet.Port,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("🚀 Wallet listening on :%s", cfg.Wallet.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ Shutdown: %v", err)
	}
}
