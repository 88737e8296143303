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

	"github.com/soms/backend/internal/bus"
	"github.com/soms/backend/internal/clients"
	"github.com/soms/backend/internal/config"
	"github.com/soms/backend/internal/database"
	"github.com/soms/backend/internal/taskstore"
)

func main() {
	_ = godotenv.Load()
	log.Println("📋 Starting SOMS TaskStore...")

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	transport, err := openBus(cfg.Bus, "soms-taskstore")
	if err != nil {
		log.Fatalf("bus: %v", err)
	}
	defer transport.Close()

	store := taskstore.NewStore(db)
	wallet := clients.NewWallet(cfg.TaskStore.WalletURL)
	effects := clients.NewTaskSideEffects(wallet, transport)
	server := taskstore.NewServer(store, effects)

	srv := &http.Server{
		Addr:         ":" + cfg.TaskStore.Port,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("🚀 TaskStore listening on :%s", cfg.TaskStore.Port)
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

func openBus(cfg config.BusConfig, clientID string) (bus.Bus, error) {
	switch cfg.Driver {
	case "redis":
		return bus.NewRedisBus(cfg.Broker, cfg.Password, 0)
	case "memory":
		return bus.NewMemoryBus(), nil
	default:
		return bus.NewMQTTBus(cfg.Broker, cfg.Port, clientID)
	}
}
