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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soms/backend/internal/brain"
	"github.com/soms/backend/internal/bus"
	"github.com/soms/backend/internal/clients"
	"github.com/soms/backend/internal/config"
	"github.com/soms/backend/internal/llm"
	"github.com/soms/backend/internal/mcp"
	"github.com/soms/backend/internal/sanitizer"
	"github.com/soms/backend/internal/scheduler"
	"github.com/soms/backend/internal/worldmodel"
)

func main() {
	_ = godotenv.Load()
	log.Println("🧠 Starting SOMS Brain...")

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	transport, err := openBus(cfg.Bus)
	if err != nil {
		log.Fatalf("bus: %v", err)
	}
	defer transport.Close()

	systemPrompt, err := os.ReadFile(cfg.Brain.SystemPromptPath)
	if err != nil {
		log.Fatalf("system prompt: %v", err)
	}

	world := worldmodel.New(nil)
	taskClient := clients.NewTaskStore(cfg.Brain.TaskStoreURL)
	voiceClient := clients.NewVoice(cfg.Brain.VoiceURL)
	sched := scheduler.New(world, taskClient)
	policy := sanitizer.New(cfg.Brain.AllowedAgents)
	chat := llm.NewClient(cfg.LLM.APIURL, cfg.LLM.APIKey, cfg.LLM.Model)

	bridge, err := mcp.NewBridge(transport)
	if err != nil {
		log.Fatalf("mcp bridge: %v", err)
	}

	executor := brain.NewExecutor(world, sched, policy, taskClient, voiceClient, bridge)
	b := brain.New(world, sched, chat, policy, executor, taskClient, voiceClient,
		string(systemPrompt), brain.Options{
			CycleInterval:    time.Duration(cfg.Brain.CycleInterval) * time.Second,
			MinCycleInterval: time.Duration(cfg.Brain.MinCycleInterval) * time.Second,
			BatchWindow:      time.Duration(cfg.Brain.EventBatchWindow) * time.Second,
		})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.Brain.MetricsListenAddr, nil); err != nil && err != http.ErrServerClosed {
			log.Printf("⚠️ Metrics server: %v", err)
		}
	}()

	if err := b.Start(ctx, transport); err != nil {
		log.Fatalf("brain: %v", err)
	}
	log.Println("👋 Brain stopped")
}

func openBus(cfg config.BusConfig) (bus.Bus, error) {
	switch cfg.Driver {
	case "redis":
		return bus.NewRedisBus(cfg.Broker, cfg.Password, 0)
	case "memory":
		return bus.NewMemoryBus(), nil
	default:
		return bus.NewMQTTBus(cfg.Broker, cfg.Port, cfg.ClientID)
	}
}
