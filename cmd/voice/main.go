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

	"github.com/soms/backend/internal/config"
	"github.com/soms/backend/internal/llm"
	"github.com/soms/backend/internal/voice"
)

func main() {
	_ = godotenv.Load()
	log.Println("🎙️ Starting SOMS Voice...")

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	stock, err := voice.LoadStock(cfg.Voice.RejectionsDir)
	if err != nil {
		log.Fatalf("rejection stock: %v", err)
	}

	chat := llm.NewClient(cfg.LLM.APIURL, cfg.LLM.APIKey, cfg.LLM.Model)
	pipeline, err := voice.NewPipeline(
		voice.NewSpeech(chat),
		voice.NewSynthesizer(cfg.Voice.SynthURL),
		stock,
		cfg.Voice.AudioDir,
	)
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pipeline.RunIdleGenerator(ctx)

	server := voice.NewServer(pipeline)
	srv := &http.Server{
		Addr:         ":" + cfg.Voice.Port,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // synthesis can be slow
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		log.Printf("🚀 Voice listening on :%s", cfg.Voice.Port)
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
