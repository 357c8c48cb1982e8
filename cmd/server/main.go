package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"scriberr/internal/align"
	"scriberr/internal/api"
	"scriberr/internal/config"
	"scriberr/internal/diarize"
	"scriberr/internal/ingest"
	"scriberr/internal/llm"
	"scriberr/internal/media"
	"scriberr/internal/progress"
	"scriberr/internal/secretstore"
	"scriberr/internal/session"
	"scriberr/internal/sessionindex"
	"scriberr/internal/stemsep"
	"scriberr/internal/stitch"
	"scriberr/internal/translate"
	"scriberr/internal/tts"
	"scriberr/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var showVersion = flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dubctl-server %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	log.Println("🚀 Dubbing pipeline server starting up...")

	log.Println("📋 Loading configuration...")
	cfg := config.Load()

	log.Println("📝 Initializing logging system...")
	logger.Init(os.Getenv("LOG_LEVEL"))
	logger.Info("Starting dubbing pipeline server", "version", version, "commit", commit)

	log.Println("🗂️  Opening session store...")
	store, err := session.New(cfg.SessionRoot)
	if err != nil {
		log.Fatal("Failed to open session store:", err)
	}
	log.Println("✅ Session store ready at", cfg.SessionRoot)

	log.Println("🔑 Opening secret store...")
	secrets, err := secretstore.Open(cfg.SecretStoreDBPath)
	if err != nil {
		log.Fatal("Failed to open secret store:", err)
	}
	defer secrets.Close()
	log.Println("✅ Secret store ready")

	log.Println("🗄️  Opening session index...")
	index, err := sessionindex.Open(cfg.SessionIndexDBPath)
	if err != nil {
		log.Fatal("Failed to open session index:", err)
	}
	defer index.Close()
	log.Println("✅ Session index ready")

	mediaAdapter := media.New()
	if err := mediaAdapter.ValidateFFmpeg(); err != nil {
		log.Fatal("ffmpeg/ffprobe not available:", err)
	}
	log.Println("✅ ffmpeg toolchain found")

	timeout := time.Duration(cfg.ProviderTimeoutSec) * time.Second

	// Provider keys resolve secret-store-first, falling back to the
	// process environment; providers that shell out read their own key
	// from that same environment, so we export it once here.
	exportSecret("YOUTUBE_API_KEY", cfg.ResolveProviderKey(secrets, "youtube-api-key", cfg.YouTubeAPIKey))
	exportSecret("SARVAM_API_KEY", cfg.ResolveProviderKey(secrets, "sarvam-api-key", cfg.SarvamAPIKey))
	exportSecret("CARTESIA_API_KEY", cfg.ResolveProviderKey(secrets, "cartesia-api-key", cfg.CartesiaAPIKey))
	openAIKey := cfg.ResolveProviderKey(secrets, "openai-api-key", cfg.OpenAIAPIKey)
	exportSecret("OPENAI_API_KEY", openAIKey)

	log.Println("📥 Setting up source ingest (YouTube/Instagram cascade)...")
	ingester := ingest.New(store, mediaAdapter, func(string) string { return os.Getenv("YOUTUBE_API_KEY") })

	log.Println("🎚️  Setting up stem separator...")
	separator := stemsep.New(store, mediaAdapter, os.Getenv("STEMSEP_COMMAND"), os.Getenv("STEMSEP_PROBE_COMMAND"), timeout)

	log.Println("🗣️  Setting up diarized transcriber (Sarvam ASR)...")
	transcriber := diarize.New(os.Getenv("ASR_PROVIDER_COMMAND"), os.Getenv("ASR_PROVIDER_PROBE_COMMAND"), timeout, diarize.DefaultVADConfig())

	log.Println("🌐 Setting up context-aware translator...")
	var llmService llm.Service
	if openAIKey != "" {
		if cfg.OpenAIBaseURL != "" {
			// Non-default endpoint (self-hosted gateway): the go-openai
			// client builds requests against it more robustly than the
			// hand-rolled client.
			llmService = llm.NewGoOpenAIService(openAIKey, cfg.OpenAIBaseURL)
		} else {
			llmService = llm.NewOpenAIService(openAIKey, nil)
		}
	}
	translator := translate.New(llmService, getEnv("TRANSLATE_MODEL", "gpt-4o-mini"), cfg.WorkerPoolSize)

	log.Println("🔊 Setting up TTS router (Sarvam + Cartesia)...")
	ttsRouter := tts.New(store, mediaAdapter, map[string]string{
		"sarvam":   os.Getenv("SARVAM_TTS_COMMAND"),
		"cartesia": os.Getenv("CARTESIA_TTS_COMMAND"),
	}, timeout)

	aligner := align.New(store, mediaAdapter)
	stitcher := stitch.New(store, mediaAdapter)

	log.Println("📡 Starting progress broadcaster...")
	broadcaster := progress.NewBroadcaster()
	if cfg.ProgressBackend == "redis" {
		log.Println("🔴 Mirroring progress through Redis at", cfg.RedisAddr)
		broadcaster = broadcaster.WithRedisMirror(progress.NewRedisMirror(cfg.RedisAddr))
	}

	log.Println("🔧 Setting up API handlers and pipeline orchestrator...")
	handler := api.NewHandler(
		cfg, store, index, mediaAdapter, ingester, separator,
		transcriber, translator, ttsRouter, aligner, stitcher, broadcaster,
	)

	log.Println("🛤️  Configuring routes...")
	if cfg.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), logger.GinLogger())
	api.SetupRoutes(router, handler, store)
	log.Println("✅ Routes configured")

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("🌐 Starting HTTP server on %s:%s", cfg.Host, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	log.Printf("🎉 Dubbing pipeline server is now running on http://%s:%s", cfg.Host, cfg.Port)
	log.Println("🛑 Press Ctrl+C to stop the server")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	broadcaster.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exited")
}

func exportSecret(envVar, value string) {
	if value != "" {
		os.Setenv(envVar, value)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
