package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"personad/internal/chat"
	"personad/internal/config"
	"personad/internal/database"
	"personad/internal/handlers"
	"personad/internal/jobs"
	"personad/internal/logging"
	"personad/internal/provider"
	"personad/internal/session"
	"personad/internal/tools"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting personad server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, DB: %s)", cfg.Port, cfg.DatabasePath)

	// Open the session database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}
	log.Println("✅ Session database ready")

	slogger := slog.Default()

	store := session.NewStore(db, slogger)

	// Provider connections + persona presets, with live reload
	registry := chat.NewRegistry()
	confStore, err := config.NewStore(cfg.ProvidersPath, cfg.PresetsDir, slogger, func(snap *config.Snapshot) {
		syncPresets(registry, snap)
	})
	if err != nil {
		log.Fatalf("❌ Failed to load configuration files: %v", err)
	}
	log.Printf("✅ Loaded %d provider connections, %d persona presets",
		len(confStore.Current().Providers), len(confStore.Current().Presets))

	// LLM client
	client := provider.NewClient(slogger)

	// Platform tools
	toolRegistry := tools.NewRegistry()
	var platform tools.PlatformClient
	if cfg.BridgeURL != "" {
		platform = tools.NewBridgeClient(cfg.BridgeURL)
		log.Printf("🔗 Platform bridge: %s", cfg.BridgeURL)
	} else {
		platform = tools.NoopPlatform{}
		log.Println("⚠️  PLATFORM_BRIDGE_URL not set, platform tools will report unavailable")
	}

	// Pipeline metrics
	chat.InitMetrics()

	// Turn pipeline
	svc := chat.NewService(chat.Deps{
		Log:       slogger,
		Registry:  registry,
		Store:     store,
		Conns:     confStore,
		Completer: client,
		Platform:  platform,
		Tools:     toolRegistry,
	})
	syncPresets(registry, confStore.Current())

	// Watch config files for changes
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go func() {
		if err := confStore.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			log.Printf("⚠️  Config watcher stopped: %v", err)
		}
	}()

	// Background maintenance
	scheduler, err := jobs.NewScheduler(slogger)
	if err != nil {
		log.Fatalf("❌ Failed to create job scheduler: %v", err)
	}
	retention := jobs.NewRetentionJob(store, cfg.RetentionDays, slogger)
	if err := scheduler.RegisterDaily("retention-cleanup", 2, retention.Run); err != nil {
		log.Fatalf("❌ Failed to register retention job: %v", err)
	}
	idleSleep := jobs.NewIdleSleepJob(svc, jobs.DefaultMaxIdle, slogger)
	if err := scheduler.RegisterEvery("idle-sleep", time.Hour, idleSleep.Run); err != nil {
		log.Fatalf("❌ Failed to register idle-sleep job: %v", err)
	}
	scheduler.Start()
	log.Println("🕐 Background jobs: retention cleanup (daily 2 AM), idle sleep (hourly)")

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "personad v1.0",
		ReadTimeout:  300 * time.Second, // local models can take minutes to answer
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  300 * time.Second,
		BodyLimit:    4 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("personad")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	handlers.Register(app, svc, db)

	log.Printf("✅ Server ready on port %s", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("🛑 Shutting down server...")

		cancelWatch()
		scheduler.Stop()

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️  Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

// syncPresets registers personas for presets that are not in the registry
// yet. Removal stays an explicit admin action; a reload never pulls a
// persona out from under a live conversation.
func syncPresets(registry *chat.Registry, snap *config.Snapshot) {
	for i := range snap.Presets {
		p := snap.Presets[i].Persona()
		if _, exists := registry.Get(p.Key()); exists {
			continue
		}
		if err := registry.Add(p); err != nil {
			log.Printf("⚠️  Failed to register persona %s: %v", p.Key(), err)
			continue
		}
		log.Printf("🎭 Persona registered: %s", p.Key())
	}
}
