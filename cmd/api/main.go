package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wenwu/saas-platform/provisioning-service/internal/client"
	"github.com/wenwu/saas-platform/provisioning-service/internal/config"
	"github.com/wenwu/saas-platform/provisioning-service/internal/db"
	"github.com/wenwu/saas-platform/provisioning-service/internal/http"
	"github.com/wenwu/saas-platform/provisioning-service/internal/provider"
	"github.com/wenwu/saas-platform/provisioning-service/internal/repository"
	"github.com/wenwu/saas-platform/provisioning-service/internal/scheduler"
	"github.com/wenwu/saas-platform/provisioning-service/internal/service"
)

func main() {
	log.Println("Starting Provisioning Service...")

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize database
	pool, err := db.NewPool(cfg.Database.DSN(), cfg.Database.Schema)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	// Initialize repositories
	provisionRepo := repository.NewProvisionRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)
	reservationRepo := repository.NewReservationRepository(pool)
	otpRepo := repository.NewOtpRepository(pool)
	logRepo := repository.NewLogRepository(pool)

	// Initialize provider markets
	registry, err := provider.NewRegistry(cfg.Providers.CascadeOrder,
		provider.NewSMSMarketClient(cfg.Providers.SMSMarketURL, cfg.Providers.SMSMarketAPIKey),
		provider.NewFiveSimClient(cfg.Providers.FiveSimURL, cfg.Providers.FiveSimAPIKey),
	)
	if err != nil {
		log.Fatalf("Failed to build provider registry: %v", err)
	}

	ledger := service.NewNumberLedger(reservationRepo, cfg.Ledger.OrphanTTL)
	cascade := provider.NewCascade(registry, ledger)
	poller := provider.NewPoller(provider.PollConfig{
		WindowDuration: cfg.Otp.WindowDuration,
		PollInterval:   cfg.Otp.PollInterval,
		MaxWindows:     cfg.Otp.MaxWindows,
		CodeLength:     cfg.Otp.CodeLength,
	})

	// Initialize clients
	containerClient := client.NewContainerClient(cfg.Containers.ManagerURL, cfg.Containers.AdminKey)
	automationClient := client.NewAutomationClient()
	notifierClient := client.NewNotifierClient(cfg.Notifier.URL, cfg.InternalSecret)
	ports := client.NewPortAllocator(cfg.Ports.Min, cfg.Ports.Max)

	// Initialize services
	machine := service.NewStateMachine(provisionRepo, logRepo, notifierClient)
	jobs := scheduler.New()

	pipeline := service.NewPipeline(
		cfg,
		machine,
		ledger,
		provisionRepo,
		sessionRepo,
		otpRepo,
		logRepo,
		registry,
		cascade,
		poller,
		containerClient,
		automationClient,
		jobs,
		ports,
	)

	// The pipeline queue runs narrow and the inject queue runs on its own
	// pool so EnqueueAndWait inside a pipeline job cannot starve itself.
	if err := jobs.RegisterQueue(service.QueuePipeline, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, pipeline.HandleProvisionJob); err != nil {
		log.Fatalf("Failed to register pipeline queue: %v", err)
	}
	if err := jobs.RegisterQueue(service.QueueInject, cfg.Pipeline.InjectWorkers, cfg.Pipeline.QueueSize, pipeline.HandleInjectJob); err != nil {
		log.Fatalf("Failed to register inject queue: %v", err)
	}
	jobs.Start()

	provisionService := service.NewProvisionService(
		provisionRepo,
		sessionRepo,
		logRepo,
		ledger,
		registry,
		containerClient,
		jobs,
	)

	// Initialize HTTP server
	server := http.NewServer(cfg, pool, provisionService, logRepo)

	// Start server in goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Server.Port)
		log.Printf("Server starting on %s", addr)
		if err := server.Run(addr); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := jobs.Stop(ctx); err != nil {
		log.Printf("Scheduler shutdown: %v", err)
	}

	log.Println("Server exited")
}
