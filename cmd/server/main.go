package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sessionbroker/sessionbroker/internal/api"
	"github.com/sessionbroker/sessionbroker/internal/billing"
	"github.com/sessionbroker/sessionbroker/internal/entitlement"
	"github.com/sessionbroker/sessionbroker/internal/orchestrator"
	"github.com/sessionbroker/sessionbroker/internal/provider"
	"github.com/sessionbroker/sessionbroker/internal/proxy"
	"github.com/sessionbroker/sessionbroker/internal/ratelimit"
	"github.com/sessionbroker/sessionbroker/internal/storage"
	"github.com/sessionbroker/sessionbroker/pkg/models"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	log.Println("Starting sessionbroker...")

	addr := getenv("ADDR", ":8080")
	sessionImage := getenv("SESSION_IMAGE", "ubuntu:24.04")
	dataRoot := getenv("DATA_ROOT", "./storage/volumes")
	signupCredits := getenvFloat("SIGNUP_CREDITS", 0)
	provisionTimeout := getenvDuration("PROVISION_TIMEOUT", 2*time.Minute)
	maxSessions := getenvInt("MAX_SESSIONS_PER_USER", 10)
	ratePerHour := getenvInt("RATE_LIMIT_PER_HOUR", 100)

	// Entitlement registry and storage allocator
	registry := entitlement.NewRegistry()
	allocator := storage.NewAllocator(registry)
	log.Println("✓ Entitlement registry initialized")

	// Credit ledger
	ledger := billing.NewLedger()
	ledger.SetSignupGrant(signupCredits)
	log.Printf("✓ Credit ledger initialized (signup grant $%.2f)", signupCredits)

	// Docker-backed serverless-container adapter
	docker, err := provider.NewDocker(sessionImage, dataRoot)
	if err != nil {
		log.Fatalf("Failed to create docker adapter: %v", err)
	}
	defer docker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log.Printf("⏳ Ensuring session image %s is available...", sessionImage)
	if err := docker.EnsureImage(ctx); err != nil {
		log.Fatalf("Failed to ensure image: %v", err)
	}
	log.Println("✓ Session image ready")

	adapters := map[models.ProviderKind]provider.Adapter{
		models.ProviderServerlessContainer: docker,
	}

	// Session orchestrator
	orch := orchestrator.New(registry, allocator, ledger, adapters)
	orch.SetProvisionTimeout(provisionTimeout)
	orch.SetMaxSessionsPerUser(int64(maxSessions))
	log.Println("✓ Session orchestrator initialized")

	// WebSocket attach proxy
	proxyServer := proxy.NewServer(orch)
	log.Println("✓ Attach proxy initialized")

	// Rate limiter
	rateLimiter := ratelimit.NewLimiter(ratePerHour, 10)
	log.Printf("✓ Rate limiter initialized (%d req/hour per user)", ratePerHour)

	// HTTP handlers
	handler := api.NewHandler(orch, registry, ledger)
	router := handler.SetupRoutes(proxyServer, rateLimiter, ratePerHour)
	log.Println("✓ HTTP routes configured")

	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		log.Printf("🚀 Server starting on %s", addr)
		log.Println("📍 API endpoints available under /v1")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("⏳ Shutting down server gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server stopped cleanly")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
