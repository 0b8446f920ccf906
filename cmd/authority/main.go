package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/perch/internal/authority"
	"github.com/dyluth/perch/internal/config"
	"github.com/dyluth/perch/internal/lifecycle"
	"github.com/dyluth/perch/internal/storage"
	"github.com/dyluth/perch/pkg/board"
)

func main() {
	// 1. Load environment variables
	instanceName := os.Getenv("PERCH_INSTANCE_NAME")
	redisURL := os.Getenv("REDIS_URL")

	if instanceName == "" || redisURL == "" {
		fmt.Fprintf(os.Stderr, "Error: PERCH_INSTANCE_NAME and REDIS_URL must be set\n")
		os.Exit(1)
	}

	// 2. Parse Redis URL
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid REDIS_URL: %v\n", err)
		os.Exit(1)
	}

	// 3. Create board client
	client, err := board.NewClient(redisOpts, instanceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create board client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	// 4. Verify Redis connectivity
	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Redis not accessible: %v\n", err)
		os.Exit(1)
	}

	// 5. Load perch.yml configuration if present, defaults otherwise
	cfg := config.Default(instanceName, "global")
	if path := os.Getenv("PERCH_CONFIG"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Failed to load %s: %v\n", path, err)
			os.Exit(1)
		}
	}

	fmt.Printf("Authority starting for instance '%s'\n", instanceName)

	// 6. Build the merge pipeline
	mode := lifecycle.ModeEnforcing
	if !*cfg.Lifecycle.Enforcing {
		mode = lifecycle.ModePermissive
	}
	machine := lifecycle.NewMachine(mode)

	store := storage.NewManager(client, cfg.Scope, storage.Options{
		PendingGrace:   time.Duration(cfg.Storage.PendingGraceMs) * time.Millisecond,
		ResyncDebounce: time.Duration(cfg.Storage.ResyncDebounceMs) * time.Millisecond,
		SessionTTL:     time.Duration(cfg.Storage.SessionTTLMs) * time.Millisecond,
		DurableTier:    *cfg.Storage.DurableTierEnabled,
		SessionTier:    *cfg.Storage.SessionTierEnabled,
		Breaker: storage.NewCircuitBreaker(
			cfg.Storage.BreakerThreshold,
			cfg.Storage.BreakerTrialTarget,
			time.Duration(cfg.Storage.BreakerCooldownMs)*time.Millisecond,
		),
	})

	engine := authority.NewEngine(client, machine, store)

	// 7. Start health check server
	healthAddr := os.Getenv("PERCH_HEALTH_ADDR")
	if healthAddr == "" {
		healthAddr = ":8080"
	}
	health := authority.NewHealthServer(client, engine)
	if err := health.Start(healthAddr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to start health server: %v\n", err)
		os.Exit(1)
	}

	// 8. Setup graceful shutdown
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	// 9. Start engine in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(runCtx)
	}()

	// 10. Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)
		cancel()
		<-errCh
	case runErr := <-errCh:
		if runErr != nil && runErr != context.Canceled {
			fmt.Fprintf(os.Stderr, "Authority error: %v\n", runErr)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := health.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Health server shutdown error: %v\n", err)
	}

	fmt.Println("Authority stopped")
}
