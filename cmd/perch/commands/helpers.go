package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/perch/internal/config"
	"github.com/dyluth/perch/internal/printer"
	"github.com/dyluth/perch/internal/replica"
	"github.com/dyluth/perch/pkg/board"
)

// loadConfig resolves the effective configuration from the --config flag,
// environment variables, and built-in defaults, in that order.
func loadConfig() (*config.PerchConfig, error) {
	if rootConfigPath != "" {
		return config.Load(rootConfigPath)
	}

	instance := rootInstance
	if instance == "" {
		instance = os.Getenv("PERCH_INSTANCE_NAME")
	}
	if instance == "" {
		instance = "default"
	}

	scope := rootScope
	if scope == "" {
		scope = os.Getenv("PERCH_SCOPE")
	}
	if scope == "" {
		scope = "global"
	}

	return config.Default(instance, scope), nil
}

// connect builds a board client from REDIS_URL (localhost if unset) and
// verifies connectivity.
func connect(ctx context.Context, instanceName string) (*board.Client, error) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	client, err := board.NewClient(redisOpts, instanceName)
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.Error(
			"Redis not accessible",
			fmt.Sprintf("Could not reach Redis at %s: %v", redisURL, err),
			[]string{"Check that Redis is running and REDIS_URL points at it"},
		)
	}

	return client, nil
}

// resolveTab matches a full tab ID or a unique ID prefix against the
// engine's collection. Ambiguous prefixes are an error listing candidates.
func resolveTab(engine *replica.Engine, ref string) (*board.QuickTab, error) {
	if tab := engine.Get(ref); tab != nil {
		return tab, nil
	}

	var matches []*board.QuickTab
	for _, tab := range engine.List() {
		if len(ref) > 0 && len(tab.ID) >= len(ref) && tab.ID[:len(ref)] == ref {
			matches = append(matches, tab)
		}
	}

	switch len(matches) {
	case 0:
		return nil, printer.Error(
			fmt.Sprintf("tab '%s' not found", ref),
			"No tab in this scope matches that ID or prefix.",
			[]string{"Run 'perch list' to see the current tabs"},
		)
	case 1:
		return matches[0], nil
	default:
		suggestions := make([]string, 0, len(matches))
		for _, tab := range matches {
			suggestions = append(suggestions, tab.ID)
		}
		return nil, printer.Error(
			fmt.Sprintf("tab prefix '%s' is ambiguous", ref),
			fmt.Sprintf("%d tabs match that prefix.", len(matches)),
			suggestions,
		)
	}
}

// withEngine runs fn against a fully hydrated replica engine, flushing any
// queued sync operations before disconnecting. One-shot CLI commands use
// this; only watch keeps the engine running.
func withEngine(ctx context.Context, fn func(*replica.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := connect(ctx, cfg.Instance)
	if err != nil {
		return err
	}
	defer client.Close()

	engine, err := replica.NewEngine(client, cfg)
	if err != nil {
		return err
	}

	if err := engine.Hydrate(ctx); err != nil {
		return fmt.Errorf("failed to load tab collection: %w", err)
	}

	if err := fn(engine); err != nil {
		return err
	}

	engine.SubmitSync(ctx)
	return nil
}
