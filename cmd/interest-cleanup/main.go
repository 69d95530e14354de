package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kwld/twitch-bridge/internal/database"
)

func main() {
	var (
		databaseURL = flag.String("database", os.Getenv("DATABASE_URL"), "Postgres URL (or set DATABASE_URL env)")
		staleAfter  = flag.Duration("stale-after", 15*time.Minute, "Delete interests not touched within this duration")
		dryRun      = flag.Bool("dry-run", false, "Dry run mode (don't delete anything)")
		verbose     = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("Postgres URL required (--database or DATABASE_URL env)")
	}

	// Configure logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	ctx := context.Background()
	pool, err := database.Connect(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	slog.Info("Connected to database", "url", sanitizeURL(*databaseURL))

	if err := cleanupStaleInterests(ctx, database.NewInterestRepo(pool), *staleAfter, *dryRun); err != nil {
		log.Fatalf("Cleanup failed: %v", err)
	}

	slog.Info("Cleanup complete")
}

func cleanupStaleInterests(ctx context.Context, repo *database.InterestRepo, staleAfter time.Duration, dryRun bool) error {
	start := time.Now()
	cutoff := start.Add(-staleAfter)

	slog.Info("Starting cleanup", "cutoff", cutoff.Format(time.RFC3339), "dry_run", dryRun)

	var removed int
	if dryRun {
		interests, err := repo.ListAll(ctx)
		if err != nil {
			return err
		}
		for _, interest := range interests {
			if !interest.UpdatedAt.Before(cutoff) {
				continue
			}
			slog.Debug("Would delete interest",
				"id", interest.ID,
				"service_id", interest.ServiceID,
				"event_type", interest.Key.EventType,
				"broadcaster_user_id", interest.Key.BroadcasterUserID,
				"updated_at", interest.UpdatedAt.Format(time.RFC3339))
			removed++
		}
	} else {
		deleted, err := repo.DeleteStale(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, interest := range deleted {
			slog.Debug("Deleted interest",
				"id", interest.ID,
				"service_id", interest.ServiceID,
				"event_type", interest.Key.EventType,
				"broadcaster_user_id", interest.Key.BroadcasterUserID,
				"updated_at", interest.UpdatedAt.Format(time.RFC3339))
		}
		removed = len(deleted)
	}

	duration := time.Since(start)
	slog.Info("Cleanup summary",
		"removed", removed,
		"dry_run", dryRun,
		"duration_ms", duration.Milliseconds())

	return nil
}

func sanitizeURL(url string) string {
	// Hide password in the Postgres URL for logging
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) == 2 {
			credParts := strings.Split(parts[0], ":")
			if len(credParts) >= 2 {
				return credParts[0] + ":***@" + parts[1]
			}
		}
	}
	return url
}
