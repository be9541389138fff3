// Command replayd ingests a ledger event stream into the timeline store
// and replays the persisted trace, reporting its deterministic hash.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/agenc-labs/replay/core/pkg/alerting"
	"github.com/agenc-labs/replay/core/pkg/backfill"
	"github.com/agenc-labs/replay/core/pkg/config"
	"github.com/agenc-labs/replay/core/pkg/observability"
	"github.com/agenc-labs/replay/core/pkg/replay"
	"github.com/agenc-labs/replay/core/pkg/store"
	"github.com/agenc-labs/replay/core/pkg/trajectory"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("replayd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profileName := fs.String("profile", "", "run profile name under -profiles-dir")
	profilesDir := fs.String("profiles-dir", "profiles", "directory of profile_*.yaml files")
	strict := fs.Bool("strict", false, "fail the replay on lifecycle conflicts")
	expectHash := fs.String("expect-hash", "", "deterministic hash from a previous run to verify against")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	var maxPages int
	if *profileName != "" {
		profile, err := config.LoadProfile(*profilesDir, *profileName)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		profile.Apply(cfg)
		maxPages = profile.MaxPages
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TraceID == "" {
		cfg.TraceID = uuid.NewString()
		logger.Info("no trace id configured, generated one", "trace_id", cfg.TraceID)
	}
	if cfg.EventsFile == "" {
		fmt.Fprintln(stderr, "REPLAY_EVENTS_FILE (or a profile events_file) is required")
		return 1
	}

	if err := runBackfill(ctx, cfg, maxPages, replayOpts{strict: *strict, expectHash: *expectHash}, logger); err != nil {
		logger.Error("run failed", "error", err)
		return 1
	}
	return 0
}

type replayOpts struct {
	strict     bool
	expectHash string
}

func runBackfill(ctx context.Context, cfg *config.Config, maxPages int, opts replayOpts, logger *slog.Logger) error {
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "replayd",
		ServiceVersion: trajectory.SchemaVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		ExportInterval: 15 * time.Second,
		Enabled:        cfg.MetricsEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	timeline, err := store.NewSQLiteTimelineStore(db, cfg.TraceID)
	if err != nil {
		return fmt.Errorf("init timeline store: %w", err)
	}

	dispatcher := alerting.NewDispatcher(newDedupStore(cfg, logger), cfg.DedupWindow, logger)

	f, err := os.Open(cfg.EventsFile)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer func() { _ = f.Close() }()

	fetcher, err := backfill.NewJSONLFetcher(f, cfg.TraceID)
	if err != nil {
		return fmt.Errorf("load events file: %w", err)
	}
	logger.Info("events loaded", "file", cfg.EventsFile, "count", fetcher.Len())

	runner := backfill.NewRunner(fetcher, timeline, dispatcher, logger).
		WithMetrics(obs.Metrics())
	if cfg.RateLimit > 0 {
		runner = runner.WithLimiter(rate.NewLimiter(rate.Limit(cfg.RateLimit), 1))
	}

	res, err := runner.Run(ctx, backfill.Options{
		TraceID:     cfg.TraceID,
		Seed:        cfg.Seed,
		CreatedAtMs: time.Now().UnixMilli(),
		ToSlot:      cfg.ToSlot,
		PageSize:    cfg.PageSize,
		MaxPages:    maxPages,
	})
	if err != nil {
		return fmt.Errorf("backfill (%s): %w", res.StopReason, err)
	}
	logger.Info("backfill complete",
		"pages", res.Pages,
		"inserted", res.Inserted,
		"duplicates", res.Duplicates,
		"malformed", res.Telemetry.MalformedInputs,
		"conflicts", len(res.Telemetry.TransitionConflicts),
	)

	return replayStored(ctx, timeline, dispatcher, cfg, opts, logger)
}

// replayStored reconstructs the trajectory from the persisted timeline
// and runs the replay engine over it.
func replayStored(ctx context.Context, timeline *store.SQLiteTimelineStore, dispatcher *alerting.Dispatcher, cfg *config.Config, opts replayOpts, logger *slog.Logger) error {
	events, err := timeline.LoadEvents(ctx)
	if err != nil {
		return fmt.Errorf("load timeline: %w", err)
	}

	traj := &trajectory.Trajectory{
		SchemaVersion: trajectory.SchemaVersion,
		TraceID:       cfg.TraceID,
		Seed:          cfg.Seed,
		Events:        make([]trajectory.Event, 0, len(events)),
	}
	for i, ev := range events {
		inner := ev.Event
		inner.Seq = i + 1 // reassign dense ordinals over the merged history
		traj.Events = append(traj.Events, inner)
	}

	engine := replay.NewEngine().WithStrict(opts.strict).WithLogger(logger)
	res, err := engine.Verify(traj, opts.expectHash)
	if err != nil {
		if errors.Is(err, replay.ErrHashMismatch) {
			if _, emitErr := dispatcher.Emit(ctx, alerting.Detection{
				Code:     "REPLAY_HASH_MISMATCH",
				Severity: alerting.SeverityError,
				Kind:     alerting.KindReplayHashMismatch,
				Message:  err.Error(),
				TraceID:  cfg.TraceID,
			}); emitErr != nil {
				logger.Warn("alert dispatch failed", "error", emitErr)
			}
		}
		return fmt.Errorf("replay: %w", err)
	}
	logger.Info("replay complete",
		"trace_id", res.TraceID,
		"deterministic_hash", res.DeterministicHash,
		"entities", len(res.EntityStatus),
		"conflicts", len(res.Conflicts),
		"completed", res.Summary.Completed,
		"failed", res.Summary.Failed,
	)
	return nil
}

func newDedupStore(cfg *config.Config, logger *slog.Logger) alerting.DedupStore {
	if cfg.RedisAddr == "" {
		return alerting.NewMemoryDedupStore()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	logger.Info("using redis alert dedup store", "addr", cfg.RedisAddr)
	return alerting.NewRedisDedupStore(client, 2*cfg.DedupWindow)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
