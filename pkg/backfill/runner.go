package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/agenc-labs/replay/core/pkg/alerting"
	"github.com/agenc-labs/replay/core/pkg/observability"
	"github.com/agenc-labs/replay/core/pkg/projector"
)

// Runner drives a backfill. Each page moves through three steps in a
// fixed order: fetch, persist events, persist cursor. The cursor is only
// advanced after its events are durable, so a failure at any step leaves
// the previous cursor as the truthful resume point.
type Runner struct {
	fetcher    Fetcher
	store      TimelineStore
	dispatcher *alerting.Dispatcher
	logger     *slog.Logger
	limiter    *rate.Limiter
	metrics    *observability.Metrics
	clock      func() time.Time
}

// NewRunner creates a runner. dispatcher nil disables alerting; logger
// nil falls back to slog.Default().
func NewRunner(fetcher Fetcher, store TimelineStore, dispatcher *alerting.Dispatcher, logger *slog.Logger) *Runner {
	if dispatcher == nil {
		dispatcher = alerting.NewDisabledDispatcher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		fetcher:    fetcher,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		clock:      time.Now,
	}
}

// WithLimiter throttles page fetches against the ledger source.
func (r *Runner) WithLimiter(limiter *rate.Limiter) *Runner {
	r.limiter = limiter
	return r
}

// WithMetrics attaches the instrument bundle. Nil metrics record nothing.
func (r *Runner) WithMetrics(metrics *observability.Metrics) *Runner {
	r.metrics = metrics
	return r
}

// WithClock overrides the clock for testing.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// Run executes the backfill until the source reports Done, the page limit
// is reached, or a step fails. On failure the returned Result carries the
// partial progress and the last durable cursor alongside the error.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}

	res := &Result{Telemetry: projector.Telemetry{UnknownEvents: map[string]int{}}}

	cursor, err := r.loadCursor(ctx, opts)
	if err != nil {
		res.StopReason = StopCursorFailure
		return res, err
	}
	res.Cursor = cursor

	for {
		if opts.MaxPages > 0 && res.Pages >= opts.MaxPages {
			res.StopReason = StopPageLimit
			return res, nil
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				res.StopReason = StopFetchFailure
				return res, fmt.Errorf("rate limiter: %w", err)
			}
		}

		start := r.clock()
		page, err := r.fetchStep(ctx, cursor, opts)
		if err != nil {
			res.StopReason = StopFetchFailure
			return res, err
		}
		if len(page.Events) == 0 && !page.Done && page.NextCursor.Equal(cursor) {
			r.alertStall(ctx, cursor, opts)
			res.StopReason = StopStalled
			return res, ErrStalled
		}

		proj := projector.Project(page.Events, projector.TraceOptions{
			TraceID:     opts.TraceID,
			Seed:        opts.Seed,
			CreatedAtMs: opts.CreatedAtMs,
		})
		mergeTelemetry(&res.Telemetry, proj.Telemetry)
		r.alertConflicts(ctx, proj.Telemetry.TransitionConflicts, opts)

		saved, err := r.persistStep(ctx, proj.Events, cursor, opts)
		if err != nil {
			res.StopReason = StopStoreFailure
			return res, err
		}
		res.Inserted += saved.Inserted
		res.Duplicates += saved.Duplicates
		if saved.Duplicates > 0 {
			r.alertDuplicates(ctx, saved.Duplicates, cursor, opts)
		}

		if err := r.cursorStep(ctx, page.NextCursor, cursor, opts); err != nil {
			res.StopReason = StopCursorFailure
			return res, err
		}
		cursor = page.NextCursor
		res.Cursor = cursor
		res.Pages++
		r.metrics.PageFetched(ctx, opts.TraceID, r.clock().Sub(start))
		r.metrics.EventsStored(ctx, opts.TraceID, saved.Inserted, saved.Duplicates)

		r.logger.InfoContext(ctx, "backfill page complete",
			"trace_id", opts.TraceID,
			"page", res.Pages,
			"inserted", saved.Inserted,
			"duplicates", saved.Duplicates,
			"cursor_slot", cursorSlot(cursor),
		)

		if page.Done {
			res.StopReason = StopDone
			return res, nil
		}
	}
}

// loadCursor reads the persisted cursor and resets it when its shape
// cannot be trusted. A reset is surfaced as a warning alert rather than a
// failure: restarting from the beginning is safe, silently resuming from
// a corrupt position is not.
func (r *Runner) loadCursor(ctx context.Context, opts Options) (*Cursor, error) {
	cursor, err := r.store.GetCursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	if cursor.Valid(opts.TraceID) {
		return cursor, nil
	}
	r.emit(ctx, alerting.Detection{
		Code:     "BACKFILL_CURSOR_RESET",
		Severity: alerting.SeverityWarning,
		Kind:     alerting.KindReplayIngestionLag,
		Message:  "persisted cursor failed shape validation, restarting from the beginning",
		TraceID:  opts.TraceID,
		Metadata: map[string]any{
			"cursorSlot":      cursor.Slot,
			"cursorSignature": cursor.Signature,
			"cursorTraceId":   cursor.TraceID,
		},
	})
	return nil, nil
}

func (r *Runner) fetchStep(ctx context.Context, cursor *Cursor, opts Options) (*Page, error) {
	page, err := r.fetcher.FetchPage(ctx, cursor, opts.ToSlot, opts.PageSize)
	if err != nil {
		r.emit(ctx, alerting.Detection{
			Code:     "BACKFILL_FETCH_FAILED",
			Severity: alerting.SeverityError,
			Kind:     alerting.KindReplayIngestionLag,
			Message:  fmt.Sprintf("page fetch failed: %v", err),
			TraceID:  opts.TraceID,
			Metadata: map[string]any{"cursorSlot": cursorSlot(cursor)},
		})
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	if page == nil {
		return nil, fmt.Errorf("fetch page: source returned nil page")
	}
	return page, nil
}

func (r *Runner) persistStep(ctx context.Context, events []projector.Event, cursor *Cursor, opts Options) (SaveResult, error) {
	saved, err := r.store.Save(ctx, events)
	if err != nil {
		r.emit(ctx, alerting.Detection{
			Code:     "BACKFILL_STORE_FAILED",
			Severity: alerting.SeverityError,
			Kind:     alerting.KindReplayIngestionLag,
			Message:  fmt.Sprintf("event persistence failed: %v", err),
			TraceID:  opts.TraceID,
			Metadata: map[string]any{"cursorSlot": cursorSlot(cursor)},
		})
		return SaveResult{}, fmt.Errorf("persist events: %w", err)
	}
	return saved, nil
}

// cursorStep persists the advanced cursor. Its events are already
// durable, so on failure the run stops with the previous cursor and a
// retry re-ingests one page of duplicates.
func (r *Runner) cursorStep(ctx context.Context, next, prev *Cursor, opts Options) error {
	if err := r.store.SaveCursor(ctx, next); err != nil {
		r.emit(ctx, alerting.Detection{
			Code:     "BACKFILL_CURSOR_FAILED",
			Severity: alerting.SeverityError,
			Kind:     alerting.KindReplayIngestionLag,
			Message:  fmt.Sprintf("cursor persistence failed: %v", err),
			TraceID:  opts.TraceID,
			Metadata: map[string]any{"cursorSlot": cursorSlot(prev)},
		})
		return fmt.Errorf("persist cursor: %w", err)
	}
	return nil
}

func (r *Runner) alertStall(ctx context.Context, cursor *Cursor, opts Options) {
	r.emit(ctx, alerting.Detection{
		Code:     "BACKFILL_STALLED",
		Severity: alerting.SeverityError,
		Kind:     alerting.KindReplayIngestionLag,
		Message:  "source returned an empty page without advancing the cursor",
		TraceID:  opts.TraceID,
		Metadata: map[string]any{"cursorSlot": cursorSlot(cursor)},
	})
}

func (r *Runner) alertDuplicates(ctx context.Context, count int, cursor *Cursor, opts Options) {
	r.emit(ctx, alerting.Detection{
		Code:     "BACKFILL_DUPLICATES_ABSORBED",
		Severity: alerting.SeverityInfo,
		Kind:     alerting.KindReplayAnomalyRepeat,
		Message:  fmt.Sprintf("store absorbed %d already-ingested events", count),
		TraceID:  opts.TraceID,
		Metadata: map[string]any{"count": count, "cursorSlot": cursorSlot(cursor)},
	})
}

func (r *Runner) alertConflicts(ctx context.Context, conflicts []projector.TransitionConflict, opts Options) {
	for _, c := range conflicts {
		slot := c.Slot
		r.emit(ctx, alerting.Detection{
			Code:      "LIFECYCLE_TRANSITION_INVALID",
			Severity:  alerting.SeverityWarning,
			Kind:      alerting.KindTransitionValidation,
			Message:   fmt.Sprintf("invalid transition %q -> %q via %s", c.FromState, c.ToState, c.EventName),
			EntityRef: c.EntityRef,
			Slot:      &slot,
			Signature: c.Signature,
			TraceID:   opts.TraceID,
		})
	}
}

// emit dispatches best-effort: an alerting failure is logged, never
// allowed to abort ingestion.
func (r *Runner) emit(ctx context.Context, det alerting.Detection) {
	if _, err := r.dispatcher.Emit(ctx, det); err != nil {
		r.logger.WarnContext(ctx, "alert dispatch failed", "code", det.Code, "error", err)
	}
}

func mergeTelemetry(total *projector.Telemetry, page projector.Telemetry) {
	total.TotalInputs += page.TotalInputs
	total.Projected += page.Projected
	total.MalformedInputs += page.MalformedInputs
	total.DuplicatesDropped += page.DuplicatesDropped
	total.TransitionConflicts = append(total.TransitionConflicts, page.TransitionConflicts...)
	for name, n := range page.UnknownEvents {
		total.UnknownEvents[name] += n
	}
}

func cursorSlot(c *Cursor) int64 {
	if c == nil {
		return -1
	}
	return c.Slot
}
