package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agenc-labs/replay/core/pkg/canonicalize"
)

// Detection is the input to Emit: an anomaly observation before identity
// and dedup are applied.
type Detection struct {
	Code                string
	Severity            Severity
	Kind                Kind
	Message             string
	EntityRef           string
	Slot                *int64
	Signature           string
	SourceEventName     string
	SourceEventSequence *int
	TraceID             string
	Metadata            map[string]any
}

// AlertID computes the deterministic identity of a detection. Time and
// repeat count never participate.
func AlertID(det Detection) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"code":      det.Code,
		"kind":      string(det.Kind),
		"entityRef": det.EntityRef,
		"slot":      det.Slot,
		"signature": det.Signature,
		"traceId":   det.TraceID,
	})
}

// Dispatcher emits alerts with windowed dedup. Within the window repeated
// detections with the same id are suppressed from the sink but still
// counted, so RepeatCount stays accurate across suppressed calls.
type Dispatcher struct {
	enabled bool
	window  time.Duration
	store   DedupStore
	logger  *slog.Logger
	clock   func() time.Time
}

// NewDispatcher creates an enabled dispatcher. logger is the sink; nil
// falls back to slog.Default().
func NewDispatcher(store DedupStore, window time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		enabled: true,
		window:  window,
		store:   store,
		logger:  logger,
		clock:   time.Now,
	}
}

// NewDisabledDispatcher accepts Emit calls as no-ops.
func NewDisabledDispatcher() *Dispatcher {
	return &Dispatcher{enabled: false, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Emit converts a detection into an alert. Disabled dispatchers return
// (nil, nil) with no side effect. Otherwise the alert is always returned
// with an accurate RepeatCount; the sink is only written when the dedup
// window has reopened for this alert id.
func (d *Dispatcher) Emit(ctx context.Context, det Detection) (*Alert, error) {
	if !d.enabled {
		return nil, nil
	}
	if !validSeverity(det.Severity) {
		return nil, fmt.Errorf("alerting: invalid severity %q", det.Severity)
	}
	if !validKind(det.Kind) {
		return nil, fmt.Errorf("alerting: invalid kind %q", det.Kind)
	}

	id, err := AlertID(det)
	if err != nil {
		return nil, fmt.Errorf("alerting: compute alert id: %w", err)
	}
	now := d.clock().UnixMilli()

	prior, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("alerting: dedup lookup: %w", err)
	}

	count := 1
	if prior != nil {
		count = prior.Count + 1
	}

	alert := &Alert{
		ID:                  id,
		Code:                det.Code,
		Severity:            det.Severity,
		Kind:                det.Kind,
		Message:             det.Message,
		EmittedAtMs:         now,
		RepeatCount:         count,
		EntityRef:           det.EntityRef,
		Slot:                det.Slot,
		Signature:           det.Signature,
		SourceEventName:     det.SourceEventName,
		SourceEventSequence: det.SourceEventSequence,
		TraceID:             det.TraceID,
		Metadata:            det.Metadata,
	}

	suppressed := prior != nil && now-prior.LastEmittedMs < d.window.Milliseconds()
	entry := DedupEntry{LastEmittedMs: now, Count: count}
	if suppressed {
		// Keep the window anchored at the last sink write so a steady
		// stream of repeats cannot suppress forever.
		entry.LastEmittedMs = prior.LastEmittedMs
	}
	if err := d.store.Put(ctx, id, entry); err != nil {
		return nil, fmt.Errorf("alerting: dedup update: %w", err)
	}

	if !suppressed {
		d.log(ctx, alert)
	}
	return alert, nil
}

func (d *Dispatcher) log(ctx context.Context, a *Alert) {
	attrs := []any{
		"alertId", a.ID,
		"code", a.Code,
		"kind", string(a.Kind),
		"repeatCount", a.RepeatCount,
	}
	if a.EntityRef != "" {
		attrs = append(attrs, "entityRef", a.EntityRef)
	}
	if a.TraceID != "" {
		attrs = append(attrs, "traceId", a.TraceID)
	}

	switch a.Severity {
	case SeverityError:
		d.logger.ErrorContext(ctx, a.Message, attrs...)
	case SeverityWarning:
		d.logger.WarnContext(ctx, a.Message, attrs...)
	default:
		d.logger.InfoContext(ctx, a.Message, attrs...)
	}
}

func validSeverity(s Severity) bool {
	switch s {
	case SeverityError, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

func validKind(k Kind) bool {
	switch k {
	case KindTransitionValidation, KindReplayHashMismatch, KindReplayIngestionLag, KindReplayAnomalyRepeat:
		return true
	}
	return false
}
