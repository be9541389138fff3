package trajectory

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenc-labs/replay/core/pkg/canonicalize"
)

// ErrCapacityExceeded is returned by Record once the recorder holds its
// configured maximum number of events.
var ErrCapacityExceeded = errors.New("recorder capacity exceeded")

// DefaultMaxEvents bounds a recorder unless the caller configures otherwise.
const DefaultMaxEvents = 100_000

// Recorder captures trajectory events during live execution. Timestamps
// come from an injectable clock and sequence numbers from a monotonic
// counter, so a recorder fed deterministic inputs produces the same
// trajectory shape the projector produces from historical data.
type Recorder struct {
	mu        sync.Mutex
	enabled   bool
	maxEvents int
	clock     func() time.Time
	events    []Event
	seq       int
}

// NewRecorder creates an enabled recorder with the default capacity.
func NewRecorder() *Recorder {
	return &Recorder{
		enabled:   true,
		maxEvents: DefaultMaxEvents,
		clock:     time.Now,
	}
}

// NewDisabledRecorder creates a recorder whose Record calls are accepted
// as no-ops returning a nil event.
func NewDisabledRecorder() *Recorder {
	r := NewRecorder()
	r.enabled = false
	return r
}

// WithClock overrides the clock for testing or deterministic capture.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// WithMaxEvents overrides the capacity limit.
func (r *Recorder) WithMaxEvents(n int) *Recorder {
	r.maxEvents = n
	return r
}

// Record sanitizes the payload, assigns the next sequence number and a
// clock timestamp, appends the event, and returns a copy. A disabled
// recorder returns (nil, nil).
func (r *Recorder) Record(eventType, entityRef string, payload map[string]any) (*Event, error) {
	if !r.enabled {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.events) >= r.maxEvents {
		return nil, fmt.Errorf("record %q: %w (max %d)", eventType, ErrCapacityExceeded, r.maxEvents)
	}

	sanitized, err := canonicalize.Sanitize(payload)
	if err != nil {
		return nil, fmt.Errorf("record %q: sanitize payload: %w", eventType, err)
	}
	clean, _ := sanitized.(map[string]any)
	if clean == nil {
		clean = map[string]any{}
	}

	r.seq++
	ev := Event{
		Seq:         r.seq,
		Type:        eventType,
		EntityRef:   entityRef,
		TimestampMs: r.clock().UnixMilli(),
		Payload:     clean,
	}
	r.events = append(r.events, ev)

	out := ev.Clone()
	return &out, nil
}

// Events returns a deep copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return CloneEvents(r.events)
}

// Count returns the number of recorded events.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// CreateTrace snapshots the recorded events into an immutable trajectory.
// An empty traceID gets a generated one; seed must be supplied by the
// caller for reproducibility.
func (r *Recorder) CreateTrace(traceID string, seed int64) *Trajectory {
	r.mu.Lock()
	defer r.mu.Unlock()

	if traceID == "" {
		traceID = uuid.NewString()
	}
	return &Trajectory{
		SchemaVersion: SchemaVersion,
		TraceID:       traceID,
		Seed:          seed,
		CreatedAtMs:   r.clock().UnixMilli(),
		Events:        CloneEvents(r.events),
	}
}
